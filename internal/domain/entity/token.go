package entity

// TokenType is the balance module a token is served by.
type TokenType string

const (
	TokenTypeSubstrateNative TokenType = "substrate-native"
	TokenTypeSubstrateAssets TokenType = "substrate-assets"
	TokenTypeEVMNative       TokenType = "evm-native"
	TokenTypeEVMERC20        TokenType = "evm-erc20"
)

// Token holds the details of a specific token.
// Exactly one of ChainID and EVMNetworkID is set.
type Token struct {
	ID           string    `json:"id" yaml:"id"`
	Type         TokenType `json:"type" yaml:"type"`
	ChainID      string    `json:"chainId,omitempty" yaml:"chainId,omitempty"`
	EVMNetworkID string    `json:"evmNetworkId,omitempty" yaml:"evmNetworkId,omitempty"`
	Symbol       string    `json:"symbol" yaml:"symbol"`
	Decimals     uint8     `json:"decimals" yaml:"decimals"`

	// AssetID is the substrate Assets pallet id.
	AssetID string `json:"assetId,omitempty" yaml:"assetId,omitempty"`
	// ContractAddress is the ERC20 contract.
	ContractAddress string `json:"contractAddress,omitempty" yaml:"contractAddress,omitempty"`
	// PriceAddress is the contract DEX Screener quotes the token under, the
	// wrapped contract for native tokens. Defaults to ContractAddress.
	PriceAddress string `json:"priceAddress,omitempty" yaml:"priceAddress,omitempty"`
}

// PriceLookupAddress returns the address to look the token price up by, or ""
// when the token is not priced.
func (t Token) PriceLookupAddress() string {
	if t.PriceAddress != "" {
		return t.PriceAddress
	}
	return t.ContractAddress
}

// NetworkID returns the substrate chain or the EVM network of the token.
func (t Token) NetworkID() string {
	if t.ChainID != "" {
		return t.ChainID
	}
	return t.EVMNetworkID
}
