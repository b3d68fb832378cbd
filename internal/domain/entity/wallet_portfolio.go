package entity

// WalletPortfolio represents the aggregated balances of one address.
type WalletPortfolio struct {
	WalletAddress     string                   `json:"walletAddress"`
	BalancesByNetwork map[string]NetworkTokens `json:"balancesByNetwork"`
	TotalValueUSD     float64                  `json:"totalValueUSD"`
}

// TokenDetail is a Balance formatted with the decimals of its token.
type TokenDetail struct {
	TokenID      string        `json:"tokenId"`
	TokenSymbol  string        `json:"tokenSymbol"`
	Decimals     uint8         `json:"decimals"`
	Status       BalanceStatus `json:"status"`
	Free         string        `json:"free"`
	Reserved     string        `json:"reserved"`
	Locked       string        `json:"locked"`
	Transferable string        `json:"transferable"`
	Total        string        `json:"total"`
	PriceUSD     float64       `json:"priceUSD,omitempty"`
	ValueUSD     float64       `json:"valueUSD,omitempty"`
	// Values are the raw labelled amounts in base units.
	Values []AmountWithLabel `json:"values,omitempty"`
}

// NetworkTokens represents all token balances for a specific network.
type NetworkTokens struct {
	NetworkID     string        `json:"networkId"`
	Tokens        []TokenDetail `json:"tokens"`
	TotalValueUSD float64       `json:"totalValueUSD"`
}
