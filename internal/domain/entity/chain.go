package entity

// ChainKind tells the engine which wire protocol a chain speaks.
type ChainKind string

const (
	ChainKindSubstrate ChainKind = "substrate"
	ChainKindEVM       ChainKind = "evm"
)

// Chain holds the configuration for a specific blockchain network.
// Substrate chains and EVM networks share the structure; EVMChainID is only
// set for EVM networks.
type Chain struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Kind            ChainKind `json:"kind" yaml:"kind"`
	EVMChainID      uint64    `json:"evmChainId,omitempty" yaml:"evmChainId,omitempty"`
	NativeSymbol    string    `json:"nativeSymbol" yaml:"nativeSymbol"`
	Decimals        uint8     `json:"decimals" yaml:"decimals"`
	PrimaryRPCURL   string    `json:"primaryRpcUrl" yaml:"primaryRpcUrl"`
	FallbackRPCURLs []string  `json:"fallbackRpcUrls,omitempty" yaml:"fallbackRpcUrls,omitempty"`

	// SortIndex ranks chains for subscription slots; relay and public
	// goods chains carry the lowest values.
	SortIndex int `json:"sortIndex" yaml:"sortIndex"`

	// DEXScreenerChainID is the chain slug used for price lookups.
	DEXScreenerChainID string `json:"dexScreenerChainId,omitempty" yaml:"dexScreenerChainId,omitempty"`
}

// RPCURLs returns the primary endpoint followed by the fallbacks.
func (c Chain) RPCURLs() []string {
	urls := make([]string, 0, 1+len(c.FallbackRPCURLs))
	if c.PrimaryRPCURL != "" {
		urls = append(urls, c.PrimaryRPCURL)
	}
	return append(urls, c.FallbackRPCURLs...)
}
