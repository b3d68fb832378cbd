package networkdefinition

import (
	"sort"

	"balance_engine/internal/domain/entity"
)

// Definition is a built-in chain together with its native token.
type Definition struct {
	Chain entity.Chain
	// WrappedNativeTokenAddress is the contract DEX Screener quotes the native
	// token under. Empty when the native token is not priced.
	WrappedNativeTokenAddress string
}

// Sort indices: relay chains first, then system parachains, then the rest.
const (
	sortRelay      = 0
	sortSystem     = 10
	sortParachain  = 100
	sortEVMNetwork = 1000
)

// Predefined chain definitions
var ( //nolint:gochecknoglobals // Global for definitions
	Polkadot = Definition{Chain: entity.Chain{
		ID:              "polkadot",
		Name:            "Polkadot",
		Kind:            entity.ChainKindSubstrate,
		NativeSymbol:    "DOT",
		Decimals:        10,
		PrimaryRPCURL:   "wss://rpc.polkadot.io",
		FallbackRPCURLs: []string{"wss://polkadot-rpc.dwellir.com", "wss://rpc.ibp.network/polkadot"},
		SortIndex:       sortRelay,
	}}
	Kusama = Definition{Chain: entity.Chain{
		ID:              "kusama",
		Name:            "Kusama",
		Kind:            entity.ChainKindSubstrate,
		NativeSymbol:    "KSM",
		Decimals:        12,
		PrimaryRPCURL:   "wss://kusama-rpc.polkadot.io",
		FallbackRPCURLs: []string{"wss://kusama-rpc.dwellir.com", "wss://rpc.ibp.network/kusama"},
		SortIndex:       sortRelay + 1,
	}}
	PolkadotAssetHub = Definition{Chain: entity.Chain{
		ID:              "polkadot-asset-hub",
		Name:            "Polkadot Asset Hub",
		Kind:            entity.ChainKindSubstrate,
		NativeSymbol:    "DOT",
		Decimals:        10,
		PrimaryRPCURL:   "wss://polkadot-asset-hub-rpc.polkadot.io",
		FallbackRPCURLs: []string{"wss://asset-hub-polkadot-rpc.dwellir.com"},
		SortIndex:       sortSystem,
	}}
	KusamaAssetHub = Definition{Chain: entity.Chain{
		ID:              "kusama-asset-hub",
		Name:            "Kusama Asset Hub",
		Kind:            entity.ChainKindSubstrate,
		NativeSymbol:    "KSM",
		Decimals:        12,
		PrimaryRPCURL:   "wss://kusama-asset-hub-rpc.polkadot.io",
		FallbackRPCURLs: []string{"wss://asset-hub-kusama-rpc.dwellir.com"},
		SortIndex:       sortSystem + 1,
	}}
	Astar = Definition{Chain: entity.Chain{
		ID:                 "astar",
		Name:               "Astar",
		Kind:               entity.ChainKindSubstrate,
		NativeSymbol:       "ASTR",
		Decimals:           18,
		PrimaryRPCURL:      "wss://rpc.astar.network",
		FallbackRPCURLs:    []string{"wss://astar-rpc.dwellir.com"},
		SortIndex:          sortParachain,
		DEXScreenerChainID: "astar",
	}, WrappedNativeTokenAddress: "0xAeaaf0e2c81Af264101B9129C00F4440cCF0F720"} // WASTR
	Acala = Definition{Chain: entity.Chain{
		ID:              "acala",
		Name:            "Acala",
		Kind:            entity.ChainKindSubstrate,
		NativeSymbol:    "ACA",
		Decimals:        12,
		PrimaryRPCURL:   "wss://acala-rpc.aca-api.network",
		FallbackRPCURLs: []string{"wss://acala-rpc.dwellir.com"},
		SortIndex:       sortParachain + 1,
	}}
	Moonbeam = Definition{Chain: entity.Chain{
		ID:                 "moonbeam",
		Name:               "Moonbeam",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         1284,
		NativeSymbol:       "GLMR",
		Decimals:           18,
		PrimaryRPCURL:      "https://rpc.api.moonbeam.network",
		FallbackRPCURLs:    []string{"https://moonbeam.public.blastapi.io"},
		SortIndex:          sortEVMNetwork,
		DEXScreenerChainID: "moonbeam",
	}, WrappedNativeTokenAddress: "0xAcc15dC74880C9944775448304B263D191c6077F"} // WGLMR
	Ethereum = Definition{Chain: entity.Chain{
		ID:                 "ethereum",
		Name:               "Ethereum Mainnet",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         1,
		NativeSymbol:       "ETH",
		Decimals:           18,
		PrimaryRPCURL:      "https://ethereum-rpc.publicnode.com",
		FallbackRPCURLs:    []string{"https://rpc.ankr.com/eth", "https://ethereum.publicnode.com"},
		SortIndex:          sortEVMNetwork + 1,
		DEXScreenerChainID: "ethereum",
	}, WrappedNativeTokenAddress: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"} // WETH
	BSC = Definition{Chain: entity.Chain{
		ID:                 "bsc",
		Name:               "BNB Smart Chain",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         56,
		NativeSymbol:       "BNB",
		Decimals:           18,
		PrimaryRPCURL:      "https://1rpc.io/bnb",
		FallbackRPCURLs:    []string{"https://bsc-dataseed2.binance.org/", "https://bsc.publicnode.com"},
		SortIndex:          sortEVMNetwork + 2,
		DEXScreenerChainID: "bsc",
	}, WrappedNativeTokenAddress: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"} // WBNB
	Polygon = Definition{Chain: entity.Chain{
		ID:                 "polygon",
		Name:               "Polygon PoS",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         137,
		NativeSymbol:       "POL",
		Decimals:           18,
		PrimaryRPCURL:      "https://polygon-rpc.com/",
		FallbackRPCURLs:    []string{"https://rpc.ankr.com/polygon", "https://polygon.publicnode.com"},
		SortIndex:          sortEVMNetwork + 3,
		DEXScreenerChainID: "polygon",
	}, WrappedNativeTokenAddress: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"} // WPOL
	Arbitrum = Definition{Chain: entity.Chain{
		ID:                 "arbitrum",
		Name:               "Arbitrum One",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         42161,
		NativeSymbol:       "ETH",
		Decimals:           18,
		PrimaryRPCURL:      "https://arb1.arbitrum.io/rpc",
		FallbackRPCURLs:    []string{"https://arbitrum.llamarpc.com", "https://arbitrum.publicnode.com"},
		SortIndex:          sortEVMNetwork + 4,
		DEXScreenerChainID: "arbitrum",
	}, WrappedNativeTokenAddress: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"} // WETH on Arbitrum
	Base = Definition{Chain: entity.Chain{
		ID:                 "base",
		Name:               "Base Mainnet",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         8453,
		NativeSymbol:       "ETH",
		Decimals:           18,
		PrimaryRPCURL:      "https://1rpc.io/base",
		FallbackRPCURLs:    []string{"https://base.publicnode.com", "https://base.llamarpc.com"},
		SortIndex:          sortEVMNetwork + 5,
		DEXScreenerChainID: "base",
	}, WrappedNativeTokenAddress: "0x4200000000000000000000000000000000000006"} // WETH on Base
	Optimism = Definition{Chain: entity.Chain{
		ID:                 "optimism",
		Name:               "OP Mainnet",
		Kind:               entity.ChainKindEVM,
		EVMChainID:         10,
		NativeSymbol:       "ETH",
		Decimals:           18,
		PrimaryRPCURL:      "https://op-pokt.nodies.app",
		FallbackRPCURLs:    []string{"https://optimism.publicnode.com", "https://rpc.ankr.com/optimism"},
		SortIndex:          sortEVMNetwork + 6,
		DEXScreenerChainID: "optimism",
	}, WrappedNativeTokenAddress: "0x4200000000000000000000000000000000000006"} // WETH on Optimism
)

// allKnownDefinitions is a helper to quickly access all hardcoded definitions.
var allKnownDefinitions = map[string]Definition{
	Polkadot.Chain.ID:         Polkadot,
	Kusama.Chain.ID:           Kusama,
	PolkadotAssetHub.Chain.ID: PolkadotAssetHub,
	KusamaAssetHub.Chain.ID:   KusamaAssetHub,
	Astar.Chain.ID:            Astar,
	Acala.Chain.ID:            Acala,
	Moonbeam.Chain.ID:         Moonbeam,
	Ethereum.Chain.ID:         Ethereum,
	BSC.Chain.ID:              BSC,
	Polygon.Chain.ID:          Polygon,
	Arbitrum.Chain.ID:         Arbitrum,
	Base.Chain.ID:             Base,
	Optimism.Chain.ID:         Optimism,
}

// Lookup returns the built-in definition of chainID.
func Lookup(chainID string) (Definition, bool) {
	def, ok := allKnownDefinitions[chainID]
	if ok {
		def.Chain.FallbackRPCURLs = append([]string(nil), def.Chain.FallbackRPCURLs...)
	}
	return def, ok
}

// IDs returns the ids of every built-in chain, sorted.
func IDs() []string {
	ids := make([]string, 0, len(allKnownDefinitions))
	for id := range allKnownDefinitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NativeTokenID is the id of the native token of chainID.
func NativeTokenID(chain entity.Chain) string {
	return chain.ID + "-" + string(NativeTokenType(chain))
}

// NativeTokenType is the balance module serving the native token of chain.
func NativeTokenType(chain entity.Chain) entity.TokenType {
	if chain.Kind == entity.ChainKindEVM {
		return entity.TokenTypeEVMNative
	}
	return entity.TokenTypeSubstrateNative
}

// NativeToken returns the native token of chain. priceAddress may be empty.
func NativeToken(chain entity.Chain, priceAddress string) entity.Token {
	token := entity.Token{
		ID:           NativeTokenID(chain),
		Type:         NativeTokenType(chain),
		Symbol:       chain.NativeSymbol,
		Decimals:     chain.Decimals,
		PriceAddress: priceAddress,
	}
	if chain.Kind == entity.ChainKindEVM {
		token.EVMNetworkID = chain.ID
	} else {
		token.ChainID = chain.ID
	}
	return token
}
