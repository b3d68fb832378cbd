package port

import (
	"context"

	"balance_engine/internal/domain/entity"
)

// TokenPriceService provides USD prices for tokens.
type TokenPriceService interface {
	LoadAndCacheTokenPrices(ctx context.Context) error
	GetPriceUSD(tokenID string) (float64, bool)
}

// DEXScreenerClient defines the interface for interacting with the DEX Screener API.
type DEXScreenerClient interface {
	GetTokenPairsByAddresses(ctx context.Context, dexscreenerChainID string, tokenAddresses []string) ([]entity.PairData, error)
}
