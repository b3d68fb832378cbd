package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/infrastructure/configloader"
	"balance_engine/internal/pkg/utils"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

var stablecoinSymbols = map[string]struct{}{
	"USDC": {},
	"USDT": {},
	"DAI":  {},
}

// tokenPriceServiceImpl implements port.TokenPriceService
type tokenPriceServiceImpl struct {
	registry          port.ChainRegistry
	dexscreenerClient port.DEXScreenerClient
	logger            port.Logger
	cfg               *configloader.Config
	// prices maps token ids to USD prices.
	prices *cache.Cache
}

// NewTokenPriceService creates a new instance of tokenPriceServiceImpl.
func NewTokenPriceService(
	registry port.ChainRegistry,
	dsc port.DEXScreenerClient,
	l port.Logger,
	config *configloader.Config,
) port.TokenPriceService {
	ttl := time.Duration(config.TokenPriceSvc.CacheTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &tokenPriceServiceImpl{
		registry:          registry,
		dexscreenerClient: dsc,
		logger:            l,
		cfg:               config,
		prices:            cache.New(ttl, 2*ttl),
	}
}

type priceRequest struct {
	dexscreenerID string
	// tokenIDs by lower case lookup address; several tokens may share one
	// address, e.g. a native token and its wrapped ERC20.
	tokenIDs map[string][]string
}

// LoadAndCacheTokenPrices implements port.TokenPriceService.
func (s *tokenPriceServiceImpl) LoadAndCacheTokenPrices(ctx context.Context) error {
	s.logger.Info("Starting to load and cache token prices using DEXScreener...")

	requests := s.priceRequests()
	if len(requests) == 0 {
		s.logger.Warn("No priced tokens configured, skipping price fetch")
		return nil
	}

	var processed, failedOrMissing atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	concurrencyLimit := 5
	if s.cfg.Performance.MaxConcurrentRoutines > 0 {
		concurrencyLimit = s.cfg.Performance.MaxConcurrentRoutines
	}
	g.SetLimit(concurrencyLimit)
	for _, req := range requests {
		addresses := make([]string, 0, len(req.tokenIDs))
		for address := range req.tokenIDs {
			addresses = append(addresses, address)
		}

		for _, batch := range utils.Batch(addresses, s.cfg.TokenPriceSvc.MaxTokensPerBatchRequest) {
			g.Go(func() error {
				pairs, err := s.dexscreenerClient.GetTokenPairsByAddresses(gctx, req.dexscreenerID, batch)
				if err != nil {
					s.logger.Error("Failed to get token pairs from DEXScreener",
						"dexScreenerID", req.dexscreenerID,
						"tokenAddressesCount", len(batch),
						"error", err)
					failedOrMissing.Add(int64(len(batch)))
					return nil
				}

				for _, address := range batch {
					priceStr := s.selectBestPriceFromPairs(pairs, address)
					price, errConv := strconv.ParseFloat(priceStr, 64)
					if priceStr == "" || errConv != nil || price <= 0 {
						s.logger.Debug("No usable price for token address",
							"dexScreenerID", req.dexscreenerID,
							"tokenAddress", address,
							"priceString", priceStr)
						failedOrMissing.Add(1)
						continue
					}
					for _, tokenID := range req.tokenIDs[address] {
						s.prices.SetDefault(tokenID, price)
						processed.Add(1)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("price loading interrupted: %w", err)
	}

	s.logger.Info("Finished loading and caching token prices from DEXScreener.",
		"processedSuccessfully", processed.Load(),
		"failedOrMissing", failedOrMissing.Load())
	return nil
}

// priceRequests groups the priced tokens by DEX Screener chain.
func (s *tokenPriceServiceImpl) priceRequests() []priceRequest {
	chains := s.registry.ChainsByID()
	byDEX := make(map[string]*priceRequest)
	var out []priceRequest

	for _, token := range s.registry.TokensByID() {
		address := strings.ToLower(token.PriceLookupAddress())
		if address == "" {
			continue
		}
		chain, ok := chains[token.NetworkID()]
		if !ok || chain.DEXScreenerChainID == "" {
			s.logger.Debug("DEXScreenerChainID not defined for network, skipping price fetch", "token", token.ID, "network", token.NetworkID())
			continue
		}
		req, ok := byDEX[chain.DEXScreenerChainID]
		if !ok {
			req = &priceRequest{dexscreenerID: chain.DEXScreenerChainID, tokenIDs: make(map[string][]string)}
			byDEX[chain.DEXScreenerChainID] = req
		}
		req.tokenIDs[address] = append(req.tokenIDs[address], token.ID)
	}
	for _, req := range byDEX {
		out = append(out, *req)
	}
	return out
}

// selectBestPriceFromPairs prefers the most liquid pair quoted in a
// stablecoin, then the most liquid pair overall.
func (s *tokenPriceServiceImpl) selectBestPriceFromPairs(pairs []entity.PairData, baseTokenAddress string) string {
	var bestOverallPair *entity.PairData
	var bestStablecoinPair *entity.PairData

	for i := range pairs {
		pair := &pairs[i]
		if !strings.EqualFold(pair.BaseToken.Address, baseTokenAddress) {
			continue
		}
		if pair.PriceUsd == "" || pair.PriceUsd == "0" {
			continue
		}

		if _, isStablecoin := stablecoinSymbols[strings.ToUpper(pair.QuoteToken.Symbol)]; isStablecoin {
			if bestStablecoinPair == nil || pair.LiquidityUSD() > bestStablecoinPair.LiquidityUSD() {
				bestStablecoinPair = pair
			}
		}
		if bestOverallPair == nil || pair.LiquidityUSD() > bestOverallPair.LiquidityUSD() {
			bestOverallPair = pair
		}
	}

	if bestStablecoinPair != nil {
		s.logger.Debug("Selected best price from stablecoin pair",
			"baseTokenAddress", baseTokenAddress,
			"pairAddress", bestStablecoinPair.PairAddress,
			"priceUsd", bestStablecoinPair.PriceUsd,
			"liquidityUsd", bestStablecoinPair.LiquidityUSD(),
			"quoteToken", bestStablecoinPair.QuoteToken.Symbol)
		return bestStablecoinPair.PriceUsd
	}
	if bestOverallPair != nil {
		return bestOverallPair.PriceUsd
	}
	return ""
}

// GetPriceUSD returns the cached USD price of a token.
func (s *tokenPriceServiceImpl) GetPriceUSD(tokenID string) (float64, bool) {
	v, ok := s.prices.Get(tokenID)
	if !ok {
		return 0, false
	}
	price, ok := v.(float64)
	return price, ok
}
