package main

import (
	"context"
	"fmt"
	"time"

	"balance_engine/internal/app/modules/evm"
	"balance_engine/internal/app/modules/substrate"
	"balance_engine/internal/app/port"
	"balance_engine/internal/app/provider"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/app/service"
	"balance_engine/internal/infrastructure/configloader"
	"balance_engine/internal/infrastructure/httpclient"
	"balance_engine/internal/infrastructure/metadata"
	clientprovider "balance_engine/internal/infrastructure/network/client"
	"balance_engine/internal/infrastructure/walletloader"
	"balance_engine/internal/pkg/logger"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app holds every wired component of the engine.
type app struct {
	cfg       *configloader.Config
	zap       *zap.Logger
	registry  port.ChainRegistry
	connector *clientprovider.SubstrateConnector
	evm       *clientprovider.EVMClientProvider
	store     *metadata.Store
	metadata  *metadata.Provider
	modules   []port.BalanceModule
	balances  *service.BalanceServiceImpl
	prices    port.TokenPriceService
	addresses port.AddressProvider
}

func schedulerConfig(cfg *configloader.Config) scheduler.Config {
	return scheduler.Config{
		MaxSubscriptionSize:  *cfg.Scheduler.MaxSubscriptionSize,
		PollInterval:         time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		SeedBatchSize:        cfg.Scheduler.SeedBatchSize,
		SeedConcurrency:      cfg.Scheduler.SeedConcurrency,
		PollChunkSize:        cfg.Scheduler.PollChunkSize,
		ZeroBalancePollEvery: cfg.Scheduler.ZeroBalancePollEvery,
	}
}

// newApp wires the engine. persistMetadata opens the pebble metadata store;
// without it metadata is only held in memory.
func newApp(cfg *configloader.Config, zapLogger *zap.Logger, persistMetadata bool) (*app, error) {
	a := &app{cfg: cfg, zap: zapLogger}

	registry, err := provider.NewChainRegistry(cfg, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to build chain registry: %w", err)
	}
	a.registry = registry

	a.connector = clientprovider.NewSubstrateConnector(registry, cfg, logger.Named("connector"))
	a.evm = clientprovider.NewEVMClientProvider(cfg, logger.Named("evm"))

	if persistMetadata {
		if a.store, err = metadata.OpenStore(cfg.Metadata.StorePath); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open metadata store: %w", err)
		}
	}
	a.metadata = metadata.NewProvider(a.connector, registry, a.store, metadata.Config{
		RefreshInterval: time.Duration(cfg.Metadata.RefreshIntervalSeconds) * time.Second,
		Concurrency:     cfg.Performance.MaxConcurrentRoutines,
	}, logger.Named("metadata"))
	a.metadata.Load()

	sched := schedulerConfig(cfg)
	substrateDeps := substrate.Deps{
		Connector: a.connector,
		Registry:  registry,
		Metadata:  a.metadata,
		Scheduler: sched,
		Logger:    logger.Named("substrate"),
	}
	evmDeps := evm.Deps{
		Clients:   a.evm,
		Registry:  registry,
		Scheduler: sched,
		Logger:    logger.Named("evm"),
	}
	a.modules = []port.BalanceModule{
		substrate.NewNativeModule(substrateDeps),
		substrate.NewAssetsModule(substrateDeps),
		evm.NewNativeModule(evmDeps),
		evm.NewERC20Module(evmDeps),
	}

	snapshots := cache.New(
		time.Duration(cfg.Cache.BalanceTTLMinutes)*time.Minute,
		time.Duration(cfg.Cache.CleanupIntervalMinutes)*time.Minute,
	)
	a.balances = service.NewBalanceService(a.modules, registry, snapshots, service.BalanceServiceConfig{
		RPCCallTimeout:       cfg.RPCCallTimeout(),
		Debounce:             time.Duration(cfg.Subscription.DebounceMillis) * time.Millisecond,
		InitialisingTimeout:  time.Duration(cfg.Subscription.InitialisingTimeoutSeconds) * time.Second,
		MaxConcurrentModules: cfg.Performance.MaxConcurrentRoutines,
	}, logger.Named("balances"))

	dexscreener := httpclient.NewDEXScreenerClient(
		cfg.DEXScreener.BaseURL,
		time.Duration(cfg.DEXScreener.RequestTimeoutMillis)*time.Millisecond,
		zapLogger.Named("DEXScreenerAPIClient"),
		cfg.TokenPriceSvc.MaxTokensPerBatchRequest,
	)
	a.prices = service.NewTokenPriceService(registry, dexscreener, logger.Named("prices"), cfg)

	if cfg.AddressesFile != "" {
		a.addresses = walletloader.NewAddressFileLoader(cfg.AddressesFile, logger.Named("addresses"))
	}
	return a, nil
}

// refreshMetadata refreshes the metadata of the substrate chains behind
// tokenIDs, so a one-shot query does not wait for the periodic refresh.
func (a *app) refreshMetadata(ctx context.Context, tokenIDs []string) error {
	tokens := a.registry.TokensByID()
	chains := make(map[string]struct{})
	for _, id := range tokenIDs {
		if token, ok := tokens[id]; ok && token.ChainID != "" {
			chains[token.ChainID] = struct{}{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Performance.MaxConcurrentRoutines)
	for chainID := range chains {
		g.Go(func() error {
			_, err := a.metadata.RefreshChain(gctx, chainID)
			if err != nil {
				logger.Warn("Metadata refresh failed", "chain", chainID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close detaches the modules from metadata updates, then releases
// connections and the metadata store.
func (a *app) Close() {
	for _, m := range a.modules {
		if c, ok := m.(interface{ Close() }); ok {
			c.Close()
		}
	}
	if a.connector != nil {
		a.connector.Close()
	}
	if a.evm != nil {
		a.evm.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close metadata store", "error", err)
		}
	}
}
