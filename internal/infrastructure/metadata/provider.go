// Package metadata keeps the compacted runtime metadata of every substrate
// chain current and notifies listeners when a runtime upgrade changes it.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/metrics"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	methodRuntimeVersion = "state_getRuntimeVersion"
	methodMetadata       = "state_getMetadata"
)

// Config tunes the Provider.
type Config struct {
	RefreshInterval time.Duration
	Concurrency     int
	// ModulePallets overrides DefaultModulePallets.
	ModulePallets map[string][]string
}

type runtimeVersion struct {
	SpecName    string `json:"specName"`
	SpecVersion uint32 `json:"specVersion"`
}

// Provider implements port.MetadataProvider.
type Provider struct {
	connector port.ChainConnector
	registry  port.ChainRegistry
	store     *Store
	cfg       Config
	logger    port.Logger
	flight    singleflight.Group

	mu      sync.RWMutex
	current map[string]map[string]*entity.MiniMetadata // chain -> module type

	listenersMu sync.Mutex
	listeners   map[int]func([]string)
	nextID      int
}

// NewProvider creates a Provider. store may be nil, in which case metadata is
// only held in memory.
func NewProvider(connector port.ChainConnector, registry port.ChainRegistry, store *Store, cfg Config, logger port.Logger) *Provider {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ModulePallets == nil {
		cfg.ModulePallets = DefaultModulePallets
	}
	return &Provider{
		connector: connector,
		registry:  registry,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		current:   make(map[string]map[string]*entity.MiniMetadata),
		listeners: make(map[int]func([]string)),
	}
}

// MetadataFor implements port.MetadataProvider.
func (p *Provider) MetadataFor(chainID, moduleType string) *entity.MiniMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current[chainID][moduleType]
}

// OnChange implements port.MetadataProvider.
func (p *Provider) OnChange(listener func(chainIDs []string)) func() {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			p.listenersMu.Lock()
			defer p.listenersMu.Unlock()
			delete(p.listeners, id)
		})
	}
}

func (p *Provider) notify(chainIDs []string) {
	if len(chainIDs) == 0 {
		return
	}
	sort.Strings(chainIDs)
	p.listenersMu.Lock()
	listeners := make([]func([]string), 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.listenersMu.Unlock()

	p.logger.Info("Metadata changed", "chains", chainIDs)
	for _, l := range listeners {
		l(append([]string(nil), chainIDs...))
	}
}

// substrateChains returns the ids of every substrate chain in the registry.
func (p *Provider) substrateChains() []string {
	var ids []string
	for id, chain := range p.registry.ChainsByID() {
		if chain.Kind == entity.ChainKindSubstrate || chain.Kind == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Load fills the in-memory snapshots from the store, so balances can be
// queried before the first refresh completes.
func (p *Provider) Load() {
	if p.store == nil {
		return
	}
	loaded := 0
	for _, chainID := range p.substrateChains() {
		for moduleType := range p.cfg.ModulePallets {
			meta, err := p.store.Latest(chainID, moduleType)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					p.logger.Warn("Failed to load stored metadata", "chain", chainID, "module", moduleType, "error", err)
				}
				continue
			}
			p.set(chainID, moduleType, meta)
			loaded++
		}
	}
	p.logger.Info("Loaded stored metadata", "snapshots", loaded)
}

func (p *Provider) set(chainID, moduleType string, meta *entity.MiniMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current[chainID] == nil {
		p.current[chainID] = make(map[string]*entity.MiniMetadata)
	}
	p.current[chainID][moduleType] = meta
}

// Run refreshes every chain now and then on every refresh interval until ctx
// is done.
func (p *Provider) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Metadata refresh incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh checks the runtime version of every substrate chain and updates the
// metadata of upgraded chains. Listeners are notified once with every changed
// chain. Failing chains keep their previous metadata.
func (p *Provider) Refresh(ctx context.Context) error {
	var (
		mu      sync.Mutex
		changed []string
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, chainID := range p.substrateChains() {
		g.Go(func() error {
			ok, err := p.RefreshChain(gctx, chainID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				changed = append(changed, chainID)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.notify(changed)
	return errors.Join(errs...)
}

// RefreshChain updates the metadata of one chain and reports whether it
// changed. Concurrent refreshes of the same chain share one run. Listeners
// are not notified.
func (p *Provider) RefreshChain(ctx context.Context, chainID string) (bool, error) {
	v, err, _ := p.flight.Do(chainID, func() (any, error) {
		return p.refreshChain(ctx, chainID)
	})
	changed, _ := v.(bool)
	if err != nil {
		metrics.MetadataRefreshTotal.WithLabelValues(chainID, "error").Inc()
		return changed, err
	}
	outcome := "unchanged"
	if changed {
		outcome = "updated"
	}
	metrics.MetadataRefreshTotal.WithLabelValues(chainID, outcome).Inc()
	return changed, nil
}

func (p *Provider) refreshChain(ctx context.Context, chainID string) (bool, error) {
	var rv runtimeVersion
	if err := p.connector.Send(ctx, chainID, methodRuntimeVersion, nil, &rv); err != nil {
		return false, err
	}

	var full *types.Metadata
	changed := false
	for moduleType, pallets := range p.cfg.ModulePallets {
		version := entity.ChainMetadataVersion{
			ChainID:          chainID,
			SpecName:         rv.SpecName,
			SpecVersion:      rv.SpecVersion,
			ModuleConfigHash: ConfigHash(pallets),
		}
		id := version.ID()
		if cur := p.MetadataFor(chainID, moduleType); cur != nil && cur.ID == id {
			continue
		}

		meta := p.stored(id)
		if meta == nil {
			if full == nil {
				var err error
				if full, err = p.fetchMetadata(ctx, chainID); err != nil {
					return changed, err
				}
			}
			var err error
			meta, err = newMiniMetadata(version, moduleType, full, pallets)
			if err != nil {
				return changed, entity.NewChainError(chainID, methodMetadata, err)
			}
		}
		p.save(meta)

		p.logger.Debug("Metadata updated", "chain", chainID, "module", moduleType, "specName", rv.SpecName, "specVersion", rv.SpecVersion, "id", id)
		p.set(chainID, moduleType, meta)
		changed = true
	}
	return changed, nil
}

func (p *Provider) fetchMetadata(ctx context.Context, chainID string) (*types.Metadata, error) {
	var raw string
	if err := p.connector.Send(ctx, chainID, methodMetadata, nil, &raw); err != nil {
		return nil, err
	}
	var full types.Metadata
	if err := codec.DecodeFromHex(raw, &full); err != nil {
		return nil, entity.NewChainError(chainID, methodMetadata, fmt.Errorf("%w: %v", entity.ErrDecode, err))
	}
	if full.Version < entity.MinMetadataVersion {
		p.logger.Warn("Chain metadata version unsupported", "chain", chainID, "version", full.Version)
		return nil, entity.NewChainError(chainID, methodMetadata, fmt.Errorf("%w: metadata v%d", entity.ErrMetadataUnavailable, full.Version))
	}
	return &full, nil
}

func (p *Provider) stored(id string) *entity.MiniMetadata {
	if p.store == nil {
		return nil
	}
	meta, err := p.store.Get(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.logger.Warn("Failed to read stored metadata", "id", id, "error", err)
		}
		return nil
	}
	return meta
}

func (p *Provider) save(meta *entity.MiniMetadata) {
	if p.store == nil {
		return
	}
	if err := p.store.Put(meta); err != nil {
		p.logger.Warn("Failed to store metadata", "id", meta.ID, "error", err)
	}
}

var _ port.MetadataProvider = (*Provider)(nil)
