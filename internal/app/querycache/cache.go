// Package querycache keeps the state queries built for each (token, address)
// pair until the metadata of the pair's chain changes.
package querycache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/metrics"

	"golang.org/x/sync/singleflight"
)

// QueryBuilder builds the state queries for pairs of one chain. The result is
// keyed by entity.BalanceKey. Pairs missing from the result have no queries on
// the chain.
type QueryBuilder[T any] func(chainID string, meta *entity.MiniMetadata, pairs entity.AddressesByToken) map[string][]entity.StateQuery[T]

// Cache maps tokenId-address keys to their state queries.
type Cache[T any] struct {
	registry   port.ChainRegistry
	metadata   port.MetadataProvider
	moduleType string
	build      QueryBuilder[T]
	logger     port.Logger

	mu      sync.RWMutex
	entries map[string][]entity.StateQuery[T]
	// tokensByChain and addresses index the cached keys for invalidation.
	tokensByChain map[string]map[string]struct{}
	addresses     map[string]map[string]struct{}
	// generations is bumped on every invalidation of a chain; builds that
	// started under an older generation are returned but not stored.
	generations map[string]uint64

	flight singleflight.Group
	builds atomic.Int64

	removeListener func()
	closeOnce      sync.Once

	listenersMu sync.Mutex
	listeners   map[int]func(chainIDs []string)
	nextID      int
}

type buildResult[T any] struct {
	queries map[string][]entity.StateQuery[T]
	// cacheable is false when the chain had no usable metadata.
	cacheable bool
}

// New creates a Cache and attaches it to the metadata change stream.
func New[T any](registry port.ChainRegistry, metadata port.MetadataProvider, moduleType string, build QueryBuilder[T], logger port.Logger) *Cache[T] {
	c := &Cache[T]{
		registry:      registry,
		metadata:      metadata,
		moduleType:    moduleType,
		build:         build,
		logger:        logger,
		entries:       make(map[string][]entity.StateQuery[T]),
		tokensByChain: make(map[string]map[string]struct{}),
		addresses:     make(map[string]map[string]struct{}),
		generations:   make(map[string]uint64),
		listeners:     make(map[int]func([]string)),
	}
	c.removeListener = metadata.OnChange(c.Invalidate)
	return c
}

// GetQueries returns the queries for every requested pair: cached entries
// first, then the ones built for the misses. Pairs whose chain has no
// metadata yet contribute nothing and are retried on the next call.
func (c *Cache[T]) GetQueries(ctx context.Context, addressesByToken entity.AddressesByToken) []entity.StateQuery[T] {
	tokens := c.registry.TokensByID()

	var hits []entity.StateQuery[T]
	misses := make(map[string]entity.AddressesByToken)

	c.mu.RLock()
	for _, tokenID := range sortedTokenIDs(addressesByToken) {
		for _, address := range addressesByToken[tokenID] {
			if queries, ok := c.entries[entity.BalanceKey(tokenID, address)]; ok {
				hits = append(hits, queries...)
				continue
			}
			token, ok := tokens[tokenID]
			if !ok {
				c.logger.Warn("Skipping unknown token", "module", c.moduleType, "token", tokenID)
				break
			}
			chainID := token.NetworkID()
			if misses[chainID] == nil {
				misses[chainID] = make(entity.AddressesByToken)
			}
			misses[chainID][tokenID] = append(misses[chainID][tokenID], address)
		}
	}
	c.mu.RUnlock()

	built := hits
	for _, chainID := range sortedKeys(misses) {
		if ctx.Err() != nil {
			break
		}
		pairs := misses[chainID]
		queries := c.resolve(chainID, pairs)
		for _, tokenID := range sortedTokenIDs(pairs) {
			for _, address := range pairs[tokenID] {
				built = append(built, queries[entity.BalanceKey(tokenID, address)]...)
			}
		}
	}
	return built
}

// resolve builds the queries for pairs of one chain. Identical concurrent
// builds share one result.
func (c *Cache[T]) resolve(chainID string, pairs entity.AddressesByToken) map[string][]entity.StateQuery[T] {
	v, _, _ := c.flight.Do(flightKey(chainID, pairs), func() (any, error) {
		c.mu.RLock()
		generation := c.generations[chainID]
		c.mu.RUnlock()

		result := c.buildChain(chainID, pairs)
		if result.cacheable {
			c.store(chainID, generation, pairs, result.queries)
		}
		return result.queries, nil
	})
	return v.(map[string][]entity.StateQuery[T])
}

func (c *Cache[T]) buildChain(chainID string, pairs entity.AddressesByToken) buildResult[T] {
	meta := c.metadata.MetadataFor(chainID, c.moduleType)
	if meta == nil {
		c.logger.Debug("No metadata for chain, leaving balances unresolved", "module", c.moduleType, "chain", chainID)
		return buildResult[T]{}
	}

	c.builds.Add(1)
	metrics.QueryCacheBuildsTotal.WithLabelValues(c.moduleType, chainID).Inc()

	queries := c.build(chainID, meta, pairs)
	if queries == nil {
		queries = make(map[string][]entity.StateQuery[T])
	}
	return buildResult[T]{queries: queries, cacheable: true}
}

func (c *Cache[T]) store(chainID string, generation uint64, pairs entity.AddressesByToken, queries map[string][]entity.StateQuery[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[chainID] != generation {
		return
	}
	for tokenID, addresses := range pairs {
		if c.tokensByChain[chainID] == nil {
			c.tokensByChain[chainID] = make(map[string]struct{})
		}
		c.tokensByChain[chainID][tokenID] = struct{}{}
		if c.addresses[tokenID] == nil {
			c.addresses[tokenID] = make(map[string]struct{})
		}
		for _, address := range addresses {
			key := entity.BalanceKey(tokenID, address)
			c.entries[key] = queries[key]
			c.addresses[tokenID][address] = struct{}{}
		}
	}
}

// Invalidate drops every entry whose token belongs to one of chainIDs, then
// tells the OnInvalidate listeners. Queries built afterwards use the current
// metadata.
func (c *Cache[T]) Invalidate(chainIDs []string) {
	c.mu.Lock()
	for _, chainID := range chainIDs {
		c.generations[chainID]++
		for tokenID := range c.tokensByChain[chainID] {
			for address := range c.addresses[tokenID] {
				delete(c.entries, entity.BalanceKey(tokenID, address))
			}
			delete(c.addresses, tokenID)
		}
		if len(c.tokensByChain[chainID]) > 0 {
			metrics.QueryCacheInvalidationsTotal.WithLabelValues(c.moduleType, chainID).Inc()
			c.logger.Debug("Invalidated state queries", "module", c.moduleType, "chain", chainID, "tokens", len(c.tokensByChain[chainID]))
		}
		delete(c.tokensByChain, chainID)
	}
	c.mu.Unlock()

	c.listenersMu.Lock()
	listeners := make([]func([]string), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(chainIDs)
	}
}

// OnInvalidate registers a listener called after the entries of chainIDs were
// dropped. Live subscriptions use it to reopen with rebuilt queries.
func (c *Cache[T]) OnInvalidate(listener func(chainIDs []string)) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// Len returns the number of cached pairs.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Builds returns how many chain builds ran since creation.
func (c *Cache[T]) Builds() int64 {
	return c.builds.Load()
}

// Close detaches the cache from metadata change notifications.
func (c *Cache[T]) Close() {
	c.closeOnce.Do(func() {
		if c.removeListener != nil {
			c.removeListener()
		}
	})
}

func flightKey(chainID string, pairs entity.AddressesByToken) string {
	var b strings.Builder
	b.WriteString(chainID)
	for _, tokenID := range sortedTokenIDs(pairs) {
		addresses := append([]string(nil), pairs[tokenID]...)
		sort.Strings(addresses)
		for _, address := range addresses {
			b.WriteByte('|')
			b.WriteString(entity.BalanceKey(tokenID, address))
		}
	}
	return b.String()
}

func sortedTokenIDs(a entity.AddressesByToken) []string {
	ids := a.TokenIDs()
	sort.Strings(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
