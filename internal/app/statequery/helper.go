// Package statequery executes storage queries in per-chain batches.
package statequery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	MethodQueryStorageAt   = "state_queryStorageAt"
	MethodSubscribeStorage = "state_subscribeStorage"
	NotificationStorage    = "state_storage"
)

// changeSet is the wire shape of both state_queryStorageAt results and
// state_storage notifications.
type changeSet struct {
	Block   string       `json:"block"`
	Changes [][2]*string `json:"changes"`
}

// Helper groups a flat list of queries by chain and executes them with one
// call or subscription per chain.
type Helper[T any] struct {
	connector port.ChainConnector
	logger    port.Logger
	chains    []string
	byChain   map[string]*chainQueries[T]
}

type chainQueries[T any] struct {
	keys    []string
	queries []entity.StateQuery[T]
	// byKey maps a normalized state key to indexes in queries.
	byKey map[string][]int
}

// New creates a Helper for queries.
func New[T any](connector port.ChainConnector, queries []entity.StateQuery[T], logger port.Logger) *Helper[T] {
	h := &Helper[T]{
		connector: connector,
		logger:    logger,
		byChain:   make(map[string]*chainQueries[T]),
	}
	for _, q := range queries {
		group, ok := h.byChain[q.ChainID]
		if !ok {
			group = &chainQueries[T]{byKey: make(map[string][]int)}
			h.byChain[q.ChainID] = group
			h.chains = append(h.chains, q.ChainID)
		}
		key := entity.NormalizeStateKey(q.StateKey)
		if _, seen := group.byKey[key]; !seen {
			group.keys = append(group.keys, key)
		}
		group.byKey[key] = append(group.byKey[key], len(group.queries))
		group.queries = append(group.queries, q)
	}
	return h
}

// Chains returns the chain ids the queries span, in first-seen order.
func (h *Helper[T]) Chains() []string {
	return h.chains
}

// Fetch queries every chain once and returns the decoded results of all
// queries. A failing chain does not affect the others: their results are
// returned along with a joined error of *entity.ChainError values.
func (h *Helper[T]) Fetch(ctx context.Context) ([]T, error) {
	results := make([][]T, len(h.chains))
	errs := make([]error, len(h.chains))

	var g errgroup.Group
	for i, chainID := range h.chains {
		g.Go(func() error {
			results[i], errs[i] = h.fetchChain(ctx, chainID, h.byChain[chainID])
			return nil
		})
	}
	_ = g.Wait()

	var out []T
	for _, r := range results {
		out = append(out, r...)
	}
	return out, errors.Join(errs...)
}

func (h *Helper[T]) fetchChain(ctx context.Context, chainID string, group *chainQueries[T]) ([]T, error) {
	var sets []changeSet
	if err := h.connector.Send(ctx, chainID, MethodQueryStorageAt, []any{group.keys}, &sets); err != nil {
		return nil, entity.NewChainError(chainID, MethodQueryStorageAt, err)
	}

	values := make(map[string][]byte, len(group.keys))
	for _, set := range sets {
		for _, change := range set.Changes {
			key, raw, ok := h.parseChange(chainID, change)
			if !ok {
				continue
			}
			if _, known := group.byKey[key]; !known {
				h.logger.Warn("Dropping storage value for unknown key", "chain", chainID, "key", key)
				continue
			}
			values[key] = raw
		}
	}

	out := make([]T, 0, len(group.queries))
	for _, q := range group.queries {
		if result, ok := h.decode(chainID, q, values[entity.NormalizeStateKey(q.StateKey)]); ok {
			out = append(out, result)
		}
	}
	return out, nil
}

// Subscribe opens one storage subscription per chain. Every notification is
// decoded and delivered to callback as one batch. Failures of one chain are
// delivered as *entity.ChainError and do not affect other chains. callback
// may be invoked concurrently for different chains.
//
// The returned function tears down all subscriptions; it is safe to call
// more than once.
func (h *Helper[T]) Subscribe(ctx context.Context, callback func(results []T, err error)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(ctx)

	var (
		mu     sync.Mutex
		unsubs []func()
		closed bool
	)

	for _, chainID := range h.chains {
		group := h.byChain[chainID]
		go func() {
			unsub, err := h.connector.Subscribe(ctx, chainID, MethodSubscribeStorage, NotificationStorage, []any{group.keys},
				func(raw []byte, err error) {
					if ctx.Err() != nil {
						return
					}
					if err != nil {
						callback(nil, entity.NewChainError(chainID, MethodSubscribeStorage, err))
						return
					}
					var set changeSet
					if err := json.Unmarshal(raw, &set); err != nil {
						callback(nil, entity.NewChainError(chainID, MethodSubscribeStorage, fmt.Errorf("%w: %v", entity.ErrDecode, err)))
						return
					}
					if results := h.demux(chainID, group, set); len(results) > 0 {
						callback(results, nil)
					}
				})
			if err != nil {
				if ctx.Err() == nil {
					callback(nil, entity.NewChainError(chainID, MethodSubscribeStorage, err))
				}
				return
			}

			mu.Lock()
			if closed {
				mu.Unlock()
				unsub()
				return
			}
			unsubs = append(unsubs, unsub)
			mu.Unlock()
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			mu.Lock()
			closed = true
			pending := unsubs
			unsubs = nil
			mu.Unlock()
			for _, unsub := range pending {
				unsub()
			}
		})
	}
}

func (h *Helper[T]) demux(chainID string, group *chainQueries[T], set changeSet) []T {
	var out []T
	for _, change := range set.Changes {
		key, raw, ok := h.parseChange(chainID, change)
		if !ok {
			continue
		}
		indexes, known := group.byKey[key]
		if !known {
			h.logger.Warn("Dropping storage change for unknown key", "chain", chainID, "key", key, "block", set.Block)
			continue
		}
		for _, i := range indexes {
			if result, ok := h.decode(chainID, group.queries[i], raw); ok {
				out = append(out, result)
			}
		}
	}
	return out
}

func (h *Helper[T]) parseChange(chainID string, change [2]*string) (string, []byte, bool) {
	if change[0] == nil {
		h.logger.Warn("Dropping storage change without key", "chain", chainID)
		return "", nil, false
	}
	key := entity.NormalizeStateKey(*change[0])
	if change[1] == nil {
		return key, nil, true
	}
	raw, err := codec.HexDecodeString(*change[1])
	if err != nil {
		h.logger.Warn("Dropping undecodable storage value", "chain", chainID, "key", key, "error", err)
		return "", nil, false
	}
	return key, raw, true
}

// decode runs the query decoder. A panicking decoder drops only its own
// result.
func (h *Helper[T]) decode(chainID string, q entity.StateQuery[T], raw []byte) (result T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("State query decoder panicked", "chain", chainID, "key", q.StateKey, "panic", r)
			ok = false
		}
	}()
	return q.DecodeResult(raw), true
}
