// Package substrate implements the balance modules of substrate chains:
// native balances with their locks, freezes, staking, nomination pool and
// crowdloan sources, and Assets pallet tokens.
package substrate

import (
	"context"
	"errors"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/querycache"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/app/statequery"
	"balance_engine/internal/domain/entity"
)

// Deps are the collaborators shared by the substrate modules.
type Deps struct {
	Connector port.ChainConnector
	Registry  port.ChainRegistry
	Metadata  port.MetadataProvider
	Scheduler scheduler.Config
	Logger    port.Logger
}

type fragmentQuery = entity.StateQuery[*entity.BalanceFragment]

// extraSource is a balance source that cannot be expressed as a fixed list of
// state queries.
type extraSource interface {
	fetch(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error)
	subscribe(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) (unsubscribe func())
}

// Module is a substrate balance module. It serves the storage backed sources
// through the query cache and runs every subscription through a scheduler.
type Module struct {
	tokenType entity.TokenType
	deps      Deps
	cache     *querycache.Cache[*entity.BalanceFragment]
	ranker    *scheduler.ChainRanker
	extras    []extraSource
}

func newModule(tokenType entity.TokenType, deps Deps, build querycache.QueryBuilder[*entity.BalanceFragment], extras ...extraSource) *Module {
	return &Module{
		tokenType: tokenType,
		deps:      deps,
		cache:     querycache.New(deps.Registry, deps.Metadata, string(tokenType), build, deps.Logger),
		ranker:    scheduler.NewChainRanker(deps.Registry),
		extras:    extras,
	}
}

func (m *Module) Type() entity.TokenType {
	return m.tokenType
}

// FetchBalances queries every source once.
func (m *Module) FetchBalances(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	return m.Fetch(ctx, addressesByToken)
}

// SubscribeBalances keeps the balances fresh through a scheduler.
func (m *Module) SubscribeBalances(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) (func(), error) {
	cfg := m.deps.Scheduler
	cfg.Name = string(m.tokenType)
	stop := scheduler.New(m, m.ranker, cfg, m.deps.Logger).Run(ctx, m.own(addressesByToken), handler)
	return stop, nil
}

// Fetch implements scheduler.Source.
func (m *Module) Fetch(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	addressesByToken = m.own(addressesByToken)
	if len(addressesByToken) == 0 {
		return nil, nil
	}

	queries := m.cache.GetQueries(ctx, addressesByToken)
	results, err := statequery.New(m.deps.Connector, queries, m.deps.Logger).Fetch(ctx)
	fragments := collect(results)

	errs := []error{err}
	for _, extra := range m.extras {
		more, err := extra.fetch(ctx, addressesByToken)
		fragments = append(fragments, more...)
		errs = append(errs, err)
	}
	return fragments, errors.Join(errs...)
}

// Subscribe implements scheduler.Source.
func (m *Module) Subscribe(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) (func(), error) {
	addressesByToken = m.own(addressesByToken)

	queries := m.cache.GetQueries(ctx, addressesByToken)
	unsubs := []func(){
		statequery.New(m.deps.Connector, queries, m.deps.Logger).Subscribe(ctx, func(results []*entity.BalanceFragment, err error) {
			if err != nil {
				handler(nil, err)
				return
			}
			if fragments := collect(results); len(fragments) > 0 {
				handler(fragments, nil)
			}
		}),
	}
	for _, extra := range m.extras {
		unsubs = append(unsubs, extra.subscribe(ctx, addressesByToken, handler))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}, nil
}

// OnInvalidate implements scheduler.Invalidator: listener is called once the
// queries of chainIDs were dropped after a metadata change.
func (m *Module) OnInvalidate(listener func(chainIDs []string)) func() {
	return m.cache.OnInvalidate(listener)
}

// Close detaches the query cache from metadata updates.
func (m *Module) Close() {
	m.cache.Close()
}

// own drops tokens that are unknown or served by another module.
func (m *Module) own(addressesByToken entity.AddressesByToken) entity.AddressesByToken {
	tokens := m.deps.Registry.TokensByID()
	out := make(entity.AddressesByToken, len(addressesByToken))
	for tokenID, addresses := range addressesByToken {
		if token, ok := tokens[tokenID]; ok && token.Type == m.tokenType && len(addresses) > 0 {
			out[tokenID] = addresses
		}
	}
	return out
}

func collect(results []*entity.BalanceFragment) []entity.BalanceFragment {
	out := make([]entity.BalanceFragment, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// byChain groups requested pairs by the chain of their token.
func byChain(registry port.ChainRegistry, addressesByToken entity.AddressesByToken) map[string]entity.AddressesByToken {
	tokens := registry.TokensByID()
	out := make(map[string]entity.AddressesByToken)
	for tokenID, addresses := range addressesByToken {
		chainID := tokens[tokenID].ChainID
		if out[chainID] == nil {
			out[chainID] = make(entity.AddressesByToken)
		}
		out[chainID][tokenID] = addresses
	}
	return out
}

// newFragment creates the fragment of source for one pair.
func newFragment(token entity.Token, address, source string, values ...entity.AmountWithLabel) *entity.BalanceFragment {
	if values == nil {
		values = []entity.AmountWithLabel{}
	}
	return &entity.BalanceFragment{
		Source: source,
		Balance: entity.Balance{
			Source:  string(token.Type),
			Status:  entity.BalanceStatusLive,
			Address: address,
			ChainID: token.ChainID,
			TokenID: token.ID,
			Values:  values,
		},
	}
}

func amount(typ, label, source string, value interface{ String() string }, meta map[string]any) entity.AmountWithLabel {
	return entity.AmountWithLabel{Type: typ, Label: label, Source: source, Amount: value.String(), Meta: meta}
}
