// Package evm implements the evm-native and evm-erc20 balance modules. EVM
// balances are polled; JSON-RPC storage subscriptions have no equivalent for
// account balances.
package evm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/domain/entity"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Sources of the EVM modules.
const (
	SourceNative = "evm-native/balance"
	SourceERC20  = "evm-erc20/balance"
)

var errNotSubscribable = errors.New("evm balances cannot be subscribed")

// Deps are the collaborators of the EVM modules.
type Deps struct {
	Clients   port.EVMClientProvider
	Registry  port.ChainRegistry
	Scheduler scheduler.Config
	Logger    port.Logger
}

// Module is an EVM balance module.
type Module struct {
	tokenType   entity.TokenType
	source      string
	requestType entity.BalanceRequestType
	deps        Deps
	ranker      *scheduler.ChainRanker
}

// NewNativeModule creates the evm-native module.
func NewNativeModule(deps Deps) *Module {
	return newModule(entity.TokenTypeEVMNative, SourceNative, entity.NativeBalanceRequest, deps)
}

// NewERC20Module creates the evm-erc20 module.
func NewERC20Module(deps Deps) *Module {
	return newModule(entity.TokenTypeEVMERC20, SourceERC20, entity.TokenBalanceRequest, deps)
}

func newModule(tokenType entity.TokenType, source string, requestType entity.BalanceRequestType, deps Deps) *Module {
	return &Module{
		tokenType:   tokenType,
		source:      source,
		requestType: requestType,
		deps:        deps,
		ranker:      scheduler.NewChainRanker(deps.Registry),
	}
}

func (m *Module) Type() entity.TokenType {
	return m.tokenType
}

// FetchBalances queries every requested pair once.
func (m *Module) FetchBalances(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	return m.Fetch(ctx, addressesByToken)
}

// SubscribeBalances polls the balances through a scheduler without a
// subscription budget.
func (m *Module) SubscribeBalances(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) (func(), error) {
	cfg := m.deps.Scheduler
	cfg.Name = string(m.tokenType)
	cfg.MaxSubscriptionSize = 0
	return scheduler.New(m, m.ranker, cfg, m.deps.Logger).Run(ctx, m.own(addressesByToken), handler), nil
}

// Fetch implements scheduler.Source. Networks are queried in parallel, one
// batch round trip per network and chunk.
func (m *Module) Fetch(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	byNetwork := m.requests(m.own(addressesByToken))
	if len(byNetwork) == 0 {
		return nil, nil
	}

	var (
		mu   sync.Mutex
		out  []entity.BalanceFragment
		errs []error
	)
	var g errgroup.Group
	if m.deps.Scheduler.SeedConcurrency > 0 {
		g.SetLimit(m.deps.Scheduler.SeedConcurrency)
	}
	for networkID, requests := range byNetwork {
		g.Go(func() error {
			fragments, err := m.fetchNetwork(ctx, networkID, requests)
			mu.Lock()
			defer mu.Unlock()
			out = append(out, fragments...)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Balance.Key() < out[j].Balance.Key() })
	return out, errors.Join(errs...)
}

// Subscribe implements scheduler.Source. The module runs with a zero
// subscription budget so the scheduler never calls it.
func (m *Module) Subscribe(context.Context, entity.AddressesByToken, port.FragmentsHandler) (func(), error) {
	return nil, errNotSubscribable
}

func (m *Module) fetchNetwork(ctx context.Context, networkID string, requests []entity.BalanceRequestItem) ([]entity.BalanceFragment, error) {
	chain, ok := m.deps.Registry.ChainsByID()[networkID]
	if !ok {
		return nil, entity.NewChainError(networkID, "evm", entity.ErrUnknownChain)
	}
	client, err := m.deps.Clients.GetClient(chain)
	if err != nil {
		return nil, entity.NewChainError(networkID, "evm", fmt.Errorf("%w: %v", entity.ErrChainUnavailable, err))
	}

	results, err := client.GetBalances(ctx, requests)
	if err != nil {
		return nil, entity.NewChainError(networkID, "evm", err)
	}

	tokens := m.deps.Registry.TokensByID()
	out := make([]entity.BalanceFragment, 0, len(results))
	var errs []error
	for _, r := range results {
		if r.Error != nil {
			m.deps.Logger.Warn("Failed to fetch EVM balance", "network", networkID, "token", r.TokenID, "address", r.Address, "error", r.Error)
			ce := entity.NewChainError(networkID, "evm", r.Error)
			ce.TokenIDs = []string{r.TokenID}
			errs = append(errs, ce)
			continue
		}
		out = append(out, m.fragment(tokens[r.TokenID], r))
	}
	return out, errors.Join(errs...)
}

func (m *Module) fragment(token entity.Token, r entity.BalanceResultItem) entity.BalanceFragment {
	amount := "0"
	if r.Balance != nil {
		amount = r.Balance.String()
	}
	return entity.BalanceFragment{
		Source: m.source,
		Balance: entity.Balance{
			Source:       string(token.Type),
			Status:       entity.BalanceStatusLive,
			Address:      r.Address,
			EVMNetworkID: token.EVMNetworkID,
			TokenID:      token.ID,
			Values: []entity.AmountWithLabel{
				{Type: entity.ValueTypeFree, Label: "free", Source: m.source, Amount: amount},
			},
		},
	}
}

// requests groups the batch requests of the pairs by network. Addresses that
// are not EVM addresses are skipped.
func (m *Module) requests(addressesByToken entity.AddressesByToken) map[string][]entity.BalanceRequestItem {
	tokens := m.deps.Registry.TokensByID()
	out := make(map[string][]entity.BalanceRequestItem)
	for _, tokenID := range m.ranker.Rank(addressesByToken.TokenIDs()) {
		token := tokens[tokenID]
		if m.requestType == entity.TokenBalanceRequest && !common.IsHexAddress(token.ContractAddress) {
			m.deps.Logger.Warn("Skipping token without contract address", "token", tokenID)
			continue
		}
		for _, address := range addressesByToken[tokenID] {
			if !common.IsHexAddress(address) {
				m.deps.Logger.Debug("Skipping non EVM address", "token", tokenID, "address", address)
				continue
			}
			out[token.EVMNetworkID] = append(out[token.EVMNetworkID], entity.BalanceRequestItem{
				TokenID:         tokenID,
				Type:            m.requestType,
				Address:         address,
				ContractAddress: token.ContractAddress,
			})
		}
	}
	return out
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
