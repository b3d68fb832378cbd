package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/port/porttest"
	"balance_engine/internal/app/scheduler"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type fakeClient struct {
	mu       sync.Mutex
	balances map[string]*big.Int // tokenId-address
	failing  map[string]error
	err      error
	requests []entity.BalanceRequestItem
}

func (c *fakeClient) GetBalances(_ context.Context, requests []entity.BalanceRequestItem) ([]entity.BalanceResultItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.requests = append(c.requests, requests...)
	out := make([]entity.BalanceResultItem, len(requests))
	for i, r := range requests {
		key := entity.BalanceKey(r.TokenID, r.Address)
		out[i] = entity.BalanceResultItem{TokenID: r.TokenID, Address: r.Address, Balance: c.balances[key], Error: c.failing[key]}
		if out[i].Balance == nil && out[i].Error == nil {
			out[i].Balance = new(big.Int)
		}
	}
	return out, nil
}

type fakeProvider struct {
	clients map[string]*fakeClient
}

func (p *fakeProvider) GetClient(chain entity.Chain) (port.EVMClient, error) {
	c, ok := p.clients[chain.ID]
	if !ok {
		return nil, errors.New("dial failed")
	}
	return c, nil
}

type env struct {
	moonbeam *fakeClient
	astar    *fakeClient
	deps     Deps
}

func newEnv() *env {
	e := &env{
		moonbeam: &fakeClient{balances: map[string]*big.Int{}, failing: map[string]error{}},
		astar:    &fakeClient{balances: map[string]*big.Int{}, failing: map[string]error{}},
	}
	registry := porttest.NewRegistry(
		[]entity.Chain{
			{ID: "moonbeam", Kind: entity.ChainKindEVM, SortIndex: 1},
			{ID: "astar", Kind: entity.ChainKindEVM, SortIndex: 2},
			{ID: "offline", Kind: entity.ChainKindEVM, SortIndex: 3},
		},
		[]entity.Token{
			{ID: "glmr", Type: entity.TokenTypeEVMNative, EVMNetworkID: "moonbeam", Decimals: 18},
			{ID: "astr", Type: entity.TokenTypeEVMNative, EVMNetworkID: "astar", Decimals: 18},
			{ID: "off", Type: entity.TokenTypeEVMNative, EVMNetworkID: "offline", Decimals: 18},
			{ID: "lost", Type: entity.TokenTypeEVMNative, EVMNetworkID: "nowhere", Decimals: 18},
			{ID: "usdc", Type: entity.TokenTypeEVMERC20, EVMNetworkID: "moonbeam", Decimals: 6,
				ContractAddress: "0x931715FEE2d06333043d11F658C8CE934aC61D0c"},
			{ID: "broken", Type: entity.TokenTypeEVMERC20, EVMNetworkID: "moonbeam", Decimals: 6},
			{ID: "dot", Type: entity.TokenTypeSubstrateNative, ChainID: "polkadot"},
		},
	)
	cfg := scheduler.DefaultConfig()
	cfg.PollInterval = time.Hour
	e.deps = Deps{
		Clients:   &fakeProvider{clients: map[string]*fakeClient{"moonbeam": e.moonbeam, "astar": e.astar}},
		Registry:  registry,
		Scheduler: cfg,
		Logger:    logger.NewNop(),
	}
	return e
}

func TestNativeFetch(t *testing.T) {
	e := newEnv()
	e.moonbeam.balances[entity.BalanceKey("glmr", alice)] = big.NewInt(7)
	e.astar.balances[entity.BalanceKey("astr", bob)] = big.NewInt(9)

	m := NewNativeModule(e.deps)
	fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{
		"glmr": {alice, "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"},
		"astr": {bob},
		"usdc": {alice},
		"dot":  {alice},
	})
	require.NoError(t, err)
	require.Len(t, fragments, 2)

	assert.Equal(t, "astr", fragments[0].Balance.TokenID)
	assert.Equal(t, "astar", fragments[0].Balance.EVMNetworkID)
	assert.Equal(t, "9", fragments[0].Balance.Values[0].Amount)
	assert.Equal(t, SourceNative, fragments[0].Source)

	assert.Equal(t, "glmr", fragments[1].Balance.TokenID)
	assert.Equal(t, alice, fragments[1].Balance.Address)
	assert.Equal(t, entity.ValueTypeFree, fragments[1].Balance.Values[0].Type)
	assert.Equal(t, "7", fragments[1].Balance.Values[0].Amount)
	assert.Equal(t, entity.BalanceStatusLive, fragments[1].Balance.Status)

	assert.Len(t, e.moonbeam.requests, 1, "substrate addresses and foreign tokens are not requested")
}

func TestERC20Fetch(t *testing.T) {
	e := newEnv()
	e.moonbeam.balances[entity.BalanceKey("usdc", alice)] = big.NewInt(1_000_000)

	m := NewERC20Module(e.deps)
	fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{
		"usdc":   {alice},
		"broken": {alice},
	})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, SourceERC20, fragments[0].Source)
	assert.Equal(t, "1000000", fragments[0].Balance.Values[0].Amount)

	require.Len(t, e.moonbeam.requests, 1)
	assert.Equal(t, entity.TokenBalanceRequest, e.moonbeam.requests[0].Type)
	assert.Equal(t, "0x931715FEE2d06333043d11F658C8CE934aC61D0c", e.moonbeam.requests[0].ContractAddress)
}

func TestFetchReportsFailingNetworks(t *testing.T) {
	e := newEnv()
	e.moonbeam.balances[entity.BalanceKey("glmr", alice)] = big.NewInt(7)
	e.moonbeam.failing[entity.BalanceKey("glmr", bob)] = errors.New("header not found")
	e.astar.err = errors.New("connection reset")

	m := NewNativeModule(e.deps)
	fragments, err := m.FetchBalances(context.Background(), entity.AddressesByToken{
		"glmr": {alice, bob},
		"astr": {alice},
		"off":  {alice},
		"lost": {alice},
	})
	require.Error(t, err)
	require.Len(t, fragments, 1, "healthy results are still returned")
	assert.Equal(t, alice, fragments[0].Balance.Address)

	assert.ElementsMatch(t, []string{"moonbeam", "astar", "offline", "nowhere"}, entity.ChainIDsOf(err))
	assert.ErrorIs(t, err, entity.ErrChainUnavailable)
	assert.ErrorIs(t, err, entity.ErrUnknownChain)

	var ce *entity.ChainError
	require.ErrorAs(t, err, &ce)
}

func TestSubscribeBalancesPolls(t *testing.T) {
	e := newEnv()
	e.moonbeam.balances[entity.BalanceKey("glmr", alice)] = big.NewInt(7)

	m := NewNativeModule(e.deps)
	var (
		mu  sync.Mutex
		got []entity.BalanceFragment
	)
	stop, err := m.SubscribeBalances(context.Background(), entity.AddressesByToken{"glmr": {alice}},
		func(fragments []entity.BalanceFragment, err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, fragments...)
		})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	_, err = m.Subscribe(context.Background(), nil, nil)
	assert.ErrorIs(t, err, errNotSubscribable)
}
