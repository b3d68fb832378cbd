package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/port/porttest"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeSource answers fetches with a free value per token and records every
// fetch and subscription.
type fakeSource struct {
	registry *porttest.Registry

	mu         sync.Mutex
	amounts    map[string]string
	failing    map[string]error
	fetches    []entity.AddressesByToken
	subscribes [][]string
	handler    port.FragmentsHandler
	unsubbed   int
	listeners  map[int]func([]string)
	nextID     int
}

func newFakeSource(registry *porttest.Registry) *fakeSource {
	return &fakeSource{
		registry:  registry,
		amounts:   make(map[string]string),
		failing:   make(map[string]error),
		listeners: make(map[int]func([]string)),
	}
}

func (f *fakeSource) OnInvalidate(listener func([]string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = listener
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// invalidate calls the OnInvalidate listeners like a metadata change would.
func (f *fakeSource) invalidate(chainIDs ...string) {
	f.mu.Lock()
	listeners := make([]func([]string), 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()
	for _, l := range listeners {
		l(chainIDs)
	}
}

func (f *fakeSource) subscriptionCounts() (subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes), f.unsubbed
}

func (f *fakeSource) setAmount(tokenID, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amounts[tokenID] = amount
}

func (f *fakeSource) fragments(abt entity.AddressesByToken) []entity.BalanceFragment {
	var out []entity.BalanceFragment
	for tokenID, addresses := range abt {
		for _, address := range addresses {
			out = append(out, entity.BalanceFragment{
				Source: "test/base",
				Balance: entity.Balance{
					Source:  "test",
					Status:  entity.BalanceStatusLive,
					Address: address,
					ChainID: f.registry.Tokens[tokenID].ChainID,
					TokenID: tokenID,
					Values: []entity.AmountWithLabel{
						{Type: entity.ValueTypeFree, Label: "free", Source: "test/base", Amount: f.amounts[tokenID]},
					},
				},
			})
		}
	}
	return out
}

func (f *fakeSource) Fetch(_ context.Context, abt entity.AddressesByToken) ([]entity.BalanceFragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, abt)
	for tokenID := range abt {
		chainID := f.registry.Tokens[tokenID].ChainID
		if err := f.failing[chainID]; err != nil {
			return nil, entity.NewChainError(chainID, "fetch", err)
		}
	}
	return f.fragments(abt), nil
}

func (f *fakeSource) Subscribe(_ context.Context, abt entity.AddressesByToken, handler port.FragmentsHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := abt.TokenIDs()
	sort.Strings(ids)
	f.subscribes = append(f.subscribes, ids)
	f.handler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubbed++
	}, nil
}

func (f *fakeSource) lastSubscription() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribes) == 0 {
		return nil
	}
	return f.subscribes[len(f.subscribes)-1]
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeSource) fetchedTokens(from int) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, abt := range f.fetches[from:] {
		for id := range abt {
			out[id]++
		}
	}
	return out
}

type recorder struct {
	mu        sync.Mutex
	fragments int
	errs      []error
}

func (r *recorder) handle(fragments []entity.BalanceFragment, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments += len(fragments)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fragments, len(r.errs)
}

// newRegistry creates n tokens on chain "para" and relayTokens tokens on
// chain "relay", which ranks first.
func newRegistry(n, relayTokens int) *porttest.Registry {
	chains := []entity.Chain{{ID: "relay", SortIndex: 0}, {ID: "para", SortIndex: 10}}
	var tokens []entity.Token
	for i := 0; i < n; i++ {
		tokens = append(tokens, entity.Token{ID: fmt.Sprintf("para-%02d", i), ChainID: "para"})
	}
	for i := 0; i < relayTokens; i++ {
		tokens = append(tokens, entity.Token{ID: fmt.Sprintf("relay-%02d", i), ChainID: "relay"})
	}
	return porttest.NewRegistry(chains, tokens)
}

func request(registry *porttest.Registry, addresses ...string) entity.AddressesByToken {
	abt := make(entity.AddressesByToken)
	for id := range registry.Tokens {
		abt[id] = addresses
	}
	return abt
}

func testConfig() Config {
	return Config{
		Name:                 "test",
		MaxSubscriptionSize:  40,
		PollInterval:         20 * time.Millisecond,
		SeedBatchSize:        20,
		SeedConcurrency:      4,
		PollChunkSize:        20,
		ZeroBalancePollEvery: 1,
	}
}

// ========== Seeding ==========

func TestSeedFetchesEveryPairInBatches(t *testing.T) {
	registry := newRegistry(15, 0)
	source := newFakeSource(registry)
	cfg := testConfig()
	cfg.PollInterval = time.Hour

	rec := &recorder{}
	stop := New(source, NewChainRanker(registry), cfg, logger.NewNop()).Run(context.Background(), request(registry, "X", "Y", "Z"), rec.handle)
	defer stop()

	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n == 45
	}, waitFor, tick)
	assert.Equal(t, 3, source.fetchCount())
	source.mu.Lock()
	defer source.mu.Unlock()
	for _, abt := range source.fetches {
		assert.LessOrEqual(t, abt.Pairs(), 20)
	}
}

// ========== Subscription budget ==========

func TestSubscriptionBudgetKeepsTopRankedTokens(t *testing.T) {
	registry := newRegistry(45, 5)
	source := newFakeSource(registry)
	for id := range registry.Tokens {
		source.setAmount(id, "1")
	}

	rec := &recorder{}
	stop := New(source, NewChainRanker(registry), testConfig(), logger.NewNop()).Run(context.Background(), request(registry, "X"), rec.handle)
	defer stop()

	require.Eventually(t, func() bool { return len(source.lastSubscription()) > 0 }, waitFor, tick)
	subscribed := source.lastSubscription()
	require.Len(t, subscribed, 40)
	for i := 0; i < 5; i++ {
		assert.Contains(t, subscribed, fmt.Sprintf("relay-%02d", i))
	}

	seen := source.fetchCount()
	require.Eventually(t, func() bool { return source.fetchCount() > seen+2 }, waitFor, tick)
	polled := source.fetchedTokens(seen)
	assert.Len(t, polled, 10)
	for id := range polled {
		assert.NotContains(t, subscribed, id)
	}
}

func TestNewlyPositiveTokenIsPromoted(t *testing.T) {
	registry := newRegistry(2, 0)
	source := newFakeSource(registry)
	source.setAmount("para-00", "5")
	source.setAmount("para-01", "0")

	rec := &recorder{}
	stop := New(source, NewChainRanker(registry), testConfig(), logger.NewNop()).Run(context.Background(), request(registry, "X"), rec.handle)
	defer stop()

	require.Eventually(t, func() bool { return assert.ObjectsAreEqual([]string{"para-00"}, source.lastSubscription()) }, waitFor, tick)

	source.setAmount("para-01", "7")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"para-00", "para-01"}, source.lastSubscription())
	}, waitFor, tick)
}

func TestTokenDroppingToZeroIsDemoted(t *testing.T) {
	registry := newRegistry(2, 0)
	source := newFakeSource(registry)
	source.setAmount("para-00", "5")
	source.setAmount("para-01", "7")

	stop := New(source, NewChainRanker(registry), testConfig(), logger.NewNop()).Run(context.Background(), request(registry, "X"), (&recorder{}).handle)
	defer stop()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"para-00", "para-01"}, source.lastSubscription())
	}, waitFor, tick)

	// the subscription reports the emptied account
	source.setAmount("para-01", "0")
	source.mu.Lock()
	handler := source.handler
	zero := source.fragments(entity.AddressesByToken{"para-01": {"X"}})
	source.mu.Unlock()
	handler(zero, nil)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"para-00"}, source.lastSubscription())
	}, waitFor, tick)
}

func TestInvalidatedChainIsResubscribed(t *testing.T) {
	registry := newRegistry(1, 1)
	source := newFakeSource(registry)
	source.setAmount("para-00", "1")
	source.setAmount("relay-00", "1")
	cfg := testConfig()
	cfg.PollInterval = time.Hour

	stop := New(source, NewChainRanker(registry), cfg, logger.NewNop()).Run(context.Background(), request(registry, "X"), (&recorder{}).handle)

	require.Eventually(t, func() bool { return len(source.lastSubscription()) == 2 }, waitFor, tick)

	source.invalidate("unrelated")
	time.Sleep(50 * time.Millisecond)
	subscribes, unsubscribes := source.subscriptionCounts()
	assert.Equal(t, 1, subscribes, "chains outside the subscription are ignored")
	assert.Equal(t, 0, unsubscribes)

	source.invalidate("para")
	require.Eventually(t, func() bool {
		subscribes, unsubscribes := source.subscriptionCounts()
		return subscribes == 2 && unsubscribes == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"para-00", "relay-00"}, source.lastSubscription())

	stop()
	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Empty(t, source.listeners)
}

func TestZeroSubscriptionBudgetPollsEverything(t *testing.T) {
	registry := newRegistry(3, 0)
	source := newFakeSource(registry)
	for id := range registry.Tokens {
		source.setAmount(id, "1")
	}
	cfg := testConfig()
	cfg.MaxSubscriptionSize = 0

	stop := New(source, NewChainRanker(registry), cfg, logger.NewNop()).Run(context.Background(), request(registry, "X"), (&recorder{}).handle)
	defer stop()

	require.Eventually(t, func() bool { return source.fetchCount() >= 3 }, waitFor, tick)
	assert.Nil(t, source.lastSubscription())
}

// ========== Polling ==========

func TestZeroBalanceTokensArePolledLessOften(t *testing.T) {
	registry := newRegistry(2, 0)
	source := newFakeSource(registry)
	source.setAmount("para-00", "1")
	source.setAmount("para-01", "0")
	cfg := testConfig()
	cfg.MaxSubscriptionSize = 0
	cfg.PollChunkSize = 1
	cfg.ZeroBalancePollEvery = 1000

	stop := New(source, NewChainRanker(registry), cfg, logger.NewNop()).Run(context.Background(), request(registry, "X"), (&recorder{}).handle)
	defer stop()

	require.Eventually(t, func() bool { return source.fetchCount() >= 2 }, waitFor, tick)
	seeded := source.fetchCount()
	require.Eventually(t, func() bool { return source.fetchCount() >= seeded+3 }, waitFor, tick)

	polled := source.fetchedTokens(seeded)
	assert.NotContains(t, polled, "para-01")
	assert.Contains(t, polled, "para-00")
}

func TestChainFailureIsReportedAndPollingContinues(t *testing.T) {
	registry := newRegistry(1, 1)
	source := newFakeSource(registry)
	source.failing["relay"] = errors.New("connection refused")
	cfg := testConfig()
	cfg.MaxSubscriptionSize = 0

	rec := &recorder{}
	stop := New(source, NewChainRanker(registry), cfg, logger.NewNop()).Run(context.Background(), request(registry, "X"), rec.handle)
	defer stop()

	require.Eventually(t, func() bool {
		fragments, errs := rec.counts()
		return fragments >= 3 && errs >= 3
	}, waitFor, tick)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"relay"}, entity.ChainIDsOf(rec.errs[0]))
}

// ========== Stop ==========

func TestStopEndsCallbacksAndSubscriptions(t *testing.T) {
	registry := newRegistry(2, 0)
	source := newFakeSource(registry)
	source.setAmount("para-00", "1")
	source.setAmount("para-01", "1")

	var calls atomic.Int64
	stop := New(source, NewChainRanker(registry), testConfig(), logger.NewNop()).
		Run(context.Background(), request(registry, "X"), func([]entity.BalanceFragment, error) { calls.Add(1) })

	require.Eventually(t, func() bool { return len(source.lastSubscription()) == 2 }, waitFor, tick)

	stop()
	stop()

	source.mu.Lock()
	handler := source.handler
	unsubbed := source.unsubbed
	source.mu.Unlock()
	assert.Equal(t, 1, unsubbed)

	before := calls.Load()
	handler(source.fragments(entity.AddressesByToken{"para-00": {"X"}}), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

// ========== Ranker ==========

func TestChainRankerOrdersBySortIndexThenID(t *testing.T) {
	registry := porttest.NewRegistry(
		[]entity.Chain{{ID: "relay", SortIndex: 0}, {ID: "para", SortIndex: 10}},
		[]entity.Token{{ID: "b", ChainID: "para"}, {ID: "a", ChainID: "para"}, {ID: "z", ChainID: "relay"}, {ID: "u", ChainID: "unknown"}},
	)
	r := NewChainRanker(registry)

	assert.Equal(t, []string{"z", "a", "b", "u"}, r.Rank([]string{"u", "b", "z", "a"}))
	assert.Equal(t, "relay", r.ChainOf("z"))
}
