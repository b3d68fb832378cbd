// Package scheduler decides, per token, whether balances are kept fresh by a
// live subscription or by polling.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

// Source is a balance module seen by the scheduler.
type Source interface {
	Fetch(ctx context.Context, addressesByToken entity.AddressesByToken) ([]entity.BalanceFragment, error)
	Subscribe(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) (unsubscribe func(), err error)
}

// Invalidator is implemented by sources whose subscriptions are bound to
// queries that can be invalidated, for example by a runtime upgrade.
type Invalidator interface {
	OnInvalidate(listener func(chainIDs []string)) (remove func())
}

// Ranker orders tokens by subscription priority and maps them to chains.
type Ranker interface {
	Rank(tokenIDs []string) []string
	ChainOf(tokenID string) string
}

// Config tunes a Scheduler.
type Config struct {
	// Name labels metrics and logs, usually the module type.
	Name string
	// MaxSubscriptionSize bounds the subscription set. Zero disables
	// subscriptions, every token is polled.
	MaxSubscriptionSize int
	PollInterval        time.Duration
	SeedBatchSize       int
	// SeedConcurrency bounds how many chains are fetched at once.
	SeedConcurrency int
	PollChunkSize   int
	// ZeroBalancePollEvery polls tokens without a positive balance only on
	// every n-th cycle.
	ZeroBalancePollEvery int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptionSize:  40,
		PollInterval:         30 * time.Second,
		SeedBatchSize:        20,
		SeedConcurrency:      8,
		PollChunkSize:        20,
		ZeroBalancePollEvery: 5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSubscriptionSize < 0 {
		c.MaxSubscriptionSize = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SeedBatchSize <= 0 {
		c.SeedBatchSize = def.SeedBatchSize
	}
	if c.SeedConcurrency <= 0 {
		c.SeedConcurrency = def.SeedConcurrency
	}
	if c.PollChunkSize <= 0 {
		c.PollChunkSize = def.PollChunkSize
	}
	if c.ZeroBalancePollEvery <= 0 {
		c.ZeroBalancePollEvery = 1
	}
	return c
}

// Scheduler seeds, subscribes and polls balances of one Source.
type Scheduler struct {
	source Source
	ranker Ranker
	cfg    Config
	logger port.Logger
}

// New creates a Scheduler.
func New(source Source, ranker Ranker, cfg Config, logger port.Logger) *Scheduler {
	return &Scheduler{source: source, ranker: ranker, cfg: cfg.withDefaults(), logger: logger}
}

// Run starts keeping addressesByToken fresh. Fragments and errors are passed
// to handler, possibly from several goroutines. The returned stop function
// blocks until the scheduler has shut down; handler is not called after it
// returns.
func (s *Scheduler) Run(ctx context.Context, addressesByToken entity.AddressesByToken, handler port.FragmentsHandler) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		Scheduler: s,
		request:   addressesByToken,
		handler:   handler,
		positive:  make(map[string]map[string]bool),
		broken:    make(map[string]bool),
		rerankCh:  make(chan struct{}, 1),
	}

	removeListener := func() {}
	if inv, ok := s.source.(Invalidator); ok {
		removeListener = inv.OnInvalidate(r.onInvalidate)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			removeListener()
			cancel()
			r.gate.Lock()
			r.closed = true
			r.gate.Unlock()
			<-done
			r.closeSubscription()
		})
	}
}

// run is the state of one Run call. Subscription fields are only touched by
// the loop goroutine, and by stop after the loop exited.
type run struct {
	*Scheduler
	request entity.AddressesByToken
	handler port.FragmentsHandler

	gate   sync.RWMutex
	closed bool

	mu sync.Mutex
	// positive holds, per token, whether each address+source pair last
	// reported a positive balance.
	positive map[string]map[string]bool
	// broken marks chains whose subscription reported an error or whose
	// queries were invalidated.
	broken map[string]bool

	subscribed  []string
	unsubscribe func()
	cycle       int
	rerankCh    chan struct{}
}

func (r *run) loop(ctx context.Context) {
	r.seed(ctx)
	r.rerank(ctx)

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.rerankCh:
			r.rerank(ctx)
		case <-timer.C:
			r.cycle++
			r.poll(ctx)
			metrics.PollCyclesTotal.WithLabelValues(r.cfg.Name).Inc()
			r.rerank(ctx)
			timer.Reset(r.cfg.PollInterval)
		}
	}
}

// seed polls every requested pair once.
func (r *run) seed(ctx context.Context) {
	r.fetch(ctx, r.ranker.Rank(r.request.TokenIDs()), r.cfg.SeedBatchSize)
}

// poll fetches every token outside the subscription set. Tokens without a
// positive balance are skipped except on every ZeroBalancePollEvery-th cycle.
func (r *run) poll(ctx context.Context) {
	includeZero := r.cycle%r.cfg.ZeroBalancePollEvery == 0

	subscribed := make(map[string]struct{}, len(r.subscribed))
	for _, id := range r.subscribed {
		subscribed[id] = struct{}{}
	}

	r.mu.Lock()
	var tokenIDs []string
	for _, id := range r.ranker.Rank(r.request.TokenIDs()) {
		if _, ok := subscribed[id]; ok && !r.broken[r.ranker.ChainOf(id)] {
			continue
		}
		if !includeZero && !r.unknownOrPositive(id) {
			continue
		}
		tokenIDs = append(tokenIDs, id)
	}
	r.mu.Unlock()

	r.fetch(ctx, tokenIDs, r.cfg.PollChunkSize)
}

// fetch requests tokenIDs in chunks of chunkSize pairs. Chunks of one chain
// run one after another, chains run in parallel.
func (r *run) fetch(ctx context.Context, tokenIDs []string, chunkSize int) {
	byChain := make(map[string][]entity.AddressesByToken)
	var chains []string
	for _, id := range tokenIDs {
		chainID := r.ranker.ChainOf(id)
		if _, ok := byChain[chainID]; !ok {
			chains = append(chains, chainID)
		}
		byChain[chainID] = appendChunked(byChain[chainID], id, r.request[id], chunkSize)
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.SeedConcurrency)
	for _, chainID := range chains {
		g.Go(func() error {
			for _, chunk := range byChain[chainID] {
				if ctx.Err() != nil {
					return nil
				}
				fragments, err := r.source.Fetch(ctx, chunk)
				if ctx.Err() != nil {
					return nil
				}
				r.deliver(fragments, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// appendChunked adds the pairs of one token to chunks, starting a new chunk
// whenever the last one holds size pairs.
func appendChunked(chunks []entity.AddressesByToken, tokenID string, addresses []string, size int) []entity.AddressesByToken {
	for _, address := range addresses {
		if len(chunks) == 0 || chunks[len(chunks)-1].Pairs() >= size {
			chunks = append(chunks, make(entity.AddressesByToken))
		}
		last := chunks[len(chunks)-1]
		last[tokenID] = append(last[tokenID], address)
	}
	return chunks
}

// rerank recomputes the subscription set from the positive tokens and
// resubscribes when it changed or one of its chains broke.
func (r *run) rerank(ctx context.Context) {
	if r.cfg.MaxSubscriptionSize == 0 || ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	var positive []string
	for _, id := range r.request.TokenIDs() {
		if r.isPositive(id) {
			positive = append(positive, id)
		}
	}
	next := r.ranker.Rank(positive)
	if len(next) > r.cfg.MaxSubscriptionSize {
		next = next[:r.cfg.MaxSubscriptionSize]
	}
	broken := false
	for _, id := range r.subscribed {
		if r.broken[r.ranker.ChainOf(id)] {
			broken = true
		}
	}
	r.broken = make(map[string]bool)
	r.mu.Unlock()

	if !broken && sameSet(next, r.subscribed) {
		return
	}

	r.closeSubscription()
	r.subscribed = next
	metrics.SubscribedTokens.WithLabelValues(r.cfg.Name).Set(float64(len(next)))
	if len(next) == 0 {
		return
	}

	r.logger.Debug("Updating subscription set", "module", r.cfg.Name, "tokens", len(next))
	unsubscribe, err := r.source.Subscribe(ctx, r.request.Subset(next), r.onSubscription)
	if err != nil {
		r.logger.Warn("Subscription failed, falling back to polling", "module", r.cfg.Name, "error", err)
		r.subscribed = nil
		r.deliver(nil, err)
		return
	}
	r.unsubscribe = unsubscribe
}

func (r *run) closeSubscription() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *run) onSubscription(fragments []entity.BalanceFragment, err error) {
	if err != nil {
		r.mu.Lock()
		for _, chainID := range entity.ChainIDsOf(err) {
			r.broken[chainID] = true
		}
		r.mu.Unlock()
	}
	r.deliver(fragments, err)
}

// onInvalidate reopens the subscription when it covers one of chainIDs, so
// its queries are rebuilt from the current metadata.
func (r *run) onInvalidate(chainIDs []string) {
	r.mu.Lock()
	for _, chainID := range chainIDs {
		r.broken[chainID] = true
	}
	r.mu.Unlock()
	select {
	case r.rerankCh <- struct{}{}:
	default:
	}
}

// deliver records positivity and forwards to the handler unless stopped.
func (r *run) deliver(fragments []entity.BalanceFragment, err error) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.closed {
		return
	}

	if r.observe(fragments) {
		select {
		case r.rerankCh <- struct{}{}:
		default:
		}
	}
	if len(fragments) > 0 || err != nil {
		r.handler(fragments, err)
	}
}

// observe updates positivity and reports whether any token flipped.
func (r *run) observe(fragments []entity.BalanceFragment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	flipped := false
	for _, f := range fragments {
		tokenID := f.Balance.TokenID
		before := r.isPositive(tokenID)
		if r.positive[tokenID] == nil {
			r.positive[tokenID] = make(map[string]bool)
		}
		r.positive[tokenID][f.Balance.Address+"\x00"+f.Source] = f.Balance.IsPositive()
		if r.isPositive(tokenID) != before {
			flipped = true
		}
	}
	return flipped
}

func (r *run) isPositive(tokenID string) bool {
	for _, p := range r.positive[tokenID] {
		if p {
			return true
		}
	}
	return false
}

// unknownOrPositive keeps tokens that never answered in every poll cycle so
// failing chains are retried promptly.
func (r *run) unknownOrPositive(tokenID string) bool {
	if _, seen := r.positive[tokenID]; !seen {
		return true
	}
	return r.isPositive(tokenID)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
