package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"balance_engine/internal/app/balance"
	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// BalanceServiceConfig tunes the BalanceService.
type BalanceServiceConfig struct {
	// RPCCallTimeout bounds a one-shot FetchBalances call.
	RPCCallTimeout time.Duration
	// Debounce delays subscription callbacks so bursts of fragments are
	// delivered as one update.
	Debounce time.Duration
	// InitialisingTimeout ends the initialising status of a subscription
	// even when some pairs never answered.
	InitialisingTimeout time.Duration
	// MaxConcurrentModules bounds the modules queried at once by FetchBalances.
	MaxConcurrentModules int
}

// DefaultBalanceServiceConfig returns the production settings.
func DefaultBalanceServiceConfig() BalanceServiceConfig {
	return BalanceServiceConfig{
		RPCCallTimeout:       10 * time.Second,
		Debounce:             100 * time.Millisecond,
		InitialisingTimeout:  30 * time.Second,
		MaxConcurrentModules: 4,
	}
}

// BalanceServiceImpl implements port.BalanceService on top of the balance
// modules.
type BalanceServiceImpl struct {
	modules  map[entity.TokenType]port.BalanceModule
	registry port.ChainRegistry
	// snapshots holds the last known balance of every pair, used to start
	// new subscriptions with "cache" balances instead of empty ones.
	snapshots *cache.Cache
	cfg       BalanceServiceConfig
	logger    port.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewBalanceService creates a new instance of BalanceServiceImpl. snapshots
// may be nil, in which case every subscription starts from empty balances.
func NewBalanceService(
	modules []port.BalanceModule,
	registry port.ChainRegistry,
	snapshots *cache.Cache,
	cfg BalanceServiceConfig,
	logger port.Logger,
) *BalanceServiceImpl {
	def := DefaultBalanceServiceConfig()
	if cfg.RPCCallTimeout <= 0 {
		cfg.RPCCallTimeout = def.RPCCallTimeout
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.InitialisingTimeout <= 0 {
		cfg.InitialisingTimeout = def.InitialisingTimeout
	}
	if cfg.MaxConcurrentModules <= 0 {
		cfg.MaxConcurrentModules = def.MaxConcurrentModules
	}

	byType := make(map[entity.TokenType]port.BalanceModule, len(modules))
	for _, m := range modules {
		byType[m.Type()] = m
	}
	return &BalanceServiceImpl{
		modules:   byType,
		registry:  registry,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[string]*subscription),
	}
}

// validate rejects malformed input and tokens no module can serve.
func (s *BalanceServiceImpl) validate(addressesByToken entity.AddressesByToken) error {
	if err := addressesByToken.Validate(); err != nil {
		return err
	}
	tokens := s.registry.TokensByID()
	for tokenID := range addressesByToken {
		token, ok := tokens[tokenID]
		if !ok {
			return fmt.Errorf("%w: %w %s", entity.ErrInvalidRequest, entity.ErrUnknownToken, tokenID)
		}
		if _, ok := s.modules[token.Type]; !ok {
			return fmt.Errorf("%w: no balance module for token %s of type %s", entity.ErrInvalidRequest, tokenID, token.Type)
		}
	}
	return nil
}

// byModule splits the request by the module serving each token.
func (s *BalanceServiceImpl) byModule(addressesByToken entity.AddressesByToken) map[entity.TokenType]entity.AddressesByToken {
	tokens := s.registry.TokensByID()
	out := make(map[entity.TokenType]entity.AddressesByToken)
	for tokenID, addresses := range addressesByToken {
		if len(addresses) == 0 {
			continue
		}
		typ := tokens[tokenID].Type
		if out[typ] == nil {
			out[typ] = make(entity.AddressesByToken)
		}
		out[typ][tokenID] = addresses
	}
	return out
}

// FetchBalances queries every module once and returns the merged balances.
// Balances of healthy chains are returned together with the joined errors of
// failing ones.
func (s *BalanceServiceImpl) FetchBalances(ctx context.Context, addressesByToken entity.AddressesByToken) (entity.Balances, error) {
	if err := s.validate(addressesByToken); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCCallTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		fragments []entity.BalanceFragment
		errs      []error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentModules)
	for typ, request := range s.byModule(addressesByToken) {
		module := s.modules[typ]
		g.Go(func() error {
			got, err := module.FetchBalances(ctx, request)
			mu.Lock()
			defer mu.Unlock()
			fragments = append(fragments, got...)
			if err != nil {
				s.logger.Warn("Balance module fetch failed", "module", typ, "error", err)
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]*entity.Balance)
	for _, f := range fragments {
		key := f.Balance.Key()
		b := balance.MergeFragment(merged[key], f)
		b.Status = entity.BalanceStatusLive
		merged[key] = &b
	}

	out := make(entity.Balances, 0, len(merged))
	for _, b := range merged {
		s.remember(*b)
		out = append(out, *b)
	}
	return out.Sorted(), errors.Join(errs...)
}

// SubscribeBalances keeps the balances of addressesByToken fresh and reports
// them to callback. Callbacks are serialized. The returned function stops the
// subscription; no callback is invoked after it returns, and it may be called
// from inside the callback.
func (s *BalanceServiceImpl) SubscribeBalances(ctx context.Context, addressesByToken entity.AddressesByToken, callback port.BalancesCallback) (func(), error) {
	if err := s.validate(addressesByToken); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:           uuid.NewString(),
		service:      s,
		callback:     callback,
		cancel:       cancel,
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		balances:     make(map[string]*entity.Balance),
		initialising: make(map[string]struct{}),
	}
	sub.seed(addressesByToken)

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	metrics.OpenBalanceSubscriptions.Inc()
	s.logger.Debug("Balance subscription opened", "id", sub.id, "pairs", addressesByToken.Pairs())

	go sub.run(ctx)

	for typ, request := range s.byModule(addressesByToken) {
		unsubscribe, err := s.modules[typ].SubscribeBalances(ctx, request, sub.push(ctx))
		if err != nil {
			sub.push(ctx)(nil, fmt.Errorf("subscribe %s: %w", typ, err))
			continue
		}
		sub.addStopper(unsubscribe)
	}

	return sub.stop, nil
}

// ActiveSubscriptions returns the number of open subscriptions.
func (s *BalanceServiceImpl) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// CachedBalance returns the last known balance of a pair.
func (s *BalanceServiceImpl) CachedBalance(tokenID, address string) (entity.Balance, bool) {
	if s.snapshots == nil {
		return entity.Balance{}, false
	}
	v, ok := s.snapshots.Get(entity.BalanceKey(tokenID, address))
	if !ok {
		return entity.Balance{}, false
	}
	b, ok := v.(entity.Balance)
	return b, ok
}

func (s *BalanceServiceImpl) remember(b entity.Balance) {
	if s.snapshots == nil || b.Status != entity.BalanceStatusLive {
		return
	}
	s.snapshots.SetDefault(b.Key(), b.Clone())
}

func (s *BalanceServiceImpl) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; ok {
		delete(s.subs, id)
		metrics.OpenBalanceSubscriptions.Dec()
	}
}

type event struct {
	fragments []entity.BalanceFragment
	err       error
}

// subscription is the state of one SubscribeBalances call. balances and
// initialising are owned by the run goroutine.
type subscription struct {
	id       string
	service  *BalanceServiceImpl
	callback port.BalancesCallback
	cancel   context.CancelFunc
	events   chan event
	done     chan struct{}

	balances     map[string]*entity.Balance
	initialising map[string]struct{}

	stopMu   sync.Mutex
	stopped  bool
	stoppers []func()
	once     sync.Once

	// inCallback is set while run invokes the callback, so stop called from
	// the callback does not wait for run to exit.
	inCallback atomic.Bool
}

// seed creates the initial balance of every pair, from the snapshot cache
// when possible.
func (sub *subscription) seed(addressesByToken entity.AddressesByToken) {
	tokens := sub.service.registry.TokensByID()
	for tokenID, addresses := range addressesByToken {
		token := tokens[tokenID]
		for _, address := range addresses {
			key := entity.BalanceKey(tokenID, address)
			if _, dup := sub.balances[key]; dup {
				continue
			}
			sub.initialising[key] = struct{}{}

			if cached, ok := sub.service.CachedBalance(tokenID, address); ok {
				b := cached.Clone()
				b.Status = entity.BalanceStatusCache
				sub.balances[key] = &b
				continue
			}
			sub.balances[key] = &entity.Balance{
				Source:       string(token.Type),
				Status:       entity.BalanceStatusInitializing,
				Address:      address,
				ChainID:      token.ChainID,
				EVMNetworkID: token.EVMNetworkID,
				TokenID:      tokenID,
				Values:       []entity.AmountWithLabel{},
			}
		}
	}
}

// push returns the module handler feeding the run goroutine. It never blocks
// once the subscription is cancelled.
func (sub *subscription) push(ctx context.Context) port.FragmentsHandler {
	return func(fragments []entity.BalanceFragment, err error) {
		select {
		case sub.events <- event{fragments: fragments, err: err}:
		case <-ctx.Done():
		}
	}
}

func (sub *subscription) addStopper(stop func()) {
	sub.stopMu.Lock()
	if sub.stopped {
		sub.stopMu.Unlock()
		stop()
		return
	}
	sub.stoppers = append(sub.stoppers, stop)
	sub.stopMu.Unlock()
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		sub.cancel()

		sub.stopMu.Lock()
		sub.stopped = true
		stoppers := sub.stoppers
		sub.stoppers = nil
		sub.stopMu.Unlock()
		for _, stop := range stoppers {
			stop()
		}

		if !sub.inCallback.Load() {
			<-sub.done
		}
		sub.service.forget(sub.id)
		sub.service.logger.Debug("Balance subscription closed", "id", sub.id)
	})
}

func (sub *subscription) run(ctx context.Context) {
	defer close(sub.done)

	initTimer := time.NewTimer(sub.service.cfg.InitialisingTimeout)
	defer initTimer.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	arm := func() {
		if debounceC == nil {
			debounce = time.NewTimer(sub.service.cfg.Debounce)
			debounceC = debounce.C
		}
	}

	// the initial state is reported after the first debounce window
	arm()
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-sub.events:
			sub.apply(ev.fragments)
			if ev.err != nil {
				sub.markStale(ev.err)
				if debounce != nil {
					debounce.Stop()
				}
				debounceC = nil
				sub.emit(ctx, ev.err)
				continue
			}
			if len(ev.fragments) > 0 {
				arm()
			}

		case <-debounceC:
			debounceC = nil
			sub.emit(ctx, nil)

		case <-initTimer.C:
			if len(sub.initialising) > 0 {
				sub.service.logger.Debug("Initialising timeout, reporting partial balances", "id", sub.id, "pending", len(sub.initialising))
				clear(sub.initialising)
				arm()
			}
		}
	}
}

// apply merges fragments into the balances of the subscription.
func (sub *subscription) apply(fragments []entity.BalanceFragment) {
	for _, f := range fragments {
		key := f.Balance.Key()
		existing, ok := sub.balances[key]
		if !ok {
			continue
		}
		merged := balance.MergeFragment(existing, f)
		merged.Status = entity.BalanceStatusLive
		sub.balances[key] = &merged
		delete(sub.initialising, key)
	}
}

// markStale flags the live balances of the chains named in err.
func (sub *subscription) markStale(err error) {
	chains := make(map[string]bool)
	for _, id := range entity.ChainIDsOf(err) {
		chains[id] = true
	}
	if len(chains) == 0 {
		return
	}
	for _, b := range sub.balances {
		if b.Status == entity.BalanceStatusLive && chains[b.NetworkID()] {
			b.Status = entity.BalanceStatusStale
		}
	}
}

func (sub *subscription) emit(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	status := entity.SubscriptionStatusLive
	if len(sub.initialising) > 0 {
		status = entity.SubscriptionStatusInitialising
	}
	data := make(entity.Balances, 0, len(sub.balances))
	for _, b := range sub.balances {
		sub.service.remember(*b)
		data = append(data, b.Clone())
	}

	sub.inCallback.Store(true)
	defer sub.inCallback.Store(false)
	sub.callback(err, entity.BalancesUpdate{Status: status, Data: data.Sorted()})
}
