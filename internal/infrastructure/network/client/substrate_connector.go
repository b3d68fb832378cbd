package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/infrastructure/configloader"
	"balance_engine/internal/pkg/metrics"

	gsclient "github.com/centrifuge/go-substrate-rpc-client/v4/client"
	"golang.org/x/time/rate"
)

// rpcSubscription is the part of a JSON-RPC subscription the connector uses.
type rpcSubscription interface {
	Unsubscribe()
	Err() <-chan error
}

// rpcClient is the part of a substrate JSON-RPC client the connector uses.
type rpcClient interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Subscribe(ctx context.Context, namespace, subscribeSuffix, unsubscribeSuffix, notificationSuffix string, channel any, args ...any) (rpcSubscription, error)
	Close()
}

// dialFunc connects to one endpoint.
type dialFunc func(ctx context.Context, url string) (rpcClient, error)

type gsrpcClient struct {
	c gsclient.Client
}

func (g gsrpcClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return g.c.CallContext(ctx, result, method, args...)
}

func (g gsrpcClient) Subscribe(ctx context.Context, namespace, subscribeSuffix, unsubscribeSuffix, notificationSuffix string, channel any, args ...any) (rpcSubscription, error) {
	return g.c.Subscribe(ctx, namespace, subscribeSuffix, unsubscribeSuffix, notificationSuffix, channel, args...)
}

func (g gsrpcClient) Close() { g.c.Close() }

// dialGSRPC connects with go-substrate-rpc-client. The library dial takes no
// context, so the connection timeout is enforced around it.
func dialGSRPC(ctx context.Context, url string) (rpcClient, error) {
	type result struct {
		c   gsclient.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := gsclient.Connect(url)
		done <- result{c, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return gsrpcClient{c: r.c}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// storageBatchMethods are the state reads that run one at a time per chain,
// whichever module or poller issues them.
var storageBatchMethods = map[string]bool{
	"state_queryStorageAt":         true,
	"state_getKeysPaged":           true,
	"childstate_getStorageEntries": true,
}

// chainConn is the connection state of one chain.
type chainConn struct {
	mu      sync.Mutex
	client  rpcClient
	url     string
	next    int // index of the endpoint tried on the next connect
	limiter *rate.Limiter
	// batch holds a token while a storage batch is in flight.
	batch chan struct{}
}

// SubstrateConnector implements port.ChainConnector over WebSocket
// connections to substrate nodes. Each chain is connected lazily to its first
// reachable endpoint; a failed connection moves the chain to the next one.
type SubstrateConnector struct {
	registry          port.ChainRegistry
	dial              dialFunc
	logger            port.Logger
	connectionTimeout time.Duration
	rpcCallTimeout    time.Duration
	rateLimit         rate.Limit
	burst             int

	mu     sync.Mutex
	chains map[string]*chainConn
}

// NewSubstrateConnector creates a connector for the substrate chains of registry.
func NewSubstrateConnector(registry port.ChainRegistry, cfg *configloader.Config, logger port.Logger) *SubstrateConnector {
	return newSubstrateConnector(registry, dialGSRPC, cfg, logger)
}

func newSubstrateConnector(registry port.ChainRegistry, dial dialFunc, cfg *configloader.Config, logger port.Logger) *SubstrateConnector {
	return &SubstrateConnector{
		registry:          registry,
		dial:              dial,
		logger:            logger,
		connectionTimeout: cfg.ConnectionTimeout(),
		rpcCallTimeout:    cfg.RPCCallTimeout(),
		rateLimit:         rate.Limit(cfg.RPC.RequestsPerSecond),
		burst:             cfg.RPC.Burst,
		chains:            make(map[string]*chainConn),
	}
}

func (c *SubstrateConnector) conn(chainID string) *chainConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.chains[chainID]
	if !ok {
		cc = &chainConn{limiter: rate.NewLimiter(c.rateLimit, c.burst), batch: make(chan struct{}, 1)}
		c.chains[chainID] = cc
	}
	return cc
}

// client returns the live client of chainID, connecting when needed. Every
// endpoint is tried at most once per call.
func (c *SubstrateConnector) client(ctx context.Context, chainID string) (rpcClient, *chainConn, error) {
	chain, ok := c.registry.ChainsByID()[chainID]
	if !ok {
		return nil, nil, entity.NewChainError(chainID, "connect", entity.ErrUnknownChain)
	}
	urls := chain.RPCURLs()
	if len(urls) == 0 {
		return nil, nil, entity.NewChainError(chainID, "connect", fmt.Errorf("%w: no rpc endpoints configured", entity.ErrChainUnavailable))
	}

	cc := c.conn(chainID)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.client != nil {
		return cc.client, cc, nil
	}

	var errs []error
	for range urls {
		url := urls[cc.next%len(urls)]
		cc.next++

		dialCtx, cancel := context.WithTimeout(ctx, c.connectionTimeout)
		client, err := c.dial(dialCtx, url)
		cancel()
		if err != nil {
			c.logger.Warn("Failed to connect to RPC endpoint", "chain", chainID, "url", url, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		c.logger.Info("Connected to RPC endpoint", "chain", chainID, "url", url)
		cc.client, cc.url = client, url
		return client, cc, nil
	}
	return nil, nil, entity.NewChainError(chainID, "connect", fmt.Errorf("%w: %w", entity.ErrChainUnavailable, errors.Join(errs...)))
}

// drop discards client after a transport failure so the next call reconnects,
// starting with the next endpoint.
func (c *SubstrateConnector) drop(cc *chainConn, client rpcClient) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.client != client {
		return
	}
	c.logger.Warn("Dropping RPC connection", "url", cc.url)
	cc.client.Close()
	cc.client, cc.url = nil, ""
}

// Send implements port.ChainConnector.
func (c *SubstrateConnector) Send(ctx context.Context, chainID, method string, params []any, result any) error {
	client, cc, err := c.client(ctx, chainID)
	if err != nil {
		return err
	}
	if storageBatchMethods[method] {
		select {
		case cc.batch <- struct{}{}:
		case <-ctx.Done():
			return entity.NewChainError(chainID, method, ctx.Err())
		}
		defer func() { <-cc.batch }()
	}
	if err := cc.limiter.Wait(ctx); err != nil {
		return entity.NewChainError(chainID, method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.rpcCallTimeout)
	defer cancel()

	var raw json.RawMessage
	start := time.Now()
	err = client.CallContext(callCtx, &raw, method, params...)
	metrics.RPCLatency.WithLabelValues(chainID, method).Observe(time.Since(start).Seconds())
	metrics.RPCCallsTotal.WithLabelValues(chainID, method).Inc()
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(chainID, method).Inc()
		if isTransportError(err) && ctx.Err() == nil {
			c.drop(cc, client)
		}
		return entity.NewChainError(chainID, method, err)
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return entity.NewChainError(chainID, method, fmt.Errorf("%w: %v", entity.ErrDecode, err))
	}
	return nil
}

// Subscribe implements port.ChainConnector. subscribeMethod and
// responseMethod are full method names such as state_subscribeStorage and
// state_storage.
func (c *SubstrateConnector) Subscribe(ctx context.Context, chainID, subscribeMethod, responseMethod string, params []any, handler port.SubscriptionHandler) (func(), error) {
	namespace, subscribeSuffix, ok := strings.Cut(subscribeMethod, "_")
	if !ok {
		return nil, fmt.Errorf("%w: malformed subscription method %q", entity.ErrInvalidRequest, subscribeMethod)
	}
	_, notificationSuffix, _ := strings.Cut(responseMethod, "_")
	unsubscribeSuffix := "un" + subscribeSuffix

	client, cc, err := c.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := cc.limiter.Wait(ctx); err != nil {
		return nil, entity.NewChainError(chainID, subscribeMethod, err)
	}

	notifications := make(chan json.RawMessage, 16)
	metrics.RPCCallsTotal.WithLabelValues(chainID, subscribeMethod).Inc()
	sub, err := client.Subscribe(ctx, namespace, subscribeSuffix, unsubscribeSuffix, notificationSuffix, notifications, params...)
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(chainID, subscribeMethod).Inc()
		if isTransportError(err) && ctx.Err() == nil {
			c.drop(cc, client)
		}
		return nil, entity.NewChainError(chainID, subscribeMethod, err)
	}
	metrics.ActiveSubscriptions.WithLabelValues(chainID).Inc()

	quit := make(chan struct{})
	done := make(chan struct{})
	// inHandler lets the handler unsubscribe without waiting on itself.
	var inHandler atomic.Bool
	deliver := func(raw []byte, err error) {
		inHandler.Store(true)
		defer inHandler.Store(false)
		handler(raw, err)
	}
	go func() {
		defer close(done)
		defer metrics.ActiveSubscriptions.WithLabelValues(chainID).Dec()
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case raw := <-notifications:
				deliver(raw, nil)
			case err, ok := <-sub.Err():
				if !ok || err == nil {
					// closed by Unsubscribe
					return
				}
				c.logger.Warn("Subscription ended", "chain", chainID, "method", subscribeMethod, "error", err)
				c.drop(cc, client)
				deliver(nil, entity.NewChainError(chainID, subscribeMethod, err))
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			if !inHandler.Load() {
				<-done
			}
		})
	}, nil
}

// Close closes every open connection.
func (c *SubstrateConnector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cc := range c.chains {
		cc.mu.Lock()
		if cc.client != nil {
			cc.client.Close()
			cc.client = nil
		}
		cc.mu.Unlock()
		delete(c.chains, id)
	}
}

// isTransportError tells connection failures apart from JSON-RPC error
// responses, which leave the connection usable.
func isTransportError(err error) bool {
	var rpcErr interface{ ErrorCode() int }
	if errors.As(err, &rpcErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

var (
	_ port.ChainConnector = (*SubstrateConnector)(nil)
	_ rpcClient           = gsrpcClient{}
)
