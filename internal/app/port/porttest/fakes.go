// Package porttest provides in-memory implementations of the ports for tests.
package porttest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Registry is a static port.ChainRegistry.
type Registry struct {
	Chains map[string]entity.Chain
	Tokens map[string]entity.Token
}

// NewRegistry indexes chains and tokens by id.
func NewRegistry(chains []entity.Chain, tokens []entity.Token) *Registry {
	r := &Registry{Chains: make(map[string]entity.Chain), Tokens: make(map[string]entity.Token)}
	for _, c := range chains {
		r.Chains[c.ID] = c
	}
	for _, t := range tokens {
		r.Tokens[t.ID] = t
	}
	return r
}

func (r *Registry) ChainsByID() map[string]entity.Chain { return r.Chains }
func (r *Registry) TokensByID() map[string]entity.Token { return r.Tokens }

// Metadata is a port.MetadataProvider whose snapshots are set by the test.
type Metadata struct {
	mu        sync.Mutex
	metas     map[string]*entity.MiniMetadata
	listeners map[int]func([]string)
	nextID    int
}

func NewMetadata() *Metadata {
	return &Metadata{metas: make(map[string]*entity.MiniMetadata), listeners: make(map[int]func([]string))}
}

// Set stores meta for chainID, for every module type.
func (m *Metadata) Set(chainID string, meta *entity.MiniMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[chainID] = meta
}

// Notify calls every listener with chainIDs.
func (m *Metadata) Notify(chainIDs ...string) {
	m.mu.Lock()
	listeners := make([]func([]string), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l(chainIDs)
	}
}

// Listeners returns the number of registered listeners.
func (m *Metadata) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *Metadata) MetadataFor(chainID, _ string) *entity.MiniMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metas[chainID]
}

func (m *Metadata) OnChange(listener func(chainIDs []string)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Connector is a port.ChainConnector serving storage from memory.
// state_queryStorageAt is answered from SetStorage values, other methods
// from the responders registered with Handle.
type Connector struct {
	mu       sync.Mutex
	storage  map[string]map[string]string
	failing  map[string]error
	calls    map[string]int
	subs     map[string][]port.SubscriptionHandler
	unsubbed int
	handlers map[string]func(chainID string, params []any) (any, error)
}

func NewConnector() *Connector {
	return &Connector{
		storage:  make(map[string]map[string]string),
		failing:  make(map[string]error),
		calls:    make(map[string]int),
		subs:     make(map[string][]port.SubscriptionHandler),
		handlers: make(map[string]func(string, []any) (any, error)),
	}
}

// SetStorage stores a hex value under a storage key of a chain.
func (c *Connector) SetStorage(chainID, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage[chainID] == nil {
		c.storage[chainID] = make(map[string]string)
	}
	c.storage[chainID][entity.NormalizeStateKey(key)] = value
}

// Fail makes every request to chainID fail with err. A nil err heals the chain.
func (c *Connector) Fail(chainID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failing, chainID)
		return
	}
	c.failing[chainID] = err
}

// Handle registers a responder for method.
func (c *Connector) Handle(method string, fn func(chainID string, params []any) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

// Calls returns how many requests chainID received.
func (c *Connector) Calls(chainID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[chainID]
}

// Subscriptions returns the number of open subscriptions on chainID.
func (c *Connector) Subscriptions(chainID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.subs[chainID] {
		if h != nil {
			n++
		}
	}
	return n
}

// Unsubscribed returns how many subscriptions were closed.
func (c *Connector) Unsubscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubbed
}

// Push delivers a storage change to every subscription of chainID.
func (c *Connector) Push(chainID, key string, value *string) {
	raw, _ := json.Marshal(map[string]any{
		"block":   "0x02",
		"changes": [][2]*string{{&key, value}},
	})
	c.mu.Lock()
	handlers := append([]port.SubscriptionHandler(nil), c.subs[chainID]...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(raw, nil)
		}
	}
}

func (c *Connector) Send(_ context.Context, chainID, method string, params []any, result any) error {
	c.mu.Lock()
	c.calls[chainID]++
	if err := c.failing[chainID]; err != nil {
		c.mu.Unlock()
		return err
	}
	handler := c.handlers[method]
	var response any
	if method == "state_queryStorageAt" && handler == nil {
		keys, _ := params[0].([]string)
		changes := make([][2]*string, 0, len(keys))
		for _, key := range keys {
			k := key
			var v *string
			if value, ok := c.storage[chainID][entity.NormalizeStateKey(key)]; ok {
				v = &value
			}
			changes = append(changes, [2]*string{&k, v})
		}
		response = []map[string]any{{"block": "0x01", "changes": changes}}
	}
	c.mu.Unlock()

	if response == nil {
		if handler == nil {
			return fmt.Errorf("unexpected method %s", method)
		}
		var err error
		if response, err = handler(chainID, params); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func (c *Connector) Subscribe(_ context.Context, chainID, subscribeMethod, _ string, _ []any, handler port.SubscriptionHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[chainID]++
	if err := c.failing[chainID]; err != nil {
		return nil, err
	}
	if !strings.HasSuffix(subscribeMethod, "subscribeStorage") {
		return nil, fmt.Errorf("unexpected method %s", subscribeMethod)
	}
	i := len(c.subs[chainID])
	c.subs[chainID] = append(c.subs[chainID], handler)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.subs[chainID][i] = nil
			c.unsubbed++
		})
	}, nil
}
