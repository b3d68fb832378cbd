package statequery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnector answers state_queryStorageAt from a per-chain key/value map
// and records subscription handlers so tests can push notifications.
type fakeConnector struct {
	mu        sync.Mutex
	storage   map[string]map[string]*string
	failing   map[string]error
	sendCalls map[string]int
	handlers  map[string]port.SubscriptionHandler
	unsubbed  map[string]bool
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		storage:   make(map[string]map[string]*string),
		failing:   make(map[string]error),
		sendCalls: make(map[string]int),
		handlers:  make(map[string]port.SubscriptionHandler),
		unsubbed:  make(map[string]bool),
	}
}

func (f *fakeConnector) set(chainID, key string, value *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage[chainID] == nil {
		f.storage[chainID] = make(map[string]*string)
	}
	f.storage[chainID][key] = value
}

func (f *fakeConnector) Send(_ context.Context, chainID, method string, params []any, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls[chainID]++
	if err := f.failing[chainID]; err != nil {
		return err
	}
	if method != MethodQueryStorageAt {
		return fmt.Errorf("unexpected method %s", method)
	}
	keys := params[0].([]string)
	set := changeSet{Block: "0x01"}
	for _, key := range keys {
		set.Changes = append(set.Changes, [2]*string{strPtr(key), f.storage[chainID][key]})
	}
	raw, err := json.Marshal([]changeSet{set})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func (f *fakeConnector) Subscribe(_ context.Context, chainID, _, _ string, _ []any, handler port.SubscriptionHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[chainID]; err != nil {
		return nil, err
	}
	f.handlers[chainID] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubbed[chainID] = true
	}, nil
}

func (f *fakeConnector) handler(chainID string) port.SubscriptionHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[chainID]
}

func (f *fakeConnector) notify(t *testing.T, chainID string, changes ...[2]*string) {
	t.Helper()
	raw, err := json.Marshal(changeSet{Block: "0x02", Changes: changes})
	require.NoError(t, err)
	f.handler(chainID)(raw, nil)
}

func strPtr(s string) *string { return &s }

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type decoded struct {
	chainID string
	key     string
	raw     []byte
}

func query(chainID, key string) entity.StateQuery[decoded] {
	return entity.StateQuery[decoded]{
		ChainID:  chainID,
		StateKey: key,
		DecodeResult: func(raw []byte) decoded {
			return decoded{chainID: chainID, key: key, raw: raw}
		},
	}
}

// ========== Fetch ==========

func TestFetchIssuesOneCallPerChain(t *testing.T) {
	conn := newFakeConnector()
	var queries []entity.StateQuery[decoded]
	for _, chainID := range []string{"a", "b", "c"} {
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("0x%s%02d", "ab", i)
			conn.set(chainID, key, strPtr("0x01"))
			queries = append(queries, query(chainID, key))
		}
	}

	results, err := New(conn, queries, logger.NewNop()).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 15)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, conn.sendCalls)
}

func TestFetchDecodesMissingValuesAsNil(t *testing.T) {
	conn := newFakeConnector()
	conn.set("a", "0xaa", strPtr("0x0102"))
	conn.set("a", "0xbb", nil)

	results, err := New(conn, []entity.StateQuery[decoded]{query("a", "0xAA"), query("a", "0xbb"), query("a", "0xcc")}, logger.NewNop()).
		Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []byte{1, 2}, results[0].raw)
	assert.Nil(t, results[1].raw)
	assert.Nil(t, results[2].raw)
}

func TestFetchChainFailureDoesNotAffectOthers(t *testing.T) {
	conn := newFakeConnector()
	conn.set("a", "0xaa", strPtr("0x01"))
	conn.failing["b"] = errors.New("connection refused")

	results, err := New(conn, []entity.StateQuery[decoded]{query("a", "0xaa"), query("b", "0xbb")}, logger.NewNop()).
		Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, &entity.ChainError{ChainID: "b"})
	assert.Equal(t, []string{"b"}, entity.ChainIDsOf(err))
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].chainID)
}

func TestFetchSurvivesPanickingDecoder(t *testing.T) {
	conn := newFakeConnector()
	bad := entity.StateQuery[decoded]{ChainID: "a", StateKey: "0xaa", DecodeResult: func([]byte) decoded { panic("boom") }}

	results, err := New(conn, []entity.StateQuery[decoded]{bad, query("a", "0xbb")}, logger.NewNop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "0xbb", results[0].key)
}

// ========== Subscribe ==========

type collector struct {
	mu      sync.Mutex
	batches [][]decoded
	errs    []error
}

func (c *collector) callback(results []decoded, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.batches = append(c.batches, results)
}

func (c *collector) snapshot() ([][]decoded, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]decoded(nil), c.batches...), append([]error(nil), c.errs...)
}

func TestSubscribeDemultiplexesNotifications(t *testing.T) {
	conn := newFakeConnector()
	h := New(conn, []entity.StateQuery[decoded]{query("a", "0xaa"), query("a", "0xbb"), query("b", "0xcc")}, logger.NewNop())

	c := &collector{}
	unsubscribe := h.Subscribe(context.Background(), c.callback)
	defer unsubscribe()

	require.Eventually(t, func() bool { return conn.handler("a") != nil && conn.handler("b") != nil }, waitFor, tick)

	conn.notify(t, "a", [2]*string{strPtr("0xAA"), strPtr("0x05")}, [2]*string{strPtr("0xdead"), strPtr("0x01")})
	conn.notify(t, "b", [2]*string{strPtr("0xcc"), nil})

	batches, errs := c.snapshot()
	assert.Empty(t, errs)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "0xaa", batches[0][0].key)
	assert.Equal(t, []byte{5}, batches[0][0].raw)
	assert.Nil(t, batches[1][0].raw)
}

func TestSubscribeFailingChainReportsErrorAndOthersContinue(t *testing.T) {
	conn := newFakeConnector()
	conn.failing["b"] = errors.New("ws closed")
	h := New(conn, []entity.StateQuery[decoded]{query("a", "0xaa"), query("b", "0xbb")}, logger.NewNop())

	c := &collector{}
	unsubscribe := h.Subscribe(context.Background(), c.callback)
	defer unsubscribe()

	require.Eventually(t, func() bool {
		_, errs := c.snapshot()
		return conn.handler("a") != nil && len(errs) == 1
	}, waitFor, tick)

	conn.notify(t, "a", [2]*string{strPtr("0xaa"), strPtr("0x01")})
	batches, errs := c.snapshot()
	assert.Len(t, batches, 1)
	assert.Equal(t, []string{"b"}, entity.ChainIDsOf(errs[0]))
}

func TestUnsubscribeTearsDownAllChains(t *testing.T) {
	conn := newFakeConnector()
	h := New(conn, []entity.StateQuery[decoded]{query("a", "0xaa"), query("b", "0xbb")}, logger.NewNop())

	c := &collector{}
	unsubscribe := h.Subscribe(context.Background(), c.callback)
	require.Eventually(t, func() bool { return conn.handler("a") != nil && conn.handler("b") != nil }, waitFor, tick)

	unsubscribe()
	unsubscribe()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.unsubbed["a"] && conn.unsubbed["b"]
	}, waitFor, tick)

	conn.notify(t, "a", [2]*string{strPtr("0xaa"), strPtr("0x01")})
	batches, _ := c.snapshot()
	assert.Empty(t, batches)
}
