package restapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"balance_engine/internal/app/port"
	"balance_engine/internal/app/port/porttest"
	"balance_engine/internal/domain/entity"
	"balance_engine/internal/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	baltu = "0xf24FF3a9CF04c71Dbc94D0b566f7A27B94566cac"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBalances struct {
	mu           sync.Mutex
	balances     entity.Balances
	err          error
	requests     []entity.AddressesByToken
	updates      []entity.BalancesUpdate
	unsubscribed bool
}

func (f *fakeBalances) FetchBalances(_ context.Context, req entity.AddressesByToken) (entity.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return f.balances, f.err
}

func (f *fakeBalances) SubscribeBalances(_ context.Context, req entity.AddressesByToken, callback port.BalancesCallback) (func(), error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	updates := f.updates
	f.mu.Unlock()
	for _, u := range updates {
		callback(f.err, u)
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = true
	}, nil
}

func (f *fakeBalances) lastRequest() entity.AddressesByToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeBalances) isUnsubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

type fakePrices map[string]float64

func (p fakePrices) LoadAndCacheTokenPrices(context.Context) error { return nil }
func (p fakePrices) GetPriceUSD(tokenID string) (float64, bool) {
	price, ok := p[tokenID]
	return price, ok
}

type fakeAddresses []string

func (a fakeAddresses) GetAddresses() ([]string, error) { return a, nil }

func registry() *porttest.Registry {
	return porttest.NewRegistry(
		[]entity.Chain{
			{ID: "polkadot", Kind: entity.ChainKindSubstrate, SortIndex: 0},
			{ID: "moonbeam", Kind: entity.ChainKindEVM, SortIndex: 1000},
		},
		[]entity.Token{
			{ID: "dot", Type: entity.TokenTypeSubstrateNative, ChainID: "polkadot", Symbol: "DOT", Decimals: 10},
			{ID: "glmr", Type: entity.TokenTypeEVMNative, EVMNetworkID: "moonbeam", Symbol: "GLMR", Decimals: 18},
		},
	)
}

func dotBalance() entity.Balance {
	return entity.Balance{
		TokenID: "dot", Address: alice, ChainID: "polkadot", Status: entity.BalanceStatusLive,
		Values: []entity.AmountWithLabel{
			{Type: entity.ValueTypeFree, Label: "free", Amount: "25000000000"},
			{Type: entity.ValueTypeLocked, Label: "staking", Amount: "10000000000"},
		},
	}
}

func newTestRouter(f *fakeBalances, addresses port.AddressProvider) *gin.Engine {
	h := NewBalanceHandler(f, registry(), fakePrices{"dot": 4}, addresses, logger.NewNop())
	return SetupRouter(h, nil)
}

func do(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetPortfolios(t *testing.T) {
	f := &fakeBalances{balances: entity.Balances{dotBalance()}}
	router := newTestRouter(f, fakeAddresses{alice, baltu})

	w := do(t, router, http.MethodGet, "/api/v1/portfolios", "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, entity.AddressesByToken{"dot": {alice}, "glmr": {baltu}}, f.lastRequest(),
		"tokens follow the account format of each address")

	var resp APIPortfolioResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Portfolios retrieved successfully.", resp.StatusMessage)
	require.Len(t, resp.Data.Portfolios, 2)
	assert.InDelta(t, 10.0, resp.Data.TotalValueUSD, 1e-9)

	p := resp.Data.Portfolios[0]
	assert.Equal(t, alice, p.WalletAddress)
	require.Len(t, p.BalancesByNetwork["polkadot"].Tokens, 1)
	dot := p.BalancesByNetwork["polkadot"].Tokens[0]
	assert.Equal(t, "2.5", dot.Free)
	assert.Equal(t, "1", dot.Locked)
	assert.Equal(t, "1.5", dot.Transferable)
	assert.Equal(t, "2.5", dot.Total)
	assert.InDelta(t, 4.0, dot.PriceUSD, 1e-9)
	assert.InDelta(t, 10.0, dot.ValueUSD, 1e-9)

	assert.Equal(t, baltu, resp.Data.Portfolios[1].WalletAddress)
	assert.Empty(t, resp.Data.Portfolios[1].BalancesByNetwork)
}

func TestGetPortfoliosPartialFailure(t *testing.T) {
	f := &fakeBalances{
		balances: entity.Balances{dotBalance()},
		err:      errors.Join(entity.NewChainError("moonbeam", "eth_getBalance", entity.ErrChainUnavailable)),
	}
	router := newTestRouter(f, nil)

	w := do(t, router, http.MethodGet, "/api/v1/portfolios?address="+alice+"&address="+baltu, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp APIPortfolioResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.ServiceErrors, 1)
	assert.Equal(t, "moonbeam", resp.ServiceErrors[0].ChainID)
	assert.Equal(t, "Portfolios retrieved. Some chains encountered errors.", resp.StatusMessage)
}

func TestGetPortfoliosWithoutAddresses(t *testing.T) {
	router := newTestRouter(&fakeBalances{}, nil)
	w := do(t, router, http.MethodGet, "/api/v1/portfolios", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostBalances(t *testing.T) {
	f := &fakeBalances{balances: entity.Balances{dotBalance()}}
	router := newTestRouter(f, nil)

	w := do(t, router, http.MethodPost, "/api/v1/balances", fmt.Sprintf(`{"addressesByToken": {"dot": [%q]}}`, alice))
	require.Equal(t, http.StatusOK, w.Code)

	var resp APIBalancesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, alice, resp.Data[0].Address)
	assert.Equal(t, "polkadot", resp.Data[0].NetworkID)
	assert.Equal(t, "2.5", resp.Data[0].Free)
	assert.Len(t, resp.Data[0].Values, 2)

	w = do(t, router, http.MethodPost, "/api/v1/balances", `{"addressesByToken": {"dot": [""]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/balances", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostBalancesAllChainsFailed(t *testing.T) {
	f := &fakeBalances{err: entity.NewChainError("polkadot", "state_queryStorageAt", entity.ErrChainUnavailable)}
	router := newTestRouter(f, nil)

	w := do(t, router, http.MethodPost, "/api/v1/balances", fmt.Sprintf(`{"addressesByToken": {"dot": [%q]}}`, alice))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestChainsAndTokens(t *testing.T) {
	router := newTestRouter(&fakeBalances{}, nil)

	w := do(t, router, http.MethodGet, "/api/v1/chains", "")
	require.Equal(t, http.StatusOK, w.Code)
	var chains struct{ Data []entity.Chain }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chains))
	require.Len(t, chains.Data, 2)
	assert.Equal(t, "polkadot", chains.Data[0].ID)

	w = do(t, router, http.MethodGet, "/api/v1/tokens?network=moonbeam", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tokens struct{ Data []entity.Token }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tokens))
	require.Len(t, tokens.Data, 1)
	assert.Equal(t, "glmr", tokens.Data[0].ID)
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(&fakeBalances{}, nil)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", "").Code)

	w := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "balance_engine_http_requests_total")
}

func TestStreamBalances(t *testing.T) {
	f := &fakeBalances{
		err: entity.NewChainError("polkadot", "state_subscribeStorage", entity.ErrChainUnavailable),
		updates: []entity.BalancesUpdate{
			{Status: entity.SubscriptionStatusInitialising},
			{Status: entity.SubscriptionStatusLive, Data: entity.Balances{dotBalance()}},
		},
	}
	server := httptest.NewServer(newTestRouter(f, nil))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/balances/stream?token=dot&address="+alice, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			event = name
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data = payload
			break
		}
	}
	require.Equal(t, "balances", event)

	var payload streamPayload
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, entity.SubscriptionStatusLive, payload.Status, "bursts collapse to the latest update")
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "2.5", payload.Data[0].Free)
	require.Len(t, payload.Errors, 2, "errors of collapsed updates are kept")
	assert.Equal(t, "polkadot", payload.Errors[0].ChainID)
	assert.Equal(t, entity.AddressesByToken{"dot": {alice}}, f.lastRequest())

	resp.Body.Close()
	cancel()
	assert.Eventually(t, f.isUnsubscribed, 2*time.Second, 10*time.Millisecond)
}
