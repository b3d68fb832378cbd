package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestGetTokenPairsByAddresses(t *testing.T) {
	var gotPath string
	url := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"chainId":"moonbeam","pairAddress":"0xp1","baseToken":{"address":"0xA","symbol":"WGLMR"},
			 "quoteToken":{"symbol":"USDC"},"priceUsd":"0.25","liquidity":{"usd":1000}},
			{"chainId":"moonbeam","pairAddress":"0xp2","baseToken":{"address":"0xB","symbol":"XYZ"},
			 "quoteToken":{"symbol":"WGLMR"},"priceUsd":"1.5","liquidity":null}
		]`))
	})

	c := NewDEXScreenerClient(url+"/", time.Second, zap.NewNop(), 30)
	pairs, err := c.GetTokenPairsByAddresses(context.Background(), "moonbeam", []string{"0xA", "0xB"})
	require.NoError(t, err)
	assert.Equal(t, "/tokens/v1/moonbeam/0xA,0xB", gotPath)
	require.Len(t, pairs, 2)
	assert.Equal(t, "0.25", pairs[0].PriceUsd)
	assert.Equal(t, 1000.0, pairs[0].LiquidityUSD())
	assert.Zero(t, pairs[1].LiquidityUSD())
}

func TestGetTokenPairsWrappedResponse(t *testing.T) {
	url := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"schemaVersion":"1.0.0","pairs":[{"baseToken":{"address":"0xA"},"priceUsd":"2"}]}`))
	})

	c := NewDEXScreenerClient(url, time.Second, nil, 30)
	pairs, err := c.GetTokenPairsByAddresses(context.Background(), "astar", []string{"0xA"})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "2", pairs[0].PriceUsd)
}

func TestGetTokenPairsErrors(t *testing.T) {
	url := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := NewDEXScreenerClient(url, time.Second, zap.NewNop(), 2)

	_, err := c.GetTokenPairsByAddresses(context.Background(), "moonbeam", []string{"0xA"})
	assert.ErrorContains(t, err, "429")

	_, err = c.GetTokenPairsByAddresses(context.Background(), "moonbeam", nil)
	assert.Error(t, err)

	_, err = c.GetTokenPairsByAddresses(context.Background(), "moonbeam", []string{"0xA", "0xB", "0xC"})
	assert.ErrorContains(t, err, "exceeds max tokens")
}

func TestGetTokenPairsMalformedBody(t *testing.T) {
	url := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	c := NewDEXScreenerClient(url, time.Second, zap.NewNop(), 30)

	_, err := c.GetTokenPairsByAddresses(context.Background(), "moonbeam", []string{"0xA"})
	assert.ErrorContains(t, err, "unmarshal")
}
