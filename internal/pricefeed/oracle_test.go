package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapbook/errs"
)

var (
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func TestHTTPOracleRefresh(t *testing.T) {
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Get("tokens"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prices":{
			"0x6b175474e89094c44da98b954eedeac495271d0f":{"usd":1.001,"estimated":false},
			"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48":{"usd":0.999,"estimated":true},
			"not-an-address":{"usd":5}
		}}`))
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(Config{URL: srv.URL, Tokens: []common.Address{dai}}, srv.Client(), nil)
	require.NoError(t, err)
	oracle.Request(usdc, dai)

	var fired atomic.Int32
	cancel := oracle.OnRefresh(func() { fired.Add(1) })

	require.NoError(t, oracle.Refresh(context.Background()))
	require.Equal(t, int32(1), fired.Load())

	tokens, _ := query.Load().(string)
	require.ElementsMatch(t,
		[]string{"0x6b175474e89094c44da98b954eedeac495271d0f", "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
		strings.Split(tokens, ","))

	price, ok := oracle.Price(dai)
	require.True(t, ok)
	require.InDelta(t, 1.001, price, 1e-9)
	require.False(t, oracle.IsEstimated(dai))
	require.True(t, oracle.IsEstimated(usdc))
	require.False(t, oracle.UpdatedAt().IsZero())

	_, ok = oracle.Price(common.HexToAddress("0x01"))
	require.False(t, ok)

	cancel()
	cancel()
	require.NoError(t, oracle.Refresh(context.Background()))
	require.Equal(t, int32(1), fired.Load())
}

func TestHTTPOracleStatusErrors(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(Config{URL: srv.URL, Tokens: []common.Address{dai}}, srv.Client(), nil)
	require.NoError(t, err)

	err = oracle.Refresh(context.Background())
	require.True(t, errs.Is(err, errs.CodeRateLimited))

	status.Store(http.StatusBadGateway)
	err = oracle.Refresh(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Contains(t, err.Error(), "502")
}

func TestHTTPOracleDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(Config{URL: srv.URL, Tokens: []common.Address{dai}}, srv.Client(), nil)
	require.NoError(t, err)
	require.True(t, errs.Is(oracle.Refresh(context.Background()), errs.CodeDecode))
}

func TestHTTPOracleSkipsEmptyTrackedSet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(Config{URL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)
	require.NoError(t, oracle.Refresh(context.Background()))
	require.Zero(t, hits.Load())
}

func TestHTTPOracleRequiresURL(t *testing.T) {
	_, err := NewHTTPOracle(Config{URL: "  "}, nil, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestHTTPOracleRunRefreshesOnRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"prices":{"0x6b175474e89094c44da98b954eedeac495271d0f":{"usd":1}}}`))
	}))
	defer srv.Close()

	oracle, err := NewHTTPOracle(Config{
		URL:             srv.URL,
		RefreshInterval: time.Hour,
		Debounce:        5 * time.Millisecond,
	}, srv.Client(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = oracle.Run(ctx)
	}()

	oracle.Request(dai)
	require.Eventually(t, func() bool {
		_, ok := oracle.Price(dai)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), hits.Load())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStaticOracle(t *testing.T) {
	oracle := NewStatic(map[common.Address]Quote{dai: {USD: 1}}, nil)
	var fired atomic.Int32
	oracle.OnRefresh(func() { fired.Add(1) })
	oracle.OnRefresh(func() { panic("boom") })

	price, ok := oracle.Price(dai)
	require.True(t, ok)
	require.Equal(t, 1.0, price)

	_, ok = oracle.Price(usdc)
	require.False(t, ok)

	oracle.Set(usdc, Quote{USD: 0.98, Estimated: true})
	require.Equal(t, int32(1), fired.Load())
	require.True(t, oracle.IsEstimated(usdc))
}
