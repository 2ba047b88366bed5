package httpserver

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/bulios/stocks/internal/app/relay"
	"github.com/bulios/stocks/internal/domain/quote"
	"github.com/bulios/stocks/internal/infra/config"
)

type nopPusher struct{}

func (nopPusher) Push(string, []byte) error { return nil }

type mapFetcher map[quote.Symbol]float64

func (m mapFetcher) FetchBatch(_ context.Context, symbols []quote.Symbol) (map[quote.Symbol]quote.Quote, error) {
	out := make(map[quote.Symbol]quote.Quote, len(symbols))
	for _, sym := range symbols {
		if price, ok := m[sym]; ok {
			out[sym] = quote.Quote{Symbol: sym, Price: price, Volume: 0}
		}
	}
	return out, nil
}

func newEngine() *relay.Engine {
	return relay.NewEngine(relay.Config{FetchTimeout: time.Second, BroadcastInterval: time.Hour, MaxPushWorkers: 1},
		mapFetcher{"AAPL": 150}, nopPusher{}, log.New(io.Discard, "", 0))
}

func TestHealthz(t *testing.T) {
	handler := NewHandler(config.EnvDev, newEngine(), "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReportsConnectionsAndSymbols(t *testing.T) {
	engine := newEngine()
	engine.Open("conn-1")
	engine.Open("conn-2")
	engine.HandleMessage(context.Background(), "conn-1", "AAPL,TSLA")

	handler := NewHandler(config.EnvStaging, engine, "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload statusPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "staging", payload.Environment)
	require.Equal(t, []connectionPayload{
		{ID: "conn-1", Symbols: []string{"AAPL", "TSLA"}},
		{ID: "conn-2", Symbols: []string{}},
	}, payload.Connections)
	require.Equal(t, []relay.CacheEntry{
		{Symbol: "AAPL", Price: 150, HasPrice: true, Refs: 1},
		{Symbol: "TSLA", Price: 0, HasPrice: false, Refs: 1},
	}, payload.Symbols)
}

func TestMethodNotAllowed(t *testing.T) {
	handler := NewHandler(config.EnvDev, newEngine(), "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	require.JSONEq(t, `{"status":"error","error":"method not allowed"}`, rec.Body.String())
}

func TestWebsocketRouteIsMounted(t *testing.T) {
	called := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	handler := NewHandler(config.EnvDev, newEngine(), "/stream", ws)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	require.True(t, called)
	require.Equal(t, http.StatusTeapot, rec.Code)
}
