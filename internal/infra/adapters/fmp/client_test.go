package fmp

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/domain/quote"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:           srv.URL + "/api/v3",
		APIKey:            "test-key",
		Timeout:           time.Second,
		BatchSize:         50,
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxCooldown:       time.Second,
		HTTPClient:        srv.Client(),
		Logger:            log.New(io.Discard, "", 0),
		Clock:             nil,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts)
}

func TestFetchBatchDecodesQuoteShort(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("apikey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"symbol":"AAPL","price":150.0,"volume":1200},
			{"symbol":"msft","price":"300.25","volume":0},
			{"symbol":"NOPRICE","volume":10},
			{"symbol":"???","price":1}
		]`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	quotes, err := client.FetchBatch(context.Background(), []quote.Symbol{"AAPL", "MSFT", "NOPRICE"})
	require.NoError(t, err)
	require.Equal(t, "/api/v3/quote-short/AAPL,MSFT,NOPRICE", gotPath)
	require.Equal(t, "test-key", gotKey)
	require.Len(t, quotes, 2)
	require.Equal(t, quote.Quote{Symbol: "AAPL", Price: 150.0, Volume: 1200}, quotes["AAPL"])
	require.Equal(t, quote.Quote{Symbol: "MSFT", Price: 300.25, Volume: 0}, quotes["MSFT"])
}

func TestFetchBatchEmptyInputSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	quotes, err := newTestClient(t, srv, nil).FetchBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, quotes)
	require.Zero(t, hits.Load())
}

func TestFetchBatchSplitsIntoChunks(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, strings.TrimPrefix(r.URL.Path, "/api/v3/quote-short/"))
		mu.Unlock()
		var rows []string
		for _, sym := range strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v3/quote-short/"), ",") {
			rows = append(rows, `{"symbol":"`+sym+`","price":1.5}`)
		}
		_, _ = io.WriteString(w, "["+strings.Join(rows, ",")+"]")
	}))
	defer srv.Close()

	client := newTestClient(t, srv, func(o *Options) { o.BatchSize = 2 })
	quotes, err := client.FetchBatch(context.Background(), []quote.Symbol{"A", "B", "C", "D", "E"})
	require.NoError(t, err)
	require.Len(t, quotes, 5)
	require.Equal(t, []string{"A,B", "C,D", "E"}, paths)
}

func TestFetchBatchChunkFailureFailsWholeBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/C") {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[{"symbol":"A","price":1},{"symbol":"B","price":2}]`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, func(o *Options) { o.BatchSize = 2 })
	quotes, err := client.FetchBatch(context.Background(), []quote.Symbol{"A", "B", "C"})
	require.Nil(t, quotes)
	require.True(t, errs.Is(err, errs.CodeUpstream))
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, http.StatusBadGateway, envelope.HTTP)
}

func TestFetchBatchErrorMessageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"Error Message":"Invalid API KEY."}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).FetchBatch(context.Background(), []quote.Symbol{"AAPL"})
	require.True(t, errs.Is(err, errs.CodeUpstream))
	require.Contains(t, err.Error(), "Invalid API KEY.")
	require.True(t, errs.IsUpstream(err))
}

func TestFetchBatchRateLimitCooldown(t *testing.T) {
	var hits atomic.Int32
	var limited atomic.Bool
	limited.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if limited.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"Error Message":"Limit Reach . Please upgrade your plan"}`)
			return
		}
		_, _ = io.WriteString(w, `[{"symbol":"AAPL","price":150}]`)
	}))
	defer srv.Close()

	clock := &manualClock{mu: sync.Mutex{}, now: time.Unix(1_700_000_000, 0)}
	client := newTestClient(t, srv, func(o *Options) {
		o.Clock = clock.Now
		o.MaxCooldown = 10 * time.Second
	})
	ctx := context.Background()
	symbols := []quote.Symbol{"AAPL"}

	_, err := client.FetchBatch(ctx, symbols)
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	require.Contains(t, err.Error(), "http=429")
	require.EqualValues(t, 1, hits.Load())

	_, err = client.FetchBatch(ctx, symbols)
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	require.Contains(t, err.Error(), "cooling down")
	require.EqualValues(t, 1, hits.Load(), "cooldown must not reach the provider")

	limited.Store(false)
	clock.Advance(11 * time.Second)
	quotes, err := client.FetchBatch(ctx, symbols)
	require.NoError(t, err)
	require.Equal(t, 150.0, quotes["AAPL"].Price)
	require.EqualValues(t, 2, hits.Load())

	_, cooling := client.coolingDown()
	require.False(t, cooling)
}

func TestFetchBatchLimitReachedInSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"Error Message":"Limit Reach . Please upgrade your plan"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	_, err := client.FetchBatch(context.Background(), []quote.Symbol{"AAPL"})
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	_, cooling := client.coolingDown()
	require.True(t, cooling)
}

func TestFetchBatchRetryAfterIsCappedByMaxCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	clock := &manualClock{mu: sync.Mutex{}, now: time.Unix(1_700_000_000, 0)}
	client := newTestClient(t, srv, func(o *Options) {
		o.Clock = clock.Now
		o.MaxCooldown = 2 * time.Second
	})
	_, err := client.FetchBatch(context.Background(), []quote.Symbol{"AAPL"})
	require.Error(t, err)

	until, cooling := client.coolingDown()
	require.True(t, cooling)
	require.Equal(t, clock.Now().Add(2*time.Second), until)
}

func TestFetchBatchTransportErrorRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := newTestClient(t, srv, nil)
	_, err := client.FetchBatch(context.Background(), []quote.Symbol{"AAPL"})
	require.True(t, errs.Is(err, errs.CodeNetwork))
	require.NotContains(t, err.Error(), "test-key")
}

func TestFetchBatchHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv, nil).FetchBatch(ctx, []quote.Symbol{"AAPL"})
	require.Error(t, err)
	require.True(t, errs.IsUpstream(err))
}

func TestEndpointEscapesIndexSymbols(t *testing.T) {
	client := NewClient(Options{
		BaseURL:           "https://example.test/api/v3",
		APIKey:            "k",
		Timeout:           0,
		BatchSize:         0,
		RequestsPerSecond: 0,
		Burst:             0,
		MaxCooldown:       0,
		HTTPClient:        nil,
		Logger:            nil,
		Clock:             nil,
	})
	got := client.endpoint([]quote.Symbol{"^GSPC", "BRK.B"})
	require.Equal(t, "https://example.test/api/v3/quote-short/%5EGSPC,BRK.B?apikey=k", got)
}
