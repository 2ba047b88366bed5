package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/domain/quote"
)

type stubFetcher struct {
	mu     sync.Mutex
	prices map[quote.Symbol]float64
	err    error
	calls  [][]quote.Symbol
}

func newStubFetcher(prices map[quote.Symbol]float64) *stubFetcher {
	return &stubFetcher{mu: sync.Mutex{}, prices: prices, err: nil, calls: nil}
}

func (f *stubFetcher) FetchBatch(_ context.Context, symbols []quote.Symbol) (map[quote.Symbol]quote.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]quote.Symbol(nil), symbols...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[quote.Symbol]quote.Quote, len(symbols))
	for _, sym := range symbols {
		if price, ok := f.prices[sym]; ok {
			out[sym] = quote.Quote{Symbol: sym, Price: price, Volume: 0}
		}
	}
	return out, nil
}

func (f *stubFetcher) setPrice(sym quote.Symbol, price float64) {
	f.mu.Lock()
	f.prices[sym] = price
	f.mu.Unlock()
}

func (f *stubFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *stubFetcher) lastCall() []quote.Symbol {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// stallingFetcher answers from stubFetcher until stalled, then blocks until the caller's deadline.
type stallingFetcher struct {
	*stubFetcher
	stalled atomic.Bool
}

func newStallingFetcher(prices map[quote.Symbol]float64) *stallingFetcher {
	return &stallingFetcher{stubFetcher: newStubFetcher(prices), stalled: atomic.Bool{}}
}

func (f *stallingFetcher) FetchBatch(ctx context.Context, symbols []quote.Symbol) (map[quote.Symbol]quote.Quote, error) {
	if f.stalled.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.stubFetcher.FetchBatch(ctx, symbols)
}

const stallTimeout = 50 * time.Millisecond

func newStallTestEngine(fetcher Fetcher, pusher Pusher, logger *log.Logger) *Engine {
	return NewEngine(Config{FetchTimeout: stallTimeout, BroadcastInterval: 0, MaxPushWorkers: 2, Meter: nil}, fetcher, pusher, logger)
}

type recordingPusher struct {
	mu       sync.Mutex
	messages map[string][]string
	err      error
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{mu: sync.Mutex{}, messages: make(map[string][]string), err: nil}
}

func (p *recordingPusher) Push(id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages[id] = append(p.messages[id], string(payload))
	return nil
}

func (p *recordingPusher) all(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages[id]...)
}

func (p *recordingPusher) last(t *testing.T, id string) []quote.PricePoint {
	t.Helper()
	msgs := p.all(id)
	if len(msgs) == 0 {
		t.Fatalf("expected at least one message for %s", id)
	}
	var points []quote.PricePoint
	if err := json.Unmarshal([]byte(msgs[len(msgs)-1]), &points); err != nil {
		t.Fatalf("decode payload %q: %v", msgs[len(msgs)-1], err)
	}
	return points
}

func (p *recordingPusher) reset() {
	p.mu.Lock()
	p.messages = make(map[string][]string)
	p.mu.Unlock()
}

var errUpstreamDown = errs.New("test/upstream", errs.CodeUpstream, errs.WithMessage("upstream down"))

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEngine(fetcher Fetcher, pusher Pusher) *Engine {
	return NewEngine(Config{FetchTimeout: 0, BroadcastInterval: 0, MaxPushWorkers: 4, Meter: nil}, fetcher, pusher, discardLogger())
}

type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

// assertRefcountInvariant checks that every cache refcount equals the number of connections holding the symbol
// and that no unreferenced entries linger.
func assertRefcountInvariant(t fatalHelper, engine *Engine) {
	t.Helper()
	holders := make(map[quote.Symbol]int)
	for _, conn := range engine.Registry().Snapshot() {
		for sym := range conn.Symbols {
			holders[sym]++
		}
	}
	for _, entry := range engine.Cache().Snapshot() {
		if entry.Refs < 0 {
			t.Fatalf("negative refcount for %s: %d", entry.Symbol, entry.Refs)
		}
		if entry.Refs != holders[entry.Symbol] {
			t.Fatalf("refcount for %s = %d, want %d holders", entry.Symbol, entry.Refs, holders[entry.Symbol])
		}
	}
	for sym, count := range holders {
		if got := engine.Cache().RefCount(sym); got != count {
			t.Fatalf("refcount for held symbol %s = %d, want %d", sym, got, count)
		}
	}
}

func symbolsOf(points []quote.PricePoint) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = string(p.Symbol)
	}
	sort.Strings(out)
	return out
}

func isUpstreamDown(err error) bool {
	return errors.Is(err, errUpstreamDown)
}
