// Package relay implements the subscription reference counting and broadcast engine of the price relay.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/domain/quote"
)

const (
	defaultFetchTimeout      = 3 * time.Second
	defaultBroadcastInterval = 5 * time.Second
)

// Fetcher resolves current prices for a non-empty batch of symbols.
// Symbols missing from the result simply had no fresh data.
type Fetcher interface {
	FetchBatch(ctx context.Context, symbols []quote.Symbol) (map[quote.Symbol]quote.Quote, error)
}

// Pusher delivers an encoded payload to a single connection.
type Pusher interface {
	Push(id string, payload []byte) error
}

// Config tunes engine timing. A nil Meter falls back to the global meter provider.
type Config struct {
	FetchTimeout      time.Duration
	BroadcastInterval time.Duration
	MaxPushWorkers    int
	Meter             metric.Meter
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = defaultBroadcastInterval
	}
	if c.MaxPushWorkers <= 0 {
		c.MaxPushWorkers = 8
	}
	return c
}

// Engine owns the shared cache and registry and serves transport callbacks.
type Engine struct {
	cfg        Config
	cache      *PriceCache
	registry   *Registry
	reconciler *Reconciler
	fetcher    Fetcher
	pusher     Pusher
	logger     *log.Logger
	metrics    *metrics
}

// NewEngine wires an engine around fresh shared tables.
func NewEngine(cfg Config, fetcher Fetcher, pusher Pusher, logger *log.Logger) *Engine {
	return NewEngineWithTables(cfg, NewPriceCache(), NewRegistry(), fetcher, pusher, logger)
}

// NewEngineWithTables wires an engine around caller-provided shared tables.
func NewEngineWithTables(cfg Config, cache *PriceCache, registry *Registry, fetcher Fetcher, pusher Pusher, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	m := newMetrics(cfg.Meter, cache, registry)
	reconciler := NewReconciler(cache, logger)
	reconciler.metrics = m
	return &Engine{
		cfg:        cfg.withDefaults(),
		cache:      cache,
		registry:   registry,
		reconciler: reconciler,
		fetcher:    fetcher,
		pusher:     pusher,
		logger:     logger,
		metrics:    m,
	}
}

// Cache exposes the shared price cache.
func (e *Engine) Cache() *PriceCache { return e.cache }

// Registry exposes the shared connection registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Open registers a freshly accepted connection.
func (e *Engine) Open(id string) {
	if !e.registry.Open(id) {
		e.logger.Printf("relay: open: connection %s already registered", id)
	}
}

// HandleMessage answers a subscription message from id and then records the new subscription set.
// The reply is built from cached prices plus one fetch for the misses; misses that cannot be fetched
// are left out of the reply.
func (e *Engine) HandleMessage(ctx context.Context, id string, payload string) Delta {
	symbols := quote.ParseSymbols(payload)
	points := e.resolve(ctx, symbols)
	if err := e.push(ctx, fetchPathInbound, id, points); err != nil {
		e.logger.Printf("relay: reply to %s: %v", id, err)
	}

	next := quote.NewSymbolSet(symbols...)
	previous, ok := e.registry.ReplaceSymbols(id, next)
	if !ok {
		e.logger.Printf("relay: message from unregistered connection %s ignored", id)
		e.cache.Prune(symbols...)
		return Delta{Added: nil, Removed: nil, Underflows: 0}
	}
	return e.reconciler.Reconcile(previous, next)
}

// Close unregisters id and releases its subscriptions. Repeated calls are no-ops.
func (e *Engine) Close(id string) bool {
	previous, ok := e.registry.Close(id)
	if !ok {
		return false
	}
	e.reconciler.Reconcile(previous, quote.SymbolSet{})
	return true
}

// Disconnect is the abrupt-termination counterpart of Close and shares its idempotent path.
func (e *Engine) Disconnect(id string) bool {
	return e.Close(id)
}

func (e *Engine) resolve(ctx context.Context, symbols []quote.Symbol) []quote.PricePoint {
	prices := make(map[quote.Symbol]float64, len(symbols))
	var misses []quote.Symbol
	for _, sym := range symbols {
		if price, ok := e.cache.Lookup(sym); ok {
			prices[sym] = price
			continue
		}
		misses = append(misses, sym)
	}

	if len(misses) > 0 {
		quotes, err := e.fetch(ctx, fetchPathInbound, misses)
		if err == nil {
			for sym, q := range quotes {
				e.cache.UpsertPrice(sym, q.Price)
				prices[sym] = q.Price
			}
		}
	}

	points := make([]quote.PricePoint, 0, len(symbols))
	for _, sym := range symbols {
		if price, ok := prices[sym]; ok {
			points = append(points, quote.PricePoint{Symbol: sym, Price: price})
		}
	}
	return points
}

func (e *Engine) lookupAll(symbols []quote.Symbol) []quote.PricePoint {
	points := make([]quote.PricePoint, 0, len(symbols))
	for _, sym := range symbols {
		if price, ok := e.cache.Lookup(sym); ok {
			points = append(points, quote.PricePoint{Symbol: sym, Price: price})
		}
	}
	return points
}

// fetch calls the upstream with a bounded timeout and keeps only requested symbols.
func (e *Engine) fetch(ctx context.Context, path string, symbols []quote.Symbol) (map[quote.Symbol]quote.Quote, error) {
	if e.fetcher == nil {
		return nil, errs.New("relay", errs.CodeUnavailable, errs.WithMessage("no fetcher configured"))
	}
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	quotes, err := e.fetcher.FetchBatch(fetchCtx, symbols)
	if err == nil && fetchCtx.Err() != nil {
		err = fetchCtx.Err()
	}
	e.metrics.recordFetch(ctx, path, float64(time.Since(start).Microseconds())/1000, err)
	if err != nil {
		e.logger.Printf("relay: upstream fetch failed (%s, %s): %v", path, quote.JoinSymbols(symbols), err)
		return nil, fmt.Errorf("fetch batch: %w", err)
	}

	requested := quote.NewSymbolSet(symbols...)
	out := make(map[quote.Symbol]quote.Quote, len(quotes))
	for sym, q := range quotes {
		if !requested.Contains(sym) {
			continue
		}
		out[sym] = q
	}
	return out, nil
}

func (e *Engine) push(ctx context.Context, path string, id string, points []quote.PricePoint) error {
	payload, err := EncodeSnapshot(points)
	if err != nil {
		e.metrics.recordEncodingFailure(ctx)
		e.logger.Printf("relay: %v", err)
		payload = emptySnapshot
	}
	if e.pusher == nil {
		return errs.New("relay", errs.CodeUnavailable, errs.WithMessage("no transport attached"))
	}
	err = e.pusher.Push(id, payload)
	e.metrics.recordPush(ctx, path, err)
	if err != nil {
		return fmt.Errorf("push to %s: %w", id, err)
	}
	return nil
}
