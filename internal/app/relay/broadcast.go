package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/bulios/stocks/errs"
)

// TickReport describes the outcome of one broadcast cycle.
type TickReport struct {
	Symbols   int
	Refreshed int
	Pushed    int
	FetchErr  error
}

// Broadcaster periodically refreshes subscribed symbols and pushes snapshots to every subscribed connection.
type Broadcaster struct {
	engine   *Engine
	interval time.Duration
	workers  int
}

// NewBroadcaster builds the recurring broadcast task for engine.
func NewBroadcaster(engine *Engine) *Broadcaster {
	return &Broadcaster{
		engine:   engine,
		interval: engine.cfg.BroadcastInterval,
		workers:  engine.cfg.MaxPushWorkers,
	}
}

// Run ticks until ctx is cancelled. Ticks never overlap; a slow fetch is bounded by the fetch timeout.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logReport(b.Tick(ctx))
		}
	}
}

func (b *Broadcaster) logReport(report TickReport) {
	switch {
	case report.FetchErr == nil:
	case errs.IsUpstream(report.FetchErr):
		b.engine.logger.Printf("relay: tick served stale prices for %d symbols: %v", report.Symbols, report.FetchErr)
	default:
		b.engine.logger.Printf("relay: tick fetch failed unexpectedly, consistency check needed (%d symbols): %v",
			report.Symbols, report.FetchErr)
	}
}

// Tick performs one refresh-and-fan-out cycle.
func (b *Broadcaster) Tick(ctx context.Context) TickReport {
	report := TickReport{Symbols: 0, Refreshed: 0, Pushed: 0, FetchErr: nil}

	symbols := b.engine.cache.ActiveSymbols()
	report.Symbols = len(symbols)
	if len(symbols) > 0 {
		quotes, err := b.engine.fetch(ctx, fetchPathBroadcast, symbols)
		if err != nil {
			report.FetchErr = err
		} else {
			report.Refreshed = b.engine.cache.Refresh(quotes)
		}
	}

	conns := b.engine.registry.Snapshot()
	var pushed atomic.Int64
	p := pool.New().WithMaxGoroutines(b.workers)
	for _, conn := range conns {
		if len(conn.Symbols) == 0 {
			continue
		}
		conn := conn
		p.Go(func() {
			points := b.engine.lookupAll(conn.Symbols.Sorted())
			if err := b.engine.push(ctx, fetchPathBroadcast, conn.ID, points); err != nil {
				b.engine.logger.Printf("relay: broadcast: %v", err)
				return
			}
			pushed.Add(1)
		})
	}
	p.Wait()
	report.Pushed = int(pushed.Load())
	return report
}
