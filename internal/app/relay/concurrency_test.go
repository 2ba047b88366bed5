package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bulios/stocks/internal/domain/quote"
)

func TestRefcountsHoldUnderConcurrentHandlersAndTicks(t *testing.T) {
	ctx := context.Background()
	universe := []quote.Symbol{"AAPL", "MSFT", "TSLA", "GOOG", "AMZN", "NVDA"}
	prices := make(map[quote.Symbol]float64, len(universe))
	for i, sym := range universe {
		prices[sym] = float64(100 + i)
	}
	fetcher := newStubFetcher(prices)
	engine := newTestEngine(fetcher, newRecordingPusher())
	broadcaster := NewBroadcaster(engine)

	const (
		connections = 24
		messages    = 25
	)

	stop := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for n := 0; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			// Alternate healthy and failing upstream so both refresh paths race the handlers.
			if n%2 == 0 {
				fetcher.fail(errUpstreamDown)
			} else {
				fetcher.fail(nil)
			}
			broadcaster.Tick(ctx)
		}
	}()

	var wg sync.WaitGroup
	var keptOpen []string
	for i := 0; i < connections; i++ {
		id := fmt.Sprintf("conn-%02d", i)
		if i%3 == 2 {
			keptOpen = append(keptOpen, id)
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			engine.Open(id)
			for j := 0; j < messages; j++ {
				var picked []quote.Symbol
				for k, sym := range universe {
					if (i+j+k)%3 != 0 {
						picked = append(picked, sym)
					}
				}
				if j%7 == 6 {
					picked = nil
				}
				engine.HandleMessage(ctx, id, quote.JoinSymbols(picked))
			}
			switch i % 3 {
			case 0:
				engine.Close(id)
			case 1:
				engine.Disconnect(id)
				engine.Close(id)
			}
		}(i, id)
	}
	wg.Wait()
	close(stop)
	<-tickerDone

	assertRefcountInvariant(t, engine)
	require.Equal(t, len(keptOpen), engine.Registry().Len())

	for _, id := range keptOpen {
		require.True(t, engine.Close(id))
	}
	assertRefcountInvariant(t, engine)
	require.Zero(t, engine.Registry().Len())
	require.Zero(t, engine.Cache().Len(), "every entry is evicted once the last subscriber leaves")
	require.Empty(t, engine.Cache().ActiveSymbols())
}
