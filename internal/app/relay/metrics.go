package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bulios/stocks/internal/domain/quote"
	"github.com/bulios/stocks/internal/infra/telemetry"
)

const (
	fetchPathInbound   = "inbound"
	fetchPathBroadcast = "broadcast"

	resultSuccess = "success"
	resultError   = "error"
)

type metrics struct {
	environment string

	fetches          metric.Int64Counter
	fetchDuration    metric.Float64Histogram
	pushes           metric.Int64Counter
	encodingFailures metric.Int64Counter
	underflows       metric.Int64Counter
	connections      metric.Int64ObservableGauge
	trackedSymbols   metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter, cache *PriceCache, registry *Registry) *metrics {
	if meter == nil {
		meter = otel.Meter("relay")
	}
	m := &metrics{
		environment:      telemetry.Environment(),
		fetches:          nil,
		fetchDuration:    nil,
		pushes:           nil,
		encodingFailures: nil,
		underflows:       nil,
		connections:      nil,
		trackedSymbols:   nil,
	}

	m.fetches, _ = meter.Int64Counter("relay_upstream_fetches",
		metric.WithDescription("Upstream quote batch requests issued by the relay"),
		metric.WithUnit("{request}"))

	m.fetchDuration, _ = meter.Float64Histogram(telemetry.MetricFetchDuration,
		metric.WithDescription("Upstream quote batch latency"),
		metric.WithUnit("ms"))

	m.pushes, _ = meter.Int64Counter("relay_snapshots_pushed",
		metric.WithDescription("Price snapshots handed to the transport"),
		metric.WithUnit("{message}"))

	m.encodingFailures, _ = meter.Int64Counter("relay_encoding_failures",
		metric.WithDescription("Snapshots replaced by an empty payload after an encoding failure"),
		metric.WithUnit("{message}"))

	m.underflows, _ = meter.Int64Counter("relay_refcount_underflows",
		metric.WithDescription("Reference count decrements rejected as inconsistent"),
		metric.WithUnit("{event}"))

	m.connections, _ = meter.Int64ObservableGauge("relay_open_connections",
		metric.WithDescription("Connections currently registered with the relay"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(registry.Len()), metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
			return nil
		}))

	m.trackedSymbols, _ = meter.Int64ObservableGauge("relay_tracked_symbols",
		metric.WithDescription("Symbols with at least one subscriber"),
		metric.WithUnit("{symbol}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(len(cache.ActiveSymbols())), metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
			return nil
		}))

	return m
}

func (m *metrics) recordFetch(ctx context.Context, path string, durationMs float64, err error) {
	if m == nil || m.fetches == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	attrs := telemetry.FetchAttributes(m.environment, path, result)
	m.fetches.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.fetchDuration != nil {
		m.fetchDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
	}
}

func (m *metrics) recordPush(ctx context.Context, path string, err error) {
	if m == nil || m.pushes == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	m.pushes.Add(ctx, 1, metric.WithAttributes(telemetry.FetchAttributes(m.environment, path, result)...))
}

func (m *metrics) recordEncodingFailure(ctx context.Context) {
	if m == nil || m.encodingFailures == nil {
		return
	}
	m.encodingFailures.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(m.environment)))
}

func (m *metrics) recordUnderflow(sym quote.Symbol) {
	if m == nil || m.underflows == nil {
		return
	}
	m.underflows.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(m.environment),
		telemetry.AttrSymbol.String(string(sym)),
	))
}
