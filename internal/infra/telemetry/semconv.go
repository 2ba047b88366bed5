// Package telemetry provides OpenTelemetry initialisation and semantic conventions for the relay.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for relay telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSymbol captures the ticker symbol (e.g. AAPL).
	AttrSymbol = attribute.Key("symbol")
	// AttrPath distinguishes the inbound request path from the periodic broadcast path.
	AttrPath = attribute.Key("relay.path")
	// AttrResult records the outcome of an operation (success, error).
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels connection lifecycle signals (opened, closed).
	AttrConnectionState = attribute.Key("connection.state")
)

// FetchAttributes returns attributes for upstream fetch and push metrics.
func FetchAttributes(environment, path, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPath.String(path),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection lifecycle metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}
