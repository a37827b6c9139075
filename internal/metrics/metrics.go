// Package metrics provides interfaces and implementations for collecting
// policy daemon metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import (
	"context"
	"time"
)

// Collector defines the interface for recording policy daemon metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()

	// Protocol metrics
	RequestProcessed(protocolState string)
	RequestMalformed(reason string)

	// Decision metrics
	// action is one of "dunno", "prepend", "reject", "defer" or "result_only".
	DecisionMade(action string, isError bool)

	// SPF metrics (scope is "helo" or "mailfrom")
	SPFCheckCompleted(scope string, result string)
	SPFCheckDuration(scope string, d time.Duration)
	BypassHit(kind string)

	// Transaction cache metrics
	PrependClaimed(won bool)
	CacheError(op string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
