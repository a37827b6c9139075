package metrics

import "time"

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// RequestProcessed is a no-op.
func (n *NoopCollector) RequestProcessed(protocolState string) {}

// RequestMalformed is a no-op.
func (n *NoopCollector) RequestMalformed(reason string) {}

// DecisionMade is a no-op.
func (n *NoopCollector) DecisionMade(action string, isError bool) {}

// SPFCheckCompleted is a no-op.
func (n *NoopCollector) SPFCheckCompleted(scope string, result string) {}

// SPFCheckDuration is a no-op.
func (n *NoopCollector) SPFCheckDuration(scope string, d time.Duration) {}

// BypassHit is a no-op.
func (n *NoopCollector) BypassHit(kind string) {}

// PrependClaimed is a no-op.
func (n *NoopCollector) PrependClaimed(won bool) {}

// CacheError is a no-op.
func (n *NoopCollector) CacheError(op string) {}
