// Package metrics defines the collector every bankconnect component reports to.
// Implementations live in the memory (tests) and prometheus subpackages.
package metrics

import (
	"time"
)

// Collector records store, aggregator and consent metrics.
type Collector interface {
	// Store layer operations
	RecordGet(layer string, hit bool, duration time.Duration)
	RecordSet(layer string, success bool, duration time.Duration)
	RecordDelete(layer string, success bool, duration time.Duration)

	// Circuit breaker in front of a remote layer
	RecordCircuitState(layer string, state CircuitState)

	// Chain-level read; layerIndex is the layer that answered
	RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration)

	// Aggregator API calls; outcome is "ok", "consent_required" or an error class
	RecordAISCall(operation string, outcome string, duration time.Duration)

	// Consent redirect outcomes; kind is "ais" or "pis"
	RecordConsentOutcome(kind string, outcome string)

	// Inbound HTTP requests served by the API
	RecordHTTPRequest(route string, status int, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the layer has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default when metrics are off.
type NoOpCollector struct{}

// RecordGet does nothing.
func (NoOpCollector) RecordGet(layer string, hit bool, duration time.Duration) {}

// RecordSet does nothing.
func (NoOpCollector) RecordSet(layer string, success bool, duration time.Duration) {}

// RecordDelete does nothing.
func (NoOpCollector) RecordDelete(layer string, success bool, duration time.Duration) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(layer string, state CircuitState) {}

// RecordChainGet does nothing.
func (NoOpCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {}

// RecordAISCall does nothing.
func (NoOpCollector) RecordAISCall(operation string, outcome string, duration time.Duration) {}

// RecordConsentOutcome does nothing.
func (NoOpCollector) RecordConsentOutcome(kind string, outcome string) {}

// RecordHTTPRequest does nothing.
func (NoOpCollector) RecordHTTPRequest(route string, status int, duration time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}

var _ Collector = NoOpCollector{}
