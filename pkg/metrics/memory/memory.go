// Package memory provides an in-process metrics.Collector for tests.
package memory

import (
	"sync"
	"time"

	"bankconnect/pkg/metrics"
)

// Collector keeps every recorded metric in memory.
type Collector struct {
	mu sync.RWMutex

	layerMetrics map[string]*LayerMetrics

	chainHits        int64
	chainMisses      int64
	chainHitsByLayer map[int]int64

	aisCalls        map[string]map[string]int64 // operation -> outcome -> count
	consentOutcomes map[string]map[string]int64 // kind -> outcome -> count
	httpRequests    map[string]map[int]int64    // route -> status -> count
}

// LayerMetrics holds metrics for a single store layer.
type LayerMetrics struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64

	CircuitState metrics.CircuitState
	CircuitOpens int64

	GetLatencies []time.Duration
	SetLatencies []time.Duration
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.layerMetrics = make(map[string]*LayerMetrics)
	c.chainHits = 0
	c.chainMisses = 0
	c.chainHitsByLayer = make(map[int]int64)
	c.aisCalls = make(map[string]map[string]int64)
	c.consentOutcomes = make(map[string]map[string]int64)
	c.httpRequests = make(map[string]map[int]int64)
}

// layer must be called with mu held.
func (c *Collector) layer(name string) *LayerMetrics {
	lm, ok := c.layerMetrics[name]
	if !ok {
		lm = &LayerMetrics{}
		c.layerMetrics[name] = lm
	}
	return lm
}

// RecordGet records a store get operation.
func (c *Collector) RecordGet(layer string, hit bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lm := c.layer(layer)
	if hit {
		lm.Hits++
	} else {
		lm.Misses++
	}
	lm.GetLatencies = append(lm.GetLatencies, duration)
}

// RecordSet records a store set operation.
func (c *Collector) RecordSet(layer string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lm := c.layer(layer)
	lm.Sets++
	if !success {
		lm.Errors++
	}
	lm.SetLatencies = append(lm.SetLatencies, duration)
}

// RecordDelete records a store delete operation.
func (c *Collector) RecordDelete(layer string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lm := c.layer(layer)
	lm.Deletes++
	if !success {
		lm.Errors++
	}
}

// RecordCircuitState records the breaker state and counts transitions to open.
func (c *Collector) RecordCircuitState(layer string, state metrics.CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lm := c.layer(layer)
	if lm.CircuitState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		lm.CircuitOpens++
	}
	lm.CircuitState = state
}

// RecordChainGet records a chain-level get operation.
func (c *Collector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hit {
		c.chainHits++
		c.chainHitsByLayer[layerIndex]++
	} else {
		c.chainMisses++
	}
}

// RecordAISCall records an aggregator API call.
func (c *Collector) RecordAISCall(operation string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aisCalls[operation] == nil {
		c.aisCalls[operation] = make(map[string]int64)
	}
	c.aisCalls[operation][outcome]++
}

// RecordConsentOutcome records a resolved or failed consent redirect.
func (c *Collector) RecordConsentOutcome(kind string, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consentOutcomes[kind] == nil {
		c.consentOutcomes[kind] = make(map[string]int64)
	}
	c.consentOutcomes[kind][outcome]++
}

// RecordHTTPRequest records an inbound API request.
func (c *Collector) RecordHTTPRequest(route string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpRequests[route] == nil {
		c.httpRequests[route] = make(map[int]int64)
	}
	c.httpRequests[route][status]++
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	LayerMetrics     map[string]LayerMetrics
	ChainHits        int64
	ChainMisses      int64
	ChainHitsByLayer map[int]int64
}

// Snapshot returns a copy of the store metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		LayerMetrics:     make(map[string]LayerMetrics, len(c.layerMetrics)),
		ChainHits:        c.chainHits,
		ChainMisses:      c.chainMisses,
		ChainHitsByLayer: make(map[int]int64, len(c.chainHitsByLayer)),
	}
	for name, lm := range c.layerMetrics {
		s.LayerMetrics[name] = *lm
	}
	for idx, hits := range c.chainHitsByLayer {
		s.ChainHitsByLayer[idx] = hits
	}
	return s
}

// Layer returns a copy of the metrics of one layer, or nil.
func (c *Collector) Layer(name string) *LayerMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if lm, ok := c.layerMetrics[name]; ok {
		cp := *lm
		return &cp
	}
	return nil
}

// AISCalls returns how many calls of operation ended with outcome.
func (c *Collector) AISCalls(operation, outcome string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aisCalls[operation][outcome]
}

// ConsentOutcomes returns how many consent redirects of kind ended with outcome.
func (c *Collector) ConsentOutcomes(kind, outcome string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consentOutcomes[kind][outcome]
}

// HTTPRequests returns how many requests to route answered with status.
func (c *Collector) HTTPRequests(route string, status int) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpRequests[route][status]
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

var _ metrics.Collector = (*Collector)(nil)
