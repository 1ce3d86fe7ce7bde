// Package prometheus exports bankconnect metrics to Prometheus.
package prometheus

import (
	"strconv"
	"time"

	"bankconnect/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements metrics.Collector with Prometheus vectors.
type Collector struct {
	storeHits    *prometheus.CounterVec
	storeMisses  *prometheus.CounterVec
	storeSets    *prometheus.CounterVec
	storeDeletes *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	getLatency   *prometheus.HistogramVec
	setLatency   *prometheus.HistogramVec

	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	chainHits    *prometheus.CounterVec
	chainMisses  prometheus.Counter
	chainLatency *prometheus.HistogramVec

	aisCalls   *prometheus.CounterVec
	aisLatency *prometheus.HistogramVec

	consentOutcomes *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates the metric vectors under namespace. Call Register to expose them.
func NewCollector(namespace string) *Collector {
	storeBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~1.6s
	remoteBuckets := prometheus.ExponentialBuckets(0.005, 2, 12) // 5ms to ~10s

	return &Collector{
		storeHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_hits_total",
			Help:      "Total number of store reads that found a value, per layer",
		}, []string{"layer"}),
		storeMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_misses_total",
			Help:      "Total number of store reads that found nothing, per layer",
		}, []string{"layer"}),
		storeSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_sets_total",
			Help:      "Total number of store writes per layer",
		}, []string{"layer"}),
		storeDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_deletes_total",
			Help:      "Total number of store deletes per layer",
		}, []string{"layer"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of failed store operations per layer and operation",
		}, []string{"layer", "operation"}),
		getLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_get_duration_seconds",
			Help:      "Store get latency",
			Buckets:   storeBuckets,
		}, []string{"layer"}),
		setLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_set_duration_seconds",
			Help:      "Store set latency",
			Buckets:   storeBuckets,
		}, []string{"layer"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opens_total",
			Help:      "Total number of circuit breaker opens per layer",
		}, []string{"layer"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit breaker state per layer (0=closed, 1=open, 2=half-open)",
		}, []string{"layer"}),
		chainHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_hits_total",
			Help:      "Total number of chain reads answered, per layer index",
		}, []string{"layer_index"}),
		chainMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_misses_total",
			Help:      "Total number of chain reads no layer could answer",
		}),
		chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_get_duration_seconds",
			Help:      "Chain get total latency",
			Buckets:   storeBuckets,
		}, []string{"hit"}),
		aisCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ais_calls_total",
			Help:      "Total number of aggregator API calls per operation and outcome",
		}, []string{"operation", "outcome"}),
		aisLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ais_call_duration_seconds",
			Help:      "Aggregator API call latency",
			Buckets:   remoteBuckets,
		}, []string{"operation"}),
		consentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consent_outcomes_total",
			Help:      "Total number of consent redirects per kind and outcome",
		}, []string{"kind", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests per route and status code",
		}, []string{"route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   remoteBuckets,
		}, []string{"route"}),
	}
}

// Register registers all metrics with registerer.
func (c *Collector) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.storeHits,
		c.storeMisses,
		c.storeSets,
		c.storeDeletes,
		c.storeErrors,
		c.getLatency,
		c.setLatency,
		c.circuitOpens,
		c.circuitState,
		c.chainHits,
		c.chainMisses,
		c.chainLatency,
		c.aisCalls,
		c.aisLatency,
		c.consentOutcomes,
		c.httpRequests,
		c.httpLatency,
	}

	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// RecordGet records a store get operation.
func (c *Collector) RecordGet(layer string, hit bool, duration time.Duration) {
	if hit {
		c.storeHits.WithLabelValues(layer).Inc()
	} else {
		c.storeMisses.WithLabelValues(layer).Inc()
	}
	c.getLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordSet records a store set operation.
func (c *Collector) RecordSet(layer string, success bool, duration time.Duration) {
	c.storeSets.WithLabelValues(layer).Inc()
	if !success {
		c.storeErrors.WithLabelValues(layer, "set").Inc()
	}
	c.setLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

// RecordDelete records a store delete operation.
func (c *Collector) RecordDelete(layer string, success bool, duration time.Duration) {
	c.storeDeletes.WithLabelValues(layer).Inc()
	if !success {
		c.storeErrors.WithLabelValues(layer, "delete").Inc()
	}
}

// RecordCircuitState records the current circuit breaker state.
func (c *Collector) RecordCircuitState(layer string, state metrics.CircuitState) {
	c.circuitState.WithLabelValues(layer).Set(float64(state))
	if state == metrics.CircuitOpen {
		c.circuitOpens.WithLabelValues(layer).Inc()
	}
}

// RecordChainGet records a chain-level get operation.
func (c *Collector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	c.chainLatency.WithLabelValues(strconv.FormatBool(hit)).Observe(totalDuration.Seconds())
	if !hit {
		c.chainMisses.Inc()
		return
	}
	c.chainHits.WithLabelValues(strconv.Itoa(layerIndex)).Inc()
}

// RecordAISCall records an aggregator API call.
func (c *Collector) RecordAISCall(operation string, outcome string, duration time.Duration) {
	c.aisCalls.WithLabelValues(operation, outcome).Inc()
	c.aisLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConsentOutcome records a consent redirect outcome.
func (c *Collector) RecordConsentOutcome(kind string, outcome string) {
	c.consentOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordHTTPRequest records an inbound API request.
func (c *Collector) RecordHTTPRequest(route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

var _ metrics.Collector = (*Collector)(nil)
