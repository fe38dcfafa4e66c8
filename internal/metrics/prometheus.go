package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scaledb"

// Metrics holds all Prometheus metrics for a scaledb process
type Metrics struct {
	// Dispatcher metrics
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestErrorsTotal *prometheus.CounterVec
	EntitiesTotal      *prometheus.CounterVec
	ShardCallsTotal    *prometheus.CounterVec
	BatchesDelivered   prometheus.Counter
	BatchesSuppressed  prometheus.Counter

	// Store metrics
	StoreKeys  prometheus.Gauge
	StoreBytes prometheus.Gauge

	// RPC metrics
	RPCRequestsTotal    *prometheus.CounterVec
	RPCRequestDuration  *prometheus.HistogramVec
	RPCRateLimitedTotal prometheus.Counter

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "requests_total",
			Help:        "Total number of logical requests by operation",
			ConstLabels: labels,
		}, []string{"operation"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "request_duration_seconds",
			Help:        "Histogram of logical request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		RequestErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "request_errors_total",
			Help:        "Total number of failed logical requests by operation",
			ConstLabels: labels,
		}, []string{"operation"}),
		EntitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "entities_total",
			Help:        "Total number of entities passed to the dispatcher by operation",
			ConstLabels: labels,
		}, []string{"operation"}),
		ShardCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "shard_calls_total",
			Help:        "Total number of per-shard backend calls by operation",
			ConstLabels: labels,
		}, []string{"operation"}),
		BatchesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "batches_delivered_total",
			Help:        "Total number of result batches handed to callers",
			ConstLabels: labels,
		}),
		BatchesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "batches_suppressed_total",
			Help:        "Total number of result batches dropped after a caller asked to stop",
			ConstLabels: labels,
		}),

		StoreKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "keys",
			Help:        "Number of keys held by the local store",
			ConstLabels: labels,
		}),
		StoreBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "bytes",
			Help:        "Bytes of keys and values held by the local store",
			ConstLabels: labels,
		}),

		RPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "requests_total",
			Help:        "Total number of shard RPCs served by method and status code",
			ConstLabels: labels,
		}, []string{"method", "code"}),
		RPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "request_duration_seconds",
			Help:        "Histogram of shard RPC durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		RPCRateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "rate_limited_total",
			Help:        "Total number of shard RPCs rejected by the rate limiter",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of known cluster members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of gossip events by type",
			ConstLabels: labels,
		}, []string{"type"}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated by the process",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of live goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordRequest records one logical dispatcher request
func (m *Metrics) RecordRequest(operation string, duration time.Duration, entities, shardCalls int, err error) {
	m.RequestsTotal.WithLabelValues(operation).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.EntitiesTotal.WithLabelValues(operation).Add(float64(entities))
	m.ShardCallsTotal.WithLabelValues(operation).Add(float64(shardCalls))
	if err != nil {
		m.RequestErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// RecordDelivery records whether a result batch reached the caller
func (m *Metrics) RecordDelivery(delivered bool) {
	if delivered {
		m.BatchesDelivered.Inc()
	} else {
		m.BatchesSuppressed.Inc()
	}
}

// UpdateStoreStats updates local store statistics
func (m *Metrics) UpdateStoreStats(keys int, bytes int64) {
	m.StoreKeys.Set(float64(keys))
	m.StoreBytes.Set(float64(bytes))
}

// RecordRPC records a served shard RPC
func (m *Metrics) RecordRPC(method, code string, duration time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRateLimited records an RPC rejected by the rate limiter
func (m *Metrics) RecordRateLimited() {
	m.RPCRateLimitedTotal.Inc()
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(members int) {
	m.GossipMembersTotal.Set(float64(members))
}

// RecordGossipMessage records a gossip event
func (m *Metrics) RecordGossipMessage(messageType string) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates process-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
