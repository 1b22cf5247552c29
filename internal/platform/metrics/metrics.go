// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	// DataRequestsTotal counts intake results by outcome
	// (created, rejected, failed).
	DataRequestsTotal *prometheus.CounterVec

	// SyncCyclesTotal counts engine cycles by status (ok, error).
	SyncCyclesTotal *prometheus.CounterVec

	// SyncRecordsTotal counts processed clinical records by linkage outcome.
	SyncRecordsTotal *prometheus.CounterVec

	// SyncCycleDuration observes how long a full cycle takes.
	SyncCycleDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// New returns the process-wide metrics instance, creating and registering the
// collectors on first use.
func New() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		DataRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_data_requests_total",
			Help: "Total number of data request submissions by outcome",
		}, []string{"outcome"}),

		SyncCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sync_cycles_total",
			Help: "Total number of sync cycles by status",
		}, []string{"status"}),

		SyncRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sync_records_total",
			Help: "Total number of relinked clinical records by outcome",
		}, []string{"outcome"}),

		SyncCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registerOrGet(m.DataRequestsTotal)
	registerOrGet(m.SyncCyclesTotal)
	registerOrGet(m.SyncRecordsTotal)
	registerOrGet(m.SyncCycleDuration)

	globalMetrics = m
	return m
}

// registerOrGet tries to register a collector, keeping the existing one when
// it is already registered.
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
