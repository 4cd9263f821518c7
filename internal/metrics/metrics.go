// Package metrics holds the Prometheus collectors shared by the allocation
// engine, the lease manager and the event log. They register with the
// default registry, which the API exposes at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Allocation outcomes.
const (
	OutcomeGranted      = "granted"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
)

var Allocations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labyard_allocations_total",
		Help: "Allocation attempts per site and outcome.",
	},
	[]string{"site", "outcome"},
)

var Releases = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labyard_releases_total",
		Help: "Jobs released per site.",
	},
	[]string{"site"},
)

var LeaseOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labyard_lease_operations_total",
		Help: "Lease operations: borrow, return, reclaim, warn, extend.",
	},
	[]string{"op"},
)

var EventsAppended = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "labyard_events_appended_total",
		Help: "Events appended to the event log, by type.",
	},
	[]string{"type"},
)

// AllocationLockWait measures how long an allocation waited for its site lock.
var AllocationLockWait = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "labyard_allocation_lock_seconds",
		Help:    "Time spent waiting for the per-site allocation lock.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	},
)
