package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Allocations.WithLabelValues("S1", OutcomeGranted))
	Allocations.WithLabelValues("S1", OutcomeGranted).Inc()
	if got := testutil.ToFloat64(Allocations.WithLabelValues("S1", OutcomeGranted)); got != before+1 {
		t.Errorf("allocations = %v, want %v", got, before+1)
	}

	LeaseOperations.WithLabelValues("borrow").Add(2)
	if got := testutil.ToFloat64(LeaseOperations.WithLabelValues("borrow")); got < 2 {
		t.Errorf("lease operations = %v, want >= 2", got)
	}
}

func TestCollectorsLint(t *testing.T) {
	collectors := map[string]prometheus.Collector{
		"allocations":      Allocations,
		"releases":         Releases,
		"lease_operations": LeaseOperations,
		"events_appended":  EventsAppended,
		"lock_wait":        AllocationLockWait,
	}
	for name, c := range collectors {
		problems, err := testutil.CollectAndLint(c)
		if err != nil {
			t.Fatalf("%s: lint: %v", name, err)
		}
		for _, p := range problems {
			t.Errorf("%s: %s: %s", name, p.Metric, p.Text)
		}
	}
}
