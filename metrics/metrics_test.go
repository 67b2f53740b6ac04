package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Registered(true)
	m.Removed("expired")
	m.StatusChanged("READY", "DEGRADED")
	m.Heartbeat("ok")
	m.Published()
	m.DeliveryAttempt("failed")
	m.RetryScheduled()
	m.DeadLettered()
	m.SubscriptionsChanged(1)
	m.ObserveRequest(0.1)
	if m.Registerer() != nil {
		t.Error("nil metrics should have no registerer")
	}
}

func TestStatusChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StatusChanged("", "REGISTERED")
	m.StatusChanged("REGISTERED", "READY")
	m.StatusChanged("", "REGISTERED")

	if got := testutil.ToFloat64(m.components.WithLabelValues("READY")); got != 1 {
		t.Errorf("READY = %v", got)
	}
	if got := testutil.ToFloat64(m.components.WithLabelValues("REGISTERED")); got != 1 {
		t.Errorf("REGISTERED = %v", got)
	}
	if got := testutil.ToFloat64(m.statusTransitions.WithLabelValues("REGISTERED", "READY")); got != 1 {
		t.Errorf("transitions = %v", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New(nil)
	m.Published()
	m.DeadLettered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"hermes_router_published_total 1", "hermes_router_dead_letters_total 1"} {
		if !strings.Contains(body, name) {
			t.Errorf("missing %q in exposition", name)
		}
	}
}
