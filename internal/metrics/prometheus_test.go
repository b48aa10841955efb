package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Liquidations.Inc()
	prom.Metrics.Liquidations.Inc()
	prom.Metrics.BadDebtEvents.Inc()
	prom.Metrics.EmergencyEntries.Inc()
	prom.Metrics.CommandsRejected.Inc()

	assertCounter(t, prom.counters["liquidations_total"], 2)
	assertCounter(t, prom.counters["bad_debt_events_total"], 1)
	assertCounter(t, prom.counters["emergency_entries_total"], 1)
	assertCounter(t, prom.counters["commands_rejected_total"], 1)
	assertCounter(t, prom.counters["exchanges_total"], 0)
}

func TestPrometheusHandler(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Transfers.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "creditvault_transfers_total 1") {
		t.Fatalf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
