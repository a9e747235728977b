package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersByLabel(t *testing.T) {
	r := New()
	r.CollectItems.WithLabelValues("x", "new").Add(3)
	r.CollectItems.WithLabelValues("x", "duplicate").Inc()
	r.CollectErrors.WithLabelValues("youtube", "QUOTA").Inc()

	if got := testutil.ToFloat64(r.CollectItems.WithLabelValues("x", "new")); got != 3 {
		t.Fatalf("new = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.CollectErrors.WithLabelValues("youtube", "QUOTA")); got != 1 {
		t.Fatalf("quota errors = %v, want 1", got)
	}
}

func TestGaugeAndLastRun(t *testing.T) {
	r := New()
	r.EnrichInflight.Inc()
	r.EnrichInflight.Inc()
	r.EnrichInflight.Dec()
	if got := testutil.ToFloat64(r.EnrichInflight); got != 1 {
		t.Fatalf("inflight = %v", got)
	}

	at := time.Unix(1_700_000_000, 0)
	r.MarkRun("collect", at)
	if got := testutil.ToFloat64(r.LastRun.WithLabelValues("collect")); got != float64(at.Unix()) {
		t.Fatalf("last run = %v", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.StorePending.Set(10)
	if got := testutil.ToFloat64(b.StorePending); got != 0 {
		t.Fatalf("registries share state: %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.EnrichRecords.WithLabelValues("succeeded").Add(2)
	ObserveSince(r.EnrichCallDuration, time.Now().Add(-time.Second))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`pulse_enrich_records_total{outcome="succeeded"} 2`,
		`pulse_enrich_call_duration_seconds_count 1`,
		"# TYPE pulse_store_pending gauge",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
