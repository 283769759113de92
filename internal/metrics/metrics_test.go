package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	return string(body)
}

func TestMetrics_Recorders(t *testing.T) {
	m := New()
	m.QueryFinished(OutcomeAnswered, 85)
	m.QueryFinished(OutcomeAnswered, 40)
	m.QueryFinished(OutcomeSearchFailure, 0)
	m.StageFallback("validating")
	m.ObserveStage("retrieving", 20*time.Millisecond)
	m.IndexLoaded(time.Second)
	m.GenerationRetry()

	body := scrape(t, m)
	for _, want := range []string{
		`policydesk_queries_total{outcome="answered"} 2`,
		`policydesk_queries_total{outcome="search_failure"} 1`,
		`policydesk_stage_fallbacks_total{stage="validating"} 1`,
		`policydesk_stage_duration_seconds_count{stage="retrieving"} 1`,
		"policydesk_confidence_score_count 2",
		"policydesk_index_loaded 1",
		"policydesk_index_load_seconds_count 1",
		"policydesk_generation_retries_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	m.IndexUnloaded()
	if body := scrape(t, m); !strings.Contains(body, "policydesk_index_loaded 0") {
		t.Error("index_loaded should be 0 after unload")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.QueryFinished(OutcomeAnswered, 90)
	m.ObserveStage("generating", time.Second)
	m.StageFallback("generating")
	m.IndexLoaded(time.Second)
	m.IndexUnloaded()
	m.GenerationRetry()
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", w.Code)
	}
}
