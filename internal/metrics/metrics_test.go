package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/kalambet/listforge/internal/goal"
	"github.com/kalambet/listforge/internal/schema"
)

func find(t *testing.T, m *Metrics, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return metric
		}
	}
	return nil
}

func TestObserveDetection(t *testing.T) {
	m := New()
	m.ObserveDetection(schema.OutcomeDetected, 20*time.Millisecond)
	m.ObserveDetection(schema.OutcomeDetected, 30*time.Millisecond)
	m.ObserveDetection(schema.OutcomeFailed, time.Millisecond)

	c := find(t, m, "listforge_schema_detections_total", map[string]string{"outcome": "detected"})
	if c == nil || c.GetCounter().GetValue() != 2 {
		t.Errorf("detected counter = %v, want 2", c)
	}
	h := find(t, m, "listforge_schema_detection_duration_seconds", nil)
	if h == nil || h.GetHistogram().GetSampleCount() != 3 {
		t.Errorf("detection histogram = %v, want 3 samples", h)
	}
}

func TestObserveGoal_SkippedHasNoDuration(t *testing.T) {
	m := New()
	m.ObserveGoal(goal.TypeIdentifyProduct, goal.StatusCompleted, time.Second)
	m.ObserveGoal(goal.TypeAssembleListing, goal.StatusSkipped, 0)

	c := find(t, m, "listforge_goals_total", map[string]string{"type": string(goal.TypeAssembleListing), "status": "skipped"})
	if c == nil || c.GetCounter().GetValue() != 1 {
		t.Errorf("skipped counter = %v, want 1", c)
	}
	if h := find(t, m, "listforge_goal_duration_seconds", map[string]string{"type": string(goal.TypeAssembleListing)}); h != nil {
		t.Errorf("skipped goal recorded a duration: %v", h)
	}
	h := find(t, m, "listforge_goal_duration_seconds", map[string]string{"type": string(goal.TypeIdentifyProduct)})
	if h == nil || h.GetHistogram().GetSampleSum() != 1 {
		t.Errorf("identify duration = %v, want 1s", h)
	}
}

func TestSetJobCounts_Resets(t *testing.T) {
	m := New()
	m.SetJobCounts(map[string]int{"pending": 3, "failed": 1})
	m.SetJobCounts(map[string]int{"pending": 1})

	if g := find(t, m, "listforge_jobs", map[string]string{"status": "pending"}); g == nil || g.GetGauge().GetValue() != 1 {
		t.Errorf("pending gauge = %v, want 1", g)
	}
	if g := find(t, m, "listforge_jobs", map[string]string{"status": "failed"}); g != nil {
		t.Errorf("failed gauge = %v, want removed", g)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/"+id, nil))
	}

	c := find(t, m, "listforge_http_requests_total", map[string]string{"path": "/runs/{id}", "code": "404", "method": "GET"})
	if c == nil || c.GetCounter().GetValue() != 2 {
		t.Errorf("route counter = %v, want 2", c)
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.ObserveRun("completed", 3*time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `listforge_research_runs_total{status="completed"} 1`) {
		t.Errorf("exposition missing run counter:\n%s", body)
	}
}
