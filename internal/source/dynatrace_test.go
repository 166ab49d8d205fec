package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devflow-metrics/devflow/internal/models"
)

func newTestDynatrace(t *testing.T, baseURL string) Source {
	t.Helper()
	src, err := NewDynatrace("dt-test", map[string]string{
		"url": baseURL, "token": "dt0c01.secret",
	})
	if err != nil {
		t.Fatalf("NewDynatrace: %v", err)
	}
	return src
}

func TestDynatrace_Connect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/version" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Api-Token dt0c01.secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"version": "1.280.0"}`))
	}))
	defer ts.Close()

	if err := newTestDynatrace(t, ts.URL).Connect(context.Background()); err != nil {
		t.Errorf("Connect: %v", err)
	}
}

func TestDynatrace_ListIncidents(t *testing.T) {
	w := testWindow()
	openStart := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	resolvedStart := time.Date(2025, 11, 4, 8, 0, 0, 0, time.UTC)
	resolvedEnd := resolvedStart.Add(90 * time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/problems", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") == "" || r.URL.Query().Get("to") == "" {
			t.Error("problems query missing from/to")
		}
		fmt.Fprintf(rw, `{"problems": [
			{"problemId": "P-1", "title": "cart latency", "startTime": %d, "endTime": -1,
			 "impactLevel": "SERVICE",
			 "impactedEntities": [{"name": "cart"}, {"name": "checkout"}]},
			{"problemId": "P-2", "title": "node pressure", "startTime": %d, "endTime": %d,
			 "impactLevel": "TOPOLOGY",
			 "impactedEntities": []}
		]}`, openStart.UnixMilli(), resolvedStart.UnixMilli(), resolvedEnd.UnixMilli())
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	incidents, ok := newTestDynatrace(t, ts.URL).ListIncidents(context.Background(), w)
	if !ok {
		t.Fatal("ListIncidents degraded")
	}
	if len(incidents) != 2 {
		t.Fatalf("got %d incidents, want 2", len(incidents))
	}

	open := incidents[0]
	if open.IncidentID != "P-1" {
		t.Errorf("incident id: got %q", open.IncidentID)
	}
	if open.ResolvedAt != nil {
		t.Error("endTime -1 should stay open")
	}
	if open.Severity != models.SeverityHigh {
		t.Errorf("SERVICE impact severity: got %q", open.Severity)
	}
	if len(open.AffectedServices) != 2 || open.AffectedServices[0] != "cart" {
		t.Errorf("affected services: got %v", open.AffectedServices)
	}

	closed := incidents[1]
	if closed.ResolvedAt == nil || !closed.ResolvedAt.Equal(resolvedEnd) {
		t.Errorf("resolved at: got %v, want %v", closed.ResolvedAt, resolvedEnd)
	}
	if closed.Severity != models.SeverityMedium {
		t.Errorf("unknown impact severity: got %q", closed.Severity)
	}
	if closed.Metadata[models.MetaOriginalSeverity] != "TOPOLOGY" {
		t.Errorf("original impact level: got %q", closed.Metadata[models.MetaOriginalSeverity])
	}
	rec, done := closed.RecoveryTime()
	if !done || rec != 90*time.Minute {
		t.Errorf("recovery time: got %v", rec)
	}
}

func TestDynatrace_ListChanges(t *testing.T) {
	w := testWindow()
	at := time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/events", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("eventTypes") != "CUSTOM_DEPLOYMENT" {
			t.Errorf("eventTypes: got %q", r.URL.Query().Get("eventTypes"))
		}
		fmt.Fprintf(rw, `{"events": [
			{"eventId": "E-9", "title": "deploy cart v2", "startTime": %d,
			 "entityId": {"name": "cart"}},
			{"eventId": "E-8", "title": "old deploy", "startTime": %d,
			 "entityId": {"name": "cart"}}
		]}`, at.UnixMilli(), time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	changes, ok := newTestDynatrace(t, ts.URL).ListChanges(context.Background(), w)
	if !ok {
		t.Fatal("ListChanges degraded")
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}

	ch := changes[0]
	if ch.ChangeID != "E-9" {
		t.Errorf("change id: got %q", ch.ChangeID)
	}
	if ch.Repository != "cart" {
		t.Errorf("repository: got %q", ch.Repository)
	}
	lead, merged := ch.LeadTime()
	if !merged || lead != 0 {
		t.Errorf("point-in-time event lead: got %v merged=%v", lead, merged)
	}
}

func TestDynatrace_NoDeploymentConcept(t *testing.T) {
	src := newTestDynatrace(t, "http://127.0.0.1:0")
	deps, ok := src.ListDeployments(context.Background(), testWindow())
	if !ok || len(deps) != 0 {
		t.Errorf("want (nil, true), got (%v, %v)", deps, ok)
	}
}

func TestDynatrace_DegradesOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	src := newTestDynatrace(t, ts.URL)
	if _, ok := src.ListIncidents(context.Background(), testWindow()); ok {
		t.Error("expected degraded incidents")
	}
	if _, ok := src.ListChanges(context.Background(), testWindow()); ok {
		t.Error("expected degraded changes")
	}
}
