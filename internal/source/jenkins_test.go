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

// newJenkinsServer serves a controller with one job whose builds come
// from the supplied JSON array.
func newJenkinsServer(t *testing.T, buildsJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/json", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"mode": "NORMAL", "jobs": [{"name": "deploy-app"}]}`))
	})
	mux.HandleFunc("/job/deploy-app/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"builds": %s}`, buildsJSON)
	})
	return httptest.NewServer(mux)
}

func newTestJenkins(t *testing.T, baseURL string) Source {
	t.Helper()
	src, err := NewJenkins("ci-test", map[string]string{
		"url": baseURL, "username": "ci", "token": "tok",
	})
	if err != nil {
		t.Fatalf("NewJenkins: %v", err)
	}
	return src
}

func TestNewJenkins_MissingSettings(t *testing.T) {
	cases := []map[string]string{
		{"username": "ci", "token": "tok"},
		{"url": "http://jenkins", "token": "tok"},
		{"url": "http://jenkins", "username": "ci"},
	}
	for _, settings := range cases {
		if _, err := NewJenkins("ci", settings); err == nil {
			t.Errorf("expected error for settings %v", settings)
		}
	}
}

func TestJenkins_Connect(t *testing.T) {
	ts := newJenkinsServer(t, `[]`)
	defer ts.Close()

	if err := newTestJenkins(t, ts.URL).Connect(context.Background()); err != nil {
		t.Errorf("Connect: %v", err)
	}

	bad, _ := NewJenkins("ci", map[string]string{
		"url": ts.URL, "username": "ci", "token": "wrong",
	})
	if err := bad.Connect(context.Background()); err == nil {
		t.Error("Connect with rejected credentials should fail")
	}
}

func TestJenkins_ListDeployments(t *testing.T) {
	w := testWindow()
	inWindow := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC).UnixMilli()
	alsoIn := time.Date(2025, 11, 4, 16, 0, 0, 0, time.UTC).UnixMilli()
	outside := time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC).UnixMilli()

	ts := newJenkinsServer(t, fmt.Sprintf(`[
		{"number": 12, "timestamp": %d, "result": "SUCCESS",
		 "changeSet": {"items": [{"commitId": "abc123", "timestamp": %d,
		   "msg": "tune pool size", "author": {"fullName": "Alice"}}]}},
		{"number": 11, "timestamp": %d, "result": "FAILURE", "changeSet": {"items": []}},
		{"number": 5, "timestamp": %d, "result": "SUCCESS", "changeSet": {"items": []}}
	]`, inWindow, inWindow-3600_000, alsoIn, outside))
	defer ts.Close()

	deps, ok := newTestJenkins(t, ts.URL).ListDeployments(context.Background(), w)
	if !ok {
		t.Fatal("ListDeployments degraded")
	}
	if len(deps) != 2 {
		t.Fatalf("got %d deployments, want 2", len(deps))
	}

	if deps[0].Status != models.DeploySuccess {
		t.Errorf("build 12 status: got %q", deps[0].Status)
	}
	if deps[0].CommitSHA != "abc123" {
		t.Errorf("build 12 sha: got %q", deps[0].CommitSHA)
	}
	if deps[0].Repository != "deploy-app" {
		t.Errorf("repository: got %q", deps[0].Repository)
	}
	if deps[0].Metadata["build_number"] != "12" {
		t.Errorf("build number metadata: got %q", deps[0].Metadata["build_number"])
	}

	if deps[1].Status != models.DeployFailed {
		t.Errorf("build 11 status: got %q", deps[1].Status)
	}
	if deps[1].Metadata[models.MetaOriginalStatus] != "FAILURE" {
		t.Errorf("build 11 original status: got %q", deps[1].Metadata[models.MetaOriginalStatus])
	}
}

func TestJenkins_ListIncidents_FromFailedBuilds(t *testing.T) {
	w := testWindow()
	failedAt := time.Date(2025, 11, 4, 16, 0, 0, 0, time.UTC)

	ts := newJenkinsServer(t, fmt.Sprintf(`[
		{"number": 12, "timestamp": %d, "result": "SUCCESS", "changeSet": {"items": []}},
		{"number": 11, "timestamp": %d, "result": "FAILURE", "changeSet": {"items": []}},
		{"number": 10, "timestamp": %d, "result": null, "changeSet": {"items": []}}
	]`,
		time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC).UnixMilli(),
		failedAt.UnixMilli(),
		time.Date(2025, 11, 5, 10, 0, 0, 0, time.UTC).UnixMilli()))
	defer ts.Close()

	incidents, ok := newTestJenkins(t, ts.URL).ListIncidents(context.Background(), w)
	if !ok {
		t.Fatal("ListIncidents degraded")
	}
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1 (success and running builds skipped)", len(incidents))
	}

	inc := incidents[0]
	if inc.IncidentID != "jenkins-deploy-app-11" {
		t.Errorf("incident id: got %q", inc.IncidentID)
	}
	if !inc.StartedAt.Equal(failedAt) {
		t.Errorf("started at: got %v", inc.StartedAt)
	}
	if inc.ResolvedAt != nil {
		t.Error("inferred incident should stay open")
	}
	if inc.Severity != models.SeverityMedium {
		t.Errorf("severity: got %q", inc.Severity)
	}
	if len(inc.AffectedServices) != 1 || inc.AffectedServices[0] != "deploy-app" {
		t.Errorf("affected services: got %v", inc.AffectedServices)
	}
	if inc.Metadata["inferred_from"] != "failed_build" {
		t.Errorf("metadata: got %v", inc.Metadata)
	}
}

func TestJenkins_ListChanges(t *testing.T) {
	w := testWindow()
	buildTime := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	commitTime := buildTime.Add(-2 * time.Hour)

	ts := newJenkinsServer(t, fmt.Sprintf(`[
		{"number": 12, "timestamp": %d, "result": "SUCCESS",
		 "changeSet": {"items": [
			{"commitId": "abc123", "timestamp": %d, "msg": "tune pool size", "author": {"fullName": "Alice"}},
			{"commitId": "", "timestamp": 0, "msg": "merge", "author": {"fullName": "Bob"}}
		 ]}}
	]`, buildTime.UnixMilli(), commitTime.UnixMilli()))
	defer ts.Close()

	changes, ok := newTestJenkins(t, ts.URL).ListChanges(context.Background(), w)
	if !ok {
		t.Fatal("ListChanges degraded")
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}

	first := changes[0]
	if first.ChangeID != "abc123" {
		t.Errorf("change id: got %q", first.ChangeID)
	}
	if !first.CreatedAt.Equal(commitTime) {
		t.Errorf("created at: got %v, want commit time %v", first.CreatedAt, commitTime)
	}
	if first.MergedAt == nil || !first.MergedAt.Equal(buildTime) {
		t.Errorf("merged at: got %v, want build time %v", first.MergedAt, buildTime)
	}
	if first.Author != "Alice" {
		t.Errorf("author: got %q", first.Author)
	}
	lead, merged := first.LeadTime()
	if !merged || lead != 2*time.Hour {
		t.Errorf("lead time: got %v", lead)
	}

	second := changes[1]
	if second.ChangeID != "jenkins-deploy-app-12-1" {
		t.Errorf("fallback change id: got %q", second.ChangeID)
	}
	if !second.CreatedAt.Equal(buildTime) {
		t.Errorf("zero commit timestamp should fall back to build time, got %v", second.CreatedAt)
	}
}

func TestJenkins_DegradesOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "jenkins is down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	src := newTestJenkins(t, ts.URL)
	if _, ok := src.ListDeployments(context.Background(), testWindow()); ok {
		t.Error("expected degraded deployments")
	}
	if _, ok := src.ListIncidents(context.Background(), testWindow()); ok {
		t.Error("expected degraded incidents")
	}
	if _, ok := src.ListChanges(context.Background(), testWindow()); ok {
		t.Error("expected degraded changes")
	}
}
