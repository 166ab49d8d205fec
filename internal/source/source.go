// Package source defines the adapter contract for external delivery and
// incident tooling, the built-in adapters, and the registry that manages
// configured instances.
//
// Adapters normalize vendor payloads into the canonical types in
// internal/models. Connect reports reachability as an error; the listing
// methods never fail. A source that cannot produce data for a window
// logs the cause, records it in metrics, and returns ok=false so the
// aggregation layer can keep going with the remaining sources.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/metrics"
	"github.com/devflow-metrics/devflow/internal/models"
	"github.com/devflow-metrics/devflow/pkg/logger"
)

// Type labels for the built-in adapters. The registry keys constructors
// by these values and SourceConfig.Type carries them end to end.
const (
	TypeGitHub     = "github"
	TypeJenkins    = "jenkins"
	TypeDynatrace  = "dynatrace"
	TypeJira       = "jira"
	TypeKubernetes = "kubernetes"
	TypePrometheus = "prometheus"
)

const defaultHTTPTimeout = 10 * time.Second

// Source is implemented by every adapter. Listing methods cover the
// half-open window [w.Start, w.End) and report ok=false when the fetch
// degraded; they return (nil, true) when the vendor has no concept of
// that record kind.
type Source interface {
	Name() string
	Type() string

	// Connect verifies the source is reachable and the credentials are
	// accepted. A nil return means both hold.
	Connect(ctx context.Context) error

	ListDeployments(ctx context.Context, w models.Window) ([]models.Deployment, bool)
	ListIncidents(ctx context.Context, w models.Window) ([]models.Incident, bool)
	ListChanges(ctx context.Context, w models.Window) ([]models.Change, bool)
}

// Constructor builds an adapter instance from its settings map. It
// validates settings only; reachability is checked separately via
// Connect when the registry creates an instance.
type Constructor func(name string, settings map[string]string) (Source, error)

// ErrUnknownSourceType is returned when a source type has no registered
// constructor.
var ErrUnknownSourceType = errors.New("unknown source type")

// ConnectivityError reports a failed Connect against a configured source.
type ConnectivityError struct {
	Name string
	Type string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("source %s (%s) unreachable: %v", e.Name, e.Type, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RegisterBuiltins installs the constructors for all built-in adapter
// types into reg.
func RegisterBuiltins(reg *Registry) {
	reg.RegisterType(TypeGitHub, NewGitHub)
	reg.RegisterType(TypeJenkins, NewJenkins)
	reg.RegisterType(TypeDynatrace, NewDynatrace)
	reg.RegisterType(TypeJira, NewJira)
	reg.RegisterType(TypeKubernetes, NewKubernetes)
	reg.RegisterType(TypePrometheus, NewPrometheus)
}

// reportDegraded records a failed listing call. The caller returns
// (nil, false) afterwards; the failure never propagates as an error.
func reportDegraded(name, sourceType, operation string, err error) {
	logger.Warn("source fetch degraded",
		zap.String("source", name),
		zap.String("source_type", sourceType),
		zap.String("operation", operation),
		zap.Error(err))
	metrics.IncFetchDegraded(sourceType, operation)
}

// requiredSetting extracts a mandatory key from an adapter settings map.
func requiredSetting(settings map[string]string, key string) (string, error) {
	v := strings.TrimSpace(settings[key])
	if v == "" {
		return "", fmt.Errorf("missing required setting %q", key)
	}
	return v, nil
}

// authTransport injects the source's credentials into every outgoing
// request, either as fixed headers or as basic auth.
type authTransport struct {
	base    http.RoundTripper
	headers map[string]string
	user    string
	pass    string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.user != "" {
		req.SetBasicAuth(t.user, t.pass)
	}
	return t.base.RoundTrip(req)
}

// newHTTPClient builds the client an adapter reuses across API calls.
func newHTTPClient(t *authTransport) *http.Client {
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	return &http.Client{
		Transport: t,
		Timeout:   defaultHTTPTimeout,
	}
}

// getJSON performs an HTTP GET and decodes the JSON response into out.
// Non-200 statuses are returned as errors so callers can degrade.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return doJSON(client, req, out)
}

// postJSON performs an HTTP POST with a JSON body and decodes the JSON
// response into out.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
