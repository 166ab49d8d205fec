package source

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/models"
	"github.com/devflow-metrics/devflow/pkg/logger"
)

const defaultAlertQuery = `ALERTS{alertstate="firing"}`

// alertStep is the range query resolution. A gap wider than one step
// splits an alert series into separate incidents.
const alertStep = time.Minute

// Prometheus turns firing-alert history into incidents: each contiguous
// run of samples in the ALERTS series is one incident. It has no
// deployment or change records.
type Prometheus struct {
	name       string
	api        promv1.API
	alertQuery string
}

// NewPrometheus builds a Prometheus adapter. Required settings: url.
// Optional: alert_query (defaults to firing ALERTS).
func NewPrometheus(name string, settings map[string]string) (Source, error) {
	addr, err := requiredSetting(settings, "url")
	if err != nil {
		return nil, err
	}
	client, err := promapi.NewClient(promapi.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	query := settings["alert_query"]
	if query == "" {
		query = defaultAlertQuery
	}
	return &Prometheus{
		name:       name,
		api:        promv1.NewAPI(client),
		alertQuery: query,
	}, nil
}

func (p *Prometheus) Name() string { return p.name }
func (p *Prometheus) Type() string { return TypePrometheus }

// Connect runs an instant `up` query against the server.
func (p *Prometheus) Connect(ctx context.Context) error {
	_, _, err := p.api.Query(ctx, "up", time.Now())
	if err != nil {
		return fmt.Errorf("prometheus check failed: %w", err)
	}
	return nil
}

// ListDeployments returns nothing; Prometheus has no deployment records.
func (p *Prometheus) ListDeployments(_ context.Context, _ models.Window) ([]models.Deployment, bool) {
	return nil, true
}

func (p *Prometheus) ListIncidents(ctx context.Context, w models.Window) ([]models.Incident, bool) {
	out, err := p.fetchIncidents(ctx, w)
	if err != nil {
		reportDegraded(p.name, TypePrometheus, "list_incidents", err)
		return nil, false
	}
	return out, true
}

// ListChanges returns nothing; Prometheus has no change records.
func (p *Prometheus) ListChanges(_ context.Context, _ models.Window) ([]models.Change, bool) {
	return nil, true
}

func (p *Prometheus) fetchIncidents(ctx context.Context, w models.Window) ([]models.Incident, error) {
	result, warnings, err := p.api.QueryRange(ctx, p.alertQuery, promv1.Range{
		Start: w.Start,
		End:   w.End,
		Step:  alertStep,
	})
	if err != nil {
		return nil, fmt.Errorf("alert range query failed: %w", err)
	}
	if len(warnings) > 0 {
		logger.Warn("prometheus query warnings",
			zap.String("source", p.name),
			zap.Strings("warnings", warnings))
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}

	var out []models.Incident
	for _, stream := range matrix {
		alertname := string(stream.Metric["alertname"])
		if alertname == "" {
			alertname = "alert"
		}
		service := string(stream.Metric["service"])
		if service == "" {
			service = string(stream.Metric["job"])
		}

		for _, run := range sampleRuns(stream.Values, alertStep) {
			started := run[0].Timestamp.Time().UTC()
			var resolved *time.Time

			// A run that reaches the window end may still be firing, so
			// it stays open rather than claiming a resolution we cannot
			// observe.
			end := run[len(run)-1].Timestamp.Time().UTC().Add(alertStep)
			if end.Before(w.End) {
				resolved = &end
			}

			meta := map[string]string{"alertname": alertname}
			var affected []string
			if service != "" {
				affected = []string{service}
			}
			out = append(out, models.Incident{
				ID:               uuid.NewString(),
				IncidentID:       fmt.Sprintf("%s-%d", alertname, started.Unix()),
				StartedAt:        started,
				ResolvedAt:       resolved,
				Severity:         models.NormalizeSeverity(string(stream.Metric["severity"]), meta),
				AffectedServices: affected,
				Source:           p.name,
				Metadata:         meta,
			})
		}
	}
	return out, nil
}

// sampleRuns splits a series into maximal runs of consecutive samples,
// where consecutive means no more than one step apart.
func sampleRuns(values []model.SamplePair, step time.Duration) [][]model.SamplePair {
	var runs [][]model.SamplePair
	start := 0
	for i := 1; i <= len(values); i++ {
		if i == len(values) || values[i].Timestamp.Time().Sub(values[i-1].Timestamp.Time()) > step {
			runs = append(runs, values[start:i])
			start = i
		}
	}
	return runs
}
