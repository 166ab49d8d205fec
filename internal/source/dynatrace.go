package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devflow-metrics/devflow/internal/models"
)

// Dynatrace reads problems as incidents and custom deployment events as
// changes. It has no native deployment records.
type Dynatrace struct {
	name   string
	base   string
	client *http.Client
}

// NewDynatrace builds a Dynatrace adapter. Required settings: url (the
// environment root, e.g. https://abc123.live.dynatrace.com), token (an
// API token with problems.read and events.read scopes).
func NewDynatrace(name string, settings map[string]string) (Source, error) {
	base, err := requiredSetting(settings, "url")
	if err != nil {
		return nil, err
	}
	token, err := requiredSetting(settings, "token")
	if err != nil {
		return nil, err
	}
	return &Dynatrace{
		name: name,
		base: base,
		client: newHTTPClient(&authTransport{headers: map[string]string{
			"Authorization": "Api-Token " + token,
		}}),
	}, nil
}

func (d *Dynatrace) Name() string { return d.name }
func (d *Dynatrace) Type() string { return TypeDynatrace }

// Connect hits the version endpoint, which any valid token can read.
func (d *Dynatrace) Connect(ctx context.Context) error {
	var v struct {
		Version string `json:"version"`
	}
	return getJSON(ctx, d.client, d.base+"/api/v2/version", &v)
}

// ListDeployments returns nothing; Dynatrace deployment events surface
// as changes instead.
func (d *Dynatrace) ListDeployments(_ context.Context, _ models.Window) ([]models.Deployment, bool) {
	return nil, true
}

func (d *Dynatrace) ListIncidents(ctx context.Context, w models.Window) ([]models.Incident, bool) {
	out, err := d.fetchIncidents(ctx, w)
	if err != nil {
		reportDegraded(d.name, TypeDynatrace, "list_incidents", err)
		return nil, false
	}
	return out, true
}

func (d *Dynatrace) ListChanges(ctx context.Context, w models.Window) ([]models.Change, bool) {
	out, err := d.fetchChanges(ctx, w)
	if err != nil {
		reportDegraded(d.name, TypeDynatrace, "list_changes", err)
		return nil, false
	}
	return out, true
}

type dynatraceProblem struct {
	ProblemID        string `json:"problemId"`
	Title            string `json:"title"`
	StartTime        int64  `json:"startTime"` // epoch millis
	EndTime          int64  `json:"endTime"`   // epoch millis, -1 while open
	ImpactLevel      string `json:"impactLevel"`
	ImpactedEntities []struct {
		Name string `json:"name"`
	} `json:"impactedEntities"`
}

func (d *Dynatrace) fetchIncidents(ctx context.Context, w models.Window) ([]models.Incident, error) {
	var listed struct {
		Problems []dynatraceProblem `json:"problems"`
	}
	u := fmt.Sprintf("%s/api/v2/problems?from=%d&to=%d&pageSize=500",
		d.base, w.Start.UnixMilli(), w.End.UnixMilli())
	if err := getJSON(ctx, d.client, u, &listed); err != nil {
		return nil, fmt.Errorf("list problems: %w", err)
	}

	out := make([]models.Incident, 0, len(listed.Problems))
	for _, p := range listed.Problems {
		started := time.UnixMilli(p.StartTime).UTC()
		if !w.Contains(started) {
			continue
		}
		var resolved *time.Time
		if p.EndTime > 0 {
			t := time.UnixMilli(p.EndTime).UTC()
			resolved = &t
		}
		affected := make([]string, 0, len(p.ImpactedEntities))
		for _, e := range p.ImpactedEntities {
			affected = append(affected, e.Name)
			if len(affected) == 5 {
				break
			}
		}
		meta := map[string]string{"title": p.Title}
		out = append(out, models.Incident{
			ID:               uuid.NewString(),
			IncidentID:       p.ProblemID,
			StartedAt:        started,
			ResolvedAt:       resolved,
			Severity:         dynatraceSeverity(p.ImpactLevel, meta),
			AffectedServices: affected,
			Source:           d.name,
			Metadata:         meta,
		})
	}
	return out, nil
}

// dynatraceSeverity maps problem impact levels onto the canonical set.
func dynatraceSeverity(impactLevel string, meta map[string]string) models.Severity {
	switch impactLevel {
	case "APPLICATION", "SERVICE":
		return models.SeverityHigh
	case "INFRASTRUCTURE":
		return models.SeverityMedium
	case "ENVIRONMENT":
		return models.SeverityLow
	default:
		meta[models.MetaOriginalSeverity] = impactLevel
		return models.SeverityMedium
	}
}

type dynatraceEvent struct {
	EventID   string `json:"eventId"`
	Title     string `json:"title"`
	StartTime int64  `json:"startTime"` // epoch millis
	EntityID  struct {
		Name string `json:"name"`
	} `json:"entityId"`
}

// fetchChanges maps CUSTOM_DEPLOYMENT events to changes. The event is a
// point in time, so creation and merge coincide.
func (d *Dynatrace) fetchChanges(ctx context.Context, w models.Window) ([]models.Change, error) {
	var listed struct {
		Events []dynatraceEvent `json:"events"`
	}
	u := fmt.Sprintf("%s/api/v2/events?eventTypes=CUSTOM_DEPLOYMENT&from=%d&to=%d",
		d.base, w.Start.UnixMilli(), w.End.UnixMilli())
	if err := getJSON(ctx, d.client, u, &listed); err != nil {
		return nil, fmt.Errorf("list deployment events: %w", err)
	}

	out := make([]models.Change, 0, len(listed.Events))
	for _, e := range listed.Events {
		at := time.UnixMilli(e.StartTime).UTC()
		if !w.Contains(at) {
			continue
		}
		repo := e.EntityID.Name
		if repo == "" {
			repo = "unknown"
		}
		merged := at
		out = append(out, models.Change{
			ID:         uuid.NewString(),
			ChangeID:   e.EventID,
			CreatedAt:  at,
			MergedAt:   &merged,
			Repository: repo,
			Source:     d.name,
			Metadata: map[string]string{
				"title":      e.Title,
				"event_type": "CUSTOM_DEPLOYMENT",
			},
		})
	}
	return out, nil
}
