package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/devflow-metrics/devflow/internal/models"
)

// Jira maps issues onto all three record kinds through fixed JQL
// queries: deployment-labelled issues become deployments, bug-like
// issues become incidents, and completed work items become changes.
type Jira struct {
	name   string
	base   string
	client *http.Client
}

// NewJira builds a Jira Cloud adapter. Required settings: url (the site
// root), email, token (an API token; sent as basic auth email:token).
func NewJira(name string, settings map[string]string) (Source, error) {
	base, err := requiredSetting(settings, "url")
	if err != nil {
		return nil, err
	}
	email, err := requiredSetting(settings, "email")
	if err != nil {
		return nil, err
	}
	token, err := requiredSetting(settings, "token")
	if err != nil {
		return nil, err
	}
	return &Jira{
		name:   name,
		base:   base,
		client: newHTTPClient(&authTransport{user: email, pass: token}),
	}, nil
}

func (j *Jira) Name() string { return j.name }
func (j *Jira) Type() string { return TypeJira }

// Connect fetches the calling user, which validates both the site URL
// and the token.
func (j *Jira) Connect(ctx context.Context) error {
	var me struct {
		AccountID string `json:"accountId"`
	}
	return getJSON(ctx, j.client, j.base+"/rest/api/3/myself", &me)
}

func (j *Jira) ListDeployments(ctx context.Context, w models.Window) ([]models.Deployment, bool) {
	out, err := j.fetchDeployments(ctx, w)
	if err != nil {
		reportDegraded(j.name, TypeJira, "list_deployments", err)
		return nil, false
	}
	return out, true
}

func (j *Jira) ListIncidents(ctx context.Context, w models.Window) ([]models.Incident, bool) {
	out, err := j.fetchIncidents(ctx, w)
	if err != nil {
		reportDegraded(j.name, TypeJira, "list_incidents", err)
		return nil, false
	}
	return out, true
}

func (j *Jira) ListChanges(ctx context.Context, w models.Window) ([]models.Change, bool) {
	out, err := j.fetchChanges(ctx, w)
	if err != nil {
		reportDegraded(j.name, TypeJira, "list_changes", err)
		return nil, false
	}
	return out, true
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary        string `json:"summary"`
		Created        string `json:"created"`
		ResolutionDate string `json:"resolutiondate"`
		Status         struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Project struct {
			Key  string `json:"key"`
			Name string `json:"name"`
		} `json:"project"`
		Components []struct {
			Name string `json:"name"`
		} `json:"components"`
		Assignee *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
	} `json:"fields"`
}

// search runs a JQL query with the window appended as a created-date
// range. Jira's date-only JQL is coarser than the half-open window, so
// callers still filter per issue.
func (j *Jira) search(ctx context.Context, jql string, w models.Window) ([]jiraIssue, error) {
	body := map[string]any{
		"jql": fmt.Sprintf(`%s AND created >= "%s" AND created <= "%s"`,
			jql, w.Start.Format("2006-01-02"), w.End.Format("2006-01-02")),
		"maxResults": 100,
		"fields": []string{
			"summary", "created", "resolutiondate", "status",
			"priority", "project", "components", "assignee",
		},
	}
	var result struct {
		Issues []jiraIssue `json:"issues"`
	}
	if err := postJSON(ctx, j.client, j.base+"/rest/api/3/search", body, &result); err != nil {
		return nil, fmt.Errorf("jql search: %w", err)
	}
	return result.Issues, nil
}

func (j *Jira) fetchDeployments(ctx context.Context, w models.Window) ([]models.Deployment, error) {
	issues, err := j.search(ctx,
		`(labels = "deployment" OR labels = "release" OR issuetype = "Deployment")`, w)
	if err != nil {
		return nil, err
	}

	var out []models.Deployment
	for _, issue := range issues {
		created, err := jiraTime(issue.Fields.Created)
		if err != nil {
			return nil, fmt.Errorf("issue %s: %w", issue.Key, err)
		}
		if !w.Contains(created) {
			continue
		}
		status := models.DeployFailed
		if issue.Fields.ResolutionDate != "" {
			status = models.DeploySuccess
		}
		out = append(out, models.Deployment{
			ID:          uuid.NewString(),
			Timestamp:   created,
			Repository:  issue.Fields.Project.Key,
			Environment: "production",
			Status:      status,
			Source:      j.name,
			Metadata: map[string]string{
				"issue":  issue.Key,
				"status": issue.Fields.Status.Name,
			},
		})
	}
	return out, nil
}

func (j *Jira) fetchIncidents(ctx context.Context, w models.Window) ([]models.Incident, error) {
	issues, err := j.search(ctx,
		`(issuetype in ("Bug", "Incident", "Outage", "Problem") OR priority in ("Critical", "Highest") OR labels = "incident")`, w)
	if err != nil {
		return nil, err
	}

	var out []models.Incident
	for _, issue := range issues {
		created, err := jiraTime(issue.Fields.Created)
		if err != nil {
			return nil, fmt.Errorf("issue %s: %w", issue.Key, err)
		}
		if !w.Contains(created) {
			continue
		}
		var resolved *time.Time
		if issue.Fields.ResolutionDate != "" {
			t, err := jiraTime(issue.Fields.ResolutionDate)
			if err != nil {
				return nil, fmt.Errorf("issue %s: %w", issue.Key, err)
			}
			resolved = &t
		}
		affected := make([]string, 0, len(issue.Fields.Components))
		for _, c := range issue.Fields.Components {
			affected = append(affected, c.Name)
			if len(affected) == 3 {
				break
			}
		}
		if len(affected) == 0 {
			affected = []string{issue.Fields.Project.Name}
		}
		meta := map[string]string{"summary": issue.Fields.Summary}
		out = append(out, models.Incident{
			ID:               uuid.NewString(),
			IncidentID:       issue.Key,
			StartedAt:        created,
			ResolvedAt:       resolved,
			Severity:         jiraSeverity(issue.Fields.Priority.Name, meta),
			AffectedServices: affected,
			Source:           j.name,
			Metadata:         meta,
		})
	}
	return out, nil
}

// jiraSeverity maps Jira priority names onto the canonical set.
func jiraSeverity(priority string, meta map[string]string) models.Severity {
	switch priority {
	case "Highest", "Critical":
		return models.SeverityCritical
	case "High":
		return models.SeverityHigh
	case "Medium":
		return models.SeverityMedium
	case "Low", "Lowest":
		return models.SeverityLow
	default:
		meta[models.MetaOriginalSeverity] = priority
		return models.SeverityMedium
	}
}

func (j *Jira) fetchChanges(ctx context.Context, w models.Window) ([]models.Change, error) {
	issues, err := j.search(ctx,
		`issuetype in ("Story", "Task", "Feature", "Improvement", "Enhancement") AND status = "Done"`, w)
	if err != nil {
		return nil, err
	}

	var out []models.Change
	for _, issue := range issues {
		created, err := jiraTime(issue.Fields.Created)
		if err != nil {
			return nil, fmt.Errorf("issue %s: %w", issue.Key, err)
		}
		if !w.Contains(created) {
			continue
		}
		var merged *time.Time
		if issue.Fields.ResolutionDate != "" {
			t, err := jiraTime(issue.Fields.ResolutionDate)
			if err != nil {
				return nil, fmt.Errorf("issue %s: %w", issue.Key, err)
			}
			merged = &t
		}
		author := "unknown"
		if issue.Fields.Assignee != nil {
			author = issue.Fields.Assignee.DisplayName
		}
		out = append(out, models.Change{
			ID:         uuid.NewString(),
			ChangeID:   issue.Key,
			CreatedAt:  created,
			MergedAt:   merged,
			Repository: issue.Fields.Project.Key,
			Author:     author,
			Source:     j.name,
			Metadata:   map[string]string{"summary": issue.Fields.Summary},
		})
	}
	return out, nil
}

// jiraTime parses Jira's REST timestamp format, e.g.
// 2025-11-02T09:30:00.000+0000. Plain RFC3339 values are accepted too.
func jiraTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
