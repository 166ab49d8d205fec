package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/devflow-metrics/devflow/internal/models"
)

// maxJobsPerScan bounds how many Jenkins jobs a single listing call walks.
const maxJobsPerScan = 10

// Jenkins treats finished builds as deployments, failed builds as
// inferred incidents, and build changesets as changes.
type Jenkins struct {
	name   string
	base   string
	client *http.Client
}

// NewJenkins builds a Jenkins adapter. Required settings: url, username,
// token (a Jenkins API token, sent as basic auth).
func NewJenkins(name string, settings map[string]string) (Source, error) {
	base, err := requiredSetting(settings, "url")
	if err != nil {
		return nil, err
	}
	username, err := requiredSetting(settings, "username")
	if err != nil {
		return nil, err
	}
	token, err := requiredSetting(settings, "token")
	if err != nil {
		return nil, err
	}
	return &Jenkins{
		name:   name,
		base:   base,
		client: newHTTPClient(&authTransport{user: username, pass: token}),
	}, nil
}

func (j *Jenkins) Name() string { return j.name }
func (j *Jenkins) Type() string { return TypeJenkins }

// Connect fetches the controller root to verify endpoint and credentials.
func (j *Jenkins) Connect(ctx context.Context) error {
	var root struct {
		Mode string `json:"mode"`
	}
	return getJSON(ctx, j.client, j.base+"/api/json", &root)
}

func (j *Jenkins) ListDeployments(ctx context.Context, w models.Window) ([]models.Deployment, bool) {
	out, err := j.fetchDeployments(ctx, w)
	if err != nil {
		reportDegraded(j.name, TypeJenkins, "list_deployments", err)
		return nil, false
	}
	return out, true
}

func (j *Jenkins) ListIncidents(ctx context.Context, w models.Window) ([]models.Incident, bool) {
	out, err := j.fetchIncidents(ctx, w)
	if err != nil {
		reportDegraded(j.name, TypeJenkins, "list_incidents", err)
		return nil, false
	}
	return out, true
}

func (j *Jenkins) ListChanges(ctx context.Context, w models.Window) ([]models.Change, bool) {
	out, err := j.fetchChanges(ctx, w)
	if err != nil {
		reportDegraded(j.name, TypeJenkins, "list_changes", err)
		return nil, false
	}
	return out, true
}

type jenkinsBuild struct {
	Number    int    `json:"number"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	Result    string `json:"result"`
	ChangeSet struct {
		Items []struct {
			CommitID  string `json:"commitId"`
			Timestamp int64  `json:"timestamp"`
			Msg       string `json:"msg"`
			Author    struct {
				FullName string `json:"fullName"`
			} `json:"author"`
		} `json:"items"`
	} `json:"changeSet"`
}

func (j *Jenkins) jobNames(ctx context.Context) ([]string, error) {
	var listed struct {
		Jobs []struct {
			Name string `json:"name"`
		} `json:"jobs"`
	}
	if err := getJSON(ctx, j.client, j.base+"/api/json?tree=jobs[name]", &listed); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	names := make([]string, 0, len(listed.Jobs))
	for _, job := range listed.Jobs {
		names = append(names, job.Name)
		if len(names) == maxJobsPerScan {
			break
		}
	}
	return names, nil
}

func (j *Jenkins) builds(ctx context.Context, job string) ([]jenkinsBuild, error) {
	var listed struct {
		Builds []jenkinsBuild `json:"builds"`
	}
	u := fmt.Sprintf("%s/job/%s/api/json?tree=builds[number,timestamp,result,changeSet[items[commitId,timestamp,msg,author[fullName]]]]",
		j.base, url.PathEscape(job))
	if err := getJSON(ctx, j.client, u, &listed); err != nil {
		return nil, fmt.Errorf("job %s: %w", job, err)
	}
	return listed.Builds, nil
}

func (j *Jenkins) fetchDeployments(ctx context.Context, w models.Window) ([]models.Deployment, error) {
	jobs, err := j.jobNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Deployment
	for _, job := range jobs {
		builds, err := j.builds(ctx, job)
		if err != nil {
			return nil, err
		}
		for _, b := range builds {
			ts := time.UnixMilli(b.Timestamp).UTC()
			if !w.Contains(ts) {
				continue
			}
			sha := ""
			if len(b.ChangeSet.Items) > 0 {
				sha = b.ChangeSet.Items[0].CommitID
			}
			meta := map[string]string{
				"job":          job,
				"build_number": strconv.Itoa(b.Number),
			}
			out = append(out, models.Deployment{
				ID:          uuid.NewString(),
				Timestamp:   ts,
				Repository:  job,
				Environment: "production",
				CommitSHA:   sha,
				Status:      models.NormalizeDeployStatus(b.Result, meta),
				Source:      j.name,
				Metadata:    meta,
			})
		}
	}
	return out, nil
}

// fetchIncidents infers incidents from failed builds. Jenkins records no
// resolution, so these stay open.
func (j *Jenkins) fetchIncidents(ctx context.Context, w models.Window) ([]models.Incident, error) {
	jobs, err := j.jobNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Incident
	for _, job := range jobs {
		builds, err := j.builds(ctx, job)
		if err != nil {
			return nil, err
		}
		for _, b := range builds {
			ts := time.UnixMilli(b.Timestamp).UTC()
			if !w.Contains(ts) || b.Result == "SUCCESS" || b.Result == "" {
				continue
			}
			out = append(out, models.Incident{
				ID:               uuid.NewString(),
				IncidentID:       fmt.Sprintf("jenkins-%s-%d", job, b.Number),
				StartedAt:        ts,
				Severity:         models.SeverityMedium,
				AffectedServices: []string{job},
				Source:           j.name,
				Metadata: map[string]string{
					"inferred_from": "failed_build",
					"build_result":  b.Result,
				},
			})
		}
	}
	return out, nil
}

func (j *Jenkins) fetchChanges(ctx context.Context, w models.Window) ([]models.Change, error) {
	jobs, err := j.jobNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Change
	for _, job := range jobs {
		builds, err := j.builds(ctx, job)
		if err != nil {
			return nil, err
		}
		for _, b := range builds {
			buildTime := time.UnixMilli(b.Timestamp).UTC()
			if !w.Contains(buildTime) {
				continue
			}
			for i, item := range b.ChangeSet.Items {
				created := buildTime
				if item.Timestamp > 0 {
					created = time.UnixMilli(item.Timestamp).UTC()
				}
				changeID := item.CommitID
				if changeID == "" {
					changeID = fmt.Sprintf("jenkins-%s-%d-%d", job, b.Number, i)
				}
				merged := buildTime
				out = append(out, models.Change{
					ID:         uuid.NewString(),
					ChangeID:   changeID,
					CreatedAt:  created,
					MergedAt:   &merged,
					Repository: job,
					Author:     item.Author.FullName,
					Source:     j.name,
					Metadata: map[string]string{
						"build_number": strconv.Itoa(b.Number),
						"message":      item.Msg,
					},
				})
			}
		}
	}
	return out, nil
}
