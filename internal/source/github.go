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

const githubDefaultBaseURL = "https://api.github.com"

// maxReposPerScan bounds the org-wide scan when no repo is pinned.
const maxReposPerScan = 10

// GitHub reads deployments from the GitHub deployments API and changes
// from merged pull requests. GitHub has no incident concept.
type GitHub struct {
	name   string
	org    string
	repo   string
	base   string
	client *http.Client
}

// NewGitHub builds a GitHub adapter. Required settings: token, org.
// Optional: repo (pin a single repository), base_url (GitHub Enterprise
// or test endpoints).
func NewGitHub(name string, settings map[string]string) (Source, error) {
	token, err := requiredSetting(settings, "token")
	if err != nil {
		return nil, err
	}
	org, err := requiredSetting(settings, "org")
	if err != nil {
		return nil, err
	}
	base := settings["base_url"]
	if base == "" {
		base = githubDefaultBaseURL
	}
	return &GitHub{
		name: name,
		org:  org,
		repo: settings["repo"],
		base: base,
		client: newHTTPClient(&authTransport{headers: map[string]string{
			"Authorization": "token " + token,
			"Accept":        "application/vnd.github.v3+json",
		}}),
	}, nil
}

func (g *GitHub) Name() string { return g.name }
func (g *GitHub) Type() string { return TypeGitHub }

// Connect verifies the token by fetching the authenticated user.
func (g *GitHub) Connect(ctx context.Context) error {
	var user struct {
		Login string `json:"login"`
	}
	return getJSON(ctx, g.client, g.base+"/user", &user)
}

func (g *GitHub) ListDeployments(ctx context.Context, w models.Window) ([]models.Deployment, bool) {
	out, err := g.fetchDeployments(ctx, w)
	if err != nil {
		reportDegraded(g.name, TypeGitHub, "list_deployments", err)
		return nil, false
	}
	return out, true
}

// ListIncidents returns nothing; GitHub has no incident records.
func (g *GitHub) ListIncidents(_ context.Context, _ models.Window) ([]models.Incident, bool) {
	return nil, true
}

func (g *GitHub) ListChanges(ctx context.Context, w models.Window) ([]models.Change, bool) {
	out, err := g.fetchChanges(ctx, w)
	if err != nil {
		reportDegraded(g.name, TypeGitHub, "list_changes", err)
		return nil, false
	}
	return out, true
}

type githubDeployment struct {
	ID          int64     `json:"id"`
	SHA         string    `json:"sha"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"created_at"`
}

type githubPull struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  *time.Time `json:"merged_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// repos resolves the repositories to scan: the pinned one, or the first
// repositories of the org.
func (g *GitHub) repos(ctx context.Context) ([]string, error) {
	if g.repo != "" {
		return []string{g.repo}, nil
	}
	var listed []struct {
		Name string `json:"name"`
	}
	u := fmt.Sprintf("%s/orgs/%s/repos?per_page=%d", g.base, url.PathEscape(g.org), maxReposPerScan)
	if err := getJSON(ctx, g.client, u, &listed); err != nil {
		return nil, fmt.Errorf("list org repos: %w", err)
	}
	names := make([]string, 0, len(listed))
	for _, r := range listed {
		names = append(names, r.Name)
	}
	if len(names) > maxReposPerScan {
		names = names[:maxReposPerScan]
	}
	return names, nil
}

func (g *GitHub) fetchDeployments(ctx context.Context, w models.Window) ([]models.Deployment, error) {
	repos, err := g.repos(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Deployment
	for _, repo := range repos {
		var deps []githubDeployment
		u := fmt.Sprintf("%s/repos/%s/%s/deployments?per_page=100",
			g.base, url.PathEscape(g.org), url.PathEscape(repo))
		if err := getJSON(ctx, g.client, u, &deps); err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo, err)
		}

		for _, d := range deps {
			if !w.Contains(d.CreatedAt) {
				continue
			}
			state, err := g.deploymentState(ctx, repo, d.ID)
			if err != nil {
				return nil, fmt.Errorf("repo %s deployment %d: %w", repo, d.ID, err)
			}
			env := d.Environment
			if env == "" {
				env = "production"
			}
			meta := map[string]string{
				"deployment_id": strconv.FormatInt(d.ID, 10),
			}
			out = append(out, models.Deployment{
				ID:          uuid.NewString(),
				Timestamp:   d.CreatedAt,
				Repository:  g.org + "/" + repo,
				Environment: env,
				CommitSHA:   d.SHA,
				Status:      models.NormalizeDeployStatus(state, meta),
				Source:      g.name,
				Metadata:    meta,
			})
		}
	}
	return out, nil
}

// deploymentState returns the most recent status of a deployment, or
// "unknown" when no status has been posted yet.
func (g *GitHub) deploymentState(ctx context.Context, repo string, id int64) (string, error) {
	var statuses []struct {
		State string `json:"state"`
	}
	u := fmt.Sprintf("%s/repos/%s/%s/deployments/%d/statuses",
		g.base, url.PathEscape(g.org), url.PathEscape(repo), id)
	if err := getJSON(ctx, g.client, u, &statuses); err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return "unknown", nil
	}
	return statuses[0].State, nil
}

func (g *GitHub) fetchChanges(ctx context.Context, w models.Window) ([]models.Change, error) {
	repos, err := g.repos(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Change
	for _, repo := range repos {
		var pulls []githubPull
		u := fmt.Sprintf("%s/repos/%s/%s/pulls?state=closed&sort=updated&direction=desc&per_page=100",
			g.base, url.PathEscape(g.org), url.PathEscape(repo))
		if err := getJSON(ctx, g.client, u, &pulls); err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo, err)
		}

		for _, pr := range pulls {
			if pr.MergedAt == nil || !w.Contains(pr.CreatedAt) {
				continue
			}
			merged := *pr.MergedAt
			out = append(out, models.Change{
				ID:         uuid.NewString(),
				ChangeID:   fmt.Sprintf("%s-pr-%d", repo, pr.Number),
				CreatedAt:  pr.CreatedAt,
				MergedAt:   &merged,
				Repository: g.org + "/" + repo,
				Author:     pr.User.Login,
				Source:     g.name,
				Metadata: map[string]string{
					"pr_number": strconv.Itoa(pr.Number),
					"title":     pr.Title,
				},
			})
		}
	}
	return out, nil
}
