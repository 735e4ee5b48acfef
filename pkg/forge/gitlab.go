package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/archlinux/buildbtw/pkg/domain"
)

// GitlabClient implements Interface over the GitLab REST API.
type GitlabClient struct {
	domain string
	token  string
	group  string
	http   *http.Client
}

// perRequestTimeout bounds every forge API call. Builds themselves
// have no overall timeout; the executor controls those.
const perRequestTimeout = 30 * time.Second

func NewGitlabClient(gitlabDomain, token, packagesGroup string) *GitlabClient {
	return &GitlabClient{
		domain: gitlabDomain,
		token:  token,
		group:  packagesGroup,
		http:   &http.Client{Timeout: perRequestTimeout},
	}
}

// CloneURL returns the git URL of a package source repository.
func (c *GitlabClient) CloneURL(pkgbase domain.Pkgbase) string {
	return fmt.Sprintf(
		"https://%s/%s/%s.git", c.domain, c.group, ProjectNameToPath(string(pkgbase)),
	)
}

func (c *GitlabClient) do(ctx context.Context, method, path string, query url.Values, body any, into any) error {
	u := fmt.Sprintf("https://%s/api/v4/%s", c.domain, path)
	if len(query) != 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrForgeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf(
			"%w: %s %s: status %d: %s",
			domain.ErrForgeUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(payload)),
		)
	}

	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

type project struct {
	Id           int64     `json:"id"`
	Name         string    `json:"name"`
	UpdatedAt    time.Time `json:"last_activity_at"`
	CIConfigPath string    `json:"ci_config_path"`
}

func (c *GitlabClient) groupProjects(ctx context.Context, orderBy string) ([]project, error) {
	all := []project{}
	for page := 1; ; page++ {
		query := url.Values{
			"order_by": {orderBy},
			"sort":     {"desc"},
			"per_page": {"100"},
			"page":     {strconv.Itoa(page)},
		}
		batch := []project{}
		err := c.do(
			ctx, http.MethodGet,
			fmt.Sprintf("groups/%s/projects", url.PathEscape(c.group)),
			query, nil, &batch,
		)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return all, nil
		}
		all = append(all, batch...)
	}
}

func (c *GitlabClient) ChangedProjectsSince(ctx context.Context, since *time.Time) ([]ChangedProject, error) {
	projects, err := c.groupProjects(ctx, "last_activity_at")
	if err != nil {
		return nil, err
	}

	changed := []ChangedProject{}
	for _, p := range projects {
		if since != nil && !p.UpdatedAt.After(*since) {
			// results are newest first: everything beyond the
			// watermark is already known.
			break
		}
		changed = append(changed, ChangedProject{Name: p.Name, UpdatedAt: p.UpdatedAt})
	}
	return changed, nil
}

func (c *GitlabClient) CreatePipeline(ctx context.Context, req CreatePipelineRequest) (Pipeline, error) {
	type pipelineVariable struct {
		Key          string `json:"key"`
		Value        string `json:"value"`
		VariableType string `json:"variable_type"`
	}
	variables := []pipelineVariable{}
	for key, value := range req.Variables {
		variables = append(variables, pipelineVariable{
			Key: key, Value: value, VariableType: "env_var",
		})
	}

	projectPath := fmt.Sprintf("%s/%s", c.group, ProjectNameToPath(string(req.Pkgbase)))
	pipeline := Pipeline{}
	err := c.do(
		ctx, http.MethodPost,
		fmt.Sprintf("projects/%s/pipeline", url.PathEscape(projectPath)),
		nil,
		map[string]any{"ref": string(req.Branch), "variables": variables},
		&pipeline,
	)
	if err != nil {
		return Pipeline{}, fmt.Errorf("%w: %w", domain.ErrExecutorDispatchFailed, err)
	}
	return pipeline, nil
}

func (c *GitlabClient) PipelineStatus(ctx context.Context, projectId int64, pipelineId int64) (PipelineStatus, error) {
	pipeline := Pipeline{}
	err := c.do(
		ctx, http.MethodGet,
		fmt.Sprintf("projects/%d/pipelines/%d", projectId, pipelineId),
		nil, nil, &pipeline,
	)
	if err != nil {
		return "", err
	}
	return pipeline.Status, nil
}

func (c *GitlabClient) CancelPipeline(ctx context.Context, projectId int64, pipelineId int64) error {
	return c.do(
		ctx, http.MethodPost,
		fmt.Sprintf("projects/%d/pipelines/%d/cancel", projectId, pipelineId),
		nil, nil, nil,
	)
}

func (c *GitlabClient) EnsureCIConfig(ctx context.Context, ciConfigPath string) (int, error) {
	projects, err := c.groupProjects(ctx, "path")
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, p := range projects {
		if p.CIConfigPath == ciConfigPath {
			continue
		}
		err := c.do(
			ctx, http.MethodPut,
			fmt.Sprintf("projects/%d", p.Id),
			nil,
			map[string]any{"ci_config_path": ciConfigPath},
			nil,
		)
		if err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

var (
	plusBetweenWords = regexp.MustCompile(`([a-zA-Z0-9]+)\+([a-zA-Z]+)`)
	plusLiteral      = regexp.MustCompile(`\+`)
	specialChars     = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)
	collapseDashes   = regexp.MustCompile(`[_\-]{2,}`)
)

// ProjectNameToPath converts a package name to a forge-safe project
// path. The forge restricts path characters and reserves some words:
//
//  1. a single '+' between word boundaries becomes '-'
//  2. any other '+' becomes the literal "plus"
//  3. special characters other than '_', '-' and '.' become '-'
//  4. runs of '_' and '-' collapse into a single '-'
//  5. "tree" is reserved and maps to "unix-tree"
func ProjectNameToPath(projectName string) string {
	if projectName == "tree" {
		return "unix-tree"
	}
	projectName = plusBetweenWords.ReplaceAllString(projectName, "$1-$2")
	projectName = plusLiteral.ReplaceAllString(projectName, "plus")
	projectName = specialChars.ReplaceAllString(projectName, "-")
	projectName = collapseDashes.ReplaceAllString(projectName, "-")
	return projectName
}
