package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/registry"
	"area-automator-api/internal/services/httpx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.github.com"

// issueState is the watermark for GITHUB_NEW_ISSUE_DETECTED.
type issueState struct {
	LastIssueNumber int64 `json:"last_issue_number"`
}

// starState is the watermark for GITHUB_NEW_STAR_DETECTED.
type starState struct {
	StargazerCount int64 `json:"stargazer_count"`
}

// Integration talks to the GitHub REST API.
type Integration struct {
	creds   *credentials.Manager
	client  *httpx.Client
	logger  *zap.Logger
	baseURL string
}

// New ...
func New(creds *credentials.Manager, client *httpx.Client, log *zap.Logger) *Integration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Integration{
		creds:   creds,
		client:  client,
		logger:  log,
		baseURL: defaultBaseURL,
	}
}

// WithBaseURL points the integration at a different API root (tests).
func (g *Integration) WithBaseURL(u string) *Integration {
	g.baseURL = u
	return g
}

// Service returns the service descriptor registered at boot.
func (g *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "github",
		Name:          "GitHub",
		RequiresOAuth: true,
		Provider:      domain.ProviderGithub,
		Actions: []registry.Action{
			{
				ID:          "GITHUB_NEW_ISSUE_DETECTED",
				Name:        "New issue detected",
				Description: "Fires when an issue newer than the last seen one is opened in a repository.",
				Params: []registry.ParamField{
					{Name: "owner", Type: registry.ParamString, Required: true, Description: "Repository owner"},
					{Name: "repo", Type: registry.ParamString, Required: true, Description: "Repository name"},
				},
				Scopes: []string{"repo"},
				ReturnValues: []registry.ReturnValue{
					{Name: "issue_number", Example: "43"},
					{Name: "issue_title", Example: "Login broken"},
					{Name: "issue_url", Example: "https://github.com/area/engine/issues/43"},
					{Name: "issue_author", Example: "octocat"},
					{Name: "repository", Example: "area/engine"},
				},
				Check: g.checkNewIssue,
			},
			{
				ID:          "GITHUB_NEW_STAR_DETECTED",
				Name:        "New star detected",
				Description: "Fires when a repository's stargazer count increases.",
				Params: []registry.ParamField{
					{Name: "owner", Type: registry.ParamString, Required: true},
					{Name: "repo", Type: registry.ParamString, Required: true},
				},
				Scopes: []string{"repo"},
				ReturnValues: []registry.ReturnValue{
					{Name: "stargazer_count", Example: "128"},
					{Name: "repository", Example: "area/engine"},
				},
				Check: g.checkNewStar,
			},
		},
		Reactions: []registry.Reaction{
			{
				ID:          "GITHUB_CREATE_ISSUE",
				Name:        "Create issue",
				Description: "Opens a new issue in a repository.",
				Params: []registry.ParamField{
					{Name: "owner", Type: registry.ParamString, Required: true},
					{Name: "repo", Type: registry.ParamString, Required: true},
					{Name: "title", Type: registry.ParamString, Required: true},
					{Name: "body", Type: registry.ParamString, Required: false},
				},
				Scopes:  []string{"repo"},
				Execute: g.createIssue,
			},
		},
	}
}

func repoParams(params map[string]any) (string, string, error) {
	owner, _ := params["owner"].(string)
	repo, _ := params["repo"].(string)
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("owner and repo parameters are required")
	}
	return owner, repo, nil
}

func (g *Integration) checkNewIssue(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	owner, repo, err := repoParams(params)
	if err != nil {
		return nil, err
	}

	token, err := g.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderGithub)
	if err != nil {
		return nil, fmt.Errorf("github credentials: %w", err)
	}

	// Newest open issue only; GitHub's issues listing includes PRs, which
	// still move the watermark forward and is fine for "something new".
	listURL := fmt.Sprintf("%s/repos/%s/%s/issues?state=open&sort=created&direction=desc&per_page=1",
		g.baseURL, url.PathEscape(owner), url.PathEscape(repo))

	result, err := g.client.DoJSON(ctx, httpx.Request{Method: http.MethodGet, URL: listURL, Token: token})
	if err != nil {
		return nil, fmt.Errorf("could not list issues for %s/%s: %w", owner, repo, err)
	}

	latest := result.Get("0")
	current := latest.Get("number").Int()

	if len(prev) == 0 {
		// First evaluation: establish the watermark, never fire on issues
		// that existed before the automation was created.
		return &registry.TriggerResult{Save: marshalState(issueState{LastIssueNumber: current})}, nil
	}

	var state issueState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	if current <= state.LastIssueNumber {
		return nil, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(issueState{LastIssueNumber: current}),
		Data: map[string]any{
			"issue_number": current,
			"issue_title":  latest.Get("title").String(),
			"issue_url":    latest.Get("html_url").String(),
			"issue_author": latest.Get("user.login").String(),
			"repository":   owner + "/" + repo,
		},
	}, nil
}

func (g *Integration) checkNewStar(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	owner, repo, err := repoParams(params)
	if err != nil {
		return nil, err
	}

	token, err := g.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderGithub)
	if err != nil {
		return nil, fmt.Errorf("github credentials: %w", err)
	}

	repoURL := fmt.Sprintf("%s/repos/%s/%s", g.baseURL, url.PathEscape(owner), url.PathEscape(repo))
	result, err := g.client.DoJSON(ctx, httpx.Request{Method: http.MethodGet, URL: repoURL, Token: token})
	if err != nil {
		return nil, fmt.Errorf("could not fetch repo %s/%s: %w", owner, repo, err)
	}

	current := result.Get("stargazers_count").Int()

	if len(prev) == 0 {
		return &registry.TriggerResult{Save: marshalState(starState{StargazerCount: current})}, nil
	}

	var state starState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	// Strictly monotonic: unstars lower the live count but never fire.
	if current <= state.StargazerCount {
		return nil, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(starState{StargazerCount: current}),
		Data: map[string]any{
			"stargazer_count": current,
			"repository":      owner + "/" + repo,
		},
	}, nil
}

func (g *Integration) createIssue(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	owner, repo, err := repoParams(params)
	if err != nil {
		return err
	}

	title, _ := params["title"].(string)
	if title == "" {
		return fmt.Errorf("title parameter is required")
	}
	body, _ := params["body"].(string)

	token, err := g.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderGithub)
	if err != nil {
		return fmt.Errorf("github credentials: %w", err)
	}

	createURL := fmt.Sprintf("%s/repos/%s/%s/issues", g.baseURL, url.PathEscape(owner), url.PathEscape(repo))
	result, err := g.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    createURL,
		Token:  token,
		Body:   map[string]string{"title": title, "body": body},
	})
	if err != nil {
		return fmt.Errorf("could not create issue in %s/%s: %w", owner, repo, err)
	}

	g.logger.Info("created github issue",
		zap.String("component", "github"),
		zap.String("repository", owner+"/"+repo),
		zap.Int64("issue_number", result.Get("number").Int()))

	return nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
