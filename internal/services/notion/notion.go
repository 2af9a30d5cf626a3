package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/registry"
	"area-automator-api/internal/services/httpx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.notion.com/v1"
	notionVersion  = "2022-06-28"
)

// pageState is the watermark for NOTION_NEW_DATABASE_PAGE.
type pageState struct {
	LastPageID      string `json:"last_page_id"`
	LastCreatedTime string `json:"last_created_time"`
}

// Integration talks to the Notion API. Notion stores a workspace payload
// alongside the token, so every call decodes the composite value first.
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
func (n *Integration) WithBaseURL(u string) *Integration {
	n.baseURL = u
	return n
}

// Service returns the service descriptor registered at boot.
func (n *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "notion",
		Name:          "Notion",
		RequiresOAuth: true,
		Provider:      domain.ProviderNotion,
		Actions: []registry.Action{
			{
				ID:          "NOTION_NEW_DATABASE_PAGE",
				Name:        "New database page",
				Description: "Fires when a page newer than the last seen one is added to a database.",
				Params: []registry.ParamField{
					{Name: "database_id", Type: registry.ParamString, Required: true},
				},
				ReturnValues: []registry.ReturnValue{
					{Name: "page_id", Example: "59833787-2cf9-4fdf-8782-e53db20768a5"},
					{Name: "page_url", Example: "https://www.notion.so/Task-59833787"},
					{Name: "page_title", Example: "Fix login flow"},
				},
				Check: n.checkNewPage,
			},
		},
		Reactions: []registry.Reaction{
			{
				ID:          "NOTION_CREATE_PAGE",
				Name:        "Create page",
				Description: "Adds a page with a title to a database.",
				Params: []registry.ParamField{
					{Name: "database_id", Type: registry.ParamString, Required: true},
					{Name: "title", Type: registry.ParamString, Required: true},
				},
				Execute: n.createPage,
			},
		},
	}
}

// token returns the bare bearer token, dropping the workspace payload that
// rides along in the stored composite value.
func (n *Integration) token(ctx context.Context, userID uuid.UUID) (string, error) {
	raw, err := n.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderNotion)
	if err != nil {
		return "", fmt.Errorf("notion credentials: %w", err)
	}
	token, _ := credentials.DecodeCompositeToken(raw)
	return token, nil
}

func (n *Integration) checkNewPage(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	databaseID, _ := params["database_id"].(string)
	if databaseID == "" {
		return nil, fmt.Errorf("database_id parameter is required")
	}

	token, err := n.token(ctx, userID)
	if err != nil {
		return nil, err
	}

	result, err := n.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/databases/%s/query", n.baseURL, databaseID),
		Token:  token,
		Body: map[string]any{
			"sorts":     []map[string]string{{"timestamp": "created_time", "direction": "descending"}},
			"page_size": 1,
		},
		Headers: map[string]string{"Notion-Version": notionVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("could not query notion database %s: %w", databaseID, err)
	}

	newest := result.Get("results.0")
	currentID := newest.Get("id").String()
	createdTime := newest.Get("created_time").String()

	if len(prev) == 0 {
		return &registry.TriggerResult{Save: marshalState(pageState{LastPageID: currentID, LastCreatedTime: createdTime})}, nil
	}

	var state pageState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	// Fire on a different newest page whose created_time moved forward.
	// RFC3339 strings compare correctly as strings, and an empty database
	// never fires.
	if currentID == "" || currentID == state.LastPageID || createdTime <= state.LastCreatedTime {
		return nil, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(pageState{LastPageID: currentID, LastCreatedTime: createdTime}),
		Data: map[string]any{
			"page_id":    currentID,
			"page_url":   newest.Get("url").String(),
			"page_title": newest.Get("properties.Name.title.0.plain_text").String(),
		},
	}, nil
}

func (n *Integration) createPage(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	databaseID, _ := params["database_id"].(string)
	title, _ := params["title"].(string)
	if databaseID == "" || title == "" {
		return fmt.Errorf("database_id and title parameters are required")
	}

	token, err := n.token(ctx, userID)
	if err != nil {
		return err
	}

	result, err := n.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    n.baseURL + "/pages",
		Token:  token,
		Body: map[string]any{
			"parent": map[string]string{"database_id": databaseID},
			"properties": map[string]any{
				"Name": map[string]any{
					"title": []map[string]any{
						{"text": map[string]string{"content": title}},
					},
				},
			},
		},
		Headers: map[string]string{"Notion-Version": notionVersion},
	})
	if err != nil {
		return fmt.Errorf("could not create notion page: %w", err)
	}

	n.logger.Info("notion page created",
		zap.String("component", "notion"),
		zap.String("page_id", result.Get("id").String()))
	return nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
