package linkedin

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

const defaultBaseURL = "https://api.linkedin.com"

// profileState is the watermark for LINKEDIN_PROFILE_UPDATED. The snapshot
// is the serialized subset of profile fields we watch; any difference fires.
type profileState struct {
	Snapshot string `json:"snapshot"`
}

// Integration talks to the LinkedIn REST API.
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
func (l *Integration) WithBaseURL(u string) *Integration {
	l.baseURL = u
	return l
}

// Service returns the service descriptor registered at boot.
func (l *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "linkedin",
		Name:          "LinkedIn",
		RequiresOAuth: true,
		Provider:      domain.ProviderLinkedin,
		Actions: []registry.Action{
			{
				ID:          "LINKEDIN_PROFILE_UPDATED",
				Name:        "Profile updated",
				Description: "Fires when the watched profile fields change.",
				Scopes:      []string{"openid", "profile"},
				ReturnValues: []registry.ReturnValue{
					{Name: "profile_name", Example: "Ada Lovelace"},
					{Name: "profile_headline", Example: "Software Engineer"},
				},
				Check: l.checkProfileUpdated,
			},
		},
		Reactions: []registry.Reaction{
			{
				ID:          "LINKEDIN_SHARE_POST",
				Name:        "Share a post",
				Description: "Publishes a text post on the member's feed.",
				Params: []registry.ParamField{
					{Name: "text", Type: registry.ParamString, Required: true},
				},
				Scopes:  []string{"w_member_social"},
				Execute: l.sharePost,
			},
		},
	}
}

// watchedSnapshot extracts and serializes the profile fields the action
// watches, in a fixed order so equal profiles yield equal snapshots.
func watchedSnapshot(name, headline, picture string) string {
	b, _ := json.Marshal([]string{name, headline, picture})
	return string(b)
}

func (l *Integration) checkProfileUpdated(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	token, err := l.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderLinkedin)
	if err != nil {
		return nil, fmt.Errorf("linkedin credentials: %w", err)
	}

	result, err := l.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    l.baseURL + "/v2/userinfo",
		Token:  token,
	})
	if err != nil {
		return nil, fmt.Errorf("could not fetch linkedin profile: %w", err)
	}

	name := result.Get("name").String()
	headline := result.Get("headline").String()
	picture := result.Get("picture").String()
	current := watchedSnapshot(name, headline, picture)

	if len(prev) == 0 {
		return &registry.TriggerResult{Save: marshalState(profileState{Snapshot: current})}, nil
	}

	var state profileState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	if current == state.Snapshot {
		return nil, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(profileState{Snapshot: current}),
		Data: map[string]any{
			"profile_name":     name,
			"profile_headline": headline,
		},
	}, nil
}

func (l *Integration) sharePost(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	text, _ := params["text"].(string)
	if text == "" {
		return fmt.Errorf("text parameter is required")
	}

	token, err := l.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderLinkedin)
	if err != nil {
		return fmt.Errorf("linkedin credentials: %w", err)
	}

	// The author URN comes from the OIDC userinfo subject.
	me, err := l.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    l.baseURL + "/v2/userinfo",
		Token:  token,
	})
	if err != nil {
		return fmt.Errorf("could not resolve linkedin member id: %w", err)
	}

	_, err = l.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    l.baseURL + "/v2/ugcPosts",
		Token:  token,
		Body: map[string]any{
			"author":         "urn:li:person:" + me.Get("sub").String(),
			"lifecycleState": "PUBLISHED",
			"specificContent": map[string]any{
				"com.linkedin.ugc.ShareContent": map[string]any{
					"shareCommentary":    map[string]string{"text": text},
					"shareMediaCategory": "NONE",
				},
			},
			"visibility": map[string]string{
				"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
			},
		},
		Headers: map[string]string{"X-Restli-Protocol-Version": "2.0.0"},
	})
	if err != nil {
		return fmt.Errorf("could not share linkedin post: %w", err)
	}

	l.logger.Info("linkedin post shared", zap.String("component", "linkedin"))
	return nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
