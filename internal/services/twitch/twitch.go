package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/registry"
	"area-automator-api/internal/services/httpx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// streamState is the watermark for TWITCH_STREAM_STARTED. Helix assigns a
// new stream id per broadcast, so a changed non-empty id is a fresh go-live.
type streamState struct {
	LastStreamID string `json:"last_stream_id"`
}

// Integration talks to the Twitch Helix API. Helix requires the app's
// Client-Id header on every call in addition to the user token.
type Integration struct {
	creds    *credentials.Manager
	client   *httpx.Client
	logger   *zap.Logger
	baseURL  string
	clientID string
}

// New reads TWITCH_CLIENT_ID for the Client-Id header.
func New(creds *credentials.Manager, client *httpx.Client, log *zap.Logger) *Integration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Integration{
		creds:    creds,
		client:   client,
		logger:   log,
		baseURL:  defaultBaseURL,
		clientID: os.Getenv("TWITCH_CLIENT_ID"),
	}
}

// WithBaseURL points the integration at a different API root (tests).
func (tw *Integration) WithBaseURL(u string) *Integration {
	tw.baseURL = u
	return tw
}

// WithClientID overrides the Client-Id header value (tests).
func (tw *Integration) WithClientID(id string) *Integration {
	tw.clientID = id
	return tw
}

// Service returns the service descriptor registered at boot.
func (tw *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "twitch",
		Name:          "Twitch",
		RequiresOAuth: true,
		Provider:      domain.ProviderTwitch,
		Actions: []registry.Action{
			{
				ID:          "TWITCH_STREAM_STARTED",
				Name:        "Stream started",
				Description: "Fires when the watched channel begins a new broadcast.",
				Params: []registry.ParamField{
					{Name: "channel", Type: registry.ParamString, Required: true, Description: "Channel login name"},
				},
				ReturnValues: []registry.ReturnValue{
					{Name: "stream_title", Example: "Speedrunning all night"},
					{Name: "game_name", Example: "Celeste"},
					{Name: "viewer_count", Example: "1523"},
				},
				Check: tw.checkStreamStarted,
			},
		},
		Reactions: []registry.Reaction{
			{
				ID:          "TWITCH_SEND_CHAT_MESSAGE",
				Name:        "Send chat message",
				Description: "Posts a message in a channel's chat as the linked user.",
				Params: []registry.ParamField{
					{Name: "channel", Type: registry.ParamString, Required: true},
					{Name: "message", Type: registry.ParamString, Required: true},
				},
				Scopes:  []string{"user:write:chat"},
				Execute: tw.sendChatMessage,
			},
		},
	}
}

func (tw *Integration) headers() map[string]string {
	return map[string]string{"Client-Id": tw.clientID}
}

// resolveUserID maps a channel login to its Helix user id.
func (tw *Integration) resolveUserID(ctx context.Context, token, channel string) (string, error) {
	result, err := tw.client.DoJSON(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     tw.baseURL + "/users?login=" + url.QueryEscape(channel),
		Token:   token,
		Headers: tw.headers(),
	})
	if err != nil {
		return "", fmt.Errorf("could not resolve channel %s: %w", channel, err)
	}

	id := result.Get("data.0.id").String()
	if id == "" {
		return "", fmt.Errorf("channel %s not found", channel)
	}
	return id, nil
}

func (tw *Integration) checkStreamStarted(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	channel, _ := params["channel"].(string)
	if channel == "" {
		return nil, fmt.Errorf("channel parameter is required")
	}

	token, err := tw.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderTwitch)
	if err != nil {
		return nil, fmt.Errorf("twitch credentials: %w", err)
	}

	result, err := tw.client.DoJSON(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     tw.baseURL + "/streams?user_login=" + url.QueryEscape(channel),
		Token:   token,
		Headers: tw.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("could not fetch stream for %s: %w", channel, err)
	}

	// Offline channels return an empty data array; the id is "".
	stream := result.Get("data.0")
	currentID := stream.Get("id").String()

	if len(prev) == 0 {
		return &registry.TriggerResult{Save: marshalState(streamState{LastStreamID: currentID})}, nil
	}

	var state streamState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	// Only the offline-to-live edge (or a brand-new broadcast id) fires;
	// going offline updates the watermark silently.
	if currentID == state.LastStreamID {
		return nil, nil
	}
	if currentID == "" {
		return &registry.TriggerResult{Save: marshalState(streamState{LastStreamID: ""})}, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(streamState{LastStreamID: currentID}),
		Data: map[string]any{
			"stream_title": stream.Get("title").String(),
			"game_name":    stream.Get("game_name").String(),
			"viewer_count": stream.Get("viewer_count").Int(),
		},
	}, nil
}

func (tw *Integration) sendChatMessage(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	channel, _ := params["channel"].(string)
	message, _ := params["message"].(string)
	if channel == "" || message == "" {
		return fmt.Errorf("channel and message parameters are required")
	}

	token, err := tw.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderTwitch)
	if err != nil {
		return fmt.Errorf("twitch credentials: %w", err)
	}

	broadcasterID, err := tw.resolveUserID(ctx, token, channel)
	if err != nil {
		return err
	}

	// The sender is the linked account itself.
	me, err := tw.client.DoJSON(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     tw.baseURL + "/users",
		Token:   token,
		Headers: tw.headers(),
	})
	if err != nil {
		return fmt.Errorf("could not resolve own twitch user: %w", err)
	}

	_, err = tw.client.DoJSON(ctx, httpx.Request{
		Method:  http.MethodPost,
		URL:     tw.baseURL + "/chat/messages",
		Token:   token,
		Headers: tw.headers(),
		Body: map[string]string{
			"broadcaster_id": broadcasterID,
			"sender_id":      me.Get("data.0.id").String(),
			"message":        message,
		},
	})
	if err != nil {
		return fmt.Errorf("could not send chat message to %s: %w", channel, err)
	}

	tw.logger.Info("twitch chat message sent",
		zap.String("component", "twitch"),
		zap.String("channel", channel))
	return nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
