package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/registry"
	"area-automator-api/internal/services/httpx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.spotify.com/v1"

// trackState is the watermark for SPOTIFY_TRACK_CHANGED.
type trackState struct {
	TrackID string `json:"track_id"`
}

// Integration talks to the Spotify Web API.
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
func (s *Integration) WithBaseURL(u string) *Integration {
	s.baseURL = u
	return s
}

// Service returns the service descriptor registered at boot.
func (s *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "spotify",
		Name:          "Spotify",
		RequiresOAuth: true,
		Provider:      domain.ProviderSpotify,
		Actions: []registry.Action{
			{
				ID:          "SPOTIFY_TRACK_CHANGED",
				Name:        "Playing track changed",
				Description: "Fires when the currently playing track differs from the last seen one.",
				Scopes:      []string{"user-read-currently-playing"},
				ReturnValues: []registry.ReturnValue{
					{Name: "track_name", Example: "Bohemian Rhapsody"},
					{Name: "artist_name", Example: "Queen"},
					{Name: "track_url", Example: "https://open.spotify.com/track/4u7EnebtmKWzUH433cf5Qv"},
				},
				Check: s.checkTrackChanged,
			},
		},
		Reactions: []registry.Reaction{
			{
				ID:          "SPOTIFY_PAUSE_PLAYBACK",
				Name:        "Pause playback",
				Description: "Pauses the user's active playback device.",
				Scopes:      []string{"user-modify-playback-state"},
				Execute:     s.pausePlayback,
			},
			{
				ID:          "SPOTIFY_SKIP_TRACK",
				Name:        "Skip to next track",
				Description: "Skips the active device to the next track.",
				Scopes:      []string{"user-modify-playback-state"},
				Execute:     s.skipTrack,
			},
		},
	}
}

func (s *Integration) checkTrackChanged(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	token, err := s.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderSpotify)
	if err != nil {
		return nil, fmt.Errorf("spotify credentials: %w", err)
	}

	// 204 with an empty body means nothing is playing; DoJSON yields an
	// empty result and item.id comes back "".
	result, err := s.client.DoJSON(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    s.baseURL + "/me/player/currently-playing",
		Token:  token,
	})
	if err != nil {
		return nil, fmt.Errorf("could not fetch currently playing track: %w", err)
	}

	current := result.Get("item.id").String()

	if len(prev) == 0 {
		return &registry.TriggerResult{Save: marshalState(trackState{TrackID: current})}, nil
	}

	var state trackState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	// Inequality, not ordering: any different track fires, including the
	// transition to silence (current == "").
	if current == state.TrackID {
		return nil, nil
	}

	data := map[string]any{
		"track_name":  result.Get("item.name").String(),
		"artist_name": result.Get("item.artists.0.name").String(),
		"track_url":   result.Get("item.external_urls.spotify").String(),
	}

	return &registry.TriggerResult{
		Save: marshalState(trackState{TrackID: current}),
		Data: data,
	}, nil
}

func (s *Integration) pausePlayback(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	return s.playerCommand(ctx, userID, http.MethodPut, "/me/player/pause", "pause playback")
}

func (s *Integration) skipTrack(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	return s.playerCommand(ctx, userID, http.MethodPost, "/me/player/next", "skip track")
}

func (s *Integration) playerCommand(ctx context.Context, userID uuid.UUID, method, path, verb string) error {
	token, err := s.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderSpotify)
	if err != nil {
		return fmt.Errorf("spotify credentials: %w", err)
	}

	_, err = s.client.DoJSON(ctx, httpx.Request{Method: method, URL: s.baseURL + path, Token: token})
	if err != nil {
		var apiErr *httpx.APIError
		if errors.As(err, &apiErr) && apiErr.Body.Get("error.reason").String() == "NO_ACTIVE_DEVICE" {
			return fmt.Errorf("could not %s: no active Spotify device", verb)
		}
		return fmt.Errorf("could not %s: %w", verb, err)
	}

	s.logger.Info("spotify player command executed",
		zap.String("component", "spotify"),
		zap.String("command", verb))
	return nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
