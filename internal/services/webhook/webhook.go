package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"area-automator-api/internal/registry"
	"area-automator-api/internal/services/httpx"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Integration provides credential-free reactions: a generic outbound
// webhook and an operator-visible log line. Useful as the catch-all
// reaction when no provider-specific one fits.
type Integration struct {
	client *httpx.Client
	logger *zap.Logger
}

// New ...
func New(client *httpx.Client, log *zap.Logger) *Integration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Integration{client: client, logger: log}
}

// Service returns the service descriptor registered at boot.
func (i *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "webhook",
		Name:          "Webhooks",
		RequiresOAuth: false,
		Reactions: []registry.Reaction{
			{
				ID:          "HTTP_POST_REQUEST",
				Name:        "Send HTTP POST",
				Description: "POSTs a JSON body to a URL of your choosing.",
				Params: []registry.ParamField{
					{Name: "url", Type: registry.ParamString, Required: true, Description: "Destination URL, https only"},
					{Name: "body", Type: registry.ParamString, Required: false, Description: "JSON body, raw string sent as {\"message\": ...} when not valid JSON"},
				},
				Execute: i.postRequest,
			},
			{
				ID:          "LOG_MESSAGE",
				Name:        "Log a message",
				Description: "Writes the message to the server log.",
				Params: []registry.ParamField{
					{Name: "message", Type: registry.ParamString, Required: true},
				},
				Execute: i.logMessage,
			},
		},
	}
}

func (i *Integration) postRequest(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	rawURL, _ := params["url"].(string)
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "https" && target.Scheme != "http") {
		return fmt.Errorf("url parameter must be a valid http(s) URL")
	}

	body, _ := params["body"].(string)

	var rawBody []byte
	if json.Valid([]byte(body)) && body != "" {
		rawBody = []byte(body)
	} else {
		// Non-JSON bodies are wrapped so the receiver always gets JSON.
		rawBody, _ = json.Marshal(map[string]string{"message": body})
	}

	_, err = i.client.DoJSON(ctx, httpx.Request{
		Method:  http.MethodPost,
		URL:     rawURL,
		RawBody: rawBody,
		Headers: map[string]string{"Content-Type": "application/json"},
	})
	if err != nil {
		return fmt.Errorf("webhook delivery to %s failed: %w", target.Host, err)
	}

	i.logger.Info("webhook delivered",
		zap.String("component", "webhook"),
		zap.String("host", target.Host))
	return nil
}

func (i *Integration) logMessage(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	message, _ := params["message"].(string)
	if message == "" {
		return fmt.Errorf("message parameter is required")
	}

	i.logger.Info(message,
		zap.String("component", "webhook"),
		zap.String("user_id", userID.String()),
		zap.String("source", "LOG_MESSAGE"))
	return nil
}
