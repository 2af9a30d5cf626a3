package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// emailState is the watermark for GOOGLE_NEW_EMAIL_RECEIVED.
type emailState struct {
	LastMessageID string `json:"last_message_id"`
}

// Integration talks to Gmail and Google Calendar through the official
// client libraries.
type Integration struct {
	creds     *credentials.Manager
	logger    *zap.Logger
	extraOpts []option.ClientOption
}

// New ...
func New(creds *credentials.Manager, log *zap.Logger) *Integration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Integration{creds: creds, logger: log}
}

// WithClientOptions appends options to every API client built by the
// integration (tests use this to point at a local server).
func (g *Integration) WithClientOptions(opts ...option.ClientOption) *Integration {
	g.extraOpts = append(g.extraOpts, opts...)
	return g
}

// Service returns the service descriptor registered at boot.
func (g *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "google",
		Name:          "Google",
		RequiresOAuth: true,
		Provider:      domain.ProviderGoogle,
		Actions: []registry.Action{
			{
				ID:          "GOOGLE_NEW_EMAIL_RECEIVED",
				Name:        "New email received",
				Description: "Fires when the newest inbox message differs from the last seen one.",
				Scopes:      []string{gmail.GmailReadonlyScope},
				ReturnValues: []registry.ReturnValue{
					{Name: "email_subject", Example: "Build failed on main"},
					{Name: "email_from", Example: "ci@example.com"},
					{Name: "email_snippet", Example: "The nightly build failed with..."},
				},
				Check: g.checkNewEmail,
			},
		},
		Reactions: []registry.Reaction{
			{
				ID:          "GOOGLE_SEND_EMAIL",
				Name:        "Send email",
				Description: "Sends an email from the linked Gmail account.",
				Params: []registry.ParamField{
					{Name: "to", Type: registry.ParamString, Required: true},
					{Name: "subject", Type: registry.ParamString, Required: true},
					{Name: "body", Type: registry.ParamString, Required: true},
				},
				Scopes:  []string{gmail.GmailSendScope},
				Execute: g.sendEmail,
			},
			{
				ID:          "GOOGLE_CREATE_CALENDAR_EVENT",
				Name:        "Create calendar event",
				Description: "Creates an event on the user's primary calendar.",
				Params: []registry.ParamField{
					{Name: "summary", Type: registry.ParamString, Required: true},
					{Name: "description", Type: registry.ParamString, Required: false},
					{Name: "start", Type: registry.ParamString, Required: true, Description: "RFC3339 start time"},
					{Name: "duration_minutes", Type: registry.ParamNumber, Required: false, Description: "Defaults to 60"},
				},
				Scopes:  []string{calendar.CalendarEventsScope},
				Execute: g.createCalendarEvent,
			},
		},
	}
}

func (g *Integration) clientOptions(ctx context.Context, userID uuid.UUID) ([]option.ClientOption, error) {
	token, err := g.creds.GetTokenWithRefresh(ctx, userID, domain.ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}

	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
	return append(opts, g.extraOpts...), nil
}

func (g *Integration) checkNewEmail(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	opts, err := g.clientOptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not build gmail client: %w", err)
	}

	list, err := svc.Users.Messages.List("me").LabelIds("INBOX").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("could not list inbox messages: %w", err)
	}

	var currentID string
	if len(list.Messages) > 0 {
		currentID = list.Messages[0].Id
	}

	if len(prev) == 0 {
		return &registry.TriggerResult{Save: marshalState(emailState{LastMessageID: currentID})}, nil
	}

	var state emailState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	// Inequality on the newest message id; an empty inbox never fires.
	if currentID == "" || currentID == state.LastMessageID {
		return nil, nil
	}

	msg, err := svc.Users.Messages.Get("me", currentID).Format("metadata").MetadataHeaders("Subject", "From").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("could not fetch message %s: %w", currentID, err)
	}

	data := map[string]any{"email_snippet": msg.Snippet}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				data["email_subject"] = h.Value
			case "From":
				data["email_from"] = h.Value
			}
		}
	}

	return &registry.TriggerResult{
		Save: marshalState(emailState{LastMessageID: currentID}),
		Data: data,
	}, nil
}

func (g *Integration) sendEmail(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	to, _ := params["to"].(string)
	subject, _ := params["subject"].(string)
	body, _ := params["body"].(string)
	if to == "" || subject == "" {
		return fmt.Errorf("to and subject parameters are required")
	}

	opts, err := g.clientOptions(ctx, userID)
	if err != nil {
		return err
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("could not build gmail client: %w", err)
	}

	raw := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s", to, subject, body)
	message := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(raw))}

	if _, err := svc.Users.Messages.Send("me", message).Context(ctx).Do(); err != nil {
		return fmt.Errorf("could not send email: %w", err)
	}

	g.logger.Info("email sent",
		zap.String("component", "google"),
		zap.String("to", to))
	return nil
}

func (g *Integration) createCalendarEvent(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error {
	summary, _ := params["summary"].(string)
	if summary == "" {
		return fmt.Errorf("summary parameter is required")
	}

	startRaw, _ := params["start"].(string)
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return fmt.Errorf("start parameter must be RFC3339: %w", err)
	}

	duration := 60 * time.Minute
	if minutes, ok := params["duration_minutes"].(float64); ok && minutes > 0 {
		duration = time.Duration(minutes) * time.Minute
	}

	opts, err := g.clientOptions(ctx, userID)
	if err != nil {
		return err
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("could not build calendar client: %w", err)
	}

	description, _ := params["description"].(string)
	event := &calendar.Event{
		Summary:     summary,
		Description: description,
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: start.Add(duration).Format(time.RFC3339)},
	}

	created, err := svc.Events.Insert("primary", event).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("could not create calendar event: %w", err)
	}

	g.logger.Info("calendar event created",
		zap.String("component", "google"),
		zap.String("event_id", created.Id))
	return nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
