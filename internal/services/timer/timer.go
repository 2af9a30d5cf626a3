package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"area-automator-api/internal/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// intervalState is the watermark for TIMER_INTERVAL_ELAPSED.
type intervalState struct {
	LastFiredUnix int64 `json:"last_fired_unix"`
}

// dailyState is the watermark for TIMER_DAILY_AT.
type dailyState struct {
	LastFiredDate string `json:"last_fired_date"`
}

// Integration is the clock-backed service. It needs no credentials and no
// network; everything derives from the injected clock.
type Integration struct {
	logger *zap.Logger
	now    func() time.Time
}

// New ...
func New(log *zap.Logger) *Integration {
	if log == nil {
		log = zap.NewNop()
	}
	return &Integration{logger: log, now: time.Now}
}

// WithClock overrides the time source (tests).
func (i *Integration) WithClock(now func() time.Time) *Integration {
	i.now = now
	return i
}

// Service returns the service descriptor registered at boot.
func (i *Integration) Service() registry.Service {
	return registry.Service{
		ID:            "timer",
		Name:          "Timer",
		RequiresOAuth: false,
		Actions: []registry.Action{
			{
				ID:          "TIMER_INTERVAL_ELAPSED",
				Name:        "Interval elapsed",
				Description: "Fires once every N minutes.",
				Params: []registry.ParamField{
					{Name: "interval_minutes", Type: registry.ParamNumber, Required: true, Description: "Minutes between firings"},
				},
				ReturnValues: []registry.ReturnValue{
					{Name: "fired_at", Example: "2026-08-28T10:30:00Z"},
				},
				Check: i.checkInterval,
			},
			{
				ID:          "TIMER_DAILY_AT",
				Name:        "Daily at time",
				Description: "Fires once per day after the given wall-clock time (UTC).",
				Params: []registry.ParamField{
					{Name: "time", Type: registry.ParamString, Required: true, Description: "HH:MM, 24-hour UTC"},
				},
				ReturnValues: []registry.ReturnValue{
					{Name: "fired_at", Example: "2026-08-28T09:00:12Z"},
					{Name: "date", Example: "2026-08-28"},
				},
				Check: i.checkDaily,
			},
		},
	}
}

func (i *Integration) checkInterval(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	minutes, ok := params["interval_minutes"].(float64)
	if !ok || minutes <= 0 {
		return nil, fmt.Errorf("interval_minutes must be a positive number")
	}

	now := i.now().UTC()

	if len(prev) == 0 {
		// First evaluation anchors the interval; it never fires.
		return &registry.TriggerResult{Save: marshalState(intervalState{LastFiredUnix: now.Unix()})}, nil
	}

	var state intervalState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	elapsed := now.Sub(time.Unix(state.LastFiredUnix, 0))
	if elapsed < time.Duration(minutes)*time.Minute {
		return nil, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(intervalState{LastFiredUnix: now.Unix()}),
		Data: map[string]any{
			"fired_at": now.Format(time.RFC3339),
		},
	}, nil
}

func (i *Integration) checkDaily(ctx context.Context, userID uuid.UUID, params map[string]any, prev json.RawMessage) (*registry.TriggerResult, error) {
	at, _ := params["time"].(string)
	target, err := time.Parse("15:04", at)
	if err != nil {
		return nil, fmt.Errorf("time parameter must be HH:MM: %w", err)
	}

	now := i.now().UTC()
	today := now.Format("2006-01-02")

	if len(prev) == 0 {
		// Mark today as handled so a freshly created automation does not
		// fire immediately when the target time is already past.
		return &registry.TriggerResult{Save: marshalState(dailyState{LastFiredDate: today})}, nil
	}

	var state dailyState
	if err := json.Unmarshal(prev, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedState, err)
	}

	if state.LastFiredDate == today {
		return nil, nil
	}

	due := time.Date(now.Year(), now.Month(), now.Day(), target.Hour(), target.Minute(), 0, 0, time.UTC)
	if now.Before(due) {
		return nil, nil
	}

	return &registry.TriggerResult{
		Save: marshalState(dailyState{LastFiredDate: today}),
		Data: map[string]any{
			"fired_at": now.Format(time.RFC3339),
			"date":     today,
		},
	}, nil
}

func marshalState(state any) json.RawMessage {
	b, _ := json.Marshal(state)
	return b
}
