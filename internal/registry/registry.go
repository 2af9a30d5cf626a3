package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"area-automator-api/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrMalformedState marks a watermark that an action could not decode. The
// engine pauses the owning automation instead of silently repairing it.
var ErrMalformedState = errors.New("malformed action state")

// TriggerResult is what a check returns when it has something to persist.
// Save is the new watermark, stored verbatim. Data is the payload reactions
// interpolate against; nil means "watermark established, nothing fired".
type TriggerResult struct {
	Save json.RawMessage
	Data map[string]any
}

// CheckFunc evaluates an action's trigger against live provider state.
// A nil result means no change this cycle; an error is treated the same way
// by the engine and leaves the previous watermark untouched.
type CheckFunc func(ctx context.Context, userID uuid.UUID, params map[string]any, prevState json.RawMessage) (*TriggerResult, error)

// ExecuteFunc performs one side-effecting call against a third-party API.
// Params arrive already interpolated.
type ExecuteFunc func(ctx context.Context, userID uuid.UUID, params map[string]any, payload map[string]any) error

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamSelect  ParamType = "select"
)

// ParamField describes one user-supplied parameter of an action or reaction.
type ParamField struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Options     []string  `json:"options,omitempty"`
}

// ReturnValue names one field of an action's payload that downstream
// reaction parameters may reference as {{name}}.
type ReturnValue struct {
	Name    string `json:"name"`
	Example string `json:"example"`
}

// Action is a capability descriptor: metadata plus a Check function value.
type Action struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Params       []ParamField  `json:"params"`
	Scopes       []string      `json:"scopes,omitempty"`
	ReturnValues []ReturnValue `json:"return_values"`
	Check        CheckFunc     `json:"-"`
}

// Reaction is a capability descriptor: metadata plus an Execute function value.
type Reaction struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Params      []ParamField `json:"params"`
	Scopes      []string     `json:"scopes,omitempty"`
	Execute     ExecuteFunc  `json:"-"`
}

// Service groups the actions and reactions one integration contributes.
type Service struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	RequiresOAuth bool                `json:"requires_oauth"`
	Provider      domain.ProviderType `json:"provider,omitempty"`
	Actions       []Action            `json:"actions"`
	Reactions     []Reaction          `json:"reactions"`
}

// Registry is the in-memory service catalog. It is populated once at boot
// and read-mostly afterwards; the lock only matters for the registration
// phase and keeps concurrent readers safe by construction.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	order    []string
	logger   *zap.Logger
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		services: make(map[string]Service),
		logger:   log,
	}
}

// Register adds a service descriptor, overwriting (with a warning) an
// existing registration under the same id.
func (r *Registry) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[svc.ID]; exists {
		r.logger.Warn("service registered twice, overwriting",
			zap.String("component", "registry"),
			zap.String("service", svc.ID))
	} else {
		r.order = append(r.order, svc.ID)
	}
	r.services[svc.ID] = svc
}

// Services returns all registered services in registration order.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.services[id])
	}
	return out
}

// FindActionOwner resolves the service and action descriptor owning the
// given action id. Lookup is a linear scan; a miss is not fatal to callers.
func (r *Registry) FindActionOwner(actionID string) (Service, Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		svc := r.services[id]
		for _, action := range svc.Actions {
			if action.ID == actionID {
				return svc, action, true
			}
		}
	}
	return Service{}, Action{}, false
}

// FindReactionOwner resolves the service and reaction descriptor owning the
// given reaction id.
func (r *Registry) FindReactionOwner(reactionID string) (Service, Reaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		svc := r.services[id]
		for _, reaction := range svc.Reactions {
			if reaction.ID == reactionID {
				return svc, reaction, true
			}
		}
	}
	return Service{}, Reaction{}, false
}
