package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User represents a user account.
type User struct {
	BaseEntity
	Email        string  `db:"email"         json:"email"`
	Name         *string `db:"name"          json:"name,omitempty"`
	PasswordHash *string `db:"password_hash" json:"-"`
}

// LinkedAccount represents a linked third-party account for one
// (user, provider) pair. Tokens are stored encrypted as "iv:ciphertext".
type LinkedAccount struct {
	ID             uuid.UUID     `db:"id"               json:"id"`
	UserID         uuid.UUID     `db:"user_id"          json:"user_id"`
	Provider       ProviderType  `db:"provider"         json:"provider"`
	Email          string        `db:"email"            json:"email"`
	ProviderUserID string        `db:"provider_user_id" json:"provider_user_id"`
	AccessToken    string        `db:"access_token"     json:"-"`
	RefreshToken   string        `db:"refresh_token"    json:"-"`
	TokenExpiry    time.Time     `db:"token_expiry"     json:"token_expiry"`
	Scopes         []string      `db:"scopes"           json:"scopes"`
	Status         AccountStatus `db:"status"           json:"status"`
	CreatedAt      time.Time     `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"       json:"updated_at"`
}

// Automation binds one action (trigger) to an ordered list of reactions.
// The engine only ever mutates ActionState, LastExecutedAt and ErrorLog;
// creation and deletion happen through the management API.
type Automation struct {
	BaseEntity
	UserID         uuid.UUID         `db:"user_id"          json:"user_id"`
	Name           string            `db:"name"             json:"name"`
	IsActive       bool              `db:"is_active"        json:"is_active"`
	ActionID       string            `db:"action_id"        json:"action_id"`
	ActionParams   map[string]any    `db:"action_params"    json:"action_params"`
	ActionState    json.RawMessage   `db:"action_state"     json:"action_state"`
	LastExecutedAt *time.Time        `db:"last_executed_at" json:"last_executed_at,omitempty"`
	ErrorLog       *string           `db:"error_log"        json:"error_log,omitempty"`
	Reactions      []ReactionBinding `db:"-"                json:"reactions"`
}

// ReactionBinding is one reaction bound to an automation. Params may contain
// unresolved {{field}} placeholders referencing the action's return values.
type ReactionBinding struct {
	ID           uuid.UUID      `db:"id"            json:"id"`
	AutomationID uuid.UUID      `db:"automation_id" json:"automation_id"`
	ReactionID   string         `db:"reaction_id"   json:"reaction_id"`
	Params       map[string]any `db:"params"        json:"params"`
	Position     int            `db:"position"      json:"position"`
}

// ExecutionLog records the outcome of a single reaction execution (or a
// skipped/failed pipeline step) within one evaluation of an automation.
type ExecutionLog struct {
	ID           uuid.UUID          `db:"id"            json:"id"`
	AutomationID uuid.UUID          `db:"automation_id" json:"automation_id"`
	ReactionID   *string            `db:"reaction_id"   json:"reaction_id,omitempty"`
	Status       ExecutionLogStatus `db:"status"        json:"status"`
	Details      json.RawMessage    `db:"details"       json:"details"`
	ErrorMessage string             `db:"error_message" json:"error_message"`
	CreatedAt    time.Time          `db:"created_at"    json:"created_at"`
}
