package domain

import (
	"time"

	"github.com/google/uuid"
)

// --- ENUM Types ---

type ProviderType string

const (
	ProviderGithub   ProviderType = "github"
	ProviderGoogle   ProviderType = "google"
	ProviderSpotify  ProviderType = "spotify"
	ProviderNotion   ProviderType = "notion"
	ProviderLinkedin ProviderType = "linkedin"
	ProviderTwitch   ProviderType = "twitch"
)

type AccountStatus string

const (
	StatusActive  AccountStatus = "active"
	StatusRevoked AccountStatus = "revoked"
	StatusError   AccountStatus = "error"
)

type ExecutionLogStatus string

const (
	LogSuccess ExecutionLogStatus = "success"
	LogFailure ExecutionLogStatus = "failure"
	LogSkipped ExecutionLogStatus = "skipped"
)

// --- Base Structs ---

type BaseEntity struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
