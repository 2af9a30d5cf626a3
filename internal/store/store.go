package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"area-automator-api/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DBPool is the subset of pgxpool.Pool the store needs. Satisfied by both
// *pgxpool.Pool and pgxmock.PgxPoolIface.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Storer is the interface for all database interactions the engine and the
// credential manager depend on.
type Storer interface {
	CreateUser(ctx context.Context, email, name string) (domain.User, error)

	LoadActiveAutomations(ctx context.Context) ([]domain.Automation, error)
	GetAutomationByID(ctx context.Context, id uuid.UUID) (domain.Automation, error)
	SaveActionState(ctx context.Context, automationID uuid.UUID, state json.RawMessage) error
	RecordExecution(ctx context.Context, automationID uuid.UUID, executedAt time.Time, errLog *string) error
	SetAutomationActive(ctx context.Context, automationID uuid.UUID, active bool) error
	CreateExecutionLog(ctx context.Context, arg CreateExecutionLogParams) error

	GetLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (domain.LinkedAccount, error)
	UpsertLinkedAccount(ctx context.Context, arg UpsertLinkedAccountParams) (domain.LinkedAccount, error)
	UpdateLinkedAccountTokens(ctx context.Context, arg UpdateLinkedAccountTokensParams) error
	DeleteLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) error
}

// DBStore implements the Storer interface.
type DBStore struct {
	pool DBPool
}

// NewStore creates a new DBStore.
func NewStore(pool DBPool) Storer {
	return &DBStore{pool: pool}
}

// CreateUser creates (or re-activates) a user row.
func (s *DBStore) CreateUser(ctx context.Context, email, name string) (domain.User, error) {
	query := `
    INSERT INTO users (email, name)
    VALUES ($1, $2)
    ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
    RETURNING id, email, name, password_hash, created_at, updated_at;
    `

	row := s.pool.QueryRow(ctx, query, email, name)

	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("db scan error: %w", err)
	}

	return u, nil
}

const automationColumns = `
    id, user_id, name, is_active, action_id, action_params, action_state,
    last_executed_at, error_log, created_at, updated_at`

func scanAutomation(row pgx.Row) (domain.Automation, error) {
	var a domain.Automation
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Name,
		&a.IsActive,
		&a.ActionID,
		&a.ActionParams,
		&a.ActionState,
		&a.LastExecutedAt,
		&a.ErrorLog,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

// LoadActiveAutomations fetches every automation with is_active = true,
// including its ordered reaction bindings.
func (s *DBStore) LoadActiveAutomations(ctx context.Context) ([]domain.Automation, error) {
	query := `
    SELECT ` + automationColumns + `
    FROM automations
    WHERE is_active = true;
    `

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db query error: %w", err)
	}
	defer rows.Close()

	var automations []domain.Automation
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("db row scan error: %w", err)
		}
		automations = append(automations, a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db rows error: %w", err)
	}

	if len(automations) == 0 {
		return automations, nil
	}

	reactions, err := s.loadReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range automations {
		automations[i].Reactions = reactions[automations[i].ID]
	}

	return automations, nil
}

// GetAutomationByID fetches one automation with its reaction bindings,
// regardless of the active flag (used for out-of-band evaluation).
func (s *DBStore) GetAutomationByID(ctx context.Context, id uuid.UUID) (domain.Automation, error) {
	query := `
    SELECT ` + automationColumns + `
    FROM automations
    WHERE id = $1;
    `

	a, err := scanAutomation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Automation{}, fmt.Errorf("automation %s: %w", id, ErrNotFound)
		}
		return domain.Automation{}, fmt.Errorf("db scan error: %w", err)
	}

	reactions, err := s.loadReactions(ctx, []uuid.UUID{id})
	if err != nil {
		return domain.Automation{}, err
	}
	a.Reactions = reactions[id]

	return a, nil
}

func (s *DBStore) loadReactions(ctx context.Context, automationIDs []uuid.UUID) (map[uuid.UUID][]domain.ReactionBinding, error) {
	query := `
    SELECT id, automation_id, reaction_id, params, position
    FROM automation_reactions
    WHERE automation_id = ANY($1)
    ORDER BY automation_id, position;
    `

	rows, err := s.pool.Query(ctx, query, automationIDs)
	if err != nil {
		return nil, fmt.Errorf("db query error: %w", err)
	}
	defer rows.Close()

	byAutomation := make(map[uuid.UUID][]domain.ReactionBinding)
	for rows.Next() {
		var rb domain.ReactionBinding
		err := rows.Scan(
			&rb.ID,
			&rb.AutomationID,
			&rb.ReactionID,
			&rb.Params,
			&rb.Position,
		)
		if err != nil {
			return nil, fmt.Errorf("db row scan error: %w", err)
		}
		byAutomation[rb.AutomationID] = append(byAutomation[rb.AutomationID], rb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db rows error: %w", err)
	}

	return byAutomation, nil
}

// SaveActionState persists the watermark an action returned, verbatim.
func (s *DBStore) SaveActionState(ctx context.Context, automationID uuid.UUID, state json.RawMessage) error {
	query := `
    UPDATE automations
    SET action_state = $1, updated_at = now()
    WHERE id = $2;
    `

	cmdTag, err := s.pool.Exec(ctx, query, state, automationID)
	if err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("automation %s: %w", automationID, ErrNotFound)
	}

	return nil
}

// RecordExecution updates last_executed_at and the user-visible error log.
// A nil errLog clears any previous error.
func (s *DBStore) RecordExecution(ctx context.Context, automationID uuid.UUID, executedAt time.Time, errLog *string) error {
	query := `
    UPDATE automations
    SET last_executed_at = $1, error_log = $2, updated_at = now()
    WHERE id = $3;
    `

	if _, err := s.pool.Exec(ctx, query, executedAt, errLog, automationID); err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}

	return nil
}

// SetAutomationActive toggles the active flag. The engine uses this to pause
// an automation whose persisted state violates its action's contract.
func (s *DBStore) SetAutomationActive(ctx context.Context, automationID uuid.UUID, active bool) error {
	query := `
    UPDATE automations
    SET is_active = $1, updated_at = now()
    WHERE id = $2;
    `

	if _, err := s.pool.Exec(ctx, query, active, automationID); err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}

	return nil
}

// CreateExecutionLogParams ...
type CreateExecutionLogParams struct {
	AutomationID uuid.UUID
	ReactionID   *string
	Status       domain.ExecutionLogStatus
	Details      json.RawMessage
	ErrorMessage string
}

// CreateExecutionLog inserts one per-reaction outcome row.
func (s *DBStore) CreateExecutionLog(ctx context.Context, arg CreateExecutionLogParams) error {
	query := `
    INSERT INTO automation_logs (
        automation_id, reaction_id, status, details, error_message
    ) VALUES ($1, $2, $3, $4, $5);
    `

	_, err := s.pool.Exec(ctx, query,
		arg.AutomationID,
		arg.ReactionID,
		arg.Status,
		arg.Details,
		arg.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}

	return nil
}

const linkedAccountColumns = `
    id, user_id, provider, email, provider_user_id, access_token,
    refresh_token, token_expiry, scopes, status, created_at, updated_at`

func scanLinkedAccount(row pgx.Row) (domain.LinkedAccount, error) {
	var acc domain.LinkedAccount
	err := row.Scan(
		&acc.ID,
		&acc.UserID,
		&acc.Provider,
		&acc.Email,
		&acc.ProviderUserID,
		&acc.AccessToken,
		&acc.RefreshToken,
		&acc.TokenExpiry,
		&acc.Scopes,
		&acc.Status,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	return acc, err
}

// GetLinkedAccount fetches the linked account for a (user, provider) pair.
func (s *DBStore) GetLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (domain.LinkedAccount, error) {
	query := `
    SELECT ` + linkedAccountColumns + `
    FROM linked_accounts
    WHERE user_id = $1 AND provider = $2;
    `

	acc, err := scanLinkedAccount(s.pool.QueryRow(ctx, query, userID, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LinkedAccount{}, fmt.Errorf("linked account %s/%s: %w", userID, provider, ErrNotFound)
		}
		return domain.LinkedAccount{}, fmt.Errorf("db scan error: %w", err)
	}

	return acc, nil
}

// UpsertLinkedAccountParams carries already-encrypted token values.
type UpsertLinkedAccountParams struct {
	UserID         uuid.UUID
	Provider       domain.ProviderType
	Email          string
	ProviderUserID string
	AccessToken    string
	RefreshToken   string
	TokenExpiry    time.Time
	Scopes         []string
}

// UpsertLinkedAccount stores a linked account on OAuth login or link.
func (s *DBStore) UpsertLinkedAccount(ctx context.Context, arg UpsertLinkedAccountParams) (domain.LinkedAccount, error) {
	query := `
    INSERT INTO linked_accounts (
        user_id, provider, email, provider_user_id,
        access_token, refresh_token, token_expiry, scopes, status
    ) VALUES (
        $1, $2, $3, $4, $5, $6, $7, $8, 'active'
    )
    ON CONFLICT (user_id, provider)
    DO UPDATE SET
        email = EXCLUDED.email,
        provider_user_id = EXCLUDED.provider_user_id,
        access_token = EXCLUDED.access_token,
        refresh_token = EXCLUDED.refresh_token,
        token_expiry = EXCLUDED.token_expiry,
        scopes = EXCLUDED.scopes,
        status = 'active',
        updated_at = now()
    RETURNING ` + linkedAccountColumns + `;
    `

	acc, err := scanLinkedAccount(s.pool.QueryRow(ctx, query,
		arg.UserID,
		arg.Provider,
		arg.Email,
		arg.ProviderUserID,
		arg.AccessToken,
		arg.RefreshToken,
		arg.TokenExpiry,
		arg.Scopes,
	))
	if err != nil {
		return domain.LinkedAccount{}, fmt.Errorf("db scan error: %w", err)
	}

	return acc, nil
}

// UpdateLinkedAccountTokensParams ...
type UpdateLinkedAccountTokensParams struct {
	AccountID       uuid.UUID
	NewAccessToken  string
	NewRefreshToken string
	NewTokenExpiry  time.Time
}

// UpdateLinkedAccountTokens stores a refreshed token pair in place. An empty
// NewRefreshToken keeps the existing refresh token (providers do not always
// rotate it).
func (s *DBStore) UpdateLinkedAccountTokens(ctx context.Context, arg UpdateLinkedAccountTokensParams) error {
	var query string
	var args []any

	if arg.NewRefreshToken != "" {
		query = `
        UPDATE linked_accounts
        SET access_token = $1, refresh_token = $2, token_expiry = $3, updated_at = now()
        WHERE id = $4;
        `
		args = []any{arg.NewAccessToken, arg.NewRefreshToken, arg.NewTokenExpiry, arg.AccountID}
	} else {
		query = `
        UPDATE linked_accounts
        SET access_token = $1, token_expiry = $2, updated_at = now()
        WHERE id = $3;
        `
		args = []any{arg.NewAccessToken, arg.NewTokenExpiry, arg.AccountID}
	}

	cmdTag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("linked account %s: %w", arg.AccountID, ErrNotFound)
	}

	return nil
}

// DeleteLinkedAccount unlinks a provider. Guarded: a user with no password
// cannot remove their last linked account, it is their only way in.
func (s *DBStore) DeleteLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) error {
	guard := `
    SELECT
        (SELECT count(*) FROM linked_accounts WHERE user_id = $1),
        (SELECT password_hash IS NOT NULL FROM users WHERE id = $1);
    `

	var linkedCount int
	var hasPassword bool
	if err := s.pool.QueryRow(ctx, guard, userID).Scan(&linkedCount, &hasPassword); err != nil {
		return fmt.Errorf("db query error: %w", err)
	}
	if linkedCount <= 1 && !hasPassword {
		return fmt.Errorf("cannot unlink %s: it is the last authentication method for user %s", provider, userID)
	}

	query := `
    DELETE FROM linked_accounts
    WHERE user_id = $1 AND provider = $2;
    `

	cmdTag, err := s.pool.Exec(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("linked account %s/%s: %w", userID, provider, ErrNotFound)
	}

	return nil
}
