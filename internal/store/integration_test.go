//go:build integration

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"area-automator-api/internal/database"
	"area-automator-api/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func TestDatabaseIntegration(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	t.Run("RunMigrations", func(t *testing.T) {
		t.Setenv("RUN_MIGRATIONS", "true")
		assert.NoError(t, database.RunMigrations(connStr, logger))
	})

	t.Run("VerifyTablesCreated", func(t *testing.T) {
		tables := []string{
			"users",
			"linked_accounts",
			"automations",
			"automation_reactions",
			"automation_logs",
		}

		for _, table := range tables {
			var exists bool
			query := `SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`
			err := pool.QueryRow(ctx, query, table).Scan(&exists)
			assert.NoError(t, err, "Failed to check if table %s exists", table)
			assert.True(t, exists, "Table %s should exist", table)
		}
	})

	dbStore := NewStore(pool)
	var userID uuid.UUID
	var automationID uuid.UUID

	t.Run("AutomationLifecycle", func(t *testing.T) {
		user, err := dbStore.CreateUser(ctx, "test@example.com", "Test User")
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, user.ID)
		userID = user.ID

		err = pool.QueryRow(ctx, `
			INSERT INTO automations (user_id, name, action_id, action_params)
			VALUES ($1, 'Issue to webhook', 'GITHUB_NEW_ISSUE_DETECTED', '{"owner":"area","repo":"engine"}')
			RETURNING id`, userID).Scan(&automationID)
		require.NoError(t, err)

		_, err = pool.Exec(ctx, `
			INSERT INTO automation_reactions (automation_id, reaction_id, params, position)
			VALUES ($1, 'HTTP_POST_REQUEST', '{"url":"https://hooks.example.com","body":"{{issue_title}}"}', 0)`,
			automationID)
		require.NoError(t, err)

		active, err := dbStore.LoadActiveAutomations(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "GITHUB_NEW_ISSUE_DETECTED", active[0].ActionID)
		assert.Equal(t, "area", active[0].ActionParams["owner"])
		require.Len(t, active[0].Reactions, 1)
		assert.Equal(t, "HTTP_POST_REQUEST", active[0].Reactions[0].ReactionID)

		// Watermark roundtrip: persisted verbatim, read back verbatim.
		require.NoError(t, dbStore.SaveActionState(ctx, automationID, json.RawMessage(`{"last_issue_number":42}`)))
		loaded, err := dbStore.GetAutomationByID(ctx, automationID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"last_issue_number":42}`, string(loaded.ActionState))

		// Execution bookkeeping.
		errLog := "GITHUB_CREATE_ISSUE: api error"
		require.NoError(t, dbStore.RecordExecution(ctx, automationID, time.Now().UTC(), &errLog))
		require.NoError(t, dbStore.CreateExecutionLog(ctx, CreateExecutionLogParams{
			AutomationID: automationID,
			Status:       domain.LogSuccess,
			Details:      json.RawMessage(`{"issue_title":"Login broken"}`),
		}))

		loaded, err = dbStore.GetAutomationByID(ctx, automationID)
		require.NoError(t, err)
		require.NotNil(t, loaded.LastExecutedAt)
		require.NotNil(t, loaded.ErrorLog)
		assert.Equal(t, errLog, *loaded.ErrorLog)

		// Pausing removes it from the active set.
		require.NoError(t, dbStore.SetAutomationActive(ctx, automationID, false))
		active, err = dbStore.LoadActiveAutomations(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("LinkedAccountLifecycle", func(t *testing.T) {
		acc, err := dbStore.UpsertLinkedAccount(ctx, UpsertLinkedAccountParams{
			UserID:      userID,
			Provider:    domain.ProviderGithub,
			Email:       "test@example.com",
			AccessToken: "aabb:ccdd",
			TokenExpiry: time.Now().Add(time.Hour).UTC(),
			Scopes:      []string{"repo"},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, acc.Status)

		// Upsert on the same (user, provider) replaces the tokens.
		acc2, err := dbStore.UpsertLinkedAccount(ctx, UpsertLinkedAccountParams{
			UserID:      userID,
			Provider:    domain.ProviderGithub,
			Email:       "test@example.com",
			AccessToken: "eeff:0011",
			TokenExpiry: time.Now().Add(2 * time.Hour).UTC(),
			Scopes:      []string{"repo"},
		})
		require.NoError(t, err)
		assert.Equal(t, acc.ID, acc2.ID)
		assert.Equal(t, "eeff:0011", acc2.AccessToken)

		require.NoError(t, dbStore.UpdateLinkedAccountTokens(ctx, UpdateLinkedAccountTokensParams{
			AccountID:      acc.ID,
			NewAccessToken: "2233:4455",
			NewTokenExpiry: time.Now().Add(3 * time.Hour).UTC(),
		}))

		got, err := dbStore.GetLinkedAccount(ctx, userID, domain.ProviderGithub)
		require.NoError(t, err)
		assert.Equal(t, "2233:4455", got.AccessToken)

		// The user has no password: the only linked account cannot go.
		err = dbStore.DeleteLinkedAccount(ctx, userID, domain.ProviderGithub)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "last authentication method")

		_, err = pool.Exec(ctx, `UPDATE users SET password_hash = 'x' WHERE id = $1`, userID)
		require.NoError(t, err)
		require.NoError(t, dbStore.DeleteLinkedAccount(ctx, userID, domain.ProviderGithub))

		_, err = dbStore.GetLinkedAccount(ctx, userID, domain.ProviderGithub)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConstraintViolations", func(t *testing.T) {
		_, err := pool.Exec(ctx, "INSERT INTO users (email, name) VALUES ('test@example.com', 'Another User')")
		assert.Error(t, err, "Should fail due to unique constraint on email")
		assert.Contains(t, err.Error(), "duplicate key value violates unique constraint")
	})
}
