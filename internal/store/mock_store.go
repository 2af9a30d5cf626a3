package store

import (
	"context"
	"encoding/json"
	"time"

	"area-automator-api/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Storer interface for testing
type MockStore struct {
	mock.Mock
}

// CreateUser mocks the CreateUser method
func (m *MockStore) CreateUser(ctx context.Context, email, name string) (domain.User, error) {
	args := m.Called(ctx, email, name)
	return args.Get(0).(domain.User), args.Error(1)
}

// LoadActiveAutomations mocks the LoadActiveAutomations method
func (m *MockStore) LoadActiveAutomations(ctx context.Context) ([]domain.Automation, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Automation), args.Error(1)
}

// GetAutomationByID mocks the GetAutomationByID method
func (m *MockStore) GetAutomationByID(ctx context.Context, id uuid.UUID) (domain.Automation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Automation), args.Error(1)
}

// SaveActionState mocks the SaveActionState method
func (m *MockStore) SaveActionState(ctx context.Context, automationID uuid.UUID, state json.RawMessage) error {
	args := m.Called(ctx, automationID, state)
	return args.Error(0)
}

// RecordExecution mocks the RecordExecution method
func (m *MockStore) RecordExecution(ctx context.Context, automationID uuid.UUID, executedAt time.Time, errLog *string) error {
	args := m.Called(ctx, automationID, executedAt, errLog)
	return args.Error(0)
}

// SetAutomationActive mocks the SetAutomationActive method
func (m *MockStore) SetAutomationActive(ctx context.Context, automationID uuid.UUID, active bool) error {
	args := m.Called(ctx, automationID, active)
	return args.Error(0)
}

// CreateExecutionLog mocks the CreateExecutionLog method
func (m *MockStore) CreateExecutionLog(ctx context.Context, arg CreateExecutionLogParams) error {
	args := m.Called(ctx, arg)
	return args.Error(0)
}

// GetLinkedAccount mocks the GetLinkedAccount method
func (m *MockStore) GetLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) (domain.LinkedAccount, error) {
	args := m.Called(ctx, userID, provider)
	return args.Get(0).(domain.LinkedAccount), args.Error(1)
}

// UpsertLinkedAccount mocks the UpsertLinkedAccount method
func (m *MockStore) UpsertLinkedAccount(ctx context.Context, arg UpsertLinkedAccountParams) (domain.LinkedAccount, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(domain.LinkedAccount), args.Error(1)
}

// UpdateLinkedAccountTokens mocks the UpdateLinkedAccountTokens method
func (m *MockStore) UpdateLinkedAccountTokens(ctx context.Context, arg UpdateLinkedAccountTokensParams) error {
	args := m.Called(ctx, arg)
	return args.Error(0)
}

// DeleteLinkedAccount mocks the DeleteLinkedAccount method
func (m *MockStore) DeleteLinkedAccount(ctx context.Context, userID uuid.UUID, provider domain.ProviderType) error {
	args := m.Called(ctx, userID, provider)
	return args.Error(0)
}
