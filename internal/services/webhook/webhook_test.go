package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"area-automator-api/internal/services/httpx"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPostRequest_DeliversJSONBody(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	i := New(httpx.New(zap.NewNop()), zap.NewNop())

	err := i.postRequest(context.Background(), uuid.New(), map[string]any{
		"url":  server.URL,
		"body": `{"event":"issue_opened","number":43}`,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "issue_opened", got["event"])
}

func TestPostRequest_WrapsPlainTextBody(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	i := New(httpx.New(zap.NewNop()), zap.NewNop())

	err := i.postRequest(context.Background(), uuid.New(), map[string]any{
		"url":  server.URL,
		"body": "New issue: Login broken",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "New issue: Login broken", got["message"])
}

func TestPostRequest_RejectsBadURL(t *testing.T) {
	i := New(httpx.New(zap.NewNop()), zap.NewNop())

	err := i.postRequest(context.Background(), uuid.New(), map[string]any{"url": "ftp://example.com"}, nil)
	assert.Error(t, err)

	err = i.postRequest(context.Background(), uuid.New(), map[string]any{}, nil)
	assert.Error(t, err)
}

func TestPostRequest_SurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"forbidden"}`, http.StatusForbidden)
	}))
	defer server.Close()

	i := New(httpx.New(zap.NewNop()), zap.NewNop())

	err := i.postRequest(context.Background(), uuid.New(), map[string]any{"url": server.URL, "body": "{}"}, nil)
	assert.Error(t, err)
}

func TestLogMessage_WritesToLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	i := New(nil, zap.New(core))
	userID := uuid.New()

	err := i.logMessage(context.Background(), userID, map[string]any{"message": "Track changed to Bohemian Rhapsody"}, nil)
	require.NoError(t, err)

	entries := logs.FilterMessage("Track changed to Bohemian Rhapsody").All()
	require.Len(t, entries, 1)
	assert.Equal(t, userID.String(), entries[0].ContextMap()["user_id"])
}

func TestLogMessage_RequiresMessage(t *testing.T) {
	i := New(nil, zap.NewNop())
	assert.Error(t, i.logMessage(context.Background(), uuid.New(), map[string]any{}, nil))
}

func TestService_ReactionsOnly(t *testing.T) {
	svc := New(nil, zap.NewNop()).Service()

	assert.Equal(t, "webhook", svc.ID)
	assert.False(t, svc.RequiresOAuth)
	assert.Empty(t, svc.Actions)
	assert.Len(t, svc.Reactions, 2)
}
