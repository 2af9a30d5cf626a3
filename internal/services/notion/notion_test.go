package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/crypto"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/services/httpx"
	"area-automator-api/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const queryResponse = `{
	"results": [{
		"id": "page-2",
		"created_time": "2026-08-28T10:00:00.000Z",
		"url": "https://www.notion.so/Task-page-2",
		"properties": {"Name": {"title": [{"plain_text": "Fix login flow"}]}}
	}]
}`

// testIntegration stores a composite token so the boundary decode is
// exercised on every call.
func testIntegration(t *testing.T, userID uuid.UUID, serverURL string) *Integration {
	t.Helper()

	cipher, err := crypto.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	composite, err := credentials.EncodeCompositeToken("ntn_test_token", map[string]string{"workspace_id": "ws-1"})
	require.NoError(t, err)
	encrypted, err := cipher.EncryptString(composite)
	require.NoError(t, err)

	mockStore := &store.MockStore{}
	mockStore.On("GetLinkedAccount", mock.Anything, userID, domain.ProviderNotion).
		Return(domain.LinkedAccount{
			UserID:      userID,
			Provider:    domain.ProviderNotion,
			AccessToken: encrypted,
			TokenExpiry: time.Now().Add(time.Hour),
		}, nil)

	m, err := credentials.NewManager(mockStore, cipher, zap.NewNop())
	require.NoError(t, err)

	return New(m, httpx.New(zap.NewNop()), zap.NewNop()).WithBaseURL(serverURL)
}

func dbParams() map[string]any {
	return map[string]any{"database_id": "db-1"}
}

func TestCheckNewPage_FirstRunSuppression(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/databases/db-1/query", r.URL.Path)
		assert.Equal(t, notionVersion, r.Header.Get("Notion-Version"))
		// The workspace payload never reaches the wire.
		assert.Equal(t, "Bearer ntn_test_token", r.Header.Get("Authorization"))
		fmt.Fprint(w, queryResponse)
	}))
	defer server.Close()

	userID := uuid.New()
	n := testIntegration(t, userID, server.URL)

	result, err := n.checkNewPage(context.Background(), userID, dbParams(), nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.JSONEq(t, `{"last_page_id":"page-2","last_created_time":"2026-08-28T10:00:00.000Z"}`, string(result.Save))
	assert.Nil(t, result.Data)
}

func TestCheckNewPage_FiresOnNewerPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, queryResponse)
	}))
	defer server.Close()

	userID := uuid.New()
	n := testIntegration(t, userID, server.URL)

	prev := json.RawMessage(`{"last_page_id":"page-1","last_created_time":"2026-08-27T09:00:00.000Z"}`)
	result, err := n.checkNewPage(context.Background(), userID, dbParams(), prev)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Data)

	assert.Equal(t, "page-2", result.Data["page_id"])
	assert.Equal(t, "Fix login flow", result.Data["page_title"])
}

func TestCheckNewPage_SilentCases(t *testing.T) {
	cases := map[string]struct {
		response string
		prev     string
	}{
		"same page": {
			response: queryResponse,
			prev:     `{"last_page_id":"page-2","last_created_time":"2026-08-28T10:00:00.000Z"}`,
		},
		"older page surfaced after deletion": {
			response: queryResponse,
			prev:     `{"last_page_id":"page-9","last_created_time":"2026-08-29T00:00:00.000Z"}`,
		},
		"empty database": {
			response: `{"results":[]}`,
			prev:     `{"last_page_id":"page-1","last_created_time":"2026-08-27T09:00:00.000Z"}`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.response)
			}))
			defer server.Close()

			userID := uuid.New()
			n := testIntegration(t, userID, server.URL)

			result, err := n.checkNewPage(context.Background(), userID, dbParams(), json.RawMessage(tc.prev))
			require.NoError(t, err)
			assert.Nil(t, result)
		})
	}
}

func TestCheckNewPage_MissingDatabaseID(t *testing.T) {
	n := New(nil, nil, zap.NewNop())
	_, err := n.checkNewPage(context.Background(), uuid.New(), map[string]any{}, nil)
	assert.Error(t, err)
}

func TestCreatePage(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pages", r.URL.Path)
		assert.Equal(t, notionVersion, r.Header.Get("Notion-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"page-3"}`)
	}))
	defer server.Close()

	userID := uuid.New()
	n := testIntegration(t, userID, server.URL)

	err := n.createPage(context.Background(), userID, map[string]any{
		"database_id": "db-1",
		"title":       "Triage: Login broken",
	}, nil)
	require.NoError(t, err)

	parent := got["parent"].(map[string]any)
	assert.Equal(t, "db-1", parent["database_id"])
}
