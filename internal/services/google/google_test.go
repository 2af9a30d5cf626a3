package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"area-automator-api/internal/credentials"
	"area-automator-api/internal/crypto"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

func testIntegration(t *testing.T, userID uuid.UUID, serverURL string) *Integration {
	t.Helper()

	cipher, err := crypto.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	encrypted, err := cipher.EncryptString("ya29.test")
	require.NoError(t, err)

	mockStore := &store.MockStore{}
	mockStore.On("GetLinkedAccount", mock.Anything, userID, domain.ProviderGoogle).
		Return(domain.LinkedAccount{
			UserID:      userID,
			Provider:    domain.ProviderGoogle,
			AccessToken: encrypted,
			TokenExpiry: time.Now().Add(time.Hour),
		}, nil)

	m, err := credentials.NewManager(mockStore, cipher, zap.NewNop())
	require.NoError(t, err)

	return New(m, zap.NewNop()).WithClientOptions(option.WithEndpoint(serverURL))
}

func TestCheckNewEmail_FirstRunSuppression(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/users/me/messages"), "unexpected path %s", r.URL.Path)
		fmt.Fprint(w, `{"messages":[{"id":"msg-100"}]}`)
	}))
	defer server.Close()

	userID := uuid.New()
	g := testIntegration(t, userID, server.URL)

	result, err := g.checkNewEmail(context.Background(), userID, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.JSONEq(t, `{"last_message_id":"msg-100"}`, string(result.Save))
	assert.Nil(t, result.Data)
}

func TestCheckNewEmail_FiresOnNewMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			fmt.Fprint(w, `{"messages":[{"id":"msg-101"}]}`)
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/msg-101"):
			fmt.Fprint(w, `{
				"id": "msg-101",
				"snippet": "The nightly build failed with exit code 1",
				"payload": {"headers": [
					{"name": "Subject", "value": "Build failed on main"},
					{"name": "From", "value": "ci@example.com"}
				]}
			}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	userID := uuid.New()
	g := testIntegration(t, userID, server.URL)

	result, err := g.checkNewEmail(context.Background(), userID, nil, json.RawMessage(`{"last_message_id":"msg-100"}`))
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Data)

	assert.Equal(t, "Build failed on main", result.Data["email_subject"])
	assert.Equal(t, "ci@example.com", result.Data["email_from"])
	assert.JSONEq(t, `{"last_message_id":"msg-101"}`, string(result.Save))
}

func TestCheckNewEmail_SameOrEmptyInboxIsSilent(t *testing.T) {
	cases := map[string]string{
		"same message": `{"messages":[{"id":"msg-100"}]}`,
		"empty inbox":  `{"messages":[]}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer server.Close()

			userID := uuid.New()
			g := testIntegration(t, userID, server.URL)

			result, err := g.checkNewEmail(context.Background(), userID, nil, json.RawMessage(`{"last_message_id":"msg-100"}`))
			require.NoError(t, err)
			assert.Nil(t, result)
		})
	}
}

func TestSendEmail_EncodesRFC822Message(t *testing.T) {
	var sent struct {
		Raw string `json:"raw"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/users/me/messages/send"), "unexpected path %s", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		fmt.Fprint(w, `{"id":"sent-1"}`)
	}))
	defer server.Close()

	userID := uuid.New()
	g := testIntegration(t, userID, server.URL)

	err := g.sendEmail(context.Background(), userID, map[string]any{
		"to":      "ops@example.com",
		"subject": "New: Login broken",
		"body":    "Issue 43 was opened.",
	}, nil)
	require.NoError(t, err)

	decoded, err := base64.URLEncoding.DecodeString(sent.Raw)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "To: ops@example.com")
	assert.Contains(t, string(decoded), "Subject: New: Login broken")
	assert.Contains(t, string(decoded), "Issue 43 was opened.")
}

func TestSendEmail_RequiresParams(t *testing.T) {
	g := New(nil, zap.NewNop())

	err := g.sendEmail(context.Background(), uuid.New(), map[string]any{"subject": "x"}, nil)
	assert.Error(t, err)
}

func TestCreateCalendarEvent(t *testing.T) {
	var created map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"), "unexpected path %s", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		fmt.Fprint(w, `{"id":"evt-1"}`)
	}))
	defer server.Close()

	userID := uuid.New()
	g := testIntegration(t, userID, server.URL)

	err := g.createCalendarEvent(context.Background(), userID, map[string]any{
		"summary":          "Standup",
		"start":            "2026-08-28T09:00:00Z",
		"duration_minutes": float64(30),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Standup", created["summary"])
	start := created["start"].(map[string]any)
	end := created["end"].(map[string]any)
	assert.Equal(t, "2026-08-28T09:00:00Z", start["dateTime"])
	assert.Equal(t, "2026-08-28T09:30:00Z", end["dateTime"])
}

func TestCreateCalendarEvent_BadStart(t *testing.T) {
	g := New(nil, zap.NewNop())

	err := g.createCalendarEvent(context.Background(), uuid.New(), map[string]any{
		"summary": "Standup",
		"start":   "tomorrow",
	}, nil)
	assert.Error(t, err)
}
