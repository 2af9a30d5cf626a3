package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetryClient() *Client {
	c := New(zap.NewNop())
	c.retry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return c
}

func TestClient_DoJSON_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "2022-06-28", r.Header.Get("Notion-Version"))
		w.Write([]byte(`{"results":[{"id":"page-1"}]}`))
	}))
	defer server.Close()

	c := fastRetryClient()
	result, err := c.DoJSON(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     server.URL,
		Token:   "tok-123",
		Headers: map[string]string{"Notion-Version": "2022-06-28"},
	})
	require.NoError(t, err)
	assert.Equal(t, "page-1", result.Get("results.0.id").String())
}

func TestClient_DoJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"message":"upstream hiccup"}`, http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := fastRetryClient()
	result, err := c.DoJSON(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	assert.True(t, result.Get("ok").Bool())
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoJSON_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"status":404,"reason":"NO_ACTIVE_DEVICE","message":"Player command failed"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := fastRetryClient()
	_, err := c.DoJSON(context.Background(), Request{Method: http.MethodPut, URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Body kept for provider-specific sniffing.
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NO_ACTIVE_DEVICE", apiErr.Body.Get("error.reason").String())
	assert.Contains(t, apiErr.Error(), "Player command failed")
}

func TestClient_DoJSON_MarshalsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"number":44}`))
	}))
	defer server.Close()

	c := fastRetryClient()
	result, err := c.DoJSON(context.Background(), Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   map[string]string{"title": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(44), result.Get("number").Int())
}

func TestClient_DoJSON_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := fastRetryClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DoJSON(ctx, Request{Method: http.MethodGet, URL: server.URL})
	assert.Error(t, err)
}
