package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookProviderPostsJSON(t *testing.T) {
	t.Parallel()

	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "token-123", r.Header.Get("X-Auth"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p, err := NewWebhookProvider(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Auth": "token-123"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Send(context.Background(), testEvent(EventRotationSucceeded)))
	assert.Equal(t, "rotation_succeeded", received["event"])
	assert.Equal(t, "cred-1", received["credentialId"])
}

func TestWebhookProviderRetriesThenFails(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p, err := NewWebhookProvider(WebhookConfig{
		URL:         server.URL,
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
	})
	require.NoError(t, err)

	err = p.Send(context.Background(), testEvent(EventRotationFailed))
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookProviderEventFilter(t *testing.T) {
	t.Parallel()

	p, err := NewWebhookProvider(WebhookConfig{
		URL:    "https://hooks.example.com/rotations",
		Events: []string{"rotation_failed", "rollback_failed"},
	})
	require.NoError(t, err)

	assert.True(t, p.SupportsEvent(testEvent(EventRotationFailed)))
	assert.False(t, p.SupportsEvent(testEvent(EventRotationStarted)))
}

func TestNewWebhookProviderRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewWebhookProvider(WebhookConfig{URL: "not-a-url"})
	assert.Error(t, err)
}
