package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnabledReflectsWebhookURL(t *testing.T) {
	assert.False(t, New("", time.Second, nil).Enabled())
	assert.True(t, New("http://example.invalid", time.Second, nil).Enabled())
}

func TestNotifyTaskStartedPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var got Payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, time.Second, nil)
	n.NotifyTaskStarted(42)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.TaskID == 42
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTaskStarted, got.Event)
}

func TestNotifyTaskCompletedPicksEventByOutcome(t *testing.T) {
	var mu sync.Mutex
	var got Payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := New(srv.URL, time.Second, nil)
	n.NotifyTaskCompleted(7, false, "boom")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.TaskID == 7
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTaskFailed, got.Event)
	assert.Equal(t, "boom", got.Detail)
}

func TestDispatchIsNoopWhenDisabled(t *testing.T) {
	n := New("", time.Second, nil)
	// Must not panic or block even though no server is listening at all.
	n.NotifyTaskStarted(1)
	n.NotifyTaskCompleted(1, true, "")
}

func TestGetStatusReportsConfiguration(t *testing.T) {
	n := New("http://example.invalid/hook", time.Second, nil)
	status := n.GetStatus()
	assert.True(t, status.Enabled)
	assert.Equal(t, "http://example.invalid/hook", status.WebhookURL)
}
