package notifier

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyDatasetPayload(t *testing.T) {
	received := make(chan callbackPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/tee/callback", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload callbackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
	}))
	defer server.Close()

	client := New(server.URL, testLogger())
	client.NotifyDataset(42, "available", map[string]any{
		"checksum":  "abc123",
		"file_size": int64(2048),
	})

	select {
	case payload := <-received:
		assert.Equal(t, "dataset", payload.EntityType)
		assert.Equal(t, int64(42), payload.EntityID)
		assert.Equal(t, "available", payload.Status)
		assert.Equal(t, "abc123", payload.Metadata["checksum"])
		assert.Equal(t, float64(2048), payload.Metadata["file_size"])

		ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), ts, time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not delivered")
	}
}

func TestNotifyQueryPayload(t *testing.T) {
	received := make(chan callbackPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload callbackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
	}))
	defer server.Close()

	client := New(server.URL+"/", testLogger()) // trailing slash is tolerated
	client.NotifyQuery(7, "completed", map[string]any{"row_count": 12})

	select {
	case payload := <-received:
		assert.Equal(t, "query", payload.EntityType)
		assert.Equal(t, int64(7), payload.EntityID)
		assert.Equal(t, "completed", payload.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not delivered")
	}
}

// Transport failures and control-plane rejections must never panic or
// propagate to the caller
func TestNotifySwallowsFailures(t *testing.T) {
	// Unreachable control plane
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	client := New(dead.URL, testLogger())
	assert.NotPanics(t, func() {
		client.NotifyDataset(1, "failed", map[string]any{"error": "boom"})
	})

	// Control plane rejects the callback
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer rejecting.Close()

	client = New(rejecting.URL, testLogger())
	assert.NotPanics(t, func() {
		client.NotifyQuery(1, "completed", nil)
	})
}

func TestNotifySkippedWithoutControlPlane(t *testing.T) {
	client := New("", testLogger())
	assert.True(t, client.skip)

	// No panic, no delivery attempt
	assert.NotPanics(t, func() {
		client.NotifyDataset(1, "available", nil)
	})
}
