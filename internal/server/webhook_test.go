package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookNotifier_NilConfig(t *testing.T) {
	wn := NewWebhookNotifier(nil, slog.Default())
	assert.Nil(t, wn)
}

func TestNewWebhookNotifier_EmptyURLs(t *testing.T) {
	wn := NewWebhookNotifier(&WebhookConfig{URLs: nil}, slog.Default())
	assert.Nil(t, wn)
}

func TestWebhookNotifier_Notify_NilReceiver(t *testing.T) {
	// Should not panic
	var wn *WebhookNotifier
	wn.Notify(core.Event{Type: core.EventUpload, ProjectID: "p1", ImageID: "abc"})
	wn.Close()
}

func TestWebhookNotifier_Notify(t *testing.T) {
	var mu sync.Mutex
	var received []WebhookEvent

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	wn.Notify(core.Event{
		Type:           core.EventDelete,
		ProjectID:      "p1",
		ImageID:        "img1",
		PrimaryImageID: "img2",
		Time:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	wn.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "delete", received[0].Event)
	assert.Equal(t, "p1", received[0].ProjectID)
	assert.Equal(t, "img1", received[0].ImageID)
	assert.Equal(t, "img2", received[0].PrimaryImageID)
	assert.Equal(t, "2024-05-01T12:00:00Z", received[0].Timestamp)
}

func TestWebhookNotifier_Notify_MultipleURLs(t *testing.T) {
	var callCount atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	ts1 := httptest.NewServer(handler)
	defer ts1.Close()
	ts2 := httptest.NewServer(handler)
	defer ts2.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts1.URL, ts2.URL}}, slog.Default())
	require.NotNil(t, wn)

	wn.Notify(core.Event{Type: core.EventUpload, ProjectID: "p1", ImageID: "abc"})
	wn.Close()

	assert.Equal(t, int32(2), callCount.Load())
}

func TestWebhookNotifier_Post_4xxNoRetry(t *testing.T) {
	var callCount atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)

	err := wn.post(ts.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, int32(1), callCount.Load()) // no retry for 4xx
}

func TestWebhookNotifier_Post_5xxRetries(t *testing.T) {
	var callCount atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callCount.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier(&WebhookConfig{URLs: []string{ts.URL}}, slog.Default())
	require.NotNil(t, wn)
	wn.backoff = time.Millisecond

	require.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(3), callCount.Load())
}
