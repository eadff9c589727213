package webhook

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

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/plugin"
)

func newNotifier(t *testing.T, cfg map[string]any) *Notifier {
	t.Helper()
	p, err := Factory{}.New(cfg)
	require.NoError(t, err)
	return p.(*Notifier)
}

func sample() plugin.Notification {
	e := events.New(events.SessionSpawned, events.PriorityInfo, "spawned app-1").
		WithSession("app-1", "app")
	return plugin.Notification{
		Title:    "session spawned",
		Body:     "spawned app-1",
		Priority: events.PriorityInfo,
		Event:    e,
	}
}

func TestNewRejectsNonHTTPSchemes(t *testing.T) {
	for _, raw := range []string{
		"ftp://hooks.example.com/herd",
		"file:///tmp/hook",
		"hooks.example.com/herd",
		"",
	} {
		_, err := Factory{}.New(map[string]any{"url": raw})
		require.Error(t, err, "url %q", raw)
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "url %q", raw)
	}

	_, err := Factory{}.New(map[string]any{"url": "https://hooks.example.com/herd"})
	require.NoError(t, err)
}

func TestNotifyPostsEventJSON(t *testing.T) {
	var got payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := newNotifier(t, map[string]any{
		"url":     server.URL,
		"headers": map[string]any{"X-Token": "secret"},
	})
	require.NoError(t, n.Notify(context.Background(), sample()))

	assert.Equal(t, "session spawned", got.Title)
	assert.Equal(t, "info", got.Priority)
	require.NotNil(t, got.Event)
	assert.Equal(t, events.SessionSpawned, got.Event.Type)
	assert.Equal(t, "app-1", got.Event.SessionID)
}

func TestRetryDelayDoubles(t *testing.T) {
	assert.Equal(t, retryBackoff, retryDelay(2))
	assert.Equal(t, 2*retryBackoff, retryDelay(3))
	assert.Equal(t, 4*retryBackoff, retryDelay(4))
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	prev := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = prev }()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newNotifier(t, map[string]any{"url": server.URL, "retries": 3})
	require.NoError(t, n.Notify(context.Background(), sample()))
	assert.EqualValues(t, 3, calls.Load())
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	prev := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = prev }()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	n := newNotifier(t, map[string]any{"url": server.URL, "retries": 5})
	err := n.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindExternalPermanent))
	assert.EqualValues(t, 1, calls.Load())
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	prev := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = prev }()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	n := newNotifier(t, map[string]any{"url": server.URL, "retries": 2})
	err := n.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.EqualValues(t, 3, calls.Load())
}
