// Package webhook implements the notifier slot as an HTTP POST of the
// event JSON to a configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/herdctl/herdctl/internal/common/errors"
	"github.com/herdctl/herdctl/internal/plugin"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 3
)

var retryBackoff = time.Second

// retryDelay doubles per failed attempt, starting at retryBackoff before
// the second attempt.
func retryDelay(attempt int) time.Duration {
	return retryBackoff << (attempt - 2)
}

// Notifier posts notifications to a webhook endpoint. Transient failures
// (connection errors, 429, 5xx) are retried with exponential backoff; 4xx
// responses are permanent.
type Notifier struct {
	url     string
	headers map[string]string
	retries int
	client  *http.Client
}

// Factory builds webhook notifiers.
type Factory struct{}

func (Factory) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Slot:        plugin.SlotNotifier,
		Name:        "webhook",
		Description: "posts event JSON to an HTTP endpoint",
	}
}

// New validates the endpoint URL at construction. Only http and https
// schemes are accepted; a malformed endpoint is a config error, not an
// unavailable plugin.
func (Factory) New(cfg map[string]any) (plugin.Plugin, error) {
	raw, _ := cfg["url"].(string)
	if raw == "" {
		return nil, apperrors.Validation("webhook notifier requires a url")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("webhook url %q is not a valid URL", raw))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, apperrors.Validation(fmt.Sprintf("webhook url scheme %q is not http or https", parsed.Scheme))
	}
	if parsed.Host == "" {
		return nil, apperrors.Validation(fmt.Sprintf("webhook url %q has no host", raw))
	}

	n := &Notifier{
		url:     raw,
		headers: map[string]string{},
		retries: defaultRetries,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				n.headers[key] = s
			}
		}
	}
	switch v := cfg["retries"].(type) {
	case int:
		n.retries = v
	case float64:
		n.retries = int(v)
	}
	switch v := cfg["timeout"].(type) {
	case int:
		n.client.Timeout = time.Duration(v) * time.Second
	case float64:
		n.client.Timeout = time.Duration(v) * time.Second
	}
	return n, nil
}

func (n *Notifier) Manifest() plugin.Manifest {
	return Factory{}.Manifest()
}

// payload is the webhook body.
type payload struct {
	Title    string        `json:"title"`
	Body     string        `json:"body"`
	Priority string        `json:"priority"`
	Event    *eventPayload `json:"event,omitempty"`
}

type eventPayload struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notify delivers one notification, retrying transient transport failures.
func (n *Notifier) Notify(ctx context.Context, notification plugin.Notification) error {
	body := payload{
		Title:    notification.Title,
		Body:     notification.Body,
		Priority: string(notification.Priority),
	}
	if e := notification.Event; e != nil {
		body.Event = &eventPayload{
			ID:        e.ID,
			Type:      e.Type,
			SessionID: e.SessionID,
			ProjectID: e.ProjectID,
			Timestamp: e.Timestamp,
			Message:   e.Message,
			Data:      e.Data,
		}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal("failed to encode webhook payload", err)
	}

	attempts := n.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay(attempt)):
			}
		}
		err := n.post(ctx, encoded)
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal("failed to build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return apperrors.Transient("webhook request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.Transient("webhook endpoint unavailable",
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		return apperrors.Permanent("webhook endpoint rejected the notification",
			fmt.Errorf("status %d", resp.StatusCode))
	}
}
