package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sheetsync/internal/report"
	"sheetsync/internal/retry"
)

// WebhookNotifier POSTs the JSON payload to URL. 5xx, 429 and network errors
// are retried with the policy; other non-2xx statuses fail at once.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Retry   retry.Policy
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("notify: webhook status %d: %s", e.code, e.body)
}

func (n WebhookNotifier) retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (n WebhookNotifier) Notify(ctx context.Context, r report.RunReport) error {
	if n.URL == "" {
		return fmt.Errorf("notify: webhook url is empty")
	}
	body, err := json.Marshal(envelope(r))
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	p := n.Retry
	p.Retryable = n.retryable
	return p.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range n.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("notify: webhook: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})
}
