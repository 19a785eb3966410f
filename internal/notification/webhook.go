package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookNotifier posts alerts as JSON to an HTTP endpoint. Each delivery
// carries an X-Alert-ID header so receivers can drop retried duplicates.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// webhookPayload is the alert plus its rendered position context.
type webhookPayload struct {
	ID string `json:"id"`
	Alert
	Scope []string `json:"scope,omitempty"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	alert = alert.stamped()
	payload := webhookPayload{ID: uuid.NewString(), Alert: alert, Scope: alert.Scope()}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-ID", payload.ID)
	if alert.Kind != "" {
		req.Header.Set("X-Alert-Kind", string(alert.Kind))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s alert %s: unexpected status %d", alert.Kind, payload.ID, resp.StatusCode)
	}

	slog.Debug("webhook alert sent", slog.String("id", payload.ID), slog.String("kind", string(alert.Kind)))
	return nil
}
