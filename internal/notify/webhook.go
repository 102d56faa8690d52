package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier POSTs escalations as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger hclog.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: hclog.Default().Named("escalation-webhook"),
	}
}

var _ Notifier = &WebhookNotifier{}

func (n *WebhookNotifier) Notify(ctx context.Context, escalation Escalation) error {
	body, err := json.Marshal(escalation)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation for instance %d: %w", escalation.InstanceKey, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build escalation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver escalation for instance %d: %w", escalation.InstanceKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("escalation endpoint returned status %d for instance %d", resp.StatusCode, escalation.InstanceKey)
	}
	n.logger.Debug("escalation delivered", "instanceKey", escalation.InstanceKey, "escalateTo", escalation.EscalateTo)
	return nil
}
