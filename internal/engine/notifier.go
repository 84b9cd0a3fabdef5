package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/domain"
)

// WebhookPayload is the JSON body posted to a task's webhook_url.
type WebhookPayload struct {
	TaskID        string          `json:"task_id"`
	TaskName      string          `json:"task_name"`
	Status        domain.Status   `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
	CompletedAt   time.Time       `json:"completed_at"`
	TenantID      string          `json:"tenant_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewWebhookPayload builds the webhook body for res. ExecutionTime is in
// seconds.
func NewWebhookPayload(res *domain.TaskResult) WebhookPayload {
	return WebhookPayload{
		TaskID:        res.TaskID,
		TaskName:      res.TaskName,
		Status:        res.Status,
		Result:        res.Result,
		Error:         res.Error,
		ExecutionTime: res.ExecutionTime.Seconds(),
		CompletedAt:   res.CompletedAt,
		TenantID:      res.TenantID,
		CorrelationID: res.CorrelationID,
	}
}

// Notifier delivers completion callbacks.
type Notifier interface {
	Notify(ctx context.Context, url string, payload WebhookPayload) error
}

// HTTPNotifier posts the payload as JSON. Any non-2xx response is an error.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier creates an HTTPNotifier whose calls are bounded by timeout.
func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}}
}

func (n *HTTPNotifier) Notify(ctx context.Context, url string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
