package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
)

// LogProvider writes notifications through the shared logger. It accepts
// every event type and is the default provider when nothing else is
// configured.
type LogProvider struct {
	logger *logging.Logger
}

// NewLogProvider creates a provider that logs notifications.
func NewLogProvider(logger *logging.Logger) *LogProvider {
	return &LogProvider{logger: logger.WithComponent("notify")}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) SupportsEvent(events.Type) bool { return true }

func (p *LogProvider) Send(_ context.Context, event events.Event) error {
	if event.Success {
		p.logger.Info("%s %s", event.Type, event.Subject)
	} else {
		p.logger.Warn("%s %s: %s", event.Type, event.Subject, event.Error)
	}
	return nil
}

// WebhookProvider POSTs notifications as JSON to a configured endpoint.
// An optional event-type allow list restricts which events are sent;
// an empty list means all events.
type WebhookProvider struct {
	url        string
	eventTypes map[events.Type]bool
	client     *http.Client
}

// NewWebhookProvider creates a webhook provider for the given URL.
func NewWebhookProvider(url string, eventTypes []events.Type) *WebhookProvider {
	types := make(map[events.Type]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	return &WebhookProvider{
		url:        url,
		eventTypes: types,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) Name() string { return "webhook" }

func (p *WebhookProvider) SupportsEvent(eventType events.Type) bool {
	if len(p.eventTypes) == 0 {
		return true
	}
	return p.eventTypes[eventType]
}

type webhookPayload struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Subject   string                 `json:"subject"`
	Actor     string                 `json:"actor,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (p *WebhookProvider) Send(ctx context.Context, event events.Event) error {
	payload := webhookPayload{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Type),
		Subject:   event.Subject,
		Actor:     event.Actor,
		Success:   event.Success,
		Error:     event.Error,
		Metadata:  event.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
