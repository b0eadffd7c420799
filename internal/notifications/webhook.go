package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookConfig configures one webhook destination.
type WebhookConfig struct {
	// Name is a human-readable label for this webhook.
	Name string

	// URL is the endpoint to POST events to.
	URL string

	// Headers are extra HTTP headers to include.
	Headers map[string]string

	// Events restricts delivery to the listed event types. Empty
	// means all events.
	Events []string

	// MaxAttempts is the delivery retry cap (default 3).
	MaxAttempts int

	// InitialWait seeds the exponential backoff between retries
	// (default 1s).
	InitialWait time.Duration

	// Timeout bounds each HTTP request (default 10s).
	Timeout time.Duration
}

// WebhookProvider delivers events to an HTTP endpoint with
// exponential-backoff retries.
type WebhookProvider struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookProvider creates a webhook provider, validating the URL.
func NewWebhookProvider(config WebhookConfig) (*WebhookProvider, error) {
	parsed, err := url.Parse(config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %q", config.URL)
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialWait == 0 {
		config.InitialWait = time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	return &WebhookProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name identifies the provider in logs.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent filters on the configured event list.
func (p *WebhookProvider) SupportsEvent(event Event) bool {
	if len(p.config.Events) == 0 {
		return true
	}
	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(event.Type)) {
			return true
		}
	}
	return false
}

// Send delivers the event, retrying with exponential backoff.
func (p *WebhookProvider) Send(ctx context.Context, event Event) error {
	payload, err := buildWebhookPayload(event)
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		err := p.doSend(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < p.config.MaxAttempts {
			wait := p.config.InitialWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.MaxAttempts, lastErr)
}

func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildWebhookPayload(event Event) ([]byte, error) {
	payload := map[string]interface{}{
		"event":        string(event.Type),
		"severity":     event.Severity.String(),
		"tenantId":     event.TenantID,
		"credentialId": event.CredentialID,
		"timestamp":    event.Timestamp.Format(time.RFC3339),
	}
	if event.CredentialName != "" {
		payload["credentialName"] = event.CredentialName
	}
	if event.CredentialType != "" {
		payload["credentialType"] = string(event.CredentialType)
	}
	if event.Error != nil {
		payload["error"] = event.Error.Error()
	}
	if event.Duration > 0 {
		payload["duration_seconds"] = event.Duration.Seconds()
	}
	if len(event.Metadata) > 0 {
		payload["metadata"] = event.Metadata
	}
	return json.Marshal(payload)
}
