// Package slack posts operational alerts to a slack incoming webhook. The
// recovery orchestrator uses it to flag terminal events that need a human,
// like a subscription canceled after exhausting the dunning ladder.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

type WebhookProvider struct {
	client     *http.Client
	webhookURL string
}

func NewWebhook(webhookURL string) *WebhookProvider {
	return &WebhookProvider{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: strings.TrimSpace(webhookURL),
	}
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	if p.webhookURL == "" {
		return nil
	}

	payload := map[string]string{"text": message}
	if channelID != "" {
		payload["channel"] = channelID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
