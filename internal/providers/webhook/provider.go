package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Provider interface {
	Post(ctx context.Context, url string, payload any) error
}

type Config struct {
	Timeout       time.Duration
	SigningSecret string
}

// HTTPProvider delivers webhook notifications as signed JSON POSTs.
type HTTPProvider struct {
	client *http.Client
	secret string
}

func NewHTTP(cfg Config) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		client: &http.Client{Timeout: timeout},
		secret: cfg.SigningSecret,
	}
}

func (p *HTTPProvider) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		mac := hmac.New(sha256.New, []byte(p.secret))
		_, _ = mac.Write(body)
		req.Header.Set("X-Billing-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

type NoOpProvider struct{}

func (p *NoOpProvider) Post(ctx context.Context, url string, payload any) error {
	return nil
}
