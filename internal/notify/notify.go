// Package notify delivers one-time codes to account holders. Delivery itself
// (SMS gateway, e-mail) lives behind a webhook; this service only hands over
// the code.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/storefront/accounts/internal/logger"
)

// Notifier sends a plaintext OTP to phone.
type Notifier interface {
	SendOTP(ctx context.Context, phone, code string) error
}

// WebhookNotifier posts {"phone","code","purpose"} as JSON to a delivery
// service. 5xx and transport errors are retried with backoff until ctx or the
// attempt budget runs out; 4xx is final.
type WebhookNotifier struct {
	url      string
	client   *http.Client
	attempts uint64
	backoff  time.Duration
}

// NewWebhookNotifier creates a webhook notifier with a per-request timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookNotifier{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		attempts: 3,
		backoff:  100 * time.Millisecond,
	}
}

type webhookPayload struct {
	Phone   string `json:"phone"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

func (n *WebhookNotifier) SendOTP(ctx context.Context, phone, code string) error {
	body, err := json.Marshal(webhookPayload{Phone: phone, Code: code, Purpose: "password_reset"})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	b := retry.WithMaxRetries(n.attempts-1, retry.NewExponential(n.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("webhook post: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("webhook returned %d", resp.StatusCode))
		case resp.StatusCode >= 300:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

// LogNotifier records that a code was issued without revealing it. Used when
// no webhook is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendOTP(_ context.Context, phone, _ string) error {
	n.log.Info("otp issued, no delivery channel configured", logger.Phone(phone))
	return nil
}
