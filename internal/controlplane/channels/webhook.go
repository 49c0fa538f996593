package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
	"github.com/solarwatch/flarealert/internal/shared/signing"
	"github.com/solarwatch/flarealert/internal/telemetry"
)

// Webhook request headers.
const (
	SignatureHeader    = "X-FlareAlert-Signature"
	NotificationHeader = "X-FlareAlert-Notification"
	AttemptHeader      = "X-FlareAlert-Attempt"
)

// DefaultWebhookTimeout bounds one webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the JSON body sent to webhook endpoints.
type WebhookPayload struct {
	NotificationID string            `json:"notification_id"`
	ConfigID       string            `json:"config_id"`
	Prediction     alerts.Prediction `json:"prediction"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	Signature      string            `json:"signature,omitempty"`
}

// SecretFunc returns the signing secret for a config.
type SecretFunc func(cfg alerts.AlertConfig) ([]byte, error)

// MasterKeySecrets derives per-config secrets from a master key.
func MasterKeySecrets(masterKey []byte) SecretFunc {
	return func(cfg alerts.AlertConfig) ([]byte, error) {
		return signing.DeriveConfigSecret(masterKey, cfg.OwnerID, cfg.ID)
	}
}

// SignPayload encodes p without its signature, signs that encoding with
// secret, and returns the final body carrying the signature plus the
// header value.
func SignPayload(p WebhookPayload, secret []byte) (body []byte, header string, err error) {
	p.Signature = ""
	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	signer := signing.NewSigner(secret)
	p.Signature = signer.Sign(unsigned)
	body, err = json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("marshal signed payload: %w", err)
	}
	return body, signing.HeaderPrefix + p.Signature, nil
}

// VerifyPayload checks a received webhook body against its header.
func VerifyPayload(body []byte, header string, secret []byte) error {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if signing.HeaderPrefix+p.Signature != header {
		return fmt.Errorf("body signature does not match header")
	}
	p.Signature = ""
	unsigned, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return signing.NewSigner(secret).Verify(unsigned, header)
}

// WebhookAdapter delivers signed HTTP POSTs.
type WebhookAdapter struct {
	httpClient *http.Client
	secrets    SecretFunc
	timeout    time.Duration
	logger     *zap.Logger
}

// WebhookOption configures a WebhookAdapter.
type WebhookOption func(*WebhookAdapter)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookAdapter) { w.httpClient = c }
}

// WithWebhookTimeout sets the per-request timeout.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *WebhookAdapter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(secrets SecretFunc, logger *zap.Logger, opts ...WebhookOption) *WebhookAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &WebhookAdapter{
		httpClient: &http.Client{},
		secrets:    secrets,
		timeout:    DefaultWebhookTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookAdapter) Channel() alerts.Channel { return alerts.ChannelWebhook }

func (w *WebhookAdapter) Send(ctx context.Context, d Delivery) Result {
	target, err := url.Parse(d.Config.WebhookURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Fail("malformed webhook url %q", d.Config.WebhookURL)
	}

	secret, err := w.secrets(d.Config)
	if err != nil {
		return Fail("webhook secret: %v", err)
	}

	body, signature, err := SignPayload(WebhookPayload{
		NotificationID: d.Notification.ID,
		ConfigID:       d.Config.ID,
		Prediction:     d.Notification.Prediction,
		TriggeredAt:    d.TriggeredAt.UTC(),
	}, secret)
	if err != nil {
		return Fail("%v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return Fail("webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flarealert-webhook/1")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(NotificationHeader, d.Notification.ID)
	req.Header.Set(AttemptHeader, strconv.Itoa(d.Notification.AttemptCount))
	telemetry.InjectHeaders(reqCtx, req.Header)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return Retry("webhook timed out after %s", w.timeout)
		}
		return Retry("webhook send: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result := ClassifyHTTPStatus(resp.StatusCode)
	if result.Outcome != Delivered {
		w.logger.Debug("webhook rejected",
			zap.String("notification_id", d.Notification.ID),
			zap.Int("status", resp.StatusCode),
			zap.Stringer("outcome", result.Outcome))
	}
	return result
}

// ClassifyHTTPStatus maps a response status to an attempt result. 2xx is
// success. 429 and 5xx are retryable. Everything else is permanent.
func ClassifyHTTPStatus(code int) Result {
	switch {
	case code >= 200 && code < 300:
		return Success()
	case code == http.StatusTooManyRequests:
		return Retry("HTTP %d", code)
	case code >= 500:
		return Retry("HTTP %d", code)
	default:
		return Fail("HTTP %d", code)
	}
}
