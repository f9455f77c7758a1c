package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/chazwilder/iqx-dockmonitor/alert"
	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
	"github.com/chazwilder/iqx-dockmonitor/pkg/tlsutil"
)

// WebhookConfig configures a chat-style webhook.
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`

	// RatePerSecond caps outgoing posts. Zero means no limit.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `json:"burst" yaml:"burst"`

	// TLS adds trusted CAs or a client certificate for https endpoints.
	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// Validate checks the webhook configuration.
func (c WebhookConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "WebhookConfig", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: bad url %q", errors.ErrInvalidConfig, c.URL),
			"WebhookConfig", "Validate", "parse url")
	}
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "WebhookConfig", "Validate",
			"timeout must be between 0 and 5m")
	}
	return nil
}

// Webhook posts {"text": ...} to a chat webhook.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	client := &http.Client{Timeout: timeout}
	if !cfg.TLS.IsZero() {
		tlsCfg, err := tlsutil.Client(cfg.TLS)
		if err != nil {
			return nil, err
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		client.Transport = transport
	}

	return &Webhook{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		limiter: limiter,
	}, nil
}

// Name implements alert.Notifier.
func (w *Webhook) Name() string { return "webhook" }

// Notify implements alert.Notifier. Client errors (4xx) are not retried.
func (w *Webhook) Notify(ctx context.Context, n alert.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return errors.WrapTransient(err, "Webhook", "Notify", "wait for rate limiter")
	}

	body, err := json.Marshal(map[string]string{"text": n.Text})
	if err != nil {
		return retry.NonRetryable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Webhook", "Notify", "post notification")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.WrapTransient(fmt.Errorf("%w: HTTP %d", errors.ErrNotifyFailed, resp.StatusCode),
			"Webhook", "Notify", "post notification")
	default:
		return retry.NonRetryable(fmt.Errorf("%w: HTTP %d", errors.ErrNotifyFailed, resp.StatusCode))
	}
}
