package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/arbiter/internal/circuitbreaker"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/retry"
)

const (
	HeaderEvent     = "X-Arbiter-Event"
	HeaderEventID   = "X-Arbiter-Event-ID"
	HeaderTimestamp = "X-Arbiter-Timestamp"
	HeaderSignature = "X-Arbiter-Signature"
)

// Webhook posts facts as JSON to a single endpoint.
type Webhook struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	baseDelay time.Duration
	breaker   *circuitbreaker.Breaker
	sinkKey   string
}

// NewWebhook creates a webhook notifier. An empty secret disables signing.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

// WithBreaker guards delivery with b, keyed by the sink host. While the
// circuit is open Notify fails fast with circuitbreaker.ErrOpen and the
// relay leaves the event for a later pass.
func (w *Webhook) WithBreaker(b *circuitbreaker.Breaker) *Webhook {
	w.breaker = b
	w.sinkKey = w.url
	if u, err := url.Parse(w.url); err == nil && u.Host != "" {
		w.sinkKey = u.Host
	}
	return w
}

// WithRetry overrides the attempt count and base backoff.
func (w *Webhook) WithRetry(attempts int, baseDelay time.Duration) *Webhook {
	w.attempts = attempts
	w.baseDelay = baseDelay
	return w
}

// Notify delivers f. 2xx is success; 4xx (except 429) is permanent; other
// failures are retried with backoff.
func (w *Webhook) Notify(ctx context.Context, f Fact) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}

	deliver := func() error {
		return retry.Do(ctx, w.attempts, w.baseDelay, func() error {
			return w.send(ctx, f, payload)
		})
	}
	if w.breaker != nil {
		err = w.breaker.Do(w.sinkKey, deliver)
	} else {
		err = deliver()
	}
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (w *Webhook) send(ctx context.Context, f Fact, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, f.Type)
	req.Header.Set(HeaderEventID, f.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(f.OccurredAt.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook rejected fact %s: status %d", f.ID, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
