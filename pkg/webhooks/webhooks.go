package webhooks

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
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/pkg/audit"
)

// Delivery headers
const (
	HeaderEvent     = "X-Storyloom-Event"
	HeaderDelivery  = "X-Storyloom-Delivery"
	HeaderSignature = "X-Storyloom-Signature"
)

// Config describes one webhook endpoint
type Config struct {
	URL    string
	Secret string
	// EventTypes limits deliveries; empty means every event
	EventTypes []audit.EventType
	Timeout    time.Duration
	Retry      RetryConfig
}

// Payload is the JSON body of a delivery
type Payload struct {
	ID        string            `json:"id"`
	Type      audit.EventType   `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Event     *audit.AuditEvent `json:"event"`
}

// Notifier is an audit sink that posts events to an HTTP endpoint, signed
// with HMAC-SHA256 when a secret is set.
type Notifier struct {
	url     string
	secret  string
	events  map[audit.EventType]bool
	client  *http.Client
	retry   *RetryPolicy
	newID   func() string
	waitFor func(ctx context.Context, d time.Duration) error
}

// NewNotifier validates cfg and creates a notifier
func NewNotifier(cfg Config) (*Notifier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL: %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	var events map[audit.EventType]bool
	if len(cfg.EventTypes) > 0 {
		events = make(map[audit.EventType]bool, len(cfg.EventTypes))
		for _, et := range cfg.EventTypes {
			events[et] = true
		}
	}

	return &Notifier{
		url:     cfg.URL,
		secret:  cfg.Secret,
		events:  events,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   NewRetryPolicy(cfg.Retry),
		newID:   uuid.NewString,
		waitFor: sleep,
	}, nil
}

// Interested reports whether events of type t are delivered
func (n *Notifier) Interested(t audit.EventType) bool {
	return n.events == nil || n.events[t]
}

// Log delivers event, retrying transient failures with exponential backoff
func (n *Notifier) Log(ctx context.Context, event *audit.AuditEvent) error {
	if !n.Interested(event.EventType) {
		return nil
	}

	payload := Payload{
		ID:        n.newID(),
		Type:      event.EventType,
		Timestamp: time.Now().UTC(),
		Event:     event,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = n.send(ctx, payload, body)
		if !n.retry.ShouldRetry(attempt, err) {
			break
		}
		if werr := n.waitFor(ctx, n.retry.NextRetryDelay(attempt)); werr != nil {
			return fmt.Errorf("webhook delivery %s abandoned: %w", payload.ID, werr)
		}
	}
	if err != nil {
		return fmt.Errorf("webhook delivery %s failed: %w", payload.ID, err)
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, payload Payload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(payload.Type))
	req.Header.Set(HeaderDelivery, payload.ID)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return &PermanentError{StatusCode: resp.StatusCode}
	default:
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
}

// Close is a no-op
func (n *Notifier) Close() error {
	return nil
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
