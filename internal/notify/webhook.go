// Package notify relays accepted chat messages to an external webhook.
//
// Delivery is best effort: Notify never blocks, a single goroutine performs
// the HTTP calls, and failures are logged and forgotten.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rplacetk/canvasd/internal/protocol"
)

// Config configures the webhook relay.
type Config struct {
	URL string
	// Suffix is appended to the username after "@".
	Suffix    string
	Timeout   time.Duration
	QueueSize int
	// PerSecond caps outgoing posts; excess notifications are dropped.
	PerSecond rate.Limit
	Burst     int
}

// DefaultConfig returns the relay defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:       url,
		Suffix:    "rplace.tk",
		Timeout:   5 * time.Second,
		QueueSize: 64,
		PerSecond: 1,
		Burst:     5,
	}
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Webhook posts chat messages to a URL.
type Webhook struct {
	endpoint string
	suffix   string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	queue    chan Payload
	logger   *slog.Logger

	dropped atomic.Int64
	sent    atomic.Int64
}

// New validates cfg and builds a webhook relay. Call Run to start delivery.
func New(cfg Config, logger *slog.Logger) (*Webhook, error) {
	endpoint, err := withWait(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := cfg.PerSecond
	if limit <= 0 {
		limit = rate.Inf
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		endpoint: endpoint,
		suffix:   cfg.Suffix,
		timeout:  cfg.Timeout,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(limit, max(cfg.Burst, 1)),
		queue:    make(chan Payload, cfg.QueueSize),
		logger:   logger.With("component", "webhook"),
	}, nil
}

func withWait(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("webhook url %q: scheme must be http or https", raw)
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewPayload formats a chat message the way the webhook expects it.
func NewPayload(msg protocol.ChatMessage, suffix string) Payload {
	username := fmt.Sprintf("[%s] %s", msg.Channel, msg.Name)
	if suffix != "" {
		username += "@" + suffix
	}
	return Payload{Username: username, Content: msg.Text}
}

// Notify queues msg for delivery. It reports false when the message was
// dropped because the queue is full.
func (w *Webhook) Notify(msg protocol.ChatMessage) bool {
	select {
	case w.queue <- NewPayload(msg, w.suffix):
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (w *Webhook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			if !w.limiter.Allow() {
				w.dropped.Add(1)
				w.logger.Debug("webhook rate limited, dropping notification")
				continue
			}
			if err := w.post(ctx, p); err != nil {
				w.logger.Warn("webhook delivery failed", "error", err)
				continue
			}
			w.sent.Add(1)
		}
	}
}

func (w *Webhook) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Dropped returns how many notifications were discarded.
func (w *Webhook) Dropped() int64 { return w.dropped.Load() }

// Sent returns how many notifications were delivered.
func (w *Webhook) Sent() int64 { return w.sent.Load() }
