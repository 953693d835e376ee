// Package notify delivers operator alerts for watchdog escalations,
// load failures and health transitions. Delivery is best effort:
// alerting must never block or fail a remediation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// dedupWindow suppresses repeats of the same alert key. A flapping
// container should page once, not once per flap.
const dedupWindow = 15 * time.Minute

// Alert is what sinks receive.
type Alert struct {
	Key     string    `json:"key"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink delivers one alert somewhere.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Options tunes flood control.
type Options struct {
	// RatePerMinute caps delivered alerts. Zero selects 6.
	RatePerMinute int
	// DedupWindow overrides the default suppression window.
	DedupWindow time.Duration
}

// Notifier fans alerts out to its sinks, with per-key dedup first and
// a global rate limit behind it.
type Notifier struct {
	sinks   []Sink
	limiter *rate.Limiter
	log     *slog.Logger

	window time.Duration

	mu    sync.Mutex
	dedup map[string]time.Time
	now   func() time.Time
}

// New builds a notifier. A notifier with no sinks still logs.
func New(opts Options, logger *slog.Logger, sinks ...Sink) *Notifier {
	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = dedupWindow
	}
	return &Notifier{
		sinks:   sinks,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		log:     logger,
		window:  window,
		dedup:   make(map[string]time.Time),
		now:     time.Now,
	}
}

// Alert delivers one alert. Duplicate keys inside the dedup window and
// alerts beyond the rate limit are dropped with a debug log.
func (n *Notifier) Alert(ctx context.Context, key, message string) {
	if n.suppressed(key) {
		n.log.Debug("alert suppressed by dedup", "key", key)
		return
	}
	if !n.limiter.Allow() {
		n.log.Debug("alert dropped by rate limit", "key", key)
		return
	}

	a := Alert{Key: key, Message: message, At: n.now().UTC()}
	n.log.Warn("alert", "key", key, "message", message)
	for _, sink := range n.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			n.log.Warn("alert sink failed", "key", key, "error", err)
		}
	}
}

// suppressed records the key and reports whether it was already seen
// inside the window. Expired entries are collected on the way.
func (n *Notifier) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, until := range n.dedup {
		if now.After(until) {
			delete(n.dedup, k)
		}
	}
	if _, seen := n.dedup[key]; seen {
		return true
	}
	n.dedup[key] = now.Add(n.window)
	return false
}

// WebhookSink POSTs alerts as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds a webhook sink.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver implements Sink.
func (w *WebhookSink) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %s", resp.Status)
	}
	return nil
}
