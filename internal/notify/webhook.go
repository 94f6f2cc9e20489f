package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultQueueSize is the number of events buffered before new ones are dropped
	DefaultQueueSize = 256
	// DefaultMaxTries is the number of delivery attempts per event
	DefaultMaxTries = 3
	// DefaultRequestTimeout bounds a single delivery attempt
	DefaultRequestTimeout = 10 * time.Second
)

// WebhookOption configures a Webhook
type WebhookOption func(*Webhook)

// WithQueueSize sets the queue capacity
func WithQueueSize(size int) WebhookOption {
	return func(w *Webhook) {
		if size > 0 {
			w.queueSize = size
		}
	}
}

// WithMaxTries sets how many times an event is attempted
func WithMaxTries(tries uint) WebhookOption {
	return func(w *Webhook) {
		if tries > 0 {
			w.maxTries = tries
		}
	}
}

// WithInitialInterval sets the first retry delay
func WithInitialInterval(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.initialInterval = d
	}
}

// WithHTTPClient replaces the client used for deliveries
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.client = client
	}
}

// Webhook posts events as JSON to a URL from a single background worker
type Webhook struct {
	url             string
	client          *http.Client
	queueSize       int
	maxTries        uint
	initialInterval time.Duration

	queue  chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook creates a webhook notifier and starts its delivery worker
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:             url,
		queueSize:       DefaultQueueSize,
		maxTries:        DefaultMaxTries,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.client == nil {
		w.client = &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	w.queue = make(chan Event, w.queueSize)
	w.done = make(chan struct{})
	w.ctx, w.cancel = context.WithCancel(context.Background())

	go w.run()
	return w
}

// Notify queues event for delivery. A full queue drops the event.
func (w *Webhook) Notify(_ context.Context, event Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		slog.Warn("Webhook closed, dropping notification",
			"dataset_id", event.DatasetID, "status", event.Status)
		return
	}

	select {
	case w.queue <- event:
	default:
		slog.Warn("Webhook queue full, dropping notification",
			"dataset_id", event.DatasetID, "status", event.Status, "queue_size", w.queueSize)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight deliveries are abandoned.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return fmt.Errorf("webhook shutdown: %w", ctx.Err())
	}
}

func (w *Webhook) run() {
	defer close(w.done)
	for event := range w.queue {
		if err := w.deliver(w.ctx, event); err != nil {
			slog.Error("Failed to deliver notification",
				"dataset_id", event.DatasetID,
				"resource_id", event.ResourceID,
				"status", event.Status,
				"error", err)
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.maxTries))
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %s", resp.Status)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	}
}
