// Package webhooks delivers outbound notifications to agent-owned
// endpoints. Delivery is at-least-once: each payload carries an
// eventId so subscribers can deduplicate, and failed deliveries retry
// with exponential backoff.
package webhooks

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

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/registry"
)

// Subscribed event types.
const (
	EventTierChange   = "trust.tier_change"
	EventViolation    = "trust.violation"
	EventCertStatus   = "cert.status_change"
)

const (
	defaultMaxAttempts = 6
	defaultBackoffBase = 2 * time.Second
	deliveryTimeout    = 10 * time.Second
)

// Envelope is the wire payload. EventID backs idempotent handling on
// the subscriber side.
type Envelope struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// delivery is one queued envelope with its retry state.
type delivery struct {
	envelope Envelope
	url      string
	attempts int
	nextTry  time.Time
}

// Queue is the delivery queue. It satisfies trust.WebhookQueue.
type Queue struct {
	agents     registry.AgentStore
	client     *http.Client
	signingKey []byte
	clock      func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	pending []*delivery

	maxAttempts int
	backoffBase time.Duration
}

// QueueOption configures the queue.
type QueueOption func(*Queue)

func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

func WithHTTPClient(client *http.Client) QueueOption {
	return func(q *Queue) { q.client = client }
}

func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

func WithRetryPolicy(maxAttempts int, backoffBase time.Duration) QueueOption {
	return func(q *Queue) {
		q.maxAttempts = maxAttempts
		q.backoffBase = backoffBase
	}
}

// NewQueue creates a delivery queue. The signing key authenticates
// payloads to subscribers.
func NewQueue(agents registry.AgentStore, signingKey []byte, opts ...QueueOption) *Queue {
	q := &Queue{
		agents:      agents,
		client:      &http.Client{Timeout: deliveryTimeout},
		signingKey:  signingKey,
		clock:       time.Now,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue queues one notification for the agent's webhook endpoint.
// Agents without a webhook URL are skipped silently.
func (q *Queue) Enqueue(eventType, agentID string, payload map[string]any) {
	agent, err := q.agents.Get(context.Background(), agentID)
	if err != nil || agent.WebhookURL == "" {
		return
	}
	d := &delivery{
		envelope: Envelope{
			EventID:   uuid.New().String(),
			EventType: eventType,
			AgentID:   agentID,
			Timestamp: q.clock().UTC(),
			Data:      payload,
		},
		url:     agent.WebhookURL,
		nextTry: q.clock(),
	}
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
}

// Pending reports the queue depth.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush attempts every due delivery once. Failures are rescheduled
// with exponential backoff; deliveries past the attempt cap are
// dropped with a log line. Returns the number delivered.
func (q *Queue) Flush(ctx context.Context) int {
	now := q.clock()

	q.mu.Lock()
	var due []*delivery
	var waiting []*delivery
	for _, d := range q.pending {
		if !d.nextTry.After(now) {
			due = append(due, d)
		} else {
			waiting = append(waiting, d)
		}
	}
	q.pending = waiting
	q.mu.Unlock()

	delivered := 0
	for _, d := range due {
		if err := q.deliver(ctx, d); err == nil {
			delivered++
			continue
		}
		d.attempts++
		if d.attempts >= q.maxAttempts {
			q.logger.Error("webhook delivery dropped",
				"event_id", d.envelope.EventID,
				"event_type", d.envelope.EventType,
				"agent_id", d.envelope.AgentID,
				"attempts", d.attempts)
			continue
		}
		d.nextTry = q.clock().Add(q.backoffBase << (d.attempts - 1))
		q.mu.Lock()
		q.pending = append(q.pending, d)
		q.mu.Unlock()
	}
	return delivered
}

// Run flushes on a fixed cadence until the context ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Flush(ctx)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, d *delivery) error {
	body, err := json.Marshal(d.envelope)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Arbiter-Event-Id", d.envelope.EventID)
	req.Header.Set("X-Arbiter-Signature", contracts.Sign(q.signingKey, body))

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
