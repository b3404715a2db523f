// Package signals fans the observer log out to subscribers as a typed,
// prioritized signal stream.
package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

// Category groups signals by their origin in the governance mesh.
type Category string

const (
	CategorySelf        Category = "self"
	CategoryPeer        Category = "peer"
	CategoryHierarchy   Category = "hierarchy"
	CategoryCouncil     Category = "council"
	CategoryTrust       Category = "trust"
	CategoryAcademy     Category = "academy"
	CategoryMarketplace Category = "marketplace"
	CategorySystem      Category = "system"
	CategorySafety      Category = "safety"
)

// Priority orders signals for delivery filtering.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Default per-subscriber delivery limits.
const (
	DefaultPerMinute = 60
	DefaultPerHour   = 500
)

// Signal is one typed notification derived from an observer event.
type Signal struct {
	Category Category
	Priority Priority
	Event    contracts.ObserverEvent
}

// Subscription filters and receives signals. Safety signals are always
// delivered regardless of filters and limits.
type Subscription struct {
	id          string
	categories  map[Category]struct{} // empty = all
	minPriority Priority
	ch          chan Signal
	perMinute   *rate.Limiter
	perHour     *rate.Limiter
	dropped     int
	mu          sync.Mutex
}

// C is the receive channel.
func (s *Subscription) C() <-chan Signal { return s.ch }

// Dropped reports how many signals rate limiting discarded.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithCategories restricts delivery to the listed categories.
func WithCategories(categories ...Category) SubscribeOption {
	return func(s *Subscription) {
		s.categories = make(map[Category]struct{}, len(categories))
		for _, c := range categories {
			s.categories[c] = struct{}{}
		}
	}
}

// WithMinPriority drops signals below the threshold.
func WithMinPriority(p Priority) SubscribeOption {
	return func(s *Subscription) { s.minPriority = p }
}

// WithLimits overrides the default per-minute/per-hour delivery caps.
func WithLimits(perMinute, perHour int) SubscribeOption {
	return func(s *Subscription) {
		s.perMinute = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		s.perHour = rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour)
	}
}

// Hub tails the observer log and dispatches signals to subscribers.
type Hub struct {
	log    *observer.Log
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	cursor int64
}

func NewHub(log *observer.Log) *Hub {
	return &Hub{
		log:    log,
		logger: slog.Default(),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber. The returned subscription buffers
// up to 256 signals; overflow counts as dropped.
func (h *Hub) Subscribe(id string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{
		id:        id,
		ch:        make(chan Signal, 256),
		perMinute: rate.NewLimiter(rate.Limit(DefaultPerMinute/60.0), DefaultPerMinute),
		perHour:   rate.NewLimiter(rate.Limit(DefaultPerHour/3600.0), DefaultPerHour),
	}
	for _, opt := range opts {
		opt(sub)
	}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Dispatch classifies one event and offers it to every subscriber.
func (h *Hub) Dispatch(event *contracts.ObserverEvent) {
	signal := Classify(event)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.offer(signal)
	}
}

// Run tails the log until the context ends, dispatching new events on
// each poll.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Poll(ctx)
		}
	}
}

// Poll dispatches every event appended since the last poll.
func (h *Hub) Poll(ctx context.Context) {
	h.mu.Lock()
	cursor := h.cursor
	h.mu.Unlock()

	events, err := h.log.Query(ctx, observer.Filter{AfterSequence: cursor})
	if err != nil {
		h.logger.Error("signal poll failed", "error", err)
		return
	}
	for i := range events {
		h.Dispatch(&events[i])
	}
	if n := len(events); n > 0 {
		h.mu.Lock()
		h.cursor = events[n-1].Sequence
		h.mu.Unlock()
	}
}

// offer applies the subscription's filters and limits. Safety signals
// bypass both; they are never filtered.
func (s *Subscription) offer(signal Signal) {
	if signal.Category != CategorySafety {
		if len(s.categories) > 0 {
			if _, ok := s.categories[signal.Category]; !ok {
				return
			}
		}
		if signal.Priority < s.minPriority {
			return
		}
		if !s.perMinute.Allow() || !s.perHour.Allow() {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			return
		}
	}
	select {
	case s.ch <- signal:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Classify maps an observer event onto a signal category and priority.
func Classify(event *contracts.ObserverEvent) Signal {
	category := CategorySystem
	switch event.EventType {
	case contracts.EventKillSwitch, contracts.EventSystemDegraded:
		category = CategorySafety
	case contracts.EventAnomaly:
		category = CategorySafety
	case contracts.EventCouncil, contracts.EventCouncilTimeout, contracts.EventHITLExpired:
		category = CategoryCouncil
	case contracts.EventTierChange, contracts.EventScoreUpdate, contracts.EventTrustViolation:
		category = CategoryTrust
	case contracts.EventPipeline:
		category = CategoryAcademy
	case contracts.EventRegistration:
		category = CategoryHierarchy
	case contracts.EventAgentAction, contracts.EventDecision:
		category = CategorySelf
	}

	priority := PriorityNormal
	switch event.RiskLevel {
	case contracts.RiskCritical:
		priority = PriorityCritical
	case contracts.RiskHigh:
		priority = PriorityHigh
	case contracts.RiskMedium:
		priority = PriorityNormal
	case contracts.RiskLow:
		priority = PriorityLow
	case contracts.RiskInfo:
		priority = PriorityBackground
	}
	return Signal{Category: category, Priority: priority, Event: *event}
}
