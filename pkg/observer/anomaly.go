package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// AnomalyStore persists detected anomalies through their lifecycle.
type AnomalyStore interface {
	Save(ctx context.Context, a *contracts.Anomaly) error
	Get(ctx context.Context, anomalyID string) (*contracts.Anomaly, error)
	Update(ctx context.Context, a *contracts.Anomaly) error
	List(ctx context.Context, agentID string, status contracts.AnomalyStatus) ([]contracts.Anomaly, error)
}

// MemoryAnomalyStore is the in-process AnomalyStore.
type MemoryAnomalyStore struct {
	mu        sync.RWMutex
	anomalies map[string]contracts.Anomaly
}

func NewMemoryAnomalyStore() *MemoryAnomalyStore {
	return &MemoryAnomalyStore{anomalies: make(map[string]contracts.Anomaly)}
}

func (s *MemoryAnomalyStore) Save(ctx context.Context, a *contracts.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies[a.AnomalyID] = *a
	return nil
}

func (s *MemoryAnomalyStore) Get(ctx context.Context, anomalyID string) (*contracts.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anomalies[anomalyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryAnomalyStore) Update(ctx context.Context, a *contracts.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anomalies[a.AnomalyID]; !ok {
		return ErrNotFound
	}
	s.anomalies[a.AnomalyID] = *a
	return nil
}

func (s *MemoryAnomalyStore) List(ctx context.Context, agentID string, status contracts.AnomalyStatus) ([]contracts.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Anomaly, 0)
	for _, a := range s.anomalies {
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Detector runs the periodic per-agent scans over the observer log.
type Detector struct {
	log   *Log
	store AnomalyStore
	clock func() time.Time
}

// NewDetector creates a detector over a log and an anomaly store.
func NewDetector(log *Log, store AnomalyStore) *Detector {
	return &Detector{log: log, store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Scan inspects one agent's last 24 hours of events, persisting an
// Anomaly and emitting a matching observer event per detection.
func (d *Detector) Scan(ctx context.Context, agentID string) ([]contracts.Anomaly, error) {
	now := d.clock().UTC()
	events, err := d.log.Query(ctx, Filter{
		AgentID: agentID,
		From:    now.Add(-24 * time.Hour),
		To:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("anomaly scan: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	detections := make([]contracts.Anomaly, 0)
	for _, detect := range []func(time.Time, []contracts.ObserverEvent) *detection{
		detectActivitySpike,
		detectErrorCluster,
		detectRiskEscalation,
		detectRapidActions,
		detectTrustDrop,
	} {
		found := detect(now, events)
		if found == nil {
			continue
		}
		anomaly := contracts.Anomaly{
			AnomalyID:   uuid.New().String(),
			AgentID:     agentID,
			Type:        found.kind,
			Severity:    found.severity,
			Description: found.description,
			Evidence: contracts.EvidenceWindow{
				FromSequence: events[0].Sequence,
				ToSequence:   events[len(events)-1].Sequence,
			},
			Status:     contracts.AnomalyOpen,
			DetectedAt: now,
		}
		if err := d.store.Save(ctx, &anomaly); err != nil {
			return detections, fmt.Errorf("save anomaly: %w", err)
		}
		if _, err := d.log.Append(ctx, Draft{
			Source:    "anomaly_detector",
			EventType: contracts.EventAnomaly,
			RiskLevel: found.severity,
			AgentID:   agentID,
			Data: map[string]any{
				"anomaly_id": anomaly.AnomalyID,
				"type":       string(anomaly.Type),
			},
		}); err != nil {
			return detections, err
		}
		detections = append(detections, anomaly)
	}
	return detections, nil
}

// Acknowledge moves an open anomaly to acknowledged.
func (d *Detector) Acknowledge(ctx context.Context, anomalyID string) error {
	return d.transition(ctx, anomalyID, contracts.AnomalyOpen, contracts.AnomalyAcknowledged)
}

// Resolve moves an acknowledged anomaly to resolved.
func (d *Detector) Resolve(ctx context.Context, anomalyID string) error {
	return d.transition(ctx, anomalyID, contracts.AnomalyAcknowledged, contracts.AnomalyResolved)
}

func (d *Detector) transition(ctx context.Context, anomalyID string, from, to contracts.AnomalyStatus) error {
	a, err := d.store.Get(ctx, anomalyID)
	if err != nil {
		return err
	}
	if a.Status != from {
		return fmt.Errorf("anomaly %s is %s, not %s", anomalyID, a.Status, from)
	}
	now := d.clock().UTC()
	a.Status = to
	switch to {
	case contracts.AnomalyAcknowledged:
		a.AcknowledgedAt = &now
	case contracts.AnomalyResolved:
		a.ResolvedAt = &now
	}
	return d.store.Update(ctx, a)
}

type detection struct {
	kind        contracts.AnomalyType
	severity    contracts.RiskLevel
	description string
}

func countSince(now time.Time, events []contracts.ObserverEvent, window time.Duration, match func(*contracts.ObserverEvent) bool) int {
	cutoff := now.Add(-window)
	n := 0
	for i := range events {
		if events[i].Timestamp.Before(cutoff) {
			continue
		}
		if match == nil || match(&events[i]) {
			n++
		}
	}
	return n
}

// detectActivitySpike flags a 5-minute burst at 3x the hourly rate.
func detectActivitySpike(now time.Time, events []contracts.ObserverEvent) *detection {
	hourly := countSince(now, events, time.Hour, nil)
	if hourly < 10 {
		return nil // baseline too small
	}
	recent := countSince(now, events, 5*time.Minute, nil)
	expected := float64(hourly) / 12.0
	if expected <= 0 || float64(recent) < 3*expected {
		return nil
	}
	severity := contracts.RiskMedium
	if float64(recent) > 5*expected {
		severity = contracts.RiskHigh
	}
	return &detection{
		kind:        contracts.AnomalyActivitySpike,
		severity:    severity,
		description: fmt.Sprintf("%d events in 5m against an hourly baseline of %d", recent, hourly),
	}
}

func detectErrorCluster(now time.Time, events []contracts.ObserverEvent) *detection {
	n := countSince(now, events, 5*time.Minute, func(e *contracts.ObserverEvent) bool {
		return e.RiskLevel == contracts.RiskHigh || e.RiskLevel == contracts.RiskCritical || e.EventType == "error"
	})
	if n < 5 {
		return nil
	}
	severity := contracts.RiskHigh
	if n > 10 {
		severity = contracts.RiskCritical
	}
	return &detection{
		kind:        contracts.AnomalyErrorCluster,
		severity:    severity,
		description: fmt.Sprintf("%d error or high-risk events in 5m", n),
	}
}

func detectRiskEscalation(now time.Time, events []contracts.ObserverEvent) *detection {
	anyCritical := false
	n := countSince(now, events, 10*time.Minute, func(e *contracts.ObserverEvent) bool {
		if e.RiskLevel == contracts.RiskCritical {
			anyCritical = true
			return true
		}
		return e.RiskLevel == contracts.RiskHigh
	})
	if n < 3 {
		return nil
	}
	severity := contracts.RiskHigh
	if anyCritical {
		severity = contracts.RiskCritical
	}
	return &detection{
		kind:        contracts.AnomalyRiskEscalation,
		severity:    severity,
		description: fmt.Sprintf("%d high or critical risk events in 10m", n),
	}
}

func detectRapidActions(now time.Time, events []contracts.ObserverEvent) *detection {
	n := countSince(now, events, time.Minute, func(e *contracts.ObserverEvent) bool {
		return e.EventType == contracts.EventAgentAction
	})
	if n < 10 {
		return nil
	}
	severity := contracts.RiskMedium
	if n > 20 {
		severity = contracts.RiskHigh
	}
	return &detection{
		kind:        contracts.AnomalyRapidActions,
		severity:    severity,
		description: fmt.Sprintf("%d actions in 1m", n),
	}
}

// detectTrustDrop sums negative score deltas over the full 24h window.
func detectTrustDrop(now time.Time, events []contracts.ObserverEvent) *detection {
	drop := 0.0
	for i := range events {
		delta, ok := events[i].Data["score_delta"]
		if !ok {
			continue
		}
		v, ok := delta.(float64)
		if !ok {
			if iv, isInt := delta.(int); isInt {
				v = float64(iv)
			} else {
				continue
			}
		}
		if v < 0 {
			drop += -v
		}
	}
	if drop < 50 {
		return nil
	}
	severity := contracts.RiskMedium
	if drop > 100 {
		severity = contracts.RiskCritical
	} else if drop > 75 {
		severity = contracts.RiskHigh
	}
	return &detection{
		kind:        contracts.AnomalyTrustDrop,
		severity:    severity,
		description: fmt.Sprintf("cumulative trust drop of %.0f over 24h", drop),
	}
}
