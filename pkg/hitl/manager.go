// Package hitl manages human-in-the-loop reviews: triage, queueing,
// claim/decide lifecycle, and deadline expiry.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

// Review deadlines by triage severity.
var deadlineBySeverity = map[contracts.IssueSeverity]time.Duration{
	contracts.IssueCritical: 2 * time.Hour,
	contracts.IssueHigh:     8 * time.Hour,
	contracts.IssueMedium:   24 * time.Hour,
	contracts.IssueLow:      72 * time.Hour,
}

// Reviewer roles by triage severity.
var roleBySeverity = map[contracts.IssueSeverity]string{
	contracts.IssueCritical: "CEO",
	contracts.IssueHigh:     "compliance-officer",
	contracts.IssueMedium:   "team-lead",
	contracts.IssueLow:      "operator",
}

// Recorder is the slice of the observer log the manager needs.
type Recorder interface {
	Append(ctx context.Context, draft observer.Draft) (*contracts.ObserverEvent, error)
}

// Manager owns the review queue. Each review is claimed by at most one
// reviewer; expiry transitions a pending review to expired exactly once.
type Manager struct {
	mu       sync.Mutex
	reviews  map[string]*contracts.HITLReview
	recorder Recorder
	clock    func() time.Time
}

// NewManager creates a review manager. recorder may be nil in tests.
func NewManager(recorder Recorder) *Manager {
	return &Manager{
		reviews:  make(map[string]*contracts.HITLReview),
		recorder: recorder,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateReview enqueues a review for a council-escalated intent.
func (m *Manager) CreateReview(ctx context.Context, intentID, agentID string, severity contracts.IssueSeverity, agentDecision string) (*contracts.HITLReview, error) {
	deadline, ok := deadlineBySeverity[severity]
	if !ok {
		return nil, fmt.Errorf("unknown severity %q", severity)
	}
	now := m.clock()
	review := &contracts.HITLReview{
		ReviewID:      uuid.New().String(),
		IntentID:      intentID,
		AgentID:       agentID,
		Severity:      severity,
		AssignedRole:  roleBySeverity[severity],
		Deadline:      now.Add(deadline),
		Status:        contracts.ReviewPending,
		AgentDecision: agentDecision,
		CreatedAt:     now,
	}

	m.mu.Lock()
	m.reviews[review.ReviewID] = review
	m.mu.Unlock()

	m.record(ctx, observer.Draft{
		Source:    "hitl",
		EventType: contracts.EventCouncil,
		RiskLevel: riskForSeverity(severity),
		AgentID:   agentID,
		Data: map[string]any{
			"review_id": review.ReviewID,
			"intent_id": intentID,
			"severity":  string(severity),
			"role":      review.AssignedRole,
		},
	})
	return review, nil
}

// Claim assigns a pending review to one reviewer.
func (m *Manager) Claim(ctx context.Context, reviewID, reviewerID string) (*contracts.HITLReview, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	review, ok := m.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("review %q not found", reviewID)
	}
	if review.Status != contracts.ReviewPending {
		return nil, fmt.Errorf("review %q is not pending (status=%s)", reviewID, review.Status)
	}
	if m.clock().After(review.Deadline) {
		return nil, fmt.Errorf("review %q deadline passed", reviewID)
	}
	review.Status = contracts.ReviewAcknowledged
	review.ClaimedBy = reviewerID
	out := *review
	return &out, nil
}

// Decide records the human verdict on a claimed review.
func (m *Manager) Decide(ctx context.Context, reviewID, reviewerID, decision string) (*contracts.HITLReview, error) {
	m.mu.Lock()
	review, ok := m.reviews[reviewID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("review %q not found", reviewID)
	}
	if review.Status != contracts.ReviewAcknowledged {
		m.mu.Unlock()
		return nil, fmt.Errorf("review %q is not claimed (status=%s)", reviewID, review.Status)
	}
	if review.ClaimedBy != reviewerID {
		m.mu.Unlock()
		return nil, fmt.Errorf("review %q is claimed by %q", reviewID, review.ClaimedBy)
	}
	now := m.clock()
	review.Status = contracts.ReviewDecided
	review.HumanDecision = decision
	review.DecidedAt = &now
	out := *review
	m.mu.Unlock()

	m.record(ctx, observer.Draft{
		Source:    "hitl",
		EventType: contracts.EventCouncil,
		RiskLevel: contracts.RiskLow,
		AgentID:   out.AgentID,
		UserID:    reviewerID,
		Data: map[string]any{
			"review_id": out.ReviewID,
			"decision":  decision,
		},
	})
	return &out, nil
}

// CheckTimeouts expires pending reviews past their deadline. Each
// review expires at most once; expiry emits a medium-risk event.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]contracts.HITLReview, error) {
	m.mu.Lock()
	now := m.clock()
	var expired []contracts.HITLReview
	for _, review := range m.reviews {
		if review.Status != contracts.ReviewPending {
			continue
		}
		if now.After(review.Deadline) {
			review.Status = contracts.ReviewExpired
			expired = append(expired, *review)
		}
	}
	m.mu.Unlock()

	for _, review := range expired {
		m.record(ctx, observer.Draft{
			Source:    "hitl",
			EventType: contracts.EventHITLExpired,
			RiskLevel: contracts.RiskMedium,
			AgentID:   review.AgentID,
			Data: map[string]any{
				"review_id": review.ReviewID,
				"intent_id": review.IntentID,
				"severity":  string(review.Severity),
			},
		})
	}
	return expired, nil
}

// Get returns a review by ID.
func (m *Manager) Get(reviewID string) (*contracts.HITLReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	review, ok := m.reviews[reviewID]
	if !ok {
		return nil, fmt.Errorf("review %q not found", reviewID)
	}
	out := *review
	return &out, nil
}

// Pending returns pending reviews, optionally filtered by role.
func (m *Manager) Pending(role string) []contracts.HITLReview {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.HITLReview
	for _, review := range m.reviews {
		if review.Status != contracts.ReviewPending {
			continue
		}
		if role != "" && review.AssignedRole != role {
			continue
		}
		out = append(out, *review)
	}
	return out
}

func (m *Manager) record(ctx context.Context, draft observer.Draft) {
	if m.recorder == nil {
		return
	}
	_, _ = m.recorder.Append(ctx, draft)
}

func riskForSeverity(s contracts.IssueSeverity) contracts.RiskLevel {
	switch s {
	case contracts.IssueCritical:
		return contracts.RiskCritical
	case contracts.IssueHigh:
		return contracts.RiskHigh
	case contracts.IssueMedium:
		return contracts.RiskMedium
	default:
		return contracts.RiskLow
	}
}
