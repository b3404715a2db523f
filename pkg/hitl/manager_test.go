package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

var testKey = []byte("hitl-test-signing-key")

func newTestManager() (*Manager, *observer.Log, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	log := observer.NewLog(observer.NewMemoryStore(), testKey)
	m := NewManager(log).WithClock(func() time.Time { return now })
	return m, log, &now
}

func TestCreateReviewCriticalGoesToCEO(t *testing.T) {
	m, _, now := newTestManager()

	review, err := m.CreateReview(context.Background(), "int-1", "a1", contracts.IssueCritical, "denied")
	require.NoError(t, err)

	assert.Equal(t, "CEO", review.AssignedRole)
	assert.Equal(t, contracts.ReviewPending, review.Status)
	assert.True(t, review.Deadline.Sub(*now) <= 2*time.Hour)
}

func TestReviewDeadlinesBySeverity(t *testing.T) {
	m, _, now := newTestManager()
	cases := []struct {
		severity contracts.IssueSeverity
		deadline time.Duration
		role     string
	}{
		{contracts.IssueCritical, 2 * time.Hour, "CEO"},
		{contracts.IssueHigh, 8 * time.Hour, "compliance-officer"},
		{contracts.IssueMedium, 24 * time.Hour, "team-lead"},
		{contracts.IssueLow, 72 * time.Hour, "operator"},
	}
	for _, tc := range cases {
		review, err := m.CreateReview(context.Background(), "int-1", "a1", tc.severity, "escalated")
		require.NoError(t, err)
		assert.Equal(t, now.Add(tc.deadline), review.Deadline, string(tc.severity))
		assert.Equal(t, tc.role, review.AssignedRole, string(tc.severity))
	}
}

func TestClaimAndDecide(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	review, err := m.CreateReview(ctx, "int-1", "a1", contracts.IssueMedium, "escalated")
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, review.ReviewID, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReviewAcknowledged, claimed.Status)
	assert.Equal(t, "alice", claimed.ClaimedBy)

	// Second claim loses.
	_, err = m.Claim(ctx, review.ReviewID, "bob")
	require.Error(t, err)

	// Only the claimant decides.
	_, err = m.Decide(ctx, review.ReviewID, "bob", "approve")
	require.Error(t, err)

	decided, err := m.Decide(ctx, review.ReviewID, "alice", "approve")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReviewDecided, decided.Status)
	assert.Equal(t, "approve", decided.HumanDecision)
	require.NotNil(t, decided.DecidedAt)
}

func TestCheckTimeoutsExpiresExactlyOnce(t *testing.T) {
	m, log, now := newTestManager()
	ctx := context.Background()

	review, err := m.CreateReview(ctx, "int-1", "a1", contracts.IssueHigh, "escalated")
	require.NoError(t, err)

	*now = now.Add(9 * time.Hour)

	expired, err := m.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, contracts.ReviewExpired, expired[0].Status)

	// Second scan finds nothing new.
	expired, err = m.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Expired reviews cannot be claimed.
	_, err = m.Claim(ctx, review.ReviewID, "alice")
	require.Error(t, err)

	events, err := log.Query(ctx, observer.Filter{EventType: contracts.EventHITLExpired})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.RiskMedium, events[0].RiskLevel)
}

func TestPendingFilterByRole(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.CreateReview(ctx, "int-1", "a1", contracts.IssueCritical, "denied")
	require.NoError(t, err)
	_, err = m.CreateReview(ctx, "int-2", "a2", contracts.IssueLow, "escalated")
	require.NoError(t, err)

	assert.Len(t, m.Pending(""), 2)
	assert.Len(t, m.Pending("CEO"), 1)
	assert.Len(t, m.Pending("operator"), 1)
}

func TestTriage(t *testing.T) {
	cases := []struct {
		name string
		in   TriageInput
		want contracts.IssueSeverity
	}{
		{"default low", TriageInput{Confidence: 0.95}, contracts.IssueLow},
		{"low confidence", TriageInput{Confidence: 0.5}, contracts.IssueMedium},
		{"user requested", TriageInput{UserRequested: true, Confidence: 0.9}, contracts.IssueMedium},
		{"budget overrun", TriageInput{BudgetOverrun: true}, contracts.IssueHigh},
		{"repeated qa failures", TriageInput{QAFailures: 3}, contracts.IssueHigh},
		{"critical compliance issue", TriageInput{
			ComplianceIssues: []contracts.ComplianceIssue{{Code: "PII_DETECTED", Severity: contracts.IssueCritical}},
		}, contracts.IssueCritical},
		{"high cost critical priority", TriageInput{HighCostCriticalPriority: true}, contracts.IssueCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Triage(tc.in))
		})
	}
}
