package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a latency and success objective for one governance
// operation. Targets for the decision paths follow the routing matrix
// latency ceilings.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0..1
	WindowHours int           `json:"window_hours"`
}

// DefaultGovernanceTargets returns the stock objectives: the green
// path must decide within 100ms, yellow within 2s, and a council
// session within 30s.
func DefaultGovernanceTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-authorize", Name: "green path decision", Operation: "authorize", LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-route", Name: "yellow path evaluation", Operation: "route", LatencyP99: 2 * time.Second, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-council", Name: "council deliberation", Operation: "council", LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-proofs", Name: "proof batch ingest", Operation: "proofs", LatencyP99: 500 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-register", Name: "agent registration", Operation: "register", LatencyP99: time.Second, SuccessRate: 0.995, WindowHours: 24},
	}
}

// SLOObservation is one recorded request outcome.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports compliance over the target's window.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"` // >1 consumes budget faster than allowed
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker accumulates observations per operation and evaluates them
// against their targets. Observations older than the target window are
// pruned on write.
type SLOTracker struct {
	mu      sync.Mutex
	targets map[string]*SLOTarget
	samples map[string][]SLOObservation
	clock   func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets: make(map[string]*SLOTarget),
		samples: make(map[string][]SLOObservation),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	kept := t.samples[obs.Operation]
	if target, ok := t.targets[obs.Operation]; ok {
		cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
		kept = pruneBefore(kept, cutoff)
	}
	t.samples[obs.Operation] = append(kept, obs)
}

// Status evaluates the operation against its target.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []SLOObservation
	for _, obs := range t.samples[operation] {
		if obs.Timestamp.After(cutoff) {
			windowed = append(windowed, obs)
		}
	}
	if len(windowed) == 0 {
		// No traffic spends no error budget.
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successes := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successes++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successes) / float64(len(windowed))
	p99 := percentile(latencies, 0.99)

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate, budgetLeft float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = max(0, 100.0*(1.0-burnRate))
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Milliseconds()) && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

func pruneBefore(samples []SLOObservation, cutoff time.Time) []SLOObservation {
	out := samples[:0:len(samples)]
	for _, obs := range samples {
		if obs.Timestamp.After(cutoff) {
			out = append(out, obs)
		}
	}
	return out
}

func percentile(values []float64, q float64) float64 {
	sort.Float64s(values)
	idx := int(float64(len(values)) * q)
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
