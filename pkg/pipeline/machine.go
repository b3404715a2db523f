// Package pipeline drives the agent lifecycle state machine:
// draft -> training -> exam -> shadow -> active <-> suspended -> retired.
// Transitions pass through per-edge gates; a forced override skips the
// gates but never the edge legality, and is always recorded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
	"github.com/arbiter-labs/arbiter/pkg/registry"
)

// Shadow-stage promotion gates.
const (
	MinShadowMatchRate  = 0.95
	MinShadowExecutions = 100
	MinShadowDuration   = 7 * 24 * time.Hour
)

var ErrIllegalTransition = errors.New("illegal pipeline transition")

// GateError reports which gate blocked a transition.
type GateError struct {
	Gate   string
	Detail string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %q failed: %s", e.Gate, e.Detail)
}

// Evidence is the material a caller supplies to satisfy transition
// gates.
type Evidence struct {
	ConfigComplete   bool
	HierarchyLevel   int
	ExamScore        float64
	ShadowMatchRate  float64
	ShadowExecutions int
	ShadowEnteredAt  time.Time
	SafetyViolations int
	HumanApproved    bool
}

// legalEdges is the transition relation.
var legalEdges = map[contracts.PipelineStage][]contracts.PipelineStage{
	contracts.StageDraft:     {contracts.StageTraining},
	contracts.StageTraining:  {contracts.StageExam},
	contracts.StageExam:      {contracts.StageShadow},
	contracts.StageShadow:    {contracts.StageActive},
	contracts.StageActive:    {contracts.StageSuspended, contracts.StageRetired},
	contracts.StageSuspended: {contracts.StageActive, contracts.StageRetired},
}

func legalEdge(from, to contracts.PipelineStage) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// gate is one named blocking check on an edge.
type gate struct {
	name  string
	check func(agent *contracts.Agent, ev *Evidence, now time.Time) string
}

type edge struct {
	from, to contracts.PipelineStage
}

// gatesByEdge binds the blocking gates to their edges. Edges absent
// here (suspension, resumption, retirement) have no gates.
var gatesByEdge = map[edge][]gate{
	{contracts.StageDraft, contracts.StageTraining}: {
		{"basic_config", func(agent *contracts.Agent, ev *Evidence, _ time.Time) string {
			if !ev.ConfigComplete {
				return "agent configuration incomplete"
			}
			return ""
		}},
		{"manifest_alignment", func(agent *contracts.Agent, _ *Evidence, _ time.Time) string {
			if len(agent.Manifest.Capabilities) == 0 {
				return "manifest declares no capabilities"
			}
			return ""
		}},
		{"hierarchy_level", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if ev.HierarchyLevel < 1 {
				return "hierarchy level not assigned"
			}
			return ""
		}},
	},
	{contracts.StageTraining, contracts.StageExam}: {
		{"training_complete", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if !ev.ConfigComplete {
				return "training curriculum incomplete"
			}
			return ""
		}},
	},
	{contracts.StageExam, contracts.StageShadow}: {
		{"exam_passed", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if ev.ExamScore < 0.8 {
				return fmt.Sprintf("exam score %.2f below 0.80", ev.ExamScore)
			}
			return ""
		}},
	},
	{contracts.StageShadow, contracts.StageActive}: {
		{"shadow_match_rate", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if ev.ShadowMatchRate < MinShadowMatchRate {
				return fmt.Sprintf("match rate %.3f below %.2f", ev.ShadowMatchRate, MinShadowMatchRate)
			}
			return ""
		}},
		{"shadow_volume", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if ev.ShadowExecutions < MinShadowExecutions {
				return fmt.Sprintf("%d executions below %d", ev.ShadowExecutions, MinShadowExecutions)
			}
			return ""
		}},
		{"shadow_duration", func(_ *contracts.Agent, ev *Evidence, now time.Time) string {
			if ev.ShadowEnteredAt.IsZero() || now.Sub(ev.ShadowEnteredAt) < MinShadowDuration {
				return "fewer than 7 days in shadow"
			}
			return ""
		}},
		{"zero_safety_violations", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if ev.SafetyViolations > 0 {
				return fmt.Sprintf("%d safety violations on record", ev.SafetyViolations)
			}
			return ""
		}},
		{"human_approval", func(_ *contracts.Agent, ev *Evidence, _ time.Time) string {
			if !ev.HumanApproved {
				return "human approval missing"
			}
			return ""
		}},
	},
}

// Recorder is the slice of the observer log the machine needs.
type Recorder interface {
	Append(ctx context.Context, draft observer.Draft) (*contracts.ObserverEvent, error)
}

// Machine applies pipeline transitions to stored agents.
type Machine struct {
	agents   registry.AgentStore
	recorder Recorder
	clock    func() time.Time
	logger   *slog.Logger
}

func NewMachine(agents registry.AgentStore, recorder Recorder) *Machine {
	return &Machine{
		agents:   agents,
		recorder: recorder,
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Transition moves an agent to the target stage if the edge is legal
// and every blocking gate passes.
func (m *Machine) Transition(ctx context.Context, agentID string, to contracts.PipelineStage, ev *Evidence) (*contracts.Agent, error) {
	return m.apply(ctx, agentID, to, ev, false, "")
}

// Force moves an agent across a legal edge ignoring the gates. Only
// privileged callers reach this path; the override is always recorded
// with forced=true.
func (m *Machine) Force(ctx context.Context, agentID string, to contracts.PipelineStage, actorID string) (*contracts.Agent, error) {
	return m.apply(ctx, agentID, to, nil, true, actorID)
}

func (m *Machine) apply(ctx context.Context, agentID string, to contracts.PipelineStage, ev *Evidence, forced bool, actorID string) (*contracts.Agent, error) {
	agent, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	from := agent.PipelineStage
	if !legalEdge(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	now := m.clock()
	if !forced {
		if ev == nil {
			ev = &Evidence{}
		}
		for _, g := range gatesByEdge[edge{from, to}] {
			if detail := g.check(agent, ev, now); detail != "" {
				return nil, &GateError{Gate: g.name, Detail: detail}
			}
		}
	}

	agent.PipelineStage = to
	// Suspension pauses execution; resuming to active clears it.
	switch to {
	case contracts.StageSuspended:
		agent.Paused = true
	case contracts.StageActive:
		agent.Paused = false
	}
	if err := m.agents.Update(ctx, agent, agent.Version); err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	if m.recorder != nil {
		risk := contracts.RiskInfo
		if forced || to == contracts.StageSuspended {
			risk = contracts.RiskMedium
		}
		data := map[string]any{
			"from":   string(from),
			"to":     string(to),
			"forced": forced,
		}
		if actorID != "" {
			data["actor"] = actorID
		}
		if _, err := m.recorder.Append(ctx, observer.Draft{
			Source:    "pipeline",
			EventType: contracts.EventPipeline,
			RiskLevel: risk,
			AgentID:   agentID,
			Data:      data,
		}); err != nil {
			m.logger.Error("pipeline event append failed", "agent_id", agentID, "error", err)
		}
	}
	return agent, nil
}
