// Package killswitch implements the emergency stop: activation pauses
// every matching agent and denies subsequent authorizations until the
// switch is cleared.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
	"github.com/arbiter-labs/arbiter/pkg/registry"
	"github.com/arbiter-labs/arbiter/pkg/trust"
)

// BlockReason is the guard reason surfaced in deny decisions.
const BlockReason = "kill_switch"

// Scope selects which agents a switch covers:
// "all", "tier:<name>", or "specialization:<name>".
type Scope string

func (s Scope) Validate() error {
	if s == "all" {
		return nil
	}
	if name, ok := strings.CutPrefix(string(s), "tier:"); ok && name != "" {
		return nil
	}
	if name, ok := strings.CutPrefix(string(s), "specialization:"); ok && name != "" {
		return nil
	}
	return fmt.Errorf("invalid kill switch scope %q", s)
}

// Recorder is the slice of the observer log the switch needs.
type Recorder interface {
	Append(ctx context.Context, draft observer.Draft) (*contracts.ObserverEvent, error)
}

// Switch is the process-wide kill switch. It satisfies authz.Guard.
type Switch struct {
	agents   registry.AgentStore
	profiles trust.ProfileStore
	recorder Recorder
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	active  bool
	scope   Scope
	reason  string
	blocked map[string]struct{} // snapshot of matched agents for scoped switches
}

func New(agents registry.AgentStore, profiles trust.ProfileStore, recorder Recorder) *Switch {
	return &Switch{
		agents:   agents,
		profiles: profiles,
		recorder: recorder,
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Switch) WithClock(clock func() time.Time) *Switch {
	s.clock = clock
	return s
}

// Activate pauses all agents the scope matches, records one event per
// paused agent, and arms the switch.
func (s *Switch) Activate(ctx context.Context, reason string, scope Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if reason == "" {
		return 0, fmt.Errorf("kill switch activation requires a reason")
	}

	agents, err := s.agents.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	blocked := make(map[string]struct{})
	paused := 0
	for i := range agents {
		agent := &agents[i]
		match, err := s.matches(ctx, agent, scope)
		if err != nil {
			return paused, err
		}
		if !match {
			continue
		}
		blocked[agent.AgentID] = struct{}{}
		if !agent.Paused {
			agent.Paused = true
			if err := s.agents.Update(ctx, agent, agent.Version); err != nil {
				return paused, fmt.Errorf("pause agent %s: %w", agent.AgentID, err)
			}
			paused++
		}
		if s.recorder != nil {
			if _, err := s.recorder.Append(ctx, observer.Draft{
				Source:    "killswitch",
				EventType: contracts.EventKillSwitch,
				RiskLevel: contracts.RiskCritical,
				AgentID:   agent.AgentID,
				Data: map[string]any{
					"action": "activate",
					"scope":  string(scope),
					"reason": reason,
				},
			}); err != nil {
				s.logger.Error("kill switch event append failed", "agent_id", agent.AgentID, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.active = true
	s.scope = scope
	s.reason = reason
	s.blocked = blocked
	s.mu.Unlock()

	return paused, nil
}

// Deactivate clears the switch. Agents stay paused until individually
// resumed through the pipeline.
func (s *Switch) Deactivate(ctx context.Context, notes string) error {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.blocked = nil
	s.mu.Unlock()

	if wasActive && s.recorder != nil {
		if _, err := s.recorder.Append(ctx, observer.Draft{
			Source:    "killswitch",
			EventType: contracts.EventKillSwitch,
			RiskLevel: contracts.RiskHigh,
			Data: map[string]any{
				"action": "deactivate",
				"notes":  notes,
			},
		}); err != nil {
			s.logger.Error("kill switch event append failed", "error", err)
		}
	}
	return nil
}

// Active reports whether the switch is armed, and its scope.
func (s *Switch) Active() (bool, Scope, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.scope, s.reason
}

// Blocked implements authz.Guard: while armed, matching agents are
// denied with POLICY_VIOLATION / "kill_switch".
func (s *Switch) Blocked(agentID string) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return false, ""
	}
	if s.scope == "all" {
		return true, BlockReason
	}
	if _, ok := s.blocked[agentID]; ok {
		return true, BlockReason
	}
	return false, ""
}

func (s *Switch) matches(ctx context.Context, agent *contracts.Agent, scope Scope) (bool, error) {
	if scope == "all" {
		return true, nil
	}
	if name, ok := strings.CutPrefix(string(scope), "tier:"); ok {
		profile, err := s.profiles.Get(ctx, agent.AgentID)
		if err != nil {
			// Agents without a profile cannot match a tier scope.
			return false, nil
		}
		return profile.Band.TierName() == name, nil
	}
	if name, ok := strings.CutPrefix(string(scope), "specialization:"); ok {
		return agent.Specialization == name, nil
	}
	return false, nil
}
