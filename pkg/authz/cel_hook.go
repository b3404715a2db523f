package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// CELPolicyHook is a pre-authorize hook that evaluates CEL rules over
// the intent and profile snapshot. A rule that evaluates to false
// aborts the authorization with its name as the reason. Compiled
// programs are cached by expression.
type CELPolicyHook struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	rules    []PolicyRule
}

// PolicyRule is one named CEL predicate; the intent passes only if the
// expression evaluates to true.
type PolicyRule struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// NewCELPolicyHook builds a hook with an environment exposing the
// intent and profile as dynamic values.
func NewCELPolicyHook(rules []PolicyRule) (*CELPolicyHook, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("profile", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	h := &CELPolicyHook{
		env:      env,
		programs: make(map[string]cel.Program),
		rules:    rules,
	}
	// Compile eagerly so malformed rules fail at construction.
	for _, rule := range rules {
		if _, err := h.program(rule.Expr); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	return h, nil
}

func (h *CELPolicyHook) Name() string { return "cel_policy" }

// Before evaluates every rule; evaluation errors fail closed.
func (h *CELPolicyHook) Before(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error {
	input := map[string]any{
		"intent": map[string]any{
			"agent_id":         intent.AgentID,
			"action_type":      string(intent.ActionType),
			"data_sensitivity": string(intent.DataSensitivity),
			"reversibility":    string(intent.Reversibility),
			"context":          intent.Context,
		},
		"profile": map[string]any{
			"score":             profile.Score,
			"band":              profile.Band.String(),
			"recent_violations": profile.RecentViolations,
		},
	}
	for _, rule := range h.rules {
		prg, err := h.program(rule.Expr)
		if err != nil {
			return Abort(h.Name(), fmt.Sprintf("rule %s failed to compile", rule.Name))
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return Abort(h.Name(), fmt.Sprintf("rule %s evaluation error", rule.Name))
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return Abort(h.Name(), fmt.Sprintf("rule %s denied the intent", rule.Name))
		}
	}
	return nil
}

func (h *CELPolicyHook) program(expr string) (cel.Program, error) {
	h.mu.RLock()
	prg, ok := h.programs[expr]
	h.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := h.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := h.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	h.mu.Lock()
	h.programs[expr] = prg
	h.mu.Unlock()
	return prg, nil
}
