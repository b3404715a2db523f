package api

import (
	"context"

	"github.com/arbiter-labs/arbiter/pkg/authz"
	"github.com/arbiter-labs/arbiter/pkg/contracts"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

// ObserverRecordHook mirrors authorization outcomes into the observer
// log. Permitted actions are recorded as agent_action at info risk;
// denials keep the authz_decision type at medium risk.
func ObserverRecordHook(log *observer.Log) authz.PostHookFunc {
	return authz.PostHookFunc{
		HookName: "observer_record",
		Fn: func(ctx context.Context, intent *contracts.Intent, decision *contracts.Decision) {
			eventType := contracts.EventAgentAction
			risk := contracts.RiskInfo
			if !decision.Permitted {
				eventType = contracts.EventDecision
				risk = contracts.RiskMedium
			}
			_, _ = log.Append(ctx, observer.Draft{
				Source:    "authz",
				EventType: eventType,
				RiskLevel: risk,
				AgentID:   intent.AgentID,
				Data: map[string]any{
					"decision_id":   decision.DecisionID,
					"intent_id":     intent.IntentID,
					"action_type":   string(intent.ActionType),
					"permitted":     decision.Permitted,
					"denial_reason": string(decision.DenialReason),
				},
			})
		},
	}
}
