package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Governance semantic convention attributes.
var (
	AttrAgentID        = attribute.Key("arbiter.agent.id")
	AttrIntentID       = attribute.Key("arbiter.intent.id")
	AttrActionType     = attribute.Key("arbiter.intent.action_type")
	AttrSensitivity    = attribute.Key("arbiter.intent.data_sensitivity")
	AttrPermitted      = attribute.Key("arbiter.decision.permitted")
	AttrDenialReason   = attribute.Key("arbiter.decision.denial_reason")
	AttrTrustBand      = attribute.Key("arbiter.trust.band")
	AttrTrustScore     = attribute.Key("arbiter.trust.score")
	AttrRiskLevel      = attribute.Key("arbiter.routing.risk_level")
	AttrPath           = attribute.Key("arbiter.routing.path")
	AttrCouncilOutcome = attribute.Key("arbiter.council.outcome")
	AttrRevisionCount  = attribute.Key("arbiter.council.revisions")
)

// AuthorizeAttrs builds the span attributes for one authorization.
func AuthorizeAttrs(agentID, intentID, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrIntentID.String(intentID),
		AttrActionType.String(actionType),
	}
}

// RoutingAttrs builds the span attributes for one routing lookup.
func RoutingAttrs(agentID, riskLevel, path string, trustScore int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrRiskLevel.String(riskLevel),
		AttrPath.String(path),
		AttrTrustScore.Int(trustScore),
	}
}

// CouncilAttrs builds the span attributes for one council session.
func CouncilAttrs(agentID, outcome string, revisions int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrCouncilOutcome.String(outcome),
		AttrRevisionCount.Int(revisions),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

// Middleware traces every HTTP request as a server span and feeds the
// RED metrics.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		}
		ctx, done := p.TrackOperation(r.Context(), r.Method+" "+r.URL.Path, attrs...)
		next.ServeHTTP(w, r.WithContext(ctx))
		done(nil)
	})
}
