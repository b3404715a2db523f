package council

import (
	"context"
	"fmt"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// MaxComplianceInstances bounds the parallel compliance seats.
const MaxComplianceInstances = 4

// ComplianceValidator screens an intent for data-protection and policy
// findings. Instances run in parallel; their findings merge
// most-restrictive.
type ComplianceValidator struct {
	instance string
}

func NewComplianceValidator(instance string) *ComplianceValidator {
	return &ComplianceValidator{instance: instance}
}

func (v *ComplianceValidator) Kind() contracts.ValidatorKind { return contracts.ValidatorCompliance }
func (v *ComplianceValidator) InstanceID() string            { return v.instance }

func (v *ComplianceValidator) Check(ctx context.Context, state *State) contracts.VerdictPartial {
	_ = ctx
	intent := state.Intent
	var issues []contracts.ComplianceIssue

	if intent.CtxBool(contracts.CtxHandlesPII) {
		severity := contracts.IssueMedium
		// PII declared public is a classification breach.
		if intent.DataSensitivity == contracts.SensitivityPublic {
			severity = contracts.IssueCritical
		}
		issues = append(issues, contracts.ComplianceIssue{
			Code:        "PII_DETECTED",
			Severity:    severity,
			Description: "intent context declares personal data",
			Sensitivity: contracts.MoreRestrictive(intent.DataSensitivity, contracts.SensitivityConfidential),
		})
	}
	if intent.CtxBool(contracts.CtxHandlesPHI) {
		severity := contracts.IssueHigh
		if rank := intent.DataSensitivity; rank == contracts.SensitivityPublic || rank == contracts.SensitivityInternal {
			severity = contracts.IssueCritical
		}
		issues = append(issues, contracts.ComplianceIssue{
			Code:        "PHI_DETECTED",
			Severity:    severity,
			Description: "intent context declares health data",
			Sensitivity: contracts.MoreRestrictive(intent.DataSensitivity, contracts.SensitivityRestricted),
		})
	}
	if intent.CtxBool("jurisdictionBlocked") {
		issues = append(issues, contracts.ComplianceIssue{
			Code:        "POLICY_BREACH",
			Severity:    contracts.IssueCritical,
			Description: "target jurisdiction is blocked",
		})
	}
	if intent.Reversibility == contracts.Irreversible &&
		intent.DataSensitivity == contracts.SensitivityRestricted &&
		(intent.ActionType == contracts.ActionDelete || intent.ActionType == contracts.ActionTransfer) {
		issues = append(issues, contracts.ComplianceIssue{
			Code:        "ETHICAL_FLAG",
			Severity:    contracts.IssueHigh,
			Description: fmt.Sprintf("irreversible %s of restricted data", intent.ActionType),
		})
	}

	return contracts.VerdictPartial{
		Validator:  contracts.ValidatorCompliance,
		InstanceID: v.instance,
		Approved:   !hasCritical(issues),
		Issues:     issues,
		Confidence: 0.9,
	}
}

func hasCritical(issues []contracts.ComplianceIssue) bool {
	for _, issue := range issues {
		if issue.Severity == contracts.IssueCritical {
			return true
		}
	}
	return false
}

// mergeIssues flattens compliance findings across instances,
// deduplicating by code and keeping the most restrictive grade and
// sensitivity for each.
func mergeIssues(votes []contracts.VerdictPartial) []contracts.ComplianceIssue {
	byCode := make(map[string]contracts.ComplianceIssue)
	var order []string
	for _, vote := range votes {
		if vote.Validator != contracts.ValidatorCompliance {
			continue
		}
		for _, issue := range vote.Issues {
			existing, seen := byCode[issue.Code]
			if !seen {
				byCode[issue.Code] = issue
				order = append(order, issue.Code)
				continue
			}
			if severityOrdinal(issue.Severity) > severityOrdinal(existing.Severity) {
				existing.Severity = issue.Severity
				existing.Description = issue.Description
			}
			existing.Sensitivity = contracts.MoreRestrictive(existing.Sensitivity, issue.Sensitivity)
			byCode[issue.Code] = existing
		}
	}
	merged := make([]contracts.ComplianceIssue, 0, len(order))
	for _, code := range order {
		merged = append(merged, byCode[code])
	}
	return merged
}

func severityOrdinal(s contracts.IssueSeverity) int {
	switch s {
	case contracts.IssueCritical:
		return 3
	case contracts.IssueHigh:
		return 2
	case contracts.IssueMedium:
		return 1
	default:
		return 0
	}
}
