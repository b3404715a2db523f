package hitl

import "github.com/arbiter-labs/arbiter/pkg/contracts"

// TriageInput collects the signals the gateway weighs when grading a
// review request.
type TriageInput struct {
	ComplianceIssues []contracts.ComplianceIssue
	BudgetOverrun    bool
	Confidence       float64
	QAFailures       int
	UserRequested    bool
	// HighCostCriticalPriority marks an expensive intent the caller
	// flagged as critical-priority.
	HighCostCriticalPriority bool
}

// Triage grades a review request. The grade drives the reviewer role
// and the response deadline.
func Triage(in TriageInput) contracts.IssueSeverity {
	severity := contracts.IssueLow

	for _, issue := range in.ComplianceIssues {
		severity = maxSeverity(severity, issue.Severity)
	}
	if in.HighCostCriticalPriority {
		severity = maxSeverity(severity, contracts.IssueCritical)
	}
	if in.BudgetOverrun {
		severity = maxSeverity(severity, contracts.IssueHigh)
	}
	if in.QAFailures >= 2 {
		severity = maxSeverity(severity, contracts.IssueHigh)
	}
	if in.Confidence > 0 && in.Confidence < 0.7 {
		severity = maxSeverity(severity, contracts.IssueMedium)
	}
	if in.UserRequested {
		severity = maxSeverity(severity, contracts.IssueMedium)
	}
	return severity
}

var severityRank = map[contracts.IssueSeverity]int{
	contracts.IssueLow:      0,
	contracts.IssueMedium:   1,
	contracts.IssueHigh:     2,
	contracts.IssueCritical: 3,
}

func maxSeverity(a, b contracts.IssueSeverity) contracts.IssueSeverity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}
