package models

import "time"

// Verdict is the categorical outcome of a review pass.
type Verdict string

const (
	VerdictPass           Verdict = "pass"
	VerdictNeedsWork      Verdict = "needs_work"
	VerdictCriticalIssues Verdict = "critical_issues"
)

// IsValid reports whether v is a recognized verdict.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictPass, VerdictNeedsWork, VerdictCriticalIssues:
		return true
	}
	return false
}

// Severity ranks how serious an issue is. The order is total:
// critical is the most severe, suggestion the least.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityHigh       Severity = "high"
	SeverityMedium     Severity = "medium"
	SeverityLow        Severity = "low"
	SeveritySuggestion Severity = "suggestion"
)

// Severities lists every severity, most severe first.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeveritySuggestion,
}

// Rank returns the position of s in Severities (0 = critical).
// Unknown severities rank after suggestion.
func (s Severity) Rank() int {
	for i, sev := range Severities {
		if sev == s {
			return i
		}
	}
	return len(Severities)
}

// IsValid reports whether s is a recognized severity.
func (s Severity) IsValid() bool {
	return s.Rank() < len(Severities)
}

// IsAtOrAbove reports whether s is as severe as, or more severe than, threshold.
func (s Severity) IsAtOrAbove(threshold Severity) bool {
	return s.Rank() <= threshold.Rank()
}

// Category classifies what kind of problem an issue describes.
type Category string

const (
	CategorySecurity      Category = "security"
	CategoryArchitecture  Category = "architecture"
	CategoryLogic         Category = "logic"
	CategoryStyle         Category = "style"
	CategoryPerformance   Category = "performance"
	CategoryTesting       Category = "testing"
	CategoryDocumentation Category = "documentation"
)

// Categories lists every category.
var Categories = []Category{
	CategorySecurity,
	CategoryArchitecture,
	CategoryLogic,
	CategoryStyle,
	CategoryPerformance,
	CategoryTesting,
	CategoryDocumentation,
}

// IsValid reports whether c is a recognized category.
func (c Category) IsValid() bool {
	for _, cat := range Categories {
		if cat == c {
			return true
		}
	}
	return false
}

// ReviewIssue is a single problem found by a reviewer.
type ReviewIssue struct {
	ID           string   `json:"id"`
	Severity     Severity `json:"severity"`
	Category     Category `json:"category"`
	File         string   `json:"file,omitempty"`
	LineStart    int      `json:"lineStart,omitempty"`
	LineEnd      int      `json:"lineEnd,omitempty"`
	Description  string   `json:"description"`
	SuggestedFix string   `json:"suggestedFix,omitempty"`
}

// ReviewResult records one review invocation. It is immutable once
// appended to a session.
type ReviewResult struct {
	Verdict   Verdict       `json:"verdict"`
	Issues    []ReviewIssue `json:"issues"`
	Summary   string        `json:"summary"`
	Iteration int           `json:"iteration"`
	Timestamp time.Time     `json:"timestamp"`
}

// RefinementSource identifies what triggered a refinement.
type RefinementSource string

const (
	RefinementSourceSelfReview RefinementSource = "self_review"
	RefinementSourcePRFeedback RefinementSource = "pr_feedback"
	RefinementSourceManual     RefinementSource = "manual"
)

// RefinementRecord captures the outcome of one Fixer invocation.
type RefinementRecord struct {
	Iteration      int              `json:"iteration"`
	Source         RefinementSource `json:"source"`
	IssueIDs       []string         `json:"issueIds"`
	AddressedIDs   []string         `json:"addressedIds"`
	UnaddressedIDs []string         `json:"unaddressedIds"`
	Notes          string           `json:"notes,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}
