package gate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/reviewloop/internal/models"
)

// Verdict is the overall outcome of a gate evaluation.
type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictWarning Verdict = "warning"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Check names, in evaluation order.
const (
	CheckSeverityThreshold  = "Severity Threshold"
	CheckRequiredCategories = "Required Categories"
	CheckTestCoverage       = "Test Coverage"
	CheckComplexity         = "Complexity"
	CheckDuplication        = "Duplication"
)

// Metrics are optional measurements supplied alongside review issues.
// A nil field skips the corresponding check.
type Metrics struct {
	TestCoverage *float64       `json:"testCoverage,omitempty"`
	Complexity   map[string]int `json:"complexity,omitempty"`
	Duplication  *float64       `json:"duplication,omitempty"`
}

// CheckResult is the outcome of one gate check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Result is a gate evaluation. It is derived data and never stored on its own.
type Result struct {
	Verdict        Verdict                 `json:"verdict"`
	ShouldBlockPR  bool                    `json:"shouldBlockPR"`
	Summary        string                  `json:"summary"`
	Checks         []CheckResult           `json:"checks"`
	SeverityCounts map[models.Severity]int `json:"severityCounts"`
	CategoryCounts map[models.Category]int `json:"categoryCounts"`
	TotalIssues    int                     `json:"totalIssues"`
	EvaluatedAt    time.Time               `json:"evaluatedAt"`
}

// Check returns the named check result, or nil.
func (r *Result) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// Evaluate runs the five gate checks over issues. Apart from EvaluatedAt the
// result depends only on the arguments.
func Evaluate(issues []models.ReviewIssue, th models.QualityGateThresholds, threshold models.Severity, metrics *Metrics) *Result {
	if metrics == nil {
		metrics = &Metrics{}
	}

	r := &Result{
		SeverityCounts: make(map[models.Severity]int, len(models.Severities)),
		CategoryCounts: make(map[models.Category]int, len(models.Categories)),
		TotalIssues:    len(issues),
		EvaluatedAt:    now(),
	}
	for _, s := range models.Severities {
		r.SeverityCounts[s] = 0
	}
	for _, c := range models.Categories {
		r.CategoryCounts[c] = 0
	}
	for _, is := range issues {
		r.SeverityCounts[is.Severity]++
		r.CategoryCounts[is.Category]++
	}

	r.Checks = []CheckResult{
		checkSeverity(issues, threshold),
		checkCategories(issues, th.RequiredCategories),
		checkCoverage(metrics.TestCoverage, th.MinTestCoverage),
		checkComplexity(metrics.Complexity, th.MaxComplexity),
		checkDuplication(metrics.Duplication, th.MaxDuplication),
	}

	r.decide()
	return r
}

// decide applies the verdict rule: any failure blocks, all skipped is a
// non-blocking warning.
func (r *Result) decide() {
	var passed, failed []string
	for _, c := range r.Checks {
		switch c.Status {
		case StatusPassed:
			passed = append(passed, c.Name)
		case StatusFailed:
			failed = append(failed, c.Name)
		}
	}

	switch {
	case len(failed) > 0:
		r.Verdict = VerdictFailed
		r.ShouldBlockPR = true
		r.Summary = fmt.Sprintf("quality gate failed: %s (%d issues)", strings.Join(failed, ", "), r.TotalIssues)
	case len(passed) == 0:
		r.Verdict = VerdictWarning
		r.Summary = "quality gate inconclusive: all checks skipped"
	default:
		r.Verdict = VerdictPassed
		r.Summary = fmt.Sprintf("quality gate passed: %d of %d checks (%d issues)", len(passed), len(r.Checks), r.TotalIssues)
	}
}

func checkSeverity(issues []models.ReviewIssue, threshold models.Severity) CheckResult {
	c := CheckResult{Name: CheckSeverityThreshold}
	if len(issues) == 0 {
		c.Status = StatusPassed
		c.Message = "no issues reported"
		return c
	}
	n := 0
	for _, is := range issues {
		if is.Severity.IsAtOrAbove(threshold) {
			n++
		}
	}
	if n > 0 {
		c.Status = StatusFailed
		c.Message = fmt.Sprintf("%d issues at or above %s", n, threshold)
		return c
	}
	c.Status = StatusPassed
	c.Message = fmt.Sprintf("no issues at or above %s", threshold)
	return c
}

func checkCategories(issues []models.ReviewIssue, required []models.Category) CheckResult {
	c := CheckResult{Name: CheckRequiredCategories}
	if len(required) == 0 {
		c.Status = StatusSkipped
		c.Message = "no required categories configured"
		return c
	}
	if len(issues) == 0 {
		c.Status = StatusPassed
		c.Message = "no issues reported"
		return c
	}

	req := make(map[models.Category]bool, len(required))
	for _, cat := range required {
		req[cat] = true
	}
	hits := map[models.Category]int{}
	for _, is := range issues {
		if req[is.Category] {
			hits[is.Category]++
		}
	}
	if len(hits) == 0 {
		c.Status = StatusPassed
		c.Message = "no issues in required categories"
		return c
	}

	var parts []string
	for _, cat := range required {
		if n := hits[cat]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", cat, n))
		}
	}
	c.Status = StatusFailed
	c.Message = "issues in required categories: " + strings.Join(parts, ", ")
	return c
}

func checkCoverage(coverage *float64, min float64) CheckResult {
	c := CheckResult{Name: CheckTestCoverage}
	switch {
	case coverage == nil:
		c.Status = StatusSkipped
		c.Message = "no coverage data"
	case *coverage < min:
		c.Status = StatusFailed
		c.Message = fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", *coverage, min)
	default:
		c.Status = StatusPassed
		c.Message = fmt.Sprintf("coverage %.1f%% meets minimum %.1f%%", *coverage, min)
	}
	return c
}

func checkComplexity(complexity map[string]int, max int) CheckResult {
	c := CheckResult{Name: CheckComplexity}
	if complexity == nil {
		c.Status = StatusSkipped
		c.Message = "no complexity data"
		return c
	}

	var over []string
	for fn, n := range complexity {
		if n > max {
			over = append(over, fmt.Sprintf("%s=%d", fn, n))
		}
	}
	if len(over) == 0 {
		c.Status = StatusPassed
		c.Message = fmt.Sprintf("all %d functions within complexity %d", len(complexity), max)
		return c
	}
	sort.Strings(over)
	c.Status = StatusFailed
	c.Message = fmt.Sprintf("functions above complexity %d: %s", max, strings.Join(over, ", "))
	return c
}

func checkDuplication(dup *float64, max float64) CheckResult {
	c := CheckResult{Name: CheckDuplication}
	switch {
	case dup == nil:
		c.Status = StatusSkipped
		c.Message = "no duplication data"
	case *dup > max:
		c.Status = StatusFailed
		c.Message = fmt.Sprintf("duplication %.1f%% above maximum %.1f%%", *dup, max)
	default:
		c.Status = StatusPassed
		c.Message = fmt.Sprintf("duplication %.1f%% within maximum %.1f%%", *dup, max)
	}
	return c
}

// IsBlocking reports whether an issue blocks progress: its severity is at or
// above the threshold, or its category is required.
func IsBlocking(is models.ReviewIssue, th models.QualityGateThresholds, threshold models.Severity) bool {
	if is.Severity.IsAtOrAbove(threshold) {
		return true
	}
	for _, cat := range th.RequiredCategories {
		if is.Category == cat {
			return true
		}
	}
	return false
}

// BlockingIssues returns the issues that would fail the gate's issue checks.
func BlockingIssues(issues []models.ReviewIssue, th models.QualityGateThresholds, threshold models.Severity) []models.ReviewIssue {
	var out []models.ReviewIssue
	for _, is := range issues {
		if IsBlocking(is, th, threshold) {
			out = append(out, is)
		}
	}
	return out
}

// Remaining returns the issues whose IDs are not in addressed.
func Remaining(issues []models.ReviewIssue, addressed []string) []models.ReviewIssue {
	done := make(map[string]bool, len(addressed))
	for _, id := range addressed {
		done[id] = true
	}
	var out []models.ReviewIssue
	for _, is := range issues {
		if !done[is.ID] {
			out = append(out, is)
		}
	}
	return out
}
