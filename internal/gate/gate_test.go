package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/models"
)

func ptr(f float64) *float64 { return &f }

func defaults() models.QualityGateThresholds {
	return models.DefaultLoopConfig().QualityGate
}

func TestEvaluate_CriticalSecurityBlocks(t *testing.T) {
	issues := []models.ReviewIssue{{ID: "1", Severity: models.SeverityCritical, Category: models.CategorySecurity}}
	r := Evaluate(issues, defaults(), models.SeverityMedium, nil)

	assert.Equal(t, VerdictFailed, r.Verdict)
	assert.True(t, r.ShouldBlockPR)
	assert.Equal(t, StatusFailed, r.Check(CheckSeverityThreshold).Status)
	assert.Equal(t, StatusFailed, r.Check(CheckRequiredCategories).Status)
	assert.Equal(t, StatusSkipped, r.Check(CheckTestCoverage).Status)
	assert.Equal(t, 1, r.SeverityCounts[models.SeverityCritical])
	assert.Equal(t, 1, r.CategoryCounts[models.CategorySecurity])
	assert.Equal(t, 1, r.TotalIssues)
}

func TestEvaluate_CheckOrder(t *testing.T) {
	r := Evaluate(nil, defaults(), models.SeverityMedium, nil)
	var names []string
	for _, c := range r.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{CheckSeverityThreshold, CheckRequiredCategories, CheckTestCoverage, CheckComplexity, CheckDuplication}, names)
}

func TestEvaluate_CleanReviewPasses(t *testing.T) {
	r := Evaluate(nil, defaults(), models.SeverityMedium, nil)
	assert.Equal(t, VerdictPassed, r.Verdict)
	assert.False(t, r.ShouldBlockPR)
	assert.Equal(t, StatusPassed, r.Check(CheckSeverityThreshold).Status)
	assert.Equal(t, StatusPassed, r.Check(CheckRequiredCategories).Status)
	assert.Equal(t, StatusSkipped, r.Check(CheckTestCoverage).Status)
}

func TestDecide_AllSkippedIsWarning(t *testing.T) {
	r := &Result{Checks: []CheckResult{
		{Name: CheckSeverityThreshold, Status: StatusSkipped},
		{Name: CheckTestCoverage, Status: StatusSkipped},
	}}
	r.decide()
	assert.Equal(t, VerdictWarning, r.Verdict)
	assert.False(t, r.ShouldBlockPR)
}

func TestEvaluate_LowIssueBelowThresholdPasses(t *testing.T) {
	issues := []models.ReviewIssue{{ID: "1", Severity: models.SeverityLow, Category: models.CategoryStyle}}
	r := Evaluate(issues, defaults(), models.SeverityMedium, nil)
	assert.Equal(t, VerdictPassed, r.Verdict)
	assert.False(t, r.ShouldBlockPR)
}

func TestEvaluate_RequiredCategoryIgnoresSeverity(t *testing.T) {
	issues := []models.ReviewIssue{{ID: "1", Severity: models.SeveritySuggestion, Category: models.CategorySecurity}}
	r := Evaluate(issues, defaults(), models.SeverityMedium, nil)
	assert.Equal(t, StatusPassed, r.Check(CheckSeverityThreshold).Status)
	assert.Equal(t, StatusFailed, r.Check(CheckRequiredCategories).Status)
	assert.True(t, r.ShouldBlockPR)
}

func TestEvaluate_Metrics(t *testing.T) {
	th := defaults()

	r := Evaluate(nil, th, models.SeverityMedium, &Metrics{TestCoverage: ptr(79.9)})
	assert.Equal(t, StatusFailed, r.Check(CheckTestCoverage).Status)
	assert.True(t, r.ShouldBlockPR)

	r = Evaluate(nil, th, models.SeverityMedium, &Metrics{TestCoverage: ptr(80)})
	assert.Equal(t, StatusPassed, r.Check(CheckTestCoverage).Status)
	assert.Equal(t, VerdictPassed, r.Verdict)

	r = Evaluate(nil, th, models.SeverityMedium, &Metrics{Complexity: map[string]int{"b": 11, "a": 12, "c": 10}})
	c := r.Check(CheckComplexity)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Contains(t, c.Message, "a=12, b=11")

	r = Evaluate(nil, th, models.SeverityMedium, &Metrics{Duplication: ptr(5)})
	assert.Equal(t, StatusPassed, r.Check(CheckDuplication).Status)
	r = Evaluate(nil, th, models.SeverityMedium, &Metrics{Duplication: ptr(5.1)})
	assert.Equal(t, StatusFailed, r.Check(CheckDuplication).Status)
}

func TestEvaluate_Pure(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = orig })

	issues := []models.ReviewIssue{
		{ID: "1", Severity: models.SeverityHigh, Category: models.CategoryLogic},
		{ID: "2", Severity: models.SeverityLow, Category: models.CategoryStyle},
	}
	m := &Metrics{TestCoverage: ptr(90), Complexity: map[string]int{"f": 20, "g": 30}}
	a := Evaluate(issues, defaults(), models.SeverityMedium, m)
	b := Evaluate(issues, defaults(), models.SeverityMedium, m)
	assert.Equal(t, a, b)
}

func TestBlockingIssues(t *testing.T) {
	issues := []models.ReviewIssue{
		{ID: "crit", Severity: models.SeverityCritical, Category: models.CategoryLogic},
		{ID: "low", Severity: models.SeverityLow, Category: models.CategoryStyle},
		{ID: "sec", Severity: models.SeveritySuggestion, Category: models.CategorySecurity},
	}
	got := BlockingIssues(issues, defaults(), models.SeverityMedium)
	require.Len(t, got, 2)
	assert.Equal(t, "crit", got[0].ID)
	assert.Equal(t, "sec", got[1].ID)
}

func TestRemaining(t *testing.T) {
	issues := []models.ReviewIssue{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := Remaining(issues, []string{"b", "zzz"})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Empty(t, Remaining(issues, []string{"a", "b", "c"}))
}
