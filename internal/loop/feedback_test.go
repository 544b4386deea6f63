package loop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/models"
)

func TestIsActionable(t *testing.T) {
	tests := []struct {
		name   string
		author string
		body   string
		want   bool
	}{
		{"request", "alice", "Can you handle the nil case here?", true},
		{"lgtm", "alice", "LGTM", false},
		{"lgtm punctuated", "alice", "lgtm!!", false},
		{"looks good", "bob", "Looks good to me.", false},
		{"thumbs up", "bob", "👍", false},
		{"empty", "bob", "   ", false},
		{"bot suffix", "codecov[bot]", "Coverage dropped by 2%", false},
		{"named bot", "dependabot", "Bumps foo to 1.2.3", false},
		{"approval with request", "carol", "Looks good, but please rename this", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsActionable(events.FeedbackComment{Author: tt.author, Body: tt.body}))
		})
	}
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, models.CategorySecurity, categorize("This leaks the API token"))
	assert.Equal(t, models.CategoryTesting, categorize("Missing a unit test"))
	assert.Equal(t, models.CategoryPerformance, categorize("This loop is slow on big inputs"))
	assert.Equal(t, models.CategoryStyle, categorize("nit: naming"))
	assert.Equal(t, models.CategoryLogic, categorize("Off by one when the list is empty"))
}

func TestFeedbackItems_Reviews(t *testing.T) {
	items, approved := feedbackItems(events.NewReviews{
		Reviews: []events.FeedbackComment{
			{ID: "r1", Author: "alice", State: git.ReviewApproved, Body: "Nice"},
			{ID: "r2", Author: "bob", State: git.ReviewChangesRequested, Body: "Return the error instead of logging"},
			{ID: "r3", Author: "carol", State: git.ReviewDismissed, Body: "Outdated request"},
			{ID: "r4", Author: "dave", State: git.ReviewCommented, Body: "thanks"},
		},
	})
	assert.True(t, approved)
	require.Len(t, items, 1)
	assert.Equal(t, "review-r2", items[0].ID)
	assert.Equal(t, models.SeverityHigh, items[0].Severity)
	assert.Equal(t, "@bob: Return the error instead of logging", items[0].Description)
}

func TestFeedbackItems_EmptyChangeRequest(t *testing.T) {
	items, _ := feedbackItems(events.NewReviews{
		PRNumber: 8,
		Reviews: []events.FeedbackComment{
			{ID: "r1", Author: "erin", State: git.ReviewChangesRequested, Body: "  "},
			{ID: "r2", Author: "ci-bot", State: git.ReviewChangesRequested},
			{ID: "r3", Author: "frank", State: git.ReviewCommented},
		},
	})
	require.Len(t, items, 1)
	assert.Equal(t, "review-r1", items[0].ID)
	assert.Equal(t, models.SeverityHigh, items[0].Severity)
	assert.Contains(t, items[0].Description, "@erin requested changes on PR #8")
}

func TestFeedbackItems_ChecksAndDecision(t *testing.T) {
	items, _ := feedbackItems(events.ChecksChanged{PRNumber: 3, From: "pending", To: string(git.ChecksPassing)})
	assert.Empty(t, items)

	items, _ = feedbackItems(events.ChecksChanged{PRNumber: 3, From: "pending", To: string(git.ChecksFailing)})
	require.Len(t, items, 1)
	assert.True(t, strings.HasPrefix(items[0].ID, "checks-"))
	assert.Contains(t, items[0].Description, "#3")

	items, _ = feedbackItems(events.ChangesRequested{PRNumber: 3, Requested: true})
	require.Len(t, items, 1)
	assert.Equal(t, models.SeverityHigh, items[0].Severity)

	items, _ = feedbackItems(events.ChangesRequested{PRNumber: 3, Requested: false})
	assert.Empty(t, items)
}

func TestExplicitClassifier(t *testing.T) {
	issues := []models.ReviewIssue{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	addressed, unaddressed := ExplicitClassifier{}.Classify(issues, &FixResult{
		AddressedIDs:   []string{"a", "b", "zzz"},
		UnaddressedIDs: []string{"b"},
	})
	assert.Equal(t, []string{"a"}, addressed)
	assert.Equal(t, []string{"b", "c"}, unaddressed)

	addressed, unaddressed = ExplicitClassifier{}.Classify(issues, nil)
	assert.NotNil(t, addressed)
	assert.Empty(t, addressed)
	assert.Len(t, unaddressed, 3)
}

func TestHeuristicClassifier(t *testing.T) {
	issues := []models.ReviewIssue{
		{ID: "sec-1", File: "internal/auth/token.go", Description: "Hardcoded token in source"},
		{ID: "perf-2", Description: "Allocation inside hot request handler loop"},
		{ID: "doc-3", Description: "Exported function Parse lacks documentation"},
	}
	notes := "Fixed token.go to read the value from env. Moved allocation out of the request handler loop."

	addressed, unaddressed := HeuristicClassifier{}.Classify(issues, &FixResult{Notes: notes})
	assert.Equal(t, []string{"sec-1", "perf-2"}, addressed)
	assert.Equal(t, []string{"doc-3"}, unaddressed)

	// Explicit IDs win over the notes.
	addressed, _ = HeuristicClassifier{}.Classify(issues, &FixResult{AddressedIDs: []string{"doc-3"}, Notes: notes})
	assert.Equal(t, []string{"doc-3"}, addressed)
}

func TestPRBody(t *testing.T) {
	sess := &models.Session{
		FeatureID:   "login",
		Description: "Adds password login.",
		Iterations: []models.ReviewResult{
			{Iteration: 3, Verdict: models.VerdictCriticalIssues, Summary: "One issue left"},
		},
		UnresolvedIssues: []models.ReviewIssue{
			{Severity: models.SeverityCritical, Category: models.CategorySecurity, File: "auth.go", LineStart: 12, Description: "Hardcoded token"},
		},
	}
	body := prBody(sess)
	assert.True(t, strings.HasPrefix(body, "Adds password login.\n\n## Automated review"))
	assert.Contains(t, body, "Iterations: 3. Last verdict: `critical_issues`.")
	assert.Contains(t, body, "### Unresolved issues (1)")
	assert.Contains(t, body, "- **critical** [security] `auth.go:12` Hardcoded token")

	assert.Equal(t, "login", prTitle(sess))
	sess.Title = "Password login"
	assert.Equal(t, "Password login", prTitle(sess))
}
