package loop

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

var botAuthors = map[string]bool{
	"github-actions":  true,
	"dependabot":      true,
	"codecov":         true,
	"renovate":        true,
	"vercel":          true,
	"netlify":         true,
	"sonarcloud":      true,
	"coderabbitai":    true,
	"changeset-bot":   true,
	"mergify":         true,
	"gitguardian":     true,
	"socket-security": true,
}

// approvalRe matches comments that only express approval or thanks.
var approvalRe = regexp.MustCompile(`^(lgtm|looks good( to me)?|ship it|approved?|thanks?( you)?|thx|nice( work)?|great( work| job)?|\+1|:\+1:|👍|🚀|✅)[\s.!]*$`)

// IsBot reports whether a comment author is an automation account.
func IsBot(author string) bool {
	a := strings.ToLower(strings.TrimSpace(author))
	if strings.HasSuffix(a, "[bot]") || strings.HasSuffix(a, "-bot") {
		return true
	}
	return botAuthors[a]
}

// IsActionable reports whether a PR comment asks for a change. Empty
// bodies, bare approvals and bot output are not actionable.
func IsActionable(c events.FeedbackComment) bool {
	body := strings.ToLower(strings.TrimSpace(c.Body))
	if body == "" || IsBot(c.Author) {
		return false
	}
	return !approvalRe.MatchString(body)
}

var categoryHints = []struct {
	cat   models.Category
	words []string
}{
	{models.CategorySecurity, []string{"security", "injection", "xss", "csrf", "secret", "credential", "token", "sanitize", "vulnerab"}},
	{models.CategoryTesting, []string{"test", "coverage", "assert"}},
	{models.CategoryPerformance, []string{"perf", "slow", "allocation", "n+1", "latency", "cache"}},
	{models.CategoryDocumentation, []string{"doc", "comment", "readme", "typo"}},
	{models.CategoryArchitecture, []string{"architecture", "abstraction", "coupling", "layer", "interface", "package"}},
	{models.CategoryStyle, []string{"naming", "rename", "style", "format", "lint", "nit"}},
}

func categorize(body string) models.Category {
	b := strings.ToLower(body)
	for _, h := range categoryHints {
		for _, w := range h.words {
			if strings.Contains(b, w) {
				return h.cat
			}
		}
	}
	return models.CategoryLogic
}

func feedbackIssue(prefix string, c events.FeedbackComment, sev models.Severity) models.ReviewIssue {
	id := c.ID
	if id == "" {
		id = store.NewID()
	}
	desc := strings.TrimSpace(c.Body)
	if c.Author != "" {
		desc = fmt.Sprintf("@%s: %s", c.Author, desc)
	}
	return models.ReviewIssue{
		ID:          prefix + id,
		Severity:    sev,
		Category:    categorize(c.Body),
		Description: desc,
	}
}

// changesRequestedIssue stands in for a change request submitted without a
// body.
func changesRequestedIssue(r events.FeedbackComment, pr int) models.ReviewIssue {
	id := r.ID
	if id == "" {
		id = store.NewID()
	}
	who := "A reviewer"
	if r.Author != "" {
		who = "@" + r.Author
	}
	return models.ReviewIssue{
		ID:          "review-" + id,
		Severity:    models.SeverityHigh,
		Category:    models.CategoryLogic,
		Description: fmt.Sprintf("%s requested changes on PR #%d without comment; check the inline review comments", who, pr),
	}
}

// feedbackItems turns a monitor event into actionable issues for the
// Fixer. approved reports an APPROVED review in the event.
func feedbackItems(e events.Event) (items []models.ReviewIssue, approved bool) {
	switch e := e.(type) {
	case events.NewComments:
		for _, c := range e.Comments {
			if IsActionable(c) {
				items = append(items, feedbackIssue("comment-", c, models.SeverityMedium))
			}
		}
	case events.NewReviews:
		for _, r := range e.Reviews {
			switch r.State {
			case git.ReviewApproved:
				approved = true
				continue
			case git.ReviewDismissed:
				continue
			}
			if r.State == git.ReviewChangesRequested && strings.TrimSpace(r.Body) == "" && !IsBot(r.Author) {
				items = append(items, changesRequestedIssue(r, e.PRNumber))
				continue
			}
			if !IsActionable(r) {
				continue
			}
			sev := models.SeverityMedium
			if r.State == git.ReviewChangesRequested {
				sev = models.SeverityHigh
			}
			items = append(items, feedbackIssue("review-", r, sev))
		}
	case events.ChecksChanged:
		if e.To == string(git.ChecksFailing) {
			items = append(items, models.ReviewIssue{
				ID:          "checks-" + store.NewID(),
				Severity:    models.SeverityHigh,
				Category:    models.CategoryTesting,
				Description: fmt.Sprintf("CI checks are failing on PR #%d", e.PRNumber),
			})
		}
	case events.ChangesRequested:
		if e.Requested {
			items = append(items, models.ReviewIssue{
				ID:          "changes-requested-" + store.NewID(),
				Severity:    models.SeverityHigh,
				Category:    models.CategoryLogic,
				Description: fmt.Sprintf("A reviewer requested changes on PR #%d", e.PRNumber),
			})
		}
	}
	return items, approved
}
