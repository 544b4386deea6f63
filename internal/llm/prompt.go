package llm

import (
	"fmt"
	"strings"

	"github.com/joescharf/reviewloop/internal/diff"
	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/models"
)

func joinValues[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = `"` + string(v) + `"`
	}
	return strings.Join(parts, ", ")
}

// buildReviewPrompt constructs the system and user prompts for one review pass.
func buildReviewPrompt(req loop.ReviewRequest, maxLines int) (system string, user string) {
	system = fmt.Sprintf(`You are a senior engineer reviewing a feature branch before it is opened as a pull request. Return ONLY a JSON object with these fields:
- "verdict": one of "pass", "needs_work", "critical_issues"
- "summary": 1-3 sentences describing the overall state of the change
- "issues": an array of objects with:
  - "id": a short stable identifier such as "sec-1"
  - "severity": one of %s
  - "category": one of %s
  - "file": path of the affected file, relative to the repository root
  - "lineStart", "lineEnd": line numbers in the new version of the file (0 if unknown)
  - "description": what is wrong
  - "suggestedFix": how to fix it (can be empty)

Rules:
- Only report problems introduced or touched by the diff
- Do not report the same problem twice
- Use "pass" with an empty issues array when there is nothing worth changing
- Reuse the ID of a previously reported issue if it is still present
- Return valid JSON only, no markdown fencing or explanation`,
		joinValues(models.Severities), joinValues(models.Categories))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature: %s\n", req.Feature.FeatureID)
	if req.Feature.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", req.Feature.Title)
	}
	if req.Feature.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", req.Feature.Description)
	}
	if req.Feature.Branch != "" {
		fmt.Fprintf(&sb, "Branch: %s (base %s)\n", req.Feature.Branch, req.Feature.BaseBranch)
	}
	fmt.Fprintf(&sb, "Review iteration: %d\n", req.Iteration)

	if len(req.PriorIssues) > 0 {
		sb.WriteString("\nIssues from the previous review that the last refinement did not address:\n")
		writeIssues(&sb, req.PriorIssues)
	}

	sb.WriteString("\n")
	if req.Diff == nil || len(req.Diff.Files) == 0 {
		sb.WriteString("The diff is empty.\n")
	} else {
		sb.WriteString(diff.FormatForReview(req.Diff, diff.ReviewFormatOptions{MaxLines: maxLines}))
	}
	user = sb.String()
	return
}

func writeIssues(sb *strings.Builder, issues []models.ReviewIssue) {
	for _, is := range issues {
		fmt.Fprintf(sb, "- [%s] %s/%s", is.ID, is.Severity, is.Category)
		if is.File != "" {
			fmt.Fprintf(sb, " %s", is.File)
			if is.LineStart > 0 {
				fmt.Fprintf(sb, ":%d", is.LineStart)
			}
		}
		fmt.Fprintf(sb, ": %s\n", is.Description)
		if is.SuggestedFix != "" {
			fmt.Fprintf(sb, "  Suggested fix: %s\n", is.SuggestedFix)
		}
	}
}

// buildFixPrompt generates the system prompt appended to claude for one
// refinement, and the kickoff prompt passed as its positional argument.
func buildFixPrompt(req loop.FixRequest) (system string, kickoff string) {
	var b strings.Builder

	b.WriteString("You are an autonomous developer agent fixing review findings on a feature branch.\n\n")

	b.WriteString("## Feature\n")
	fmt.Fprintf(&b, "- ID: %s\n", req.Feature.FeatureID)
	if req.Feature.Title != "" {
		fmt.Fprintf(&b, "- Title: %s\n", req.Feature.Title)
	}
	if req.Feature.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", req.Feature.Description)
	}
	if req.Feature.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", req.Feature.Branch)
	}
	b.WriteString("\n")

	switch req.Source {
	case models.RefinementSourcePRFeedback:
		b.WriteString("## Pull request feedback to address\n\n")
	default:
		b.WriteString("## Review findings to address\n\n")
	}
	writeIssues(&b, req.Issues)
	b.WriteString("\n")

	if len(req.Context) > 0 {
		b.WriteString("## Changed code\n\n")
		for _, c := range req.Context {
			fmt.Fprintf(&b, "### %s:%d-%d\n```\n%s\n```\n", c.File, c.StartLine, c.EndLine, strings.TrimRight(c.Content, "\n"))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Rules\n\n")
	b.WriteString("- Fix each finding directly in the code, keeping changes minimal\n")
	b.WriteString("- Run the project's tests after your changes\n")
	b.WriteString("- Commit your fixes with descriptive messages; do not push\n")
	b.WriteString("- If a finding is wrong or cannot be fixed, leave it and say why\n\n")

	b.WriteString("## Output\n\n")
	b.WriteString("Finish with ONLY a JSON object, no markdown fencing:\n")
	b.WriteString(`{"addressedIds": ["<ids you fixed>"], "unaddressedIds": ["<ids you did not fix>"], "notes": "<what you changed>"}`)
	b.WriteString("\n")

	kickoff = fmt.Sprintf("Address %d finding(s) on feature %s, then report the JSON result.", len(req.Issues), req.Feature.FeatureID)
	return b.String(), kickoff
}
