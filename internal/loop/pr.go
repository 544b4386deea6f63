package loop

import (
	"fmt"
	"strings"

	"github.com/joescharf/reviewloop/internal/models"
)

func prTitle(sess *models.Session) string {
	if t := strings.TrimSpace(sess.Title); t != "" {
		return t
	}
	return sess.FeatureID
}

// prBody renders the PR description: the feature description, the last
// review summary and any issues the loop could not resolve.
func prBody(sess *models.Session) string {
	var b strings.Builder
	if d := strings.TrimSpace(sess.Description); d != "" {
		b.WriteString(d)
		b.WriteString("\n\n")
	}

	b.WriteString("## Automated review\n\n")
	if r := sess.LatestResult(); r != nil {
		fmt.Fprintf(&b, "Iterations: %d. Last verdict: `%s`.\n", r.Iteration, r.Verdict)
		if s := strings.TrimSpace(r.Summary); s != "" {
			fmt.Fprintf(&b, "\n%s\n", s)
		}
	} else {
		b.WriteString("Self-review was skipped.\n")
	}

	if len(sess.UnresolvedIssues) > 0 {
		fmt.Fprintf(&b, "\n### Unresolved issues (%d)\n\n", len(sess.UnresolvedIssues))
		for _, is := range sess.UnresolvedIssues {
			loc := ""
			if is.File != "" {
				loc = " `" + is.File
				if is.LineStart > 0 {
					loc += fmt.Sprintf(":%d", is.LineStart)
				}
				loc += "`"
			}
			fmt.Fprintf(&b, "- **%s** [%s]%s %s\n", is.Severity, is.Category, loc, is.Description)
		}
	}
	return b.String()
}
