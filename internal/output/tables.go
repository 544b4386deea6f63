package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/monitor"
	"github.com/joescharf/reviewloop/internal/store"
)

// Ago formats t relative to now, e.g. "5m ago".
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func prCell(number int) string {
	if number <= 0 {
		return "-"
	}
	return "#" + strconv.Itoa(number)
}

// SessionTable renders one row per session.
func (u *UI) SessionTable(sessions []*models.Session) error {
	table := u.Table([]string{"FEATURE", "STATE", "ITER", "PR", "ISSUES", "UPDATED", "ERROR"})
	for _, s := range sessions {
		issues := "-"
		if r := s.LatestResult(); r != nil {
			issues = strconv.Itoa(len(r.Issues))
		}
		errCell := ""
		if s.LastError != "" {
			errCell = red(s.LastErrorStage)
		}
		if err := table.Append([]string{
			s.FeatureID,
			StateColor(s.State),
			strconv.Itoa(s.CurrentIteration),
			prCell(s.PRNumber),
			issues,
			Ago(s.LastUpdatedAt),
			errCell,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// SessionDetail prints one session with its iterations and refinements.
func (u *UI) SessionDetail(s *models.Session) error {
	fmt.Fprintf(u.Out, "%s  %s\n", bold(s.FeatureID), StateColor(s.State))
	if s.Title != "" {
		fmt.Fprintf(u.Out, "  title:     %s\n", s.Title)
	}
	if s.Branch != "" {
		fmt.Fprintf(u.Out, "  branch:    %s -> %s\n", s.Branch, s.BaseBranch)
	}
	if s.PRNumber > 0 {
		fmt.Fprintf(u.Out, "  pr:        %s %s\n", prCell(s.PRNumber), s.PRURL)
	}
	fmt.Fprintf(u.Out, "  iteration: %d\n", s.CurrentIteration)
	fmt.Fprintf(u.Out, "  started:   %s\n", s.StartedAt.Local().Format(time.DateTime))
	if s.CompletedAt != nil {
		fmt.Fprintf(u.Out, "  completed: %s\n", s.CompletedAt.Local().Format(time.DateTime))
	}
	if s.LastError != "" {
		fmt.Fprintf(u.Out, "  error:     %s (%s)\n", red(s.LastError), s.LastErrorStage)
	}

	if len(s.Iterations) > 0 {
		fmt.Fprintln(u.Out)
		table := u.Table([]string{"ITER", "VERDICT", "ISSUES", "SUMMARY"})
		for _, r := range s.Iterations {
			if err := table.Append([]string{
				strconv.Itoa(r.Iteration), string(r.Verdict), strconv.Itoa(len(r.Issues)), r.Summary,
			}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(s.Refinements) > 0 {
		fmt.Fprintln(u.Out)
		table := u.Table([]string{"ITER", "SOURCE", "ADDRESSED", "UNADDRESSED"})
		for _, r := range s.Refinements {
			if err := table.Append([]string{
				strconv.Itoa(r.Iteration), string(r.Source),
				strconv.Itoa(len(r.AddressedIDs)), strconv.Itoa(len(r.UnaddressedIDs)),
			}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(s.UnresolvedIssues) > 0 {
		fmt.Fprintf(u.Out, "\n%s\n", yellow("Unresolved issues"))
		return u.IssueTable(s.UnresolvedIssues)
	}
	return nil
}

// IssueTable renders review issues.
func (u *UI) IssueTable(issues []models.ReviewIssue) error {
	table := u.Table([]string{"ID", "SEVERITY", "CATEGORY", "LOCATION", "DESCRIPTION"})
	for _, is := range issues {
		loc := is.File
		if loc != "" && is.LineStart > 0 {
			loc += ":" + strconv.Itoa(is.LineStart)
		}
		if err := table.Append([]string{
			is.ID, SeverityColor(is.Severity), string(is.Category), loc, is.Description,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// GateResult prints a gate verdict and its checks.
func (u *UI) GateResult(r *gate.Result) error {
	fmt.Fprintf(u.Out, "%s %s\n", GateColor(string(r.Verdict)), r.Summary)
	table := u.Table([]string{"CHECK", "STATUS", "MESSAGE"})
	for _, c := range r.Checks {
		if err := table.Append([]string{c.Name, GateColor(string(c.Status)), c.Message}); err != nil {
			return err
		}
	}
	return table.Render()
}

// MonitorTable renders the active PR monitors.
func (u *UI) MonitorTable(active []monitor.Status) error {
	table := u.Table([]string{"MONITOR", "FEATURE", "PR", "BRANCH", "STARTED", "LAST POLL"})
	for _, m := range active {
		if err := table.Append([]string{
			string(m.Monitor), m.FeatureID, prCell(m.PRNumber), m.Branch, Ago(m.StartedAt), Ago(m.LastPolledAt),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// JournalTable renders journal entries, oldest first.
func (u *UI) JournalTable(entries []*store.Entry) error {
	table := u.Table([]string{"TIME", "KIND", "FEATURE"})
	for _, e := range entries {
		if err := table.Append([]string{
			e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.FeatureID,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
