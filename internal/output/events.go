package output

import (
	"fmt"

	"github.com/joescharf/reviewloop/internal/events"
)

// EventPrinter writes one line per event to the UI. It is a bus handler.
type EventPrinter struct {
	ui *UI
}

// NewEventPrinter returns a printer writing to u.
func NewEventPrinter(u *UI) *EventPrinter {
	return &EventPrinter{ui: u}
}

// Handle prints e. Its signature matches events.Handler.
func (p *EventPrinter) Handle(e events.Event) { e.Accept(p) }

func (p *EventPrinter) tag(e events.Event) string {
	return cyan("[" + e.Feature() + "]")
}

func (p *EventPrinter) info(e events.Event, format string, a ...any) {
	p.ui.Info("%s %s", p.tag(e), fmt.Sprintf(format, a...))
}

func (p *EventPrinter) success(e events.Event, format string, a ...any) {
	p.ui.Success("%s %s", p.tag(e), fmt.Sprintf(format, a...))
}

func (p *EventPrinter) warn(e events.Event, format string, a ...any) {
	p.ui.Warning("%s %s", p.tag(e), fmt.Sprintf(format, a...))
}

func (p *EventPrinter) VisitStateChanged(e events.StateChanged) {
	if e.From == "" {
		p.info(e, "%s", StateColor(e.To))
		return
	}
	msg := fmt.Sprintf("%s → %s", StateColor(e.From), StateColor(e.To))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	p.info(e, "%s", msg)
}

func (p *EventPrinter) VisitReviewCompleted(e events.ReviewCompleted) {
	msg := fmt.Sprintf("review %d: %s, %d issue(s)", e.Result.Iteration, e.Result.Verdict, len(e.Result.Issues))
	if e.Passed {
		p.success(e, "%s", msg)
		return
	}
	p.warn(e, "%s", msg)
}

func (p *EventPrinter) VisitRefinementStarted(e events.RefinementStarted) {
	p.info(e, "refining %d issue(s) from %s", len(e.Issues), e.Source)
}

func (p *EventPrinter) VisitRefinementCompleted(e events.RefinementCompleted) {
	p.info(e, "refinement addressed %d, left %d", len(e.Record.AddressedIDs), len(e.Record.UnaddressedIDs))
}

func (p *EventPrinter) VisitPRFeedbackReceived(e events.PRFeedbackReceived) {
	p.info(e, "PR #%d: %d actionable item(s)", e.PRNumber, len(e.Items))
}

func (p *EventPrinter) VisitReadyForHuman(e events.ReadyForHuman) {
	p.success(e, "ready for human review: %s", e.PRURL)
}

func (p *EventPrinter) VisitError(e events.Error) {
	p.ui.Error("%s %s failed: %s", p.tag(e), e.Stage, e.Message)
}

func (p *EventPrinter) VisitMonitoringStarted(e events.MonitoringStarted) {
	p.ui.VerboseLog("%s %s monitor started for PR #%d", p.tag(e), e.Monitor, e.PRNumber)
}

func (p *EventPrinter) VisitMonitoringStopped(e events.MonitoringStopped) {
	p.ui.VerboseLog("%s %s monitor stopped for PR #%d: %s", p.tag(e), e.Monitor, e.PRNumber, e.Reason)
}

func (p *EventPrinter) VisitNewComments(e events.NewComments) {
	p.info(e, "PR #%d: %d new comment(s)", e.PRNumber, len(e.Comments))
}

func (p *EventPrinter) VisitNewReviews(e events.NewReviews) {
	p.info(e, "PR #%d: %d new review(s)", e.PRNumber, len(e.Reviews))
}

func (p *EventPrinter) VisitChecksChanged(e events.ChecksChanged) {
	p.info(e, "PR #%d checks: %s → %s", e.PRNumber, e.From, e.To)
}

func (p *EventPrinter) VisitMergeableChanged(e events.MergeableChanged) {
	p.ui.VerboseLog("%s PR #%d mergeable: %s → %s", p.tag(e), e.PRNumber, e.From, e.To)
}

func (p *EventPrinter) VisitChangesRequested(e events.ChangesRequested) {
	if e.Requested {
		p.warn(e, "PR #%d: changes requested", e.PRNumber)
		return
	}
	p.info(e, "PR #%d: change request cleared", e.PRNumber)
}

func (p *EventPrinter) VisitPRMerged(e events.PRMerged) {
	p.success(e, "PR #%d merged (status %s)", e.PRNumber, e.FeatureStatus)
}

func (p *EventPrinter) VisitPRClosed(e events.PRClosed) {
	p.warn(e, "PR #%d closed without merging", e.PRNumber)
}

func (p *EventPrinter) VisitPullCompleted(e events.PullCompleted) {
	p.success(e, "updated %s (%s)", e.Branch, e.Method)
}

func (p *EventPrinter) VisitPullFailed(e events.PullFailed) {
	p.warn(e, "updating %s failed: %s", e.Branch, e.Error)
}

func (p *EventPrinter) VisitWorktreeCleaned(e events.WorktreeCleaned) {
	p.success(e, "removed worktree %s", e.Path)
}

func (p *EventPrinter) VisitCleanupFailed(e events.CleanupFailed) {
	p.warn(e, "removing worktree %s failed: %s", e.Path, e.Error)
}
