// Package events defines the tagged events emitted by the review loop and
// its monitors. Every variant implements Event; consumers that must handle
// every kind implement Visitor, so adding a kind breaks their build until
// they handle it.
package events

import (
	"time"

	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/models"
)

// Kind identifies an event variant.
type Kind string

const (
	KindStateChanged        Kind = "state_changed"
	KindReviewCompleted     Kind = "review_completed"
	KindRefinementStarted   Kind = "refinement_started"
	KindRefinementCompleted Kind = "refinement_completed"
	KindPRFeedbackReceived  Kind = "pr_feedback_received"
	KindReadyForHuman       Kind = "ready_for_human"
	KindError               Kind = "error"

	KindMonitoringStarted Kind = "monitoring_started"
	KindMonitoringStopped Kind = "monitoring_stopped"
	KindNewComments       Kind = "new_comments"
	KindNewReviews        Kind = "new_reviews"
	KindChecksChanged     Kind = "checks_changed"
	KindMergeableChanged  Kind = "mergeable_changed"
	KindChangesRequested  Kind = "changes_requested"

	KindPRMerged        Kind = "pr_merged"
	KindPRClosed        Kind = "pr_closed"
	KindPullCompleted   Kind = "pull_completed"
	KindPullFailed      Kind = "pull_failed"
	KindWorktreeCleaned Kind = "worktree_cleaned"
	KindCleanupFailed   Kind = "cleanup_failed"
)

// Event is implemented by every event variant.
type Event interface {
	Kind() Kind
	Feature() string
	Time() time.Time
	Accept(v Visitor)
}

// Base carries the fields shared by all events.
type Base struct {
	FeatureID string    `json:"featureId"`
	At        time.Time `json:"at"`
}

// NewBase stamps an event for featureID with the current time.
func NewBase(featureID string) Base {
	return Base{FeatureID: featureID, At: time.Now().UTC()}
}

func (b Base) Feature() string { return b.FeatureID }
func (b Base) Time() time.Time { return b.At }

// Monitor names the monitor that produced an event.
type Monitor string

const (
	MonitorFeedback Monitor = "feedback"
	MonitorMerge    Monitor = "merge"
)

// StateChanged reports a session state transition. Session is the session
// as committed after the transition.
type StateChanged struct {
	Base
	From    models.State    `json:"from"`
	To      models.State    `json:"to"`
	Reason  string          `json:"reason,omitempty"`
	Session *models.Session `json:"session"`
}

// ReviewCompleted reports a stored review result and its gate evaluation.
type ReviewCompleted struct {
	Base
	Result models.ReviewResult `json:"result"`
	Gate   *gate.Result        `json:"gate"`
	Passed bool                `json:"passed"`
}

// RefinementStarted reports that the Fixer is running.
type RefinementStarted struct {
	Base
	Iteration int                     `json:"iteration"`
	Source    models.RefinementSource `json:"source"`
	Issues    []models.ReviewIssue    `json:"issues"`
}

// RefinementCompleted reports the Fixer's outcome after classification.
type RefinementCompleted struct {
	Base
	Record models.RefinementRecord `json:"record"`
}

// PRFeedbackReceived reports actionable PR feedback routed to refinement.
type PRFeedbackReceived struct {
	Base
	PRNumber int                  `json:"prNumber"`
	Items    []models.ReviewIssue `json:"items"`
}

// ReadyForHuman reports that a PR is ready for a human reviewer.
type ReadyForHuman struct {
	Base
	PRNumber int    `json:"prNumber"`
	PRURL    string `json:"prUrl"`
	Summary  string `json:"summary"`
}

// Error reports a failure in a named stage.
type Error struct {
	Base
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// MonitoringStarted reports that a monitor began polling a PR. The feedback
// monitor includes the PR state from its initial fetch.
type MonitoringStarted struct {
	Base
	Monitor  Monitor     `json:"monitor"`
	PRNumber int         `json:"prNumber"`
	PR       *PRSnapshot `json:"pr,omitempty"`
}

// MonitoringStopped reports that a monitor stopped polling a PR.
type MonitoringStopped struct {
	Base
	Monitor  Monitor `json:"monitor"`
	PRNumber int     `json:"prNumber"`
	Reason   string  `json:"reason"`
}

// FeedbackComment is a PR comment or review body surfaced by a monitor.
type FeedbackComment struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
	State  string `json:"state,omitempty"`
}

// PRSnapshot is the PR state observed on the poll that produced an event.
// Checks is empty when unknown.
type PRSnapshot struct {
	Checks           string `json:"checks"`
	Mergeable        bool   `json:"mergeable"`
	ChangesRequested bool   `json:"changesRequested"`
	Approved         bool   `json:"approved"`
}

// Snapshot returns s. Feedback monitor events embed PRSnapshot and so
// expose the PR state through this method.
func (s PRSnapshot) Snapshot() PRSnapshot { return s }

// NewComments reports comments not seen on the previous poll.
type NewComments struct {
	Base
	PRSnapshot `json:"pr"`
	PRNumber   int               `json:"prNumber"`
	Comments   []FeedbackComment `json:"comments"`
}

// NewReviews reports reviews not seen on the previous poll.
type NewReviews struct {
	Base
	PRSnapshot `json:"pr"`
	PRNumber   int               `json:"prNumber"`
	Reviews    []FeedbackComment `json:"reviews"`
}

// ChecksChanged reports a transition of the rolled-up CI check state.
type ChecksChanged struct {
	Base
	PRSnapshot `json:"pr"`
	PRNumber   int    `json:"prNumber"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// MergeableChanged reports a transition of the PR's mergeable state.
type MergeableChanged struct {
	Base
	PRSnapshot       `json:"pr"`
	PRNumber         int    `json:"prNumber"`
	From             string `json:"from"`
	To               string `json:"to"`
	MergeStateStatus string `json:"mergeStateStatus"`
}

// ChangesRequested reports a transition of the changes-requested review
// decision.
type ChangesRequested struct {
	Base
	PRSnapshot `json:"pr"`
	PRNumber   int  `json:"prNumber"`
	Requested  bool `json:"requested"`
}

// PRMerged reports that a PR merged and the feature status was updated.
type PRMerged struct {
	Base
	PRNumber      int    `json:"prNumber"`
	PRURL         string `json:"prUrl"`
	FeatureStatus string `json:"featureStatus"`
}

// PRClosed reports that a PR was closed without merging.
type PRClosed struct {
	Base
	PRNumber int `json:"prNumber"`
}

// PullCompleted reports that the target branch was updated after a merge.
type PullCompleted struct {
	Base
	Branch string `json:"branch"`
	Method string `json:"method"`
}

// PullFailed reports that updating the target branch failed.
type PullFailed struct {
	Base
	Branch string `json:"branch"`
	Error  string `json:"error"`
}

// WorktreeCleaned reports that the feature's worktree was removed.
type WorktreeCleaned struct {
	Base
	Path string `json:"path"`
}

// CleanupFailed reports that removing the feature's worktree failed.
type CleanupFailed struct {
	Base
	Path  string `json:"path"`
	Error string `json:"error"`
}

func (StateChanged) Kind() Kind        { return KindStateChanged }
func (ReviewCompleted) Kind() Kind     { return KindReviewCompleted }
func (RefinementStarted) Kind() Kind   { return KindRefinementStarted }
func (RefinementCompleted) Kind() Kind { return KindRefinementCompleted }
func (PRFeedbackReceived) Kind() Kind  { return KindPRFeedbackReceived }
func (ReadyForHuman) Kind() Kind       { return KindReadyForHuman }
func (Error) Kind() Kind               { return KindError }
func (MonitoringStarted) Kind() Kind   { return KindMonitoringStarted }
func (MonitoringStopped) Kind() Kind   { return KindMonitoringStopped }
func (NewComments) Kind() Kind         { return KindNewComments }
func (NewReviews) Kind() Kind          { return KindNewReviews }
func (ChecksChanged) Kind() Kind       { return KindChecksChanged }
func (MergeableChanged) Kind() Kind    { return KindMergeableChanged }
func (ChangesRequested) Kind() Kind    { return KindChangesRequested }
func (PRMerged) Kind() Kind            { return KindPRMerged }
func (PRClosed) Kind() Kind            { return KindPRClosed }
func (PullCompleted) Kind() Kind       { return KindPullCompleted }
func (PullFailed) Kind() Kind          { return KindPullFailed }
func (WorktreeCleaned) Kind() Kind     { return KindWorktreeCleaned }
func (CleanupFailed) Kind() Kind       { return KindCleanupFailed }
