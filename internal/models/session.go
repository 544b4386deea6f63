package models

import "time"

// State is a position in the review loop state machine.
type State string

const (
	StatePendingSelfReview   State = "pending_self_review"
	StateSelfReviewing       State = "self_reviewing"
	StateSelfReviewPassed    State = "self_review_passed"
	StateSelfReviewFailed    State = "self_review_failed"
	StateRefining            State = "refining"
	StatePRCreated           State = "pr_created"
	StateAwaitingPRFeedback  State = "awaiting_pr_feedback"
	StateAddressingFeedback  State = "addressing_feedback"
	StateReadyForHumanReview State = "ready_for_human_review"
	StateApproved            State = "approved"
	StateMerged              State = "merged"
)

// States lists every state in loop order.
var States = []State{
	StatePendingSelfReview,
	StateSelfReviewing,
	StateSelfReviewPassed,
	StateSelfReviewFailed,
	StateRefining,
	StatePRCreated,
	StateAwaitingPRFeedback,
	StateAddressingFeedback,
	StateReadyForHumanReview,
	StateApproved,
	StateMerged,
}

// IsValid reports whether s is a recognized state.
func (s State) IsValid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a session in state s is finished.
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateMerged
}

// HasPR reports whether a session in state s is past PR creation.
func (s State) HasPR() bool {
	switch s {
	case StatePRCreated, StateAwaitingPRFeedback, StateAddressingFeedback,
		StateReadyForHumanReview, StateApproved, StateMerged:
		return true
	}
	return false
}

// transitions is the loop's state graph. The loop itself returns from
// addressing_feedback through awaiting_pr_feedback; the direct arrow to
// ready_for_human_review serves readiness decided while feedback is handled.
var transitions = map[State][]State{
	StatePendingSelfReview:   {StateSelfReviewing},
	StateSelfReviewing:       {StateSelfReviewPassed, StateSelfReviewFailed},
	StateSelfReviewFailed:    {StateRefining, StatePRCreated},
	StateRefining:            {StateSelfReviewing},
	StateSelfReviewPassed:    {StatePRCreated},
	StatePRCreated:           {StateAwaitingPRFeedback, StateMerged},
	StateAwaitingPRFeedback:  {StateAddressingFeedback, StateReadyForHumanReview, StateMerged},
	StateAddressingFeedback:  {StateAwaitingPRFeedback, StateReadyForHumanReview, StateMerged},
	StateReadyForHumanReview: {StateApproved, StateAddressingFeedback, StateMerged},
	StateApproved:            {StateMerged},
}

// CanTransition reports whether the loop may move from one state to another
// without a manual override.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the persistent record of a feature's progress through the
// review loop. FeatureID and StartedAt never change after creation.
type Session struct {
	FeatureID        string             `json:"featureId"`
	State            State              `json:"state"`
	Iterations       []ReviewResult     `json:"iterations"`
	CurrentIteration int                `json:"currentIteration"`
	PRNumber         int                `json:"prNumber,omitempty"`
	PRURL            string             `json:"prUrl,omitempty"`
	StartedAt        time.Time          `json:"startedAt"`
	LastUpdatedAt    time.Time          `json:"lastUpdatedAt"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
	Title            string             `json:"title,omitempty"`
	Description      string             `json:"description,omitempty"`
	Branch           string             `json:"branch,omitempty"`
	BaseBranch       string             `json:"baseBranch,omitempty"`
	ProjectPath      string             `json:"projectPath,omitempty"`
	WorktreePath     string             `json:"worktreePath,omitempty"`
	Refinements      []RefinementRecord `json:"refinements,omitempty"`
	UnresolvedIssues []ReviewIssue      `json:"unresolvedIssues,omitempty"`
	LastError        string             `json:"lastError,omitempty"`
	LastErrorStage   string             `json:"lastErrorStage,omitempty"`
}

// LatestResult returns the most recent review result, or nil.
func (s *Session) LatestResult() *ReviewResult {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.Iterations != nil {
		c.Iterations = make([]ReviewResult, len(s.Iterations))
		for i, r := range s.Iterations {
			r.Issues = append([]ReviewIssue(nil), r.Issues...)
			c.Iterations[i] = r
		}
	}
	if s.Refinements != nil {
		c.Refinements = make([]RefinementRecord, len(s.Refinements))
		for i, r := range s.Refinements {
			r.IssueIDs = append([]string(nil), r.IssueIDs...)
			r.AddressedIDs = append([]string(nil), r.AddressedIDs...)
			r.UnaddressedIDs = append([]string(nil), r.UnaddressedIDs...)
			c.Refinements[i] = r
		}
	}
	if s.UnresolvedIssues != nil {
		c.UnresolvedIssues = append([]ReviewIssue(nil), s.UnresolvedIssues...)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FeatureMeta is the feature information handed to the Reviewer and Fixer.
type FeatureMeta struct {
	FeatureID    string `json:"featureId"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"baseBranch,omitempty"`
	ProjectPath  string `json:"projectPath,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
}

// Meta extracts the feature metadata carried on the session.
func (s *Session) Meta() FeatureMeta {
	return FeatureMeta{
		FeatureID:    s.FeatureID,
		Title:        s.Title,
		Description:  s.Description,
		Branch:       s.Branch,
		BaseBranch:   s.BaseBranch,
		ProjectPath:  s.ProjectPath,
		WorktreePath: s.WorktreePath,
	}
}

// WorkDir returns the directory the feature's code lives in.
func (m FeatureMeta) WorkDir() string {
	if m.WorktreePath != "" {
		return m.WorktreePath
	}
	return m.ProjectPath
}
