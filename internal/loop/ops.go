package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/monitor"
)

func (o *Orchestrator) load(ctx context.Context, featureID string) (*models.Session, models.LoopConfig, error) {
	cfg, err := o.store.ReadConfig(ctx)
	if err != nil {
		return nil, cfg, err
	}
	sess, err := o.store.Get(ctx, featureID)
	if err != nil {
		return nil, cfg, err
	}
	return sess, cfg, nil
}

func invalid(sess *models.Session, op string) error {
	return fmt.Errorf("%w: cannot %s a session in %s", ErrInvalidTransition, op, sess.State)
}

// Retry resumes a session from its current state after a stage failure or
// a process restart.
func (o *Orchestrator) Retry(ctx context.Context, featureID string) (*models.Session, error) {
	unlock := o.locks.Lock(featureID)
	defer unlock()

	sess, cfg, err := o.load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	o.log(sess).Info("retrying", "state", sess.State, "last_error_stage", sess.LastErrorStage)

	switch sess.State {
	case models.StatePendingSelfReview, models.StateRefining:
		return o.runCycle(ctx, sess, cfg, o.lastUnaddressed(sess))
	case models.StateSelfReviewing:
		// Interrupted mid-review; start the pass again.
		sess, err = o.force(ctx, sess, models.StatePendingSelfReview, "retry")
		if err != nil {
			return sess, err
		}
		return o.runCycle(ctx, sess, cfg, o.lastUnaddressed(sess))
	case models.StateSelfReviewFailed:
		result := sess.LatestResult()
		if result == nil {
			return o.runCycle(ctx, sess, cfg, nil)
		}
		if result.Iteration >= cfg.MaxIterations {
			return o.forceAdvance(ctx, sess, cfg, result)
		}
		sess, prior, err := o.refine(ctx, sess, cfg, refinementIssues(result, cfg), models.RefinementSourceSelfReview, models.StateSelfReviewFailed)
		if err != nil {
			return sess, err
		}
		return o.runCycle(ctx, sess, cfg, prior)
	case models.StateSelfReviewPassed:
		return o.createPR(ctx, sess, cfg)
	case models.StatePRCreated, models.StateAwaitingPRFeedback, models.StateReadyForHumanReview:
		return o.startMonitoring(ctx, sess, cfg)
	case models.StateAddressingFeedback:
		sess, err = o.force(ctx, sess, models.StateAwaitingPRFeedback, "retry")
		if err != nil {
			return sess, err
		}
		return o.startMonitoring(ctx, sess, cfg)
	}
	return sess, invalid(sess, "retry")
}

func (o *Orchestrator) lastUnaddressed(sess *models.Session) []models.ReviewIssue {
	if len(sess.Refinements) == 0 {
		return nil
	}
	rec := sess.Refinements[len(sess.Refinements)-1]
	result := sess.LatestResult()
	if result == nil {
		return nil
	}
	left := map[string]bool{}
	for _, id := range rec.UnaddressedIDs {
		left[id] = true
	}
	var out []models.ReviewIssue
	for _, is := range result.Issues {
		if left[is.ID] {
			out = append(out, is)
		}
	}
	return out
}

// SkipToPR bypasses self-review. With a PR number the PR is linked,
// otherwise one is opened. Either way the session enters pr_created.
func (o *Orchestrator) SkipToPR(ctx context.Context, featureID string, number int, url string) (*models.Session, error) {
	unlock := o.locks.Lock(featureID)
	defer unlock()

	sess, cfg, err := o.load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() || sess.State.HasPR() {
		return sess, invalid(sess, "skip to PR")
	}

	if number > 0 {
		sess, err = o.store.LinkPR(ctx, featureID, number, url)
		if err != nil {
			return nil, err
		}
		return o.enterPRCreated(ctx, sess, cfg, "skipped to PR")
	}
	if o.prs == nil {
		return sess, fmt.Errorf("skip to PR: no PR number given and PR creation is not configured")
	}
	cfg.AutoCreatePR = true
	return o.createPR(ctx, sess, cfg)
}

// ForceRefine runs a manual refinement over the latest review's issues.
// Before a PR exists the loop then re-reviews; afterwards the session
// returns to awaiting PR feedback.
func (o *Orchestrator) ForceRefine(ctx context.Context, featureID string) (*models.Session, error) {
	unlock := o.locks.Lock(featureID)
	defer unlock()

	sess, cfg, err := o.load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return sess, invalid(sess, "refine")
	}

	var issues []models.ReviewIssue
	if len(sess.UnresolvedIssues) > 0 {
		issues = sess.UnresolvedIssues
	} else if r := sess.LatestResult(); r != nil {
		issues = r.Issues
	}

	stable := sess.State
	if sess.State.HasPR() {
		if stable != models.StateReadyForHumanReview {
			stable = models.StateAwaitingPRFeedback
		}
		sess, _, err = o.refine(ctx, sess, cfg, issues, models.RefinementSourceManual, stable)
		if err != nil {
			return sess, err
		}
		return o.move(ctx, sess, models.StateAwaitingPRFeedback, "manual refinement done")
	}

	sess, prior, err := o.refine(ctx, sess, cfg, issues, models.RefinementSourceManual, stable)
	if err != nil {
		return sess, err
	}
	return o.runCycle(ctx, sess, cfg, prior)
}

// ForceReady marks the session ready for human review regardless of the
// loop's progress.
func (o *Orchestrator) ForceReady(ctx context.Context, featureID string) (*models.Session, error) {
	unlock := o.locks.Lock(featureID)
	defer unlock()

	sess, err := o.store.Get(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return sess, invalid(sess, "mark ready")
	}
	return o.markReady(ctx, sess, "forced ready", o.force)
}

func (o *Orchestrator) markReady(ctx context.Context, sess *models.Session, reason string, step func(context.Context, *models.Session, models.State, string) (*models.Session, error)) (*models.Session, error) {
	sess, err := step(ctx, sess, models.StateReadyForHumanReview, reason)
	if err != nil {
		return sess, err
	}
	summary := reason
	if r := sess.LatestResult(); r != nil && r.Summary != "" {
		summary = r.Summary
	}
	o.pub.Publish(events.ReadyForHuman{
		Base:     events.NewBase(sess.FeatureID),
		PRNumber: sess.PRNumber,
		PRURL:    sess.PRURL,
		Summary:  summary,
	})
	return sess, nil
}

// Approve records human approval of a session that is ready for review.
func (o *Orchestrator) Approve(ctx context.Context, featureID string) (*models.Session, error) {
	unlock := o.locks.Lock(featureID)
	defer unlock()

	sess, err := o.store.Get(ctx, featureID)
	if err != nil {
		return nil, err
	}
	return o.approve(ctx, sess, "approved")
}

func (o *Orchestrator) approve(ctx context.Context, sess *models.Session, reason string) (*models.Session, error) {
	if sess.State != models.StateReadyForHumanReview {
		return sess, invalid(sess, "approve")
	}
	sess, err := o.move(ctx, sess, models.StateApproved, reason)
	if err != nil {
		return sess, err
	}
	if o.feedback != nil {
		o.feedback.Stop(sess.FeatureID, "approved")
	}
	return sess, nil
}

// LinkPR attaches an existing PR to the session. A session that has not
// reached PR creation enters pr_created; one that has restarts its
// monitors against the new PR.
func (o *Orchestrator) LinkPR(ctx context.Context, featureID string, number int, url string) (*models.Session, error) {
	unlock := o.locks.Lock(featureID)
	defer unlock()

	sess, cfg, err := o.load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return sess, invalid(sess, "link a PR to")
	}
	changed := sess.PRNumber != number
	sess, err = o.store.LinkPR(ctx, featureID, number, url)
	if err != nil {
		return nil, err
	}
	if !sess.State.HasPR() {
		return o.enterPRCreated(ctx, sess, cfg, "PR linked")
	}
	if changed {
		o.stopMonitors(featureID, monitor.ReasonStopped)
	}
	return o.startMonitoring(ctx, sess, cfg)
}

// Evaluate runs the quality gate over the session's latest review.
func (o *Orchestrator) Evaluate(ctx context.Context, featureID string, metrics *gate.Metrics) (*gate.Result, error) {
	sess, cfg, err := o.load(ctx, featureID)
	if err != nil {
		return nil, err
	}
	r := sess.LatestResult()
	if r == nil {
		return nil, fmt.Errorf("session %s has no review results", featureID)
	}
	if metrics == nil {
		if metrics, err = o.loadMetrics(ctx, sess); err != nil {
			return nil, err
		}
	}
	return gate.Evaluate(r.Issues, cfg.QualityGate, cfg.SeverityThreshold, metrics), nil
}

// ResumeMonitoring starts monitors for every unfinished session that has a
// PR. It returns the number of sessions resumed.
func (o *Orchestrator) ResumeMonitoring(ctx context.Context) (int, error) {
	sessions, err := o.store.ListByState(ctx,
		models.StatePRCreated,
		models.StateAwaitingPRFeedback,
		models.StateAddressingFeedback,
		models.StateReadyForHumanReview,
		models.StateApproved,
	)
	if err != nil {
		return 0, err
	}

	var errs []error
	resumed := 0
	for _, sess := range sessions {
		if sess.PRNumber <= 0 {
			continue
		}
		if _, err := o.Retry(ctx, sess.FeatureID); err != nil {
			if sess.State != models.StateApproved || !errors.Is(err, ErrInvalidTransition) {
				errs = append(errs, fmt.Errorf("%s: %w", sess.FeatureID, err))
				continue
			}
			// Approved sessions only need the merge monitor.
			cfg, cerr := o.store.ReadConfig(ctx)
			if cerr != nil {
				errs = append(errs, cerr)
				continue
			}
			if _, err := o.startMonitoring(ctx, sess, cfg); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sess.FeatureID, err))
				continue
			}
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}

func (o *Orchestrator) stopMonitors(featureID, reason string) {
	if o.feedback != nil {
		o.feedback.Stop(featureID, reason)
	}
	if o.merge != nil {
		o.merge.Stop(featureID, reason)
	}
}

// Monitors lists the active feedback and merge monitors.
func (o *Orchestrator) Monitors() []monitor.Status {
	var out []monitor.Status
	if o.feedback != nil {
		out = append(out, o.feedback.Active()...)
	}
	if o.merge != nil {
		out = append(out, o.merge.Active()...)
	}
	return out
}
