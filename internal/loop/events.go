package loop

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/monitor"
	"github.com/joescharf/reviewloop/internal/store"
)

// monitorKinds are the events the orchestrator reacts to.
var monitorKinds = map[events.Kind]bool{
	events.KindMonitoringStarted: true,
	events.KindNewComments:       true,
	events.KindNewReviews:        true,
	events.KindChecksChanged:     true,
	events.KindMergeableChanged:  true,
	events.KindChangesRequested:  true,
	events.KindPRMerged:          true,
	events.KindPRClosed:          true,
}

// prStateEvent is implemented by feedback monitor events, which carry the
// PR state seen on the poll that produced them.
type prStateEvent interface {
	Snapshot() events.PRSnapshot
}

// Subscribe routes monitor events from bus to HandleEvent. Events are
// handled asynchronously, in order per feature.
func (o *Orchestrator) Subscribe(bus *events.Bus) string {
	return bus.SubscribeAll(o.enqueue)
}

func (o *Orchestrator) enqueue(e events.Event) {
	if !monitorKinds[e.Kind()] {
		return
	}
	id := e.Feature()

	o.qmu.Lock()
	if o.closed {
		o.qmu.Unlock()
		return
	}
	o.queues[id] = append(o.queues[id], e)
	if o.draining[id] {
		o.qmu.Unlock()
		return
	}
	o.draining[id] = true
	o.qmu.Unlock()

	o.dispatch.Go(func() { o.drain(id) })
}

// drain handles queued events for one feature until the queue is empty. A
// panicking handler is logged and the queue moves on.
func (o *Orchestrator) drain(id string) {
	for {
		o.qmu.Lock()
		q := o.queues[id]
		if len(q) == 0 {
			delete(o.queues, id)
			delete(o.draining, id)
			o.qmu.Unlock()
			return
		}
		e := q[0]
		o.queues[id] = q[1:]
		o.qmu.Unlock()

		var err error
		if r := panics.Try(func() { err = o.HandleEvent(context.Background(), e) }); r != nil {
			o.logger.Error("monitor event handler panicked", "feature", id, "kind", e.Kind(), "panic", r.Value, "stack", string(r.Stack))
			o.pub.Publish(events.Error{Base: events.NewBase(id), Stage: StageMonitoring, Message: r.AsError().Error()})
			continue
		}
		if err != nil {
			o.logger.Warn("handle monitor event", "feature", id, "kind", e.Kind(), "error", err)
		}
	}
}

// HandleEvent applies a monitor event to the feature's session.
func (o *Orchestrator) HandleEvent(ctx context.Context, e events.Event) error {
	unlock := o.locks.Lock(e.Feature())
	defer unlock()

	sess, cfg, err := o.load(ctx, e.Feature())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch ev := e.(type) {
	case events.PRMerged:
		return o.onMerged(ctx, sess)
	case events.PRClosed:
		if o.feedback != nil {
			o.feedback.Stop(sess.FeatureID, monitor.ReasonClosed)
		}
		o.log(sess).Warn("PR closed without merging", "pr", ev.PRNumber)
		return nil
	case events.MonitoringStarted:
		if ev.PR == nil {
			return nil
		}
		return o.reevaluateReadiness(ctx, sess, *ev.PR, false)
	case events.ChangesRequested:
		if ev.Requested && feedbackHandledSince(sess, ev.Time()) {
			o.log(sess).Debug("change request already addressed", "pr", ev.PRNumber)
			return nil
		}
	}

	items, approved := feedbackItems(e)
	if len(items) > 0 {
		if sess.State != models.StateAwaitingPRFeedback && sess.State != models.StateReadyForHumanReview {
			o.log(sess).Debug("feedback ignored", "state", sess.State, "items", len(items))
			return nil
		}
		return o.addressFeedback(ctx, sess, cfg, items, e)
	}
	if pe, ok := e.(prStateEvent); ok {
		return o.reevaluateReadiness(ctx, sess, pe.Snapshot(), approved)
	}
	return nil
}

// feedbackHandledSince reports whether a PR feedback refinement ran after
// at. The review bodies behind a change request arrive on the same poll and
// are addressed first.
func feedbackHandledSince(sess *models.Session, at time.Time) bool {
	for i := len(sess.Refinements) - 1; i >= 0; i-- {
		r := sess.Refinements[i]
		if r.Source == models.RefinementSourcePRFeedback {
			return !r.Timestamp.Before(at)
		}
	}
	return false
}

// prReady reports whether the PR can go to a human: checks passing or
// absent, mergeable and no outstanding change request.
func prReady(pr events.PRSnapshot) bool {
	checksOK := pr.Checks == string(git.ChecksPassing) || pr.Checks == string(git.ChecksNone)
	return checksOK && pr.Mergeable && !pr.ChangesRequested
}

// reevaluateReadiness promotes an awaiting session whose PR is ready, then
// records approval when the event or the review decision approves the PR.
func (o *Orchestrator) reevaluateReadiness(ctx context.Context, sess *models.Session, pr events.PRSnapshot, approved bool) error {
	var err error
	if sess.State == models.StateAwaitingPRFeedback && prReady(pr) {
		reason := "checks passing"
		if pr.Checks == string(git.ChecksNone) {
			reason = "mergeable without CI checks"
		}
		if sess, err = o.markReady(ctx, sess, reason, o.move); err != nil {
			return err
		}
	}
	if (approved || pr.Approved) && sess.State == models.StateReadyForHumanReview {
		_, err = o.approve(ctx, sess, "approved on PR")
	}
	return err
}

// addressFeedback runs the Fixer over PR feedback. Without CI there is no
// later check transition to wait for, so readiness is re-checked right away.
func (o *Orchestrator) addressFeedback(ctx context.Context, sess *models.Session, cfg models.LoopConfig, items []models.ReviewIssue, e events.Event) error {
	o.pub.Publish(events.PRFeedbackReceived{
		Base:     events.NewBase(sess.FeatureID),
		PRNumber: sess.PRNumber,
		Items:    items,
	})
	sess, _, err := o.refine(ctx, sess, cfg, items, models.RefinementSourcePRFeedback, models.StateAwaitingPRFeedback)
	if err != nil {
		return err
	}
	if sess, err = o.move(ctx, sess, models.StateAwaitingPRFeedback, "feedback addressed"); err != nil {
		return err
	}
	if pe, ok := e.(prStateEvent); ok && pe.Snapshot().Checks == string(git.ChecksNone) {
		return o.reevaluateReadiness(ctx, sess, pe.Snapshot(), false)
	}
	return nil
}

func (o *Orchestrator) onMerged(ctx context.Context, sess *models.Session) error {
	if sess.State == models.StateMerged {
		return nil
	}
	from := sess.State
	next, err := o.store.CompleteSession(ctx, sess.FeatureID, models.StateMerged)
	if err != nil {
		return err
	}
	o.pub.Publish(events.StateChanged{
		Base:    events.NewBase(next.FeatureID),
		From:    from,
		To:      models.StateMerged,
		Reason:  "PR merged",
		Session: next.Clone(),
	})
	o.log(next).Info("state changed", "from", from, "to", models.StateMerged)
	if o.feedback != nil {
		o.feedback.Stop(sess.FeatureID, monitor.ReasonMerged)
	}
	return nil
}

// Shutdown stops accepting monitor events, waits for in-flight handling
// and stops every monitor.
func (o *Orchestrator) Shutdown() {
	o.qmu.Lock()
	o.closed = true
	o.qmu.Unlock()

	if r := o.dispatch.WaitAndRecover(); r != nil {
		o.logger.Error("event handler panicked", "panic", r.Value, "stack", string(r.Stack))
	}
	if o.feedback != nil {
		o.feedback.StopAll()
	}
	if o.merge != nil {
		o.merge.StopAll()
	}
}
