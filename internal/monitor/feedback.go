package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
)

// FeedbackMonitor polls pull requests for new comments, reviews, CI check
// transitions and mergeability changes.
type FeedbackMonitor struct {
	gh git.GitHubClient
	t  *tracker
}

// NewFeedbackMonitor returns a monitor that reports to pub.
func NewFeedbackMonitor(gh git.GitHubClient, pub events.Publisher, cfg Config, logger *log.Logger) *FeedbackMonitor {
	return &FeedbackMonitor{gh: gh, t: newTracker(events.MonitorFeedback, pub, cfg, logger)}
}

// snapshot is the last-known view of a PR.
type snapshot struct {
	comments         map[string]bool
	reviews          map[string]bool
	checks           git.ChecksState
	mergeable        string
	changesRequested bool
}

func newSnapshot(st *git.PRStatus) *snapshot {
	s := &snapshot{
		comments:         make(map[string]bool, len(st.Comments)),
		reviews:          make(map[string]bool, len(st.Reviews)),
		checks:           st.ChecksState(),
		mergeable:        st.Mergeable,
		changesRequested: st.ChangesRequested(),
	}
	for _, c := range st.Comments {
		s.comments[commentKey(c)] = true
	}
	for _, r := range st.Reviews {
		s.reviews[reviewKey(r)] = true
	}
	return s
}

func commentKey(c git.Comment) string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("%s|%s|%s", c.Author, c.CreatedAt.Format("20060102T150405"), c.Body)
}

func reviewKey(r git.Review) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s|%s|%s", r.Author, r.SubmittedAt.Format("20060102T150405"), r.State)
}

// Start validates preconditions, takes an initial snapshot and begins
// polling. A PR that is already merged or closed is not monitored.
func (m *FeedbackMonitor) Start(ctx context.Context, opts Options) error {
	if err := m.gh.Available(ctx); err != nil {
		return m.t.fail(opts.FeatureID, fmt.Errorf("%w: %v", ErrHostingUnavailable, err))
	}
	e, err := m.t.reserve(opts)
	if err != nil {
		return m.t.fail(opts.FeatureID, err)
	}

	st, err := m.gh.PRStatus(ctx, opts.RepoPath, opts.PRNumber)
	if err != nil {
		m.t.release(e)
		return m.t.fail(opts.FeatureID, fmt.Errorf("initial PR #%d status: %w", opts.PRNumber, err))
	}
	if st.State.IsTerminal() {
		m.t.release(e)
		m.t.logger.Info("PR already finished, not monitoring", "feature", opts.FeatureID, "pr", opts.PRNumber, "state", st.State)
		return nil
	}

	snap := newSnapshot(st)
	pr := prSnapshot(st)
	m.t.run(e, &pr, func(ctx context.Context, e *entry) { m.poll(ctx, e, snap) })
	return nil
}

func (m *FeedbackMonitor) poll(ctx context.Context, e *entry, snap *snapshot) {
	logger := m.t.logger.With("feature", e.opts.FeatureID, "pr", e.opts.PRNumber)
	for m.t.wait(ctx) {
		st, err := m.gh.PRStatus(ctx, e.opts.RepoPath, e.opts.PRNumber)
		if ctx.Err() != nil {
			return
		}
		e.polled(timeNow())
		if err != nil {
			logger.Warn("poll PR status", "error", err)
			e.emit(m.t.pub, events.Error{
				Base:    events.NewBase(e.opts.FeatureID),
				Stage:   m.t.stage(),
				Message: err.Error(),
			})
			continue
		}

		for _, ev := range diffSnapshot(e.opts, snap, st) {
			if !e.emit(m.t.pub, ev) {
				return
			}
		}
		if st.State.IsTerminal() {
			m.t.stop(e.opts.FeatureID, strings.ToLower(string(st.State)), e)
			return
		}
	}
}

func prSnapshot(st *git.PRStatus) events.PRSnapshot {
	return events.PRSnapshot{
		Checks:           string(st.ChecksState()),
		Mergeable:        st.IsMergeable(),
		ChangesRequested: st.ChangesRequested(),
		Approved:         st.Approved(),
	}
}

// diffSnapshot compares st with snap, updates snap and returns one event
// per changed category.
func diffSnapshot(opts Options, snap *snapshot, st *git.PRStatus) []events.Event {
	var out []events.Event
	base := events.NewBase(opts.FeatureID)
	pr := prSnapshot(st)

	var comments []events.FeedbackComment
	for _, c := range st.Comments {
		key := commentKey(c)
		if snap.comments[key] {
			continue
		}
		snap.comments[key] = true
		comments = append(comments, events.FeedbackComment{ID: c.ID, Author: c.Author, Body: c.Body})
	}
	if len(comments) > 0 {
		out = append(out, events.NewComments{Base: base, PRSnapshot: pr, PRNumber: opts.PRNumber, Comments: comments})
	}

	var reviews []events.FeedbackComment
	for _, r := range st.Reviews {
		key := reviewKey(r)
		if snap.reviews[key] {
			continue
		}
		snap.reviews[key] = true
		reviews = append(reviews, events.FeedbackComment{ID: r.ID, Author: r.Author, Body: r.Body, State: r.State})
	}
	if len(reviews) > 0 {
		out = append(out, events.NewReviews{Base: base, PRSnapshot: pr, PRNumber: opts.PRNumber, Reviews: reviews})
	}

	if checks := st.ChecksState(); checks != snap.checks {
		out = append(out, events.ChecksChanged{
			Base:       base,
			PRSnapshot: pr,
			PRNumber:   opts.PRNumber,
			From:       string(snap.checks),
			To:         string(checks),
		})
		snap.checks = checks
	}

	if st.Mergeable != snap.mergeable {
		out = append(out, events.MergeableChanged{
			Base:             base,
			PRSnapshot:       pr,
			PRNumber:         opts.PRNumber,
			From:             snap.mergeable,
			To:               st.Mergeable,
			MergeStateStatus: st.MergeStateStatus,
		})
		snap.mergeable = st.Mergeable
	}

	if cr := st.ChangesRequested(); cr != snap.changesRequested {
		out = append(out, events.ChangesRequested{Base: base, PRSnapshot: pr, PRNumber: opts.PRNumber, Requested: cr})
		snap.changesRequested = cr
	}
	return out
}

// Stop stops monitoring a feature. Stopping an unmonitored feature is a
// no-op and reports false.
func (m *FeedbackMonitor) Stop(featureID, reason string) bool {
	return m.t.stop(featureID, reason, nil)
}

// StopAll stops every monitor and waits for polling to finish.
func (m *FeedbackMonitor) StopAll() { m.t.stopAll(ReasonShutdown) }

// IsMonitoring reports whether featureID has an active monitor.
func (m *FeedbackMonitor) IsMonitoring(featureID string) bool { return m.t.isActive(featureID) }

// Active lists the active monitors.
func (m *FeedbackMonitor) Active() []Status { return m.t.active() }
