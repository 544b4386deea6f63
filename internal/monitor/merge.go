package monitor

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
)

// StatusUpdater records a feature's external status. *store.Journal
// implements it.
type StatusUpdater interface {
	UpdateFeatureStatus(ctx context.Context, featureID, status string) error
}

// MergeConfig controls what happens locally after a PR merges.
type MergeConfig struct {
	Config
	Remote       string
	TargetBranch string
	AutoPull     bool
	AutoCleanup  bool
	MergedStatus string
}

// MergeMonitor polls pull requests until they merge or close. On merge it
// updates the feature status, then optionally syncs the target branch and
// removes the feature's worktree.
type MergeMonitor struct {
	gh     git.GitHubClient
	git    git.Client
	status StatusUpdater
	cfg    MergeConfig
	t      *tracker
}

// NewMergeMonitor returns a merge monitor that reports to pub.
func NewMergeMonitor(gh git.GitHubClient, gc git.Client, status StatusUpdater, pub events.Publisher, cfg MergeConfig, logger *log.Logger) *MergeMonitor {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = "main"
	}
	if cfg.MergedStatus == "" {
		cfg.MergedStatus = "merged"
	}
	return &MergeMonitor{
		gh:     gh,
		git:    gc,
		status: status,
		cfg:    cfg,
		t:      newTracker(events.MonitorMerge, pub, cfg.Config, logger),
	}
}

// Start validates preconditions and begins polling. A PR that has already
// merged is processed immediately; a closed PR is reported and not
// monitored.
func (m *MergeMonitor) Start(ctx context.Context, opts Options) error {
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

	switch st.State {
	case git.PRStateMerged:
		m.t.release(e)
		m.handleMerge(ctx, opts, st, func(ev events.Event) bool {
			m.t.pub.Publish(ev)
			return true
		})
		return nil
	case git.PRStateClosed:
		m.t.release(e)
		m.t.pub.Publish(events.PRClosed{Base: events.NewBase(opts.FeatureID), PRNumber: opts.PRNumber})
		return nil
	}

	m.t.run(e, nil, m.poll)
	return nil
}

func (m *MergeMonitor) poll(ctx context.Context, e *entry) {
	logger := m.t.logger.With("feature", e.opts.FeatureID, "pr", e.opts.PRNumber)
	emit := func(ev events.Event) bool { return e.emit(m.t.pub, ev) }

	for m.t.wait(ctx) {
		st, err := m.gh.PRStatus(ctx, e.opts.RepoPath, e.opts.PRNumber)
		if ctx.Err() != nil {
			return
		}
		e.polled(timeNow())
		if err != nil {
			logger.Warn("poll PR merge state", "error", err)
			emit(events.Error{Base: events.NewBase(e.opts.FeatureID), Stage: m.t.stage(), Message: err.Error()})
			continue
		}

		switch st.State {
		case git.PRStateMerged:
			m.handleMerge(ctx, e.opts, st, emit)
			m.t.stop(e.opts.FeatureID, ReasonMerged, e)
			return
		case git.PRStateClosed:
			emit(events.PRClosed{Base: events.NewBase(e.opts.FeatureID), PRNumber: e.opts.PRNumber})
			m.t.stop(e.opts.FeatureID, ReasonClosed, e)
			return
		}
	}
}

// handleMerge applies the merge side effects. The status update comes
// first; pull and cleanup failures are reported but never undo it.
func (m *MergeMonitor) handleMerge(ctx context.Context, opts Options, st *git.PRStatus, emit func(events.Event) bool) {
	logger := m.t.logger.With("feature", opts.FeatureID, "pr", opts.PRNumber)
	base := events.NewBase(opts.FeatureID)

	if m.status != nil {
		if err := m.status.UpdateFeatureStatus(ctx, opts.FeatureID, m.cfg.MergedStatus); err != nil {
			logger.Error("update feature status", "error", err)
			emit(events.Error{Base: base, Stage: "merge_status", Message: err.Error()})
		}
	}
	url := opts.PRURL
	if url == "" {
		url = st.URL
	}
	if !emit(events.PRMerged{Base: base, PRNumber: opts.PRNumber, PRURL: url, FeatureStatus: m.cfg.MergedStatus}) {
		return
	}
	logger.Info("PR merged", "status", m.cfg.MergedStatus)

	if m.cfg.AutoPull && m.git != nil {
		method, err := m.syncTarget(ctx, opts.RepoPath)
		if err != nil {
			logger.Warn("update target branch", "branch", m.cfg.TargetBranch, "error", err)
			emit(events.PullFailed{Base: base, Branch: m.cfg.TargetBranch, Error: err.Error()})
		} else {
			emit(events.PullCompleted{Base: base, Branch: m.cfg.TargetBranch, Method: method})
		}
	}

	if m.cfg.AutoCleanup && m.git != nil && opts.WorktreePath != "" {
		if err := m.git.WorktreeRemove(ctx, opts.RepoPath, opts.WorktreePath); err != nil {
			logger.Warn("remove worktree", "path", opts.WorktreePath, "error", err)
			emit(events.CleanupFailed{Base: base, Path: opts.WorktreePath, Error: err.Error()})
		} else {
			emit(events.WorktreeCleaned{Base: base, Path: opts.WorktreePath})
		}
	}
}

// syncTarget updates the target branch without switching the checkout:
// it pulls when the target is checked out and fast-forwards the ref
// otherwise.
func (m *MergeMonitor) syncTarget(ctx context.Context, repo string) (string, error) {
	if err := m.git.Fetch(ctx, repo, m.cfg.Remote, m.cfg.TargetBranch); err != nil {
		return "", err
	}
	current, err := m.git.CurrentBranch(ctx, repo)
	if err != nil {
		return "", err
	}
	if current == m.cfg.TargetBranch {
		return "pull", m.git.Pull(ctx, repo, m.cfg.Remote, m.cfg.TargetBranch)
	}
	return "fast-forward", m.git.FastForwardBranch(ctx, repo, m.cfg.Remote, m.cfg.TargetBranch)
}

// Stop stops monitoring a feature. Stopping an unmonitored feature is a
// no-op and reports false.
func (m *MergeMonitor) Stop(featureID, reason string) bool {
	return m.t.stop(featureID, reason, nil)
}

// StopAll stops every monitor and waits for polling to finish.
func (m *MergeMonitor) StopAll() { m.t.stopAll(ReasonShutdown) }

// IsMonitoring reports whether featureID has an active monitor.
func (m *MergeMonitor) IsMonitoring(featureID string) bool { return m.t.isActive(featureID) }

// Active lists the active monitors.
func (m *MergeMonitor) Active() []Status { return m.t.active() }
