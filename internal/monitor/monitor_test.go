package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/git"
	ilog "github.com/joescharf/reviewloop/internal/log"
)

type fakeGH struct {
	mu          sync.Mutex
	unavailable error
	status      map[int]*git.PRStatus
	errs        map[int]error
	calls       int
}

func newFakeGH() *fakeGH {
	return &fakeGH{status: map[int]*git.PRStatus{}, errs: map[int]error{}}
}

func (f *fakeGH) set(n int, st *git.PRStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.status[n] = &cp
}

func (f *fakeGH) setErr(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[n] = err
}

func (f *fakeGH) Available(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unavailable
}

func (f *fakeGH) PRStatus(_ context.Context, _ string, n int) (*git.PRStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[n]; err != nil {
		return nil, err
	}
	st, ok := f.status[n]
	if !ok {
		return nil, errors.New("no such PR")
	}
	cp := *st
	return &cp, nil
}

func (f *fakeGH) CreatePR(context.Context, string, git.CreatePROptions) (*git.CreatedPR, error) {
	return nil, errors.New("not implemented")
}

type fakeGit struct {
	mu        sync.Mutex
	current   string
	pullErr   error
	removeErr error
	calls     []string
}

func (f *fakeGit) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeGit) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGit) RepoRoot(context.Context, string) (string, error) { return "/repo", nil }
func (f *fakeGit) CurrentBranch(context.Context, string) (string, error) {
	f.record("current-branch")
	return f.current, nil
}
func (f *fakeGit) Diff(context.Context, string, string, string) (string, error) { return "", nil }
func (f *fakeGit) Fetch(context.Context, string, string, string) error {
	f.record("fetch")
	return nil
}
func (f *fakeGit) Pull(context.Context, string, string, string) error {
	f.record("pull")
	return f.pullErr
}
func (f *fakeGit) FastForwardBranch(context.Context, string, string, string) error {
	f.record("fast-forward")
	return f.pullErr
}
func (f *fakeGit) WorktreeList(context.Context, string) ([]git.WorktreeInfo, error) { return nil, nil }
func (f *fakeGit) WorktreeRemove(context.Context, string, string) error {
	f.record("worktree-remove")
	return f.removeErr
}

type fakeStatus struct {
	mu     sync.Mutex
	status map[string]string
}

func (f *fakeStatus) UpdateFeatureStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = map[string]string{}
	}
	f.status[id] = status
	return nil
}

func (f *fakeStatus) get(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

func openPR(n int) *git.PRStatus {
	return &git.PRStatus{Number: n, State: git.PRStateOpen, Mergeable: "UNKNOWN"}
}

var fastCfg = Config{PollInterval: 5 * time.Millisecond, MaxConcurrent: 2}

func opts(id string, n int) Options {
	return Options{FeatureID: id, PRNumber: n, RepoPath: "/repo", Branch: "feature/" + id}
}

func hasKind(rec *events.Recorder, k events.Kind) func() bool {
	return func() bool { return len(rec.OfKind(k)) > 0 }
}

func TestFeedbackMonitor_DetectsChanges(t *testing.T) {
	gh := newFakeGH()
	gh.set(1, openPR(1))
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())
	t.Cleanup(m.StopAll)

	require.NoError(t, m.Start(context.Background(), opts("feat", 1)))
	assert.True(t, m.IsMonitoring("feat"))
	assert.Equal(t, []events.Kind{events.KindMonitoringStarted}, rec.Kinds())
	started := rec.OfKind(events.KindMonitoringStarted)[0].(events.MonitoringStarted)
	require.NotNil(t, started.PR)
	assert.Equal(t, string(git.ChecksNone), started.PR.Checks)

	st := openPR(1)
	st.Mergeable = "MERGEABLE"
	st.ReviewDecision = git.ReviewChangesRequested
	st.Comments = []git.Comment{{ID: "c1", Author: "alice", Body: "rename this"}}
	st.Reviews = []git.Review{{ID: "r1", Author: "bob", State: git.ReviewChangesRequested, Body: "needs tests"}}
	st.Checks = []git.Check{{Name: "build", Status: "COMPLETED", Conclusion: "FAILURE"}}
	gh.set(1, st)

	assert.Eventually(t, hasKind(rec, events.KindChangesRequested), time.Second, 5*time.Millisecond)
	assert.Eventually(t, hasKind(rec, events.KindNewComments), time.Second, 5*time.Millisecond)

	comments := rec.OfKind(events.KindNewComments)
	require.Len(t, comments, 1)
	nc := comments[0].(events.NewComments)
	require.Len(t, nc.Comments, 1)
	assert.Equal(t, "alice", nc.Comments[0].Author)

	checks := rec.OfKind(events.KindChecksChanged)
	require.Len(t, checks, 1)
	cc := checks[0].(events.ChecksChanged)
	assert.Equal(t, string(git.ChecksNone), cc.From)
	assert.Equal(t, string(git.ChecksFailing), cc.To)
	assert.True(t, cc.ChangesRequested)
	assert.True(t, cc.Mergeable)
	assert.Equal(t, string(git.ChecksFailing), cc.Checks)

	mc := rec.OfKind(events.KindMergeableChanged)
	require.Len(t, mc, 1)
	assert.True(t, mc[0].(events.MergeableChanged).Snapshot().Mergeable)

	assert.Len(t, rec.OfKind(events.KindNewReviews), 1)
	assert.Len(t, rec.OfKind(events.KindMergeableChanged), 1)

	// Unchanged polls emit nothing new.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.OfKind(events.KindNewComments), 1)
	assert.Len(t, rec.OfKind(events.KindChecksChanged), 1)
}

func TestFeedbackMonitor_Preconditions(t *testing.T) {
	gh := newFakeGH()
	for i := 1; i <= 3; i++ {
		gh.set(i, openPR(i))
	}
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())
	t.Cleanup(m.StopAll)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, opts("a", 1)))
	err := m.Start(ctx, opts("a", 1))
	assert.ErrorIs(t, err, ErrAlreadyMonitoring)

	require.NoError(t, m.Start(ctx, opts("b", 2)))
	err = m.Start(ctx, opts("c", 3))
	assert.ErrorIs(t, err, ErrCapacity)
	assert.False(t, m.IsMonitoring("c"))
	assert.Len(t, m.Active(), 2)

	errs := rec.OfKind(events.KindError)
	require.Len(t, errs, 2)
	assert.Equal(t, "c", errs[1].Feature())
	assert.Equal(t, "feedback_monitor", errs[1].(events.Error).Stage)
}

func TestFeedbackMonitor_HostingUnavailable(t *testing.T) {
	gh := newFakeGH()
	gh.unavailable = errors.New("not logged in")
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())

	err := m.Start(context.Background(), opts("a", 1))
	assert.ErrorIs(t, err, ErrHostingUnavailable)
	assert.Empty(t, m.Active())
	assert.Len(t, rec.OfKind(events.KindError), 1)
}

func TestFeedbackMonitor_InitialFetchErrorAborts(t *testing.T) {
	gh := newFakeGH()
	gh.setErr(1, errors.New("rate limited"))
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())

	err := m.Start(context.Background(), opts("a", 1))
	require.Error(t, err)
	assert.False(t, m.IsMonitoring("a"))
	assert.Len(t, rec.OfKind(events.KindError), 1)
	assert.Empty(t, rec.OfKind(events.KindMonitoringStarted))
}

func TestFeedbackMonitor_TransientErrorKeepsPolling(t *testing.T) {
	gh := newFakeGH()
	gh.set(1, openPR(1))
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())
	t.Cleanup(m.StopAll)

	require.NoError(t, m.Start(context.Background(), opts("a", 1)))
	gh.setErr(1, errors.New("502"))
	assert.Eventually(t, hasKind(rec, events.KindError), time.Second, 5*time.Millisecond)
	assert.True(t, m.IsMonitoring("a"))

	gh.setErr(1, nil)
	st := openPR(1)
	st.Comments = []git.Comment{{ID: "c1", Body: "please fix"}}
	gh.set(1, st)
	assert.Eventually(t, hasKind(rec, events.KindNewComments), time.Second, 5*time.Millisecond)
}

func TestFeedbackMonitor_StopIsIdempotent(t *testing.T) {
	gh := newFakeGH()
	gh.set(1, openPR(1))
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())

	require.NoError(t, m.Start(context.Background(), opts("a", 1)))
	assert.True(t, m.Stop("a", ReasonStopped))
	assert.False(t, m.Stop("a", ReasonStopped))
	m.StopAll()

	stops := rec.OfKind(events.KindMonitoringStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, ReasonStopped, stops[0].(events.MonitoringStopped).Reason)

	// Nothing is emitted after the stop event.
	n := len(rec.Events())
	st := openPR(1)
	st.Comments = []git.Comment{{ID: "late"}}
	gh.set(1, st)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.Events(), n)
}

func TestFeedbackMonitor_TerminalPRNotMonitored(t *testing.T) {
	gh := newFakeGH()
	gh.set(1, &git.PRStatus{Number: 1, State: git.PRStateMerged})
	m := NewFeedbackMonitor(gh, nil, fastCfg, ilog.Discard())

	require.NoError(t, m.Start(context.Background(), opts("a", 1)))
	assert.False(t, m.IsMonitoring("a"))
}

func TestFeedbackMonitor_StopsWhenPRCloses(t *testing.T) {
	gh := newFakeGH()
	gh.set(1, openPR(1))
	rec := &events.Recorder{}
	m := NewFeedbackMonitor(gh, rec, fastCfg, ilog.Discard())
	t.Cleanup(m.StopAll)

	require.NoError(t, m.Start(context.Background(), opts("a", 1)))
	gh.set(1, &git.PRStatus{Number: 1, State: git.PRStateClosed, Mergeable: "UNKNOWN"})
	assert.Eventually(t, func() bool { return !m.IsMonitoring("a") }, time.Second, 5*time.Millisecond)

	stops := rec.OfKind(events.KindMonitoringStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, ReasonClosed, stops[0].(events.MonitoringStopped).Reason)
}

func newMerge(gh *fakeGH, gc *fakeGit, st *fakeStatus, rec *events.Recorder, autoPull, autoCleanup bool) *MergeMonitor {
	return NewMergeMonitor(gh, gc, st, rec, MergeConfig{
		Config:       fastCfg,
		TargetBranch: "main",
		AutoPull:     autoPull,
		AutoCleanup:  autoCleanup,
		MergedStatus: "verified",
	}, ilog.Discard())
}

func TestMergeMonitor_MergeWithoutCleanup(t *testing.T) {
	gh := newFakeGH()
	gh.set(7, openPR(7))
	gc := &fakeGit{current: "feature/a"}
	status := &fakeStatus{}
	rec := &events.Recorder{}
	m := newMerge(gh, gc, status, rec, true, false)
	t.Cleanup(m.StopAll)

	o := opts("a", 7)
	o.WorktreePath = "/repo/.worktrees/a"
	require.NoError(t, m.Start(context.Background(), o))

	gh.set(7, &git.PRStatus{Number: 7, State: git.PRStateMerged, URL: "https://github.com/acme/app/pull/7"})
	assert.Eventually(t, func() bool { return !m.IsMonitoring("a") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "verified", status.get("a"))
	assert.Equal(t, []string{"fetch", "current-branch", "fast-forward"}, gc.Calls())
	assert.NotContains(t, gc.Calls(), "worktree-remove")

	assert.Equal(t, []events.Kind{
		events.KindMonitoringStarted,
		events.KindPRMerged,
		events.KindPullCompleted,
		events.KindMonitoringStopped,
	}, rec.Kinds())
	pull := rec.OfKind(events.KindPullCompleted)[0].(events.PullCompleted)
	assert.Equal(t, "fast-forward", pull.Method)
	assert.Equal(t, ReasonMerged, rec.OfKind(events.KindMonitoringStopped)[0].(events.MonitoringStopped).Reason)
}

func TestMergeMonitor_PullsCheckedOutTargetAndCleansUp(t *testing.T) {
	gh := newFakeGH()
	gh.set(7, &git.PRStatus{Number: 7, State: git.PRStateMerged})
	gc := &fakeGit{current: "main"}
	status := &fakeStatus{}
	rec := &events.Recorder{}
	m := newMerge(gh, gc, status, rec, true, true)

	o := opts("a", 7)
	o.WorktreePath = "/repo/.worktrees/a"
	require.NoError(t, m.Start(context.Background(), o))

	assert.False(t, m.IsMonitoring("a"))
	assert.Equal(t, "verified", status.get("a"))
	assert.Equal(t, []string{"fetch", "current-branch", "pull", "worktree-remove"}, gc.Calls())
	assert.Equal(t, []events.Kind{
		events.KindPRMerged,
		events.KindPullCompleted,
		events.KindWorktreeCleaned,
	}, rec.Kinds())
}

func TestMergeMonitor_SideEffectFailuresKeepStatus(t *testing.T) {
	gh := newFakeGH()
	gh.set(7, &git.PRStatus{Number: 7, State: git.PRStateMerged})
	gc := &fakeGit{current: "main", pullErr: errors.New("diverged"), removeErr: errors.New("dirty worktree")}
	status := &fakeStatus{}
	rec := &events.Recorder{}
	m := newMerge(gh, gc, status, rec, true, true)

	o := opts("a", 7)
	o.WorktreePath = "/repo/.worktrees/a"
	require.NoError(t, m.Start(context.Background(), o))

	assert.Equal(t, "verified", status.get("a"))
	assert.Equal(t, []events.Kind{
		events.KindPRMerged,
		events.KindPullFailed,
		events.KindCleanupFailed,
	}, rec.Kinds())
}

func TestMergeMonitor_Closed(t *testing.T) {
	gh := newFakeGH()
	gh.set(7, openPR(7))
	rec := &events.Recorder{}
	status := &fakeStatus{}
	m := newMerge(gh, &fakeGit{}, status, rec, true, true)
	t.Cleanup(m.StopAll)

	require.NoError(t, m.Start(context.Background(), opts("a", 7)))
	gh.set(7, &git.PRStatus{Number: 7, State: git.PRStateClosed})
	assert.Eventually(t, func() bool { return !m.IsMonitoring("a") }, time.Second, 5*time.Millisecond)

	assert.Len(t, rec.OfKind(events.KindPRClosed), 1)
	assert.Empty(t, rec.OfKind(events.KindPRMerged))
	assert.Empty(t, status.get("a"))
}

func TestMergeMonitor_StopAllWaits(t *testing.T) {
	gh := newFakeGH()
	gh.set(1, openPR(1))
	gh.set(2, openPR(2))
	rec := &events.Recorder{}
	m := newMerge(gh, &fakeGit{}, &fakeStatus{}, rec, false, false)

	require.NoError(t, m.Start(context.Background(), opts("a", 1)))
	require.NoError(t, m.Start(context.Background(), opts("b", 2)))
	m.StopAll()

	assert.Empty(t, m.Active())
	stops := rec.OfKind(events.KindMonitoringStopped)
	require.Len(t, stops, 2)
	for _, s := range stops {
		assert.Equal(t, ReasonShutdown, s.(events.MonitoringStopped).Reason)
	}
}
