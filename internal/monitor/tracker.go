// Package monitor polls pull requests for feedback and merge state and
// reports changes as events. Monitors never write sessions; the loop
// orchestrator consumes their events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"

	"github.com/joescharf/reviewloop/internal/events"
)

var (
	// ErrHostingUnavailable is returned when the gh CLI cannot be used.
	ErrHostingUnavailable = errors.New("hosting CLI unavailable")
	// ErrAlreadyMonitoring is returned when the feature already has a monitor.
	ErrAlreadyMonitoring = errors.New("already monitoring")
	// ErrCapacity is returned when the concurrent monitor cap is reached.
	ErrCapacity = errors.New("monitor capacity reached")
)

// Stop reasons reported in MonitoringStopped events.
const (
	ReasonMerged   = "merged"
	ReasonClosed   = "closed"
	ReasonStopped  = "stopped"
	ReasonShutdown = "shutdown"
)

// Options identifies the pull request to monitor.
type Options struct {
	FeatureID    string
	PRNumber     int
	PRURL        string
	Branch       string
	RepoPath     string
	WorktreePath string
}

// Config holds the settings shared by both monitors.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
}

// Status describes one active monitor.
type Status struct {
	Monitor      events.Monitor `json:"monitor"`
	FeatureID    string         `json:"featureId"`
	PRNumber     int            `json:"prNumber"`
	PRURL        string         `json:"prUrl,omitempty"`
	Branch       string         `json:"branch,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	LastPolledAt time.Time      `json:"lastPolledAt,omitzero"`
}

var timeNow = func() time.Time { return time.Now().UTC() }

type entry struct {
	opts      Options
	startedAt time.Time
	cancel    context.CancelFunc

	// emitMu orders emissions against stop: once stopped is set, the entry
	// emits nothing.
	emitMu  sync.Mutex
	stopped bool

	polledMu   sync.Mutex
	lastPolled time.Time
}

func (e *entry) emit(pub events.Publisher, ev events.Event) bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.stopped {
		return false
	}
	pub.Publish(ev)
	return true
}

func (e *entry) polled(t time.Time) {
	e.polledMu.Lock()
	e.lastPolled = t
	e.polledMu.Unlock()
}

// tracker owns the active-monitor map and polling goroutines for one
// monitor kind.
type tracker struct {
	kind   events.Monitor
	pub    events.Publisher
	logger *log.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[string]*entry
	wg      conc.WaitGroup
}

func newTracker(kind events.Monitor, pub events.Publisher, cfg Config, logger *log.Logger) *tracker {
	if pub == nil {
		pub = events.Discard
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &tracker{
		kind:    kind,
		pub:     pub,
		logger:  logger.With("monitor", string(kind)),
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

func (t *tracker) stage() string {
	return string(t.kind) + "_monitor"
}

// fail publishes a precondition or start failure and returns err.
func (t *tracker) fail(featureID string, err error) error {
	t.logger.Warn("start monitoring failed", "feature", featureID, "error", err)
	t.pub.Publish(events.Error{Base: events.NewBase(featureID), Stage: t.stage(), Message: err.Error()})
	return err
}

// reserve claims a slot for opts. The entry is in the map but not polling
// until run is called; release drops it without a stop event.
func (t *tracker) reserve(opts Options) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[opts.FeatureID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMonitoring, opts.FeatureID)
	}
	if len(t.entries) >= t.cfg.MaxConcurrent {
		return nil, fmt.Errorf("%w (%d active)", ErrCapacity, len(t.entries))
	}
	e := &entry{opts: opts, startedAt: timeNow()}
	t.entries[opts.FeatureID] = e
	return e, nil
}

func (t *tracker) release(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[e.opts.FeatureID] == e {
		delete(t.entries, e.opts.FeatureID)
	}
}

// run starts the polling goroutine for a reserved entry and announces it
// with the initial PR state, if any.
func (t *tracker) run(e *entry, pr *events.PRSnapshot, poll func(ctx context.Context, e *entry)) {
	ctx, cancel := context.WithCancel(context.Background())
	e.emitMu.Lock()
	if e.stopped {
		e.emitMu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	t.pub.Publish(events.MonitoringStarted{
		Base:     events.NewBase(e.opts.FeatureID),
		Monitor:  t.kind,
		PRNumber: e.opts.PRNumber,
		PR:       pr,
	})
	e.emitMu.Unlock()
	t.logger.Info("monitoring started", "feature", e.opts.FeatureID, "pr", e.opts.PRNumber)
	t.wg.Go(func() { poll(ctx, e) })
}

// wait sleeps one poll interval. It returns false when ctx is cancelled.
func (t *tracker) wait(ctx context.Context) bool {
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}

// stop cancels the monitor for featureID. When only is non-nil the monitor
// is stopped only if it is still that entry. It reports whether a monitor
// was stopped.
func (t *tracker) stop(featureID, reason string, only *entry) bool {
	t.mu.Lock()
	e, ok := t.entries[featureID]
	if !ok || (only != nil && e != only) {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, featureID)
	t.mu.Unlock()

	e.emitMu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.emitMu.Unlock()
	if cancel != nil {
		cancel()
	}

	t.pub.Publish(events.MonitoringStopped{
		Base:     events.NewBase(featureID),
		Monitor:  t.kind,
		PRNumber: e.opts.PRNumber,
		Reason:   reason,
	})
	t.logger.Info("monitoring stopped", "feature", featureID, "reason", reason)
	return true
}

// stopAll stops every monitor and waits for the polling goroutines to exit.
func (t *tracker) stopAll(reason string) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.stop(id, reason, nil)
	}
	if r := t.wg.WaitAndRecover(); r != nil {
		t.logger.Error("monitor goroutine panicked", "panic", r.Value, "stack", string(r.Stack))
	}
}

func (t *tracker) isActive(featureID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[featureID]
	return ok
}

func (t *tracker) active() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Status, 0, len(t.entries))
	for _, e := range t.entries {
		e.polledMu.Lock()
		polled := e.lastPolled
		e.polledMu.Unlock()
		out = append(out, Status{
			Monitor:      t.kind,
			FeatureID:    e.opts.FeatureID,
			PRNumber:     e.opts.PRNumber,
			PRURL:        e.opts.PRURL,
			Branch:       e.opts.Branch,
			StartedAt:    e.startedAt,
			LastPolledAt: polled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}
