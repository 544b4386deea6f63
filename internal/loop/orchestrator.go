// Package loop drives a feature through self-review, refinement, PR
// creation and PR feedback handling.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"

	"github.com/joescharf/reviewloop/internal/diff"
	"github.com/joescharf/reviewloop/internal/events"
	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/git"
	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/monitor"
	"github.com/joescharf/reviewloop/internal/store"
)

var (
	// ErrSessionActive is returned by StartLoop when the feature already has
	// a session that is not finished.
	ErrSessionActive = errors.New("session already active")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDisabled is returned by StartLoop when the project disables the loop.
	ErrDisabled = errors.New("review loop disabled for project")
)

// Stage names carried on error events and sessions.
const (
	StageSelfReview = "self_review"
	StageRefinement = "refinement"
	StagePRCreation = "pr_creation"
	StageMonitoring = "monitoring"
	StagePRFeedback = "pr_feedback"
)

// StageError is a failure in one stage of the loop. The session has been
// returned to its last stable state.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Deps are the collaborators of an Orchestrator. Reviewer, Fixer and Store
// are required; a nil PRCreator leaves PR creation to LinkPR, and nil
// monitors disable PR polling.
type Deps struct {
	Store      store.Store
	Git        git.Client
	Reviewer   Reviewer
	Fixer      Fixer
	PRCreator  PRCreator
	Classifier AddressedClassifier
	Metrics    MetricsProvider
	Feedback   PRMonitor
	Merge      PRMonitor
	Publisher  events.Publisher
	Logger     *log.Logger
}

// Orchestrator is the review loop state machine. Operations on one feature
// are serialized; different features proceed independently.
type Orchestrator struct {
	store      store.Store
	git        git.Client
	reviewer   Reviewer
	fixer      Fixer
	prs        PRCreator
	classifier AddressedClassifier
	metrics    MetricsProvider
	feedback   PRMonitor
	merge      PRMonitor
	pub        events.Publisher
	logger     *log.Logger

	locks *store.KeyedMutex

	qmu      sync.Mutex
	queues   map[string][]events.Event
	draining map[string]bool
	closed   bool
	dispatch conc.WaitGroup
}

// New returns an Orchestrator wired to d.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		store:      d.Store,
		git:        d.Git,
		reviewer:   d.Reviewer,
		fixer:      d.Fixer,
		prs:        d.PRCreator,
		classifier: d.Classifier,
		metrics:    d.Metrics,
		feedback:   d.Feedback,
		merge:      d.Merge,
		pub:        d.Publisher,
		logger:     d.Logger,
		locks:      store.NewKeyedMutex(),
		queues:     make(map[string][]events.Event),
		draining:   make(map[string]bool),
	}
	if o.classifier == nil {
		o.classifier = ExplicitClassifier{}
	}
	if o.pub == nil {
		o.pub = events.Discard
	}
	if o.logger == nil {
		o.logger = ilog.Logger
	}
	return o
}

// StartRequest describes a feature entering the loop.
type StartRequest struct {
	FeatureID    string
	Title        string
	Description  string
	Branch       string
	BaseBranch   string
	ProjectPath  string
	WorktreePath string
}

// StartLoop creates a session for the feature and runs self-review and
// refinement until a PR is created or a stage fails. A finished session for
// the feature is archived first.
func (o *Orchestrator) StartLoop(ctx context.Context, req StartRequest) (*models.Session, error) {
	if err := store.ValidateFeatureID(req.FeatureID); err != nil {
		return nil, err
	}
	cfg, err := o.store.ReadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	unlock := o.locks.Lock(req.FeatureID)
	defer unlock()

	existing, err := o.store.Get(ctx, req.FeatureID)
	switch {
	case err == nil && !existing.State.IsTerminal():
		return existing, fmt.Errorf("%w: %s is %s", ErrSessionActive, req.FeatureID, existing.State)
	case err == nil:
		if err := o.store.Archive(ctx, req.FeatureID); err != nil {
			return nil, fmt.Errorf("archive finished session: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	base := req.BaseBranch
	if base == "" {
		base = cfg.BaseBranch
	}
	sess, err := o.store.Create(ctx, &models.Session{
		FeatureID:    req.FeatureID,
		State:        models.StatePendingSelfReview,
		Title:        req.Title,
		Description:  req.Description,
		Branch:       req.Branch,
		BaseBranch:   base,
		ProjectPath:  req.ProjectPath,
		WorktreePath: req.WorktreePath,
	})
	if err != nil {
		return nil, err
	}
	o.pub.Publish(events.StateChanged{
		Base:    events.NewBase(sess.FeatureID),
		To:      sess.State,
		Reason:  "loop started",
		Session: sess.Clone(),
	})
	o.log(sess).Info("review loop started", "branch", sess.Branch, "base", sess.BaseBranch)

	return o.runCycle(ctx, sess, cfg, nil)
}

// runCycle alternates review and refinement until the review passes or
// the iteration cap forces a PR.
func (o *Orchestrator) runCycle(ctx context.Context, sess *models.Session, cfg models.LoopConfig, prior []models.ReviewIssue) (*models.Session, error) {
	for {
		result, g, next, err := o.selfReview(ctx, sess, cfg, prior)
		if err != nil {
			return next, err
		}
		sess = next

		if !g.ShouldBlockPR {
			sess, err = o.move(ctx, sess, models.StateSelfReviewPassed, g.Summary)
			if err != nil {
				return sess, err
			}
			return o.createPR(ctx, sess, cfg)
		}

		sess, err = o.move(ctx, sess, models.StateSelfReviewFailed, g.Summary)
		if err != nil {
			return sess, err
		}
		if result.Iteration >= cfg.MaxIterations {
			return o.forceAdvance(ctx, sess, cfg, result)
		}

		issues := refinementIssues(result, cfg)
		sess, prior, err = o.refine(ctx, sess, cfg, issues, models.RefinementSourceSelfReview, models.StateSelfReviewFailed)
		if err != nil {
			return sess, err
		}
	}
}

// refinementIssues picks the issues handed to the Fixer after a failed
// review: the blocking ones, or every issue when the gate failed on
// metrics alone.
func refinementIssues(r *models.ReviewResult, cfg models.LoopConfig) []models.ReviewIssue {
	blocking := gate.BlockingIssues(r.Issues, cfg.QualityGate, cfg.SeverityThreshold)
	if len(blocking) == 0 {
		return r.Issues
	}
	return blocking
}

// selfReview runs one review pass and records its result.
func (o *Orchestrator) selfReview(ctx context.Context, sess *models.Session, cfg models.LoopConfig, prior []models.ReviewIssue) (*models.ReviewResult, *gate.Result, *models.Session, error) {
	stable := sess.State
	sess, err := o.move(ctx, sess, models.StateSelfReviewing, "")
	if err != nil {
		return nil, nil, sess, err
	}

	fail := func(err error) (*models.ReviewResult, *gate.Result, *models.Session, error) {
		s, serr := o.stageFailed(ctx, sess, StageSelfReview, stable, err)
		return nil, nil, s, serr
	}

	d, err := o.loadDiff(ctx, sess)
	if err != nil {
		return fail(err)
	}
	iteration := sess.CurrentIteration + 1
	result, err := o.reviewer.Review(ctx, ReviewRequest{
		Feature:     sess.Meta(),
		Iteration:   iteration,
		Diff:        d,
		Context:     diff.ExtractCodeContext(d, diff.ContextOptions{LinesBefore: 3, LinesAfter: 3}),
		PriorIssues: prior,
	})
	if err != nil {
		return fail(err)
	}
	normalizeResult(result, iteration)

	sess, err = o.store.AddReviewResult(ctx, sess.FeatureID, *result)
	if err != nil {
		return fail(err)
	}

	metrics, err := o.loadMetrics(ctx, sess)
	if err != nil {
		return fail(err)
	}
	g := gate.Evaluate(result.Issues, cfg.QualityGate, cfg.SeverityThreshold, metrics)
	o.pub.Publish(events.ReviewCompleted{
		Base:   events.NewBase(sess.FeatureID),
		Result: *result,
		Gate:   g,
		Passed: !g.ShouldBlockPR,
	})
	o.log(sess).Info("review completed",
		"iteration", iteration, "verdict", result.Verdict, "issues", len(result.Issues), "gate", g.Verdict)
	return result, g, sess, nil
}

func normalizeResult(r *models.ReviewResult, iteration int) {
	r.Iteration = iteration
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if !r.Verdict.IsValid() {
		r.Verdict = models.VerdictNeedsWork
		if len(r.Issues) == 0 {
			r.Verdict = models.VerdictPass
		}
	}
	seen := map[string]bool{}
	for i := range r.Issues {
		if r.Issues[i].ID == "" || seen[r.Issues[i].ID] {
			r.Issues[i].ID = store.NewID()
		}
		seen[r.Issues[i].ID] = true
		if !r.Issues[i].Severity.IsValid() {
			r.Issues[i].Severity = models.SeverityMedium
		}
		if !r.Issues[i].Category.IsValid() {
			r.Issues[i].Category = models.CategoryLogic
		}
	}
	if r.Issues == nil {
		r.Issues = []models.ReviewIssue{}
	}
}

func (o *Orchestrator) loadDiff(ctx context.Context, sess *models.Session) (*diff.Analyzed, error) {
	if o.git == nil {
		return diff.Parse(""), nil
	}
	text, err := o.git.Diff(ctx, sess.Meta().WorkDir(), sess.BaseBranch, sess.Branch)
	if err != nil {
		return nil, fmt.Errorf("load diff: %w", err)
	}
	return diff.Parse(text), nil
}

func (o *Orchestrator) loadMetrics(ctx context.Context, sess *models.Session) (*gate.Metrics, error) {
	if o.metrics == nil {
		return nil, nil
	}
	m, err := o.metrics.Metrics(ctx, sess.Meta())
	if err != nil {
		return nil, fmt.Errorf("load metrics: %w", err)
	}
	return m, nil
}

// refine runs the Fixer over issues and records the outcome. It returns the
// issues left unaddressed. On failure the session returns to stable.
func (o *Orchestrator) refine(ctx context.Context, sess *models.Session, cfg models.LoopConfig, issues []models.ReviewIssue, source models.RefinementSource, stable models.State) (*models.Session, []models.ReviewIssue, error) {
	target := models.StateRefining
	if source == models.RefinementSourcePRFeedback || sess.State.HasPR() {
		target = models.StateAddressingFeedback
	}
	sess, err := o.force(ctx, sess, target, string(source))
	if err != nil {
		return sess, nil, err
	}

	iteration := sess.CurrentIteration
	o.pub.Publish(events.RefinementStarted{
		Base:      events.NewBase(sess.FeatureID),
		Iteration: iteration,
		Source:    source,
		Issues:    issues,
	})
	o.log(sess).Info("refinement started", "source", source, "issues", len(issues))

	res := &FixResult{}
	if len(issues) > 0 {
		var ctxs []diff.CodeContext
		if d, err := o.loadDiff(ctx, sess); err == nil {
			ctxs = diff.ExtractCodeContext(d, diff.ContextOptions{LinesBefore: 3, LinesAfter: 3})
		}
		res, err = o.fixer.Refine(ctx, FixRequest{
			Feature: sess.Meta(),
			Source:  source,
			Issues:  issues,
			Context: ctxs,
		})
		if err != nil {
			stage := StageRefinement
			if target == models.StateAddressingFeedback {
				stage = StagePRFeedback
			}
			s, serr := o.stageFailed(ctx, sess, stage, stable, err)
			return s, nil, serr
		}
		if res == nil {
			res = &FixResult{}
		}
	}

	addressed, unaddressed := o.classifier.Classify(issues, res)
	rec := models.RefinementRecord{
		Iteration:      iteration,
		Source:         source,
		IssueIDs:       issueIDs(issues),
		AddressedIDs:   addressed,
		UnaddressedIDs: unaddressed,
		Notes:          res.Notes,
		Timestamp:      time.Now().UTC(),
	}
	sess, err = o.store.Mutate(ctx, sess.FeatureID, func(s *models.Session) error {
		s.Refinements = append(s.Refinements, rec)
		return nil
	})
	if err != nil {
		s, serr := o.stageFailed(ctx, sess, StageRefinement, stable, err)
		return s, nil, serr
	}

	remaining := gate.Remaining(issues, addressed)
	rg := gate.Evaluate(remaining, cfg.QualityGate, cfg.SeverityThreshold, nil)
	o.pub.Publish(events.RefinementCompleted{Base: events.NewBase(sess.FeatureID), Record: rec})
	o.log(sess).Info("refinement completed",
		"addressed", len(addressed), "unaddressed", len(unaddressed), "remaining_blocks", rg.ShouldBlockPR)
	return sess, remaining, nil
}

func issueIDs(issues []models.ReviewIssue) []string {
	ids := make([]string, len(issues))
	for i, is := range issues {
		ids[i] = is.ID
	}
	return ids
}

// forceAdvance moves a session that hit the iteration cap on to PR
// creation, recording the issues still blocking it.
func (o *Orchestrator) forceAdvance(ctx context.Context, sess *models.Session, cfg models.LoopConfig, result *models.ReviewResult) (*models.Session, error) {
	unresolved := gate.BlockingIssues(result.Issues, cfg.QualityGate, cfg.SeverityThreshold)
	if unresolved == nil {
		unresolved = []models.ReviewIssue{}
	}
	sess, err := o.store.Update(ctx, sess.FeatureID, store.Patch{UnresolvedIssues: &unresolved})
	if err != nil {
		return sess, err
	}
	o.log(sess).Warn("iteration cap reached, advancing to PR", "max", cfg.MaxIterations, "unresolved", len(unresolved))
	return o.createPR(ctx, sess, cfg)
}

// createPR opens and links a PR when configured to, then enters
// pr_created. Without a PR creator the session waits for LinkPR.
func (o *Orchestrator) createPR(ctx context.Context, sess *models.Session, cfg models.LoopConfig) (*models.Session, error) {
	if sess.PRNumber > 0 {
		return o.enterPRCreated(ctx, sess, cfg, "PR already linked")
	}
	if !cfg.AutoCreatePR || o.prs == nil {
		o.log(sess).Info("waiting for a PR to be linked")
		return sess, nil
	}

	pr, err := o.prs.CreatePR(ctx, sess.Meta().WorkDir(), git.CreatePROptions{
		Title: prTitle(sess),
		Body:  prBody(sess),
		Head:  sess.Branch,
		Base:  sess.BaseBranch,
		Draft: cfg.DraftPR,
	})
	if err != nil {
		return o.stageFailed(ctx, sess, StagePRCreation, sess.State, err)
	}
	sess, err = o.store.LinkPR(ctx, sess.FeatureID, pr.Number, pr.URL)
	if err != nil {
		return o.stageFailed(ctx, sess, StagePRCreation, sess.State, err)
	}
	return o.enterPRCreated(ctx, sess, cfg, "PR opened")
}

// enterPRCreated records pr_created and starts monitoring.
func (o *Orchestrator) enterPRCreated(ctx context.Context, sess *models.Session, cfg models.LoopConfig, reason string) (*models.Session, error) {
	sess, err := o.force(ctx, sess, models.StatePRCreated, reason)
	if err != nil {
		return sess, err
	}
	return o.startMonitoring(ctx, sess, cfg)
}

// startMonitoring starts both monitors for the session's PR and moves a
// pr_created session on to awaiting_pr_feedback.
func (o *Orchestrator) startMonitoring(ctx context.Context, sess *models.Session, cfg models.LoopConfig) (*models.Session, error) {
	opts := monitor.Options{
		FeatureID:    sess.FeatureID,
		PRNumber:     sess.PRNumber,
		PRURL:        sess.PRURL,
		Branch:       sess.Branch,
		RepoPath:     sess.ProjectPath,
		WorktreePath: sess.WorktreePath,
	}
	if opts.RepoPath == "" {
		opts.RepoPath = sess.WorktreePath
	}

	var errs []error
	if o.merge != nil {
		if err := o.merge.Start(ctx, opts); err != nil && !errors.Is(err, monitor.ErrAlreadyMonitoring) {
			errs = append(errs, err)
		}
	}
	if o.feedback != nil && sess.State != models.StateApproved {
		if err := o.feedback.Start(ctx, opts); err != nil && !errors.Is(err, monitor.ErrAlreadyMonitoring) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		// The monitors already published their error events.
		msg, stage := err.Error(), StageMonitoring
		s, uerr := o.store.Update(ctx, sess.FeatureID, store.Patch{LastError: &msg, LastErrorStage: &stage})
		if uerr == nil {
			sess = s
		}
		o.log(sess).Error("start monitoring", "error", err)
		return sess, &StageError{Stage: StageMonitoring, Err: err}
	}

	if sess.State == models.StatePRCreated {
		return o.move(ctx, sess, models.StateAwaitingPRFeedback, "monitoring PR")
	}
	return sess, nil
}

// move applies a transition allowed by the state graph.
func (o *Orchestrator) move(ctx context.Context, sess *models.Session, to models.State, reason string) (*models.Session, error) {
	if sess.State != to && !models.CanTransition(sess.State, to) {
		return sess, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, to)
	}
	return o.force(ctx, sess, to, reason)
}

// force sets the state without consulting the graph, clears any recorded
// stage error and publishes the change.
func (o *Orchestrator) force(ctx context.Context, sess *models.Session, to models.State, reason string) (*models.Session, error) {
	from := sess.State
	empty := ""
	next, err := o.store.Update(ctx, sess.FeatureID, store.Patch{State: &to, LastError: &empty, LastErrorStage: &empty})
	if err != nil {
		return sess, err
	}
	if from != to {
		o.pub.Publish(events.StateChanged{
			Base:    events.NewBase(next.FeatureID),
			From:    from,
			To:      to,
			Reason:  reason,
			Session: next.Clone(),
		})
		o.log(next).Info("state changed", "from", from, "to", to)
	}
	return next, nil
}

// stageFailed records a stage error, restores the last stable state and
// publishes an error event. It never retries.
func (o *Orchestrator) stageFailed(ctx context.Context, sess *models.Session, stage string, stable models.State, cause error) (*models.Session, error) {
	serr := &StageError{Stage: stage, Err: cause}
	msg := cause.Error()
	from := sess.State

	next, err := o.store.Update(ctx, sess.FeatureID, store.Patch{State: &stable, LastError: &msg, LastErrorStage: &stage})
	if err != nil {
		o.log(sess).Error("record stage failure", "stage", stage, "error", err)
		next = sess
	} else if from != stable {
		o.pub.Publish(events.StateChanged{
			Base:    events.NewBase(next.FeatureID),
			From:    from,
			To:      stable,
			Reason:  stage + " failed",
			Session: next.Clone(),
		})
	}
	o.pub.Publish(events.Error{Base: events.NewBase(sess.FeatureID), Stage: stage, Message: msg})
	o.log(sess).Error("stage failed", "stage", stage, "error", cause)
	return next, serr
}

func (o *Orchestrator) log(sess *models.Session) *log.Logger {
	return o.logger.With("feature", sess.FeatureID)
}

// Get returns the session for a feature.
func (o *Orchestrator) Get(ctx context.Context, featureID string) (*models.Session, error) {
	return o.store.Get(ctx, featureID)
}
