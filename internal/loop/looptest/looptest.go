// Package looptest provides in-memory collaborators for driving a
// loop.Orchestrator in tests of the packages built on top of it.
package looptest

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/reviewloop/internal/git"
	ilog "github.com/joescharf/reviewloop/internal/log"
	"github.com/joescharf/reviewloop/internal/loop"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/store"
)

// Diff is the change set Git reports for every feature.
const Diff = `diff --git a/auth.go b/auth.go
--- a/auth.go
+++ b/auth.go
@@ -1,2 +1,3 @@
 package auth
+var token = "secret"
 func Login() {}
`

// Git is a git.Client that reports Diff and succeeds at everything else.
type Git struct{}

func (Git) RepoRoot(context.Context, string) (string, error)                 { return "/repo", nil }
func (Git) CurrentBranch(context.Context, string) (string, error)            { return "feature", nil }
func (Git) Diff(context.Context, string, string, string) (string, error)     { return Diff, nil }
func (Git) Fetch(context.Context, string, string, string) error              { return nil }
func (Git) Pull(context.Context, string, string, string) error               { return nil }
func (Git) FastForwardBranch(context.Context, string, string, string) error  { return nil }
func (Git) WorktreeList(context.Context, string) ([]git.WorktreeInfo, error) { return nil, nil }
func (Git) WorktreeRemove(context.Context, string, string) error             { return nil }

// Reviewer returns Result, or Err when set.
type Reviewer struct {
	mu     sync.Mutex
	Result models.ReviewResult
	Err    error
	Calls  int
}

func (r *Reviewer) Review(context.Context, loop.ReviewRequest) (*models.ReviewResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if r.Err != nil {
		return nil, r.Err
	}
	res := r.Result
	res.Issues = append([]models.ReviewIssue(nil), r.Result.Issues...)
	return &res, nil
}

// SetErr changes the error returned by later reviews.
func (r *Reviewer) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

// Fixer addresses every issue it is given.
type Fixer struct{}

func (Fixer) Refine(_ context.Context, req loop.FixRequest) (*loop.FixResult, error) {
	res := &loop.FixResult{Notes: "fixed", UnaddressedIDs: []string{}}
	for _, is := range req.Issues {
		res.AddressedIDs = append(res.AddressedIDs, is.ID)
	}
	return res, nil
}

// PRs opens pull requests numbered from 100.
type PRs struct {
	mu   sync.Mutex
	next int
}

func (p *PRs) CreatePR(context.Context, string, git.CreatePROptions) (*git.CreatedPR, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	n := 99 + p.next
	return &git.CreatedPR{Number: n, URL: "https://github.com/acme/app/pull/" + strconv.Itoa(n)}, nil
}

// Harness is an orchestrator over a temporary FileStore.
type Harness struct {
	Store    *store.FileStore
	Reviewer *Reviewer
	Loop     *loop.Orchestrator
}

// New builds a Harness whose reviewer passes every review. configure may
// adjust the stored loop configuration.
func New(t *testing.T, configure func(*models.LoopConfig)) *Harness {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := models.DefaultLoopConfig()
	if configure != nil {
		configure(&cfg)
	}
	require.NoError(t, fs.WriteConfig(context.Background(), cfg))

	h := &Harness{
		Store:    fs,
		Reviewer: &Reviewer{Result: models.ReviewResult{Verdict: models.VerdictPass, Summary: "clean"}},
	}
	h.Loop = loop.New(loop.Deps{
		Store:     fs,
		Git:       Git{},
		Reviewer:  h.Reviewer,
		Fixer:     Fixer{},
		PRCreator: &PRs{},
		Logger:    ilog.Discard(),
	})
	return h
}

// Start runs a feature through the loop and requires it to succeed.
func (h *Harness) Start(t *testing.T, featureID string) *models.Session {
	t.Helper()
	sess, err := h.Loop.StartLoop(context.Background(), loop.StartRequest{
		FeatureID:   featureID,
		Title:       "Add " + featureID,
		Branch:      "feature/" + featureID,
		ProjectPath: "/repo",
	})
	require.NoError(t, err)
	return sess
}
