package loop

import (
	"context"

	"github.com/joescharf/reviewloop/internal/diff"
	"github.com/joescharf/reviewloop/internal/gate"
	"github.com/joescharf/reviewloop/internal/git"
	"github.com/joescharf/reviewloop/internal/models"
	"github.com/joescharf/reviewloop/internal/monitor"
)

// ReviewRequest is the input to one review pass.
type ReviewRequest struct {
	Feature   models.FeatureMeta
	Iteration int
	Diff      *diff.Analyzed
	Context   []diff.CodeContext
	// PriorIssues are issues the previous refinement did not address.
	PriorIssues []models.ReviewIssue
}

// Reviewer reviews a change set and reports issues.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*models.ReviewResult, error)
}

// FixRequest is the input to one refinement.
type FixRequest struct {
	Feature models.FeatureMeta
	Source  models.RefinementSource
	Issues  []models.ReviewIssue
	Context []diff.CodeContext
}

// FixResult is what the Fixer reports back. IDs the Fixer does not mention
// are left to the AddressedClassifier.
type FixResult struct {
	AddressedIDs   []string `json:"addressedIds"`
	UnaddressedIDs []string `json:"unaddressedIds"`
	Notes          string   `json:"notes"`
}

// Fixer changes the feature's code to address issues.
type Fixer interface {
	Refine(ctx context.Context, req FixRequest) (*FixResult, error)
}

// PRCreator opens pull requests. *git.RealGitHubClient implements it.
type PRCreator interface {
	CreatePR(ctx context.Context, dir string, opts git.CreatePROptions) (*git.CreatedPR, error)
}

// MetricsProvider supplies optional quality metrics for the gate.
type MetricsProvider interface {
	Metrics(ctx context.Context, feature models.FeatureMeta) (*gate.Metrics, error)
}

// PRMonitor is the surface the orchestrator uses from the feedback and
// merge monitors.
type PRMonitor interface {
	Start(ctx context.Context, opts monitor.Options) error
	Stop(featureID, reason string) bool
	StopAll()
	IsMonitoring(featureID string) bool
	Active() []monitor.Status
}
