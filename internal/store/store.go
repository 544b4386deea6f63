package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/reviewloop/internal/models"
)

var (
	// ErrNotFound is returned when no session exists for a feature.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create when a session already exists.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrInvalidID is returned for feature IDs that cannot name a session file.
	ErrInvalidID = errors.New("invalid feature id")
)

// Patch is a partial session update. Nil fields are left unchanged.
type Patch struct {
	State            *models.State
	CurrentIteration *int
	PRNumber         *int
	PRURL            *string
	Title            *string
	Description      *string
	Branch           *string
	BaseBranch       *string
	WorktreePath     *string
	UnresolvedIssues *[]models.ReviewIssue
	LastError        *string
	LastErrorStage   *string
}

// Store defines the session persistence interface for the review loop.
// Mutations of the same feature are serialized; different features proceed
// independently.
type Store interface {
	Create(ctx context.Context, s *models.Session) (*models.Session, error)
	Get(ctx context.Context, featureID string) (*models.Session, error)
	Update(ctx context.Context, featureID string, p Patch) (*models.Session, error)
	Mutate(ctx context.Context, featureID string, fn func(*models.Session) error) (*models.Session, error)
	Delete(ctx context.Context, featureID string) error
	List(ctx context.Context) ([]*models.Session, error)
	ListByState(ctx context.Context, states ...models.State) ([]*models.Session, error)

	TransitionState(ctx context.Context, featureID string, to models.State) (*models.Session, error)
	AddReviewResult(ctx context.Context, featureID string, r models.ReviewResult) (*models.Session, error)
	LinkPR(ctx context.Context, featureID string, number int, url string) (*models.Session, error)
	CompleteSession(ctx context.Context, featureID string, final models.State) (*models.Session, error)

	ReadConfig(ctx context.Context) (models.LoopConfig, error)
	WriteConfig(ctx context.Context, cfg models.LoopConfig) error
	Archive(ctx context.Context, featureID string) error
	ArchiveCompleted(ctx context.Context, olderThan time.Duration) ([]string, error)
}

func (p Patch) apply(s *models.Session) {
	if p.State != nil {
		s.State = *p.State
	}
	if p.CurrentIteration != nil {
		s.CurrentIteration = *p.CurrentIteration
	}
	if p.PRNumber != nil {
		s.PRNumber = *p.PRNumber
	}
	if p.PRURL != nil {
		s.PRURL = *p.PRURL
	}
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Branch != nil {
		s.Branch = *p.Branch
	}
	if p.BaseBranch != nil {
		s.BaseBranch = *p.BaseBranch
	}
	if p.WorktreePath != nil {
		s.WorktreePath = *p.WorktreePath
	}
	if p.UnresolvedIssues != nil {
		s.UnresolvedIssues = *p.UnresolvedIssues
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.LastErrorStage != nil {
		s.LastErrorStage = *p.LastErrorStage
	}
}
