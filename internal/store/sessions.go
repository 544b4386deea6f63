package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/reviewloop/internal/models"
)

const (
	sessionsDirName = "sessions"
	archiveDirName  = "archive"
	configFileName  = "config.json"
	configLockKey   = "\x00config"
)

var featureIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FileStore implements Store with one JSON file per session under a
// project-local state directory:
//
//	<root>/sessions/<featureId>.json
//	<root>/archive/<featureId>-<completedAt>.json
//	<root>/config.json
type FileStore struct {
	root  string
	locks *KeyedMutex
	now   func() time.Time
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, sessionsDirName), 0755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &FileStore{
		root:  dir,
		locks: NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Root returns the state directory.
func (s *FileStore) Root() string { return s.root }

// SessionsDir returns the directory holding live session files.
func (s *FileStore) SessionsDir() string { return filepath.Join(s.root, sessionsDirName) }

// ValidateFeatureID rejects IDs that cannot be used as a file name.
func ValidateFeatureID(id string) error {
	if !featureIDRe.MatchString(id) {
		return fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return nil
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.root, sessionsDirName, id+".json")
}

// archivePath includes the completion time so a feature that is restarted
// and completed again keeps both records.
func (s *FileStore) archivePath(id string, completedAt time.Time) string {
	return filepath.Join(s.root, archiveDirName, id+"-"+completedAt.UTC().Format("20060102T150405Z")+".json")
}

func (s *FileStore) read(id string) (*models.Session, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *FileStore) write(sess *models.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.FeatureID, err)
	}
	return atomicWriteFile(s.sessionPath(sess.FeatureID), data, 0644)
}

// Create stores a new session. It fails with ErrAlreadyExists if the feature
// already has one.
func (s *FileStore) Create(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if err := ValidateFeatureID(sess.FeatureID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(sess.FeatureID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.sessionPath(sess.FeatureID)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, sess.FeatureID)
	}

	c := sess.Clone()
	now := s.now()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.State == "" {
		c.State = models.StatePendingSelfReview
	}
	if c.Iterations == nil {
		c.Iterations = []models.ReviewResult{}
	}
	c.LastUpdatedAt = now
	if err := s.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get reads a session.
func (s *FileStore) Get(ctx context.Context, featureID string) (*models.Session, error) {
	if err := ValidateFeatureID(featureID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(featureID)
}

// Mutate applies fn to the current session under the feature's lock and
// writes the result. FeatureID and StartedAt cannot be changed by fn. If fn
// returns an error nothing is written.
func (s *FileStore) Mutate(ctx context.Context, featureID string, fn func(*models.Session) error) (*models.Session, error) {
	if err := ValidateFeatureID(featureID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(featureID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := s.read(featureID)
	if err != nil {
		return nil, err
	}
	startedAt := sess.StartedAt
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.FeatureID = featureID
	sess.StartedAt = startedAt
	sess.LastUpdatedAt = s.now()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Update merges p into the stored session.
func (s *FileStore) Update(ctx context.Context, featureID string, p Patch) (*models.Session, error) {
	return s.Mutate(ctx, featureID, func(sess *models.Session) error {
		p.apply(sess)
		if p.State != nil {
			syncCompletedAt(sess, s.now())
		}
		return nil
	})
}

// Delete removes a session file.
func (s *FileStore) Delete(ctx context.Context, featureID string) error {
	if err := ValidateFeatureID(featureID); err != nil {
		return err
	}
	unlock := s.locks.Lock(featureID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.sessionPath(featureID))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, featureID)
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", featureID, err)
	}
	return nil
}

// List returns every live session ordered by start time.
func (s *FileStore) List(ctx context.Context) ([]*models.Session, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*models.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sess, err := s.read(strings.TrimSuffix(name, ".json"))
		if errors.Is(err, ErrNotFound) {
			continue // deleted or archived since ReadDir
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].FeatureID < out[j].FeatureID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// ListByState returns sessions in any of the given states.
func (s *FileStore) ListByState(ctx context.Context, states ...models.State) ([]*models.Session, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[models.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*models.Session
	for _, sess := range all {
		if want[sess.State] {
			out = append(out, sess)
		}
	}
	return out, nil
}

// TransitionState sets the session state. completedAt follows the state:
// set on entering a terminal state, cleared otherwise.
func (s *FileStore) TransitionState(ctx context.Context, featureID string, to models.State) (*models.Session, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("unknown state %q", to)
	}
	return s.Mutate(ctx, featureID, func(sess *models.Session) error {
		sess.State = to
		syncCompletedAt(sess, s.now())
		return nil
	})
}

// AddReviewResult appends r and advances currentIteration. Iterations must
// be strictly increasing.
func (s *FileStore) AddReviewResult(ctx context.Context, featureID string, r models.ReviewResult) (*models.Session, error) {
	return s.Mutate(ctx, featureID, func(sess *models.Session) error {
		if last := sess.LatestResult(); last != nil && r.Iteration <= last.Iteration {
			return fmt.Errorf("review iteration %d does not follow %d", r.Iteration, last.Iteration)
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = s.now()
		}
		sess.Iterations = append(sess.Iterations, r)
		sess.CurrentIteration = r.Iteration
		return nil
	})
}

// LinkPR records the pull request opened for the feature.
func (s *FileStore) LinkPR(ctx context.Context, featureID string, number int, url string) (*models.Session, error) {
	if number <= 0 {
		return nil, fmt.Errorf("invalid PR number %d", number)
	}
	return s.Mutate(ctx, featureID, func(sess *models.Session) error {
		sess.PRNumber = number
		sess.PRURL = url
		return nil
	})
}

// CompleteSession moves the session into a terminal state.
func (s *FileStore) CompleteSession(ctx context.Context, featureID string, final models.State) (*models.Session, error) {
	if !final.IsTerminal() {
		return nil, fmt.Errorf("state %q is not terminal", final)
	}
	return s.TransitionState(ctx, featureID, final)
}

func syncCompletedAt(sess *models.Session, now time.Time) {
	switch {
	case sess.State.IsTerminal() && sess.CompletedAt == nil:
		sess.CompletedAt = &now
	case !sess.State.IsTerminal():
		sess.CompletedAt = nil
	}
}

// ReadConfig returns the project's loop configuration merged over defaults.
func (s *FileStore) ReadConfig(ctx context.Context) (models.LoopConfig, error) {
	cfg := models.DefaultLoopConfig()
	if err := ctx.Err(); err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, configFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return models.DefaultLoopConfig(), fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// WriteConfig validates and stores the project's loop configuration.
func (s *FileStore) WriteConfig(ctx context.Context, cfg models.LoopConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	unlock := s.locks.Lock(configLockKey)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return atomicWriteFile(filepath.Join(s.root, configFileName), data, 0644)
}

// ArchiveCompleted moves sessions completed more than olderThan ago into the
// archive directory and returns their feature IDs.
func (s *FileStore) ArchiveCompleted(ctx context.Context, olderThan time.Duration) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan)

	var archived []string
	for _, sess := range all {
		if sess.CompletedAt == nil || !sess.CompletedAt.Before(cutoff) {
			continue
		}
		ok, err := s.archive(ctx, sess.FeatureID, cutoff)
		if err != nil {
			return archived, err
		}
		if ok {
			archived = append(archived, sess.FeatureID)
		}
	}
	return archived, nil
}

// Archive moves a single completed session into the archive directory,
// regardless of age.
func (s *FileStore) Archive(ctx context.Context, featureID string) error {
	if err := ValidateFeatureID(featureID); err != nil {
		return err
	}
	ok, err := s.archive(ctx, featureID, s.now().Add(time.Hour))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %s is not complete", featureID)
	}
	return nil
}

func (s *FileStore) archive(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	// Re-read under the lock; the session may have changed since List.
	sess, err := s.read(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.CompletedAt == nil || !sess.CompletedAt.Before(cutoff) {
		return false, nil
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode session %s: %w", id, err)
	}
	if err := atomicWriteFile(s.archivePath(id, *sess.CompletedAt), data, 0644); err != nil {
		return false, err
	}
	if err := os.Remove(s.sessionPath(id)); err != nil {
		return false, fmt.Errorf("remove archived session %s: %w", id, err)
	}
	return true, nil
}

// ListArchived returns archived sessions ordered by start time.
func (s *FileStore) ListArchived(ctx context.Context) ([]*models.Session, error) {
	dir := filepath.Join(s.root, archiveDirName)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	var out []*models.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read archived session: %w", err)
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("decode archived session %s: %w", e.Name(), err)
		}
		out = append(out, &sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
