package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one journaled event.
type Entry struct {
	ID        string          `json:"id"`
	Project   string          `json:"project,omitempty"`
	FeatureID string          `json:"featureId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// FeatureStatus is the externally visible status of a feature, updated when
// its PR merges.
type FeatureStatus struct {
	Project   string    `json:"project,omitempty"`
	FeatureID string    `json:"featureId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Journal is the SQLite-backed event log and feature status ledger. Rows
// are keyed by project path and feature ID, so one database can serve
// several projects.
type Journal struct {
	db      *sql.DB
	project string
}

// NewJournal opens (or creates) the journal database at dbPath.
func NewJournal(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; one connection serializes access from
	// monitor goroutines and API handlers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Journal{db: db}, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string. IDs generated by one process are
// strictly increasing, so they order events.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// NewID returns a fresh ULID for callers outside the store.
func NewID() string { return newULID() }

// ForProject returns a view of the journal scoped to project. The view
// shares the database connection; closing either closes both.
func (j *Journal) ForProject(project string) *Journal {
	return &Journal{db: j.db, project: project}
}

// Project returns the project path the journal is scoped to.
func (j *Journal) Project() string { return j.project }

// Migrate runs all embedded SQL migration files in order.
func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name() < entries[k].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := j.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := j.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records an event. ID and CreatedAt are filled in when empty.
func (j *Journal) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	e.Project = j.project
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, project_path, feature_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Project, e.FeatureID, e.Kind, string(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the project's most recent events for a feature, oldest
// first. An empty featureID lists events for every feature. limit <= 0 means
// no limit.
func (j *Journal) ListEvents(ctx context.Context, featureID string, limit int) ([]*Entry, error) {
	query := `SELECT id, project_path, feature_id, kind, payload, created_at FROM events WHERE project_path = ?`
	args := []any{j.project}
	if featureID != "" {
		query += ` AND feature_id = ?`
		args = append(args, featureID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var payload string
		if err := rows.Scan(&e.ID, &e.Project, &e.FeatureID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	// ULIDs sort by time; reverse the DESC page to chronological order.
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// UpdateFeatureStatus sets the external status of a feature.
func (j *Journal) UpdateFeatureStatus(ctx context.Context, featureID, status string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO feature_status (project_path, feature_id, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_path, feature_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		j.project, featureID, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update feature status: %w", err)
	}
	return nil
}

// GetFeatureStatus returns the recorded status of a feature.
func (j *Journal) GetFeatureStatus(ctx context.Context, featureID string) (*FeatureStatus, error) {
	st := &FeatureStatus{}
	err := j.db.QueryRowContext(ctx,
		`SELECT project_path, feature_id, status, updated_at FROM feature_status WHERE project_path = ? AND feature_id = ?`,
		j.project, featureID,
	).Scan(&st.Project, &st.FeatureID, &st.Status, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: feature status %s", ErrNotFound, featureID)
	}
	if err != nil {
		return nil, fmt.Errorf("get feature status: %w", err)
	}
	return st, nil
}
