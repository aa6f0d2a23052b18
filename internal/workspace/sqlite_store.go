package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const mirrorsSchema = `
CREATE TABLE IF NOT EXISTS mirrors (
    project_id     TEXT PRIMARY KEY,
    remote_url     TEXT NOT NULL,
    branch         TEXT NOT NULL DEFAULT '',
    local_root     TEXT NOT NULL,
    last_synced_at TEXT NOT NULL
)`

// SQLiteStore persists mirror records in a SQLite database so sync metadata
// survives restarts.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(mirrorsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetMirror implements Store.GetMirror.
func (s *SQLiteStore) GetMirror(ctx context.Context, projectID string) (Mirror, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, remote_url, branch, local_root, last_synced_at
         FROM mirrors WHERE project_id = ?`, projectID)
	m, err := scanMirror(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mirror{}, false, nil
	}
	if err != nil {
		return Mirror{}, false, fmt.Errorf("get mirror %s: %w", projectID, err)
	}
	return m, true, nil
}

// SetMirror implements Store.SetMirror as an upsert keyed by project ID.
func (s *SQLiteStore) SetMirror(ctx context.Context, m Mirror) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mirrors (project_id, remote_url, branch, local_root, last_synced_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(project_id) DO UPDATE SET
            remote_url = excluded.remote_url,
            branch = excluded.branch,
            local_root = excluded.local_root,
            last_synced_at = excluded.last_synced_at`,
		m.ProjectID,
		m.Remote.URL,
		m.Remote.Branch,
		m.LocalRoot,
		m.LastSyncedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert mirror %s: %w", m.ProjectID, err)
	}
	return nil
}

// ListMirrors implements Store.ListMirrors, ordered by project ID.
func (s *SQLiteStore) ListMirrors(ctx context.Context) ([]Mirror, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, remote_url, branch, local_root, last_synced_at
         FROM mirrors ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list mirrors: %w", err)
	}
	defer rows.Close()

	var out []Mirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mirror: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirrors: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMirror(row scanner) (Mirror, error) {
	var (
		m      Mirror
		synced string
	)
	if err := row.Scan(&m.ProjectID, &m.Remote.URL, &m.Remote.Branch, &m.LocalRoot, &synced); err != nil {
		return Mirror{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, synced)
	if err != nil {
		return Mirror{}, fmt.Errorf("parse last_synced_at %q: %w", synced, err)
	}
	m.LastSyncedAt = t
	return m, nil
}
