// Package statedb is the lanes project registry: a SQLite database under
// the lanes directory recording every session worktree as a project, with
// the last status the watcher saw for it.
package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/lanes/internal/logging"
)

var registryLog = logging.ForComponent(logging.CompRegistry)

// ErrProjectNotFound is returned by GetProject for unknown paths.
var ErrProjectNotFound = errors.New("project not found")

// StateDB wraps a SQLite database for project persistence. It is safe for
// concurrent use; several lanes processes can share the file through WAL
// mode and the busy timeout.
type StateDB struct {
	db *sql.DB
}

// ProjectRow is one registered worktree.
type ProjectRow struct {
	Path      string
	Name      string
	Tags      []string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open creates or opens the database at dbPath. Call Migrate before use.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the
	// first one.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: ping: %w", err)
	}
	return &StateDB{db: db}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying handle, for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// --- Projects ---

// AddProject registers path, or refreshes its name and tags when it is
// already known. The creation time of an existing row is kept.
func (s *StateDB) AddProject(ctx context.Context, name, path string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("statedb: encode tags: %w", err)
	}
	now := time.Now().Unix()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (path, name, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`, path, name, string(tagJSON), now, now)
	if err != nil {
		return fmt.Errorf("statedb: add project %s: %w", path, err)
	}
	registryLog.Debug("project_added", slog.String("name", name), slog.String("path", path))
	return s.Touch()
}

// RemoveProject forgets path. Removing an unknown path is not an error.
func (s *StateDB) RemoveProject(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("statedb: remove project %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		registryLog.Debug("project_removed", slog.String("path", path))
		return s.Touch()
	}
	return nil
}

// GetProject returns the project registered at path.
func (s *StateDB) GetProject(ctx context.Context, path string) (*ProjectRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.path, p.name, p.tags, COALESCE(st.status, ''), p.created_at, p.updated_at
		FROM projects p LEFT JOIN project_status st ON st.path = p.path
		WHERE p.path = ?
	`, path)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, path)
	}
	return p, err
}

// ListProjects returns registered projects ordered by name. A non-empty tag
// keeps only projects carrying it.
func (s *StateDB) ListProjects(ctx context.Context, tag string) ([]*ProjectRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.path, p.name, p.tags, COALESCE(st.status, ''), p.created_at, p.updated_at
		FROM projects p LEFT JOIN project_status st ON st.path = p.path
		WHERE ? = '' OR EXISTS (SELECT 1 FROM json_each(p.tags) WHERE json_each.value = ?)
		ORDER BY p.name, p.path
	`, tag, tag)
	if err != nil {
		return nil, fmt.Errorf("statedb: list projects: %w", err)
	}
	defer rows.Close()

	var result []*ProjectRow
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(sc scanner) (*ProjectRow, error) {
	p := &ProjectRow{}
	var tags string
	var created, updated int64
	if err := sc.Scan(&p.Path, &p.Name, &tags, &p.Status, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("statedb: decode tags of %s: %w", p.Path, err)
	}
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

// --- Status ---

// RecordStatus stores the last status seen for a registered project.
// Statuses of unknown paths are dropped.
func (s *StateDB) RecordStatus(ctx context.Context, path, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_status (path, status, updated_at)
		SELECT path, ?, ? FROM projects WHERE path = ?
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, status, time.Now().Unix(), path)
	if err != nil {
		return fmt.Errorf("statedb: record status for %s: %w", path, err)
	}
	return nil
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Touch records the current time so other processes can notice a change.
func (s *StateDB) Touch() error {
	return s.SetMeta("last_modified", strconv.FormatInt(time.Now().UnixNano(), 10))
}

// LastModified returns the value stored by Touch, 0 when never touched.
func (s *StateDB) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
