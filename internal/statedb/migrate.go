package statedb

import (
	"fmt"
	"log/slog"
	"strconv"
)

// SchemaVersion is the version Migrate brings a database to.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = []string{
	// 0 -> 1: projects
	`
	CREATE TABLE IF NOT EXISTS projects (
		path       TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS projects_name ON projects(name);
	`,
	// 1 -> 2: last seen status per project
	`
	CREATE TABLE IF NOT EXISTS project_status (
		path       TEXT PRIMARY KEY REFERENCES projects(path) ON DELETE CASCADE,
		status     TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`,
}

// Migrate creates the schema or upgrades it to SchemaVersion. Each step
// runs in its own transaction together with the version bump.
func (s *StateDB) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("statedb: database schema %d is newer than supported %d", version, SchemaVersion)
	}

	for v := version; v < SchemaVersion; v++ {
		if err := s.migrateStep(v); err != nil {
			return err
		}
		registryLog.Info("schema_migrated", slog.Int("from", v), slog.Int("to", v+1))
	}
	return nil
}

func (s *StateDB) migrateStep(from int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrations[from]); err != nil {
		return fmt.Errorf("statedb: migrate %d -> %d: %w", from, from+1, err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(from+1),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}

func (s *StateDB) schemaVersion() (int, error) {
	raw, err := s.GetMeta("schema_version")
	if err != nil {
		return 0, fmt.Errorf("statedb: read schema version: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("statedb: bad schema version %q: %w", raw, err)
	}
	return v, nil
}
