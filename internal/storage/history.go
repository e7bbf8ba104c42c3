// Package storage keeps the capture history in a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/KevinKickass/scpishot/internal/acquire"
)

// fixed width so captured_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// History records every saved artifact.
type History struct {
	db *sql.DB
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*History, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return h, nil
}

func (h *History) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS captures (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		file_type TEXT NOT NULL,
		type_tag TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		captured_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_captures_captured_at ON captures(captured_at);
	CREATE INDEX IF NOT EXISTS idx_captures_resource ON captures(resource_id);
	`

	_, err := h.db.Exec(schema)
	return err
}

func (h *History) Close() error {
	return h.db.Close()
}

// Record implements acquire.Recorder.
func (h *History) Record(ctx context.Context, a *acquire.Artifact) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO captures (id, path, size, file_type, type_tag, resource_id, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.Path, a.Size, a.FileType, a.TypeTag, a.ResourceID, a.CapturedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert capture: %w", err)
	}
	return nil
}

// Recent returns up to limit captures, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]*acquire.Artifact, error) {
	return h.query(ctx, `
		SELECT id, path, size, file_type, type_tag, resource_id, captured_at
		FROM captures
		ORDER BY captured_at DESC
		LIMIT ?
	`, normLimit(limit))
}

// ForResource returns up to limit captures of one resource, newest first.
func (h *History) ForResource(ctx context.Context, resourceID string, limit int) ([]*acquire.Artifact, error) {
	return h.query(ctx, `
		SELECT id, path, size, file_type, type_tag, resource_id, captured_at
		FROM captures
		WHERE resource_id = ?
		ORDER BY captured_at DESC
		LIMIT ?
	`, resourceID, normLimit(limit))
}

// Get returns one capture by id.
func (h *History) Get(ctx context.Context, id uuid.UUID) (*acquire.Artifact, error) {
	artifacts, err := h.query(ctx, `
		SELECT id, path, size, file_type, type_tag, resource_id, captured_at
		FROM captures
		WHERE id = ?
	`, id.String())
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("capture not found: %s", id)
	}
	return artifacts[0], nil
}

func (h *History) Count(ctx context.Context) (int, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count captures: %w", err)
	}
	return n, nil
}

func (h *History) query(ctx context.Context, query string, args ...interface{}) ([]*acquire.Artifact, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	var artifacts []*acquire.Artifact
	for rows.Next() {
		var (
			id, capturedAt string
			a              acquire.Artifact
		)
		if err := rows.Scan(&id, &a.Path, &a.Size, &a.FileType, &a.TypeTag, &a.ResourceID, &capturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}

		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid capture id %q: %w", id, err)
		}
		if a.CapturedAt, err = time.Parse(timeLayout, capturedAt); err != nil {
			return nil, fmt.Errorf("invalid capture time %q: %w", capturedAt, err)
		}

		artifacts = append(artifacts, &a)
	}

	return artifacts, rows.Err()
}

func normLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 20
	}
	return limit
}
