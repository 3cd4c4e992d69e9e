package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink persists spawn-failure and detach history to a local SQLite
// file, surviving process restarts (unlike MemorySink).
type SQLiteSink struct {
	db *sql.DB
}

var _ Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens (creating if needed) the SQLite database at dbPath
// and ensures its schema exists.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open diagnostics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init diagnostics schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spawn_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_name TEXT NOT NULL,
		err_kind TEXT NOT NULL,
		message TEXT NOT NULL,
		stage TEXT DEFAULT '',
		stderr TEXT DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detaches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_name TEXT NOT NULL,
		gupid TEXT NOT NULL,
		reason TEXT DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spawn_failures_group ON spawn_failures(group_name);
	CREATE INDEX IF NOT EXISTS idx_detaches_group ON detaches(group_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) RecordSpawnFailure(ctx context.Context, group, errKind, message, stage, stderr string) {
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO spawn_failures (group_name, err_kind, message, stage, stderr, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, group, errKind, message, stage, stderr, time.Now().UTC())
}

func (s *SQLiteSink) RecordDetach(ctx context.Context, group, gupid, reason string) {
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO detaches (group_name, gupid, reason, timestamp)
		VALUES (?, ?, ?, ?)
	`, group, gupid, reason, time.Now().UTC())
}

func (s *SQLiteSink) ListSpawnFailures(ctx context.Context, group string, limit int) ([]SpawnFailureRecord, error) {
	query := `SELECT id, group_name, err_kind, message, stage, stderr, timestamp FROM spawn_failures`
	args := []any{}
	if group != "" {
		query += ` WHERE group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpawnFailureRecord
	for rows.Next() {
		var r SpawnFailureRecord
		if err := rows.Scan(&r.ID, &r.Group, &r.ErrKind, &r.Message, &r.Stage, &r.Stderr, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) ListDetaches(ctx context.Context, group string, limit int) ([]DetachRecord, error) {
	query := `SELECT id, group_name, gupid, reason, timestamp FROM detaches`
	args := []any{}
	if group != "" {
		query += ` WHERE group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DetachRecord
	for rows.Next() {
		var r DetachRecord
		if err := rows.Scan(&r.ID, &r.Group, &r.GUPID, &r.Reason, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
