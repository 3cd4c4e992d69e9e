package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresSink persists spawn-failure and detach history to Postgres,
// for deployments running more than one pool process against shared
// diagnostics history (SQLiteSink is local-file-only and single-writer).
type PostgresSink struct {
	db *sql.DB
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink opens a pgx-backed *sql.DB against dsn and ensures its
// schema exists. maxConns/minConns <= 0 default to 25/5.
func NewPostgresSink(dsn string, maxConns, minConns int) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres diagnostics database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres diagnostics database: %w", err)
	}

	s := &PostgresSink{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init postgres diagnostics schema: %w", err)
	}
	return s, nil
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS spawn_failures (
		id BIGSERIAL PRIMARY KEY,
		group_name TEXT NOT NULL,
		err_kind TEXT NOT NULL,
		message TEXT NOT NULL,
		stage TEXT DEFAULT '',
		stderr TEXT DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detaches (
		id BIGSERIAL PRIMARY KEY,
		group_name TEXT NOT NULL,
		gupid TEXT NOT NULL,
		reason TEXT DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spawn_failures_group ON spawn_failures(group_name);
	CREATE INDEX IF NOT EXISTS idx_detaches_group ON detaches(group_name);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresSink) RecordSpawnFailure(ctx context.Context, group, errKind, message, stage, stderr string) {
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO spawn_failures (group_name, err_kind, message, stage, stderr, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, group, errKind, message, stage, stderr, time.Now().UTC())
}

func (s *PostgresSink) RecordDetach(ctx context.Context, group, gupid, reason string) {
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO detaches (group_name, gupid, reason, timestamp)
		VALUES ($1, $2, $3, $4)
	`, group, gupid, reason, time.Now().UTC())
}

func (s *PostgresSink) ListSpawnFailures(ctx context.Context, group string, limit int) ([]SpawnFailureRecord, error) {
	query := `SELECT id, group_name, err_kind, message, stage, stderr, timestamp FROM spawn_failures`
	args := []any{}
	placeholder := 1
	if group != "" {
		query += fmt.Sprintf(` WHERE group_name = $%d`, placeholder)
		args = append(args, group)
		placeholder++
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, placeholder)
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

func (s *PostgresSink) ListDetaches(ctx context.Context, group string, limit int) ([]DetachRecord, error) {
	query := `SELECT id, group_name, gupid, reason, timestamp FROM detaches`
	args := []any{}
	placeholder := 1
	if group != "" {
		query += fmt.Sprintf(` WHERE group_name = $%d`, placeholder)
		args = append(args, group)
		placeholder++
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, placeholder)
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

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
