// Package audit keeps an append-only log of merge-order guard decisions in
// Postgres. The log exists so that override use is attributable after the
// fact; it is optional and the guard itself never depends on it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"loom/internal/guard"
)

type Log struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the decisions table exists.
func Open(ctx context.Context, databaseURL string) (*Log, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	log := &Log{db: db}
	if err := log.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS guard_decisions (
			id BIGSERIAL PRIMARY KEY,
			branch TEXT NOT NULL,
			allowed BOOLEAN NOT NULL,
			override_used BOOLEAN NOT NULL,
			blocking TEXT NOT NULL DEFAULT '',
			flagged TEXT NOT NULL DEFAULT '',
			decided_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure guard_decisions table: %w", err)
	}
	return nil
}

// Record appends one guard decision for a logical branch.
func (l *Log) Record(ctx context.Context, branch string, d guard.Decision) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO guard_decisions (branch, allowed, override_used, blocking, flagged)
		VALUES ($1, $2, $3, $4, $5)`,
		branch, d.Allow, d.OverrideUsed,
		strings.Join(d.Blocking, ","), strings.Join(d.Flagged, ","),
	)
	if err != nil {
		return fmt.Errorf("record guard decision: %w", err)
	}
	return nil
}

// Recent returns the latest decisions for a branch, newest first.
func (l *Log) Recent(ctx context.Context, branch string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT branch, allowed, override_used, blocking, flagged, decided_at
		FROM guard_decisions
		WHERE branch = $1
		ORDER BY id DESC
		LIMIT $2`, branch, limit)
	if err != nil {
		return nil, fmt.Errorf("query guard decisions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blocking, flagged string
		if err := rows.Scan(&e.Branch, &e.Allowed, &e.OverrideUsed, &blocking, &flagged, &e.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan guard decision: %w", err)
		}
		e.Blocking = splitList(blocking)
		e.Flagged = splitList(flagged)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guard decisions: %w", err)
	}
	return entries, nil
}

// Entry is one recorded guard decision.
type Entry struct {
	Branch       string
	Allowed      bool
	OverrideUsed bool
	Blocking     []string
	Flagged      []string
	DecidedAt    time.Time
}

func (l *Log) Close() error {
	return l.db.Close()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
