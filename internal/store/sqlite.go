package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db            *sql.DB
	usageLocation *time.Location
	now           func() time.Time
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{
		db:            db,
		usageLocation: time.UTC,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetUsageLocation sets the timezone whose calendar day bounds usage counters.
// It should match the quota reset timezone.
func (s *Store) SetUsageLocation(location *time.Location) {
	if location == nil {
		location = time.UTC
	}
	s.usageLocation = location
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS account_plans (
			account_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usage_counters (
			account_id TEXT NOT NULL,
			usage_day TEXT NOT NULL,
			action_count INTEGER NOT NULL DEFAULT 0,
			updated_at_unix INTEGER NOT NULL,
			PRIMARY KEY(account_id, usage_day)
		);`,
		`CREATE TABLE IF NOT EXISTS profile_states (
			account_id TEXT NOT NULL,
			target_handle TEXT NOT NULL,
			current_step TEXT NOT NULL,
			step_repeat_count INTEGER NOT NULL DEFAULT 0,
			last_action_kind TEXT,
			last_delay_ms INTEGER NOT NULL DEFAULT 0,
			last_success_at_unix INTEGER,
			version INTEGER NOT NULL DEFAULT 1,
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL,
			PRIMARY KEY(account_id, target_handle)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			target_handle TEXT,
			action_kind TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			execute_after_unix_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT,
			claimed_at_unix INTEGER,
			finished_at_unix INTEGER,
			last_error TEXT,
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(status, execute_after_unix_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_account_due ON scheduled_tasks(account_id, status, execute_after_unix_ms);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			target_handle TEXT,
			allowed INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			delay_ms INTEGER NOT NULL DEFAULT 0,
			risk_level TEXT,
			category TEXT,
			task_id TEXT,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_account ON audit_events(account_id, created_at_unix);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullTimeUnix(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC().Unix()
}

func unixOrZero(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}
