package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *Store) usageDay(at time.Time) string {
	if at.IsZero() {
		at = s.now()
	}
	return at.In(s.usageLocation).Format("2006-01-02")
}

// GetDailyCount returns today's executed-action count, zero when nothing was recorded.
func (s *Store) GetDailyCount(ctx context.Context, accountID string) (int, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, ErrInvalidAccount
	}
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT action_count FROM usage_counters WHERE account_id = ? AND usage_day = ?`,
		accountID,
		s.usageDay(time.Time{}),
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("lookup daily usage: %w", err)
	}
	return count, nil
}

func (s *Store) IncrementDailyCount(ctx context.Context, accountID string, at time.Time) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidAccount
	}
	return incrementDailyCount(ctx, s.db, accountID, s.usageDay(at), s.now().Unix())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementDailyCount(ctx context.Context, exec execer, accountID, day string, nowUnix int64) error {
	_, err := exec.ExecContext(
		ctx,
		`INSERT INTO usage_counters (account_id, usage_day, action_count, updated_at_unix) VALUES (?, ?, 1, ?)
		 ON CONFLICT(account_id, usage_day) DO UPDATE SET
		   action_count = usage_counters.action_count + 1,
		   updated_at_unix = excluded.updated_at_unix`,
		accountID,
		day,
		nowUnix,
	)
	if err != nil {
		return fmt.Errorf("increment daily usage: %w", err)
	}
	return nil
}
