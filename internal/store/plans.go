package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const defaultPlanTier = "free"

var ErrInvalidAccount = errors.New("account id is required")

// GetPlan returns the stored tier for an account, or the lowest tier when the
// account has no plan on record.
func (s *Store) GetPlan(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", ErrInvalidAccount
	}
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM account_plans WHERE account_id = ?`, accountID).Scan(&tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return defaultPlanTier, nil
		}
		return "", fmt.Errorf("lookup account plan: %w", err)
	}
	return tier, nil
}

func (s *Store) SetPlan(ctx context.Context, accountID, tier string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidAccount
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if tier == "" {
		tier = defaultPlanTier
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO account_plans (account_id, tier, updated_at_unix) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET tier = excluded.tier, updated_at_unix = excluded.updated_at_unix`,
		accountID,
		tier,
		s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert account plan: %w", err)
	}
	return nil
}
