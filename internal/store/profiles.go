package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrProfileNotFound = errors.New("profile state not found")

// ProfileState is the sequence progress of one account against one target,
// keyed by (AccountID, TargetHandle).
type ProfileState struct {
	AccountID       string
	TargetHandle    string
	CurrentStep     string
	StepRepeatCount int
	LastActionKind  string
	LastDelayMs     int64
	LastSuccessAt   time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Store) LookupProfileState(ctx context.Context, accountID, targetHandle string) (ProfileState, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT account_id, target_handle, current_step, step_repeat_count,
		        COALESCE(last_action_kind, ''), last_delay_ms, COALESCE(last_success_at_unix, 0),
		        version, created_at_unix, updated_at_unix
		 FROM profile_states
		 WHERE account_id = ? AND target_handle = ?`,
		strings.TrimSpace(accountID),
		strings.TrimSpace(targetHandle),
	)
	state, err := scanProfileState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProfileState{}, ErrProfileNotFound
		}
		return ProfileState{}, fmt.Errorf("lookup profile state: %w", err)
	}
	return state, nil
}

// SaveProfileState upserts on (account_id, target_handle). Concurrent writers
// for the same pair resolve last-writer-wins on the single row.
func (s *Store) SaveProfileState(ctx context.Context, state ProfileState) error {
	accountID := strings.TrimSpace(state.AccountID)
	targetHandle := strings.TrimSpace(state.TargetHandle)
	if accountID == "" || targetHandle == "" {
		return fmt.Errorf("save profile state: account id and target handle are required")
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO profile_states (
			account_id, target_handle, current_step, step_repeat_count, last_action_kind,
			last_delay_ms, last_success_at_unix, version, created_at_unix, updated_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(account_id, target_handle) DO UPDATE SET
			current_step = excluded.current_step,
			step_repeat_count = excluded.step_repeat_count,
			last_action_kind = excluded.last_action_kind,
			last_delay_ms = excluded.last_delay_ms,
			last_success_at_unix = excluded.last_success_at_unix,
			version = profile_states.version + 1,
			updated_at_unix = excluded.updated_at_unix`,
		accountID,
		targetHandle,
		strings.TrimSpace(state.CurrentStep),
		state.StepRepeatCount,
		nullIfEmpty(state.LastActionKind),
		state.LastDelayMs,
		nullTimeUnix(state.LastSuccessAt),
		updatedAt.UTC().Unix(),
		updatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile state: %w", err)
	}
	return nil
}

func (s *Store) ListProfileStates(ctx context.Context, accountID string, limit int) ([]ProfileState, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT account_id, target_handle, current_step, step_repeat_count,
		        COALESCE(last_action_kind, ''), last_delay_ms, COALESCE(last_success_at_unix, 0),
		        version, created_at_unix, updated_at_unix
		 FROM profile_states
		 WHERE account_id = ?
		 ORDER BY updated_at_unix DESC, target_handle ASC
		 LIMIT ?`,
		strings.TrimSpace(accountID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list profile states: %w", err)
	}
	defer rows.Close()

	results := make([]ProfileState, 0, limit)
	for rows.Next() {
		state, err := scanProfileState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile state: %w", err)
		}
		results = append(results, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile states: %w", err)
	}
	return results, nil
}

func scanProfileState(scanner rowScanner) (ProfileState, error) {
	var state ProfileState
	var lastSuccessUnix int64
	var createdUnix int64
	var updatedUnix int64
	if err := scanner.Scan(
		&state.AccountID,
		&state.TargetHandle,
		&state.CurrentStep,
		&state.StepRepeatCount,
		&state.LastActionKind,
		&state.LastDelayMs,
		&lastSuccessUnix,
		&state.Version,
		&createdUnix,
		&updatedUnix,
	); err != nil {
		return ProfileState{}, err
	}
	state.LastSuccessAt = unixOrZero(lastSuccessUnix)
	state.CreatedAt = unixOrZero(createdUnix)
	state.UpdatedAt = unixOrZero(updatedUnix)
	return state, nil
}
