package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound   = errors.New("scheduled task not found")
	ErrTaskNotClaimed = errors.New("scheduled task not claimed")
	ErrTaskNotPending = errors.New("scheduled task not pending")
)

const (
	TaskStatusPending   = "pending"
	TaskStatusClaimed   = "claimed"
	TaskStatusDone      = "done"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

type ScheduledTask struct {
	ID           string
	AccountID    string
	TargetHandle string
	ActionKind   string
	PayloadJSON  string
	ExecuteAfter time.Time
	Status       string
	Retries      int
	ClaimToken   string
	ClaimedAt    time.Time
	FinishedAt   time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateScheduledTaskInput struct {
	ID           string
	AccountID    string
	TargetHandle string
	ActionKind   string
	PayloadJSON  string
	ExecuteAfter time.Time
}

type ListScheduledTasksInput struct {
	AccountID string
	Status    string
	Limit     int
}

// TaskRef names a claimed task together with the account and action kind it
// was scheduled for. Transitions only apply when all three match.
type TaskRef struct {
	ID         string
	AccountID  string
	ActionKind string
}

type FailScheduledTaskInput struct {
	TaskRef
	Message string
	// RetryAt returns the task to pending at that time. Zero marks it failed.
	RetryAt time.Time
}

const scheduledTaskColumns = `id, account_id, COALESCE(target_handle, ''), action_kind, payload_json,
	execute_after_unix_ms, status, retries, COALESCE(claim_token, ''), COALESCE(claimed_at_unix, 0),
	COALESCE(finished_at_unix, 0), COALESCE(last_error, ''), created_at_unix, updated_at_unix`

func (s *Store) CreateScheduledTask(ctx context.Context, input CreateScheduledTaskInput) (ScheduledTask, error) {
	now := s.now()
	record := ScheduledTask{
		ID:           strings.TrimSpace(input.ID),
		AccountID:    strings.TrimSpace(input.AccountID),
		TargetHandle: strings.TrimSpace(input.TargetHandle),
		ActionKind:   strings.TrimSpace(input.ActionKind),
		PayloadJSON:  strings.TrimSpace(input.PayloadJSON),
		ExecuteAfter: input.ExecuteAfter.UTC().Truncate(time.Millisecond),
		Status:       TaskStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if record.ID == "" {
		record.ID = "task-" + uuid.NewString()
	}
	if record.PayloadJSON == "" {
		record.PayloadJSON = "{}"
	}
	if record.AccountID == "" || record.ActionKind == "" || input.ExecuteAfter.IsZero() {
		return ScheduledTask{}, fmt.Errorf("missing required scheduled task fields")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scheduled_tasks (
			id, account_id, target_handle, action_kind, payload_json,
			execute_after_unix_ms, status, retries, created_at_unix, updated_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		record.ID,
		record.AccountID,
		nullIfEmpty(record.TargetHandle),
		record.ActionKind,
		record.PayloadJSON,
		record.ExecuteAfter.UnixMilli(),
		record.Status,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("insert scheduled task: %w", err)
	}
	return record, nil
}

func (s *Store) LookupScheduledTask(ctx context.Context, id string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?`, strings.TrimSpace(id))
	record, err := scanScheduledTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScheduledTask{}, ErrTaskNotFound
		}
		return ScheduledTask{}, fmt.Errorf("lookup scheduled task: %w", err)
	}
	return record, nil
}

// ListDueScheduledTasks returns pending tasks whose execute-after has passed,
// oldest first, capped at limit.
func (s *Store) ListDueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	limit = clampLimit(limit, 50, 500)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+scheduledTaskColumns+`
		 FROM scheduled_tasks
		 WHERE status = 'pending' AND execute_after_unix_ms <= ?
		 ORDER BY execute_after_unix_ms ASC, id ASC
		 LIMIT ?`,
		now.UTC().UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled tasks: %w", err)
	}
	return collectScheduledTasks(rows, limit)
}

// ClaimDueScheduledTasks moves up to maxTasks due tasks of one account from
// pending to claimed. Each row is taken with a compare-and-set on its status,
// so a task is handed to exactly one concurrent caller.
func (s *Store) ClaimDueScheduledTasks(ctx context.Context, accountID string, now time.Time, maxTasks int) ([]ScheduledTask, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ErrInvalidAccount
	}
	maxTasks = clampLimit(maxTasks, 10, 100)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id
		 FROM scheduled_tasks
		 WHERE account_id = ? AND status = 'pending' AND execute_after_unix_ms <= ?
		 ORDER BY execute_after_unix_ms ASC, id ASC
		 LIMIT ?`,
		accountID,
		now.UTC().UnixMilli(),
		maxTasks,
	)
	if err != nil {
		return nil, fmt.Errorf("list claimable scheduled tasks: %w", err)
	}
	candidates := make([]string, 0, maxTasks)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable task id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate claimable tasks: %w", err)
	}
	rows.Close()

	claimToken := uuid.NewString()
	nowUnix := s.now().Unix()
	claimed := make([]ScheduledTask, 0, len(candidates))
	for _, id := range candidates {
		result, err := s.db.ExecContext(
			ctx,
			`UPDATE scheduled_tasks
			 SET status = 'claimed',
			     claim_token = ?,
			     claimed_at_unix = ?,
			     updated_at_unix = ?
			 WHERE id = ? AND status = 'pending'`,
			claimToken,
			nowUnix,
			nowUnix,
			id,
		)
		if err != nil {
			return claimed, fmt.Errorf("claim scheduled task: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			continue
		}
		record, err := s.LookupScheduledTask(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, record)
	}
	return claimed, nil
}

func (s *Store) CompleteScheduledTask(ctx context.Context, ref TaskRef) error {
	ref, err := normalizeTaskRef(ref)
	if err != nil {
		return err
	}
	nowUnix := s.now().Unix()
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE scheduled_tasks
		 SET status = 'done',
		     finished_at_unix = ?,
		     last_error = NULL,
		     updated_at_unix = ?
		 WHERE id = ? AND account_id = ? AND action_kind = ? AND status = 'claimed'`,
		nowUnix,
		nowUnix,
		ref.ID,
		ref.AccountID,
		ref.ActionKind,
	)
	if err != nil {
		return fmt.Errorf("complete scheduled task: %w", err)
	}
	return s.expectTransition(ctx, result, ref, ErrTaskNotClaimed)
}

// FailScheduledTask records a failed execution of a claimed task and bumps
// its retry count.
func (s *Store) FailScheduledTask(ctx context.Context, input FailScheduledTaskInput) (ScheduledTask, error) {
	ref, err := normalizeTaskRef(input.TaskRef)
	if err != nil {
		return ScheduledTask{}, err
	}
	nowUnix := s.now().Unix()
	var result sql.Result
	if input.RetryAt.IsZero() {
		result, err = s.db.ExecContext(
			ctx,
			`UPDATE scheduled_tasks
			 SET status = 'failed',
			     retries = retries + 1,
			     finished_at_unix = ?,
			     last_error = ?,
			     updated_at_unix = ?
			 WHERE id = ? AND account_id = ? AND action_kind = ? AND status = 'claimed'`,
			nowUnix,
			nullIfEmpty(input.Message),
			nowUnix,
			ref.ID,
			ref.AccountID,
			ref.ActionKind,
		)
	} else {
		result, err = s.db.ExecContext(
			ctx,
			`UPDATE scheduled_tasks
			 SET status = 'pending',
			     retries = retries + 1,
			     execute_after_unix_ms = ?,
			     claim_token = NULL,
			     claimed_at_unix = NULL,
			     last_error = ?,
			     updated_at_unix = ?
			 WHERE id = ? AND account_id = ? AND action_kind = ? AND status = 'claimed'`,
			input.RetryAt.UTC().UnixMilli(),
			nullIfEmpty(input.Message),
			nowUnix,
			ref.ID,
			ref.AccountID,
			ref.ActionKind,
		)
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("fail scheduled task: %w", err)
	}
	if err := s.expectTransition(ctx, result, ref, ErrTaskNotClaimed); err != nil {
		return ScheduledTask{}, err
	}
	return s.LookupScheduledTask(ctx, ref.ID)
}

// CancelScheduledTask withdraws a pending task owned by accountID.
func (s *Store) CancelScheduledTask(ctx context.Context, accountID, id string) error {
	ref := TaskRef{ID: strings.TrimSpace(id), AccountID: strings.TrimSpace(accountID)}
	nowUnix := s.now().Unix()
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE scheduled_tasks
		 SET status = 'cancelled',
		     finished_at_unix = ?,
		     updated_at_unix = ?
		 WHERE id = ? AND account_id = ? AND status = 'pending'`,
		nowUnix,
		nowUnix,
		ref.ID,
		ref.AccountID,
	)
	if err != nil {
		return fmt.Errorf("cancel scheduled task: %w", err)
	}
	return s.expectTransition(ctx, result, ref, ErrTaskNotPending)
}

// RequeueStaleClaims returns tasks claimed before cutoff to pending.
func (s *Store) RequeueStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE scheduled_tasks
		 SET status = 'pending',
		     claim_token = NULL,
		     claimed_at_unix = NULL,
		     updated_at_unix = ?
		 WHERE status = 'claimed' AND COALESCE(claimed_at_unix, 0) < ?`,
		s.now().Unix(),
		cutoff.UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue rows affected: %w", err)
	}
	return int(affected), nil
}

// PurgeFinishedScheduledTasks deletes done, failed and cancelled tasks that
// finished before cutoff.
func (s *Store) PurgeFinishedScheduledTasks(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM scheduled_tasks
		 WHERE status IN ('done', 'failed', 'cancelled') AND COALESCE(finished_at_unix, updated_at_unix) < ?`,
		cutoff.UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge finished scheduled tasks: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) ListScheduledTasks(ctx context.Context, input ListScheduledTasksInput) ([]ScheduledTask, error) {
	limit := clampLimit(input.Limit, 100, 500)
	whereParts := []string{"1=1"}
	args := make([]any, 0, 3)
	if accountID := strings.TrimSpace(input.AccountID); accountID != "" {
		whereParts = append(whereParts, "account_id = ?")
		args = append(args, accountID)
	}
	if status := strings.TrimSpace(input.Status); status != "" {
		whereParts = append(whereParts, "status = ?")
		args = append(args, status)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+scheduledTaskColumns+`
		 FROM scheduled_tasks
		 WHERE `+strings.Join(whereParts, " AND ")+`
		 ORDER BY execute_after_unix_ms ASC, id ASC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return collectScheduledTasks(rows, limit)
}

// expectTransition maps a guarded update that touched no row to the reason.
// A task owned by another account, or scheduled for another kind, reads as
// not found.
func (s *Store) expectTransition(ctx context.Context, result sql.Result, ref TaskRef, stateErr error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	record, err := s.LookupScheduledTask(ctx, ref.ID)
	if err != nil {
		return err
	}
	if record.AccountID != ref.AccountID || (ref.ActionKind != "" && record.ActionKind != ref.ActionKind) {
		return ErrTaskNotFound
	}
	return stateErr
}

func normalizeTaskRef(ref TaskRef) (TaskRef, error) {
	ref = TaskRef{
		ID:         strings.TrimSpace(ref.ID),
		AccountID:  strings.TrimSpace(ref.AccountID),
		ActionKind: strings.TrimSpace(ref.ActionKind),
	}
	if ref.AccountID == "" {
		return TaskRef{}, ErrInvalidAccount
	}
	if ref.ID == "" || ref.ActionKind == "" {
		return TaskRef{}, ErrTaskNotFound
	}
	return ref, nil
}

func collectScheduledTasks(rows *sql.Rows, capacity int) ([]ScheduledTask, error) {
	defer rows.Close()
	results := make([]ScheduledTask, 0, capacity)
	for rows.Next() {
		record, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", err)
	}
	return results, nil
}

func scanScheduledTask(scanner rowScanner) (ScheduledTask, error) {
	var record ScheduledTask
	var executeAfterMs int64
	var claimedUnix int64
	var finishedUnix int64
	var createdUnix int64
	var updatedUnix int64
	if err := scanner.Scan(
		&record.ID,
		&record.AccountID,
		&record.TargetHandle,
		&record.ActionKind,
		&record.PayloadJSON,
		&executeAfterMs,
		&record.Status,
		&record.Retries,
		&record.ClaimToken,
		&claimedUnix,
		&finishedUnix,
		&record.LastError,
		&createdUnix,
		&updatedUnix,
	); err != nil {
		return ScheduledTask{}, err
	}
	record.ExecuteAfter = time.UnixMilli(executeAfterMs).UTC()
	record.ClaimedAt = unixOrZero(claimedUnix)
	record.FinishedAt = unixOrZero(finishedUnix)
	record.CreatedAt = unixOrZero(createdUnix)
	record.UpdatedAt = unixOrZero(updatedUnix)
	return record, nil
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit < 1 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
