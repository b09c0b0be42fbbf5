package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AuditEventDecision = "decision"
	AuditEventAck      = "ack"
)

type AuditEvent struct {
	ID           string
	AccountID    string
	EventType    string
	ActionKind   string
	TargetHandle string
	Allowed      bool
	Reason       string
	DelayMs      int64
	RiskLevel    string
	Category     string
	TaskID       string
	CreatedAt    time.Time
}

type DecisionAuditInput struct {
	AccountID    string
	ActionKind   string
	TargetHandle string
	Allowed      bool
	Reason       string
	DelayMs      int64
	RiskLevel    string
	Category     string
	TaskID       string
}

type AckAuditInput struct {
	AccountID    string
	ActionKind   string
	TargetHandle string
	Success      bool
	Message      string
	DelayMs      int64
	TaskID       string
	ExecutedAt   time.Time
}

type ListAuditEventsInput struct {
	AccountID string
	EventType string
	Limit     int
}

func (s *Store) LogDecision(ctx context.Context, input DecisionAuditInput) error {
	record := AuditEvent{
		AccountID:    strings.TrimSpace(input.AccountID),
		EventType:    AuditEventDecision,
		ActionKind:   strings.TrimSpace(input.ActionKind),
		TargetHandle: strings.TrimSpace(input.TargetHandle),
		Allowed:      input.Allowed,
		Reason:       strings.TrimSpace(input.Reason),
		DelayMs:      input.DelayMs,
		RiskLevel:    strings.TrimSpace(input.RiskLevel),
		Category:     strings.TrimSpace(input.Category),
		TaskID:       strings.TrimSpace(input.TaskID),
	}
	return s.insertAuditEvent(ctx, s.db, record)
}

// LogAck records an execution outcome. A successful execution also counts
// toward the account's daily usage in the same transaction.
func (s *Store) LogAck(ctx context.Context, input AckAuditInput) error {
	record := AuditEvent{
		AccountID:    strings.TrimSpace(input.AccountID),
		EventType:    AuditEventAck,
		ActionKind:   strings.TrimSpace(input.ActionKind),
		TargetHandle: strings.TrimSpace(input.TargetHandle),
		Allowed:      input.Success,
		Reason:       strings.TrimSpace(input.Message),
		DelayMs:      input.DelayMs,
		TaskID:       strings.TrimSpace(input.TaskID),
	}
	if !input.Success {
		return s.insertAuditEvent(ctx, s.db, record)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack audit tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertAuditEvent(ctx, tx, record); err != nil {
		return err
	}
	if err := incrementDailyCount(ctx, tx, record.AccountID, s.usageDay(input.ExecutedAt), s.now().Unix()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack audit tx: %w", err)
	}
	return nil
}

// insertAuditEvent requires an account. The action kind may be empty when a
// rejected request never named one.
func (s *Store) insertAuditEvent(ctx context.Context, exec execer, record AuditEvent) error {
	if record.AccountID == "" || record.EventType == "" {
		return fmt.Errorf("missing required audit event fields")
	}
	_, err := exec.ExecContext(
		ctx,
		`INSERT INTO audit_events (
			id, account_id, event_type, action_kind, target_handle, allowed, reason, delay_ms, risk_level, category, task_id, created_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"audit_"+uuid.NewString(),
		record.AccountID,
		record.EventType,
		record.ActionKind,
		nullIfEmpty(record.TargetHandle),
		boolToInt(record.Allowed),
		nullIfEmpty(record.Reason),
		record.DelayMs,
		nullIfEmpty(record.RiskLevel),
		nullIfEmpty(record.Category),
		nullIfEmpty(record.TaskID),
		s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, input ListAuditEventsInput) ([]AuditEvent, error) {
	limit := clampLimit(input.Limit, 50, 500)
	whereParts := []string{"1=1"}
	args := make([]any, 0, 3)
	if accountID := strings.TrimSpace(input.AccountID); accountID != "" {
		whereParts = append(whereParts, "account_id = ?")
		args = append(args, accountID)
	}
	if eventType := strings.TrimSpace(input.EventType); eventType != "" {
		whereParts = append(whereParts, "event_type = ?")
		args = append(args, eventType)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, account_id, event_type, action_kind, COALESCE(target_handle, ''), allowed,
		        COALESCE(reason, ''), delay_ms, COALESCE(risk_level, ''), COALESCE(category, ''),
		        COALESCE(task_id, ''), created_at_unix
		 FROM audit_events
		 WHERE `+strings.Join(whereParts, " AND ")+`
		 ORDER BY created_at_unix DESC, rowid DESC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	results := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var record AuditEvent
		var allowed int
		var createdUnix int64
		if err := rows.Scan(
			&record.ID,
			&record.AccountID,
			&record.EventType,
			&record.ActionKind,
			&record.TargetHandle,
			&allowed,
			&record.Reason,
			&record.DelayMs,
			&record.RiskLevel,
			&record.Category,
			&record.TaskID,
			&createdUnix,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		record.Allowed = allowed == 1
		record.CreatedAt = unixOrZero(createdUnix)
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return results, nil
}
