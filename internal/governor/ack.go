package governor

import (
	"context"
	"strings"

	"github.com/dwizi/action-governor/internal/governerr"
	"github.com/dwizi/action-governor/internal/sequence"
	"github.com/dwizi/action-governor/internal/store"
)

const (
	AckStatusRecorded     = "recorded"
	AckStatusAcknowledged = "acknowledged"
	AckStatusFailed       = "failed"
	AckStatusError        = "error"
)

type AckMetadata struct {
	TargetHandle string `json:"targetHandle,omitempty"`
	UsedDelay    int64  `json:"usedDelay,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

type AckRequest struct {
	AccountID  string      `json:"accountId"`
	ActionKind string      `json:"actionKind"`
	Success    bool        `json:"success"`
	Metadata   AckMetadata `json:"metadata"`
	Error      string      `json:"error,omitempty"`
	Settings   *Settings   `json:"settings,omitempty"`
}

type AckResult struct {
	Status      string             `json:"status"`
	NextAction  string             `json:"nextAction,omitempty"`
	ShouldRetry bool               `json:"shouldRetry,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Category    governerr.Category `json:"category,omitempty"`
}

// ProcessAck applies the outcome of an executed action. Only a confirmed
// success of a sequence step advances the target's state; failures leave it
// untouched and ask the caller to retry the same step. A success is audited,
// and so counted toward usage, only once its state change has been stored.
func (g *Governor) ProcessAck(ctx context.Context, req AckRequest) AckResult {
	accountID := strings.TrimSpace(req.AccountID)
	kind := strings.ToLower(strings.TrimSpace(req.ActionKind))
	target := sequence.NormalizeHandle(req.Metadata.TargetHandle)
	task := store.TaskRef{
		ID:         strings.TrimSpace(req.Metadata.TaskID),
		AccountID:  accountID,
		ActionKind: kind,
	}

	step, err := validateAction(accountID, kind)
	if err != nil {
		g.logger.Warn("ack rejected", "account_id", accountID, "action_kind", kind, "error", err)
		return AckResult{Status: AckStatusError, Reason: err.Error(), Category: governerr.CategoryCallerError}
	}

	if !req.Success {
		g.auditAck(ctx, accountID, kind, target, req)
		if task.ID != "" {
			g.failTask(ctx, task, req.Error)
		}
		g.logger.Warn("action unconfirmed",
			"account_id", accountID,
			"action_kind", kind,
			"target_handle", target,
			"task_id", task.ID,
			"error", strings.TrimSpace(req.Error),
		)
		return AckResult{
			Status:      AckStatusFailed,
			NextAction:  kind,
			ShouldRetry: true,
			Reason:      strings.TrimSpace(req.Error),
			Category:    governerr.CategoryUnconfirmed,
		}
	}

	if target == "" || !step.IsSequenceStep() {
		if task.ID != "" {
			g.completeTask(ctx, task)
		}
		g.auditAck(ctx, accountID, kind, target, req)
		g.logger.Info("action acknowledged", "account_id", accountID, "action_kind", kind, "task_id", task.ID)
		return AckResult{Status: AckStatusAcknowledged}
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	state, err := g.tracker.Advance(storeCtx, accountID, target, step, req.Metadata.UsedDelay)
	cancel()
	if err != nil {
		g.logger.Error("advance profile state failed", "account_id", accountID, "target_handle", target, "action_kind", kind, "error", err)
		decision := dependencyFailure(err)
		return AckResult{
			Status:      AckStatusError,
			NextAction:  kind,
			ShouldRetry: true,
			Reason:      decision.Reason,
			Category:    governerr.CategoryDependencyFailure,
		}
	}
	if task.ID != "" {
		g.completeTask(ctx, task)
	}
	g.auditAck(ctx, accountID, kind, target, req)

	next := sequence.NextStep(step, state.StepRepeatCount, applySettings(g.policy.Current().SequenceConfig(), req.Settings))
	g.logger.Info("action recorded",
		"account_id", accountID,
		"target_handle", target,
		"action_kind", kind,
		"step_repeat_count", state.StepRepeatCount,
		"next_action", next,
	)
	return AckResult{Status: AckStatusRecorded, NextAction: string(next)}
}

// completeTask and failTask only touch tasks scheduled for the acking account
// and action kind.
func (g *Governor) completeTask(ctx context.Context, task store.TaskRef) {
	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	if err := g.scheduler.Complete(storeCtx, task); err != nil {
		g.logger.Warn("complete scheduled task failed", "task_id", task.ID, "account_id", task.AccountID, "error", err)
	}
}

func (g *Governor) failTask(ctx context.Context, task store.TaskRef, message string) {
	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	if _, err := g.scheduler.Fail(storeCtx, task, strings.TrimSpace(message)); err != nil {
		g.logger.Warn("record scheduled task failure failed", "task_id", task.ID, "account_id", task.AccountID, "error", err)
	}
}

func (g *Governor) auditAck(ctx context.Context, accountID, kind, target string, req AckRequest) {
	if g.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
	defer cancel()
	err := g.audit.LogAck(auditCtx, store.AckAuditInput{
		AccountID:    accountID,
		ActionKind:   kind,
		TargetHandle: target,
		Success:      req.Success,
		Message:      req.Error,
		DelayMs:      req.Metadata.UsedDelay,
		TaskID:       strings.TrimSpace(req.Metadata.TaskID),
		ExecutedAt:   g.now(),
	})
	if err != nil {
		g.logger.Warn("audit ack failed", "account_id", accountID, "action_kind", kind, "error", err)
	}
}
