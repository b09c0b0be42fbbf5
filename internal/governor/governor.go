// Package governor decides whether a proposed automated action may run. It
// composes the quota, sequence, delay and scheduling checks and turns every
// failure into a structured Decision rather than an error.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dwizi/action-governor/internal/delay"
	"github.com/dwizi/action-governor/internal/governerr"
	"github.com/dwizi/action-governor/internal/policy"
	"github.com/dwizi/action-governor/internal/quota"
	"github.com/dwizi/action-governor/internal/scheduler"
	"github.com/dwizi/action-governor/internal/sequence"
	"github.com/dwizi/action-governor/internal/store"
)

const (
	InstantActionID = "instant-exec"

	defaultStoreTimeout = 2 * time.Second
	defaultAuditTimeout = time.Second
)

// Action kinds exempt from the per-target ordering check.
var bypassOrdering = map[sequence.Step]bool{
	sequence.ActionWelcomeMessage: true,
	sequence.StepSwitchProfile:    true,
}

// Action kinds delivered later by the scheduler instead of by the caller.
var deferredDelivery = map[sequence.Step]bool{
	sequence.ActionWelcomeMessage: true,
}

type PlanStore interface {
	GetPlan(ctx context.Context, accountID string) (string, error)
}

type UsageStore interface {
	GetDailyCount(ctx context.Context, accountID string) (int, error)
}

type TaskScheduler interface {
	Enqueue(ctx context.Context, input scheduler.EnqueueInput) (store.ScheduledTask, error)
	Complete(ctx context.Context, task store.TaskRef) error
	Fail(ctx context.Context, task store.TaskRef, message string) (store.ScheduledTask, error)
}

type AuditSink interface {
	LogDecision(ctx context.Context, input store.DecisionAuditInput) error
	LogAck(ctx context.Context, input store.AckAuditInput) error
}

type Dependencies struct {
	Plans          PlanStore
	Usage          UsageStore
	States         sequence.StateStore
	Scheduler      TaskScheduler
	Audit          AuditSink
	Policy         *policy.Holder
	Random         delay.Random
	Logger         *slog.Logger
	StoreTimeout   time.Duration
	AuditTimeout   time.Duration
	QuotaResetCron string
	QuotaTimezone  string
}

// Settings overrides the sequence policy for a single request.
type Settings struct {
	MaxLikes       *int  `json:"maxLikes,omitempty"`
	StoriesEnabled *bool `json:"storiesEnabled,omitempty"`
}

type DecideRequest struct {
	AccountID       string    `json:"accountId"`
	ActionKind      string    `json:"actionKind"`
	TargetHandle    string    `json:"targetHandle,omitempty"`
	CurrentFlowStep string    `json:"currentFlowStep,omitempty"`
	Settings        *Settings `json:"settings,omitempty"`
	Message         string    `json:"message,omitempty"`
}

type Decision struct {
	Allowed     bool                `json:"allowed"`
	ActionID    string              `json:"actionId,omitempty"`
	NextAction  string              `json:"nextAction,omitempty"`
	DelayMs     int64               `json:"delayMs"`
	ScheduleAt  *time.Time          `json:"scheduleAt,omitempty"`
	RequiresAck bool                `json:"requiresAck"`
	RiskLevel   governerr.RiskLevel `json:"riskLevel"`
	Reason      string              `json:"reason,omitempty"`
	HoldMs      int64               `json:"holdMs,omitempty"`
	Category    governerr.Category  `json:"category,omitempty"`
}

type Governor struct {
	plans        PlanStore
	usage        UsageStore
	tracker      *sequence.Tracker
	scheduler    TaskScheduler
	audit        AuditSink
	policy       *policy.Holder
	quota        *quota.Checker
	random       delay.Random
	logger       *slog.Logger
	storeTimeout time.Duration
	auditTimeout time.Duration
	now          func() time.Time
}

func New(deps Dependencies) (*Governor, error) {
	if deps.Plans == nil || deps.Usage == nil || deps.States == nil || deps.Scheduler == nil {
		return nil, errors.New("governor requires plan, usage, state and scheduler dependencies")
	}
	holder := deps.Policy
	if holder == nil {
		holder = policy.NewHolder(policy.Default())
	}
	checker, err := quota.NewChecker(quota.DefaultCeilings(), deps.QuotaResetCron, deps.QuotaTimezone)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeTimeout := deps.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	auditTimeout := deps.AuditTimeout
	if auditTimeout <= 0 {
		auditTimeout = defaultAuditTimeout
	}
	return &Governor{
		plans:        deps.Plans,
		usage:        deps.Usage,
		tracker:      sequence.NewTracker(deps.States),
		scheduler:    deps.Scheduler,
		audit:        deps.Audit,
		policy:       holder,
		quota:        checker,
		random:       deps.Random,
		logger:       logger.With("component", "governor"),
		storeTimeout: storeTimeout,
		auditTimeout: auditTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Decide answers whether the proposed action may run now. Checks run in a
// fixed order and stop at the first failure: request shape, quota, sequence
// order, delay, then scheduling for deferred kinds.
func (g *Governor) Decide(ctx context.Context, req DecideRequest) Decision {
	accountID := strings.TrimSpace(req.AccountID)
	kind := strings.ToLower(strings.TrimSpace(req.ActionKind))
	target := sequence.NormalizeHandle(req.TargetHandle)

	step, err := validateAction(accountID, kind)
	if err != nil {
		decision := callerError(err)
		g.logger.Warn("decision rejected", "account_id", accountID, "action_kind", kind, "reason", decision.Reason)
		if accountID != "" {
			g.auditDecision(ctx, accountID, kind, target, decision)
		}
		return decision
	}

	pol := g.policy.Current()
	decision := g.decide(ctx, pol, accountID, step, target, req)
	g.logDecision(accountID, kind, target, decision)
	g.auditDecision(ctx, accountID, kind, target, decision)
	return decision
}

func (g *Governor) decide(ctx context.Context, pol policy.Policy, accountID string, step sequence.Step, target string, req DecideRequest) Decision {
	now := g.now()

	tier, count, err := g.loadUsage(ctx, accountID)
	if err != nil {
		return dependencyFailure(err)
	}
	quotaResult := g.quota.WithCeilings(pol.QuotaCeilings()).Check(quota.Tier(tier), count, now)
	if !quotaResult.Allowed {
		return Decision{
			Allowed:   false,
			RiskLevel: quotaResult.RiskLevel,
			Reason:    quotaResult.Reason,
			HoldMs:    quotaResult.RetryAfter.Milliseconds(),
			Category:  governerr.CategoryPolicyRejection,
		}
	}

	var (
		expected sequence.Step
		priorMs  int64
	)
	if target != "" {
		storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
		state, found, err := g.tracker.GetState(storeCtx, accountID, target)
		cancel()
		if err != nil {
			return dependencyFailure(err)
		}
		expected = sequence.ExpectedNext(state, found, applySettings(pol.SequenceConfig(), req.Settings))
		if step != expected && !bypassOrdering[step] {
			return Decision{
				Allowed:   false,
				RiskLevel: governerr.RiskHigh,
				Reason:    fmt.Sprintf("sequence inconsistent, expected: %s", expected),
				HoldMs:    pol.Cooldown().Milliseconds(),
				Category:  governerr.CategoryPolicyRejection,
			}
		}
		priorMs = state.LastDelayMs
	}

	delayResult := delay.New(pol.DelayConfig(), g.random).ComputeDelay(string(step), priorMs)
	if !delayResult.Allowed {
		return Decision{
			Allowed:   false,
			DelayMs:   delayResult.DelayMs,
			RiskLevel: governerr.RiskCritical,
			Reason:    delayResult.Reason,
			Category:  governerr.CategoryPolicyRejection,
		}
	}

	if deferredDelivery[step] {
		executeAfter := now.Add(time.Duration(delayResult.DelayMs) * time.Millisecond)
		storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
		task, err := g.scheduler.Enqueue(storeCtx, scheduler.EnqueueInput{
			AccountID:    accountID,
			TargetHandle: target,
			ActionKind:   string(step),
			ExecuteAfter: executeAfter,
			Payload:      deferredPayload(req),
		})
		cancel()
		if err != nil {
			g.logger.Error("schedule deferred action failed", "account_id", accountID, "action_kind", step, "error", err)
			return Decision{
				Allowed:   false,
				RiskLevel: governerr.RiskHigh,
				Reason:    governerr.ErrScheduleFailed.Error(),
				Category:  governerr.CategoryDependencyFailure,
			}
		}
		scheduleAt := task.ExecuteAfter
		return Decision{
			Allowed:     true,
			ActionID:    task.ID,
			NextAction:  string(expected),
			DelayMs:     0,
			ScheduleAt:  &scheduleAt,
			RequiresAck: false,
			RiskLevel:   delayResult.RiskLevel,
		}
	}

	return Decision{
		Allowed:     true,
		ActionID:    InstantActionID,
		NextAction:  string(expected),
		DelayMs:     delayResult.DelayMs,
		RequiresAck: true,
		RiskLevel:   delayResult.RiskLevel,
	}
}

func (g *Governor) loadUsage(ctx context.Context, accountID string) (string, int, error) {
	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	tier, err := g.plans.GetPlan(storeCtx, accountID)
	if err != nil {
		return "", 0, fmt.Errorf("load plan: %w", err)
	}
	count, err := g.usage.GetDailyCount(storeCtx, accountID)
	if err != nil {
		return "", 0, fmt.Errorf("load daily usage: %w", err)
	}
	return tier, count, nil
}

func (g *Governor) logDecision(accountID, kind, target string, decision Decision) {
	attrs := []any{
		"account_id", accountID,
		"action_kind", kind,
		"target_handle", target,
		"risk_level", decision.RiskLevel,
	}
	if decision.Allowed {
		g.logger.Info("decision authorized", append(attrs, "action_id", decision.ActionID, "delay_ms", decision.DelayMs)...)
		return
	}
	g.logger.Warn("decision rejected", append(attrs, "reason", decision.Reason, "category", decision.Category)...)
}

// auditDecision writes the decision to the audit sink. Sink failures are
// logged and dropped.
func (g *Governor) auditDecision(ctx context.Context, accountID, kind, target string, decision Decision) {
	if g.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
	defer cancel()
	taskID := ""
	if decision.ScheduleAt != nil {
		taskID = decision.ActionID
	}
	reason := decision.Reason
	if decision.Allowed && reason == "" {
		reason = "authorized"
	}
	err := g.audit.LogDecision(auditCtx, store.DecisionAuditInput{
		AccountID:    accountID,
		ActionKind:   kind,
		TargetHandle: target,
		Allowed:      decision.Allowed,
		Reason:       reason,
		DelayMs:      decision.DelayMs,
		RiskLevel:    string(decision.RiskLevel),
		Category:     string(decision.Category),
		TaskID:       taskID,
	})
	if err != nil {
		g.logger.Warn("audit decision failed", "account_id", accountID, "action_kind", kind, "error", err)
	}
}

func validateAction(accountID, kind string) (sequence.Step, error) {
	if accountID == "" {
		return "", governerr.ErrMissingAccount
	}
	if kind == "" {
		return "", governerr.ErrMissingActionKind
	}
	step, ok := sequence.ParseStep(kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", governerr.ErrUnknownActionKind, kind)
	}
	return step, nil
}

func applySettings(cfg sequence.Config, settings *Settings) sequence.Config {
	if settings == nil {
		return cfg
	}
	if settings.MaxLikes != nil && *settings.MaxLikes > 0 {
		cfg.MaxLikes = *settings.MaxLikes
	}
	if settings.StoriesEnabled != nil {
		cfg.StoriesEnabled = *settings.StoriesEnabled
	}
	return cfg
}

func deferredPayload(req DecideRequest) map[string]any {
	payload := map[string]any{}
	if message := strings.TrimSpace(req.Message); message != "" {
		payload["message"] = message
	}
	if flowStep := strings.TrimSpace(req.CurrentFlowStep); flowStep != "" {
		payload["currentFlowStep"] = flowStep
	}
	return payload
}

func callerError(err error) Decision {
	return Decision{
		Allowed:   false,
		RiskLevel: governerr.RiskLow,
		Reason:    err.Error(),
		Category:  governerr.CategoryCallerError,
	}
}

// dependencyFailure covers unreachable or slow collaborators, including
// timeouts, so callers may retry after backoff.
func dependencyFailure(err error) Decision {
	reason := governerr.ErrStoreUnavailable.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "store timeout"
	}
	return Decision{
		Allowed:   false,
		RiskLevel: governerr.RiskHigh,
		Reason:    reason,
		Category:  governerr.CategoryDependencyFailure,
	}
}
