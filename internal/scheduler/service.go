package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dwizi/action-governor/internal/governerr"
	"github.com/dwizi/action-governor/internal/heartbeat"
	"github.com/dwizi/action-governor/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	componentName = "scheduler"

	retryBackoffMin = 1 * time.Minute
	retryBackoffMax = 30 * time.Minute

	defaultPollInterval    = 15 * time.Second
	defaultStaleClaimAfter = 10 * time.Minute
	defaultMaxRetries      = 3
	defaultRetention       = 7 * 24 * time.Hour
	defaultMaintenanceCron = "15 3 * * *"
	defaultDuePollLimit    = 50
	defaultClaimMaxTasks   = 10
)

var maintenanceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Store interface {
	CreateScheduledTask(ctx context.Context, input store.CreateScheduledTaskInput) (store.ScheduledTask, error)
	LookupScheduledTask(ctx context.Context, id string) (store.ScheduledTask, error)
	ListDueScheduledTasks(ctx context.Context, now time.Time, limit int) ([]store.ScheduledTask, error)
	ClaimDueScheduledTasks(ctx context.Context, accountID string, now time.Time, maxTasks int) ([]store.ScheduledTask, error)
	CompleteScheduledTask(ctx context.Context, ref store.TaskRef) error
	FailScheduledTask(ctx context.Context, input store.FailScheduledTaskInput) (store.ScheduledTask, error)
	CancelScheduledTask(ctx context.Context, accountID, id string) error
	RequeueStaleClaims(ctx context.Context, cutoff time.Time) (int, error)
	PurgeFinishedScheduledTasks(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	PollInterval    time.Duration
	StaleClaimAfter time.Duration
	MaxRetries      int
	Retention       time.Duration
	MaintenanceCron string
	DuePollLimit    int
	ClaimMaxTasks   int
}

type EnqueueInput struct {
	AccountID    string
	TargetHandle string
	ActionKind   string
	ExecuteAfter time.Time
	Payload      map[string]any
}

// DueTask is the dispatch view of a claimed task handed to the remote agent.
type DueTask struct {
	TaskID       string          `json:"taskId"`
	ActionKind   string          `json:"actionKind"`
	TargetHandle string          `json:"targetHandle,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ExecuteAfter time.Time       `json:"executeAfter"`
	Retries      int             `json:"retries"`
}

type Service struct {
	store       Store
	cfg         Config
	maintenance cron.Schedule
	logger      *slog.Logger
	reporter    heartbeat.Reporter
	now         func() time.Time
}

func New(store Store, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = defaultStaleClaimAfter
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if strings.TrimSpace(cfg.MaintenanceCron) == "" {
		cfg.MaintenanceCron = defaultMaintenanceCron
	}
	if cfg.DuePollLimit < 1 {
		cfg.DuePollLimit = defaultDuePollLimit
	}
	if cfg.ClaimMaxTasks < 1 {
		cfg.ClaimMaxTasks = defaultClaimMaxTasks
	}
	schedule, err := maintenanceParser.Parse(strings.TrimSpace(cfg.MaintenanceCron))
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron: %w", err)
	}
	return &Service{
		store:       store,
		cfg:         cfg,
		maintenance: schedule,
		logger:      logger.With("component", componentName),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) SetHeartbeatReporter(reporter heartbeat.Reporter) {
	s.reporter = reporter
}

// Enqueue persists a deferred action. Storage failures are reported as
// governerr.ErrStoreUnavailable.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (store.ScheduledTask, error) {
	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return store.ScheduledTask{}, fmt.Errorf("encode task payload: %w", err)
	}
	task, err := s.store.CreateScheduledTask(ctx, store.CreateScheduledTaskInput{
		AccountID:    input.AccountID,
		TargetHandle: input.TargetHandle,
		ActionKind:   input.ActionKind,
		PayloadJSON:  string(encoded),
		ExecuteAfter: input.ExecuteAfter,
	})
	if err != nil {
		return store.ScheduledTask{}, fmt.Errorf("%w: %w", governerr.ErrStoreUnavailable, err)
	}
	s.logger.Info("task enqueued",
		"task_id", task.ID,
		"account_id", task.AccountID,
		"target_handle", task.TargetHandle,
		"action_kind", task.ActionKind,
		"execute_after", task.ExecuteAfter.Format(time.RFC3339),
	)
	return task, nil
}

// PollDue lists pending tasks across all accounts whose time has come.
func (s *Service) PollDue(ctx context.Context, limit int) ([]store.ScheduledTask, error) {
	if limit < 1 || limit > s.cfg.DuePollLimit {
		limit = s.cfg.DuePollLimit
	}
	return s.store.ListDueScheduledTasks(ctx, s.now(), limit)
}

// ClaimAndLock moves up to maxTasks due tasks of one account to claimed. A
// task is returned to at most one caller.
func (s *Service) ClaimAndLock(ctx context.Context, accountID string, maxTasks int) ([]store.ScheduledTask, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, governerr.ErrMissingAccount
	}
	if maxTasks < 1 || maxTasks > s.cfg.ClaimMaxTasks {
		maxTasks = s.cfg.ClaimMaxTasks
	}
	claimed, err := s.store.ClaimDueScheduledTasks(ctx, accountID, s.now(), maxTasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", governerr.ErrStoreUnavailable, err)
	}
	if len(claimed) > 0 {
		s.logger.Info("tasks claimed", "account_id", accountID, "count", len(claimed))
	}
	return claimed, nil
}

// FetchDue claims an account's due work and returns it in dispatch form.
func (s *Service) FetchDue(ctx context.Context, accountID string, limit int) ([]DueTask, error) {
	claimed, err := s.ClaimAndLock(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	due := make([]DueTask, 0, len(claimed))
	for _, task := range claimed {
		payload := json.RawMessage(task.PayloadJSON)
		if !json.Valid(payload) {
			payload = json.RawMessage(`{}`)
		}
		due = append(due, DueTask{
			TaskID:       task.ID,
			ActionKind:   task.ActionKind,
			TargetHandle: task.TargetHandle,
			Payload:      payload,
			ExecuteAfter: task.ExecuteAfter,
			Retries:      task.Retries,
		})
	}
	return due, nil
}

// Complete marks a claimed task done. The task must belong to ref's account
// and action kind.
func (s *Service) Complete(ctx context.Context, ref store.TaskRef) error {
	if strings.TrimSpace(ref.AccountID) == "" {
		return governerr.ErrMissingAccount
	}
	if err := s.store.CompleteScheduledTask(ctx, ref); err != nil {
		return fmt.Errorf("complete task %s: %w", ref.ID, err)
	}
	s.logger.Info("task completed", "task_id", ref.ID, "account_id", ref.AccountID)
	return nil
}

// Fail records an unsuccessful execution. The task is retried with backoff
// until it has failed MaxRetries times.
func (s *Service) Fail(ctx context.Context, ref store.TaskRef, message string) (store.ScheduledTask, error) {
	if strings.TrimSpace(ref.AccountID) == "" {
		return store.ScheduledTask{}, governerr.ErrMissingAccount
	}
	task, err := s.store.LookupScheduledTask(ctx, ref.ID)
	if err != nil {
		return store.ScheduledTask{}, fmt.Errorf("lookup task %s: %w", ref.ID, err)
	}
	attempt := task.Retries + 1
	input := store.FailScheduledTaskInput{TaskRef: ref, Message: message}
	if attempt < s.cfg.MaxRetries {
		input.RetryAt = s.now().Add(retryBackoff(attempt))
	}
	updated, err := s.store.FailScheduledTask(ctx, input)
	if err != nil {
		return store.ScheduledTask{}, fmt.Errorf("fail task %s: %w", ref.ID, err)
	}
	if updated.Status == store.TaskStatusFailed {
		s.logger.Warn("task failed permanently", "task_id", ref.ID, "retries", updated.Retries, "error", message)
	} else {
		s.logger.Info("task scheduled for retry", "task_id", ref.ID, "retries", updated.Retries, "execute_after", updated.ExecuteAfter.Format(time.RFC3339))
	}
	return updated, nil
}

func (s *Service) Cancel(ctx context.Context, accountID, taskID string) error {
	if strings.TrimSpace(accountID) == "" {
		return governerr.ErrMissingAccount
	}
	if err := s.store.CancelScheduledTask(ctx, accountID, taskID); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	s.logger.Info("task cancelled", "task_id", taskID, "account_id", accountID)
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.store == nil {
		if s.reporter != nil {
			s.reporter.Disabled(componentName, "dependencies missing")
		}
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	if s.reporter != nil {
		s.reporter.Starting(componentName, "started")
		s.reporter.Beat(componentName, "polling scheduled tasks")
	}
	nextMaintenance := s.maintenance.Next(s.now())
	s.logger.Info("scheduler started",
		"poll_interval", s.cfg.PollInterval.String(),
		"next_maintenance", nextMaintenance.Format(time.RFC3339),
	)
	for {
		if ctx.Err() != nil {
			s.stopped()
			return nil
		}
		if !s.now().Before(nextMaintenance) {
			if err := s.runMaintenance(ctx); err != nil {
				s.logger.Error("scheduler maintenance failed", "error", err)
			}
			nextMaintenance = s.maintenance.Next(s.now())
		}
		if message, err := s.pollCycle(ctx); err != nil {
			if s.reporter != nil {
				s.reporter.Degrade(componentName, "poll cycle failed", err)
			}
			s.logger.Error("scheduler poll cycle failed", "error", err)
		} else if s.reporter != nil {
			s.reporter.Beat(componentName, message)
		}
		select {
		case <-ctx.Done():
			s.stopped()
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) stopped() {
	if s.reporter != nil {
		s.reporter.Stopped(componentName, "stopped")
	}
	s.logger.Info("scheduler stopped")
}

// pollCycle returns stranded claims to pending and reports the due backlog.
func (s *Service) pollCycle(ctx context.Context) (string, error) {
	requeued, err := s.store.RequeueStaleClaims(ctx, s.now().Add(-s.cfg.StaleClaimAfter))
	if err != nil {
		return "", fmt.Errorf("requeue stale claims: %w", err)
	}
	if requeued > 0 {
		s.logger.Warn("stale claims requeued", "count", requeued)
	}
	due, err := s.PollDue(ctx, s.cfg.DuePollLimit)
	if err != nil {
		return "", fmt.Errorf("poll due tasks: %w", err)
	}
	return fmt.Sprintf("%d tasks due", len(due)), nil
}

func (s *Service) runMaintenance(ctx context.Context) error {
	purged, err := s.store.PurgeFinishedScheduledTasks(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return fmt.Errorf("purge finished tasks: %w", err)
	}
	s.logger.Info("scheduler maintenance completed", "purged", purged)
	return nil
}

// IsStateConflict reports whether err is a task lifecycle conflict rather
// than a storage failure.
func IsStateConflict(err error) bool {
	return errors.Is(err, store.ErrTaskNotClaimed) || errors.Is(err, store.ErrTaskNotPending) || errors.Is(err, store.ErrTaskNotFound)
}

func retryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return retryBackoffMin
	}
	backoff := retryBackoffMin
	for index := 1; index < attempt; index++ {
		backoff *= 2
		if backoff >= retryBackoffMax {
			return retryBackoffMax
		}
	}
	return backoff
}
