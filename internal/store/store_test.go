package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "action_governor_test.sqlite")
	sqlStore, err := New(dbPath)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return sqlStore
}

func TestGetPlanDefaultsToFree(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	tier, err := sqlStore.GetPlan(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if tier != "free" {
		t.Fatalf("expected free tier for unknown account, got %s", tier)
	}

	if err := sqlStore.SetPlan(ctx, "acct-1", " PRO "); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	tier, err = sqlStore.GetPlan(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get plan after set: %v", err)
	}
	if tier != "pro" {
		t.Fatalf("expected pro tier, got %s", tier)
	}
	if _, err := sqlStore.GetPlan(ctx, " "); err != ErrInvalidAccount {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
}

func TestDailyUsageCountsPerDay(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	today := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	sqlStore.now = func() time.Time { return today }

	count, err := sqlStore.GetDailyCount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get daily count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero usage, got %d", count)
	}

	for i := 0; i < 3; i++ {
		if err := sqlStore.IncrementDailyCount(ctx, "acct-1", today); err != nil {
			t.Fatalf("increment usage: %v", err)
		}
	}
	if err := sqlStore.IncrementDailyCount(ctx, "acct-1", today.Add(-24*time.Hour)); err != nil {
		t.Fatalf("increment yesterday usage: %v", err)
	}

	count, err = sqlStore.GetDailyCount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get daily count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 actions today, got %d", count)
	}
}

func TestProfileStateUpsertBumpsVersion(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if _, err := sqlStore.LookupProfileState(ctx, "acct-1", "target"); err != ErrProfileNotFound {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	successAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := sqlStore.SaveProfileState(ctx, ProfileState{
		AccountID:       "acct-1",
		TargetHandle:    "target",
		CurrentStep:     "follow",
		StepRepeatCount: 1,
		LastActionKind:  "follow",
		LastDelayMs:     150000,
		LastSuccessAt:   successAt,
	}); err != nil {
		t.Fatalf("save profile state: %v", err)
	}
	if err := sqlStore.SaveProfileState(ctx, ProfileState{
		AccountID:       "acct-1",
		TargetHandle:    "target",
		CurrentStep:     "like",
		StepRepeatCount: 1,
		LastActionKind:  "like",
		LastDelayMs:     60000,
		LastSuccessAt:   successAt.Add(time.Minute),
	}); err != nil {
		t.Fatalf("save profile state again: %v", err)
	}

	loaded, err := sqlStore.LookupProfileState(ctx, "acct-1", "target")
	if err != nil {
		t.Fatalf("lookup profile state: %v", err)
	}
	if loaded.CurrentStep != "like" || loaded.StepRepeatCount != 1 || loaded.LastDelayMs != 60000 {
		t.Fatalf("unexpected profile state: %+v", loaded)
	}
	if loaded.Version != 2 {
		t.Fatalf("expected version 2, got %d", loaded.Version)
	}
	if !loaded.LastSuccessAt.Equal(successAt.Add(time.Minute)) {
		t.Fatalf("unexpected last success time: %s", loaded.LastSuccessAt)
	}

	states, err := sqlStore.ListProfileStates(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("list profile states: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected one profile state, got %d", len(states))
	}
}

func TestScheduledTaskClaimLifecycle(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		AccountID:    "acct-1",
		TargetHandle: "target",
		ActionKind:   "dm_welcome",
		ExecuteAfter: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create due task: %v", err)
	}
	if due.ID == "" || due.Status != TaskStatusPending {
		t.Fatalf("unexpected created task: %+v", due)
	}
	if _, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		AccountID:    "acct-1",
		ActionKind:   "dm_welcome",
		ExecuteAfter: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create future task: %v", err)
	}

	listed, err := sqlStore.ListDueScheduledTasks(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due tasks: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != due.ID {
		t.Fatalf("expected only the due task, got %+v", listed)
	}

	claimed, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-1", now, 10)
	if err != nil {
		t.Fatalf("claim due tasks: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != TaskStatusClaimed || claimed[0].ClaimToken == "" {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}

	again, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-1", now, 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no tasks on second claim, got %d", len(again))
	}

	ref := TaskRef{ID: due.ID, AccountID: "acct-1", ActionKind: "dm_welcome"}
	if err := sqlStore.CompleteScheduledTask(ctx, ref); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if err := sqlStore.CompleteScheduledTask(ctx, ref); err != ErrTaskNotClaimed {
		t.Fatalf("expected ErrTaskNotClaimed on double complete, got %v", err)
	}
	missing := TaskRef{ID: "missing", AccountID: "acct-1", ActionKind: "dm_welcome"}
	if err := sqlStore.CompleteScheduledTask(ctx, missing); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	loaded, err := sqlStore.LookupScheduledTask(ctx, due.ID)
	if err != nil {
		t.Fatalf("lookup task: %v", err)
	}
	if loaded.Status != TaskStatusDone || loaded.FinishedAt.IsZero() {
		t.Fatalf("expected done task with finish time, got %+v", loaded)
	}
}

func TestConcurrentClaimsHandOutEachTaskOnce(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const total = 8
	for i := 0; i < total; i++ {
		if _, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
			AccountID:    "acct-1",
			ActionKind:   "dm_welcome",
			ExecuteAfter: now.Add(-time.Duration(i+1) * time.Second),
		}); err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	const workers = 4
	results := make(chan []ScheduledTask, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			claimed, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-1", now, total)
			if err != nil {
				errs <- err
				return
			}
			results <- claimed
		}()
	}

	seen := map[string]int{}
	for i := 0; i < workers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("claim: %v", err)
		case claimed := <-results:
			for _, task := range claimed {
				seen[task.ID]++
			}
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct claimed tasks, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("task %s claimed %d times", id, count)
		}
	}
}

func TestFailScheduledTaskRetryAndExhaust(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		ID:           "task-retry",
		AccountID:    "acct-1",
		ActionKind:   "dm_welcome",
		ExecuteAfter: now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	ref := TaskRef{ID: task.ID, AccountID: "acct-1", ActionKind: "dm_welcome"}
	if _, err := sqlStore.FailScheduledTask(ctx, FailScheduledTaskInput{TaskRef: ref, Message: "not claimed"}); err != ErrTaskNotClaimed {
		t.Fatalf("expected ErrTaskNotClaimed for pending task, got %v", err)
	}

	if _, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-1", now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	retryAt := now.Add(2 * time.Minute)
	retried, err := sqlStore.FailScheduledTask(ctx, FailScheduledTaskInput{TaskRef: ref, Message: "timeout", RetryAt: retryAt})
	if err != nil {
		t.Fatalf("fail with retry: %v", err)
	}
	if retried.Status != TaskStatusPending || retried.Retries != 1 || retried.LastError != "timeout" {
		t.Fatalf("unexpected retried task: %+v", retried)
	}
	if retried.ExecuteAfter.UnixMilli() != retryAt.UnixMilli() {
		t.Fatalf("expected execute after %s, got %s", retryAt, retried.ExecuteAfter)
	}
	if retried.ClaimToken != "" {
		t.Fatalf("expected claim token cleared, got %s", retried.ClaimToken)
	}

	if _, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-1", retryAt, 1); err != nil {
		t.Fatalf("claim retry: %v", err)
	}
	failed, err := sqlStore.FailScheduledTask(ctx, FailScheduledTaskInput{TaskRef: ref, Message: "rejected"})
	if err != nil {
		t.Fatalf("fail terminally: %v", err)
	}
	if failed.Status != TaskStatusFailed || failed.Retries != 2 {
		t.Fatalf("unexpected failed task: %+v", failed)
	}
}

func TestTaskTransitionsRequireOwningAccountAndKind(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		AccountID:    "acct-owner",
		ActionKind:   "dm_welcome",
		ExecuteAfter: now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-owner", now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	foreign := TaskRef{ID: task.ID, AccountID: "acct-other", ActionKind: "dm_welcome"}
	if err := sqlStore.CompleteScheduledTask(ctx, foreign); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound completing another account's task, got %v", err)
	}
	if _, err := sqlStore.FailScheduledTask(ctx, FailScheduledTaskInput{TaskRef: foreign, RetryAt: now.Add(time.Minute)}); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound failing another account's task, got %v", err)
	}
	wrongKind := TaskRef{ID: task.ID, AccountID: "acct-owner", ActionKind: "like"}
	if err := sqlStore.CompleteScheduledTask(ctx, wrongKind); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound for mismatched kind, got %v", err)
	}
	if err := sqlStore.CompleteScheduledTask(ctx, TaskRef{ID: task.ID, ActionKind: "dm_welcome"}); err != ErrInvalidAccount {
		t.Fatalf("expected ErrInvalidAccount without an account, got %v", err)
	}
	if err := sqlStore.CancelScheduledTask(ctx, "acct-other", task.ID); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound cancelling another account's task, got %v", err)
	}

	loaded, err := sqlStore.LookupScheduledTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("lookup task: %v", err)
	}
	if loaded.Status != TaskStatusClaimed || loaded.Retries != 0 {
		t.Fatalf("expected task untouched by other accounts, got %+v", loaded)
	}
}

func TestCreateScheduledTaskReturnsStoredExecuteAfter(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	executeAfter := time.Date(2026, 3, 10, 12, 20, 0, 123456789, time.UTC)

	created, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		AccountID:    "acct-1",
		ActionKind:   "dm_welcome",
		ExecuteAfter: executeAfter,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	loaded, err := sqlStore.LookupScheduledTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("lookup task: %v", err)
	}
	if !created.ExecuteAfter.Equal(loaded.ExecuteAfter) {
		t.Fatalf("created execute after %s differs from stored %s", created.ExecuteAfter, loaded.ExecuteAfter)
	}
	if created.ExecuteAfter.Nanosecond() != 123000000 {
		t.Fatalf("expected millisecond precision, got %d ns", created.ExecuteAfter.Nanosecond())
	}
}

func TestCancelScheduledTaskOnlyWhilePending(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		AccountID:    "acct-1",
		ActionKind:   "dm_welcome",
		ExecuteAfter: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := sqlStore.CancelScheduledTask(ctx, "acct-1", task.ID); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if err := sqlStore.CancelScheduledTask(ctx, "acct-1", task.ID); err != ErrTaskNotPending {
		t.Fatalf("expected ErrTaskNotPending on second cancel, got %v", err)
	}

	due, err := sqlStore.ListDueScheduledTasks(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("cancelled task must not be due, got %d", len(due))
	}
}

func TestRequeueStaleClaimsAndPurge(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	claimTime := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sqlStore.now = func() time.Time { return claimTime }

	stale, err := sqlStore.CreateScheduledTask(ctx, CreateScheduledTaskInput{
		AccountID:    "acct-1",
		ActionKind:   "dm_welcome",
		ExecuteAfter: claimTime.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := sqlStore.ClaimDueScheduledTasks(ctx, "acct-1", claimTime, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	requeued, err := sqlStore.RequeueStaleClaims(ctx, claimTime.Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue fresh claims: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("fresh claim must not be requeued, got %d", requeued)
	}
	requeued, err = sqlStore.RequeueStaleClaims(ctx, claimTime.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("requeue stale claims: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected one requeued claim, got %d", requeued)
	}
	loaded, err := sqlStore.LookupScheduledTask(ctx, stale.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if loaded.Status != TaskStatusPending {
		t.Fatalf("expected pending after requeue, got %s", loaded.Status)
	}

	if err := sqlStore.CancelScheduledTask(ctx, "acct-1", stale.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	purged, err := sqlStore.PurgeFinishedScheduledTasks(ctx, claimTime)
	if err != nil {
		t.Fatalf("purge recent: %v", err)
	}
	if purged != 0 {
		t.Fatalf("recently finished task must be kept, got %d purged", purged)
	}
	purged, err = sqlStore.PurgeFinishedScheduledTasks(ctx, claimTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge old: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged task, got %d", purged)
	}
}

func TestLogAckCountsSuccessfulExecutions(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if err := sqlStore.LogDecision(ctx, DecisionAuditInput{
		AccountID:    "acct-1",
		ActionKind:   "follow",
		TargetHandle: "target",
		Allowed:      true,
		Reason:       "authorized",
		DelayMs:      150000,
		RiskLevel:    "LOW",
	}); err != nil {
		t.Fatalf("log decision: %v", err)
	}
	if err := sqlStore.LogAck(ctx, AckAuditInput{
		AccountID:    "acct-1",
		ActionKind:   "follow",
		TargetHandle: "target",
		Success:      false,
		Message:      "rate limited",
	}); err != nil {
		t.Fatalf("log failed ack: %v", err)
	}
	if err := sqlStore.LogAck(ctx, AckAuditInput{
		AccountID:    "acct-1",
		ActionKind:   "follow",
		TargetHandle: "target",
		Success:      true,
		DelayMs:      150000,
	}); err != nil {
		t.Fatalf("log successful ack: %v", err)
	}

	count, err := sqlStore.GetDailyCount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get daily count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the successful ack counted, got %d", count)
	}

	events, err := sqlStore.ListAuditEvents(ctx, ListAuditEventsInput{AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	acks, err := sqlStore.ListAuditEvents(ctx, ListAuditEventsInput{AccountID: "acct-1", EventType: AuditEventAck})
	if err != nil {
		t.Fatalf("list ack events: %v", err)
	}
	if len(acks) != 2 {
		t.Fatalf("expected 2 ack events, got %d", len(acks))
	}
}

func TestLogDecisionKeepsCallerErrorCategory(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	if err := sqlStore.LogDecision(ctx, DecisionAuditInput{
		AccountID: "acct-1",
		Reason:    "actionKind is required",
		RiskLevel: "LOW",
		Category:  "caller_error",
	}); err != nil {
		t.Fatalf("log caller error decision: %v", err)
	}
	if err := sqlStore.LogDecision(ctx, DecisionAuditInput{ActionKind: "follow"}); err == nil {
		t.Fatal("expected decision without account to be rejected")
	}

	events, err := sqlStore.ListAuditEvents(ctx, ListAuditEventsInput{AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(events))
	}
	if events[0].Category != "caller_error" || events[0].ActionKind != "" || events[0].Allowed {
		t.Fatalf("unexpected caller error event: %+v", events[0])
	}
}
