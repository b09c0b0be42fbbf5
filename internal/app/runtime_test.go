package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dwizi/action-governor/internal/config"
	"github.com/dwizi/action-governor/internal/heartbeat"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	return config.Config{
		Environment:           "test",
		HTTPAddr:              "127.0.0.1:0",
		DataDir:               root,
		DBPath:                filepath.Join(root, "db", "governor.sqlite"),
		StoreTimeoutMs:        2000,
		AuditTimeoutMs:        1000,
		DuePollLimit:          50,
		ClaimMaxTasks:         10,
		ClaimStaleSeconds:     600,
		TaskMaxRetries:        3,
		SchedulerPollSeconds:  15,
		MaintenanceCron:       "15 3 * * *",
		TaskRetentionHours:    168,
		QuotaResetCron:        "0 0 * * *",
		QuotaTimezone:         "UTC",
		HeartbeatEnabled:      true,
		HeartbeatIntervalSec:  30,
		HeartbeatStaleSeconds: 120,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBuildsRuntimeWithPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyFile = filepath.Join(cfg.DataDir, "policy.yaml")
	cfg.PolicyWatch = true
	if err := os.WriteFile(cfg.PolicyFile, []byte("tiers:\n  pro: 750\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	runtime, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close()

	if got := runtime.policy.Current().Tiers["pro"]; got != 750 {
		t.Fatalf("expected pro ceiling from policy file, got %d", got)
	}
	if runtime.policyWatcher == nil {
		t.Fatal("expected policy watcher when a policy file is configured")
	}
	if runtime.heartbeat == nil || runtime.heartbeatMonitor == nil {
		t.Fatal("expected heartbeat registry and monitor")
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("expected database file to exist: %v", err)
	}

	recorder := httptest.NewRecorder()
	runtime.httpServer.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ready store, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestNewWithoutPolicyFileUsesDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyWatch = true
	cfg.HeartbeatEnabled = false

	runtime, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close()

	if runtime.policyWatcher != nil {
		t.Fatal("expected no policy watcher without a policy file")
	}
	if runtime.heartbeat != nil || runtime.reporter() != nil {
		t.Fatal("expected heartbeat to be disabled")
	}
	if got := runtime.policy.Current().Tiers["pro"]; got != 500 {
		t.Fatalf("expected default pro ceiling 500, got %d", got)
	}
}

func TestNewRejectsInvalidPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyFile = filepath.Join(cfg.DataDir, "policy.yaml")
	body := "delays:\n  like:\n    min_ms: 5000\n    max_ms: 1000\n"
	if err := os.WriteFile(cfg.PolicyFile, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := New(cfg, discardLogger()); err == nil {
		t.Fatal("expected invalid policy to fail startup")
	}
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.QuotaTimezone = "Mars/Olympus_Mons"
	if _, err := New(cfg, discardLogger()); err == nil {
		t.Fatal("expected unknown quota timezone to fail startup")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	runtime, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer runtime.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runtime.Run(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after cancel")
	}
	snapshot := runtime.heartbeat.Snapshot(time.Minute)
	for _, component := range snapshot.Components {
		if component.Name == "policy" && component.State != heartbeat.StateDisabled {
			t.Fatalf("expected policy component disabled, got %s", component.State)
		}
	}
}

func TestRunMonitoredReportsFailure(t *testing.T) {
	registry := heartbeat.NewRegistry()
	boom := errors.New("boom")

	err := runMonitored(context.Background(), registry, "worker", 0, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected component error, got %v", err)
	}
	snapshot := registry.Snapshot(time.Minute)
	if len(snapshot.Components) != 1 || snapshot.Components[0].State != heartbeat.StateDegraded {
		t.Fatalf("expected degraded worker, got %+v", snapshot.Components)
	}
}

func TestRunMonitoredStopsCleanlyOnCancel(t *testing.T) {
	registry := heartbeat.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runMonitored(ctx, registry, "worker", 10*time.Millisecond, func(runCtx context.Context) error {
		<-runCtx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	snapshot := registry.Snapshot(time.Minute)
	if snapshot.Components[0].State != heartbeat.StateStopped {
		t.Fatalf("expected stopped worker, got %s", snapshot.Components[0].State)
	}
}
