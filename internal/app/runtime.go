package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dwizi/action-governor/internal/config"
	"github.com/dwizi/action-governor/internal/governor"
	"github.com/dwizi/action-governor/internal/heartbeat"
	"github.com/dwizi/action-governor/internal/httpapi"
	"github.com/dwizi/action-governor/internal/policy"
	"github.com/dwizi/action-governor/internal/scheduler"
	"github.com/dwizi/action-governor/internal/store"
)

type Runtime struct {
	cfg              config.Config
	logger           *slog.Logger
	store            *store.Store
	policy           *policy.Holder
	policyWatcher    *policy.Watcher
	scheduler        *scheduler.Service
	governor         *governor.Governor
	httpServer       *http.Server
	heartbeat        *heartbeat.Registry
	heartbeatMonitor *heartbeat.Monitor
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	location, err := time.LoadLocation(strings.TrimSpace(cfg.QuotaTimezone))
	if err != nil {
		return nil, fmt.Errorf("load quota timezone %q: %w", cfg.QuotaTimezone, err)
	}

	active, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	holder := policy.NewHolder(active)

	sqlStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		sqlStore.Close()
		return nil, err
	}
	sqlStore.SetUsageLocation(location)

	var registry *heartbeat.Registry
	var monitor *heartbeat.Monitor
	if cfg.HeartbeatEnabled {
		registry = heartbeat.NewRegistry()
		monitor = heartbeat.NewMonitor(registry, cfg.HeartbeatInterval(), cfg.HeartbeatStaleAfter(), logger)
	}

	taskScheduler, err := scheduler.New(sqlStore, scheduler.Config{
		PollInterval:    cfg.SchedulerPollInterval(),
		StaleClaimAfter: cfg.ClaimStaleAfter(),
		MaxRetries:      cfg.TaskMaxRetries,
		Retention:       cfg.TaskRetention(),
		MaintenanceCron: cfg.MaintenanceCron,
		DuePollLimit:    cfg.DuePollLimit,
		ClaimMaxTasks:   cfg.ClaimMaxTasks,
	}, logger)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}
	if registry != nil {
		taskScheduler.SetHeartbeatReporter(registry)
	}

	gov, err := governor.New(governor.Dependencies{
		Plans:          sqlStore,
		Usage:          sqlStore,
		States:         sqlStore,
		Scheduler:      taskScheduler,
		Audit:          sqlStore,
		Policy:         holder,
		Logger:         logger,
		StoreTimeout:   cfg.StoreTimeout(),
		AuditTimeout:   cfg.AuditTimeout(),
		QuotaResetCron: cfg.QuotaResetCron,
		QuotaTimezone:  cfg.QuotaTimezone,
	})
	if err != nil {
		sqlStore.Close()
		return nil, err
	}

	var watcher *policy.Watcher
	if cfg.PolicyWatch && strings.TrimSpace(cfg.PolicyFile) != "" {
		watcher, err = policy.NewWatcher(cfg.PolicyFile, holder, logger.With("component", "policy-watcher"), func(next policy.Policy) {
			if registry != nil {
				registry.Beat("policy", fmt.Sprintf("policy reloaded (%d tiers)", len(next.Tiers)))
			}
		})
		if err != nil {
			sqlStore.Close()
			return nil, err
		}
	}

	router := httpapi.NewRouter(httpapi.Dependencies{
		Config:              cfg,
		Store:               sqlStore,
		Governor:            gov,
		Tasks:               taskScheduler,
		Logger:              logger.With("component", "api"),
		Heartbeat:           registry,
		HeartbeatStaleAfter: cfg.HeartbeatStaleAfter(),
	})

	return &Runtime{
		cfg:              cfg,
		logger:           logger,
		store:            sqlStore,
		policy:           holder,
		policyWatcher:    watcher,
		scheduler:        taskScheduler,
		governor:         gov,
		heartbeat:        registry,
		heartbeatMonitor: monitor,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}
