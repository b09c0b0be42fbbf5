package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwizi/action-governor/internal/heartbeat"
)

func (r *Runtime) Run(ctx context.Context) error {
	active := r.policy.Current()
	r.logger.Info("action-governor runtime starting",
		"addr", r.cfg.HTTPAddr,
		"db_path", r.cfg.DBPath,
		"policy_file", r.cfg.PolicyFile,
		"tiers", len(active.Tiers),
	)
	if r.heartbeat != nil {
		r.heartbeat.Beat("runtime", "runtime loop started")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), "scheduler", 0, func(runCtx context.Context) error {
			return r.scheduler.Start(runCtx)
		})
	})
	if r.policyWatcher != nil {
		group.Go(func() error {
			return runMonitored(groupCtx, r.reporter(), "policy", 0, func(runCtx context.Context) error {
				return r.policyWatcher.Start(runCtx)
			})
		})
	} else if r.heartbeat != nil {
		r.heartbeat.Disabled("policy", "policy hot reload disabled")
	}
	group.Go(func() error {
		return runMonitored(groupCtx, r.reporter(), "api", 20*time.Second, func(runCtx context.Context) error {
			err := r.httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	})
	if r.heartbeatMonitor != nil {
		group.Go(func() error {
			return r.heartbeatMonitor.Start(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// reporter keeps a nil registry from becoming a non-nil interface value.
func (r *Runtime) reporter() heartbeat.Reporter {
	if r.heartbeat == nil {
		return nil
	}
	return r.heartbeat
}

// runMonitored runs a component and mirrors its lifecycle into the reporter.
// A positive beatInterval keeps beating while run blocks, for components that
// have no loop of their own to report from.
func runMonitored(
	ctx context.Context,
	reporter heartbeat.Reporter,
	component string,
	beatInterval time.Duration,
	run func(context.Context) error,
) error {
	if run == nil {
		return nil
	}
	if reporter != nil {
		reporter.Starting(component, "starting")
		reporter.Beat(component, "running")
	}

	var stopHeartbeat func()
	if reporter != nil && beatInterval > 0 {
		heartbeatCtx, cancel := context.WithCancel(ctx)
		stopHeartbeat = cancel
		go func() {
			ticker := time.NewTicker(beatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatCtx.Done():
					return
				case <-ticker.C:
					reporter.Beat(component, "running")
				}
			}
		}()
	}

	err := run(ctx)
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if reporter == nil {
		return err
	}
	if err != nil && ctx.Err() == nil {
		reporter.Degrade(component, "component failed", err)
		return err
	}
	reporter.Stopped(component, "stopped")
	return err
}
