// Package retention runs the periodic janitor: stream inactivity timeouts,
// expired delta buffers, thread cascades, and blob vacuum.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"agentdb/pkg/config"
	"agentdb/pkg/logger"
	"agentdb/pkg/store"
	"agentdb/pkg/streams"
	"agentdb/pkg/telemetry"
)

// Start launches the sweeper scheduler when enabled. Returns a cancel func.
func Start(ctx context.Context, cfg *config.Config, engine *streams.Engine) (context.CancelFunc, error) {
	if !cfg.Retention.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.Retention.Cron
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, engine)
	logger.Info("retention_scheduler_started", "cron", cronExpr)
	return cancel, nil
}

// runScheduler sleeps until each next cron tick and triggers a sweep.
func runScheduler(ctx context.Context, cronExpr string, engine *streams.Engine) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			RunOnce(engine)
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce performs one full sweep. Each phase is independent; a failing
// phase logs and the rest still run.
func RunOnce(engine *streams.Engine) {
	telemetry.SweeperRuns.Inc()
	now := time.Now().UTC()

	timedOut := engine.TimeoutInactive(now)
	swept, err := engine.SweepExpired(now)
	if err != nil {
		logger.Error("retention_stream_sweep_failed", "error", err)
	}
	cascaded, err := store.RunCascades()
	if err != nil {
		logger.Error("retention_cascade_failed", "error", err)
	}
	vacuumed, err := store.VacuumFiles()
	if err != nil {
		logger.Error("retention_vacuum_failed", "error", err)
	}
	logger.Debug("retention_run_complete",
		"timed_out", timedOut, "streams_swept", swept,
		"threads_cascaded", cascaded, "files_vacuumed", vacuumed)
}
