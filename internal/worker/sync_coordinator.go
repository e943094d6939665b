// Package worker contains the agent's background loops.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	syncpkg "github.com/gridworks/fieldsync/internal/sync"
)

// SyncTrigger starts one sync pass. The orchestrator is the production
// implementation.
type SyncTrigger interface {
	TriggerSync(ctx context.Context) (syncpkg.Report, error)
}

// SyncCoordinator triggers sync passes on an interval and whenever the
// network monitor reports the device came back online. Overlapping triggers
// collapse into the pass already running.
type SyncCoordinator struct {
	trigger     SyncTrigger
	interval    time.Duration
	transitions <-chan struct{}
}

// NewSyncCoordinator creates a coordinator. transitions may be nil when no
// network monitor is running.
func NewSyncCoordinator(trigger SyncTrigger, interval time.Duration, transitions <-chan struct{}) *SyncCoordinator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SyncCoordinator{
		trigger:     trigger,
		interval:    interval,
		transitions: transitions,
	}
}

// Run starts the coordinator loop. The first pass is attempted immediately.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-coordinator",
		"action", "worker_started",
		"interval", c.interval,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sync(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sync(ctx, "interval")
		case <-c.transitions:
			c.sync(ctx, "reconnected")
		}
	}
}

func (c *SyncCoordinator) sync(ctx context.Context, cause string) {
	report, err := c.trigger.TriggerSync(ctx)
	if errors.Is(err, syncpkg.ErrSyncInProgress) {
		slog.Debug("sync pass already running",
			"component", "worker",
			"worker", "sync-coordinator",
			"cause", cause,
		)
		return
	}
	if err != nil {
		slog.Error("sync pass failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"action", "sync_failed",
			"cause", cause,
			"error", err,
		)
		return
	}
	slog.Debug("sync pass completed",
		"component", "worker",
		"worker", "sync-coordinator",
		"cause", cause,
		"pass_id", report.PassID,
		"status", string(report.Status),
	)
}
