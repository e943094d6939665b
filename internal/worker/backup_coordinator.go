package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridworks/fieldsync/internal/snapshot"
)

// SnapshotStore generates consistent database snapshots.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// BackupCoordinator periodically snapshots the local database and ships the
// snapshot off-device.
type BackupCoordinator struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewBackupCoordinator creates a coordinator.
func NewBackupCoordinator(store SnapshotStore, uploader snapshot.Uploader, interval time.Duration) *BackupCoordinator {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &BackupCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop. The first backup happens immediately so a
// freshly provisioned device gets covered without waiting a full interval.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "worker_started",
		"interval", c.interval,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.backup(ctx)
		}
	}
}

func (c *BackupCoordinator) backup(ctx context.Context) {
	start := time.Now()

	if err := c.store.GenerateSnapshot(ctx); err != nil {
		slog.Error("snapshot generation failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	path, err := c.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Error("snapshot path lookup failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, path); err != nil {
		slog.Error("snapshot upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("backup completed",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "backup_completed",
		"duration", time.Since(start),
	)
}
