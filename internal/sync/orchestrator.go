package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrSyncInProgress is returned by TriggerSync while another pass is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// Queue is the durable operation queue as the orchestrator sees it.
type Queue interface {
	ListReadyOperations(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	MarkOperationStatus(ctx context.Context, id string, status Status, attemptsDelta int, details *ErrorDetails, nextAttemptAt time.Time) error
	DeleteCompletedOperations(ctx context.Context) (int64, error)
}

// Gateway delivers one operation to the remote side.
type Gateway interface {
	Dispatch(ctx context.Context, item *QueueItem) (json.RawMessage, error)
}

// Reconciler merges a delivery response into the local store.
type Reconciler interface {
	ReconcileCreated(ctx context.Context, op OperationType, localID string, remote json.RawMessage) error
	ReconcileUpdated(ctx context.Context, op OperationType, localID string, remote json.RawMessage) error
	ReconcileDeleted(ctx context.Context, op OperationType, localID string) error
	ReconcileBatch(ctx context.Context, op OperationType, parentID string, remote json.RawMessage) error
}

// Reachability answers whether the remote side is currently believed
// reachable. Checked between items so a pass stops promptly when the device
// goes offline.
type Reachability interface {
	Reachable() bool
}

// failureDetailer is satisfied by the gateway's dispatch error.
type failureDetailer interface {
	error
	Details() *ErrorDetails
}

// Config tunes a sync pass.
type Config struct {
	// MaxAttempts is the attempt ceiling after which an item is abandoned.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt; it doubles per
	// attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// BatchLimit bounds how many items one pass drains.
	BatchLimit int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
}

// Orchestrator drains the operation queue against the remote side. At most
// one pass runs at a time; concurrent triggers are rejected, never queued.
type Orchestrator struct {
	queue      Queue
	gateway    Gateway
	reconciler Reconciler
	reach      Reachability
	now        func() time.Time
	cfg        Config
	logger     *slog.Logger

	inFlight atomic.Bool

	mu         stdsync.Mutex
	lastReport Report
}

// NewOrchestrator creates an Orchestrator. now may be nil for wall-clock time.
func NewOrchestrator(queue Queue, gw Gateway, rec Reconciler, reach Reachability, now func() time.Time, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		queue:      queue,
		gateway:    gw,
		reconciler: rec,
		reach:      reach,
		now:        now,
		cfg:        cfg,
		logger:     logger.With("component", "sync"),
		lastReport: Report{Status: ReportIdle},
	}
}

// LastReport returns the most recent pass report. While a pass is running it
// reflects the in-progress state.
func (o *Orchestrator) LastReport() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// Syncing reports whether a pass is currently active.
func (o *Orchestrator) Syncing() bool {
	return o.inFlight.Load()
}

// TriggerSync runs one sync pass: a single drain of the ready items, oldest
// first, stopping early if reachability drops. Returns ErrSyncInProgress if
// a pass is already active.
func (o *Orchestrator) TriggerSync(ctx context.Context) (Report, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer o.inFlight.Store(false)

	start := o.now().UTC()
	report := Report{
		PassID:    uuid.NewString(),
		Status:    ReportSyncing,
		StartedAt: start,
	}
	o.setReport(report)

	o.logger.Info("sync pass started", "pass_id", report.PassID)

	items, err := o.queue.ListReadyOperations(ctx, start, o.cfg.BatchLimit)
	if err != nil {
		report.Status = ReportError
		report.Message = fmt.Sprintf("list ready operations: %v", err)
		report.FinishedAt = o.now().UTC()
		o.setReport(report)
		return report, fmt.Errorf("list ready operations: %w", err)
	}

	// The ready set carries each partition's consecutive run of deliverable
	// items; once one of them does not complete, the rest of its partition
	// must wait for a later pass to keep per-entity order.
	blocked := make(map[string]struct{})
	for i := range items {
		if ctx.Err() != nil {
			report.Message = "pass interrupted: " + ctx.Err().Error()
			break
		}
		if o.reach != nil && !o.reach.Reachable() {
			report.Message = "network unreachable, pass stopped early"
			o.logger.Info("reachability lost mid-pass, stopping",
				"pass_id", report.PassID,
				"remaining", len(items)-i,
			)
			break
		}
		partition := items[i].PartitionKey()
		if _, ok := blocked[partition]; ok {
			o.logger.Debug("skipping operation behind a failure in its partition",
				"pass_id", report.PassID,
				"queue_item_id", items[i].ID,
				"partition", partition,
			)
			continue
		}
		if !o.processItem(ctx, &items[i], &report) {
			blocked[partition] = struct{}{}
		}
	}

	if purged, err := o.queue.DeleteCompletedOperations(ctx); err != nil {
		o.logger.Error("failed to purge completed operations", "error", err)
	} else if purged > 0 {
		o.logger.Debug("purged completed operations", "count", purged)
	}

	report.FinishedAt = o.now().UTC()
	if report.Failed > 0 || report.Abandoned > 0 {
		report.Status = ReportError
		if report.Message == "" {
			report.Message = fmt.Sprintf("%d of %d operations did not complete",
				report.Failed+report.Abandoned, report.Processed)
		}
	} else {
		report.Status = ReportSuccess
	}
	o.setReport(report)

	o.logger.Info("sync pass finished",
		"pass_id", report.PassID,
		"status", string(report.Status),
		"processed", report.Processed,
		"completed", report.Completed,
		"failed", report.Failed,
		"abandoned", report.Abandoned,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

func (o *Orchestrator) setReport(r Report) {
	o.mu.Lock()
	o.lastReport = r
	o.mu.Unlock()
}

// processItem runs one item through dispatch and reconciliation and records
// the outcome on both the queue and the report. Returns whether the item
// completed; anything short of completed blocks the rest of its partition
// for this pass.
func (o *Orchestrator) processItem(ctx context.Context, item *QueueItem, report *Report) bool {
	report.Processed++
	attempts := item.Attempts + 1

	if err := o.queue.MarkOperationStatus(ctx, item.ID, StatusProcessing, 1, nil, o.now().UTC()); err != nil {
		o.logger.Error("failed to mark operation processing",
			"queue_item_id", item.ID, "error", err)
		report.Failed++
		return false
	}

	if err := o.validateItem(item); err != nil {
		o.failItem(ctx, item, report, err.Error())
		return false
	}

	resp, err := o.gateway.Dispatch(ctx, item)
	if err != nil {
		o.recordDispatchFailure(ctx, item, report, attempts, err)
		return false
	}

	if err := o.reconcileItem(ctx, item, resp); err != nil {
		o.failItem(ctx, item, report, "reconcile: "+err.Error())
		return false
	}

	if err := o.queue.MarkOperationStatus(ctx, item.ID, StatusCompleted, 0, nil, o.now().UTC()); err != nil {
		o.logger.Error("failed to mark operation completed",
			"queue_item_id", item.ID, "error", err)
		report.Failed++
		return false
	}
	report.Completed++
	return true
}

// validateItem rejects items that can never be delivered: undecodable
// payloads and missing local identifiers are programming-error class failures.
func (o *Orchestrator) validateItem(item *QueueItem) error {
	if _, err := DecodePayload(item.Operation, item.Payload); err != nil {
		return err
	}
	if item.Operation.IsBatch() {
		if item.RelatedEntityID == "" {
			return fmt.Errorf("batch operation %s missing parent id", item.Operation)
		}
		return nil
	}
	if item.EntityID == "" {
		return fmt.Errorf("operation %s missing local entity id", item.Operation)
	}
	return nil
}

func (o *Orchestrator) reconcileItem(ctx context.Context, item *QueueItem, resp json.RawMessage) error {
	op := item.Operation
	switch {
	case op.IsBatch():
		return o.reconciler.ReconcileBatch(ctx, op, item.RelatedEntityID, resp)
	case op.IsDelete():
		return o.reconciler.ReconcileDeleted(ctx, op, item.EntityID)
	case op.IsCreate():
		return o.reconciler.ReconcileCreated(ctx, op, item.EntityID, resp)
	default:
		return o.reconciler.ReconcileUpdated(ctx, op, item.EntityID, resp)
	}
}

// recordDispatchFailure routes a delivery failure to retrying, abandoned, or
// failed depending on its class and the attempt budget.
func (o *Orchestrator) recordDispatchFailure(ctx context.Context, item *QueueItem, report *Report, attempts int, err error) {
	details := detailsFor(err)

	switch {
	case !details.Retryable:
		o.markFailure(ctx, item, report, StatusFailed, details, o.now().UTC())
		o.logger.Warn("operation failed terminally",
			"queue_item_id", item.ID,
			"operation", string(item.Operation),
			"reason", details.Reason,
			"status_code", details.StatusCode,
		)
	case attempts >= o.cfg.MaxAttempts:
		o.markAbandoned(ctx, item, report, details)
	default:
		next := o.now().UTC().Add(o.backoff(attempts))
		if err := o.queue.MarkOperationStatus(ctx, item.ID, StatusRetrying, 0, details, next); err != nil {
			o.logger.Error("failed to mark operation retrying",
				"queue_item_id", item.ID, "error", err)
		}
		report.Failed++
		o.logger.Info("operation will be retried",
			"queue_item_id", item.ID,
			"operation", string(item.Operation),
			"attempts", attempts,
			"next_attempt_at", next,
			"reason", details.Reason,
		)
	}
}

func (o *Orchestrator) markAbandoned(ctx context.Context, item *QueueItem, report *Report, details *ErrorDetails) {
	if err := o.queue.MarkOperationStatus(ctx, item.ID, StatusAbandoned, 0, details, o.now().UTC()); err != nil {
		o.logger.Error("failed to mark operation abandoned",
			"queue_item_id", item.ID, "error", err)
	}
	report.Abandoned++
	o.logger.Warn("operation abandoned after exhausting attempts",
		"queue_item_id", item.ID,
		"operation", string(item.Operation),
		"attempts", item.Attempts+1,
		"reason", details.Reason,
	)
}

func (o *Orchestrator) failItem(ctx context.Context, item *QueueItem, report *Report, reason string) {
	details := &ErrorDetails{
		Reason:     reason,
		Retryable:  false,
		OccurredAt: o.now().UTC(),
	}
	o.markFailure(ctx, item, report, StatusFailed, details, o.now().UTC())
	o.logger.Warn("operation failed",
		"queue_item_id", item.ID,
		"operation", string(item.Operation),
		"reason", reason,
	)
}

func (o *Orchestrator) markFailure(ctx context.Context, item *QueueItem, report *Report, status Status, details *ErrorDetails, nextAttemptAt time.Time) {
	if err := o.queue.MarkOperationStatus(ctx, item.ID, status, 0, details, nextAttemptAt); err != nil {
		o.logger.Error("failed to record operation failure",
			"queue_item_id", item.ID, "error", err)
	}
	report.Failed++
}

// backoff returns the retry delay after the given attempt count: base times
// two to the attempts, capped.
func (o *Orchestrator) backoff(attempts int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.cfg.BackoffCap {
			return o.cfg.BackoffCap
		}
	}
	if d > o.cfg.BackoffCap {
		return o.cfg.BackoffCap
	}
	return d
}

// detailsFor extracts structured failure details, tolerating errors that did
// not come from the gateway.
func detailsFor(err error) *ErrorDetails {
	var fd failureDetailer
	if errors.As(err, &fd) {
		return fd.Details()
	}
	return &ErrorDetails{
		Reason:     err.Error(),
		Retryable:  true,
		OccurredAt: time.Now().UTC(),
	}
}
