package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	syncpkg "github.com/gridworks/fieldsync/internal/sync"
	"github.com/gridworks/fieldsync/internal/types"
)

const insertQueueItemSQL = `
	INSERT INTO sync_queue (
		id, operation, payload, entity_id, entity_type,
		related_entity_id, related_entity_type, partition_key,
		status, attempts, next_attempt_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// queueItemArgs returns the SQL arguments for inserting a QueueItem.
func queueItemArgs(item *syncpkg.QueueItem) []any {
	return []any{
		item.ID, string(item.Operation), string(item.Payload),
		item.EntityID, string(item.EntityType),
		item.RelatedEntityID, string(item.RelatedEntityType),
		item.PartitionKey(),
		string(item.Status), item.Attempts,
		item.NextAttemptAt.UnixMilli(),
		formatTime(item.CreatedAt),
	}
}

// enqueueOperationTx durably persists a queue item inside the transaction of
// the record mutation that spawned it. Enqueueing is never standalone: a
// persistence failure propagates so the whole combined write rolls back.
func enqueueOperationTx(ctx context.Context, tx *sql.Tx, item *syncpkg.QueueItem) error {
	result, err := tx.ExecContext(ctx, insertQueueItemSQL, queueItemArgs(item)...)
	if err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}
	item.Seq, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get queue sequence: %w", err)
	}
	return nil
}

const selectQueueItemSQL = `
	SELECT seq, id, operation, payload, entity_id, entity_type,
	       related_entity_id, related_entity_type,
	       status, attempts, next_attempt_at, created_at, last_attempt_at, error_details
	FROM sync_queue`

// scanQueueItem scans a row into a QueueItem.
func scanQueueItem(scanner interface{ Scan(...any) error }) (*syncpkg.QueueItem, error) {
	var item syncpkg.QueueItem
	var operation, entityType, relatedEntityType, status string
	var payload string
	var nextAttemptMilli int64
	var createdAt string
	var lastAttemptAt, errorDetails sql.NullString

	err := scanner.Scan(
		&item.Seq, &item.ID, &operation, &payload,
		&item.EntityID, &entityType,
		&item.RelatedEntityID, &relatedEntityType,
		&status, &item.Attempts, &nextAttemptMilli,
		&createdAt, &lastAttemptAt, &errorDetails,
	)
	if err != nil {
		return nil, err
	}

	item.Operation = syncpkg.OperationType(operation)
	item.EntityType = types.EntityType(entityType)
	item.RelatedEntityType = types.EntityType(relatedEntityType)
	item.Status = syncpkg.Status(status)
	if payload != "" {
		item.Payload = json.RawMessage(payload)
	}
	item.NextAttemptAt = time.UnixMilli(nextAttemptMilli).UTC()
	item.CreatedAt = parseTime(createdAt)
	if lastAttemptAt.Valid {
		t := parseTime(lastAttemptAt.String)
		item.LastAttemptAt = &t
	}
	if errorDetails.Valid && errorDetails.String != "" {
		var details syncpkg.ErrorDetails
		if err := json.Unmarshal([]byte(errorDetails.String), &details); err != nil {
			slog.Warn("sync_queue: failed to parse error details",
				"queue_item_id", item.ID,
				"error", err,
				"component", "store",
			)
		} else {
			item.ErrorDetails = &details
		}
	}

	return &item, nil
}

// GetOperation returns a single queue item by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*syncpkg.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, selectQueueItemSQL+` WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrQueueItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ListOperations returns queue items in enqueue order, bounded by limit.
func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]syncpkg.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, selectQueueItemSQL+` ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ListReadyOperations returns the items eligible for dispatch at the given
// time, in enqueue order. Delivery order is per partition: an item is ready
// while its status is pending or retrying, its backoff window has elapsed,
// and every older sibling in its partition is either completed or itself
// ready ahead of it. One listing therefore carries a partition's whole
// consecutive run of deliverable items, oldest first; the caller must stop
// the run at the first item that does not complete. A partition whose head
// is terminal (failed or abandoned) or still waiting out a backoff blocks
// everything behind it, so operations on the same entity are never reordered
// by a retry.
func (s *SQLiteStore) ListReadyOperations(ctx context.Context, now time.Time, limit int) ([]syncpkg.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, selectQueueItemSQL+`
		 AS q
		WHERE q.status IN (?, ?)
		  AND q.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue p
			WHERE p.partition_key = q.partition_key
			  AND p.seq < q.seq
			  AND p.status != ?
			  AND NOT (p.status IN (?, ?) AND p.next_attempt_at <= ?)
		  )
		ORDER BY q.seq ASC
		LIMIT ?`,
		string(syncpkg.StatusPending), string(syncpkg.StatusRetrying),
		now.UnixMilli(),
		string(syncpkg.StatusCompleted),
		string(syncpkg.StatusPending), string(syncpkg.StatusRetrying),
		now.UnixMilli(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ready queue items: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

func collectQueueItems(rows *sql.Rows) ([]syncpkg.QueueItem, error) {
	items := make([]syncpkg.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// MarkOperationStatus updates one item's delivery state. attemptsDelta is
// added to the attempt counter and, when positive, stamps last_attempt_at.
// details replaces the stored error details; nil clears them.
func (s *SQLiteStore) MarkOperationStatus(ctx context.Context, id string, status syncpkg.Status, attemptsDelta int, details *syncpkg.ErrorDetails, nextAttemptAt time.Time) error {
	var detailsJSON sql.NullString
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	var lastAttempt sql.NullString
	if attemptsDelta > 0 {
		lastAttempt = sql.NullString{String: formatTime(time.Now()), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?,
		    attempts = attempts + ?,
		    next_attempt_at = ?,
		    last_attempt_at = COALESCE(?, last_attempt_at),
		    error_details = ?
		WHERE id = ?`,
		string(status), attemptsDelta, nextAttemptAt.UnixMilli(), lastAttempt, detailsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("mark queue item status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

// DeleteCompletedOperations purges all completed items. Returns the count.
func (s *SQLiteStore) DeleteCompletedOperations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ?`, string(syncpkg.StatusCompleted))
	if err != nil {
		return 0, fmt.Errorf("delete completed queue items: %w", err)
	}
	return result.RowsAffected()
}

// recoverInFlightOperations returns items stuck in processing to pending.
// Called once when the store opens: a processing row can only exist after a
// crash mid-delivery, and leaving it would block its partition forever. The
// attempt already counted stays counted.
func (s *SQLiteStore) recoverInFlightOperations(ctx context.Context) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?
		WHERE status = ?`,
		string(syncpkg.StatusPending), string(syncpkg.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("recover in-flight queue items: %w", err)
	}
	recovered, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if recovered > 0 {
		slog.Warn("recovered operations interrupted mid-delivery",
			"component", "store",
			"count", recovered,
		)
	}
	return nil
}

// ResetTerminalOperations returns failed and abandoned items to pending with
// a fresh attempt budget. This is an explicit user action; nothing resets
// terminal items automatically.
func (s *SQLiteStore) ResetTerminalOperations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = ?, attempts = 0, next_attempt_at = 0, error_details = NULL
		WHERE status IN (?, ?)`,
		string(syncpkg.StatusPending),
		string(syncpkg.StatusFailed), string(syncpkg.StatusAbandoned),
	)
	if err != nil {
		return 0, fmt.Errorf("reset terminal queue items: %w", err)
	}
	return result.RowsAffected()
}

// CountOperationsByStatus returns the number of queue items per status.
func (s *SQLiteStore) CountOperationsByStatus(ctx context.Context) (map[syncpkg.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[syncpkg.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		counts[syncpkg.Status(status)] = count
	}
	return counts, rows.Err()
}
