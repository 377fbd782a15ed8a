// Package queue provides the durable sync queue for mutations made while the
// server could not be reached.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Lokii1211/kadaigpt-sub002/internal/db"
	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// Stats summarizes the queue by status.
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Dead    int `json:"dead"`
	Synced  int `json:"synced"`
}

// SyncQueue manages queued operations on top of the local store. Items are
// never removed: synced and dead items stay visible for inspection.
type SyncQueue struct {
	repo       db.QueueRepository
	maxRetries int

	// serializes read-modify-write of a single item's state
	mu sync.Mutex
}

// NewSyncQueue creates a SyncQueue. maxRetries <= 0 uses models.DefaultMaxRetries.
// The ceiling is also handed to repo, so items the store appends on its own
// get the same budget as those appended here.
func NewSyncQueue(repo db.QueueRepository, maxRetries int) *SyncQueue {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	repo.SetMaxRetries(maxRetries)
	return &SyncQueue{repo: repo, maxRetries: maxRetries}
}

// Enqueue durably appends an operation. It returns once the item is
// persisted, not once it is delivered.
func (q *SyncQueue) Enqueue(ctx context.Context, op models.Operation, payload json.RawMessage, refID string) (*models.SyncQueueItem, error) {
	if op == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "operation type is required")
	}
	if !json.Valid(payload) {
		return nil, apperrors.New(apperrors.ErrInvalid, "queue payload must be JSON")
	}

	item := &models.SyncQueueItem{
		Type:       op,
		Payload:    payload,
		RefID:      refID,
		Status:     models.QueueStatusPending,
		MaxRetries: q.maxRetries,
	}
	if err := q.repo.InsertQueueItem(ctx, item); err != nil {
		return nil, err
	}

	logging.Info("Enqueued operation", map[string]interface{}{
		"queue_id": item.ID,
		"type":     string(item.Type),
		"ref_id":   item.RefID,
	})
	return item, nil
}

// EnqueueRequest queues a captured HTTP mutation for replay.
func (q *SyncQueue) EnqueueRequest(ctx context.Context, req models.RecordedRequest) (*models.SyncQueueItem, error) {
	if req.OperationID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "recorded request needs an operation id")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode recorded request", err)
	}
	return q.Enqueue(ctx, models.OperationReplayRequest, payload, req.OperationID)
}

// HandleMessage persists QUEUE_OFFLINE_REQUEST captures. An error means the
// capture is not durable and the caller must not report it as queued.
func (q *SyncQueue) HandleMessage(ctx context.Context, msg messaging.Message) error {
	if msg.Type != messaging.QueueOfflineRequest {
		return nil
	}
	var req models.RecordedRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	_, err := q.EnqueueRequest(ctx, req)
	return err
}

// Deliverable returns pending and failed items in FIFO order.
func (q *SyncQueue) Deliverable(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return q.repo.ListQueueItems(ctx, models.QueueStatusPending, models.QueueStatusFailed)
}

// MarkSynced records a successful delivery. For create_bill items the
// originating bill is joined with serverID in the same transaction.
func (q *SyncQueue) MarkSynced(ctx context.Context, item *models.SyncQueueItem, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	localID := ""
	if item.Type == models.OperationCreateBill {
		localID = item.RefID
	}
	if err := q.repo.CompleteDelivery(ctx, item.ID, localID, serverID); err != nil {
		return err
	}
	item.Status = models.QueueStatusSynced
	item.LastError = ""
	return nil
}

// MarkFailed records a failed attempt. The item becomes dead when the failure
// is permanent or the retry ceiling is reached, failed otherwise.
func (q *SyncQueue) MarkFailed(ctx context.Context, id int64, cause error, permanent bool) (*models.SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue item %d not found", id))
	}

	item.RetryCount++
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.Status = models.QueueStatusFailed
	if permanent || item.RetryCount >= item.MaxRetries {
		item.Status = models.QueueStatusDead
	}

	if err := q.repo.UpdateQueueItem(ctx, item); err != nil {
		return nil, err
	}

	if item.Status == models.QueueStatusDead {
		logging.Warn("Queue item is dead", map[string]interface{}{
			"queue_id":    item.ID,
			"type":        string(item.Type),
			"retry_count": item.RetryCount,
			"permanent":   permanent,
			"last_error":  item.LastError,
		})
	} else {
		logging.Info("Queue item failed, will retry", map[string]interface{}{
			"queue_id":    item.ID,
			"retry_count": item.RetryCount,
			"max_retries": item.MaxRetries,
			"last_error":  item.LastError,
		})
	}
	return item, nil
}

// Retry resets a failed or dead item to pending with a fresh retry budget.
func (q *SyncQueue) Retry(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.repo.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue item %d not found", id))
	}
	if item.Status == models.QueueStatusSynced {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("queue item %d is already synced", id))
	}

	if err := q.reset(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RetryAll resets every dead item to pending and returns how many changed.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.repo.ListQueueItems(ctx, models.QueueStatusDead)
	if err != nil {
		return 0, err
	}
	for _, item := range dead {
		if err := q.reset(ctx, item); err != nil {
			return 0, err
		}
	}
	if len(dead) > 0 {
		logging.Info("Reset dead items for retry", map[string]interface{}{"count": len(dead)})
	}
	return len(dead), nil
}

func (q *SyncQueue) reset(ctx context.Context, item *models.SyncQueueItem) error {
	item.Status = models.QueueStatusPending
	item.RetryCount = 0
	item.LastError = ""
	return q.repo.UpdateQueueItem(ctx, item)
}

// Get returns a queue item, or nil when absent.
func (q *SyncQueue) Get(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	return q.repo.GetQueueItem(ctx, id)
}

// List returns items in FIFO order, optionally filtered by status.
func (q *SyncQueue) List(ctx context.Context, statuses ...models.QueueStatus) ([]*models.SyncQueueItem, error) {
	return q.repo.ListQueueItems(ctx, statuses...)
}

// Stats returns queue counts by status.
func (q *SyncQueue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.QueueCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending: counts[models.QueueStatusPending],
		Failed:  counts[models.QueueStatusFailed],
		Dead:    counts[models.QueueStatusDead],
		Synced:  counts[models.QueueStatusSynced],
	}
	s.Total = s.Pending + s.Failed + s.Dead + s.Synced
	return s, nil
}
