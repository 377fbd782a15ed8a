package db

import (
	"context"
	"database/sql"
	"strings"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `id, type, payload, ref_id, queued_at, status, retry_count, max_retries, last_error, updated_at`

// SetMaxRetries sets the ceiling for queue items created by CreateBillOffline.
// n <= 0 restores models.DefaultMaxRetries.
func (r *Repository) SetMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	r.maxRetries.Store(int32(n))
}

func (r *Repository) retryLimit() int {
	if n := int(r.maxRetries.Load()); n > 0 {
		return n
	}
	return models.DefaultMaxRetries
}

func insertQueueItem(ctx context.Context, ex execer, item *models.SyncQueueItem) error {
	if item.MaxRetries <= 0 {
		item.MaxRetries = models.DefaultMaxRetries
	}
	if item.Status == "" {
		item.Status = models.QueueStatusPending
	}
	res, err := ex.ExecContext(ctx, `
	INSERT INTO sync_queue (type, payload, ref_id, queued_at, status, retry_count, max_retries, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(item.Type), string(item.Payload), item.RefID, item.QueuedAt, string(item.Status),
		item.RetryCount, item.MaxRetries, item.LastError, item.UpdatedAt)
	if err != nil {
		return storageErr("failed to append queue item", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("failed to read queue item id", err)
	}
	item.ID = id
	return nil
}

// InsertQueueItem durably appends item and sets its ID.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	now := r.now().Unix()
	if item.QueuedAt == 0 {
		item.QueuedAt = now
	}
	item.UpdatedAt = now
	return insertQueueItem(ctx, r.db, item)
}

func scanQueueItem(scan func(dest ...interface{}) error) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var payload string
	if err := scan(&item.ID, &item.Type, &payload, &item.RefID, &item.QueuedAt, &item.Status,
		&item.RetryCount, &item.MaxRetries, &item.LastError, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	return &item, nil
}

// ListQueueItems returns queue items in FIFO order, optionally restricted to
// the given statuses.
func (r *Repository) ListQueueItems(ctx context.Context, statuses ...models.QueueStatus) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`

	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		if isMissingTable(err) {
			return []*models.SyncQueueItem{}, nil
		}
		return nil, storageErr("failed to read queue", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageErr("failed to read queue", err)
	}
	defer rows.Close()

	items := []*models.SyncQueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, storageErr("failed to scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to read queue", err)
	}
	return items, nil
}

// GetQueueItem returns a queue item by id, or nil when absent.
func (r *Repository) GetQueueItem(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, storageErr("failed to read queue item", err)
	}
	item, err := scanQueueItem(stmt.QueryRowContext(ctx, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to read queue item", err)
	}
	return item, nil
}

// UpdateQueueItem persists the item's delivery state.
func (r *Repository) UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	item.UpdatedAt = r.now().Unix()
	stmt, err := r.PrepareStmt(ctx, `
	UPDATE sync_queue SET status = ?, retry_count = ?, max_retries = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`)
	if err != nil {
		return storageErr("failed to prepare queue update", err)
	}
	res, err := stmt.ExecContext(ctx, string(item.Status), item.RetryCount, item.MaxRetries,
		item.LastError, item.UpdatedAt, item.ID)
	if err != nil {
		return storageErr("failed to update queue item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, "queue item not found")
	}
	return nil
}

// QueueCounts returns the number of queue items per status.
func (r *Repository) QueueCounts(ctx context.Context) (map[models.QueueStatus]int, error) {
	counts := map[models.QueueStatus]int{
		models.QueueStatusPending: 0,
		models.QueueStatusSynced:  0,
		models.QueueStatusFailed:  0,
		models.QueueStatusDead:    0,
	}
	stmt, err := r.PrepareStmt(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		if isMissingTable(err) {
			return counts, nil
		}
		return nil, storageErr("failed to count queue", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, storageErr("failed to count queue", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("failed to count queue", err)
		}
		counts[models.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}
