package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	"github.com/Lokii1211/kadaigpt-sub002/internal/uuid"
)

// =====================================================
// Offline Bill Operations
// =====================================================

const billColumns = `local_id, bill_number, synced, server_id, payload, created_at, created_offline, synced_at`

// CreateBillOffline records a sale locally. In a single transaction it
// inserts the bill, decrements cached stock for every line (floored at zero)
// and appends a create_bill item to the sync queue, in that order.
//
// payload.ClientBillID becomes the bill's local id when it is a valid UUID,
// so a bill first attempted online keeps the same idempotency key.
func (r *Repository) CreateBillOffline(ctx context.Context, payload models.BillPayload) (*models.OfflineBill, error) {
	if err := payload.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid bill", err)
	}

	localID := payload.ClientBillID
	if !uuid.IsValid(localID) {
		localID = uuid.New()
	}
	payload.ClientBillID = localID

	now := r.now()
	bill := &models.OfflineBill{
		LocalID:        localID,
		BillNumber:     uuid.NewBillNumber(localID, now),
		Payload:        payload,
		CreatedAt:      now.Unix(),
		CreatedOffline: true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode bill", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO bills (`+billColumns+`)
	VALUES (?, ?, 0, '', ?, ?, 1, 0)
	`, bill.LocalID, bill.BillNumber, string(body), bill.CreatedAt); err != nil {
		return nil, storageErr("failed to save bill", err)
	}

	for _, item := range payload.Items {
		if _, err := tx.ExecContext(ctx, `
		UPDATE products SET current_stock = MAX(0, current_stock - ?), updated_at = ?
		WHERE id = ?
		`, item.Quantity, bill.CreatedAt, item.ProductID.String()); err != nil {
			return nil, storageErr(fmt.Sprintf("failed to update stock for %s", item.ProductID), err)
		}
	}

	queued := &models.SyncQueueItem{
		Type:       models.OperationCreateBill,
		Payload:    body,
		RefID:      bill.LocalID,
		QueuedAt:   bill.CreatedAt,
		Status:     models.QueueStatusPending,
		MaxRetries: r.retryLimit(),
		UpdatedAt:  bill.CreatedAt,
	}
	if err := insertQueueItem(ctx, tx, queued); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("failed to commit bill", err)
	}
	return bill, nil
}

func scanBill(scan func(dest ...interface{}) error) (*models.OfflineBill, error) {
	var bill models.OfflineBill
	var payload string
	if err := scan(&bill.LocalID, &bill.BillNumber, &bill.Synced, &bill.ServerID, &payload,
		&bill.CreatedAt, &bill.CreatedOffline, &bill.SyncedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &bill.Payload); err != nil {
		return nil, fmt.Errorf("bill %s has a corrupt payload: %w", bill.LocalID, err)
	}
	return &bill, nil
}

func (r *Repository) queryBills(ctx context.Context, query string, args ...interface{}) ([]*models.OfflineBill, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		if isMissingTable(err) {
			return []*models.OfflineBill{}, nil
		}
		return nil, storageErr("failed to read bills", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageErr("failed to read bills", err)
	}
	defer rows.Close()

	bills := []*models.OfflineBill{}
	for rows.Next() {
		bill, err := scanBill(rows.Scan)
		if err != nil {
			return nil, storageErr("failed to scan bill", err)
		}
		bills = append(bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to read bills", err)
	}
	return bills, nil
}

// GetUnsyncedBills returns bills not yet confirmed by the server, oldest first.
func (r *Repository) GetUnsyncedBills(ctx context.Context) ([]*models.OfflineBill, error) {
	return r.queryBills(ctx, `SELECT `+billColumns+` FROM bills WHERE synced = 0 ORDER BY created_at, rowid`)
}

// ListBills returns the most recent bills, newest first. limit <= 0 means all.
func (r *Repository) ListBills(ctx context.Context, limit int) ([]*models.OfflineBill, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.queryBills(ctx, `SELECT `+billColumns+` FROM bills ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// GetBill returns a bill by local id, or nil when absent.
func (r *Repository) GetBill(ctx context.Context, localID string) (*models.OfflineBill, error) {
	bills, err := r.queryBills(ctx, `SELECT `+billColumns+` FROM bills WHERE local_id = ?`, localID)
	if err != nil || len(bills) == 0 {
		return nil, err
	}
	return bills[0], nil
}

// CountBills returns the total and unsynced bill counts.
func (r *Repository) CountBills(ctx context.Context) (total int, unsynced int, err error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0) FROM bills`)
	if err != nil {
		if isMissingTable(err) {
			return 0, 0, nil
		}
		return 0, 0, storageErr("failed to count bills", err)
	}
	if err := stmt.QueryRowContext(ctx).Scan(&total, &unsynced); err != nil {
		return 0, 0, storageErr("failed to count bills", err)
	}
	return total, unsynced, nil
}

// CompleteDelivery marks a queue item synced and, when localID is set,
// attaches serverID to the originating bill. Both writes commit together.
func (r *Repository) CompleteDelivery(ctx context.Context, queueID int64, localID, serverID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := r.now().Unix()
	res, err := tx.ExecContext(ctx, `
	UPDATE sync_queue SET status = ?, last_error = '', updated_at = ? WHERE id = ?
	`, string(models.QueueStatusSynced), now, queueID)
	if err != nil {
		return storageErr("failed to mark queue item synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue item %d not found", queueID))
	}

	if localID != "" {
		if _, err := tx.ExecContext(ctx, `
		UPDATE bills SET synced = 1, server_id = ?, synced_at = ? WHERE local_id = ?
		`, serverID, now, localID); err != nil {
			return storageErr("failed to mark bill synced", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit delivery", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
