package models

import "encoding/json"

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OperationCreateBill    Operation = "create_bill"
	OperationReplayRequest Operation = "replay_request"
)

// QueueStatus is the delivery state of a queue item.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSynced  QueueStatus = "synced"
	QueueStatusFailed  QueueStatus = "failed"
	// QueueStatusDead is terminal: retries exhausted or rejected by the server.
	QueueStatusDead QueueStatus = "dead"
)

// DefaultMaxRetries is the per-item retry ceiling.
const DefaultMaxRetries = 5

// SyncQueueItem represents a pending mutation awaiting delivery.
type SyncQueueItem struct {
	ID         int64           `db:"id" json:"id"`
	Type       Operation       `db:"type" json:"type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RefID      string          `db:"ref_id" json:"ref_id,omitempty"`
	QueuedAt   int64           `db:"queued_at" json:"queued_at"`
	Status     QueueStatus     `db:"status" json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	MaxRetries int             `db:"max_retries" json:"max_retries"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Deliverable reports whether the item should be attempted on a drain.
func (i *SyncQueueItem) Deliverable() bool {
	return i.Status == QueueStatusPending || i.Status == QueueStatusFailed
}

// RecordedRequest is a mutation request captured by the fetch layer while
// the device could not reach the network.
type RecordedRequest struct {
	OperationID string              `json:"operation_id"`
	Method      string              `json:"method"`
	URL         string              `json:"url"`
	Header      map[string][]string `json:"headers,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	CapturedAt  int64               `json:"captured_at"`
}
