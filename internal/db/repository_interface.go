// Package db provides repository interfaces for the edge store.
package db

import (
	"context"

	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// CatalogRepository defines operations on the cached product and customer catalog.
type CatalogRepository interface {
	// CacheProducts upserts products by id.
	CacheProducts(ctx context.Context, products []models.CachedProduct) error

	// GetProducts returns every cached product.
	GetProducts(ctx context.Context) ([]models.CachedProduct, error)

	// SearchProducts matches name, barcode and SKU.
	SearchProducts(ctx context.Context, q string) ([]models.CachedProduct, error)

	// GetProductByBarcode returns nil when no product has the barcode.
	GetProductByBarcode(ctx context.Context, code string) (*models.CachedProduct, error)

	CacheCustomers(ctx context.Context, customers []models.CachedCustomer) error
	GetCustomers(ctx context.Context) ([]models.CachedCustomer, error)
	SearchCustomers(ctx context.Context, q string) ([]models.CachedCustomer, error)
	GetCustomerByPhone(ctx context.Context, phone string) (*models.CachedCustomer, error)
}

// BillRepository defines operations for offline bill persistence.
type BillRepository interface {
	// CreateBillOffline saves the bill, decrements stock and queues delivery atomically.
	CreateBillOffline(ctx context.Context, payload models.BillPayload) (*models.OfflineBill, error)

	GetUnsyncedBills(ctx context.Context) ([]*models.OfflineBill, error)
	GetBill(ctx context.Context, localID string) (*models.OfflineBill, error)
	ListBills(ctx context.Context, limit int) ([]*models.OfflineBill, error)
}

// QueueRepository defines operations for sync queue persistence.
type QueueRepository interface {
	InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	ListQueueItems(ctx context.Context, statuses ...models.QueueStatus) ([]*models.SyncQueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (*models.SyncQueueItem, error)
	UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	QueueCounts(ctx context.Context) (map[models.QueueStatus]int, error)

	// CompleteDelivery marks the item synced and joins the server id onto its bill.
	CompleteDelivery(ctx context.Context, queueID int64, localID, serverID string) error

	// SetMaxRetries sets the retry ceiling given to items the store appends
	// itself, such as the create_bill item of an offline bill.
	SetMaxRetries(n int)
}

// MetadataRepository defines bookkeeping key/value operations.
type MetadataRepository interface {
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, bool, error)
}

// CacheRepository defines persistence for the named fetch caches.
type CacheRepository interface {
	OpenCache(ctx context.Context, cacheName string) error
	PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	GetCacheEntry(ctx context.Context, cacheName, key string) (*models.CacheEntry, error)
	CacheNames(ctx context.Context) ([]string, error)
	DeleteCache(ctx context.Context, cacheName string) error
}

// StatsRepository provides the counts shown by the sync indicator.
type StatsRepository interface {
	CountProducts(ctx context.Context) (int, error)
	CountCustomers(ctx context.Context) (int, error)
	CountBills(ctx context.Context) (total int, unsynced int, err error)
}

// SyncRepository combines repositories needed by the reconciler.
type SyncRepository interface {
	CatalogRepository
	BillRepository
	QueueRepository
	MetadataRepository
	StatsRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ CatalogRepository  = (*Repository)(nil)
	_ BillRepository     = (*Repository)(nil)
	_ QueueRepository    = (*Repository)(nil)
	_ MetadataRepository = (*Repository)(nil)
	_ CacheRepository    = (*Repository)(nil)
	_ StatsRepository    = (*Repository)(nil)
	_ SyncRepository     = (*Repository)(nil)
)
