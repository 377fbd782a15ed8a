// Package db provides unit tests for repository operations.
package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	"github.com/Lokii1211/kadaigpt-sub002/internal/uuid"
)

var testNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

// setupTestRepo creates an in-memory database with the shipped schema.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	conn, err := openDSN(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	m := NewMigrator(conn.DB, Migrations())
	if err := m.Initialize(); err != nil {
		conn.Close()
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		conn.Close()
		t.Fatalf("Up() failed: %v", err)
	}

	repo := NewRepository(conn.DB)
	repo.now = func() time.Time { return testNow }
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	return repo
}

func seedProducts(t *testing.T, repo *Repository) {
	t.Helper()
	products := []models.CachedProduct{
		{ID: "1", Name: "Toor Dal 1kg", Barcode: "8901030865278", SKU: "DAL-TOOR-1", Price: decimal.RequireFromString("145.50"), CurrentStock: 10},
		{ID: "2", Name: "Basmati Rice 5kg", Barcode: "8906001050012", SKU: "RICE-BAS-5", Price: decimal.NewFromInt(620), CurrentStock: 4},
		{ID: "3", Name: "Loose Sugar", SKU: "SUGAR-LOOSE", Price: decimal.NewFromInt(44), CurrentStock: 2.5},
	}
	if err := repo.CacheProducts(context.Background(), products); err != nil {
		t.Fatalf("CacheProducts failed: %v", err)
	}
}

func sampleBill(lines ...models.BillItem) models.BillPayload {
	return models.BillPayload{
		Items:         lines,
		Total:         decimal.RequireFromString("325.5"),
		PaymentMethod: "cash",
	}
}

// =====================================================
// Catalog Tests
// =====================================================

// TestCacheProducts_idempotent verifies caching the same list twice keeps
// one record per id.
func TestCacheProducts_idempotent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	seedProducts(t, repo)
	seedProducts(t, repo)

	products, err := repo.GetProducts(ctx)
	if err != nil {
		t.Fatalf("GetProducts failed: %v", err)
	}
	if len(products) != 3 {
		t.Errorf("Expected 3 products, got %d", len(products))
	}
	n, _ := repo.CountProducts(ctx)
	if n != 3 {
		t.Errorf("CountProducts() = %d, want 3", n)
	}
}

// TestCacheProducts_upsertKeepsAbsent verifies a partial refresh updates
// matching ids and keeps the others.
func TestCacheProducts_upsertKeepsAbsent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	err := repo.CacheProducts(ctx, []models.CachedProduct{
		{ID: "2", Name: "Basmati Rice 5kg", Price: decimal.NewFromInt(640), CurrentStock: 9},
		{Name: "no id is skipped"},
	})
	if err != nil {
		t.Fatalf("CacheProducts failed: %v", err)
	}

	p, err := repo.GetProduct(ctx, "2")
	if err != nil || p == nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if !p.Price.Equal(decimal.NewFromInt(640)) || p.CurrentStock != 9 {
		t.Errorf("product not updated: %+v", p)
	}
	n, _ := repo.CountProducts(ctx)
	if n != 3 {
		t.Errorf("CountProducts() = %d, want 3", n)
	}
}

func TestSearchProducts(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"by name, case-insensitive", "RICE", 1},
		{"by barcode substring", "8901030", 1},
		{"by sku", "sugar-loose", 1},
		{"empty returns all", "", 3},
		{"wildcards are literal", "%", 0},
		{"no match", "ghee", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.SearchProducts(ctx, tt.query)
			if err != nil {
				t.Fatalf("SearchProducts failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("SearchProducts(%q) returned %d, want %d", tt.query, len(got), tt.want)
			}
		})
	}
}

func TestGetProductByBarcode(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	p, err := repo.GetProductByBarcode(ctx, "8906001050012")
	if err != nil {
		t.Fatalf("GetProductByBarcode failed: %v", err)
	}
	if p == nil || p.ID != "2" {
		t.Errorf("Expected product 2, got %+v", p)
	}

	p, err = repo.GetProductByBarcode(ctx, "0000")
	if err != nil {
		t.Fatalf("GetProductByBarcode failed: %v", err)
	}
	if p != nil {
		t.Errorf("Expected nil for unknown barcode, got %+v", p)
	}
}

func TestCustomers(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	customers := []models.CachedCustomer{
		{ID: "c1", Name: "Lakshmi Stores", Phone: "9840012345", Credit: decimal.NewFromInt(250), LoyaltyPoints: 12},
		{ID: "c2", Name: "Ravi Kumar", Phone: "9003398765"},
	}
	if err := repo.CacheCustomers(ctx, customers); err != nil {
		t.Fatalf("CacheCustomers failed: %v", err)
	}
	if err := repo.CacheCustomers(ctx, customers); err != nil {
		t.Fatalf("CacheCustomers failed: %v", err)
	}

	all, err := repo.GetCustomers(ctx)
	if err != nil {
		t.Fatalf("GetCustomers failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 customers, got %d", len(all))
	}

	found, err := repo.SearchCustomers(ctx, "98400")
	if err != nil {
		t.Fatalf("SearchCustomers failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "c1" {
		t.Errorf("SearchCustomers by phone = %+v", found)
	}

	c, err := repo.GetCustomerByPhone(ctx, "9003398765")
	if err != nil || c == nil || c.Name != "Ravi Kumar" {
		t.Errorf("GetCustomerByPhone = %+v, %v", c, err)
	}
	c, err = repo.GetCustomerByPhone(ctx, "1")
	if err != nil || c != nil {
		t.Errorf("GetCustomerByPhone(unknown) = %+v, %v", c, err)
	}
	if !all[0].Credit.Equal(decimal.NewFromInt(250)) {
		t.Errorf("credit = %s", all[0].Credit)
	}
}

// =====================================================
// Offline Bill Tests
// =====================================================

// TestCreateBillOffline_stockFloor verifies stock becomes max(0, S-q).
func TestCreateBillOffline_stockFloor(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	bill, err := repo.CreateBillOffline(ctx, sampleBill(
		models.BillItem{ProductID: "1", Quantity: 3},
		models.BillItem{ProductID: "2", Quantity: 6},
		models.BillItem{ProductID: "3", Quantity: 0.5},
	))
	if err != nil {
		t.Fatalf("CreateBillOffline failed: %v", err)
	}

	want := map[models.RemoteID]float64{"1": 7, "2": 0, "3": 2}
	for id, stock := range want {
		p, err := repo.GetProduct(ctx, id)
		if err != nil || p == nil {
			t.Fatalf("GetProduct(%s) failed: %v", id, err)
		}
		if p.CurrentStock != stock {
			t.Errorf("product %s stock = %v, want %v", id, p.CurrentStock, stock)
		}
	}

	if !uuid.IsValid(bill.LocalID) {
		t.Errorf("LocalID %q is not a UUID", bill.LocalID)
	}
	if bill.BillNumber != uuid.NewBillNumber(bill.LocalID, testNow) {
		t.Errorf("BillNumber = %s", bill.BillNumber)
	}
	if bill.Synced || !bill.CreatedOffline {
		t.Errorf("unexpected flags: %+v", bill)
	}
	if bill.Payload.ClientBillID != bill.LocalID {
		t.Errorf("ClientBillID = %s, want %s", bill.Payload.ClientBillID, bill.LocalID)
	}
}

// TestCreateBillOffline_queuesDelivery verifies the bill and its queue item
// are written together.
func TestCreateBillOffline_queuesDelivery(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	clientID := uuid.New()
	payload := sampleBill(models.BillItem{ProductID: "1", Quantity: 1})
	payload.ClientBillID = clientID

	bill, err := repo.CreateBillOffline(ctx, payload)
	if err != nil {
		t.Fatalf("CreateBillOffline failed: %v", err)
	}
	if bill.LocalID != clientID {
		t.Errorf("LocalID = %s, want caller's id %s", bill.LocalID, clientID)
	}

	items, err := repo.ListQueueItems(ctx)
	if err != nil {
		t.Fatalf("ListQueueItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 queue item, got %d", len(items))
	}
	item := items[0]
	if item.Type != models.OperationCreateBill || item.RefID != clientID || item.Status != models.QueueStatusPending {
		t.Errorf("unexpected queue item: %+v", item)
	}
	if item.MaxRetries != models.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d", item.MaxRetries)
	}

	var queued models.BillPayload
	if err := json.Unmarshal(item.Payload, &queued); err != nil {
		t.Fatalf("queue payload is not a bill: %v", err)
	}
	if queued.ClientBillID != clientID {
		t.Errorf("queued client_bill_id = %s", queued.ClientBillID)
	}

	unsynced, err := repo.GetUnsyncedBills(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedBills failed: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].LocalID != clientID {
		t.Errorf("GetUnsyncedBills = %+v", unsynced)
	}
}

// TestCreateBillOffline_invalid verifies nothing is written for a bad bill.
func TestCreateBillOffline_invalid(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateBillOffline(ctx, models.BillPayload{})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	total, _, _ := repo.CountBills(ctx)
	if total != 0 {
		t.Errorf("bills written for invalid payload: %d", total)
	}
}

// TestCreateBillOffline_duplicateRollsBack verifies a failed insert leaves
// stock and queue untouched.
func TestCreateBillOffline_duplicateRollsBack(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	payload := sampleBill(models.BillItem{ProductID: "1", Quantity: 2})
	payload.ClientBillID = uuid.New()
	if _, err := repo.CreateBillOffline(ctx, payload); err != nil {
		t.Fatalf("CreateBillOffline failed: %v", err)
	}

	_, err := repo.CreateBillOffline(ctx, payload)
	if !apperrors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("Expected storage error for duplicate bill, got %v", err)
	}

	p, _ := repo.GetProduct(ctx, "1")
	if p.CurrentStock != 8 {
		t.Errorf("stock = %v, want 8", p.CurrentStock)
	}
	items, _ := repo.ListQueueItems(ctx)
	if len(items) != 1 {
		t.Errorf("queue has %d items, want 1", len(items))
	}
}

// TestCompleteDelivery verifies the queue item and bill are joined.
func TestCompleteDelivery(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	bill, err := repo.CreateBillOffline(ctx, sampleBill(models.BillItem{ProductID: "1", Quantity: 1}))
	if err != nil {
		t.Fatalf("CreateBillOffline failed: %v", err)
	}
	items, _ := repo.ListQueueItems(ctx)

	if err := repo.CompleteDelivery(ctx, items[0].ID, bill.LocalID, "5012"); err != nil {
		t.Fatalf("CompleteDelivery failed: %v", err)
	}

	got, err := repo.GetBill(ctx, bill.LocalID)
	if err != nil || got == nil {
		t.Fatalf("GetBill failed: %v", err)
	}
	if !got.Synced || got.ServerID != "5012" || got.SyncedAt != testNow.Unix() {
		t.Errorf("bill not synced: %+v", got)
	}
	item, _ := repo.GetQueueItem(ctx, items[0].ID)
	if item.Status != models.QueueStatusSynced {
		t.Errorf("queue status = %s", item.Status)
	}

	total, unsynced, err := repo.CountBills(ctx)
	if err != nil || total != 1 || unsynced != 0 {
		t.Errorf("CountBills() = %d, %d, %v", total, unsynced, err)
	}

	if err := repo.CompleteDelivery(ctx, 999, "", ""); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found for unknown item, got %v", err)
	}
}

func TestListBills(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)

	var ids []string
	for i := 0; i < 3; i++ {
		b, err := repo.CreateBillOffline(ctx, sampleBill(models.BillItem{ProductID: "1", Quantity: 1}))
		if err != nil {
			t.Fatalf("CreateBillOffline failed: %v", err)
		}
		ids = append(ids, b.LocalID)
	}

	bills, err := repo.ListBills(ctx, 2)
	if err != nil {
		t.Fatalf("ListBills failed: %v", err)
	}
	if len(bills) != 2 || bills[0].LocalID != ids[2] {
		t.Errorf("ListBills(2) should return newest first")
	}
	all, _ := repo.ListBills(ctx, 0)
	if len(all) != 3 {
		t.Errorf("ListBills(0) returned %d", len(all))
	}
	missing, err := repo.GetBill(ctx, uuid.New())
	if err != nil || missing != nil {
		t.Errorf("GetBill(unknown) = %+v, %v", missing, err)
	}
}

// =====================================================
// Queue, Metadata and Cache Tests
// =====================================================

func TestQueueItems(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item := &models.SyncQueueItem{Type: models.OperationReplayRequest, Payload: json.RawMessage(`{}`)}
		if err := repo.InsertQueueItem(ctx, item); err != nil {
			t.Fatalf("InsertQueueItem failed: %v", err)
		}
		if item.ID == 0 {
			t.Error("Expected ID to be assigned")
		}
	}

	items, _ := repo.ListQueueItems(ctx)
	items[1].Status = models.QueueStatusDead
	items[1].RetryCount = 1
	items[1].LastError = "HTTP 422"
	if err := repo.UpdateQueueItem(ctx, items[1]); err != nil {
		t.Fatalf("UpdateQueueItem failed: %v", err)
	}

	pending, err := repo.ListQueueItems(ctx, models.QueueStatusPending, models.QueueStatusFailed)
	if err != nil {
		t.Fatalf("ListQueueItems failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID >= pending[1].ID {
		t.Errorf("expected 2 pending items in FIFO order, got %+v", pending)
	}

	counts, err := repo.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts failed: %v", err)
	}
	if counts[models.QueueStatusPending] != 2 || counts[models.QueueStatusDead] != 1 || counts[models.QueueStatusSynced] != 0 {
		t.Errorf("QueueCounts = %v", counts)
	}

	dead, _ := repo.GetQueueItem(ctx, items[1].ID)
	if dead.LastError != "HTTP 422" || dead.RetryCount != 1 {
		t.Errorf("dead item = %+v", dead)
	}
	if missing, err := repo.GetQueueItem(ctx, 404); err != nil || missing != nil {
		t.Errorf("GetQueueItem(unknown) = %+v, %v", missing, err)
	}
}

func TestMetadata(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, ok, err := repo.GetMetadata(ctx, models.MetaLastSyncAt); err != nil || ok {
		t.Errorf("GetMetadata(unset) = %v, %v", ok, err)
	}
	if err := repo.SetMetadata(ctx, models.MetaLastSyncAt, "100"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := repo.SetMetadata(ctx, models.MetaLastSyncAt, "200"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	v, ok, err := repo.GetMetadata(ctx, models.MetaLastSyncAt)
	if err != nil || !ok || v != "200" {
		t.Errorf("GetMetadata = %q, %v, %v", v, ok, err)
	}
}

func TestCacheEntries(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	entry := &models.CacheEntry{
		CacheName: "kadaigpt-api-v1",
		Key:       "GET http://api/api/v1/products",
		Status:    200,
		Header:    map[string][]string{"Content-Type": {"application/json"}},
		Body:      []byte(`[{"id":1}]`),
	}
	if err := repo.PutCacheEntry(ctx, entry); err != nil {
		t.Fatalf("PutCacheEntry failed: %v", err)
	}
	if err := repo.OpenCache(ctx, "kadaigpt-shell-v1"); err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}

	got, err := repo.GetCacheEntry(ctx, entry.CacheName, entry.Key)
	if err != nil || got == nil {
		t.Fatalf("GetCacheEntry failed: %v", err)
	}
	if string(got.Body) != `[{"id":1}]` || got.Header["Content-Type"][0] != "application/json" {
		t.Errorf("GetCacheEntry = %+v", got)
	}

	names, _ := repo.CacheNames(ctx)
	if len(names) != 2 {
		t.Errorf("CacheNames = %v", names)
	}

	if err := repo.DeleteCache(ctx, entry.CacheName); err != nil {
		t.Fatalf("DeleteCache failed: %v", err)
	}
	got, err = repo.GetCacheEntry(ctx, entry.CacheName, entry.Key)
	if err != nil || got != nil {
		t.Errorf("entry survived DeleteCache: %+v, %v", got, err)
	}
	names, _ = repo.CacheNames(ctx)
	if len(names) != 1 || names[0] != "kadaigpt-shell-v1" {
		t.Errorf("CacheNames after delete = %v", names)
	}
}

// TestReads_missingTables verifies reads on an unmigrated database return
// empty results rather than errors.
func TestReads_missingTables(t *testing.T) {
	conn, err := openDSN(":memory:")
	if err != nil {
		t.Fatalf("openDSN failed: %v", err)
	}
	defer conn.Close()
	repo := NewRepository(conn.DB)
	defer repo.Close()
	ctx := context.Background()

	products, err := repo.GetProducts(ctx)
	if err != nil || len(products) != 0 {
		t.Errorf("GetProducts = %v, %v", products, err)
	}
	bills, err := repo.GetUnsyncedBills(ctx)
	if err != nil || len(bills) != 0 {
		t.Errorf("GetUnsyncedBills = %v, %v", bills, err)
	}
	items, err := repo.ListQueueItems(ctx)
	if err != nil || len(items) != 0 {
		t.Errorf("ListQueueItems = %v, %v", items, err)
	}
	p, err := repo.GetProductByBarcode(ctx, "123")
	if err != nil || p != nil {
		t.Errorf("GetProductByBarcode = %v, %v", p, err)
	}

	// Writes still fail loudly
	if err := repo.SetMetadata(ctx, "k", "v"); !apperrors.Is(err, apperrors.ErrStorage) {
		t.Errorf("SetMetadata error = %v, want storage error", err)
	}
}

// TestCreateBillOffline_configuredRetryCeiling verifies the bill's queue
// item takes the ceiling set on the repository.
func TestCreateBillOffline_configuredRetryCeiling(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	seedProducts(t, repo)
	line := models.BillItem{ProductID: "1", Quantity: 1, UnitPrice: decimal.RequireFromString("145.50")}

	repo.SetMaxRetries(2)
	if _, err := repo.CreateBillOffline(ctx, sampleBill(line)); err != nil {
		t.Fatalf("CreateBillOffline failed: %v", err)
	}
	repo.SetMaxRetries(0)
	if _, err := repo.CreateBillOffline(ctx, sampleBill(line)); err != nil {
		t.Fatalf("CreateBillOffline failed: %v", err)
	}

	items, err := repo.ListQueueItems(ctx)
	if err != nil || len(items) != 2 {
		t.Fatalf("ListQueueItems = %v, %v", items, err)
	}
	if items[0].MaxRetries != 2 {
		t.Errorf("configured MaxRetries = %d, want 2", items[0].MaxRetries)
	}
	if items[1].MaxRetries != models.DefaultMaxRetries {
		t.Errorf("reset MaxRetries = %d, want %d", items[1].MaxRetries, models.DefaultMaxRetries)
	}
}
