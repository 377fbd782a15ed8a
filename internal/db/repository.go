// Package db provides repository operations for the edge store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// Repository provides persistence for the cached catalog, offline bills,
// the sync queue, metadata and fetch caches.
type Repository struct {
	db *sql.DB

	// Prepared statements keyed by query text, prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt

	maxRetries atomic.Int32

	now func() time.Time
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have stored one first; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// isMissingTable reports whether err comes from querying a table that does
// not exist yet. Reads treat that as an empty result.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// likePattern builds a case-insensitive substring pattern for LIKE ... ESCAPE '\'.
func likePattern(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	return "%" + q + "%"
}

func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}

// =====================================================
// Product Operations
// =====================================================

const productColumns = `id, name, barcode, sku, category_id, price, current_stock, updated_at`

// CacheProducts upserts products by id in one transaction. Records absent
// from the list are kept.
func (r *Repository) CacheProducts(ctx context.Context, products []models.CachedProduct) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO products (`+productColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		barcode = excluded.barcode,
		sku = excluded.sku,
		category_id = excluded.category_id,
		price = excluded.price,
		current_stock = excluded.current_stock,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return storageErr("failed to prepare product upsert", err)
	}
	defer stmt.Close()

	now := r.now().Unix()
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		updatedAt := p.UpdatedAt
		if updatedAt == 0 {
			updatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, p.ID.String(), p.Name, p.Barcode, p.SKU, p.CategoryID.String(),
			p.Price, p.CurrentStock, updatedAt); err != nil {
			return storageErr(fmt.Sprintf("failed to cache product %s", p.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit products", err)
	}
	return nil
}

func scanProducts(rows *sql.Rows) ([]models.CachedProduct, error) {
	defer rows.Close()
	products := []models.CachedProduct{}
	for rows.Next() {
		var p models.CachedProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.Barcode, &p.SKU, &p.CategoryID,
			&p.Price, &p.CurrentStock, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *Repository) queryProducts(ctx context.Context, query string, args ...interface{}) ([]models.CachedProduct, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		if isMissingTable(err) {
			return []models.CachedProduct{}, nil
		}
		return nil, storageErr("failed to read products", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageErr("failed to read products", err)
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, storageErr("failed to scan products", err)
	}
	return products, nil
}

// GetProducts returns every cached product ordered by name.
func (r *Repository) GetProducts(ctx context.Context) ([]models.CachedProduct, error) {
	return r.queryProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY name COLLATE NOCASE, id`)
}

// SearchProducts matches q against name, barcode and SKU, case-insensitively.
// An empty query returns every product.
func (r *Repository) SearchProducts(ctx context.Context, q string) ([]models.CachedProduct, error) {
	if strings.TrimSpace(q) == "" {
		return r.GetProducts(ctx)
	}
	pattern := likePattern(q)
	return r.queryProducts(ctx, `
	SELECT `+productColumns+` FROM products
	WHERE lower(name) LIKE ? ESCAPE '\'
	   OR lower(barcode) LIKE ? ESCAPE '\'
	   OR lower(sku) LIKE ? ESCAPE '\'
	ORDER BY name COLLATE NOCASE, id
	`, pattern, pattern, pattern)
}

// GetProductByBarcode returns the product with an exact barcode match, or
// nil when none is cached.
func (r *Repository) GetProductByBarcode(ctx context.Context, code string) (*models.CachedProduct, error) {
	if code == "" {
		return nil, nil
	}
	products, err := r.queryProducts(ctx,
		`SELECT `+productColumns+` FROM products WHERE barcode = ? ORDER BY updated_at DESC, id LIMIT 1`, code)
	if err != nil || len(products) == 0 {
		return nil, err
	}
	return &products[0], nil
}

// GetProduct returns a cached product by id, or nil when absent.
func (r *Repository) GetProduct(ctx context.Context, id models.RemoteID) (*models.CachedProduct, error) {
	products, err := r.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id.String())
	if err != nil || len(products) == 0 {
		return nil, err
	}
	return &products[0], nil
}

// CountProducts returns the number of cached products.
func (r *Repository) CountProducts(ctx context.Context) (int, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM products")
}

// =====================================================
// Customer Operations
// =====================================================

const customerColumns = `id, name, phone, credit, loyalty_points, last_purchase, updated_at`

// CacheCustomers upserts customers by id in one transaction.
func (r *Repository) CacheCustomers(ctx context.Context, customers []models.CachedCustomer) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO customers (`+customerColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		phone = excluded.phone,
		credit = excluded.credit,
		loyalty_points = excluded.loyalty_points,
		last_purchase = excluded.last_purchase,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return storageErr("failed to prepare customer upsert", err)
	}
	defer stmt.Close()

	now := r.now().Unix()
	for _, c := range customers {
		if c.ID == "" {
			continue
		}
		updatedAt := c.UpdatedAt
		if updatedAt == 0 {
			updatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, c.ID.String(), c.Name, c.Phone, c.Credit,
			c.LoyaltyPoints, c.LastPurchase, updatedAt); err != nil {
			return storageErr(fmt.Sprintf("failed to cache customer %s", c.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit customers", err)
	}
	return nil
}

func (r *Repository) queryCustomers(ctx context.Context, query string, args ...interface{}) ([]models.CachedCustomer, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		if isMissingTable(err) {
			return []models.CachedCustomer{}, nil
		}
		return nil, storageErr("failed to read customers", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storageErr("failed to read customers", err)
	}
	defer rows.Close()

	customers := []models.CachedCustomer{}
	for rows.Next() {
		var c models.CachedCustomer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Credit,
			&c.LoyaltyPoints, &c.LastPurchase, &c.UpdatedAt); err != nil {
			return nil, storageErr("failed to scan customer", err)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to read customers", err)
	}
	return customers, nil
}

// GetCustomers returns every cached customer ordered by name.
func (r *Repository) GetCustomers(ctx context.Context) ([]models.CachedCustomer, error) {
	return r.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name COLLATE NOCASE, id`)
}

// SearchCustomers matches q against name and phone, case-insensitively.
func (r *Repository) SearchCustomers(ctx context.Context, q string) ([]models.CachedCustomer, error) {
	if strings.TrimSpace(q) == "" {
		return r.GetCustomers(ctx)
	}
	pattern := likePattern(q)
	return r.queryCustomers(ctx, `
	SELECT `+customerColumns+` FROM customers
	WHERE lower(name) LIKE ? ESCAPE '\'
	   OR lower(phone) LIKE ? ESCAPE '\'
	ORDER BY name COLLATE NOCASE, id
	`, pattern, pattern)
}

// GetCustomerByPhone returns the customer with an exact phone match, or nil.
func (r *Repository) GetCustomerByPhone(ctx context.Context, phone string) (*models.CachedCustomer, error) {
	if phone == "" {
		return nil, nil
	}
	customers, err := r.queryCustomers(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE phone = ? ORDER BY updated_at DESC, id LIMIT 1`, phone)
	if err != nil || len(customers) == 0 {
		return nil, err
	}
	return &customers[0], nil
}

// CountCustomers returns the number of cached customers.
func (r *Repository) CountCustomers(ctx context.Context) (int, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM customers")
}

// =====================================================
// Metadata Operations
// =====================================================

// SetMetadata stores a bookkeeping value.
func (r *Repository) SetMetadata(ctx context.Context, key, value string) error {
	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return storageErr("failed to prepare metadata write", err)
	}
	if _, err := stmt.ExecContext(ctx, key, value, r.now().Unix()); err != nil {
		return storageErr("failed to write metadata "+key, err)
	}
	return nil
}

// GetMetadata returns the value stored under key and whether it exists.
func (r *Repository) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT value FROM metadata WHERE key = ?`)
	if err != nil {
		if isMissingTable(err) {
			return "", false, nil
		}
		return "", false, storageErr("failed to read metadata", err)
	}
	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("failed to read metadata "+key, err)
	}
	return value, true, nil
}

func (r *Repository) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, storageErr("failed to prepare count", err)
	}
	var n int
	if err := stmt.QueryRowContext(ctx, args...).Scan(&n); err != nil {
		return 0, storageErr("failed to count", err)
	}
	return n, nil
}
