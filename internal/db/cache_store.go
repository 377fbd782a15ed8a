package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// =====================================================
// Fetch Cache Operations
// =====================================================

// OpenCache creates the named cache if it does not exist yet.
func (r *Repository) OpenCache(ctx context.Context, cacheName string) error {
	if err := openCache(ctx, r.db, cacheName, r.now().Unix()); err != nil {
		return storageErr("failed to open cache "+cacheName, err)
	}
	return nil
}

func openCache(ctx context.Context, ex execer, cacheName string, now int64) error {
	_, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)`, cacheName, now)
	return err
}

// PutCacheEntry stores or replaces a cached response, opening its cache
// first when needed.
func (r *Repository) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return storageErr("failed to encode cache header", err)
	}
	if entry.StoredAt == 0 {
		entry.StoredAt = r.now().Unix()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := openCache(ctx, tx, entry.CacheName, entry.StoredAt); err != nil {
		return storageErr("failed to open cache "+entry.CacheName, err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO cache_entries (cache_name, cache_key, status, header, body, stored_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(cache_name, cache_key) DO UPDATE SET
		status = excluded.status,
		header = excluded.header,
		body = excluded.body,
		stored_at = excluded.stored_at
	`, entry.CacheName, entry.Key, entry.Status, string(header), entry.Body, entry.StoredAt); err != nil {
		return storageErr("failed to write cache entry", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit cache entry", err)
	}
	return nil
}

// GetCacheEntry returns a cached response, or nil on a miss.
func (r *Repository) GetCacheEntry(ctx context.Context, cacheName, key string) (*models.CacheEntry, error) {
	stmt, err := r.PrepareStmt(ctx, `
	SELECT cache_name, cache_key, status, header, body, stored_at
	FROM cache_entries WHERE cache_name = ? AND cache_key = ?
	`)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, storageErr("failed to read cache", err)
	}
	var entry models.CacheEntry
	var header string
	err = stmt.QueryRowContext(ctx, cacheName, key).Scan(&entry.CacheName, &entry.Key,
		&entry.Status, &header, &entry.Body, &entry.StoredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to read cache entry", err)
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, storageErr("failed to decode cache header", err)
	}
	return &entry, nil
}

// CacheNames lists every open cache.
func (r *Repository) CacheNames(ctx context.Context) ([]string, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT name FROM caches ORDER BY name`)
	if err != nil {
		if isMissingTable(err) {
			return []string{}, nil
		}
		return nil, storageErr("failed to list caches", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, storageErr("failed to list caches", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("failed to list caches", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteCache removes the named cache and all of its entries.
func (r *Repository) DeleteCache(ctx context.Context, cacheName string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, cacheName); err != nil {
		return storageErr("failed to delete cache "+cacheName, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, cacheName); err != nil {
		return storageErr("failed to delete cache "+cacheName, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit cache delete", err)
	}
	return nil
}
