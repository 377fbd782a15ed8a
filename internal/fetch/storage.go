package fetch

import (
	"context"
	"net/http"
	"time"

	"github.com/Lokii1211/kadaigpt-sub002/internal/db"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Storage holds named caches of responses keyed by request URI.
type Storage interface {
	// Open creates the named cache if it does not exist.
	Open(ctx context.Context, cache string) error

	// Put stores resp under key, replacing any previous entry.
	Put(ctx context.Context, cache, key string, resp *CachedResponse) error

	// Match returns nil, nil on a miss.
	Match(ctx context.Context, cache, key string) (*CachedResponse, error)

	// Names lists every cache, including empty ones.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a cache and its entries.
	Delete(ctx context.Context, cache string) error
}

// SQLStorage keeps caches in the local SQLite store.
type SQLStorage struct {
	repo db.CacheRepository
}

// NewSQLStorage creates a Storage on the local store.
func NewSQLStorage(repo db.CacheRepository) *SQLStorage {
	return &SQLStorage{repo: repo}
}

func (s *SQLStorage) Open(ctx context.Context, cache string) error {
	return s.repo.OpenCache(ctx, cache)
}

func (s *SQLStorage) Put(ctx context.Context, cache, key string, resp *CachedResponse) error {
	return s.repo.PutCacheEntry(ctx, &models.CacheEntry{
		CacheName: cache,
		Key:       key,
		Status:    resp.Status,
		Header:    resp.Header,
		Body:      resp.Body,
		StoredAt:  resp.StoredAt.Unix(),
	})
}

func (s *SQLStorage) Match(ctx context.Context, cache, key string) (*CachedResponse, error) {
	entry, err := s.repo.GetCacheEntry(ctx, cache, key)
	if err != nil || entry == nil {
		return nil, err
	}
	return &CachedResponse{
		Status:   entry.Status,
		Header:   http.Header(entry.Header),
		Body:     entry.Body,
		StoredAt: time.Unix(entry.StoredAt, 0),
	}, nil
}

func (s *SQLStorage) Names(ctx context.Context) ([]string, error) {
	return s.repo.CacheNames(ctx)
}

func (s *SQLStorage) Delete(ctx context.Context, cache string) error {
	return s.repo.DeleteCache(ctx, cache)
}

// DiscardStorage stores nothing. It backs the interceptor when neither the
// local store nor Redis is available, so requests are still proxied.
type DiscardStorage struct{}

func (DiscardStorage) Open(context.Context, string) error { return nil }

func (DiscardStorage) Put(context.Context, string, string, *CachedResponse) error { return nil }

func (DiscardStorage) Match(context.Context, string, string) (*CachedResponse, error) {
	return nil, nil
}

func (DiscardStorage) Names(context.Context) ([]string, error) { return nil, nil }

func (DiscardStorage) Delete(context.Context, string) error { return nil }

var (
	_ Storage = (*SQLStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
	_ Storage = DiscardStorage{}
)
