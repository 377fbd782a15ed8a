package models

// CacheEntry is a stored HTTP response in one of the named fetch caches.
type CacheEntry struct {
	CacheName string              `db:"cache_name" json:"cache_name"`
	Key       string              `db:"cache_key" json:"cache_key"`
	Status    int                 `db:"status" json:"status"`
	Header    map[string][]string `db:"header" json:"header"`
	Body      []byte              `db:"body" json:"body"`
	StoredAt  int64               `db:"stored_at" json:"stored_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}
