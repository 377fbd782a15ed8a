package db

import (
	"context"
	"sync"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
)

// Store owns the lifecycle of the local database: open, migrate, close.
type Store struct {
	dataDir string

	mu   sync.Mutex
	db   *DB
	repo *Repository
}

// NewStore creates a Store rooted at dataDir. Nothing is opened until Init.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Init opens the database and applies pending migrations. Calling Init
// again returns the already open repository.
//
// Any failure is reported as ErrStorageUnavailable, meaning offline mode
// cannot be offered on this machine.
func (s *Store) Init(ctx context.Context) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		return s.repo, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := Open(s.dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open local store", err)
	}

	m := NewMigrator(conn.DB, Migrations())
	if err := m.Initialize(); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to initialize migrations", err)
	}
	if err := m.Up(); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to migrate local store",
			apperrors.Wrap(apperrors.ErrMigration, "migration failed", err))
	}

	version, _ := m.CurrentVersion()
	logging.Info("Local store ready", map[string]interface{}{
		"data_dir":       s.dataDir,
		"schema_version": version,
	})

	s.db = conn
	s.repo = NewRepository(conn.DB)
	return s.repo, nil
}

// Repository returns the open repository, or nil before Init.
func (s *Store) Repository() *Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo
}

// Close releases cached statements and the connection. It is safe to call
// more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	var firstErr error
	if err := s.repo.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.db = nil
	s.repo = nil
	return firstErr
}
