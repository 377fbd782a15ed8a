package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// TestStore_initIdempotent verifies a second Init returns the same repository.
func TestStore_initIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()
	ctx := context.Background()

	first, err := s.Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	second, err := s.Init(ctx)
	if err != nil {
		t.Fatalf("second Init() failed: %v", err)
	}
	if first != second {
		t.Error("Init() should return the already open repository")
	}
	if s.Repository() != first {
		t.Error("Repository() should return the open repository")
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if s.Repository() != nil {
		t.Error("Repository() should be nil after Close")
	}
}

// TestStore_queueSurvivesRestart verifies pending items are still queued, in
// order, after the store is closed and reopened.
func TestStore_queueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	const n = 5

	s := NewStore(dir)
	repo, err := s.Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	for i := 0; i < n; i++ {
		item := &models.SyncQueueItem{
			Type:    models.OperationReplayRequest,
			Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		if err := repo.InsertQueueItem(ctx, item); err != nil {
			t.Fatalf("InsertQueueItem failed: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened := NewStore(dir)
	defer reopened.Close()
	repo, err = reopened.Init(ctx)
	if err != nil {
		t.Fatalf("Init() after restart failed: %v", err)
	}

	items, err := repo.ListQueueItems(ctx, models.QueueStatusPending)
	if err != nil {
		t.Fatalf("ListQueueItems failed: %v", err)
	}
	if len(items) != n {
		t.Fatalf("Expected %d pending items, got %d", n, len(items))
	}
	for i, item := range items {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(item.Payload) != want {
			t.Errorf("item %d payload = %s, want %s", i, item.Payload, want)
		}
	}
}

// TestStore_unavailable verifies an unusable data directory is reported as
// storage unavailable.
func TestStore_unavailable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	s := NewStore(file)
	_, err := s.Init(context.Background())
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("Init() error = %v, want storage unavailable", err)
	}
	if s.Repository() != nil {
		t.Error("Repository() should be nil after failed Init")
	}
}
