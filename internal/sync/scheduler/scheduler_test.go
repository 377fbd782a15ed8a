// Package scheduler tests for background drain scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	syncpkg "github.com/Lokii1211/kadaigpt-sub002/internal/sync"
)

// countingDrainer records calls and can be made to block or fail.
type countingDrainer struct {
	calls   atomic.Int32
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	skipped bool
}

func (d *countingDrainer) Drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	d.calls.Add(1)
	d.mu.Lock()
	gate, err, skipped := d.gate, d.err, d.skipped
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &syncpkg.DrainResult{Skipped: skipped, Synced: 1}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.QueueInterval != 1*time.Minute {
		t.Errorf("QueueInterval = %v, want 1m", config.QueueInterval)
	}
	if config.DrainTimeout != 5*time.Minute {
		t.Errorf("DrainTimeout = %v, want 5m", config.DrainTimeout)
	}
}

func TestNewScheduler_zeroConfigUsesDefaults(t *testing.T) {
	s := NewScheduler(&countingDrainer{}, &SchedulerConfig{})
	if s.queueInterval != time.Minute || s.drainTimeout != 5*time.Minute {
		t.Errorf("interval=%v timeout=%v", s.queueInterval, s.drainTimeout)
	}
	if !s.IsOnline() || s.IsRunning() {
		t.Error("new scheduler should be online and stopped")
	}
}

// TestScheduler_periodicDrain verifies the interval drain runs only online.
func TestScheduler_periodicDrain(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &countingDrainer{}
	s := NewScheduler(d, &SchedulerConfig{QueueInterval: 10 * time.Millisecond})
	s.SetOnlineStatus(false)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := d.calls.Load(); n != 0 {
		t.Fatalf("offline scheduler drained %d times", n)
	}

	s.SetOnlineStatus(true)
	waitFor(t, func() bool { return d.calls.Load() >= 2 })

	status := s.GetStatus()
	if !status.IsRunning || status.Drains < 2 || status.LastDrainTime == nil || status.LastResult == nil {
		t.Errorf("status = %+v", status)
	}
}

// TestScheduler_triggerCoalesces verifies requests made while one is pending
// collapse into a single drain.
func TestScheduler_triggerCoalesces(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	d := &countingDrainer{gate: gate}
	s := NewScheduler(d, &SchedulerConfig{QueueInterval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	if !s.TriggerSync() {
		t.Fatal("first trigger should be accepted")
	}
	waitFor(t, func() bool { return d.calls.Load() == 1 })

	// one pending slot while the first drain blocks
	if !s.TriggerSync() {
		t.Error("second trigger should queue")
	}
	if s.TriggerSync() {
		t.Error("third trigger should coalesce")
	}

	close(gate)
	waitFor(t, func() bool { return d.calls.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := d.calls.Load(); n != 2 {
		t.Errorf("drains = %d, want 2", n)
	}
}

func TestScheduler_HandleMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &countingDrainer{}
	s := NewScheduler(d, &SchedulerConfig{QueueInterval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	bus := messaging.NewBus()
	bus.Subscribe(messaging.ProcessSyncQueue, s.HandleMessage)

	if err := bus.Post(context.Background(), messaging.Message{Type: messaging.ProcessSyncQueue}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	waitFor(t, func() bool { return d.calls.Load() == 1 })

	// other types are ignored
	s.HandleMessage(context.Background(), messaging.Message{Type: messaging.EventSyncStarted})
	time.Sleep(20 * time.Millisecond)
	if n := d.calls.Load(); n != 1 {
		t.Errorf("drains = %d, want 1", n)
	}
}

func TestScheduler_SyncNow(t *testing.T) {
	d := &countingDrainer{}
	s := NewScheduler(d, nil)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if result.Synced != 1 || s.GetStatus().Drains != 1 {
		t.Errorf("result=%+v status=%+v", result, s.GetStatus())
	}

	d.skipped = true
	s.SyncNow(context.Background())
	if s.GetStatus().Drains != 1 {
		t.Error("skipped drains should not be recorded")
	}

	d.skipped = false
	d.err = errors.New("disk full")
	if _, err := s.SyncNow(context.Background()); err == nil {
		t.Error("expected drain error")
	}
}

// TestScheduler_StopWaitsAndIsIdempotent verifies Stop returns after a
// cancelled context and can be called twice.
func TestScheduler_StopWaitsAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(&countingDrainer{}, &SchedulerConfig{QueueInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Start(ctx)
	cancel()

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}
