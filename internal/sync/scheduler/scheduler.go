// Package scheduler runs the reconciler periodically and on request.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	syncpkg "github.com/Lokii1211/kadaigpt-sub002/internal/sync"
)

// Scheduler drains the queue on an interval while online and whenever a
// drain is requested. Requests arriving while one is pending coalesce.
type Scheduler struct {
	drainer       syncpkg.Drainer
	queueInterval time.Duration
	drainTimeout  time.Duration

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu         sync.RWMutex
	isRunning  bool
	isOnline   bool
	lastDrain  time.Time
	lastResult *syncpkg.DrainResult
	drains     int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	QueueInterval time.Duration // How often to drain when online (default: 1 minute)
	DrainTimeout  time.Duration // Upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		QueueInterval: 1 * time.Minute,
		DrainTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(drainer syncpkg.Drainer, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	interval := config.QueueInterval
	if interval <= 0 {
		interval = defaults.QueueInterval
	}
	timeout := config.DrainTimeout
	if timeout <= 0 {
		timeout = defaults.DrainTimeout
	}

	return &Scheduler{
		drainer:       drainer,
		queueInterval: interval,
		drainTimeout:  timeout,
		trigger:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		isOnline:      true,
	}
}

// Start starts the background loop. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.queueInterval.Seconds(),
	})
}

// Stop stops the background loop and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus gates the periodic drain. Requested drains still run; the
// reconciler decides whether there is anything to do.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runDrain(ctx, "interval")
		case <-s.trigger:
			s.runDrain(ctx, "requested")
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context, reason string) {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drainer.Drain(drainCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled drain failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if result.Skipped {
		logging.Debug("Scheduled drain skipped", map[string]interface{}{
			"reason":      reason,
			"skip_reason": result.SkipReason,
		})
		return
	}
	s.record(result)
}

func (s *Scheduler) record(result *syncpkg.DrainResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDrain = time.Now()
	s.lastResult = result
	s.drains++
}

// TriggerSync requests a drain from the background loop without waiting.
// It returns false when a request is already pending.
func (s *Scheduler) TriggerSync() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// HandleMessage is a bus handler turning PROCESS_SYNC_QUEUE into a request.
func (s *Scheduler) HandleMessage(ctx context.Context, msg messaging.Message) error {
	if msg.Type == messaging.ProcessSyncQueue {
		s.TriggerSync()
	}
	return nil
}

// SyncNow drains on the caller's goroutine and returns the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.drainer.Drain(drainCtx)
	if err != nil {
		return result, err
	}
	if !result.Skipped {
		s.record(result)
		logging.Info("Manual drain completed",
			map[string]interface{}{
				"synced": result.Synced,
				"failed": result.Failed,
				"dead":   result.Dead,
			})
	}
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning     bool                 `json:"is_running"`
	IsOnline      bool                 `json:"is_online"`
	LastDrainTime *time.Time           `json:"last_drain_time,omitempty"`
	LastResult    *syncpkg.DrainResult `json:"last_result,omitempty"`
	Drains        int                  `json:"drains"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		IsOnline:   s.isOnline,
		LastResult: s.lastResult,
		Drains:     s.drains,
	}
	if !s.lastDrain.IsZero() {
		t := s.lastDrain
		status.LastDrainTime = &t
	}
	return status
}

// IsOnline returns whether periodic drains are enabled.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
