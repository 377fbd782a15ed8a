package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lokii1211/kadaigpt-sub002/internal/apiclient"
	"github.com/Lokii1211/kadaigpt-sub002/internal/db"
	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/messaging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	"github.com/Lokii1211/kadaigpt-sub002/internal/sync/conflict"
	"github.com/Lokii1211/kadaigpt-sub002/internal/sync/queue"
)

// Skip reasons reported in DrainResult.
const (
	SkipInProgress = "in_progress"
	SkipOffline    = "offline"
)

// Abort reasons reported in DrainResult.
const (
	AbortCancelled    = "cancelled"
	AbortTokenExpired = "token_expired"
	AbortUnauthorized = "unauthorized"
	AbortUnreachable  = "unreachable"
)

// DrainResult represents the result of a drain.
type DrainResult struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`

	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
	Remaining int `json:"remaining"`

	// Aborted is set when the pass stopped early; the rest stays pending.
	Aborted      bool   `json:"aborted"`
	AbortReason  string `json:"abort_reason,omitempty"`
	Products     int    `json:"products_refreshed"`
	Customers    int    `json:"customers_refreshed"`
	Rebased      int    `json:"rebased"`
	RefreshError string `json:"refresh_error,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// Stats is the snapshot shown by the sync indicator.
type Stats struct {
	CachedProducts  int         `json:"cached_products"`
	CachedCustomers int         `json:"cached_customers"`
	TotalBills      int         `json:"total_bills"`
	UnsyncedBills   int         `json:"unsynced_bills"`
	LastSyncAt      int64       `json:"last_sync_at"`
	Online          bool        `json:"online"`
	Syncing         bool        `json:"syncing"`
	Queue           queue.Stats `json:"queue"`
}

// Engine drains the sync queue against the API and refreshes the catalog.
// At most one drain runs at a time.
type Engine struct {
	repo     db.SyncRepository
	queue    *queue.SyncQueue
	api      API
	conn     Connectivity
	bus      messaging.Poster
	resolver *conflict.Resolver
	now      func() time.Time

	running atomic.Bool
	last    atomic.Pointer[DrainResult]
}

// Option configures an Engine.
type Option func(*Engine)

// WithConnectivity makes Drain skip while conn reports offline.
func WithConnectivity(conn Connectivity) Option {
	return func(e *Engine) { e.conn = conn }
}

// WithPoster publishes sync events on p.
func WithPoster(p messaging.Poster) Option {
	return func(e *Engine) { e.bus = p }
}

// WithResolver replaces the default rebase resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new Engine.
func NewEngine(repo db.SyncRepository, q *queue.SyncQueue, api API, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		queue:    q,
		api:      api,
		resolver: conflict.NewResolver(conflict.ResolutionStrategyRebase),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Syncing reports whether a drain is running.
func (e *Engine) Syncing() bool {
	return e.running.Load()
}

// LastResult returns the most recent non-skipped drain, or nil.
func (e *Engine) LastResult() *DrainResult {
	return e.last.Load()
}

// Drain delivers every pending and failed queue item in FIFO order, then
// refreshes products and customers. A concurrent call, or a call while
// offline, returns a skipped result without doing anything.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	if e.conn != nil && !e.conn.Online() {
		return &DrainResult{Skipped: true, SkipReason: SkipOffline}, nil
	}
	if !e.running.CompareAndSwap(false, true) {
		logging.Debug("Drain already in progress", nil)
		return &DrainResult{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.running.Store(false)

	result := &DrainResult{StartTime: e.now()}
	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.last.Store(result)
	}()

	items, err := e.queue.Deliverable(ctx)
	if err != nil {
		e.fail(ctx, err)
		return result, err
	}
	e.publish(ctx, messaging.EventSyncStarted, map[string]interface{}{"pending": len(items)})
	logging.Info("Drain started", map[string]interface{}{"pending": len(items)})

	if err := e.deliverAll(ctx, items, result); err != nil {
		e.fail(ctx, err)
		return result, err
	}

	if !result.Aborted {
		e.refresh(ctx, result)
		if err := e.repo.SetMetadata(ctx, models.MetaLastSyncAt, strconv.FormatInt(e.now().Unix(), 10)); err != nil {
			logging.Warn("Failed to record last sync time", map[string]interface{}{"error": err.Error()})
		}
	}

	e.publish(ctx, messaging.EventSyncCompleted, result)
	logging.Info("Drain completed", map[string]interface{}{
		"attempted":     result.Attempted,
		"synced":        result.Synced,
		"failed":        result.Failed,
		"dead":          result.Dead,
		"remaining":     result.Remaining,
		"aborted":       result.Aborted,
		"products":      result.Products,
		"customers":     result.Customers,
		"refresh_error": result.RefreshError,
	})
	return result, nil
}

// deliverAll walks items in order. Only storage failures are returned; the
// pass stops early, without error, when the API becomes unreachable, the
// credentials are rejected or ctx is done.
func (e *Engine) deliverAll(ctx context.Context, items []*models.SyncQueueItem, result *DrainResult) error {
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			e.abort(result, AbortCancelled, len(items)-i)
			return nil
		}

		result.Attempted++
		serverID, err := e.deliver(ctx, item)
		if err == nil {
			if err := e.queue.MarkSynced(ctx, item, serverID); err != nil {
				return err
			}
			result.Synced++
			continue
		}

		if apperrors.Is(err, apperrors.ErrTokenExpired) {
			// not the item's fault, keep its budget
			result.Attempted--
			e.abort(result, AbortTokenExpired, len(items)-i)
			return nil
		}
		if apiclient.IsUnauthorized(err) {
			result.Attempted--
			e.abort(result, AbortUnauthorized, len(items)-i)
			return nil
		}

		permanent := apiclient.IsPermanent(err)
		updated, markErr := e.queue.MarkFailed(ctx, item.ID, err, permanent)
		if markErr != nil {
			return markErr
		}
		if updated.Status == models.QueueStatusDead {
			result.Dead++
		} else {
			result.Failed++
		}
		e.publish(ctx, messaging.EventSyncItemFailed, map[string]interface{}{
			"queue_id":    updated.ID,
			"type":        string(updated.Type),
			"ref_id":      updated.RefID,
			"status":      string(updated.Status),
			"retry_count": updated.RetryCount,
			"error":       updated.LastError,
		})

		if unreachable(err) {
			e.abort(result, AbortUnreachable, len(items)-i-1)
			return nil
		}
	}
	return nil
}

func (e *Engine) abort(result *DrainResult, reason string, remaining int) {
	result.Aborted = true
	result.AbortReason = reason
	result.Remaining = remaining
	logging.Warn("Drain stopped early", map[string]interface{}{
		"reason":    reason,
		"remaining": remaining,
	})
}

// unreachable reports a network-level failure, as opposed to an HTTP answer.
func unreachable(err error) bool {
	var se *apiclient.StatusError
	if errors.As(err, &se) {
		return false
	}
	return apperrors.Is(err, apperrors.ErrDeliveryFailed)
}

func (e *Engine) deliver(ctx context.Context, item *models.SyncQueueItem) (string, error) {
	switch item.Type {
	case models.OperationCreateBill:
		return e.api.CreateBillJSON(ctx, item.Payload, item.RefID)

	case models.OperationReplayRequest:
		var rec models.RecordedRequest
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			return "", &apiclient.StatusError{Code: 400, Body: "undecodable recorded request: " + err.Error()}
		}
		if rec.OperationID == "" {
			rec.OperationID = item.RefID
		}
		_, err := e.api.Replay(ctx, rec)
		return "", err
	}
	return "", &apiclient.StatusError{Code: 400, Body: fmt.Sprintf("unknown operation %q", item.Type)}
}

// refresh pulls both collections concurrently and caches whichever arrived.
func (e *Engine) refresh(ctx context.Context, result *DrainResult) {
	var (
		g         errgroup.Group
		products  []models.CachedProduct
		customers []models.CachedCustomer
		prodErr   error
		custErr   error
	)
	g.Go(func() error {
		products, prodErr = e.api.ListProducts(ctx)
		return prodErr
	})
	g.Go(func() error {
		customers, custErr = e.api.ListCustomers(ctx)
		return custErr
	})
	if err := g.Wait(); err != nil {
		result.RefreshError = err.Error()
		logging.Warn("Catalog refresh incomplete", map[string]interface{}{"error": err.Error()})
	}

	stamp := strconv.FormatInt(e.now().Unix(), 10)

	if prodErr == nil {
		unsynced, err := e.repo.GetUnsyncedBills(ctx)
		if err != nil {
			result.RefreshError = err.Error()
			logging.Error("Failed to read unsynced bills for rebase", err, nil)
			return
		}
		resolved := e.resolver.Resolve(products, unsynced)
		if err := e.repo.CacheProducts(ctx, resolved.Products); err != nil {
			result.RefreshError = err.Error()
			logging.Error("Failed to cache products", err, nil)
		} else {
			result.Products = len(resolved.Products)
			result.Rebased = len(resolved.Adjustments)
			e.setMeta(ctx, models.MetaProductsLastSynced, stamp)
		}
	}

	if custErr == nil {
		if err := e.repo.CacheCustomers(ctx, customers); err != nil {
			result.RefreshError = err.Error()
			logging.Error("Failed to cache customers", err, nil)
		} else {
			result.Customers = len(customers)
			e.setMeta(ctx, models.MetaCustomersLastSynced, stamp)
		}
	}
}

func (e *Engine) setMeta(ctx context.Context, key, value string) {
	if err := e.repo.SetMetadata(ctx, key, value); err != nil {
		logging.Warn("Failed to record metadata", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// Stats returns counts for the sync indicator.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{Syncing: e.Syncing(), Online: e.conn == nil || e.conn.Online()}

	var err error
	if s.CachedProducts, err = e.repo.CountProducts(ctx); err != nil {
		return nil, err
	}
	if s.CachedCustomers, err = e.repo.CountCustomers(ctx); err != nil {
		return nil, err
	}
	if s.TotalBills, s.UnsyncedBills, err = e.repo.CountBills(ctx); err != nil {
		return nil, err
	}
	if s.Queue, err = e.queue.Stats(ctx); err != nil {
		return nil, err
	}
	v, ok, err := e.repo.GetMetadata(ctx, models.MetaLastSyncAt)
	if err != nil {
		return nil, err
	}
	if ok {
		s.LastSyncAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return s, nil
}

func (e *Engine) fail(ctx context.Context, err error) {
	logging.ErrorWithCode("Drain failed", string(apperrors.CodeOf(err)), err, nil)
	e.publish(ctx, messaging.EventSyncFailed, map[string]interface{}{
		"error":      err.Error(),
		"error_code": string(apperrors.CodeOf(err)),
	})
}

func (e *Engine) publish(ctx context.Context, t messaging.MessageType, data interface{}) {
	if e.bus == nil {
		return
	}
	msg, err := messaging.NewMessage(t, data)
	if err != nil {
		logging.Warn("Failed to encode sync event", map[string]interface{}{"type": string(t), "error": err.Error()})
		return
	}
	if err := e.bus.Post(ctx, msg); err != nil {
		logging.Warn("Sync event handler failed", map[string]interface{}{"type": string(t), "error": err.Error()})
	}
}
