// Package httpapi exposes the edge to the POS web app: a local JSON API
// under /local/v1, the websocket hub, and the fetch interceptor for
// everything else.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	syncpkg "github.com/Lokii1211/kadaigpt-sub002/internal/sync"
)

// Prefix is the mount point of the local API.
const Prefix = "/local/v1"

// Syncer runs a drain on request; *scheduler.Scheduler satisfies it.
type Syncer interface {
	SyncNow(ctx context.Context) (*syncpkg.DrainResult, error)
}

// StatsSource reports sync state; *sync.Engine satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (*syncpkg.Stats, error)
}

// Queue is the queue inspection surface.
type Queue interface {
	List(ctx context.Context, statuses ...models.QueueStatus) ([]*models.SyncQueueItem, error)
	Retry(ctx context.Context, id int64) (*models.SyncQueueItem, error)
	RetryAll(ctx context.Context) (int, error)
}

// Connectivity is the monitor.
type Connectivity interface {
	Online() bool
	SetOnline(online bool)
}

// Deps holds what the router serves. Hub and Fallback may be nil.
type Deps struct {
	Facade       Facade
	Sync         Syncer
	Stats        StatsSource
	Queue        Queue
	Connectivity Connectivity
	Hub          http.Handler
	Fallback     http.Handler
	Timeout      time.Duration
}

// NewRouter builds the edge router.
func NewRouter(d Deps) *chi.Mux {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	h := &handler{
		facade: d.Facade,
		sync:   d.Sync,
		stats:  d.Stats,
		queue:  d.Queue,
		conn:   d.Connectivity,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Route(Prefix, func(r chi.Router) {
		r.Use(middleware.Timeout(d.Timeout))

		r.Get("/health", h.health)

		r.Post("/bills", h.createBill)
		r.Get("/bills/unsynced", h.unsyncedBills)

		r.Get("/products", h.products)
		r.Get("/products/barcode/{code}", h.productByBarcode)
		r.Get("/customers", h.customers)
		r.Get("/customers/phone/{phone}", h.customerByPhone)

		r.Post("/sync", h.syncNow)
		r.Get("/sync/stats", h.syncStats)
		r.Get("/sync/queue", h.listQueue)
		r.Post("/sync/queue/retry", h.retryAll)
		r.Post("/sync/queue/{id}/retry", h.retryItem)

		r.Post("/connectivity", h.setConnectivity)
	})

	if d.Hub != nil {
		r.Handle("/ws", d.Hub)
	}
	if d.Fallback != nil {
		r.Handle("/*", d.Fallback)
	}
	return r
}
