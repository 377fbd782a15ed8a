package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	"github.com/Lokii1211/kadaigpt-sub002/internal/pos"
)

// Facade is the POS surface; *pos.Facade satisfies it.
type Facade interface {
	CreateBill(ctx context.Context, payload models.BillPayload) (*pos.BillResult, error)
	Products(ctx context.Context) (*pos.ProductsResult, error)
	Customers(ctx context.Context) (*pos.CustomersResult, error)
	SearchProducts(ctx context.Context, q string) (*pos.ProductsResult, error)
	SearchCustomers(ctx context.Context, q string) (*pos.CustomersResult, error)
	ProductByBarcode(ctx context.Context, code string) (*models.CachedProduct, error)
	CustomerByPhone(ctx context.Context, phone string) (*models.CachedCustomer, error)
	UnsyncedBills(ctx context.Context) ([]*models.OfflineBill, error)
	OnlineOnly() bool
}

type handler struct {
	facade Facade
	sync   Syncer
	stats  StatsSource
	queue  Queue
	conn   Connectivity
}

var errNoQueue = apperrors.New(apperrors.ErrStorageUnavailable, "sync queue unavailable: running online-only")

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"online":      h.conn.Online(),
		"online_only": h.facade.OnlineOnly(),
	})
}

// createBill handles POST /bills. 201 when the server took the bill, 202
// when it was saved for later delivery.
func (h *handler) createBill(w http.ResponseWriter, r *http.Request) {
	var payload models.BillPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, "invalid bill JSON")
		return
	}

	res, err := h.facade.CreateBill(r.Context(), payload)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Offline {
		status = http.StatusAccepted
	}
	respond(w, status, res)
}

func (h *handler) unsyncedBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.facade.UnsyncedBills(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"bills": bills, "count": len(bills)})
}

func (h *handler) products(w http.ResponseWriter, r *http.Request) {
	var (
		res *pos.ProductsResult
		err error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		res, err = h.facade.SearchProducts(r.Context(), q)
	} else {
		res, err = h.facade.Products(r.Context())
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *handler) productByBarcode(w http.ResponseWriter, r *http.Request) {
	p, err := h.facade.ProductByBarcode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, p)
}

func (h *handler) customers(w http.ResponseWriter, r *http.Request) {
	var (
		res *pos.CustomersResult
		err error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		res, err = h.facade.SearchCustomers(r.Context(), q)
	} else {
		res, err = h.facade.Customers(r.Context())
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *handler) customerByPhone(w http.ResponseWriter, r *http.Request) {
	c, err := h.facade.CustomerByPhone(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, c)
}

func (h *handler) syncNow(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil {
		respondError(w, r, errNoQueue)
		return
	}
	result, err := h.sync.SyncNow(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (h *handler) syncStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondError(w, r, errNoQueue)
		return
	}
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

// listQueue handles GET /sync/queue?status=failed,dead.
func (h *handler) listQueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		respondError(w, r, errNoQueue)
		return
	}
	var statuses []models.QueueStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.QueueStatus(strings.TrimSpace(s))
			switch st {
			case models.QueueStatusPending, models.QueueStatusFailed, models.QueueStatusDead, models.QueueStatusSynced:
				statuses = append(statuses, st)
			default:
				badRequest(w, "unknown queue status: "+s)
				return
			}
		}
	}

	items, err := h.queue.List(r.Context(), statuses...)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

func (h *handler) retryItem(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		respondError(w, r, errNoQueue)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid queue item id")
		return
	}
	item, err := h.queue.Retry(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, item)
}

func (h *handler) retryAll(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		respondError(w, r, errNoQueue)
		return
	}
	n, err := h.queue.RetryAll(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"reset": n})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// setConnectivity handles POST /connectivity from the browser's
// online/offline events.
func (h *handler) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		badRequest(w, `body must be {"online": true|false}`)
		return
	}
	h.conn.SetOnline(*req.Online)
	respond(w, http.StatusOK, map[string]bool{"online": h.conn.Online()})
}
