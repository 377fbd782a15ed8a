// Package pos is the offline-aware entry point the POS screens call. It
// prefers the remote API and falls back to the local store, so callers never
// need to know whether the shop is connected.
package pos

import (
	"context"
	"strings"

	"github.com/Lokii1211/kadaigpt-sub002/internal/db"
	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
	"github.com/Lokii1211/kadaigpt-sub002/internal/sync/conflict"
	"github.com/Lokii1211/kadaigpt-sub002/internal/uuid"
)

// Source tells where returned data came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// OnlineOnlyWarning is attached to every result when local storage is unavailable.
const OnlineOnlyWarning = "Offline storage is unavailable. Bills will not be saved without a connection."

// API is the subset of the remote client the facade uses.
type API interface {
	CreateBill(ctx context.Context, payload models.BillPayload, idemKey string) (string, error)
	ListProducts(ctx context.Context) ([]models.CachedProduct, error)
	ListCustomers(ctx context.Context) ([]models.CachedCustomer, error)
}

// Store is the local store. A nil Store puts the facade in online-only mode.
type Store interface {
	db.CatalogRepository
	db.BillRepository
}

// Connectivity reports the monitor's view of the network.
type Connectivity interface {
	Online() bool
}

// BillResult describes where a bill ended up.
type BillResult struct {
	Success      bool   `json:"success"`
	Offline      bool   `json:"offline"`
	ClientBillID string `json:"client_bill_id"`
	LocalID      string `json:"local_id,omitempty"`
	ServerID     string `json:"server_id,omitempty"`
	BillNumber   string `json:"bill_number,omitempty"`
	Message      string `json:"message"`
	Warning      string `json:"warning,omitempty"`
}

// ProductsResult is a product read.
type ProductsResult struct {
	Products []models.CachedProduct `json:"products"`
	Source   Source                 `json:"source"`
	Stale    bool                   `json:"stale"`
	Warning  string                 `json:"warning,omitempty"`
}

// CustomersResult is a customer read.
type CustomersResult struct {
	Customers []models.CachedCustomer `json:"customers"`
	Source    Source                  `json:"source"`
	Stale     bool                    `json:"stale"`
	Warning   string                  `json:"warning,omitempty"`
}

// Option configures a Facade.
type Option func(*Facade)

// WithResolver sets how network snapshots are merged with unsynced sales.
func WithResolver(r *conflict.Resolver) Option {
	return func(f *Facade) { f.resolver = r }
}

// Facade serves the POS screens.
type Facade struct {
	store    Store
	api      API
	conn     Connectivity
	resolver *conflict.Resolver
}

// NewFacade creates a Facade. Pass a nil store when the local store could not
// be opened.
func NewFacade(store Store, api API, conn Connectivity, opts ...Option) *Facade {
	f := &Facade{
		store:    store,
		api:      api,
		conn:     conn,
		resolver: conflict.NewResolver(conflict.ResolutionStrategyRebase),
	}
	for _, opt := range opts {
		opt(f)
	}
	if store == nil {
		logging.Warn(OnlineOnlyWarning, nil)
	}
	return f
}

// OnlineOnly reports whether the facade runs without local storage.
func (f *Facade) OnlineOnly() bool {
	return f.store == nil
}

func (f *Facade) warning() string {
	if f.store == nil {
		return OnlineOnlyWarning
	}
	return ""
}

// CreateBill sends the bill to the server when online and saves it locally
// for later delivery on any failure. The client bill id assigned here is the
// idempotency key for both paths, so a bill whose response was lost online
// is not duplicated by its offline replay.
func (f *Facade) CreateBill(ctx context.Context, payload models.BillPayload) (*BillResult, error) {
	if err := payload.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid bill", err)
	}
	if !uuid.IsValid(payload.ClientBillID) {
		payload.ClientBillID = uuid.New()
	}

	if f.conn.Online() {
		serverID, err := f.api.CreateBill(ctx, payload, payload.ClientBillID)
		if err == nil {
			return &BillResult{
				Success:      true,
				ClientBillID: payload.ClientBillID,
				ServerID:     serverID,
				Message:      "Bill saved",
				Warning:      f.warning(),
			}, nil
		}
		logging.Warn("Online bill failed, saving offline", map[string]interface{}{
			"client_bill_id": payload.ClientBillID,
			"error":          err.Error(),
		})
		if f.store == nil {
			return nil, apperrors.Wrap(apperrors.ErrOffline, "bill not saved: server unreachable and offline storage is unavailable", err)
		}
	}

	if f.store == nil {
		return nil, apperrors.New(apperrors.ErrOffline, "bill not saved: offline and offline storage is unavailable")
	}

	bill, err := f.store.CreateBillOffline(ctx, payload)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "changes not saved locally", err)
	}

	return &BillResult{
		Success:      true,
		Offline:      true,
		ClientBillID: bill.Payload.ClientBillID,
		LocalID:      bill.LocalID,
		BillNumber:   bill.BillNumber,
		Message:      "Bill saved offline. It will sync when connected.",
	}, nil
}

// Products returns the catalog from the network when possible, refreshing
// the cache, and from the cache otherwise.
func (f *Facade) Products(ctx context.Context) (*ProductsResult, error) {
	if f.conn.Online() {
		products, err := f.api.ListProducts(ctx)
		if err == nil {
			products = f.cacheProducts(ctx, products)
			return &ProductsResult{Products: products, Source: SourceNetwork, Warning: f.warning()}, nil
		}
		logging.Warn("Product fetch failed, using cache", map[string]interface{}{"error": err.Error()})
	}
	if f.store == nil {
		return nil, apperrors.New(apperrors.ErrOffline, "products unavailable: offline and no local catalog")
	}

	products, err := f.store.GetProducts(ctx)
	if err != nil {
		return nil, err
	}
	return &ProductsResult{Products: products, Source: SourceCache, Stale: true}, nil
}

// cacheProducts re-applies unsynced sales to the snapshot before caching it
// and returns what was cached.
func (f *Facade) cacheProducts(ctx context.Context, products []models.CachedProduct) []models.CachedProduct {
	if f.store == nil {
		return products
	}
	unsynced, err := f.store.GetUnsyncedBills(ctx)
	if err != nil {
		logging.Warn("Failed to read unsynced bills", map[string]interface{}{"error": err.Error()})
		return products
	}
	resolved := f.resolver.Resolve(products, unsynced).Products
	if err := f.store.CacheProducts(ctx, resolved); err != nil {
		logging.Warn("Failed to cache products", map[string]interface{}{"error": err.Error()})
	}
	return resolved
}

// Customers mirrors Products.
func (f *Facade) Customers(ctx context.Context) (*CustomersResult, error) {
	if f.conn.Online() {
		customers, err := f.api.ListCustomers(ctx)
		if err == nil {
			if f.store != nil {
				if err := f.store.CacheCustomers(ctx, customers); err != nil {
					logging.Warn("Failed to cache customers", map[string]interface{}{"error": err.Error()})
				}
			}
			return &CustomersResult{Customers: customers, Source: SourceNetwork, Warning: f.warning()}, nil
		}
		logging.Warn("Customer fetch failed, using cache", map[string]interface{}{"error": err.Error()})
	}
	if f.store == nil {
		return nil, apperrors.New(apperrors.ErrOffline, "customers unavailable: offline and no local directory")
	}

	customers, err := f.store.GetCustomers(ctx)
	if err != nil {
		return nil, err
	}
	return &CustomersResult{Customers: customers, Source: SourceCache, Stale: true}, nil
}

// SearchProducts matches name, barcode and SKU against the local cache.
// In online-only mode it filters the network catalog instead.
func (f *Facade) SearchProducts(ctx context.Context, q string) (*ProductsResult, error) {
	if f.store != nil {
		products, err := f.store.SearchProducts(ctx, q)
		if err != nil {
			return nil, err
		}
		return &ProductsResult{Products: products, Source: SourceCache, Stale: !f.conn.Online()}, nil
	}

	all, err := f.Products(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(q)
	matched := make([]models.CachedProduct, 0)
	for _, p := range all.Products {
		if containsFold(needle, p.Name, p.Barcode, p.SKU) {
			matched = append(matched, p)
		}
	}
	all.Products = matched
	return all, nil
}

// SearchCustomers matches name and phone.
func (f *Facade) SearchCustomers(ctx context.Context, q string) (*CustomersResult, error) {
	if f.store != nil {
		customers, err := f.store.SearchCustomers(ctx, q)
		if err != nil {
			return nil, err
		}
		return &CustomersResult{Customers: customers, Source: SourceCache, Stale: !f.conn.Online()}, nil
	}

	all, err := f.Customers(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(q)
	matched := make([]models.CachedCustomer, 0)
	for _, c := range all.Customers {
		if containsFold(needle, c.Name, c.Phone) {
			matched = append(matched, c)
		}
	}
	all.Customers = matched
	return all, nil
}

// ProductByBarcode returns ErrNotFound when no product has the code.
func (f *Facade) ProductByBarcode(ctx context.Context, code string) (*models.CachedProduct, error) {
	if code == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "barcode is required")
	}
	if f.store != nil {
		p, err := f.store.GetProductByBarcode(ctx, code)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, apperrors.New(apperrors.ErrNotFound, "no product with barcode "+code)
		}
		return p, nil
	}

	all, err := f.Products(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all.Products {
		if all.Products[i].Barcode == code {
			return &all.Products[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "no product with barcode "+code)
}

// CustomerByPhone returns ErrNotFound when no customer has the number.
func (f *Facade) CustomerByPhone(ctx context.Context, phone string) (*models.CachedCustomer, error) {
	if phone == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "phone is required")
	}
	if f.store != nil {
		c, err := f.store.GetCustomerByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, apperrors.New(apperrors.ErrNotFound, "no customer with phone "+phone)
		}
		return c, nil
	}

	all, err := f.Customers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all.Customers {
		if all.Customers[i].Phone == phone {
			return &all.Customers[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "no customer with phone "+phone)
}

// UnsyncedBills lists bills waiting for delivery, oldest first.
func (f *Facade) UnsyncedBills(ctx context.Context) ([]*models.OfflineBill, error) {
	if f.store == nil {
		return []*models.OfflineBill{}, nil
	}
	return f.store.GetUnsyncedBills(ctx)
}

func containsFold(needle string, fields ...string) bool {
	if needle == "" {
		return true
	}
	for _, s := range fields {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}
