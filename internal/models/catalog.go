package models

import (
	"github.com/shopspring/decimal"
)

// CachedProduct mirrors a remote product record.
type CachedProduct struct {
	ID           RemoteID        `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Barcode      string          `db:"barcode" json:"barcode,omitempty"`
	SKU          string          `db:"sku" json:"sku,omitempty"`
	CategoryID   RemoteID        `db:"category_id" json:"category_id,omitempty"`
	Price        decimal.Decimal `db:"price" json:"price"`
	CurrentStock float64         `db:"current_stock" json:"current_stock"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at,omitempty"`
}

// TableName returns the table name for CachedProduct.
func (CachedProduct) TableName() string {
	return "products"
}

// CachedCustomer mirrors a remote customer record.
type CachedCustomer struct {
	ID            RemoteID        `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Phone         string          `db:"phone" json:"phone,omitempty"`
	Credit        decimal.Decimal `db:"credit" json:"credit"`
	LoyaltyPoints int             `db:"loyalty_points" json:"loyalty_points"`
	LastPurchase  string          `db:"last_purchase" json:"last_purchase,omitempty"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at,omitempty"`
}

// TableName returns the table name for CachedCustomer.
func (CachedCustomer) TableName() string {
	return "customers"
}

// Metadata keys used by the reconciler.
const (
	MetaProductsLastSynced  = "products_last_synced"
	MetaCustomersLastSynced = "customers_last_synced"
	MetaLastSyncAt          = "last_sync_at"
)

// Metadata is a bookkeeping key/value pair.
type Metadata struct {
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Metadata.
func (Metadata) TableName() string {
	return "metadata"
}
