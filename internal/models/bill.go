package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BillItem is one line of a bill.
type BillItem struct {
	ProductID   RemoteID        `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    float64         `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

// BillPayload is the body sent to POST /bills. Fields the edge does not
// model are kept in Extra and written back unchanged.
type BillPayload struct {
	ClientBillID  string          `json:"client_bill_id,omitempty"`
	Items         []BillItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CustomerID    RemoteID        `json:"customer_id,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Notes         string          `json:"notes,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type billPayloadAlias BillPayload

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (p *BillPayload) UnmarshalJSON(data []byte) error {
	var alias billPayloadAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range billPayloadKeys {
		delete(all, k)
	}
	*p = BillPayload(alias)
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// MarshalJSON merges Extra under the known fields.
func (p BillPayload) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(billPayloadAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(p.Extra)+len(billPayloadKeys))
	for k, v := range p.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

var billPayloadKeys = []string{
	"client_bill_id", "items", "subtotal", "discount", "total", "payment_method",
	"customer_id", "customer_name", "customer_phone", "notes",
}

// Validate checks the payload is a sellable bill.
func (p *BillPayload) Validate() error {
	if len(p.Items) == 0 {
		return fmt.Errorf("bill must have at least one item")
	}
	for i, it := range p.Items {
		if it.ProductID == "" {
			return fmt.Errorf("items[%d].product_id is required", i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("items[%d].quantity must be positive", i)
		}
	}
	return nil
}

// OfflineBill is a bill recorded locally, either while disconnected or
// queued for durable delivery.
type OfflineBill struct {
	LocalID        string      `db:"local_id" json:"local_id"`
	BillNumber     string      `db:"bill_number" json:"bill_number"`
	Synced         bool        `db:"synced" json:"synced"`
	ServerID       string      `db:"server_id" json:"server_id,omitempty"`
	Payload        BillPayload `db:"payload" json:"payload"`
	CreatedAt      int64       `db:"created_at" json:"created_at"`
	CreatedOffline bool        `db:"created_offline" json:"created_offline"`
	SyncedAt       int64       `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for OfflineBill.
func (OfflineBill) TableName() string {
	return "bills"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (b *OfflineBill) CreatedAtTime() time.Time {
	return time.Unix(b.CreatedAt, 0)
}
