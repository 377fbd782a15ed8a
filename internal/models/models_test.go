// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

// TestRemoteID_Unmarshal verifies numbers and strings are both accepted.
func TestRemoteID_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want RemoteID
	}{
		{"number", `42`, "42"},
		{"string", `"prd_9"`, "prd_9"},
		{"null", `null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id RemoteID
			if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if id != tt.want {
				t.Errorf("Unmarshal() = %q, want %q", id, tt.want)
			}
		})
	}
}

// TestRemoteID_Unmarshal_invalid rejects objects.
func TestRemoteID_Unmarshal_invalid(t *testing.T) {
	var id RemoteID
	if err := json.Unmarshal([]byte(`{"id":1}`), &id); err == nil {
		t.Error("Unmarshal() should reject objects")
	}
}

// TestRemoteID_Marshal verifies numeric ids are written back as numbers.
func TestRemoteID_Marshal(t *testing.T) {
	out, _ := json.Marshal(RemoteID("17"))
	if string(out) != `17` {
		t.Errorf("Marshal(17) = %s", out)
	}
	out, _ = json.Marshal(RemoteID("abc"))
	if string(out) != `"abc"` {
		t.Errorf("Marshal(abc) = %s", out)
	}
}

// TestBillPayload_preservesUnknownFields verifies extra fields survive a round trip.
func TestBillPayload_preservesUnknownFields(t *testing.T) {
	in := `{"items":[{"product_id":3,"quantity":2,"unit_price":10.5,"total":21}],"total":21,"gst_mode":"inclusive","tags":["walk-in"]}`

	var p BillPayload
	if err := json.Unmarshal([]byte(in), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(p.Items) != 1 || p.Items[0].ProductID != "3" {
		t.Fatalf("items not decoded: %+v", p.Items)
	}
	if !p.Total.Equal(decimal.NewFromInt(21)) {
		t.Errorf("Total = %s", p.Total)
	}
	if string(p.Extra["gst_mode"]) != `"inclusive"` {
		t.Errorf("Extra[gst_mode] = %s", p.Extra["gst_mode"])
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back map[string]json.RawMessage
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-decode error = %v", err)
	}
	if string(back["gst_mode"]) != `"inclusive"` {
		t.Errorf("gst_mode lost: %s", out)
	}
	if string(back["total"]) != `21` {
		t.Errorf("total should be a JSON number, got %s", back["total"])
	}
}

// TestBillPayload_Validate covers the sellable-bill rules.
func TestBillPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload BillPayload
		wantErr bool
	}{
		{"no items", BillPayload{}, true},
		{"missing product", BillPayload{Items: []BillItem{{Quantity: 1}}}, true},
		{"zero quantity", BillPayload{Items: []BillItem{{ProductID: "1"}}}, true},
		{"valid", BillPayload{Items: []BillItem{{ProductID: "1", Quantity: 0.5}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestSyncQueueItem_Deliverable verifies only pending and failed items are attempted.
func TestSyncQueueItem_Deliverable(t *testing.T) {
	tests := []struct {
		status QueueStatus
		want   bool
	}{
		{QueueStatusPending, true},
		{QueueStatusFailed, true},
		{QueueStatusSynced, false},
		{QueueStatusDead, false},
	}
	for _, tt := range tests {
		item := SyncQueueItem{Status: tt.status}
		if got := item.Deliverable(); got != tt.want {
			t.Errorf("Deliverable(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// TestTableNames verifies the schema table mapping.
func TestTableNames(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{CachedProduct{}.TableName(), "products"},
		{CachedCustomer{}.TableName(), "customers"},
		{OfflineBill{}.TableName(), "bills"},
		{SyncQueueItem{}.TableName(), "sync_queue"},
		{Metadata{}.TableName(), "metadata"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("TableName() = %q, want %q", tt.got, tt.want)
		}
	}
}
