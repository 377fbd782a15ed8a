// Package sync provides the reconciler that delivers queued mutations and
// refreshes the local catalog.
package sync

import (
	"context"
	"encoding/json"

	"github.com/Lokii1211/kadaigpt-sub002/internal/apiclient"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// API is the remote surface the reconciler needs.
// *apiclient.Client satisfies it.
type API interface {
	// CreateBillJSON delivers an encoded bill and returns the server id.
	CreateBillJSON(ctx context.Context, body json.RawMessage, idemKey string) (string, error)

	// Replay re-issues a captured request.
	Replay(ctx context.Context, rec models.RecordedRequest) ([]byte, error)

	ListProducts(ctx context.Context) ([]models.CachedProduct, error)
	ListCustomers(ctx context.Context) ([]models.CachedCustomer, error)
}

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

// Drainer runs one reconciliation pass.
type Drainer interface {
	Drain(ctx context.Context) (*DrainResult, error)
}

var (
	_ API     = (*apiclient.Client)(nil)
	_ Drainer = (*Engine)(nil)
)
