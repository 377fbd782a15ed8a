// Package conflict reconciles a fresh server catalog snapshot with local
// effects that the server has not seen yet.
package conflict

import (
	"fmt"

	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
	"github.com/Lokii1211/kadaigpt-sub002/internal/models"
)

// ResolutionStrategy defines how a snapshot is merged with local state.
type ResolutionStrategy string

const (
	// ResolutionStrategyRebase re-applies stock sold in unsynced bills.
	ResolutionStrategyRebase ResolutionStrategy = "rebase"
	// ResolutionStrategyServerWins takes the snapshot as is.
	ResolutionStrategyServerWins ResolutionStrategy = "server_wins"
)

// ParseStrategy maps a configuration value to a strategy.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch ResolutionStrategy(s) {
	case "", ResolutionStrategyRebase:
		return ResolutionStrategyRebase, nil
	case ResolutionStrategyServerWins:
		return ResolutionStrategyServerWins, nil
	}
	return "", &ConflictError{Message: fmt.Sprintf("unknown strategy %q", s)}
}

// Resolver merges catalog snapshots during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Adjustment records a product whose snapshot stock was lowered.
type Adjustment struct {
	ProductID     models.RemoteID
	ServerStock   float64
	PendingSold   float64
	ResolvedStock float64
}

// ResolveResult represents the outcome of merging one snapshot.
type ResolveResult struct {
	Products    []models.CachedProduct
	Adjustments []Adjustment
	Strategy    ResolutionStrategy
}

// Resolve merges the server snapshot with bills that are still unsynced.
// The input slice is not modified.
func (r *Resolver) Resolve(snapshot []models.CachedProduct, unsynced []*models.OfflineBill) *ResolveResult {
	switch r.strategy {
	case ResolutionStrategyServerWins:
		out := append([]models.CachedProduct(nil), snapshot...)
		if pending := PendingSold(unsynced); len(pending) > 0 {
			logging.Warn("Server snapshot replaces stock with unsynced sales pending", map[string]interface{}{
				"products": len(pending),
				"strategy": string(r.strategy),
			})
		}
		return &ResolveResult{Products: out, Strategy: ResolutionStrategyServerWins}
	default:
		products, adjustments := RebaseStock(snapshot, unsynced)
		if len(adjustments) > 0 {
			logging.Info("Rebased unsynced sales onto server stock", map[string]interface{}{
				"products": len(adjustments),
				"bills":    len(unsynced),
			})
		}
		return &ResolveResult{Products: products, Adjustments: adjustments, Strategy: ResolutionStrategyRebase}
	}
}

// PendingSold sums line quantities per product over unsynced bills.
func PendingSold(bills []*models.OfflineBill) map[models.RemoteID]float64 {
	sold := make(map[models.RemoteID]float64)
	for _, b := range bills {
		if b == nil || b.Synced {
			continue
		}
		for _, item := range b.Payload.Items {
			if item.ProductID == "" || item.Quantity <= 0 {
				continue
			}
			sold[item.ProductID] += item.Quantity
		}
	}
	return sold
}

// RebaseStock lowers each product's stock by what unsynced bills sold, never
// below zero. Products no unsynced bill touches are returned unchanged.
func RebaseStock(products []models.CachedProduct, unsynced []*models.OfflineBill) ([]models.CachedProduct, []Adjustment) {
	out := append([]models.CachedProduct(nil), products...)
	sold := PendingSold(unsynced)
	if len(sold) == 0 {
		return out, nil
	}

	var adjustments []Adjustment
	for i := range out {
		q, ok := sold[out[i].ID]
		if !ok {
			continue
		}
		before := out[i].CurrentStock
		after := before - q
		if after < 0 {
			after = 0
		}
		out[i].CurrentStock = after
		adjustments = append(adjustments, Adjustment{
			ProductID:     out[i].ID,
			ServerStock:   before,
			PendingSold:   q,
			ResolvedStock: after,
		})
	}
	return out, adjustments
}

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
