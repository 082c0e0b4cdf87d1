// Package plan implements the capacity guard: per-user plan tier storage.
// The guest migration orchestrator flips a user's tier exactly once when a
// guest identity becomes an authenticated account.
package plan

import (
	"context"
	"errors"
	"sync"
)

// Tier is a capacity/entitlement classification of a user account.
type Tier string

const (
	// TierGuest is the local-only, unauthenticated tier.
	TierGuest Tier = "guest"
	// TierFree is the default tier for authenticated accounts.
	TierFree Tier = "free"
	// TierPremium is the paid tier.
	TierPremium Tier = "premium"
)

// ErrGuardClosed is returned when operating on a closed guard.
var ErrGuardClosed = errors.New("plan guard is closed")

// Guard reads and writes the current plan tier for a user. Users without
// a recorded tier are guests.
type Guard interface {
	// Tier returns the user's current tier, TierGuest when unrecorded.
	Tier(ctx context.Context, userID string) (Tier, error)

	// SetTier durably records the user's tier.
	SetTier(ctx context.Context, userID string, tier Tier) error

	// Close releases any resources held by the guard.
	Close() error
}

// MemoryGuard is an in-memory Guard, useful for tests.
type MemoryGuard struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{tiers: make(map[string]Tier)}
}

// Tier returns the user's current tier.
func (g *MemoryGuard) Tier(ctx context.Context, userID string) (Tier, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if tier, ok := g.tiers[userID]; ok {
		return tier, nil
	}
	return TierGuest, nil
}

// SetTier records the user's tier.
func (g *MemoryGuard) SetTier(ctx context.Context, userID string, tier Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tiers[userID] = tier
	return nil
}

// Close is a no-op for the in-memory guard.
func (g *MemoryGuard) Close() error { return nil }
