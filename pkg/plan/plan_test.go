package plan

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryGuardDefaultsToGuest(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	tier, err := g.Tier(ctx, "user-1")
	if err != nil {
		t.Fatalf("Tier() error = %v", err)
	}
	if tier != TierGuest {
		t.Errorf("Tier() = %v, want %v", tier, TierGuest)
	}

	if err := g.SetTier(ctx, "user-1", TierFree); err != nil {
		t.Fatalf("SetTier() error = %v", err)
	}

	tier, err = g.Tier(ctx, "user-1")
	if err != nil {
		t.Fatalf("Tier() error = %v", err)
	}
	if tier != TierFree {
		t.Errorf("Tier() = %v, want %v", tier, TierFree)
	}
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	g := NewRedisGuardFromClient(client, "test:plan")
	t.Cleanup(func() { _ = g.Close() })

	ctx := context.Background()

	tier, err := g.Tier(ctx, "user-1")
	if err != nil {
		t.Fatalf("Tier() error = %v", err)
	}
	if tier != TierGuest {
		t.Errorf("Tier() = %v, want %v", tier, TierGuest)
	}

	if err := g.SetTier(ctx, "user-1", TierPremium); err != nil {
		t.Fatalf("SetTier() error = %v", err)
	}

	tier, err = g.Tier(ctx, "user-1")
	if err != nil {
		t.Fatalf("Tier() error = %v", err)
	}
	if tier != TierPremium {
		t.Errorf("Tier() = %v, want %v", tier, TierPremium)
	}
}
