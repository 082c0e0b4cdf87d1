package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const guardFileName = "tiers.json"

// FileGuard persists tiers as a JSON document on local disk, one record
// per user. Suitable for a single process.
type FileGuard struct {
	mu     sync.Mutex
	path   string
	closed bool
}

// NewFileGuard creates a file-backed guard rooted at dir, creating the
// directory if needed.
func NewFileGuard(dir string) (*FileGuard, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".synccore", "plan")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create plan directory: %w", err)
	}
	return &FileGuard{path: filepath.Join(dir, guardFileName)}, nil
}

func (g *FileGuard) Tier(ctx context.Context, userID string) (Tier, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", ErrGuardClosed
	}
	tiers, err := g.load()
	if err != nil {
		return "", err
	}
	tier, ok := tiers[userID]
	if !ok {
		return TierGuest, nil
	}
	return tier, nil
}

func (g *FileGuard) SetTier(ctx context.Context, userID string, tier Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGuardClosed
	}
	tiers, err := g.load()
	if err != nil {
		return err
	}
	tiers[userID] = tier

	data, err := json.MarshalIndent(tiers, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tiers: %w", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write tiers: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("failed to replace tiers: %w", err)
	}
	return nil
}

func (g *FileGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *FileGuard) load() (map[string]Tier, error) {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return make(map[string]Tier), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tiers: %w", err)
	}
	var tiers map[string]Tier
	if err := json.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("failed to parse tiers: %w", err)
	}
	if tiers == nil {
		tiers = make(map[string]Tier)
	}
	return tiers, nil
}
