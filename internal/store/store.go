// Package store defines the persistence interface for the staking engine.
// Implementations include PostgreSQL (source of truth), bbolt (single-node
// file store), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by Commit when the chef was written by
	// someone else since it was loaded.
	ErrConflict = errors.New("store: concurrent modification")
)

// Mutation is everything one operation changed. Commit writes all of it or
// none of it.
//
// Chef.Version must be one more than the stored version (zero when the chef
// is new). Accounts are ledger account snapshots; a store keeps the one with
// the highest Seq per account.
type Mutation struct {
	Chef     *model.MasterChef
	Position *model.UserPosition
	Accounts []ledger.Account
	Events   []model.Event
}

// checkVersion validates a chef write against the stored version.
func checkVersion(c *model.MasterChef, stored uint64) error {
	if c.Version == 0 || c.Version-1 != stored {
		return fmt.Errorf("%w: chef %s at version %d, write carries %d", ErrConflict, c.ID, stored, c.Version)
	}
	return nil
}

// Cached is implemented by stores that answer reads from a cache.
type Cached interface {
	Store
	// Primary returns the store behind the cache.
	Primary() Store
}

// Primary returns the authoritative store behind s. Reads that feed a write
// must use it.
func Primary(s Store) Store {
	if c, ok := s.(Cached); ok {
		return c.Primary()
	}
	return s
}

// EventFilter narrows ListEvents. Zero fields match everything; a zero Limit
// returns every matching event.
type EventFilter struct {
	Type    model.EventType
	LPToken string
	Signer  string
	Limit   int
}

// Match reports whether e passes the filter (Limit is not considered).
func (f EventFilter) Match(e model.Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.LPToken != "" && e.LPToken != f.LPToken {
		return false
	}
	if f.Signer != "" && e.Signer != f.Signer {
		return false
	}
	return true
}

// Store is the persistence interface. The registry (chef) and each user
// position are independent records; events are append-only.
type Store interface {
	// --- Registry ---

	// GetChef retrieves a registry with all of its pool slots.
	GetChef(ctx context.Context, id string) (*model.MasterChef, error)

	// ListChefs returns every registry.
	ListChefs(ctx context.Context) ([]model.MasterChef, error)

	// --- Positions ---

	// GetPosition retrieves one user's position in one pool.
	GetPosition(ctx context.Context, chefID, lpToken, owner string) (*model.UserPosition, error)

	// ListPositions returns every position in a pool.
	ListPositions(ctx context.Context, chefID, lpToken string) ([]model.UserPosition, error)

	// ListPositionsByOwner returns every position an owner holds in a registry.
	ListPositionsByOwner(ctx context.Context, chefID, owner string) ([]model.UserPosition, error)

	// --- Atomic write ---

	// Commit upserts the chef, position and ledger accounts and appends the
	// events in a single atomic write. A stale chef version fails with
	// ErrConflict and writes nothing.
	Commit(ctx context.Context, m Mutation) error

	// --- Event log ---

	// ListEvents returns a registry's events in commit order.
	ListEvents(ctx context.Context, chefID string, f EventFilter) ([]model.Event, error)

	// --- Ledger accounts ---

	ledger.AccountStore
}
