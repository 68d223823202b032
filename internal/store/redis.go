package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache.
//
// Every cached key of a registry embeds that registry's generation counter.
// Commit advances the generation before and after the primary write, so a
// value read from the primary before the commit can only ever be cached
// under a generation that is no longer read. Entries of old generations
// expire with the TTL.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the uncached store.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Write-through (write to primary, advance generation) ---

// Commit fails without touching the primary when Redis cannot record the
// write. After the primary write succeeds the commit stands; a failed second
// bump is logged and counted, and leaves cached reads stale for at most one
// TTL.
func (s *CachedStore) Commit(ctx context.Context, m Mutation) error {
	chefIDs := touchedChefs(m)
	for _, id := range chefIDs {
		if err := s.rdb.Incr(ctx, genKey(id)).Err(); err != nil {
			return fmt.Errorf("cache invalidation for chef %s: %w", id, err)
		}
	}

	if err := s.primary.Commit(ctx, m); err != nil {
		return err
	}

	for _, id := range chefIDs {
		if err := s.rdb.Incr(ctx, genKey(id)).Err(); err != nil {
			metrics.CacheInvalidationFailures.Inc()
			slog.Error("cache invalidation failed after commit", "chef", id, "err", err)
		}
	}
	return nil
}

// touchedChefs lists the registries whose cached reads m changes.
func touchedChefs(m Mutation) []string {
	var ids []string
	if m.Chef != nil {
		ids = append(ids, m.Chef.ID)
	}
	if p := m.Position; p != nil && (m.Chef == nil || p.ChefID != m.Chef.ID) {
		ids = append(ids, p.ChefID)
	}
	return ids
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetChef(ctx context.Context, id string) (*model.MasterChef, error) {
	var c model.MasterChef
	return readThrough(ctx, s, id, "chef:"+id, &c, func() (*model.MasterChef, error) {
		return s.primary.GetChef(ctx, id)
	})
}

func (s *CachedStore) GetPosition(ctx context.Context, chefID, lpToken, owner string) (*model.UserPosition, error) {
	var p model.UserPosition
	return readThrough(ctx, s, chefID, "position:"+lpToken+":"+owner, &p, func() (*model.UserPosition, error) {
		return s.primary.GetPosition(ctx, chefID, lpToken, owner)
	})
}

func (s *CachedStore) ListPositions(ctx context.Context, chefID, lpToken string) ([]model.UserPosition, error) {
	var positions []model.UserPosition
	got, err := readThrough(ctx, s, chefID, "positions:"+lpToken, &positions, func() (*[]model.UserPosition, error) {
		p, err := s.primary.ListPositions(ctx, chefID, lpToken)
		return &p, err
	})
	if err != nil {
		return nil, err
	}
	return *got, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, chefID, owner string) ([]model.UserPosition, error) {
	var positions []model.UserPosition
	got, err := readThrough(ctx, s, chefID, "owner-positions:"+owner, &positions, func() (*[]model.UserPosition, error) {
		p, err := s.primary.ListPositionsByOwner(ctx, chefID, owner)
		return &p, err
	})
	if err != nil {
		return nil, err
	}
	return *got, nil
}

// readThrough serves name from chefID's current cache generation, filling
// it from load on a miss. If the generation cannot be read the cache is
// skipped.
func readThrough[T any](ctx context.Context, s *CachedStore, chefID, name string, dst *T, load func() (*T, error)) (*T, error) {
	gen, err := s.rdb.Get(ctx, genKey(chefID)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		gen = 0
	case err != nil:
		slog.Warn("cache unavailable, reading primary", "chef", chefID, "err", err)
		return load()
	}

	key := cacheKey(chefID, gen, name)
	if s.fromCache(ctx, key, dst) {
		return dst, nil
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, v)
	return v, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListChefs(ctx context.Context) ([]model.MasterChef, error) {
	return s.primary.ListChefs(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, chefID string, f EventFilter) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, chefID, f)
}

func (s *CachedStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	return s.primary.LoadAccounts(ctx)
}

func (s *CachedStore) SaveAccounts(ctx context.Context, accounts ...ledger.Account) error {
	return s.primary.SaveAccounts(ctx, accounts...)
}

// --- Cache helpers ---

func (s *CachedStore) fromCache(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

func genKey(chefID string) string { return fmt.Sprintf("staking:gen:%s", chefID) }

func cacheKey(chefID string, gen int64, name string) string {
	return fmt.Sprintf("staking:%s:%d:%s", chefID, gen, name)
}
