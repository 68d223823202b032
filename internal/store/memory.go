package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/model"
)

type positionKey struct {
	chefID, lpToken, owner string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	chefs     map[string]*model.MasterChef
	positions map[positionKey]*model.UserPosition
	accounts  map[string]ledger.Account
	events    []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chefs:     make(map[string]*model.MasterChef),
		positions: make(map[positionKey]*model.UserPosition),
		accounts:  make(map[string]ledger.Account),
	}
}

func (s *MemoryStore) GetChef(_ context.Context, id string) (*model.MasterChef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chefs[id]
	if !ok {
		return nil, fmt.Errorf("chef %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListChefs(_ context.Context) ([]model.MasterChef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chefs := make([]model.MasterChef, 0, len(s.chefs))
	for _, c := range s.chefs {
		chefs = append(chefs, *c)
	}
	sort.Slice(chefs, func(i, j int) bool { return chefs[i].CreatedAt.Before(chefs[j].CreatedAt) })
	return chefs, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, chefID, lpToken, owner string) (*model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{chefID, lpToken, owner}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", chefID, lpToken, owner, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, chefID, lpToken string) ([]model.UserPosition, error) {
	return s.listPositions(func(k positionKey) bool {
		return k.chefID == chefID && k.lpToken == lpToken
	}), nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, chefID, owner string) ([]model.UserPosition, error) {
	return s.listPositions(func(k positionKey) bool {
		return k.chefID == chefID && k.owner == owner
	}), nil
}

func (s *MemoryStore) listPositions(match func(positionKey) bool) []model.UserPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.UserPosition
	for k, p := range s.positions {
		if match(k) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LPToken != result[j].LPToken {
			return result[i].LPToken < result[j].LPToken
		}
		return result[i].Owner < result[j].Owner
	})
	return result
}

func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Chef != nil {
		var stored uint64
		if c, ok := s.chefs[m.Chef.ID]; ok {
			stored = c.Version
		}
		if err := checkVersion(m.Chef, stored); err != nil {
			return err
		}
	}

	// Store copies to avoid external mutation.
	if m.Chef != nil {
		s.chefs[m.Chef.ID] = m.Chef.Clone()
	}
	if m.Position != nil {
		copy := *m.Position
		s.positions[positionKey{copy.ChefID, copy.LPToken, copy.Owner}] = &copy
	}
	s.saveAccounts(m.Accounts)
	s.events = append(s.events, m.Events...)
	return nil
}

func (s *MemoryStore) LoadAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemoryStore) SaveAccounts(_ context.Context, accounts ...ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveAccounts(accounts)
	return nil
}

func (s *MemoryStore) saveAccounts(accounts []ledger.Account) {
	for _, a := range accounts {
		if cur, ok := s.accounts[a.ID]; ok && cur.Seq >= a.Seq {
			continue
		}
		s.accounts[a.ID] = a
	}
}

func (s *MemoryStore) ListEvents(_ context.Context, chefID string, f EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.ChefID != chefID || !f.Match(e) {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}
