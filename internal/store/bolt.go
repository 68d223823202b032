package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/model"
)

var (
	bucketChefs     = []byte("chefs")
	bucketPositions = []byte("positions")
	bucketAccounts  = []byte("accounts")
	bucketEvents    = []byte("events")
)

// BoltStore implements Store on a single bbolt file. Each record is a JSON
// document; events live in one nested bucket per registry keyed by a
// big-endian sequence so iteration follows commit order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (and initialises) the file at path.
func NewBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketChefs, bucketPositions, bucketAccounts, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) GetChef(_ context.Context, id string) (*model.MasterChef, error) {
	var c model.MasterChef
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChefs).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &c)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("chef %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListChefs(_ context.Context) ([]model.MasterChef, error) {
	var chefs []model.MasterChef
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChefs).ForEach(func(_, v []byte) error {
			var c model.MasterChef
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			chefs = append(chefs, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(chefs, func(i, j int) bool { return chefs[i].CreatedAt.Before(chefs[j].CreatedAt) })
	return chefs, nil
}

func (s *BoltStore) GetPosition(_ context.Context, chefID, lpToken, owner string) (*model.UserPosition, error) {
	var p model.UserPosition
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPositions).Get(positionBoltKey(chefID, lpToken, owner))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &p)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", chefID, lpToken, owner, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPositions(_ context.Context, chefID, lpToken string) ([]model.UserPosition, error) {
	prefix := []byte(chefID + "\x00" + lpToken + "\x00")
	return s.scanPositions(prefix, func(model.UserPosition) bool { return true })
}

func (s *BoltStore) ListPositionsByOwner(_ context.Context, chefID, owner string) ([]model.UserPosition, error) {
	prefix := []byte(chefID + "\x00")
	return s.scanPositions(prefix, func(p model.UserPosition) bool { return p.Owner == owner })
}

func (s *BoltStore) scanPositions(prefix []byte, keep func(model.UserPosition) bool) ([]model.UserPosition, error) {
	var positions []model.UserPosition
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPositions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p model.UserPosition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if keep(p) {
				positions = append(positions, p)
			}
		}
		return nil
	})
	return positions, err
}

// Commit writes the mutation inside one bbolt read-write transaction.
func (s *BoltStore) Commit(_ context.Context, m Mutation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if m.Chef != nil {
			chefs := tx.Bucket(bucketChefs)
			var stored model.MasterChef
			if raw := chefs.Get([]byte(m.Chef.ID)); raw != nil {
				if err := json.Unmarshal(raw, &stored); err != nil {
					return err
				}
			}
			if err := checkVersion(m.Chef, stored.Version); err != nil {
				return err
			}
			encoded, err := json.Marshal(m.Chef)
			if err != nil {
				return err
			}
			if err := chefs.Put([]byte(m.Chef.ID), encoded); err != nil {
				return err
			}
		}

		if p := m.Position; p != nil {
			encoded, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketPositions).Put(positionBoltKey(p.ChefID, p.LPToken, p.Owner), encoded); err != nil {
				return err
			}
		}

		if err := putAccounts(tx, m.Accounts); err != nil {
			return err
		}

		for _, e := range m.Events {
			events, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(e.ChefID))
			if err != nil {
				return err
			}
			seq, err := events.NextSequence()
			if err != nil {
				return err
			}
			encoded, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := events.Put(sequenceKey(seq), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListEvents(_ context.Context, chefID string, f EventFilter) ([]model.Event, error) {
	var events []model.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents).Bucket([]byte(chefID))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e model.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !f.Match(e) {
				continue
			}
			events = append(events, e)
			if f.Limit > 0 && len(events) >= f.Limit {
				break
			}
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) LoadAccounts(_ context.Context) ([]ledger.Account, error) {
	var accounts []ledger.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var a ledger.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			accounts = append(accounts, a)
			return nil
		})
	})
	return accounts, err
}

func (s *BoltStore) SaveAccounts(_ context.Context, accounts ...ledger.Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAccounts(tx, accounts)
	})
}

// putAccounts writes each snapshot unless a newer one is already stored.
func putAccounts(tx *bolt.Tx, accounts []ledger.Account) error {
	bucket := tx.Bucket(bucketAccounts)
	for _, a := range accounts {
		if raw := bucket.Get([]byte(a.ID)); raw != nil {
			var cur ledger.Account
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
			if cur.Seq >= a.Seq {
				continue
			}
		}
		encoded, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(a.ID), encoded); err != nil {
			return err
		}
	}
	return nil
}

func positionBoltKey(chefID, lpToken, owner string) []byte {
	return []byte(chefID + "\x00" + lpToken + "\x00" + owner)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
