package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/staking-engine/internal/fixed"
	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/store"
)

func newBoltStore(t *testing.T) store.Store {
	t.Helper()
	bs, err := store.NewBoltStore(filepath.Join(t.TempDir(), "staking.db"), nil)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	return bs
}

func newMemoryStore(t *testing.T) store.Store {
	t.Helper()
	return store.NewMemoryStore()
}

// newPostgresStore migrates a private schema on the database at url and
// drops it when the test ends.
func newPostgresStore(t *testing.T, url string) store.Store {
	t.Helper()
	ctx := context.Background()
	schema := "staking_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		pool.Close()
		_, _ = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
		_ = conn.Close(ctx)
	})

	ps := store.NewPostgresStore(pool)
	if err := ps.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ps
}

// forEachStore runs fn against every embedded Store implementation, and
// against PostgreSQL when STAKING_TEST_DATABASE_URL is set.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryStore(t)) })
	t.Run("bolt", func(t *testing.T) { fn(t, newBoltStore(t)) })
	if url := os.Getenv("STAKING_TEST_DATABASE_URL"); url != "" {
		t.Run("postgres", func(t *testing.T) { fn(t, newPostgresStore(t, url)) })
	}
}

func seedChef(t *testing.T, s store.Store, id string, createdAt time.Time) *model.MasterChef {
	t.Helper()
	chef := model.NewMasterChef(id, "admin", createdAt)
	if _, err := chef.CreatePool(model.PoolParams{
		RewardToken:   "reward-mint",
		LPToken:       "lp-mint",
		StartSlot:     10,
		RewardPerSlot: 5,
	}, 20); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	chef.Version = 1
	if err := s.Commit(context.Background(), store.Mutation{Chef: chef}); err != nil {
		t.Fatalf("commit chef: %v", err)
	}
	return chef
}

func TestStore_ChefRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		chef := seedChef(t, s, "chef-1", created)

		acc, err := fixed.Ratio(1, 3)
		if err != nil {
			t.Fatal(err)
		}
		chef.Pools[0].AccRewardPerShare = acc
		chef.Pools[0].LPSupply = 900
		chef.Version++
		if err := s.Commit(ctx, store.Mutation{Chef: chef}); err != nil {
			t.Fatalf("commit: %v", err)
		}

		got, err := s.GetChef(ctx, "chef-1")
		if err != nil {
			t.Fatalf("get chef: %v", err)
		}
		if got.Admin != "admin" || !got.CreatedAt.Equal(created) || got.Version != 2 {
			t.Errorf("chef header = %+v", got)
		}
		p := got.Pools[0]
		if !p.Initialized || p.LPToken != "lp-mint" || p.LastRewardSlot != 20 || p.LPSupply != 900 {
			t.Errorf("pool = %+v", p)
		}
		if !p.AccRewardPerShare.Equal(acc) {
			t.Errorf("acc = %s, want %s", p.AccRewardPerShare, acc)
		}
		if got.Pools[1].Initialized {
			t.Error("slot 1 should be empty")
		}
	})
}

func TestStore_GetChef_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetChef(context.Background(), "missing")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_GetChef_ReturnsCopy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedChef(t, s, "chef-1", time.Now().UTC())

		got, err := s.GetChef(ctx, "chef-1")
		if err != nil {
			t.Fatal(err)
		}
		got.Pools[0].LPSupply = 12345

		again, err := s.GetChef(ctx, "chef-1")
		if err != nil {
			t.Fatal(err)
		}
		if again.Pools[0].LPSupply != 0 {
			t.Errorf("stored chef mutated through returned copy: %d", again.Pools[0].LPSupply)
		}
	})
}

func TestStore_ListChefs_OrderedByCreation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		seedChef(t, s, "b", base.Add(time.Hour))
		seedChef(t, s, "a", base.Add(2*time.Hour))
		seedChef(t, s, "c", base)

		chefs, err := s.ListChefs(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(chefs) != 3 {
			t.Fatalf("expected 3 chefs, got %d", len(chefs))
		}
		want := []string{"c", "b", "a"}
		for i, c := range chefs {
			if c.ID != want[i] {
				t.Errorf("chefs[%d] = %s, want %s", i, c.ID, want[i])
			}
		}
	})
}

func TestStore_Positions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedChef(t, s, "chef-1", time.Now().UTC())

		for _, p := range []struct {
			lp, owner string
			amount    uint64
		}{
			{"lp-mint", "bob", 20},
			{"lp-mint", "alice", 10},
			{"lp-other", "alice", 30},
		} {
			pos := model.NewUserPosition("chef-1", p.lp, p.owner)
			pos.Amount = p.amount
			pos.RewardDebt = fixed.FromUint64(p.amount * 2)
			if err := s.Commit(ctx, store.Mutation{Position: pos}); err != nil {
				t.Fatalf("commit position: %v", err)
			}
		}

		got, err := s.GetPosition(ctx, "chef-1", "lp-mint", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if got.Amount != 10 || !got.RewardDebt.Equal(fixed.FromUint64(20)) {
			t.Errorf("position = %+v", got)
		}

		pool, err := s.ListPositions(ctx, "chef-1", "lp-mint")
		if err != nil {
			t.Fatal(err)
		}
		if len(pool) != 2 || pool[0].Owner != "alice" || pool[1].Owner != "bob" {
			t.Errorf("pool positions = %+v", pool)
		}

		owned, err := s.ListPositionsByOwner(ctx, "chef-1", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if len(owned) != 2 || owned[0].LPToken != "lp-mint" || owned[1].LPToken != "lp-other" {
			t.Errorf("owner positions = %+v", owned)
		}

		_, err = s.GetPosition(ctx, "chef-1", "lp-mint", "carol")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_Events_FilterAndOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()}
		events := []model.Event{
			{ID: ids[0], Type: model.EventDeposit, ChefID: "chef-1", Signer: "alice", LPToken: "lp", Amount: 10, Timestamp: now},
			{ID: ids[1], Type: model.EventWithdraw, ChefID: "chef-1", Signer: "alice", LPToken: "lp", Amount: 5, Timestamp: now},
			{ID: ids[2], Type: model.EventDeposit, ChefID: "chef-1", Signer: "bob", LPToken: "lp", Amount: 7, Timestamp: now},
			{ID: ids[3], Type: model.EventDeposit, ChefID: "chef-2", Signer: "alice", LPToken: "lp", Amount: 1, Timestamp: now},
		}
		for _, e := range events {
			if err := s.Commit(ctx, store.Mutation{Events: []model.Event{e}}); err != nil {
				t.Fatal(err)
			}
		}

		all, err := s.ListEvents(ctx, "chef-1", store.EventFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].ID != ids[0] || all[2].ID != ids[2] {
			t.Errorf("events = %+v", all)
		}

		deposits, err := s.ListEvents(ctx, "chef-1", store.EventFilter{Type: model.EventDeposit})
		if err != nil {
			t.Fatal(err)
		}
		if len(deposits) != 2 {
			t.Errorf("expected 2 deposits, got %d", len(deposits))
		}

		limited, err := s.ListEvents(ctx, "chef-1", store.EventFilter{Signer: "alice", Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 1 || limited[0].ID != ids[0] {
			t.Errorf("limited = %+v", limited)
		}
	})
}

func TestStore_Events_ZeroLimitReturnsAll(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		const n = 1005
		events := make([]model.Event, n)
		for i := range events {
			events[i] = model.Event{
				ID:        uuid.NewString(),
				Type:      model.EventDeposit,
				ChefID:    "chef-1",
				Signer:    "alice",
				Slot:      uint64(i),
				Timestamp: time.Now().UTC(),
			}
		}
		if err := s.Commit(ctx, store.Mutation{Events: events}); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListEvents(ctx, "chef-1", store.EventFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != n {
			t.Fatalf("expected %d events, got %d", n, len(all))
		}
		if all[n-1].Slot != n-1 {
			t.Errorf("last event slot = %d", all[n-1].Slot)
		}
	})
}

func TestStore_Commit_RejectsStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		chef := seedChef(t, s, "chef-1", time.Now().UTC())

		if err := s.Commit(ctx, store.Mutation{Chef: chef.Clone()}); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("rewrite at same version: expected ErrConflict, got %v", err)
		}

		next := chef.Clone()
		next.Version = 2
		next.Admin = "bob"
		if err := s.Commit(ctx, store.Mutation{Chef: next}); err != nil {
			t.Fatalf("commit next version: %v", err)
		}

		// A writer that loaded version 1 loses to the one above.
		stale := chef.Clone()
		stale.Version = 2
		stale.Admin = "mallory"
		pos := model.NewUserPosition("chef-1", "lp-mint", "mallory")
		pos.Amount = 1
		err := s.Commit(ctx, store.Mutation{
			Chef:     stale,
			Position: pos,
			Accounts: []ledger.Account{{ID: "acct-1", Mint: "lp-mint", Owner: "mallory", Balance: 1, Seq: 1}},
			Events:   []model.Event{{ID: uuid.NewString(), Type: model.EventDeposit, ChefID: "chef-1", Signer: "mallory", Timestamp: time.Now().UTC()}},
		})
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("stale write: expected ErrConflict, got %v", err)
		}

		got, err := s.GetChef(ctx, "chef-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Admin != "bob" || got.Version != 2 {
			t.Errorf("chef = admin %s version %d, want bob/2", got.Admin, got.Version)
		}
		if _, err := s.GetPosition(ctx, "chef-1", "lp-mint", "mallory"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("rejected commit wrote its position: %v", err)
		}
		if events, _ := s.ListEvents(ctx, "chef-1", store.EventFilter{}); len(events) != 0 {
			t.Errorf("rejected commit wrote %d events", len(events))
		}
		if accounts, _ := s.LoadAccounts(ctx); len(accounts) != 0 {
			t.Errorf("rejected commit wrote %d accounts", len(accounts))
		}

		fresh := model.NewMasterChef("chef-2", "admin", time.Now().UTC())
		if err := s.Commit(ctx, store.Mutation{Chef: fresh}); !errors.Is(err, store.ErrConflict) {
			t.Errorf("unversioned write: expected ErrConflict, got %v", err)
		}
	})
}

func TestStore_Accounts_KeepNewestSeq(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		if err := s.Commit(ctx, store.Mutation{Accounts: []ledger.Account{
			{ID: "a1", Mint: "lp-mint", Owner: "alice", Balance: 5, Seq: 2},
		}}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveAccounts(ctx,
			ledger.Account{ID: "a1", Mint: "lp-mint", Owner: "alice", Balance: 99, Seq: 1},
			ledger.Account{ID: "a2", Mint: "reward-mint", Owner: "bob", Balance: 3, Seq: 1},
		); err != nil {
			t.Fatal(err)
		}
		if err := s.Commit(ctx, store.Mutation{Accounts: []ledger.Account{
			{ID: "a1", Mint: "lp-mint", Owner: "alice", Balance: 7, Seq: 3},
		}}); err != nil {
			t.Fatal(err)
		}

		accounts, err := s.LoadAccounts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(accounts) != 2 {
			t.Fatalf("expected 2 accounts, got %+v", accounts)
		}
		byID := map[string]ledger.Account{}
		for _, a := range accounts {
			byID[a.ID] = a
		}
		if a := byID["a1"]; a.Balance != 7 || a.Seq != 3 {
			t.Errorf("a1 = %+v, want balance 7 seq 3", a)
		}
		if a := byID["a2"]; a.Balance != 3 || a.Owner != "bob" || a.Mint != "reward-mint" {
			t.Errorf("a2 = %+v", a)
		}
	})
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staking.db")
	bs, err := store.NewBoltStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	seedChef(t, bs, "chef-1", time.Now().UTC())
	if err := bs.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := store.NewBoltStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	chef, err := reopened.GetChef(context.Background(), "chef-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !chef.Pools[0].Initialized {
		t.Error("pool lost across reopen")
	}
}
