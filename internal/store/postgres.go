package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/staking-engine/internal/fixed"
	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// u64 quantities and raw I80F48 bits are stored as NUMERIC for exact
// precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const poolColumns = `slot_index, reward_token, lp_token,
	lp_supply::TEXT, start_slot::TEXT, reward_per_slot::TEXT, last_reward_slot::TEXT,
	acc_reward_per_share::TEXT, initialized,
	lp_escrow, lp_escrow_bump, lp_authority_bump,
	reward_escrow, reward_escrow_bump, reward_authority_bump`

func (s *PostgresStore) GetChef(ctx context.Context, id string) (*model.MasterChef, error) {
	var c model.MasterChef
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, admin, version, created_at FROM chefs WHERE id = $1`, id).
		Scan(&c.ID, &c.Admin, &version, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chef %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chef %s: %w", id, err)
	}
	c.Version = uint64(version)

	rows, err := s.pool.Query(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE chef_id = $1 ORDER BY slot_index`, id)
	if err != nil {
		return nil, fmt.Errorf("get pools %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		idx, p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= model.MaxPools {
			return nil, fmt.Errorf("chef %s: pool slot %d out of range", id, idx)
		}
		c.Pools[idx] = p
	}
	return &c, rows.Err()
}

func (s *PostgresStore) ListChefs(ctx context.Context) ([]model.MasterChef, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM chefs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	chefs := make([]model.MasterChef, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChef(ctx, id)
		if err != nil {
			return nil, err
		}
		chefs = append(chefs, *c)
	}
	return chefs, nil
}

const positionColumns = `chef_id, lp_token, owner, amount::TEXT, reward_debt::TEXT, accrued_reward::TEXT`

func (s *PostgresStore) GetPosition(ctx context.Context, chefID, lpToken, owner string) (*model.UserPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE chef_id = $1 AND lp_token = $2 AND owner = $3`, chefID, lpToken, owner)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", chefID, lpToken, owner, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, chefID, lpToken string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE chef_id = $1 AND lp_token = $2 ORDER BY owner`, chefID, lpToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, chefID, owner string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE chef_id = $1 AND owner = $2 ORDER BY lp_token`, chefID, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// Commit writes the whole mutation in one transaction. The chef row is
// written first with a version check so a stale write aborts everything.
func (s *PostgresStore) Commit(ctx context.Context, m Mutation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if m.Chef != nil {
			if err := writeChef(ctx, tx, m.Chef); err != nil {
				return err
			}
		}

		batch := &pgx.Batch{}

		if c := m.Chef; c != nil {
			for i, p := range c.Pools {
				queuePool(batch, c.ID, i, p)
			}
		}

		if p := m.Position; p != nil {
			batch.Queue(
				`INSERT INTO positions (chef_id, lp_token, owner, amount, reward_debt, accrued_reward)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
				 ON CONFLICT (chef_id, lp_token, owner) DO UPDATE
				 SET amount = EXCLUDED.amount,
				     reward_debt = EXCLUDED.reward_debt,
				     accrued_reward = EXCLUDED.accrued_reward`,
				p.ChefID, p.LPToken, p.Owner,
				u64(p.Amount), p.RewardDebt.Bits(), p.AccruedReward.Bits())
		}

		for _, a := range m.Accounts {
			queueAccount(batch, a)
		}

		for _, e := range m.Events {
			batch.Queue(
				`INSERT INTO events (id, chef_id, type, signer, lp_token, reward_token, amount,
				                     start_slot, old_reward_per_slot, new_reward_per_slot, admin, slot, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC, $13)`,
				e.ID, e.ChefID, string(e.Type), e.Signer, e.LPToken, e.RewardToken, u64(e.Amount),
				u64(e.StartSlot), u64(e.OldRewardPerSlot), u64(e.NewRewardPerSlot), e.Admin, u64(e.Slot), e.Timestamp)
		}

		return tx.SendBatch(ctx, batch).Close()
	})
}

// writeChef inserts a new chef (version 1) or advances an existing one by
// exactly one version.
func writeChef(ctx context.Context, tx pgx.Tx, c *model.MasterChef) error {
	if c.Version == 0 {
		return fmt.Errorf("%w: chef %s written without a version", ErrConflict, c.ID)
	}

	var tag pgconn.CommandTag
	var err error
	if c.Version == 1 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO chefs (id, admin, version, created_at) VALUES ($1, $2, 1, $3)
			 ON CONFLICT (id) DO NOTHING`,
			c.ID, c.Admin, c.CreatedAt)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE chefs SET admin = $2, version = $3 WHERE id = $1 AND version = $4`,
			c.ID, c.Admin, int64(c.Version), int64(c.Version-1))
	}
	if err != nil {
		return fmt.Errorf("write chef %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: chef %s is not at version %d", ErrConflict, c.ID, c.Version-1)
	}
	return nil
}

func queueAccount(batch *pgx.Batch, a ledger.Account) {
	batch.Queue(
		`INSERT INTO ledger_accounts (id, mint, owner, balance, seq)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET mint = EXCLUDED.mint,
		     owner = EXCLUDED.owner,
		     balance = EXCLUDED.balance,
		     seq = EXCLUDED.seq
		 WHERE ledger_accounts.seq < EXCLUDED.seq`,
		a.ID, a.Mint, a.Owner, u64(a.Balance), int64(a.Seq))
}

func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, mint, owner, balance::TEXT, seq FROM ledger_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var balance string
		var seq int64
		if err := rows.Scan(&a.ID, &a.Mint, &a.Owner, &balance, &seq); err != nil {
			return nil, err
		}
		if a.Balance, err = parseU64(balance, nil); err != nil {
			return nil, fmt.Errorf("scan account %s: %w", a.ID, err)
		}
		a.Seq = uint64(seq)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) SaveAccounts(ctx context.Context, accounts ...ledger.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range accounts {
		queueAccount(batch, a)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func queuePool(batch *pgx.Batch, chefID string, idx int, p model.PoolRecord) {
	batch.Queue(
		`INSERT INTO pools (chef_id, slot_index, reward_token, lp_token, lp_supply, start_slot,
		                    reward_per_slot, last_reward_slot, acc_reward_per_share, initialized,
		                    lp_escrow, lp_escrow_bump, lp_authority_bump,
		                    reward_escrow, reward_escrow_bump, reward_authority_bump)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10,
		         $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (chef_id, slot_index) DO UPDATE SET
		     reward_token = EXCLUDED.reward_token,
		     lp_token = EXCLUDED.lp_token,
		     lp_supply = EXCLUDED.lp_supply,
		     start_slot = EXCLUDED.start_slot,
		     reward_per_slot = EXCLUDED.reward_per_slot,
		     last_reward_slot = EXCLUDED.last_reward_slot,
		     acc_reward_per_share = EXCLUDED.acc_reward_per_share,
		     initialized = EXCLUDED.initialized,
		     lp_escrow = EXCLUDED.lp_escrow,
		     lp_escrow_bump = EXCLUDED.lp_escrow_bump,
		     lp_authority_bump = EXCLUDED.lp_authority_bump,
		     reward_escrow = EXCLUDED.reward_escrow,
		     reward_escrow_bump = EXCLUDED.reward_escrow_bump,
		     reward_authority_bump = EXCLUDED.reward_authority_bump`,
		chefID, idx, p.RewardToken, p.LPToken, u64(p.LPSupply), u64(p.StartSlot),
		u64(p.RewardPerSlot), u64(p.LastRewardSlot), p.AccRewardPerShare.Bits(), p.Initialized,
		p.LPEscrow.Account, int16(p.LPEscrow.AccountBump), int16(p.LPEscrow.AuthorityBump),
		p.RewardEscrow.Account, int16(p.RewardEscrow.AccountBump), int16(p.RewardEscrow.AuthorityBump),
	)
}

func (s *PostgresStore) ListEvents(ctx context.Context, chefID string, f EventFilter) ([]model.Event, error) {
	// LIMIT NULL returns every row.
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, chef_id, type, signer, lp_token, reward_token, amount::TEXT,
		        start_slot::TEXT, old_reward_per_slot::TEXT, new_reward_per_slot::TEXT,
		        admin, slot::TEXT, timestamp
		 FROM events
		 WHERE chef_id = $1
		   AND ($2 = '' OR type = $2)
		   AND ($3 = '' OR lp_token = $3)
		   AND ($4 = '' OR signer = $4)
		 ORDER BY seq
		 LIMIT $5`, chefID, string(f.Type), f.LPToken, f.Signer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var typ, amount, start, oldRate, newRate, slot string
		if err := rows.Scan(&e.ID, &e.ChefID, &typ, &e.Signer, &e.LPToken, &e.RewardToken, &amount,
			&start, &oldRate, &newRate, &e.Admin, &slot, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = model.EventType(typ)
		var perr error
		e.Amount, perr = parseU64(amount, perr)
		e.StartSlot, perr = parseU64(start, perr)
		e.OldRewardPerSlot, perr = parseU64(oldRate, perr)
		e.NewRewardPerSlot, perr = parseU64(newRate, perr)
		e.Slot, perr = parseU64(slot, perr)
		if perr != nil {
			return nil, fmt.Errorf("scan event %s: %w", e.ID, perr)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- scanning helpers ---

func scanPool(row pgx.Row) (int, model.PoolRecord, error) {
	var p model.PoolRecord
	var idx int16
	var supply, start, rate, last, acc string
	var lpBump, lpAuthBump, rwBump, rwAuthBump int16

	if err := row.Scan(&idx, &p.RewardToken, &p.LPToken,
		&supply, &start, &rate, &last, &acc, &p.Initialized,
		&p.LPEscrow.Account, &lpBump, &lpAuthBump,
		&p.RewardEscrow.Account, &rwBump, &rwAuthBump); err != nil {
		return 0, p, err
	}

	var err error
	p.LPSupply, err = parseU64(supply, err)
	p.StartSlot, err = parseU64(start, err)
	p.RewardPerSlot, err = parseU64(rate, err)
	p.LastRewardSlot, err = parseU64(last, err)
	if err != nil {
		return 0, p, fmt.Errorf("scan pool %d: %w", idx, err)
	}
	if p.AccRewardPerShare, err = fixed.FromBits(acc); err != nil {
		return 0, p, fmt.Errorf("scan pool %d: %w", idx, err)
	}
	p.LPEscrow.AccountBump = uint8(lpBump)
	p.LPEscrow.AuthorityBump = uint8(lpAuthBump)
	p.RewardEscrow.AccountBump = uint8(rwBump)
	p.RewardEscrow.AuthorityBump = uint8(rwAuthBump)
	return int(idx), p, nil
}

func scanPosition(row pgx.Row) (model.UserPosition, error) {
	var p model.UserPosition
	var amount, debt, accrued string
	if err := row.Scan(&p.ChefID, &p.LPToken, &p.Owner, &amount, &debt, &accrued); err != nil {
		return p, err
	}

	var err error
	if p.Amount, err = parseU64(amount, nil); err != nil {
		return p, err
	}
	if p.RewardDebt, err = fixed.FromBits(debt); err != nil {
		return p, err
	}
	if p.AccruedReward, err = fixed.FromBits(accrued); err != nil {
		return p, err
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]model.UserPosition, error) {
	var positions []model.UserPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// parseU64 parses s unless an earlier parse already failed.
func parseU64(s string, prev error) (uint64, error) {
	if prev != nil {
		return 0, prev
	}
	return strconv.ParseUint(s, 10, 64)
}
