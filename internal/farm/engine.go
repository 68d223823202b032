// Package farm runs the staking transactions: registry administration,
// deposits, withdrawals and reward claims against a pool registry, plus the
// HTTP and WebSocket surfaces that expose them.
//
// Every mutating operation is serialized through the Engine and applied
// atomically: state is loaded, mutated on a private copy, at most one ledger
// transfer is made, and everything the operation changed is committed in a
// single store write. A failed commit reverts the transfer.
//
// Reads that feed a mutation always go to the primary store, never to a
// cache, and every commit advances the registry version so a write based on
// stale state is rejected by the store.
package farm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/staking-engine/internal/fixed"
	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/store"
)

// ErrInvalidRequest is returned for malformed operation arguments.
var ErrInvalidRequest = errors.New("staking: invalid request")

// Broadcaster receives every committed event.
type Broadcaster interface {
	Publish(e model.Event)
}

// AddPoolParams describes a pool to register. Escrows are provisioned by the
// engine.
type AddPoolParams struct {
	RewardToken   string `json:"reward_token"`
	LPToken       string `json:"lp_token"`
	StartSlot     uint64 `json:"start_slot"`
	RewardPerSlot uint64 `json:"reward_per_slot"`
}

// Settlement is the outcome of a deposit, withdrawal or claim.
type Settlement struct {
	Position    model.UserPosition `json:"position"`
	Pool        model.PoolRecord   `json:"pool"`
	Transferred uint64             `json:"transferred"`
	Slot        uint64             `json:"slot"`
}

// PendingReward is a read-only projection of what an owner could claim now.
type PendingReward struct {
	Owner     string      `json:"owner"`
	LPToken   string      `json:"lp_token"`
	Amount    uint64      `json:"amount"`
	Reward    fixed.Fixed `json:"reward"`
	Claimable uint64      `json:"claimable"`
	Slot      uint64      `json:"slot"`
}

// Engine executes staking operations. It uses a mutex for serialized
// execution (single-instance), standing in for the host ledger's
// transaction ordering.
type Engine struct {
	store   store.Store // queries; may be cached
	primary store.Store // reads behind mutations
	ledger  ledger.Ledger
	clock  Clock
	hub    Broadcaster // optional
	mu     sync.Mutex
}

// NewEngine creates an engine. Pass nil for hub if events need not be
// broadcast.
func NewEngine(st store.Store, l ledger.Ledger, clock Clock, hub Broadcaster) *Engine {
	return &Engine{store: st, primary: store.Primary(st), ledger: l, clock: clock, hub: hub}
}

// --- Administration ---

// Initialize creates a new registry administered by signer.
func (e *Engine) Initialize(ctx context.Context, signer string) (chef *model.MasterChef, err error) {
	defer e.track(model.EventInitialize)(&err)
	if signer == "" {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chef = model.NewMasterChef(uuid.New().String(), signer, time.Now().UTC())
	ev := e.event(model.EventInitialize, chef.ID, signer)
	ev.Admin = signer
	if err := e.commit(ctx, store.Mutation{Chef: chef}, ev); err != nil {
		return nil, err
	}

	slog.Info("master chef initialized", "chef", chef.ID, "admin", signer)
	return chef, nil
}

// SetAdmin applies patch to the registry configuration. Only the current
// admin may call it.
func (e *Engine) SetAdmin(ctx context.Context, chefID, signer string, patch model.ConfigPatch) (chef *model.MasterChef, err error) {
	defer e.track(model.EventSetAdmin)(&err)
	if patch.Admin != nil && *patch.Admin == "" {
		return nil, fmt.Errorf("%w: admin must not be empty", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chef, err = e.adminChef(ctx, chefID, signer)
	if err != nil {
		return nil, err
	}
	chef.Configure(patch)

	ev := e.event(model.EventSetAdmin, chefID, signer)
	ev.Admin = chef.Admin
	if err := e.commit(ctx, store.Mutation{Chef: chef}, ev); err != nil {
		return nil, err
	}

	slog.Info("master chef configured", "chef", chefID, "admin", chef.Admin)
	return chef, nil
}

// AddPool registers a pool for p.LPToken in the first free registry slot and
// provisions its LP and reward escrows.
func (e *Engine) AddPool(ctx context.Context, chefID, signer string, p AddPoolParams) (pool *model.PoolRecord, err error) {
	defer e.track(model.EventAddPool)(&err)
	if p.LPToken == "" || p.RewardToken == "" {
		return nil, fmt.Errorf("%w: lp_token and reward_token are required", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chef, err := e.adminChef(ctx, chefID, signer)
	if err != nil {
		return nil, err
	}
	// Reject before provisioning so a doomed pool leaves no escrows behind.
	if err := chef.CanCreatePool(p.LPToken); err != nil {
		return nil, err
	}

	lpEscrow, err := e.ledger.ProvisionEscrow(ctx, ledger.LPTokenVault, chefID, p.LPToken, p.LPToken)
	if err != nil {
		return nil, fmt.Errorf("provision lp escrow: %w", err)
	}
	rewardEscrow, err := e.ledger.ProvisionEscrow(ctx, ledger.RewardTokenVault, chefID, p.LPToken, p.RewardToken)
	if err != nil {
		e.release(ctx, lpEscrow)
		return nil, fmt.Errorf("provision reward escrow: %w", err)
	}

	now := e.clock.Now()
	pool, err = chef.CreatePool(model.PoolParams{
		RewardToken:   p.RewardToken,
		LPToken:       p.LPToken,
		StartSlot:     p.StartSlot,
		RewardPerSlot: p.RewardPerSlot,
		LPEscrow:      lpEscrow,
		RewardEscrow:  rewardEscrow,
	}, now)
	if err != nil {
		e.release(ctx, lpEscrow, rewardEscrow)
		return nil, err
	}

	ev := e.event(model.EventAddPool, chefID, signer)
	ev.LPToken = p.LPToken
	ev.RewardToken = p.RewardToken
	ev.StartSlot = p.StartSlot
	ev.NewRewardPerSlot = p.RewardPerSlot
	ev.Slot = now
	m := store.Mutation{
		Chef: chef,
		Accounts: []ledger.Account{
			ledger.EscrowAccount(ledger.LPTokenVault, chefID, p.LPToken, p.LPToken, lpEscrow),
			ledger.EscrowAccount(ledger.RewardTokenVault, chefID, p.LPToken, p.RewardToken, rewardEscrow),
		},
	}
	if err := e.commit(ctx, m, ev); err != nil {
		e.release(ctx, lpEscrow, rewardEscrow)
		return nil, err
	}

	metrics.ActivePools.Inc()
	slog.Info("pool added",
		"chef", chefID,
		"lp_token", p.LPToken,
		"reward_token", p.RewardToken,
		"start_slot", p.StartSlot,
		"last_reward_slot", pool.LastRewardSlot,
		"reward_per_slot", p.RewardPerSlot,
		"lp_escrow", lpEscrow.Account,
		"reward_escrow", rewardEscrow.Account,
	)
	return pool, nil
}

// UpdateRewardPerSlot accrues the pool up to now and then switches it to
// rate, so the change only applies from the current slot forward.
func (e *Engine) UpdateRewardPerSlot(ctx context.Context, chefID, signer, lpToken string, rate uint64) (pool *model.PoolRecord, err error) {
	defer e.track(model.EventUpdateRewardPerSlot)(&err)

	e.mu.Lock()
	defer e.mu.Unlock()

	chef, err := e.adminChef(ctx, chefID, signer)
	if err != nil {
		return nil, err
	}
	pool, err = chef.FindPool(lpToken)
	if err != nil {
		return nil, err
	}

	old := pool.RewardPerSlot
	now := e.clock.Now()
	if err := pool.Update(now); err != nil {
		return nil, err
	}
	pool.RewardPerSlot = rate

	ev := e.event(model.EventUpdateRewardPerSlot, chefID, signer)
	ev.LPToken = lpToken
	ev.OldRewardPerSlot = old
	ev.NewRewardPerSlot = rate
	ev.Slot = now
	if err := e.commit(ctx, store.Mutation{Chef: chef}, ev); err != nil {
		return nil, err
	}

	slog.Info("reward rate updated", "chef", chefID, "lp_token", lpToken, "old", old, "new", rate, "slot", now)
	return pool, nil
}

// --- Staking ---

// Deposit stakes amount LP tokens from tokenAccount into the pool's escrow
// on behalf of signer, creating the position on first use.
func (e *Engine) Deposit(ctx context.Context, chefID, signer, lpToken, tokenAccount string, amount uint64) (*Settlement, error) {
	return e.settle(ctx, model.EventDeposit, chefID, signer, lpToken, tokenAccount, amount)
}

// Withdraw returns amount LP tokens from the pool's escrow to tokenAccount.
func (e *Engine) Withdraw(ctx context.Context, chefID, signer, lpToken, tokenAccount string, amount uint64) (*Settlement, error) {
	return e.settle(ctx, model.EventWithdraw, chefID, signer, lpToken, tokenAccount, amount)
}

// Claim pays signer's whole accrued reward, truncated to whole units, from
// the reward escrow to tokenAccount.
func (e *Engine) Claim(ctx context.Context, chefID, signer, lpToken, tokenAccount string) (*Settlement, error) {
	return e.settle(ctx, model.EventClaimReward, chefID, signer, lpToken, tokenAccount, 0)
}

func (e *Engine) settle(ctx context.Context, op model.EventType, chefID, signer, lpToken, tokenAccount string, amount uint64) (res *Settlement, err error) {
	defer e.track(op)(&err)
	if signer == "" {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chef, err := e.loadChef(ctx, e.primary, chefID)
	if err != nil {
		return nil, err
	}
	pool, err := chef.FindPool(lpToken)
	if err != nil {
		return nil, err
	}
	if err := checkTarget(pool, tokenAccount); err != nil {
		return nil, err
	}
	pos, err := e.loadPosition(ctx, e.primary, chefID, lpToken, signer, op == model.EventDeposit)
	if err != nil {
		return nil, err
	}

	switch op {
	case model.EventWithdraw:
		if amount > pos.Amount {
			return nil, fmt.Errorf("%w: requested %d, staked %d", model.ErrInsufficientStake, amount, pos.Amount)
		}
	case model.EventClaimReward:
		if pos.IsEmpty() {
			return &Settlement{Position: *pos, Pool: *pool, Slot: pool.LastRewardSlot}, nil
		}
	}

	now := e.clock.Now()
	if err := pool.Update(now); err != nil {
		return nil, err
	}
	// Reward is earned on the stake held during the elapsed interval.
	if err := pos.Settle(pool.AccRewardPerShare); err != nil {
		return nil, err
	}

	var xfer *ledger.Transfer
	switch op {
	case model.EventDeposit:
		if amount > 0 {
			if err := pos.Stake(amount); err != nil {
				return nil, err
			}
			if err := pool.AddSupply(amount); err != nil {
				return nil, err
			}
			xfer = &ledger.Transfer{
				From:      tokenAccount,
				To:        pool.LPEscrow.Account,
				Authority: ledger.SignerAuthority(signer),
				Amount:    amount,
			}
		}
	case model.EventWithdraw:
		if amount > 0 {
			if err := pos.Unstake(amount); err != nil {
				return nil, err
			}
			if err := pool.RemoveSupply(amount); err != nil {
				return nil, err
			}
			xfer = &ledger.Transfer{
				From:      pool.LPEscrow.Account,
				To:        tokenAccount,
				Authority: ledger.EscrowAuthority(ledger.LPTokenVault, lpToken, chefID, pool.LPEscrow.AuthorityBump),
				Amount:    amount,
			}
		}
	case model.EventClaimReward:
		payout, err := pos.TakeAccrued()
		if err != nil {
			return nil, err
		}
		amount = payout
		if payout > 0 {
			xfer = &ledger.Transfer{
				From:      pool.RewardEscrow.Account,
				To:        tokenAccount,
				Authority: ledger.EscrowAuthority(ledger.RewardTokenVault, lpToken, chefID, pool.RewardEscrow.AuthorityBump),
				Amount:    payout,
			}
		}
	}

	if err := pos.Snapshot(pool.AccRewardPerShare); err != nil {
		return nil, err
	}

	var receipt ledger.Receipt
	if xfer != nil {
		receipt, err = e.ledger.Transfer(ctx, *xfer)
		if err != nil {
			return nil, fmt.Errorf("%s transfer: %w", op, err)
		}
	}

	ev := e.event(op, chefID, signer)
	ev.LPToken = lpToken
	ev.RewardToken = pool.RewardToken
	ev.Amount = amount
	ev.Slot = now
	m := store.Mutation{Chef: chef, Position: pos}
	if xfer != nil {
		m.Accounts = receipt.Accounts
	}
	if err := e.commit(ctx, m, ev); err != nil {
		if xfer != nil {
			e.revert(ctx, receipt)
		}
		return nil, err
	}

	metrics.TransferredTotal.WithLabelValues(string(op)).Add(float64(amount))
	slog.Info("position settled",
		"op", string(op),
		"chef", chefID,
		"lp_token", lpToken,
		"owner", signer,
		"amount", amount,
		"staked", pos.Amount,
		"lp_supply", pool.LPSupply,
		"acc_reward_per_share", pool.AccRewardPerShare.String(),
		"slot", now,
	)
	return &Settlement{Position: *pos, Pool: *pool, Transferred: amount, Slot: now}, nil
}

// --- Queries ---

// GetChef returns a registry snapshot.
func (e *Engine) GetChef(ctx context.Context, chefID string) (*model.MasterChef, error) {
	return e.loadChef(ctx, e.store, chefID)
}

// ListChefs returns every registry.
func (e *Engine) ListChefs(ctx context.Context) ([]model.MasterChef, error) {
	return e.store.ListChefs(ctx)
}

// GetPool returns the pool registered for lpToken.
func (e *Engine) GetPool(ctx context.Context, chefID, lpToken string) (*model.PoolRecord, error) {
	chef, err := e.loadChef(ctx, e.store, chefID)
	if err != nil {
		return nil, err
	}
	return chef.FindPool(lpToken)
}

// GetPosition returns owner's position in a pool.
func (e *Engine) GetPosition(ctx context.Context, chefID, lpToken, owner string) (*model.UserPosition, error) {
	return e.loadPosition(ctx, e.store, chefID, lpToken, owner, false)
}

// ListPositions returns every position in a pool.
func (e *Engine) ListPositions(ctx context.Context, chefID, lpToken string) ([]model.UserPosition, error) {
	if _, err := e.GetPool(ctx, chefID, lpToken); err != nil {
		return nil, err
	}
	return e.store.ListPositions(ctx, chefID, lpToken)
}

// ListPositionsByOwner returns every position owner holds in a registry.
func (e *Engine) ListPositionsByOwner(ctx context.Context, chefID, owner string) ([]model.UserPosition, error) {
	if _, err := e.loadChef(ctx, e.store, chefID); err != nil {
		return nil, err
	}
	return e.store.ListPositionsByOwner(ctx, chefID, owner)
}

// ListEvents returns a registry's event log.
func (e *Engine) ListEvents(ctx context.Context, chefID string, f store.EventFilter) ([]model.Event, error) {
	if _, err := e.loadChef(ctx, e.store, chefID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, chefID, f)
}

// PendingReward simulates accrual to the current slot and reports what
// owner could claim. Nothing is committed.
func (e *Engine) PendingReward(ctx context.Context, chefID, lpToken, owner string) (*PendingReward, error) {
	pool, err := e.GetPool(ctx, chefID, lpToken)
	if err != nil {
		return nil, err
	}
	pos, err := e.loadPosition(ctx, e.store, chefID, lpToken, owner, true)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if err := pool.Update(now); err != nil {
		return nil, err
	}
	if err := pos.Settle(pool.AccRewardPerShare); err != nil {
		return nil, err
	}
	claimable, err := pos.AccruedReward.Floor()
	if err != nil {
		return nil, fmt.Errorf("%w: claimable reward: %w", model.ErrMathOverflow, err)
	}
	return &PendingReward{
		Owner:     owner,
		LPToken:   lpToken,
		Amount:    pos.Amount,
		Reward:    pos.AccruedReward,
		Claimable: claimable,
		Slot:      now,
	}, nil
}

// SyncGauges recomputes gauges from persisted state, for use at startup.
func (e *Engine) SyncGauges(ctx context.Context) error {
	chefs, err := e.store.ListChefs(ctx)
	if err != nil {
		return err
	}
	active := 0
	for i := range chefs {
		active += len(chefs[i].ActivePools())
	}
	metrics.ActivePools.Set(float64(active))
	return nil
}

// --- helpers ---

func (e *Engine) loadChef(ctx context.Context, src store.Store, chefID string) (*model.MasterChef, error) {
	chef, err := src.GetChef(ctx, chefID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrChefNotFound, chefID)
	}
	if err != nil {
		return nil, err
	}
	return chef, nil
}

func (e *Engine) adminChef(ctx context.Context, chefID, signer string) (*model.MasterChef, error) {
	chef, err := e.loadChef(ctx, e.primary, chefID)
	if err != nil {
		return nil, err
	}
	if signer == "" || signer != chef.Admin {
		return nil, fmt.Errorf("%w: %q is not the admin of %s", model.ErrUnauthorized, signer, chefID)
	}
	return chef, nil
}

// loadPosition fetches a position. When create is set a missing position is
// returned empty instead of failing.
func (e *Engine) loadPosition(ctx context.Context, src store.Store, chefID, lpToken, owner string, create bool) (*model.UserPosition, error) {
	pos, err := src.GetPosition(ctx, chefID, lpToken, owner)
	if errors.Is(err, store.ErrNotFound) {
		if create {
			return model.NewUserPosition(chefID, lpToken, owner), nil
		}
		return nil, fmt.Errorf("%w: %s in %s", model.ErrPositionNotFound, owner, lpToken)
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// checkTarget rejects a user token account that is missing or is one of the
// pool's own escrows.
func checkTarget(pool *model.PoolRecord, tokenAccount string) error {
	switch tokenAccount {
	case "":
		return fmt.Errorf("%w: token account is required", model.ErrInvalidTransferTarget)
	case pool.LPEscrow.Account, pool.RewardEscrow.Account:
		return fmt.Errorf("%w: %s is a pool escrow", model.ErrInvalidTransferTarget, tokenAccount)
	}
	return nil
}

func (e *Engine) event(typ model.EventType, chefID, signer string) model.Event {
	return model.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		ChefID:    chefID,
		Signer:    signer,
		Slot:      e.clock.Now(),
		Timestamp: time.Now().UTC(),
	}
}

func (e *Engine) commit(ctx context.Context, m store.Mutation, ev model.Event) error {
	if m.Chef != nil {
		m.Chef.Version++
	}
	m.Events = append(m.Events, ev)
	if err := e.store.Commit(ctx, m); err != nil {
		return fmt.Errorf("commit %s: %w", ev.Type, err)
	}
	if e.hub != nil {
		e.hub.Publish(ev)
	}
	return nil
}

func (e *Engine) revert(ctx context.Context, r ledger.Receipt) {
	metrics.TransferReverts.Inc()
	if err := e.ledger.Revert(context.WithoutCancel(ctx), r); err != nil {
		slog.Error("transfer revert failed", "receipt", r.ID, "err", err)
	}
}

// release drops escrows provisioned for a pool that was not committed, so a
// retry derives the same addresses.
func (e *Engine) release(ctx context.Context, refs ...model.EscrowRef) {
	for _, ref := range refs {
		if err := e.ledger.ReleaseEscrow(context.WithoutCancel(ctx), ref.Account); err != nil {
			slog.Error("escrow release failed", "account", ref.Account, "err", err)
		}
	}
}

// track records the operation's outcome and latency once it returns.
func (e *Engine) track(op model.EventType) func(*error) {
	start := time.Now()
	return func(err *error) {
		metrics.ObserveOperation(string(op), start, *err)
		if *err != nil {
			slog.Warn("operation rejected", "op", string(op), "err", *err)
		}
	}
}
