package model

import (
	"fmt"
	"math/bits"

	"github.com/atmx/staking-engine/internal/fixed"
)

// UserPosition is one user's stake in one pool. It is created lazily on the
// first deposit and never removed.
type UserPosition struct {
	ChefID        string      `json:"chef_id"`
	LPToken       string      `json:"lp_token"`
	Owner         string      `json:"owner"`
	Amount        uint64      `json:"amount"`
	RewardDebt    fixed.Fixed `json:"reward_debt"`
	AccruedReward fixed.Fixed `json:"accrued_reward"`
}

// NewUserPosition returns an empty position.
func NewUserPosition(chefID, lpToken, owner string) *UserPosition {
	return &UserPosition{ChefID: chefID, LPToken: lpToken, Owner: owner}
}

// Pending returns amount × acc − reward_debt: the reward earned since the
// last snapshot.
func (u *UserPosition) Pending(acc fixed.Fixed) (fixed.Fixed, error) {
	owed, err := fixed.FromUint64(u.Amount).Mul(acc)
	if err != nil {
		return fixed.Zero(), mathError("pending reward", err)
	}
	pending, err := owed.Sub(u.RewardDebt)
	if err != nil {
		return fixed.Zero(), mathError("pending reward", err)
	}
	if pending.Sign() < 0 {
		return fixed.Zero(), fmt.Errorf("%w: negative pending reward %s for %s", ErrInvariantViolation, pending, u.Owner)
	}
	return pending, nil
}

// Settle folds the pending reward into the accrued reward. It must run
// against the amount held during the elapsed interval, before any stake
// change.
func (u *UserPosition) Settle(acc fixed.Fixed) error {
	pending, err := u.Pending(acc)
	if err != nil {
		return err
	}
	accrued, err := u.AccruedReward.Add(pending)
	if err != nil {
		return mathError("accrued reward", err)
	}
	u.AccruedReward = accrued
	return nil
}

// Snapshot resets reward_debt to amount × acc.
func (u *UserPosition) Snapshot(acc fixed.Fixed) error {
	debt, err := fixed.FromUint64(u.Amount).Mul(acc)
	if err != nil {
		return mathError("reward debt", err)
	}
	u.RewardDebt = debt
	return nil
}

// Stake increases the staked amount.
func (u *UserPosition) Stake(amount uint64) error {
	sum, carry := bits.Add64(u.Amount, amount, 0)
	if carry != 0 {
		return mathError("position amount", fixed.ErrOverflow)
	}
	u.Amount = sum
	return nil
}

// Unstake decreases the staked amount.
func (u *UserPosition) Unstake(amount uint64) error {
	if amount > u.Amount {
		return ErrInsufficientStake
	}
	u.Amount -= amount
	return nil
}

// IsEmpty reports whether the position holds neither stake nor reward.
func (u *UserPosition) IsEmpty() bool {
	return u.Amount == 0 && u.AccruedReward.IsZero()
}

// TakeAccrued returns the accrued reward truncated to whole units and
// zeroes it. The fractional remainder is forfeited.
func (u *UserPosition) TakeAccrued() (uint64, error) {
	payout, err := u.AccruedReward.Floor()
	if err != nil {
		return 0, mathError("claim payout", err)
	}
	u.AccruedReward = fixed.Zero()
	return payout, nil
}
