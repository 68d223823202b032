// Package model defines the core domain types of the staking engine: pool
// records, user positions, the fixed-capacity pool registry and the events
// emitted by each operation.
//
// All reward arithmetic goes through fixed.Fixed; never integer division.
package model

import (
	"math/bits"

	"github.com/atmx/staking-engine/internal/fixed"
)

// EscrowRef identifies an escrow account held by the host ledger together
// with the derivation bumps needed to present its authority.
type EscrowRef struct {
	Account       string `json:"account"`
	AccountBump   uint8  `json:"account_bump"`
	AuthorityBump uint8  `json:"authority_bump"`
}

// PoolRecord is the accrual state of one (reward token, LP token) pool.
type PoolRecord struct {
	RewardToken       string      `json:"reward_token"`
	LPToken           string      `json:"lp_token"`
	LPSupply          uint64      `json:"lp_supply"`
	StartSlot         uint64      `json:"start_slot"`
	RewardPerSlot     uint64      `json:"reward_per_slot"`
	LastRewardSlot    uint64      `json:"last_reward_slot"`
	AccRewardPerShare fixed.Fixed `json:"acc_reward_per_share"`
	Initialized       bool        `json:"initialized"`
	LPEscrow          EscrowRef   `json:"lp_escrow"`
	RewardEscrow      EscrowRef   `json:"reward_escrow"`
}

// Update advances the reward-per-share accumulator to slot now.
//
// Slots during which the pool held no stake are skipped, not banked: once
// supply returns, accrual resumes from the current slot.
//
// On error the record is left untouched.
func (p *PoolRecord) Update(now uint64) error {
	if now <= p.LastRewardSlot {
		return nil
	}
	if p.LPSupply == 0 {
		p.LastRewardSlot = now
		return nil
	}

	elapsed := now - p.LastRewardSlot
	hi, reward := bits.Mul64(elapsed, p.RewardPerSlot)
	if hi != 0 {
		return mathError("reward amount", fixed.ErrOverflow)
	}
	inc, err := fixed.Ratio(reward, p.LPSupply)
	if err != nil {
		return mathError("reward per share", err)
	}
	acc, err := p.AccRewardPerShare.Add(inc)
	if err != nil {
		return mathError("accumulator", err)
	}

	p.AccRewardPerShare = acc
	p.LastRewardSlot = now
	return nil
}

// AddSupply records newly staked LP tokens.
func (p *PoolRecord) AddSupply(amount uint64) error {
	sum, carry := bits.Add64(p.LPSupply, amount, 0)
	if carry != 0 {
		return mathError("lp supply", fixed.ErrOverflow)
	}
	p.LPSupply = sum
	return nil
}

// RemoveSupply records withdrawn LP tokens.
func (p *PoolRecord) RemoveSupply(amount uint64) error {
	if amount > p.LPSupply {
		return mathError("lp supply", fixed.ErrNegative)
	}
	p.LPSupply -= amount
	return nil
}
