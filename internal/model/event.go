package model

import "time"

// EventType names the operation that produced an Event.
type EventType string

const (
	EventInitialize          EventType = "initialize"
	EventSetAdmin            EventType = "set_admin"
	EventAddPool             EventType = "add_pool"
	EventUpdateRewardPerSlot EventType = "update_reward_per_slot"
	EventDeposit             EventType = "deposit"
	EventWithdraw            EventType = "withdraw"
	EventClaimReward         EventType = "claim_reward"
)

// Event is an immutable record of a committed operation. Fields that do not
// apply to the event type are left zero.
type Event struct {
	ID               string    `json:"id"`
	Type             EventType `json:"type"`
	ChefID           string    `json:"chef_id"`
	Signer           string    `json:"signer"`
	LPToken          string    `json:"lp_token,omitempty"`
	RewardToken      string    `json:"reward_token,omitempty"`
	Amount           uint64    `json:"amount"`
	StartSlot        uint64    `json:"start_slot,omitempty"`
	OldRewardPerSlot uint64    `json:"old_reward_per_slot,omitempty"`
	NewRewardPerSlot uint64    `json:"new_reward_per_slot,omitempty"`
	Admin            string    `json:"admin,omitempty"`
	Slot             uint64    `json:"slot"`
	Timestamp        time.Time `json:"timestamp"`
}
