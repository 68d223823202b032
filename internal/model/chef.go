package model

import (
	"fmt"
	"time"

	"github.com/atmx/staking-engine/internal/fixed"
)

// MaxPools is the registry capacity. Slots are allocated first-fit and never
// reclaimed.
const MaxPools = 8

// MasterChef is the global configuration object: the admin identity and the
// fixed-capacity pool registry. It holds no pointers, so a plain copy is a
// deep copy.
//
// Version counts committed writes. Stores accept a write only when it is
// exactly one ahead of the stored version.
type MasterChef struct {
	ID        string               `json:"id"`
	Admin     string               `json:"admin"`
	Pools     [MaxPools]PoolRecord `json:"pools"`
	Version   uint64               `json:"version"`
	CreatedAt time.Time            `json:"created_at"`
}

// ConfigPatch is an optional-field update of the chef configuration. Only
// non-nil fields are applied.
type ConfigPatch struct {
	Admin *string `json:"admin,omitempty"`
}

// PoolParams describes a pool to create.
type PoolParams struct {
	RewardToken   string
	LPToken       string
	StartSlot     uint64
	RewardPerSlot uint64
	LPEscrow      EscrowRef
	RewardEscrow  EscrowRef
}

// NewMasterChef returns an empty registry administered by admin.
func NewMasterChef(id, admin string, createdAt time.Time) *MasterChef {
	c := &MasterChef{ID: id, CreatedAt: createdAt}
	c.SetInitialConfiguration(admin)
	return c
}

// SetInitialConfiguration sets the first admin.
func (c *MasterChef) SetInitialConfiguration(admin string) {
	c.Admin = admin
}

// Configure applies patch. Callers authorize the change.
func (c *MasterChef) Configure(patch ConfigPatch) {
	if patch.Admin != nil {
		c.Admin = *patch.Admin
	}
}

// Clone returns an independent copy.
func (c *MasterChef) Clone() *MasterChef {
	cp := *c
	return &cp
}

// FirstEmptySlot returns the lowest unused registry index.
func (c *MasterChef) FirstEmptySlot() (int, bool) {
	for i := range c.Pools {
		if !c.Pools[i].Initialized {
			return i, true
		}
	}
	return -1, false
}

// HasPool reports whether an initialized pool exists for lpToken.
func (c *MasterChef) HasPool(lpToken string) bool {
	_, err := c.FindPool(lpToken)
	return err == nil
}

// FindPool returns the initialized pool for lpToken.
func (c *MasterChef) FindPool(lpToken string) (*PoolRecord, error) {
	for i := range c.Pools {
		if c.Pools[i].Initialized && c.Pools[i].LPToken == lpToken {
			return &c.Pools[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, lpToken)
}

// CanCreatePool checks uniqueness and capacity without mutating anything.
func (c *MasterChef) CanCreatePool(lpToken string) error {
	if c.HasPool(lpToken) {
		return fmt.Errorf("%w: %s", ErrPoolAlreadyExists, lpToken)
	}
	if _, ok := c.FirstEmptySlot(); !ok {
		return ErrRegistryFull
	}
	return nil
}

// CreatePool allocates the first free slot. Accrual starts at
// max(StartSlot, now) so a pool neither accrues before its start nor
// backdates rewards.
func (c *MasterChef) CreatePool(p PoolParams, now uint64) (*PoolRecord, error) {
	if err := c.CanCreatePool(p.LPToken); err != nil {
		return nil, err
	}
	idx, _ := c.FirstEmptySlot()

	last := p.StartSlot
	if last < now {
		last = now
	}
	c.Pools[idx] = PoolRecord{
		RewardToken:       p.RewardToken,
		LPToken:           p.LPToken,
		StartSlot:         p.StartSlot,
		RewardPerSlot:     p.RewardPerSlot,
		LastRewardSlot:    last,
		AccRewardPerShare: fixed.Zero(),
		Initialized:       true,
		LPEscrow:          p.LPEscrow,
		RewardEscrow:      p.RewardEscrow,
	}
	return &c.Pools[idx], nil
}

// ActivePools returns the initialized pools in slot order.
func (c *MasterChef) ActivePools() []PoolRecord {
	pools := make([]PoolRecord, 0, MaxPools)
	for _, p := range c.Pools {
		if p.Initialized {
			pools = append(pools, p)
		}
	}
	return pools
}
