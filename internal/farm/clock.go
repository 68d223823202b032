package farm

import (
	"sync"
	"time"
)

// DefaultSlotDuration matches the host ledger's nominal slot time.
const DefaultSlotDuration = 400 * time.Millisecond

// Clock returns the current slot. Successive calls never go backward.
type Clock interface {
	Now() uint64
}

// SlotClock counts slots elapsed since genesis.
type SlotClock struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last uint64
}

// NewSlotClock returns a clock ticking once per duration from genesis. A
// non-positive duration selects DefaultSlotDuration.
func NewSlotClock(genesis time.Time, duration time.Duration) *SlotClock {
	if duration <= 0 {
		duration = DefaultSlotDuration
	}
	return &SlotClock{genesis: genesis, duration: duration, now: time.Now}
}

func (c *SlotClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var slot uint64
	if elapsed := c.now().Sub(c.genesis); elapsed > 0 {
		slot = uint64(elapsed / c.duration)
	}
	// Wall clock adjustments must not rewind accrual.
	if slot < c.last {
		return c.last
	}
	c.last = slot
	return slot
}

// ManualClock is a Clock advanced explicitly, for tests and replay.
type ManualClock struct {
	mu   sync.Mutex
	slot uint64
}

// NewManualClock returns a clock stopped at slot.
func NewManualClock(slot uint64) *ManualClock {
	return &ManualClock{slot: slot}
}

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// Set moves the clock to slot. Moving backward is ignored.
func (c *ManualClock) Set(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot > c.slot {
		c.slot = slot
	}
}

// Advance moves the clock forward by n slots.
func (c *ManualClock) Advance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot += n
}
