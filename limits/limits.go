// Package limits tracks the system-wide capacity knobs for the storage and
// VM core: cache slots, physical frames, and swap slots. It keeps the
// teacher's Sysatomic_t take/give accounting pattern (limits/limits.go)
// rather than inventing a new resource-accounting style.
package limits

import "sync/atomic"

// Sysatomic_t is an atomically-adjusted resource budget: Taken decrements
// and fails (without going negative) when the budget is exhausted; Given
// returns capacity to the pool.
type Sysatomic_t int64

// Given increases the budget by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64((*int64)(s), int64(n))
}

// Taken tries to decrement the budget by n, returning false (and leaving
// the budget unchanged) if that would make it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64((*int64)(s), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), int64(n))
	return false
}

// Take decrements the budget by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the budget by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Remaining reports the current budget.
func (s *Sysatomic_t) Remaining() int64 {
	return atomic.LoadInt64((*int64)(s))
}

// Syslimit_t is the set of capacity limits enforced by this core.
type Syslimit_t struct {
	// CacheSlots is the number of sectors the block cache may hold.
	CacheSlots Sysatomic_t
	// Frames is the number of page faults that may be serviced at once;
	// it does not track which physical frames are in use.
	Frames Sysatomic_t
	// SwapSlots is the number of page-sized slots on the swap device.
	SwapSlots Sysatomic_t
}

// MkSysLimit returns a Syslimit_t with the given capacities already
// available to take from.
func MkSysLimit(cacheSlots, frames, swapSlots int) *Syslimit_t {
	sl := &Syslimit_t{}
	sl.CacheSlots.Given(uint(cacheSlots))
	sl.Frames.Given(uint(frames))
	sl.SwapSlots.Given(uint(swapSlots))
	return sl
}
