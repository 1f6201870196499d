package state

import (
	"fmt"

	fpmath "PoolLedger/internal/math"
)

// TrancheUnits packs eight per-tranche allocation counters into one record.
// Each counter holds up to 4_294_967_295 allocation units (42_949_672.95
// collateral); exceeding that is an error, never a wrap.
type TrancheUnits [TranchesPerGroup]uint32

func (u TrancheUnits) Get(slot int) uint64 { return uint64(u[slot]) }

// Add returns u with units added to slot.
func (u TrancheUnits) Add(slot int, units uint64) (TrancheUnits, error) {
	next, err := fpmath.CheckedUnits(uint64(u[slot]) + units)
	if err != nil {
		return u, fmt.Errorf("slot %d: %w", slot, err)
	}
	u[slot] = next
	return u, nil
}

// Sub returns u with units removed from slot. Removing more than is present
// is an accounting error.
func (u TrancheUnits) Sub(slot int, units uint64) (TrancheUnits, error) {
	if units > uint64(u[slot]) {
		return u, fmt.Errorf("slot %d: %w: %d - %d", slot, fpmath.ErrUnderflow, u[slot], units)
	}
	u[slot] -= uint32(units)
	return u, nil
}

func (u TrancheUnits) Sum() uint64 {
	var total uint64
	for _, v := range u {
		total += uint64(v)
	}
	return total
}

func (u TrancheUnits) IsZero() bool { return u == TrancheUnits{} }
