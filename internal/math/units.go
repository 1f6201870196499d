package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Capacity is tracked in allocation units so per-tranche counters fit uint32.
const (
	AllocationUnitsPerNXM = 100
	MaxUnitsPerCounter    = 1<<32 - 1
)

// NXMPerAllocationUnit is 0.01 collateral.
var NXMPerAllocationUnit = U64(10_000_000_000_000_000)

// ToAllocationUnits converts a collateral amount into allocation units,
// rounding up so a cover is never under-allocated.
func ToAllocationUnits(amount uint256.Int) (uint64, error) {
	units, err := Div(amount, NXMPerAllocationUnit, RoundUp)
	if err != nil {
		return 0, err
	}
	return ToUint64(units)
}

// FromAllocationUnits converts allocation units back into collateral.
func FromAllocationUnits(units uint64) uint256.Int {
	var z uint256.Int
	z.Mul(uint256.NewInt(units), &NXMPerAllocationUnit)
	return z
}

// CheckedUnits narrows to a packed counter width.
func CheckedUnits(units uint64) (uint32, error) {
	if units > MaxUnitsPerCounter {
		return 0, fmt.Errorf("%w: %d allocation units exceed a packed counter", ErrOverflow, units)
	}
	return uint32(units), nil
}
