package event

import (
	"github.com/holiman/uint256"
)

// AllocationRequested reserves capacity for a cover. A non-zero
// PreviousAllocationID edits that allocation in place.
type AllocationRequested struct {
	Header
	Amount               uint256.Int `json:"amount"`
	PreviousAllocationID uint64      `json:"previous_allocation_id"`
	ProductID            uint64      `json:"product_id"`
	Period               uint64      `json:"period"`
	GracePeriod          uint64      `json:"grace_period"`
}

func (a *AllocationRequested) EventType() EventType { return EventTypeAllocationRequested }

// DeallocationParams identifies capacity to release. A zero Amount releases
// whatever is left of the allocation.
type DeallocationParams struct {
	AllocationID uint64      `json:"allocation_id"`
	ProductID    uint64      `json:"product_id"`
	Start        uint64      `json:"start"`
	Period       uint64      `json:"period"`
	Amount       uint256.Int `json:"amount"`
}

type DeallocationRequested struct {
	Header
	DeallocationParams
}

func (d *DeallocationRequested) EventType() EventType { return EventTypeDeallocationRequested }

// BurnRequested burns stake to pay a claim, optionally releasing the capacity
// of the claimed cover in the same step.
type BurnRequested struct {
	Header
	Amount       uint256.Int         `json:"amount"`
	Deallocation *DeallocationParams `json:"deallocation,omitempty"`
}

func (b *BurnRequested) EventType() EventType { return EventTypeBurnRequested }
