package event

import (
	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletFunded
	EventTypeDepositRequested
	EventTypeExtendRequested
	EventTypeWithdrawRequested
	EventTypeAllocationRequested
	EventTypeDeallocationRequested
	EventTypeBurnRequested
	EventTypeEffectiveWeightsRecalculation
	EventTypePoolPrivacyChanged
	EventTypePoolFeeChanged
	EventTypeProductsUpdated
	EventTypeCapacityParamsUpdated
	EventTypeExpirationsProcessed
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Source partition used for ordering validation
	Partition string

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp uint64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Authenticated caller
	Caller uuid.UUID

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the source ordering partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned timestamp the operation executes at
	EventTime() uint64

	// CallerID returns who submitted the operation
	CallerID() uuid.UUID
}

var eventTypeNames = map[EventType]string{
	EventTypeWalletFunded:                  "WalletFunded",
	EventTypeDepositRequested:              "DepositRequested",
	EventTypeExtendRequested:               "ExtendRequested",
	EventTypeWithdrawRequested:             "WithdrawRequested",
	EventTypeAllocationRequested:           "AllocationRequested",
	EventTypeDeallocationRequested:         "DeallocationRequested",
	EventTypeBurnRequested:                 "BurnRequested",
	EventTypeEffectiveWeightsRecalculation: "EffectiveWeightsRecalculation",
	EventTypePoolPrivacyChanged:            "PoolPrivacyChanged",
	EventTypePoolFeeChanged:                "PoolFeeChanged",
	EventTypeProductsUpdated:               "ProductsUpdated",
	EventTypeCapacityParamsUpdated:         "CapacityParamsUpdated",
	EventTypeExpirationsProcessed:          "ExpirationsProcessed",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, bool) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
