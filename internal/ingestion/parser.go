package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"PoolLedger/internal/event"

	"github.com/google/uuid"
)

var (
	ErrUnknownSubject = errors.New("unknown subject")
	ErrInvalidEvent   = errors.New("invalid event")
)

// EventTypeFromSubject resolves the event type from the last subject token,
// e.g. "pool.cover.AllocationRequested".
func EventTypeFromSubject(subject string) (event.EventType, error) {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || i == len(subject)-1 {
		return event.EventTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
	}
	et, ok := event.ParseEventType(subject[i+1:])
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownSubject, subject)
	}
	return et, nil
}

// ParseRawEvent decodes a message body (the same JSON the event log stores)
// into a typed event and checks its header.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	evt, err := event.Decode(et, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := Validate(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Validate rejects events the core could never apply meaningfully. Business
// rules stay in the core; this only checks the envelope.
func Validate(evt event.Event) error {
	if evt.IdempotencyKey() == uuid.Nil.String() {
		return fmt.Errorf("%w: %s: request_id is required", ErrInvalidEvent, evt.EventType())
	}
	if evt.EventTime() == 0 {
		return fmt.Errorf("%w: %s: timestamp is required", ErrInvalidEvent, evt.EventType())
	}
	if evt.SourceSequence() < 0 {
		return fmt.Errorf("%w: %s: negative sequence", ErrInvalidEvent, evt.EventType())
	}
	switch evt.EventType() {
	case event.EventTypeExpirationsProcessed, event.EventTypeEffectiveWeightsRecalculation:
		// permissionless
	default:
		if evt.CallerID() == uuid.Nil {
			return fmt.Errorf("%w: %s: caller is required", ErrInvalidEvent, evt.EventType())
		}
	}
	return nil
}

// Subject is where an event of type et is published inbound.
func Subject(et event.EventType) string {
	return "pool." + family(et) + "." + et.String()
}

func family(et event.EventType) string {
	switch et {
	case event.EventTypeWalletFunded:
		return "wallet"
	case event.EventTypeDepositRequested, event.EventTypeExtendRequested, event.EventTypeWithdrawRequested:
		return "staking"
	case event.EventTypeAllocationRequested, event.EventTypeDeallocationRequested, event.EventTypeBurnRequested:
		return "cover"
	case event.EventTypeExpirationsProcessed, event.EventTypeEffectiveWeightsRecalculation:
		return "keeper"
	default:
		return "admin"
	}
}
