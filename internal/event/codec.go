package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty event of the given type, ready to decode into.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeWalletFunded:
		return &WalletFunded{}, nil
	case EventTypeDepositRequested:
		return &DepositRequested{}, nil
	case EventTypeExtendRequested:
		return &ExtendRequested{}, nil
	case EventTypeWithdrawRequested:
		return &WithdrawRequested{}, nil
	case EventTypeAllocationRequested:
		return &AllocationRequested{}, nil
	case EventTypeDeallocationRequested:
		return &DeallocationRequested{}, nil
	case EventTypeBurnRequested:
		return &BurnRequested{}, nil
	case EventTypeEffectiveWeightsRecalculation:
		return &EffectiveWeightsRecalculation{}, nil
	case EventTypePoolPrivacyChanged:
		return &PoolPrivacyChanged{}, nil
	case EventTypePoolFeeChanged:
		return &PoolFeeChanged{}, nil
	case EventTypeProductsUpdated:
		return &ProductsUpdated{}, nil
	case EventTypeCapacityParamsUpdated:
		return &CapacityParamsUpdated{}, nil
	case EventTypeExpirationsProcessed:
		return &ExpirationsProcessed{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Encode serializes an event payload for the event log.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode parses a payload written by Encode.
func Decode(et EventType, data []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
