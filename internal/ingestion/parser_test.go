package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	fpmath "PoolLedger/internal/math"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFromJSON(t *testing.T, subject string, v any) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject: subject,
		Data:    data,
		AckFunc: func() {},
		NakFunc: func() {},
	}
}

func TestSubject_RoundTripsEventType(t *testing.T) {
	for _, et := range []event.EventType{
		event.EventTypeWalletFunded,
		event.EventTypeDepositRequested,
		event.EventTypeAllocationRequested,
		event.EventTypeProductsUpdated,
		event.EventTypeExpirationsProcessed,
	} {
		got, err := ingestion.EventTypeFromSubject(ingestion.Subject(et))
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}
	assert.Equal(t, "pool.cover.BurnRequested", ingestion.Subject(event.EventTypeBurnRequested))
	assert.Equal(t, "pool.staking.ExtendRequested", ingestion.Subject(event.EventTypeExtendRequested))
}

func TestEventTypeFromSubject_Unknown(t *testing.T) {
	for _, subject := range []string{"", "pool", "pool.cover.", "pool.cover.TradeFill"} {
		_, err := ingestion.EventTypeFromSubject(subject)
		assert.True(t, errors.Is(err, ingestion.ErrUnknownSubject), "subject %q: %v", subject, err)
	}
}

func TestParseDepositRequested(t *testing.T) {
	payload := map[string]any{
		"request_id":  "550e8400-e29b-41d4-a716-446655440000",
		"source":      "staking-ui",
		"sequence":    42,
		"timestamp":   1_700_000_000,
		"caller":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":      "1000000000000000000000",
		"tranche_id":  212,
		"position_id": 0,
		"destination": "770e8400-e29b-41d4-a716-446655440002",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.staking.DepositRequested", payload))
	require.NoError(t, err)

	d, ok := evt.(*event.DepositRequested)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, fpmath.MustDecimal("1000000000000000000000"), d.Amount)
	assert.Equal(t, uint64(212), d.TrancheID)
	assert.Equal(t, "source:staking-ui", d.Partition())
	assert.Equal(t, int64(42), d.SourceSequence())
	assert.Equal(t, uuid.MustParse("770e8400-e29b-41d4-a716-446655440002"), d.Destination)
}

func TestParseBurnWithDeallocation(t *testing.T) {
	payload := map[string]any{
		"request_id": uuid.NewString(),
		"timestamp":  1_700_000_000,
		"caller":     uuid.NewString(),
		"amount":     "5000",
		"deallocation": map[string]any{
			"allocation_id": 3,
			"product_id":    1,
			"start":         1_699_000_000,
			"period":        2_592_000,
			"amount":        "0",
		},
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.cover.BurnRequested", payload))
	require.NoError(t, err)

	b := evt.(*event.BurnRequested)
	require.NotNil(t, b.Deallocation)
	assert.Equal(t, uint64(3), b.Deallocation.AllocationID)
	assert.True(t, b.Deallocation.Amount.IsZero())
}

func TestParse_RejectsMissingHeaderFields(t *testing.T) {
	cases := map[string]map[string]any{
		"no request id": {"timestamp": 1, "caller": uuid.NewString(), "is_private": true},
		"no timestamp":  {"request_id": uuid.NewString(), "caller": uuid.NewString(), "is_private": true},
		"no caller":     {"request_id": uuid.NewString(), "timestamp": 1, "is_private": true},
	}
	for name, payload := range cases {
		_, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.admin.PoolPrivacyChanged", payload))
		assert.True(t, errors.Is(err, ingestion.ErrInvalidEvent), "%s: %v", name, err)
	}
}

func TestParse_KeeperEventsArePermissionless(t *testing.T) {
	payload := map[string]any{"request_id": uuid.NewString(), "timestamp": 1_700_000_000}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "pool.keeper.ExpirationsProcessed", payload))
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeExpirationsProcessed, evt.EventType())
}

func TestParse_MalformedJSON(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "pool.cover.AllocationRequested", Data: []byte(`{"amount": 12`)}
	_, err := ingestion.ParseRawEvent(raw)
	assert.True(t, errors.Is(err, ingestion.ErrInvalidEvent), "got %v", err)
}
