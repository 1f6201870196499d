package ingestion_test

import (
	"context"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockAt(unix uint64) func() time.Time {
	return func() time.Time { return time.Unix(int64(unix), 0) }
}

func poolClock(t *testing.T, in chan<- core.Submission) (last uint64, firstActive uint64) {
	t.Helper()
	require.NoError(t, core.Read(context.Background(), in, func(s *state.Store, _ *ledger.Book) {
		last = s.Pool.LastEventTime
		firstActive = s.Pool.FirstActiveTrancheID
	}))
	return last, firstActive
}

func TestSubmitter_RejectsFutureDatedKeeperTick(t *testing.T) {
	in := runEngine(t, uuid.New(), nil)
	now := uint64(t0 + state.Day)
	sub := ingestion.NewSubmitter(in, nil, zerolog.Nop(),
		ingestion.WithClock(clockAt(now)), ingestion.WithMaxClockSkew(30*time.Second))

	lastBefore, firstBefore := poolClock(t, in)

	for _, ts := range []uint64{now + 31, now + 3*state.TrancheDuration, 1 << 40, ^uint64(0)} {
		_, err := sub.Submit(context.Background(), &event.ExpirationsProcessed{
			Header: event.Header{RequestID: uuid.New(), Timestamp: ts},
		})
		require.ErrorIs(t, err, ingestion.ErrFutureTimestamp, "timestamp %d", ts)
		assert.ErrorIs(t, err, ingestion.ErrInvalidEvent)
	}

	last, first := poolClock(t, in)
	assert.Equal(t, lastBefore, last)
	assert.Equal(t, firstBefore, first)

	// Within the skew the tick applies, and honest events still follow it.
	receipt, err := sub.Submit(context.Background(), &event.ExpirationsProcessed{
		Header: event.Header{RequestID: uuid.New(), Timestamp: now + 30},
	})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	last, _ = poolClock(t, in)
	assert.Equal(t, now+30, last)
}

func TestSubmitter_DropsFutureDatedMessage(t *testing.T) {
	in := runEngine(t, uuid.New(), nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	now := uint64(t0 + state.Day)
	sub := ingestion.NewSubmitter(in, metrics, zerolog.Nop(), ingestion.WithClock(clockAt(now)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rawChan := make(chan ingestion.RawEvent, 1)
	go sub.RunNATS(ctx, rawChan)

	acked := make(chan struct{}, 1)
	raw := rawFromJSON(t, ingestion.Subject(event.EventTypeExpirationsProcessed), &event.ExpirationsProcessed{
		Header: event.Header{RequestID: uuid.New(), Timestamp: 1 << 40},
	})
	raw.AckFunc = func() { acked <- struct{}{} }
	rawChan <- raw

	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("future-dated message was not acked")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("keeper", "rejected")))
	last, _ := poolClock(t, in)
	assert.Equal(t, uint64(t0), last)
}
