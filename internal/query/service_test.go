package query_test

import (
	"context"
	"errors"
	"testing"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/state"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = 200 * state.TrancheDuration

func nxm(v uint64) uint256.Int {
	out, _ := fpmath.Mul(fpmath.U64(v), fpmath.OneNXM)
	return out
}

type harness struct {
	svc     *query.QueryService
	in      chan core.Submission
	outputs chan core.CoreOutput
	sink    *projection.RedisSink
	metrics *observability.Metrics
	cover   uuid.UUID
	alice   uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		in:      make(chan core.Submission),
		outputs: make(chan core.CoreOutput, 64),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		cover:   uuid.New(),
		alice:   uuid.New(),
	}

	engine, err := core.NewEngine(core.DefaultConfig(core.Genesis{
		PoolID:              1,
		Manager:             uuid.New(),
		CoverModule:         h.cover,
		PoolFeeRatio:        10,
		Time:                t0,
		GlobalCapacityRatio: 2_00_00,
		GlobalMinPrice:      nxm(1),
		Products:            []core.GenesisProduct{{ProductID: 0, TargetWeight: 100, TargetPrice: nxm(2)}},
	}), nil, h.outputs, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx, h.in)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	h.sink = projection.NewRedisSink(rdb, "", 0, nil, nil, zerolog.Nop())

	h.svc = query.NewQueryService(nil, h.sink, h.in, h.metrics, zerolog.Nop())
	return h
}

func (h *harness) submit(t *testing.T, evt event.Event) core.Receipt {
	t.Helper()
	r, err := core.Submit(context.Background(), h.in, evt)
	require.NoError(t, err)

	out := <-h.outputs
	require.NoError(t, h.sink.Apply(context.Background(), out))
	return r
}

func (h *harness) depositAlice(t *testing.T, amount uint256.Int) uint64 {
	h.submit(t, &event.WalletFunded{Header: event.Header{RequestID: uuid.New(), Timestamp: t0, Caller: h.cover}, Member: h.alice, Amount: amount})
	r := h.submit(t, &event.DepositRequested{
		Header:    event.Header{RequestID: uuid.New(), Timestamp: t0, Caller: h.alice},
		Amount:    amount,
		TrancheID: state.TrancheID(t0),
	})
	return r.PositionID
}

func TestQueryService_PoolSummaryFromCache(t *testing.T) {
	h := newHarness(t)
	h.depositAlice(t, nxm(100))

	s, err := h.svc.GetPoolSummary(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "redis", s.Source)
	assert.Equal(t, addr(nxm(100)).Dec(), s.ActiveStake)
	assert.Equal(t, uint64(10), s.PoolFeeRatio)
	assert.Equal(t, int64(2), s.AsOfSequence)
	assert.False(t, s.IsHalted)
}

func TestQueryService_CacheMissWithoutDatabase(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.GetPoolSummary(context.Background(), 1)
	assert.True(t, errors.Is(err, query.ErrUnavailable), "got %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.QueryErrors.WithLabelValues("GetPoolSummary", "unavailable")))
}

func TestQueryService_RecentReceipts(t *testing.T) {
	h := newHarness(t)
	positionID := h.depositAlice(t, nxm(10))

	receipts, err := h.svc.GetRecentReceipts(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "DepositRequested", receipts[0].EventType)
	assert.Equal(t, positionID, receipts[0].PositionID)
}

func TestQueryService_LiveQuoteAndCapacity(t *testing.T) {
	h := newHarness(t)
	h.depositAlice(t, nxm(100))
	ctx := context.Background()

	q, err := h.svc.QuoteAllocation(ctx, core.QuoteRequest{ProductID: 0, Amount: nxm(10), Period: 30 * state.Day, At: t0})
	require.NoError(t, err)
	assert.False(t, q.Premium.IsZero())

	caps, err := h.svc.GetProductCapacities(ctx, t0)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, nxm(200), caps[0].Available)

	_, err = h.svc.QuoteAllocation(ctx, core.QuoteRequest{ProductID: 0, Amount: nxm(1_000), Period: state.Day, At: t0})
	assert.True(t, errors.Is(err, core.ErrInsufficientCapacity))
	assert.Equal(t, "capacity", query.ErrorCode(err))
}

func TestQueryService_LivePosition(t *testing.T) {
	h := newHarness(t)
	positionID := h.depositAlice(t, nxm(100))

	view, err := h.svc.GetPosition(context.Background(), positionID, t0)
	require.NoError(t, err)
	assert.Equal(t, h.alice.String(), view.Owner)
	require.Len(t, view.Tranches, 1)
	assert.Equal(t, nxm(100), view.Tranches[0].Stake)
}

func TestQueryService_ProjectionReadsNeedDatabase(t *testing.T) {
	svc := query.NewQueryService(nil, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.GetBalance(ctx, "pool:1:stake_vault")
	assert.True(t, errors.Is(err, query.ErrUnavailable))
	_, err = svc.GetPositions(ctx, uuid.New())
	assert.True(t, errors.Is(err, query.ErrUnavailable))
	_, err = svc.QuoteAllocation(ctx, core.QuoteRequest{})
	assert.True(t, errors.Is(err, query.ErrUnavailable))
}

// addr makes a returned uint256.Int addressable for its pointer methods.
func addr(v uint256.Int) *uint256.Int { return &v }
