package persistence_test

import (
	"context"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/state"
	"PoolLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = 200 * state.TrancheDuration

func nxm(v uint64) uint256.Int {
	out, _ := fpmath.Mul(fpmath.U64(v), fpmath.OneNXM)
	return out
}

type actors struct {
	manager, cover, alice uuid.UUID
}

func genesis(a actors) core.Genesis {
	return core.Genesis{
		PoolID:              1,
		Manager:             a.manager,
		CoverModule:         a.cover,
		PoolFeeRatio:        10,
		Time:                t0,
		GlobalCapacityRatio: 2_00_00,
		GlobalMinPrice:      nxm(1),
		Products:            []core.GenesisProduct{{ProductID: 0, TargetWeight: 100, TargetPrice: nxm(2)}},
	}
}

func TestIntegration_PersistRecoverAndProject(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := actors{manager: uuid.New(), cover: uuid.New(), alice: uuid.New()}
	persistChan := make(chan core.CoreOutput, 64)
	projectionChan := make(chan core.CoreOutput, 64)

	engine, err := core.NewEngine(core.DefaultConfig(genesis(a)), persistChan, projectionChan,
		persistence.NewPostgresIdempotencyChecker(db), nil, zerolog.Nop())
	require.NoError(t, err)

	go persistence.NewPersistenceWorker(db, persistChan, 2, 10*time.Millisecond, nil, zerolog.Nop()).Run(ctx)
	go projection.NewProjectionWorker(db, projectionChan, nil, zerolog.Nop()).Run(ctx)

	h := func(caller uuid.UUID) event.Header {
		return event.Header{RequestID: uuid.New(), Timestamp: t0, Caller: caller}
	}
	apply := func(evt event.Event) core.Receipt {
		r, err := engine.ProcessEvent(ctx, evt)
		require.NoError(t, err)
		return r
	}

	funded := &event.WalletFunded{Header: h(a.cover), Member: a.alice, Amount: nxm(100)}
	apply(funded)
	dep := apply(&event.DepositRequested{Header: h(a.alice), Amount: nxm(100), TrancheID: state.TrancheID(t0)})
	alloc := apply(&event.AllocationRequested{Header: h(a.cover), Amount: nxm(10), ProductID: 0, Period: 30 * state.Day})
	last := alloc.Sequence

	sm := persistence.NewSnapshotManager(db)
	require.Eventually(t, func() bool {
		seq, err := sm.GetLatestSequence(ctx)
		return err == nil && seq == last
	}, 5*time.Second, 20*time.Millisecond)

	// A fresh engine rebuilds the same state from the log alone.
	replica, err := core.NewEngine(core.DefaultConfig(genesis(a)), nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, persistence.Recover(ctx, replica, sm, nil, zerolog.Nop()))
	assert.Equal(t, engine.GetStateHash(), replica.GetStateHash())
	assert.Equal(t, engine.GetSequence(), replica.GetSequence())

	// Snapshot then recover again: restore plus an empty replay.
	_, err = sm.SaveSnapshot(ctx, engine.CreateSnapshotState())
	require.NoError(t, err)
	fromSnap, err := core.NewEngine(core.DefaultConfig(genesis(a)), nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, persistence.Recover(ctx, fromSnap, sm, nil, zerolog.Nop()))
	assert.Equal(t, engine.GetStateHash(), fromSnap.GetStateHash())

	// A redelivered request is absorbed by the Postgres dedup tier.
	fromSnap.AttachDBChecker(persistence.NewPostgresIdempotencyChecker(db))
	dup, err := fromSnap.ProcessEvent(ctx, funded)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, engine.GetStateHash(), fromSnap.GetStateHash())

	qs := query.NewQueryService(db, nil, nil, nil, zerolog.Nop())
	require.Eventually(t, func() bool {
		b, err := qs.GetBalance(ctx, ledger.NewMemberAccountKey(a.alice).AccountPath())
		return err == nil && b.AsOfSequence == last
	}, 5*time.Second, 20*time.Millisecond)

	positions, err := qs.GetPositions(ctx, a.alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, dep.PositionID, positions[0].PositionID)

	allocs, err := qs.GetAllocations(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, alloc.AllocationID, allocs[0].AllocationID)
	assert.Equal(t, alloc.Premium.Dec(), allocs[0].Premium)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)

	require.NoError(t, projection.RebuildProjections(ctx, db, zerolog.Nop()))
	report, err = qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0", report.Imbalance)
}
