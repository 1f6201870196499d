package state_test

import (
	"errors"
	"math"
	"testing"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Store transactions
// ============================================================================

func TestStore_RollbackUndoesEveryWrite(t *testing.T) {
	s := state.NewStore(state.Pool{PoolID: 1, NextPositionID: 1})
	s.Tranches.Put(10, state.Tranche{StakeShares: fpmath.U64(5)})
	s.Products.Put(3, state.Product{TargetWeight: 40})
	before := s.Export()

	s.Begin()
	s.Pool.NextPositionID = 9
	s.Tranches.Put(10, state.Tranche{StakeShares: fpmath.U64(50)})
	s.Tranches.Put(11, state.Tranche{StakeShares: fpmath.U64(1)})
	s.Products.Delete(3)
	s.IndexExpiry(700, state.GroupRef{ProductID: 3, GroupID: 2})
	require.True(t, s.InTransaction())
	s.Rollback()

	assert.False(t, s.InTransaction())
	assert.Equal(t, before, s.Export())
}

func TestStore_CommitKeepsWrites(t *testing.T) {
	s := state.NewStore(state.Pool{PoolID: 1})

	s.Begin()
	s.Owners.Put(1, uuid.New())
	s.Pool.NextPositionID = 2
	s.Commit()

	// A later rollback only reaches back to its own Begin.
	s.Begin()
	s.Owners.Delete(1)
	s.Rollback()

	assert.Equal(t, 1, s.Owners.Len())
	assert.Equal(t, uint64(2), s.Pool.NextPositionID)
}

func TestStore_NestedBeginPanics(t *testing.T) {
	s := state.NewStore(state.Pool{})
	s.Begin()
	assert.Panics(t, func() { s.Begin() })
}

func TestStore_IndexExpirySortedAndDeduplicated(t *testing.T) {
	s := state.NewStore(state.Pool{})
	s.IndexExpiry(5, state.GroupRef{ProductID: 2, GroupID: 1})
	s.IndexExpiry(5, state.GroupRef{ProductID: 1, GroupID: 9})
	s.IndexExpiry(5, state.GroupRef{ProductID: 2, GroupID: 0})
	s.IndexExpiry(5, state.GroupRef{ProductID: 2, GroupID: 1})

	refs, ok := s.ExpiryIndex.Get(5)
	require.True(t, ok)
	assert.Equal(t, []state.GroupRef{
		{ProductID: 1, GroupID: 9},
		{ProductID: 2, GroupID: 0},
		{ProductID: 2, GroupID: 1},
	}, refs)
}

func TestStore_OwnerOfFeePositionIsManager(t *testing.T) {
	manager := uuid.New()
	s := state.NewStore(state.Pool{Manager: manager})

	owner, ok := s.Owner(state.ManagerFeePositionID)
	assert.True(t, ok)
	assert.Equal(t, manager, owner)

	_, ok = s.Owner(42)
	assert.False(t, ok)
}

func TestStore_ProductConfigFallback(t *testing.T) {
	s := state.NewStore(state.Pool{GlobalMinPrice: fpmath.U64(77)})

	pc := s.ProductConfig(4)
	assert.Equal(t, uint64(4), pc.ProductID)
	assert.Zero(t, pc.CapacityReductionRatio)
	assert.Equal(t, uint64(77), pc.MinPrice.Uint64())
}

func TestStore_ExportRestoreRoundTrip(t *testing.T) {
	s := state.NewStore(state.Pool{PoolID: 3, ActiveStake: fpmath.U64(100)})
	s.Positions.Put(state.PositionKey{PositionID: 1, TrancheID: 200}, state.Position{StakeShares: fpmath.U64(10)})
	s.Groups.Put(state.GroupKey{ProductID: 1, GroupID: 25}, state.TrancheUnits{0, 5})
	s.RewardCuts.Put(651, fpmath.U64(9))

	restored := state.NewStore(state.Pool{})
	restored.Restore(s.Export())
	assert.Equal(t, s.Export(), restored.Export())
}

// ============================================================================
// Test: TrancheUnits
// ============================================================================

func TestTrancheUnits_AddSubSum(t *testing.T) {
	var u state.TrancheUnits
	u, err := u.Add(3, 1_000)
	require.NoError(t, err)
	u, err = u.Add(7, 24)
	require.NoError(t, err)
	u, err = u.Sub(3, 400)
	require.NoError(t, err)

	assert.Equal(t, uint64(600), u.Get(3))
	assert.Equal(t, uint64(624), u.Sum())
	assert.False(t, u.IsZero())
}

func TestTrancheUnits_CounterOverflowIsError(t *testing.T) {
	u := state.TrancheUnits{math.MaxUint32}

	got, err := u.Add(0, 1)
	require.Error(t, err)
	assert.Equal(t, u, got)
}

func TestTrancheUnits_UnderflowIsError(t *testing.T) {
	u := state.TrancheUnits{0, 3}

	_, err := u.Sub(1, 4)
	assert.True(t, errors.Is(err, fpmath.ErrUnderflow))
}

// ============================================================================
// Test: Time indices
// ============================================================================

func TestTimeIndices(t *testing.T) {
	t0 := 200 * state.TrancheDuration

	assert.Equal(t, uint64(200), state.TrancheID(t0))
	assert.Equal(t, uint64(199), state.TrancheID(t0-1))
	assert.Equal(t, t0+state.TrancheDuration, state.TrancheEnd(200))

	assert.Equal(t, uint64(650), state.BucketID(t0))
	// A cover ending exactly on a boundary expires with that bucket, one
	// second later with the next one.
	assert.Equal(t, uint64(651), state.ExpiryBucketID(t0+state.BucketDuration))
	assert.Equal(t, uint64(652), state.ExpiryBucketID(t0+state.BucketDuration+1))
	assert.Equal(t, t0, state.BucketExpiryTime(650))

	group, slot := state.GroupOf(203)
	assert.Equal(t, uint64(25), group)
	assert.Equal(t, 3, slot)
}

func TestValidateCapacityParams(t *testing.T) {
	denominator := fpmath.MustDecimal("100000000000000000000")

	assert.NoError(t, state.ValidateCapacityParams(state.CapacityParams{GlobalCapacityRatio: 2_00_00}, denominator))
	assert.Error(t, state.ValidateCapacityParams(state.CapacityParams{}, denominator))
	assert.Error(t, state.ValidateCapacityParams(state.CapacityParams{
		GlobalCapacityRatio: 1,
		Products:            []state.ProductConfig{{ProductID: 1}, {ProductID: 1}},
	}, denominator))
	assert.Error(t, state.ValidateCapacityParams(state.CapacityParams{
		GlobalCapacityRatio: 1,
		Products:            []state.ProductConfig{{ProductID: 1, CapacityReductionRatio: 100_01}},
	}, denominator))

	assert.NoError(t, state.ValidateCapacityParams(state.CapacityParams{GlobalCapacityRatio: state.MaxGlobalCapacityRatio}, denominator))
	assert.ErrorContains(t, state.ValidateCapacityParams(state.CapacityParams{GlobalCapacityRatio: state.MaxGlobalCapacityRatio + 1}, denominator),
		"global_capacity_ratio")
	assert.Error(t, state.ValidateCapacityParams(state.CapacityParams{GlobalCapacityRatio: 1 << 62}, denominator))
}
