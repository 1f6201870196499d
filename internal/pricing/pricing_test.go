package pricing_test

import (
	"errors"
	"testing"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pricing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func e18(v uint64) uint256.Int {
	out, err := fpmath.Mul(fpmath.U64(v), fpmath.OneNXM)
	if err != nil {
		panic(err)
	}
	return out
}

// ============================================================================
// Test: BasePrice
// ============================================================================

func TestBasePrice_DecaysOnePercentOfGapPerDay(t *testing.T) {
	p := pricing.DefaultParams()
	bumped, target := e18(10), e18(5)

	got, err := p.BasePrice(bumped, target, 1_000, 1_000+pricing.Day)
	require.NoError(t, err)

	// bumped - (bumped - target) / 100
	assert.Equal(t, "9950000000000000000", got.Dec())
}

func TestBasePrice_RiseIsImmediate(t *testing.T) {
	p := pricing.DefaultParams()

	for _, elapsed := range []uint64{0, 1, pricing.Day, 400 * pricing.Day} {
		got, err := p.BasePrice(e18(5), e18(10), 0, elapsed)
		require.NoError(t, err)
		assert.Equal(t, e18(10), got, "elapsed %d", elapsed)
	}
}

func TestBasePrice_FlooredAtTarget(t *testing.T) {
	p := pricing.DefaultParams()

	got, err := p.BasePrice(e18(10), e18(5), 0, 1_000*pricing.Day)
	require.NoError(t, err)
	assert.Equal(t, e18(5), got)
}

func TestBasePrice_NoElapsedTimeKeepsBumpedPrice(t *testing.T) {
	p := pricing.DefaultParams()

	got, err := p.BasePrice(e18(10), e18(5), 500, 500)
	require.NoError(t, err)
	assert.Equal(t, e18(10), got)

	// Clock skew behind the update time counts as no elapsed time.
	got, err = p.BasePrice(e18(10), e18(5), 500, 100)
	require.NoError(t, err)
	assert.Equal(t, e18(10), got)
}

// ============================================================================
// Test: BumpedPrice
// ============================================================================

func TestBumpedPrice_ProportionalToShareOfCapacity(t *testing.T) {
	p := pricing.DefaultParams()

	full, err := p.BumpedPrice(e18(2), 1_000, 1_000)
	require.NoError(t, err)
	assert.Equal(t, e18(22), full)

	tenth, err := p.BumpedPrice(e18(2), 100, 1_000)
	require.NoError(t, err)
	assert.Equal(t, e18(4), tenth)
}

func TestBumpedPrice_ZeroCapacityFails(t *testing.T) {
	_, err := pricing.DefaultParams().BumpedPrice(e18(2), 1, 0)
	assert.True(t, errors.Is(err, fpmath.ErrDivisionByZero))
}

// ============================================================================
// Test: CalculatePremium
// ============================================================================

func TestCalculatePremium_BaseOnlyBelowThreshold(t *testing.T) {
	p := pricing.DefaultParams()
	// 50 collateral at 2%/yr for a full year.
	got, err := p.CalculatePremium(pricing.PremiumRequest{
		BasePrice:     e18(2),
		CoverAmount:   5_000,
		TotalCapacity: 100_000,
		Period:        pricing.Year,
	})
	require.NoError(t, err)

	assert.Equal(t, e18(1), got.Total)
	assert.Equal(t, got.Total, got.BasePremium)
	assert.True(t, got.SurgePremium.IsZero())
	assert.True(t, got.SurgePremiumSkipped.IsZero())
}

func TestCalculatePremium_ScaledByPeriod(t *testing.T) {
	p := pricing.DefaultParams()
	req := pricing.PremiumRequest{
		BasePrice:     e18(2),
		CoverAmount:   5_000,
		TotalCapacity: 100_000,
		Period:        30 * pricing.Day,
	}
	got, err := p.CalculatePremium(req)
	require.NoError(t, err)

	want, err := fpmath.MulDiv64(e18(1), 30*pricing.Day, pricing.Year, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, want, got.Total)
}

func TestCalculatePremium_DegenerateInputs(t *testing.T) {
	p := pricing.DefaultParams()

	got, err := p.CalculatePremium(pricing.PremiumRequest{BasePrice: e18(2), TotalCapacity: 100, Period: pricing.Day})
	require.NoError(t, err)
	assert.True(t, got.Total.IsZero(), "zero amount")

	got, err = p.CalculatePremium(pricing.PremiumRequest{BasePrice: e18(2), CoverAmount: 10, TotalCapacity: 100})
	require.NoError(t, err)
	assert.True(t, got.Total.IsZero(), "zero period")

	_, err = p.CalculatePremium(pricing.PremiumRequest{BasePrice: e18(2), CoverAmount: 10, Period: pricing.Day})
	assert.True(t, errors.Is(err, fpmath.ErrDivisionByZero), "zero capacity")
}

func TestCalculatePremium_SurgeBeyondThreshold(t *testing.T) {
	p := pricing.DefaultParams()
	got, err := p.CalculatePremium(pricing.PremiumRequest{
		BasePrice:           e18(2),
		CoverAmount:         200,
		InitialCapacityUsed: 850,
		TotalCapacity:       1_000,
		Period:              pricing.Year,
	})
	require.NoError(t, err)

	// 150 units above the 900 threshold.
	surge, err := p.SurgeIntegral(150, 1_000)
	require.NoError(t, err)
	assert.Equal(t, surge, got.SurgePremium)
	assert.True(t, got.SurgePremiumSkipped.IsZero())
	assert.False(t, got.SurgePremium.IsZero())
}

func TestCalculatePremium_SkipsSurgeAlreadyPaid(t *testing.T) {
	p := pricing.DefaultParams()
	got, err := p.CalculatePremium(pricing.PremiumRequest{
		BasePrice:           e18(2),
		CoverAmount:         50,
		InitialCapacityUsed: 920,
		TotalCapacity:       1_000,
		Period:              pricing.Year,
	})
	require.NoError(t, err)

	full, err := p.SurgeIntegral(70, 1_000)
	require.NoError(t, err)
	paid, err := p.SurgeIntegral(20, 1_000)
	require.NoError(t, err)
	assert.Equal(t, full, got.SurgePremium)
	assert.Equal(t, paid, got.SurgePremiumSkipped)

	var want uint256.Int
	want.Add(&got.BasePremium, &full)
	want.Sub(&want, &paid)
	assert.Equal(t, want, got.Total)
}

func TestCalculatePremium_MonotonicInAmount(t *testing.T) {
	p := pricing.DefaultParams()
	var prev uint256.Int
	for amount := uint64(10); amount <= 1_000; amount += 10 {
		got, err := p.CalculatePremium(pricing.PremiumRequest{
			BasePrice:     e18(3),
			CoverAmount:   amount,
			TotalCapacity: 1_000,
			Period:        90 * pricing.Day,
		})
		require.NoError(t, err)
		assert.True(t, got.Total.Gt(&prev), "amount %d: %s <= %s", amount, got.Total.Dec(), prev.Dec())
		prev = got.Total
	}
}

func TestSurgeIntegral_StrictlyIncreasing(t *testing.T) {
	p := pricing.DefaultParams()
	var prev uint256.Int
	for x := uint64(1); x <= 100; x++ {
		got, err := p.SurgeIntegral(x, 1_000)
		require.NoError(t, err)
		assert.True(t, got.Gt(&prev), "x=%d", x)
		prev = got
	}
}

func TestFixedPremium(t *testing.T) {
	p := pricing.DefaultParams()

	got, err := p.FixedPremium(e18(2), 5_000, pricing.Year)
	require.NoError(t, err)
	assert.Equal(t, e18(1), got)

	got, err = p.FixedPremium(e18(2), 0, pricing.Year)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, pricing.DefaultParams().Validate())

	bad := pricing.DefaultParams()
	bad.PriceDenominator = uint256.Int{}
	assert.Error(t, bad.Validate())

	bad = pricing.DefaultParams()
	bad.SurgeThresholdRatio = bad.SurgeThresholdDenominator + 1
	assert.Error(t, bad.Validate())
}
