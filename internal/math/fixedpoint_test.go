package math_test

import (
	"errors"
	"testing"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	v, err := fpmath.ParseDecimal("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, fpmath.OneNXM, v)

	_, err = fpmath.ParseDecimal("-1")
	assert.Error(t, err)
	_, err = fpmath.ParseDecimal("1.5")
	assert.Error(t, err)
}

func TestCheckedArithmetic(t *testing.T) {
	maxU256 := fpmath.MustDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935")

	_, err := fpmath.Add(maxU256, fpmath.U64(1))
	assert.True(t, errors.Is(err, fpmath.ErrOverflow))

	_, err = fpmath.Mul(maxU256, fpmath.U64(2))
	assert.True(t, errors.Is(err, fpmath.ErrOverflow))

	_, err = fpmath.Sub(fpmath.U64(1), fpmath.U64(2))
	assert.True(t, errors.Is(err, fpmath.ErrUnderflow))

	assert.True(t, addr(fpmath.SubFloor(fpmath.U64(1), fpmath.U64(2))).IsZero())
}

func TestDivisionByZeroIsAnError(t *testing.T) {
	_, err := fpmath.Div(fpmath.U64(1), uint256.Int{}, fpmath.RoundDown)
	assert.True(t, errors.Is(err, fpmath.ErrDivisionByZero))

	_, err = fpmath.MulDiv(fpmath.U64(1), fpmath.U64(1), uint256.Int{}, fpmath.RoundUp)
	assert.True(t, errors.Is(err, fpmath.ErrDivisionByZero))
}

func TestMulDiv_Rounding(t *testing.T) {
	down, err := fpmath.MulDiv(fpmath.U64(10), fpmath.U64(10), fpmath.U64(3), fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(33), down.Uint64())

	up, err := fpmath.MulDiv(fpmath.U64(10), fpmath.U64(10), fpmath.U64(3), fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(34), up.Uint64())

	exact, err := fpmath.MulDiv(fpmath.U64(10), fpmath.U64(9), fpmath.U64(3), fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), exact.Uint64())
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^150 overflows 256 bits only in the intermediate.
	var a, b, d uint256.Int
	a.Lsh(uint256.NewInt(1), 200)
	b.Lsh(uint256.NewInt(1), 100)
	d.Lsh(uint256.NewInt(1), 150)

	got, err := fpmath.MulDiv(a, b, d, fpmath.RoundDown)
	require.NoError(t, err)

	var want uint256.Int
	want.Lsh(uint256.NewInt(1), 150)
	assert.Equal(t, want, got)
}

func TestSqrt(t *testing.T) {
	assert.Equal(t, uint64(10_000_000_000), addr(fpmath.Sqrt(fpmath.MustDecimal("100000000000000000000"))).Uint64())
	assert.Equal(t, uint64(3), addr(fpmath.Sqrt(fpmath.U64(15))).Uint64())
}

func TestAllocationUnits(t *testing.T) {
	units, err := fpmath.ToAllocationUnits(fpmath.OneNXM)
	require.NoError(t, err)
	assert.Equal(t, uint64(fpmath.AllocationUnitsPerNXM), units)

	// Rounds up: one wei still needs a whole unit.
	units, err = fpmath.ToAllocationUnits(fpmath.U64(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), units)

	assert.Equal(t, fpmath.OneNXM, fpmath.FromAllocationUnits(fpmath.AllocationUnitsPerNXM))

	_, err = fpmath.CheckedUnits(fpmath.MaxUnitsPerCounter + 1)
	assert.True(t, errors.Is(err, fpmath.ErrOverflow))
}

// addr makes a returned uint256.Int addressable for its pointer methods.
func addr(v uint256.Int) *uint256.Int { return &v }
