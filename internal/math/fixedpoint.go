package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Collateral amounts, shares and prices are unsigned 256-bit integers so every
// operation is bit-exact and replayable. Helpers take and return values; a
// uint256.Int is a [4]uint64 array and copies cheaply.

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrOverflow       = errors.New("uint256 overflow")
	ErrUnderflow      = errors.New("uint256 underflow")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// OneNXM is one whole collateral unit (18 decimals).
var OneNXM = U64(1_000_000_000_000_000_000)

// U64 lifts a uint64 into a 256-bit value.
func U64(v uint64) uint256.Int {
	var z uint256.Int
	z.SetUint64(v)
	return z
}

// MustDecimal parses a base-10 literal; panics on malformed input (constants only).
func MustDecimal(s string) uint256.Int {
	return *uint256.MustFromDecimal(s)
}

// ParseDecimal parses a base-10 amount from the wire.
func ParseDecimal(s string) (uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return *z, nil
}

func Add(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

func Sub(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&a, &b); underflow {
		return uint256.Int{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// SubFloor returns a - b, or zero when b > a.
func SubFloor(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) <= 0 {
		return uint256.Int{}
	}
	var z uint256.Int
	z.Sub(&a, &b)
	return z
}

func Mul(a, b uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a, &b); overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s * %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Div computes a / d. A zero divisor is always an error, never a silent zero.
func Div(a, d uint256.Int, mode RoundingMode) (uint256.Int, error) {
	if d.IsZero() {
		return uint256.Int{}, ErrDivisionByZero
	}
	var q, r uint256.Int
	q.Div(&a, &d)
	if mode == RoundUp {
		r.Mod(&a, &d)
		if !r.IsZero() {
			q.AddUint64(&q, 1)
		}
	}
	return q, nil
}

// MulDiv computes a * b / d with a 512-bit intermediate product.
func MulDiv(a, b, d uint256.Int, mode RoundingMode) (uint256.Int, error) {
	if d.IsZero() {
		return uint256.Int{}, ErrDivisionByZero
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&a, &b, &d); overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, a.Dec(), b.Dec(), d.Dec())
	}
	if mode == RoundUp {
		var r uint256.Int
		r.MulMod(&a, &b, &d)
		if !r.IsZero() {
			if _, overflow := z.AddOverflow(&z, uint256.NewInt(1)); overflow {
				return uint256.Int{}, ErrOverflow
			}
		}
	}
	return z, nil
}

// MulDiv64 is MulDiv for small integer factors.
func MulDiv64(a uint256.Int, b, d uint64, mode RoundingMode) (uint256.Int, error) {
	return MulDiv(a, U64(b), U64(d), mode)
}

func Sqrt(a uint256.Int) uint256.Int {
	var z uint256.Int
	z.Sqrt(&a)
	return z
}

func Min(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) <= 0 {
		return a
	}
	return b
}

func Max(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) >= 0 {
		return a
	}
	return b
}

// ToUint64 narrows a value that must fit 64 bits.
func ToUint64(a uint256.Int) (uint64, error) {
	if !a.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit 64 bits", ErrOverflow, a.Dec())
	}
	return a.Uint64(), nil
}

// AppendUint256 appends the 32-byte big-endian encoding (for state digests).
func AppendUint256(buf []byte, v uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}
