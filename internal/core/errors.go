package core

import (
	"errors"

	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"
)

// Authorization
var (
	ErrNotCoverModule   = errors.New("caller is not the cover module")
	ErrNotManager       = errors.New("caller is not the pool manager")
	ErrPrivatePool      = errors.New("pool is private")
	ErrNotPositionOwner = errors.New("caller does not own the position")
)

// Temporal
var (
	ErrTrancheNotActive            = errors.New("tranche is not active yet")
	ErrTrancheExpired              = errors.New("tranche has expired")
	ErrTrancheNotExpired           = errors.New("tranche has not expired")
	ErrNewTrancheEndsBeforeInitial = errors.New("new tranche ends before the initial tranche")
	ErrStaleTimestamp              = errors.New("timestamp is older than the last applied operation")
	ErrTimestampOutOfRange         = errors.New("timestamp is out of range")
)

// Capacity
var (
	ErrInsufficientCapacity        = errors.New("insufficient capacity")
	ErrTotalEffectiveWeightTooHigh = errors.New("total effective weight too high")
	ErrTargetWeightTooHigh         = errors.New("target weight too high")
	ErrTargetPriceOutOfRange       = errors.New("target price out of range")
	ErrTooManyProducts             = errors.New("too many products")
	ErrNewProductNeedsTargetWeight = errors.New("a new product must set its target weight and price")
)

// Halted
var ErrPoolHalted = errors.New("pool is halted")

// Arithmetic; shared with the math package so errors.Is matches either.
var (
	ErrDivisionByZero = fpmath.ErrDivisionByZero
	ErrOverflow       = fpmath.ErrOverflow
)

// Validation
var (
	ErrZeroAmount            = errors.New("amount must be > 0")
	ErrUnknownProduct        = errors.New("product is not staked in this pool")
	ErrUnknownAllocation     = errors.New("allocation does not exist")
	ErrAllocationMismatch    = errors.New("allocation does not match the given cover")
	ErrUnknownPosition       = errors.New("position does not exist")
	ErrPoolFeeTooHigh        = errors.New("pool fee exceeds the maximum")
	ErrInvalidCapacityParams = errors.New("invalid capacity params")
	ErrUnknownEvent          = errors.New("unknown event type")
	ErrUnknownPool           = errors.New("operation addresses another pool")
)

// ErrorKind groups errors for transport status mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindAuthorization
	KindTemporal
	KindCapacity
	KindHalted
	KindArithmetic
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindTemporal:
		return "temporal"
	case KindCapacity:
		return "capacity"
	case KindHalted:
		return "halted"
	case KindArithmetic:
		return "arithmetic"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

var kinds = []struct {
	kind ErrorKind
	errs []error
}{
	{KindAuthorization, []error{ErrNotCoverModule, ErrNotManager, ErrPrivatePool, ErrNotPositionOwner}},
	{KindTemporal, []error{ErrTrancheNotActive, ErrTrancheExpired, ErrTrancheNotExpired, ErrNewTrancheEndsBeforeInitial, ErrStaleTimestamp, ErrTimestampOutOfRange}},
	{KindCapacity, []error{ErrInsufficientCapacity, ErrTotalEffectiveWeightTooHigh, ErrTargetWeightTooHigh, ErrTargetPriceOutOfRange, ErrTooManyProducts, ErrNewProductNeedsTargetWeight}},
	{KindHalted, []error{ErrPoolHalted}},
	{KindArithmetic, []error{ErrDivisionByZero, ErrOverflow, fpmath.ErrUnderflow}},
	{KindValidation, []error{ErrZeroAmount, ErrUnknownProduct, ErrUnknownAllocation, ErrAllocationMismatch, ErrUnknownPosition, ErrPoolFeeTooHigh, ErrInvalidCapacityParams, ErrUnknownEvent, ErrUnknownPool, ErrOutOfOrder, ledger.ErrInsufficientBalance}},
}

// Kind classifies err by the first sentinel it wraps.
func Kind(err error) ErrorKind {
	for _, group := range kinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindInternal
}
