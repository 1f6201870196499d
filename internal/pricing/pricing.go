// Package pricing quotes cover premiums and moves product prices.
//
// Prices are annual rates scaled by PriceDenominator (100e18 == 100% per
// year). Amounts and capacities are allocation units; premiums are collateral.
package pricing

import (
	"fmt"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	Day  uint64 = 24 * 60 * 60
	Year uint64 = 365 * Day
)

// Params configures the price curve.
type Params struct {
	PriceDenominator          uint256.Int
	PriceChangePerDay         uint64 // share of the bumped-target gap recovered per day
	PriceChangeDenominator    uint64
	PriceBumpRatio            uint256.Int // bump for an allocation of 100% of capacity
	SurgeThresholdRatio       uint64
	SurgeThresholdDenominator uint64
	SurgePriceRatio           uint256.Int // marginal surge price at 100% of capacity past the threshold
}

func DefaultParams() Params {
	return Params{
		PriceDenominator:          fpmath.MustDecimal("100000000000000000000"),
		PriceChangePerDay:         1,
		PriceChangeDenominator:    100,
		PriceBumpRatio:            fpmath.MustDecimal("20000000000000000000"),
		SurgeThresholdRatio:       90_00,
		SurgeThresholdDenominator: 100_00,
		SurgePriceRatio:           fpmath.MustDecimal("200000000000000000000"),
	}
}

// Validate rejects a curve that would divide by zero or never decay.
func (p Params) Validate() error {
	if p.PriceDenominator.IsZero() {
		return fmt.Errorf("price denominator must be > 0")
	}
	if p.PriceChangeDenominator == 0 || p.SurgeThresholdDenominator == 0 {
		return fmt.Errorf("price change and surge threshold denominators must be > 0")
	}
	if p.SurgeThresholdRatio > p.SurgeThresholdDenominator {
		return fmt.Errorf("surge threshold ratio %d exceeds denominator %d", p.SurgeThresholdRatio, p.SurgeThresholdDenominator)
	}
	return nil
}

// BasePrice interpolates between the last bumped price and the target price.
// A target above the bumped price applies immediately; a target below it is
// approached linearly, never undershooting.
func (p Params) BasePrice(bumpedPrice, targetPrice uint256.Int, bumpedPriceUpdateTime, now uint64) (uint256.Int, error) {
	if bumpedPrice.Cmp(&targetPrice) <= 0 {
		return targetPrice, nil
	}

	var elapsed uint64
	if now > bumpedPriceUpdateTime {
		elapsed = now - bumpedPriceUpdateTime
	}

	gap := fpmath.SubFloor(bumpedPrice, targetPrice)
	// drop = gap * elapsed * changePerDay / (changeDenominator * Day)
	numerator, err := fpmath.Mul(fpmath.U64(elapsed), fpmath.U64(p.PriceChangePerDay))
	if err != nil {
		return uint256.Int{}, err
	}
	denominator, err := fpmath.Mul(fpmath.U64(p.PriceChangeDenominator), fpmath.U64(Day))
	if err != nil {
		return uint256.Int{}, err
	}
	drop, err := fpmath.MulDiv(gap, numerator, denominator, fpmath.RoundDown)
	if err != nil {
		return uint256.Int{}, err
	}
	if drop.Cmp(&gap) >= 0 {
		return targetPrice, nil
	}
	return fpmath.SubFloor(bumpedPrice, drop), nil
}

// BumpedPrice is the price recorded after an allocation of amount units out of
// totalCapacity units.
func (p Params) BumpedPrice(basePrice uint256.Int, amount, totalCapacity uint64) (uint256.Int, error) {
	if totalCapacity == 0 {
		return uint256.Int{}, fmt.Errorf("price bump: %w", fpmath.ErrDivisionByZero)
	}
	bump, err := fpmath.MulDiv64(p.PriceBumpRatio, amount, totalCapacity, fpmath.RoundDown)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.Add(basePrice, bump)
}
