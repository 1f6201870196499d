package pricing

import (
	"fmt"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

// PremiumRequest describes a single product allocation to be priced.
type PremiumRequest struct {
	BasePrice           uint256.Int
	CoverAmount         uint64 // allocation units
	InitialCapacityUsed uint64 // allocation units in use before this allocation
	TotalCapacity       uint64 // allocation units
	Period              uint64 // seconds
}

// Premium breaks a quote into its parts. Every field is collateral for the
// requested period.
type Premium struct {
	BasePremium         uint256.Int
	SurgePremium        uint256.Int
	SurgePremiumSkipped uint256.Int
	Total               uint256.Int
}

// CalculatePremium prices an allocation. Zero capacity is a configuration
// error and fails; zero amount or period is free.
func (p Params) CalculatePremium(req PremiumRequest) (Premium, error) {
	if req.TotalCapacity == 0 {
		return Premium{}, fmt.Errorf("premium: %w", fpmath.ErrDivisionByZero)
	}
	if req.CoverAmount == 0 || req.Period == 0 {
		return Premium{}, nil
	}

	coverAmount := fpmath.FromAllocationUnits(req.CoverAmount)
	basePerYear, err := fpmath.MulDiv(coverAmount, req.BasePrice, p.PriceDenominator, fpmath.RoundDown)
	if err != nil {
		return Premium{}, err
	}

	surgePerYear, skippedPerYear, err := p.surgePerYear(req)
	if err != nil {
		return Premium{}, err
	}

	perYear, err := fpmath.Add(basePerYear, surgePerYear)
	if err != nil {
		return Premium{}, err
	}
	perYear, err = fpmath.Sub(perYear, skippedPerYear)
	if err != nil {
		return Premium{}, err
	}

	var out Premium
	if out.Total, err = scaleToPeriod(perYear, req.Period); err != nil {
		return Premium{}, err
	}
	if out.BasePremium, err = scaleToPeriod(basePerYear, req.Period); err != nil {
		return Premium{}, err
	}
	if out.SurgePremium, err = scaleToPeriod(surgePerYear, req.Period); err != nil {
		return Premium{}, err
	}
	if out.SurgePremiumSkipped, err = scaleToPeriod(skippedPerYear, req.Period); err != nil {
		return Premium{}, err
	}
	return out, nil
}

// FixedPremium prices a fixed-price product at its target price: no surge and
// no bump.
func (p Params) FixedPremium(targetPrice uint256.Int, coverAmount, period uint64) (uint256.Int, error) {
	if coverAmount == 0 || period == 0 {
		return uint256.Int{}, nil
	}
	perYear, err := fpmath.MulDiv(fpmath.FromAllocationUnits(coverAmount), targetPrice, p.PriceDenominator, fpmath.RoundDown)
	if err != nil {
		return uint256.Int{}, err
	}
	return scaleToPeriod(perYear, period)
}

// surgePerYear returns the surge premium of the capacity used after the
// allocation and the part of it that was already occupied before.
func (p Params) surgePerYear(req PremiumRequest) (surge, skipped uint256.Int, err error) {
	surgeStart, err := fpmath.MulDiv64(fpmath.U64(req.TotalCapacity), p.SurgeThresholdRatio, p.SurgeThresholdDenominator, fpmath.RoundDown)
	if err != nil {
		return surge, skipped, err
	}
	start := surgeStart.Uint64()
	finalUsed := req.InitialCapacityUsed + req.CoverAmount
	if finalUsed <= start {
		return surge, skipped, nil
	}

	if surge, err = p.SurgeIntegral(finalUsed-start, req.TotalCapacity); err != nil {
		return surge, skipped, err
	}
	if req.InitialCapacityUsed > start {
		if skipped, err = p.SurgeIntegral(req.InitialCapacityUsed-start, req.TotalCapacity); err != nil {
			return surge, skipped, err
		}
	}
	return surge, skipped, nil
}

// SurgeIntegral is the annual surge premium of amountOnSurge units above the
// threshold: the area under a surge price rising linearly from zero at the
// threshold to SurgePriceRatio at one full capacity past it.
//
//	amountOnSurge^2 * NXMPerAllocationUnit * SurgePriceRatio / (2 * totalCapacity * PriceDenominator)
func (p Params) SurgeIntegral(amountOnSurge, totalCapacity uint64) (uint256.Int, error) {
	if totalCapacity == 0 {
		return uint256.Int{}, fmt.Errorf("surge premium: %w", fpmath.ErrDivisionByZero)
	}
	squared, err := fpmath.Mul(fpmath.U64(amountOnSurge), fpmath.U64(amountOnSurge))
	if err != nil {
		return uint256.Int{}, err
	}
	squaredNXM, err := fpmath.Mul(squared, fpmath.NXMPerAllocationUnit)
	if err != nil {
		return uint256.Int{}, err
	}
	denominator, err := fpmath.Mul(fpmath.U64(2*totalCapacity), p.PriceDenominator)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.MulDiv(squaredNXM, p.SurgePriceRatio, denominator, fpmath.RoundDown)
}

func scaleToPeriod(perYear uint256.Int, period uint64) (uint256.Int, error) {
	return fpmath.MulDiv64(perYear, period, Year, fpmath.RoundDown)
}
