package state

import (
	"fmt"
	"math"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

const (
	Day             uint64 = 24 * 60 * 60
	TrancheDuration uint64 = 91 * Day
	BucketDuration  uint64 = 28 * Day

	MaxActiveTranches = 8
	TranchesPerGroup  = 8

	// ManagerFeePositionID holds the manager's fee reward shares in every tranche.
	ManagerFeePositionID uint64 = 0

	RewardBonusPerTranche  uint64 = 10_00
	RewardBonusDenominator uint64 = 100_00
	RewardsDenominator     uint64 = 100_00

	PoolFeeDenominator uint64 = 100
	WeightDenominator  uint64 = 100
	MaxTotalWeight     uint64 = 20_00
	MaxEffectiveWeight uint64 = math.MaxUint16

	GlobalCapacityDenominator    uint64 = 100_00
	CapacityReductionDenominator uint64 = 100_00
	// MaxGlobalCapacityRatio is a 24-bit ratio, about 1677x.
	MaxGlobalCapacityRatio uint64 = 1<<24 - 1

	// MaxTimestamp bounds the pool clock so tranche and bucket arithmetic
	// stays far from wrapping.
	MaxTimestamp uint64 = 1 << 40
)

// TrancheID returns the tranche containing t.
func TrancheID(t uint64) uint64 { return t / TrancheDuration }

// TrancheEnd returns the first second after the tranche.
func TrancheEnd(trancheID uint64) uint64 { return (trancheID + 1) * TrancheDuration }

// BucketID returns the bucket containing t.
func BucketID(t uint64) uint64 { return t / BucketDuration }

// ExpiryBucketID returns the bucket whose processing releases a cover ending at expiry.
func ExpiryBucketID(expiry uint64) uint64 {
	id := expiry / BucketDuration
	if expiry%BucketDuration != 0 {
		id++
	}
	return id
}

// BucketExpiryTime is the instant expiry bucket bucketID is processed.
func BucketExpiryTime(bucketID uint64) uint64 { return bucketID * BucketDuration }

// GroupOf locates a tranche inside its packed group record.
func GroupOf(trancheID uint64) (groupID uint64, slot int) {
	return trancheID / TranchesPerGroup, int(trancheID % TranchesPerGroup)
}

// PoolParams is the static configuration of a pool.
type PoolParams struct {
	RewardsRatio     uint64 // share of a premium streamed to stakers, over RewardsDenominator
	MaxPoolFeeRatio  uint64 // over PoolFeeDenominator
	DefaultMinPrice  uint256.Int
	DefaultGrace     uint64 // seconds
	MaxProductsCount int
}

func DefaultPoolParams() PoolParams {
	return PoolParams{
		RewardsRatio:     50_00,
		MaxPoolFeeRatio:  40,
		DefaultMinPrice:  fpmath.MustDecimal("1000000000000000000"), // 1%
		DefaultGrace:     35 * Day,
		MaxProductsCount: 500,
	}
}

// ValidatePoolParams checks that pool parameters are within valid ranges.
func ValidatePoolParams(p PoolParams) error {
	if p.RewardsRatio > RewardsDenominator {
		return fmt.Errorf("rewards_ratio must be <= %d, got %d", RewardsDenominator, p.RewardsRatio)
	}
	if p.MaxPoolFeeRatio >= PoolFeeDenominator {
		return fmt.Errorf("max_pool_fee_ratio must be < %d, got %d", PoolFeeDenominator, p.MaxPoolFeeRatio)
	}
	if p.MaxProductsCount <= 0 {
		return fmt.Errorf("max_products_count must be > 0, got %d", p.MaxProductsCount)
	}
	return nil
}

// CapacityParams are the capacity ratios read from the cover product registry.
type CapacityParams struct {
	GlobalCapacityRatio uint64 // over GlobalCapacityDenominator
	GlobalMinPrice      uint256.Int
	Products            []ProductConfig
}

// ProductConfig is the registry-side description of a product.
type ProductConfig struct {
	ProductID              uint64
	CapacityReductionRatio uint64 // over CapacityReductionDenominator
	MinPrice               uint256.Int
	UseFixedPrice          bool
}

// ValidateCapacityParams checks ratios against their denominators.
func ValidateCapacityParams(p CapacityParams, priceDenominator uint256.Int) error {
	if p.GlobalCapacityRatio == 0 {
		return fmt.Errorf("global_capacity_ratio must be > 0")
	}
	if p.GlobalCapacityRatio > MaxGlobalCapacityRatio {
		return fmt.Errorf("global_capacity_ratio must be <= %d, got %d", MaxGlobalCapacityRatio, p.GlobalCapacityRatio)
	}
	if p.GlobalMinPrice.Cmp(&priceDenominator) > 0 {
		return fmt.Errorf("global_min_price %s exceeds price denominator", p.GlobalMinPrice.Dec())
	}
	seen := make(map[uint64]bool, len(p.Products))
	for _, pc := range p.Products {
		if seen[pc.ProductID] {
			return fmt.Errorf("product %d configured twice", pc.ProductID)
		}
		seen[pc.ProductID] = true
		if pc.CapacityReductionRatio > CapacityReductionDenominator {
			return fmt.Errorf("product %d: capacity_reduction_ratio must be <= %d, got %d",
				pc.ProductID, CapacityReductionDenominator, pc.CapacityReductionRatio)
		}
		if pc.MinPrice.Cmp(&priceDenominator) > 0 {
			return fmt.Errorf("product %d: min_price %s exceeds price denominator", pc.ProductID, pc.MinPrice.Dec())
		}
	}
	return nil
}
