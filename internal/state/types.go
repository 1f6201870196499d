package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Pool is the singleton aggregate of a staking pool.
type Pool struct {
	PoolID          uint64
	Manager         uuid.UUID
	CoverModule     uuid.UUID // only caller allowed to allocate, deallocate and burn
	IsPrivate       bool
	IsHalted        bool
	PoolFeeRatio    uint64
	MaxPoolFeeRatio uint64

	ActiveStake         uint256.Int
	StakeSharesSupply   uint256.Int
	RewardsSharesSupply uint256.Int
	RewardPerSecond     uint256.Int

	AccNxmPerRewardsShare uint256.Int
	LastAccUpdateTime     uint64
	FirstActiveTrancheID  uint64
	FirstActiveBucketID   uint64

	GlobalCapacityRatio  uint64
	GlobalMinPrice       uint256.Int
	TotalEffectiveWeight uint64
	TotalTargetWeight    uint64

	NextPositionID   uint64
	NextAllocationID uint64
	LastEventTime    uint64
}

// Tranche totals across all positions (fee position included).
type Tranche struct {
	StakeShares   uint256.Int
	RewardsShares uint256.Int
}

// ExpiredTranche freezes the pool at the moment a tranche was retired.
type ExpiredTranche struct {
	AccNxmPerRewardShareAtExpiry uint256.Int
	StakeAmountAtExpiry          uint256.Int
	StakeSharesSupplyAtExpiry    uint256.Int
}

type PositionKey struct {
	PositionID uint64
	TrancheID  uint64
}

// Position is one owned deposit in one tranche.
type Position struct {
	StakeShares              uint256.Int
	RewardsShares            uint256.Int
	PendingRewards           uint256.Int
	LastAccNxmPerRewardShare uint256.Int
}

func (p Position) IsZero() bool {
	return p.StakeShares.IsZero() && p.RewardsShares.IsZero() && p.PendingRewards.IsZero()
}

// Product is a product as staked in this pool. BumpedPrice and
// BumpedPriceUpdateTime stay zero until the first allocation.
type Product struct {
	TargetWeight          uint64
	LastEffectiveWeight   uint64
	TargetPrice           uint256.Int
	BumpedPrice           uint256.Int
	BumpedPriceUpdateTime uint64
}

// Allocation is the footprint of one cover segment on this pool. Units[i]
// belongs to tranche FirstTrancheID+i.
type Allocation struct {
	ProductID       uint64
	Start           uint64
	Period          uint64
	GracePeriod     uint64
	FirstTrancheID  uint64
	Units           TrancheUnits
	ExpiryBucketID  uint64
	RewardPerSecond uint256.Int
	Premium         uint256.Int
}

func (a Allocation) TotalUnits() uint64 { return a.Units.Sum() }

// GroupKey addresses the active-allocation counters of a product.
type GroupKey struct {
	ProductID uint64
	GroupID   uint64
}

// ExpiryKey addresses the units that leave a product's group when a bucket expires.
type ExpiryKey struct {
	ProductID uint64
	BucketID  uint64
	GroupID   uint64
}

// GroupRef is an entry of the bucket expiry index.
type GroupRef struct {
	ProductID uint64
	GroupID   uint64
}

func (g GroupRef) less(o GroupRef) bool {
	if g.ProductID != o.ProductID {
		return g.ProductID < o.ProductID
	}
	return g.GroupID < o.GroupID
}
