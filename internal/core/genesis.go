package core

import (
	"fmt"

	"PoolLedger/internal/pricing"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// GenesisProduct is a product staked in the pool from the start.
type GenesisProduct struct {
	ProductID              uint64
	TargetWeight           uint64
	TargetPrice            uint256.Int
	CapacityReductionRatio uint64
	MinPrice               uint256.Int
	UseFixedPrice          bool
}

// Genesis describes a pool at creation time.
type Genesis struct {
	PoolID              uint64
	Manager             uuid.UUID
	CoverModule         uuid.UUID
	IsPrivate           bool
	PoolFeeRatio        uint64
	Time                uint64 // unix seconds
	GlobalCapacityRatio uint64
	GlobalMinPrice      uint256.Int
	Products            []GenesisProduct
}

// Config is everything the engine needs besides its collaborators.
type Config struct {
	Genesis Genesis
	Pricing pricing.Params
	Pool    state.PoolParams

	LRUCapacity int
	// Full conservation check every N events; 0 disables it.
	ConservationCheckInterval int64
}

func DefaultConfig(g Genesis) Config {
	return Config{
		Genesis:                   g,
		Pricing:                   pricing.DefaultParams(),
		Pool:                      state.DefaultPoolParams(),
		LRUCapacity:               100_000,
		ConservationCheckInterval: 1000,
	}
}

func (c Config) Validate() error {
	g := c.Genesis
	if g.Manager == uuid.Nil || g.CoverModule == uuid.Nil {
		return fmt.Errorf("genesis: manager and cover module are required")
	}
	if g.Time > state.MaxTimestamp {
		return fmt.Errorf("genesis: %w: %d", ErrTimestampOutOfRange, g.Time)
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	if err := state.ValidatePoolParams(c.Pool); err != nil {
		return err
	}
	if g.PoolFeeRatio > c.Pool.MaxPoolFeeRatio {
		return fmt.Errorf("genesis: %w: %d > %d", ErrPoolFeeTooHigh, g.PoolFeeRatio, c.Pool.MaxPoolFeeRatio)
	}
	if len(g.Products) > c.Pool.MaxProductsCount {
		return fmt.Errorf("genesis: %w", ErrTooManyProducts)
	}

	capacity := state.CapacityParams{GlobalCapacityRatio: g.GlobalCapacityRatio, GlobalMinPrice: g.GlobalMinPrice}
	var totalWeight uint64
	for _, p := range g.Products {
		if p.TargetWeight > state.WeightDenominator {
			return fmt.Errorf("genesis: product %d: %w", p.ProductID, ErrTargetWeightTooHigh)
		}
		if p.TargetPrice.Gt(&c.Pricing.PriceDenominator) {
			return fmt.Errorf("genesis: product %d: %w", p.ProductID, ErrTargetPriceOutOfRange)
		}
		totalWeight += p.TargetWeight
		capacity.Products = append(capacity.Products, productConfig(p))
	}
	if totalWeight > state.MaxTotalWeight {
		return fmt.Errorf("genesis: %w", ErrTotalEffectiveWeightTooHigh)
	}
	return state.ValidateCapacityParams(capacity, c.Pricing.PriceDenominator)
}

func productConfig(p GenesisProduct) state.ProductConfig {
	return state.ProductConfig{
		ProductID:              p.ProductID,
		CapacityReductionRatio: p.CapacityReductionRatio,
		MinPrice:               p.MinPrice,
		UseFixedPrice:          p.UseFixedPrice,
	}
}

// newGenesisStore builds the store of a pool that has not seen any event yet.
func newGenesisStore(c Config) *state.Store {
	g := c.Genesis
	s := state.NewStore(state.Pool{
		PoolID:               g.PoolID,
		Manager:              g.Manager,
		CoverModule:          g.CoverModule,
		IsPrivate:            g.IsPrivate,
		PoolFeeRatio:         g.PoolFeeRatio,
		MaxPoolFeeRatio:      c.Pool.MaxPoolFeeRatio,
		LastAccUpdateTime:    g.Time,
		FirstActiveTrancheID: state.TrancheID(g.Time),
		FirstActiveBucketID:  state.BucketID(g.Time),
		GlobalCapacityRatio:  g.GlobalCapacityRatio,
		GlobalMinPrice:       g.GlobalMinPrice,
		NextPositionID:       1,
		NextAllocationID:     1,
		LastEventTime:        g.Time,
	})

	for _, p := range g.Products {
		s.Products.Put(p.ProductID, state.Product{
			TargetWeight:        p.TargetWeight,
			LastEffectiveWeight: p.TargetWeight,
			TargetPrice:         p.TargetPrice,
		})
		s.ProductConfigs.Put(p.ProductID, productConfig(p))
		s.Pool.TotalTargetWeight += p.TargetWeight
		s.Pool.TotalEffectiveWeight += p.TargetWeight
	}
	return s
}
