package event

import (
	"github.com/holiman/uint256"
)

// ProductConfig is the registry-side configuration of a product.
type ProductConfig struct {
	ProductID              uint64      `json:"product_id"`
	CapacityReductionRatio uint64      `json:"capacity_reduction_ratio"`
	MinPrice               uint256.Int `json:"min_price"`
	UseFixedPrice          bool        `json:"use_fixed_price"`
}

// CapacityParamsUpdated carries new capacity ratios from the product registry.
// Products not listed keep their configuration.
type CapacityParamsUpdated struct {
	Header
	GlobalCapacityRatio uint64          `json:"global_capacity_ratio"`
	GlobalMinPrice      uint256.Int     `json:"global_min_price"`
	Products            []ProductConfig `json:"products"`
}

func (c *CapacityParamsUpdated) EventType() EventType { return EventTypeCapacityParamsUpdated }
