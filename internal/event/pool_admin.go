package event

import (
	"github.com/holiman/uint256"
)

// EffectiveWeightsRecalculation may be submitted by anyone.
type EffectiveWeightsRecalculation struct {
	Header
	PoolID uint64 `json:"pool_id"`
}

func (e *EffectiveWeightsRecalculation) EventType() EventType {
	return EventTypeEffectiveWeightsRecalculation
}

type PoolPrivacyChanged struct {
	Header
	IsPrivate bool `json:"is_private"`
}

func (p *PoolPrivacyChanged) EventType() EventType { return EventTypePoolPrivacyChanged }

type PoolFeeChanged struct {
	Header
	NewFee uint64 `json:"new_fee"`
}

func (p *PoolFeeChanged) EventType() EventType { return EventTypePoolFeeChanged }

// ProductParams changes one product of the pool. Only fields whose Set flag
// is true are applied.
type ProductParams struct {
	ProductID                  uint64      `json:"product_id"`
	RecalculateEffectiveWeight bool        `json:"recalculate_effective_weight"`
	SetTargetWeight            bool        `json:"set_target_weight"`
	TargetWeight               uint64      `json:"target_weight"`
	SetTargetPrice             bool        `json:"set_target_price"`
	TargetPrice                uint256.Int `json:"target_price"`
}

type ProductsUpdated struct {
	Header
	Products []ProductParams `json:"products"`
}

func (p *ProductsUpdated) EventType() EventType { return EventTypeProductsUpdated }

// ExpirationsProcessed is the keeper tick: it only runs expiry processing.
type ExpirationsProcessed struct {
	Header
}

func (e *ExpirationsProcessed) EventType() EventType { return EventTypeExpirationsProcessed }
