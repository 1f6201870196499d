package core

import (
	"fmt"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// QuoteRequest prices a hypothetical allocation at At without reserving it.
type QuoteRequest struct {
	ProductID   uint64      `json:"product_id"`
	Amount      uint256.Int `json:"amount"`
	Period      uint64      `json:"period"`
	GracePeriod uint64      `json:"grace_period"`
	At          uint64      `json:"at"`
}

type Quote struct {
	ProductID      uint64      `json:"product_id"`
	Amount         uint256.Int `json:"amount"`
	Premium        uint256.Int `json:"premium"`
	BasePrice      uint256.Int `json:"base_price"`
	FixedPrice     bool        `json:"fixed_price"`
	CapacityUnits  uint64      `json:"capacity_units"`
	UsedUnits      uint64      `json:"used_units"`
	AvailableUnits uint64      `json:"available_units"`
	At             uint64      `json:"at"`
}

// ProductCapacity is the per-product view of the active window.
type ProductCapacity struct {
	ProductID           uint64      `json:"product_id"`
	TargetWeight        uint64      `json:"target_weight"`
	LastEffectiveWeight uint64      `json:"last_effective_weight"`
	TargetPrice         uint256.Int `json:"target_price"`
	BasePrice           uint256.Int `json:"base_price"`
	CapacityUnits       uint64      `json:"capacity_units"`
	UsedUnits           uint64      `json:"used_units"`
	Available           uint256.Int `json:"available"`
}

// PositionTranche is one tranche of a position valued at a point in time.
type PositionTranche struct {
	TrancheID      uint64      `json:"tranche_id"`
	Expired        bool        `json:"expired"`
	StakeShares    uint256.Int `json:"stake_shares"`
	RewardsShares  uint256.Int `json:"rewards_shares"`
	Stake          uint256.Int `json:"stake"`
	PendingRewards uint256.Int `json:"pending_rewards"`
}

type PositionView struct {
	PositionID uint64            `json:"position_id"`
	Owner      string            `json:"owner"`
	Tranches   []PositionTranche `json:"tranches"`
	At         uint64            `json:"at"`
}

// simulate runs fn against the state as it would be at `at`, with elapsed
// expirations applied, and rolls everything back. Must run on the core
// goroutine between events.
func (c *Engine) simulate(at uint64, fn func(tx *txn) error) error {
	at = max(at, c.store.Pool.LastEventTime)
	tx := &txn{
		store:   c.store,
		pool:    &c.store.Pool,
		now:     at,
		pricing: c.pricing,
		params:  c.params,
	}
	c.store.Begin()
	defer c.store.Rollback()

	if err := tx.processExpirations(); err != nil {
		return fmt.Errorf("process expirations: %w", err)
	}
	return fn(tx)
}

// QuoteAllocation prices an allocation the way RequestAllocation would.
func (c *Engine) QuoteAllocation(req QuoteRequest) (Quote, error) {
	var q Quote
	err := c.simulate(req.At, func(tx *txn) error {
		q.At = tx.now
		product, ok := tx.store.Products.Get(req.ProductID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownProduct, req.ProductID)
		}
		units, err := fpmath.ToAllocationUnits(req.Amount)
		if err != nil {
			return err
		}
		if units == 0 {
			return ErrZeroAmount
		}

		plan, err := tx.planAllocation(req.ProductID, product.TargetWeight, units, req.Period, req.GracePeriod)
		if err != nil {
			return err
		}
		q.ProductID = req.ProductID
		q.Amount = fpmath.FromAllocationUnits(units)
		q.CapacityUnits = plan.totalCapacity()
		q.UsedUnits = plan.initialUsed()
		q.AvailableUnits = q.CapacityUnits - min(q.UsedUnits, q.CapacityUnits)
		q.FixedPrice = tx.store.ProductConfig(req.ProductID).UseFixedPrice

		if q.FixedPrice {
			q.BasePrice = product.TargetPrice
		} else if q.BasePrice, err = tx.pricing.BasePrice(product.BumpedPrice, product.TargetPrice, product.BumpedPriceUpdateTime, tx.now); err != nil {
			return err
		}
		q.Premium, err = tx.chargePremium(req.ProductID, &product, units, q.UsedUnits, q.CapacityUnits, req.Period)
		return err
	})
	return q, err
}

// ProductCapacities reports every product's capacity over the whole active
// window at `at`, sorted by product id.
func (c *Engine) ProductCapacities(at uint64) ([]ProductCapacity, error) {
	var out []ProductCapacity
	err := c.simulate(at, func(tx *txn) error {
		for _, id := range tx.store.Products.Keys(state.CompareUint64) {
			product, _ := tx.store.Products.Get(id)
			caps, err := tx.trancheCapacities(id, product.TargetWeight)
			if err != nil {
				return err
			}
			used := tx.activeAllocations(id)

			pc := ProductCapacity{
				ProductID:           id,
				TargetWeight:        product.TargetWeight,
				LastEffectiveWeight: product.LastEffectiveWeight,
				TargetPrice:         product.TargetPrice,
				CapacityUnits:       caps.sumFrom(0),
				UsedUnits:           used.sumFrom(0),
			}
			if tx.store.ProductConfig(id).UseFixedPrice {
				pc.BasePrice = product.TargetPrice
			} else if pc.BasePrice, err = tx.pricing.BasePrice(product.BumpedPrice, product.TargetPrice, product.BumpedPriceUpdateTime, tx.now); err != nil {
				return err
			}
			if pc.CapacityUnits > pc.UsedUnits {
				pc.Available = fpmath.FromAllocationUnits(pc.CapacityUnits - pc.UsedUnits)
			}
			out = append(out, pc)
		}
		return nil
	})
	return out, err
}

// DescribePosition values every tranche of a position at `at`: stake is the
// pro-rata share of the tranche (frozen at expiry for expired tranches).
func (c *Engine) DescribePosition(positionID, at uint64) (PositionView, error) {
	view := PositionView{PositionID: positionID}
	err := c.simulate(at, func(tx *txn) error {
		view.At = tx.now
		owner, ok := tx.store.Owner(positionID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownPosition, positionID)
		}
		view.Owner = owner.String()

		for _, key := range tx.store.Positions.Keys(state.ComparePositionKey) {
			if key.PositionID != positionID {
				continue
			}
			pos, _ := tx.store.Positions.Get(key)
			pt := PositionTranche{
				TrancheID:     key.TrancheID,
				Expired:       key.TrancheID < tx.pool.FirstActiveTrancheID,
				StakeShares:   pos.StakeShares,
				RewardsShares: pos.RewardsShares,
			}

			acc := tx.pool.AccNxmPerRewardsShare
			var err error
			if pt.Expired {
				expired, ok := tx.store.ExpiredTranches.Get(key.TrancheID)
				if ok {
					acc = expired.AccNxmPerRewardShareAtExpiry
					if !pos.StakeShares.IsZero() {
						pt.Stake, err = fpmath.MulDiv(expired.StakeAmountAtExpiry, pos.StakeShares, expired.StakeSharesSupplyAtExpiry, fpmath.RoundDown)
					}
				}
			} else if !pos.StakeShares.IsZero() {
				pt.Stake, err = fpmath.MulDiv(tx.pool.ActiveStake, pos.StakeShares, tx.pool.StakeSharesSupply, fpmath.RoundDown)
			}
			if err != nil {
				return err
			}
			if pt.PendingRewards, err = PendingRewards(pos, acc); err != nil {
				return err
			}
			view.Tranches = append(view.Tranches, pt)
		}
		return nil
	})
	return view, err
}
