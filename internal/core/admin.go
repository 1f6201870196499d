package core

import (
	"fmt"

	"PoolLedger/internal/event"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// setProducts applies the manager's per-product weight and price changes and
// rejects the whole set if the pool ends up over-weighted.
func (tx *txn) setProducts(evt *event.ProductsUpdated) error {
	if err := tx.requireManager(); err != nil {
		return err
	}

	for _, params := range evt.Products {
		product, exists := tx.store.Products.Get(params.ProductID)
		if !exists {
			if !params.SetTargetWeight || !params.SetTargetPrice {
				return fmt.Errorf("%w: product %d", ErrNewProductNeedsTargetWeight, params.ProductID)
			}
			if tx.store.Products.Len() >= tx.params.MaxProductsCount {
				return fmt.Errorf("%w: limit is %d", ErrTooManyProducts, tx.params.MaxProductsCount)
			}
		}

		if params.SetTargetWeight {
			if params.TargetWeight > state.WeightDenominator {
				return fmt.Errorf("%w: product %d weight %d", ErrTargetWeightTooHigh, params.ProductID, params.TargetWeight)
			}
			product.TargetWeight = params.TargetWeight
		}

		if params.SetTargetPrice {
			minPrice := tx.minPrice(params.ProductID)
			if params.TargetPrice.Lt(&minPrice) || params.TargetPrice.Gt(&tx.pricing.PriceDenominator) {
				return fmt.Errorf("%w: product %d price %s, min %s", ErrTargetPriceOutOfRange,
					params.ProductID, params.TargetPrice.Dec(), minPrice.Dec())
			}
			product.TargetPrice = params.TargetPrice
		}

		if params.RecalculateEffectiveWeight || params.SetTargetWeight {
			w, err := tx.effectiveWeight(params.ProductID, product)
			if err != nil {
				return err
			}
			product.LastEffectiveWeight = w
		}
		tx.store.Products.Put(params.ProductID, product)
	}

	var totalEffective, totalTarget uint64
	for _, id := range tx.store.Products.Keys(state.CompareUint64) {
		product, _ := tx.store.Products.Get(id)
		totalEffective += product.LastEffectiveWeight
		totalTarget += product.TargetWeight
	}
	if totalEffective > state.MaxTotalWeight {
		return fmt.Errorf("%w: %d > %d", ErrTotalEffectiveWeightTooHigh, totalEffective, state.MaxTotalWeight)
	}
	tx.pool.TotalEffectiveWeight = totalEffective
	tx.pool.TotalTargetWeight = totalTarget
	return nil
}

// minPrice is the lowest target price a product may be set to.
func (tx *txn) minPrice(productID uint64) uint256.Int {
	if cfg := tx.store.ProductConfig(productID); !cfg.MinPrice.IsZero() {
		return cfg.MinPrice
	}
	if !tx.pool.GlobalMinPrice.IsZero() {
		return tx.pool.GlobalMinPrice
	}
	return tx.params.DefaultMinPrice
}

// setPoolFee changes the manager fee. Fee positions of every active tranche
// are settled at the old fee and re-derived at the new one.
func (tx *txn) setPoolFee(evt *event.PoolFeeChanged) error {
	p := tx.pool
	if err := tx.requireManager(); err != nil {
		return err
	}
	if evt.NewFee > p.MaxPoolFeeRatio {
		return fmt.Errorf("%w: %d > %d", ErrPoolFeeTooHigh, evt.NewFee, p.MaxPoolFeeRatio)
	}
	p.PoolFeeRatio = evt.NewFee

	for id := p.FirstActiveTrancheID; id <= tx.lastActiveTrancheID(); id++ {
		if _, ok := tx.store.Tranches.Get(id); !ok {
			continue
		}
		if err := tx.updateFeePosition(id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txn) setPoolPrivacy(evt *event.PoolPrivacyChanged) error {
	if err := tx.requireManager(); err != nil {
		return err
	}
	tx.pool.IsPrivate = evt.IsPrivate
	return nil
}

// updateCapacityParams stores ratios pushed by the product registry.
func (tx *txn) updateCapacityParams(evt *event.CapacityParamsUpdated) error {
	if err := tx.requireCoverModule(); err != nil {
		return err
	}
	params := state.CapacityParams{
		GlobalCapacityRatio: evt.GlobalCapacityRatio,
		GlobalMinPrice:      evt.GlobalMinPrice,
	}
	for _, pc := range evt.Products {
		params.Products = append(params.Products, state.ProductConfig(pc))
	}
	if err := state.ValidateCapacityParams(params, tx.pricing.PriceDenominator); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapacityParams, err)
	}

	tx.pool.GlobalCapacityRatio = params.GlobalCapacityRatio
	tx.pool.GlobalMinPrice = params.GlobalMinPrice
	for _, pc := range params.Products {
		tx.store.ProductConfigs.Put(pc.ProductID, pc)
	}
	return nil
}

// fundWallet credits a member wallet with collateral entering the book.
func (tx *txn) fundWallet(evt *event.WalletFunded) error {
	if err := tx.requireCoverModule(); err != nil {
		return err
	}
	if evt.Amount.IsZero() {
		return ErrZeroAmount
	}
	tx.journals.Funding(tx.batch, evt.Member, evt.Amount)
	return nil
}
