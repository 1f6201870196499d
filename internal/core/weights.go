package core

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"
)

// effectiveWeight is the weight a product actually occupies:
// max(targetWeight, ceil(activeUnits * 100 / capacityAtFullWeight)).
func (tx *txn) effectiveWeight(productID uint64, product state.Product) (uint64, error) {
	atFull, err := tx.trancheCapacities(productID, state.WeightDenominator)
	if err != nil {
		return 0, err
	}
	capacity := atFull.sumFrom(0)
	active := tx.activeAllocations(productID).sumFrom(0)

	var actual uint64
	switch {
	case active == 0:
	case capacity == 0:
		actual = state.MaxEffectiveWeight
	default:
		w, err := fpmath.MulDiv64(fpmath.U64(active), state.WeightDenominator, capacity, fpmath.RoundUp)
		if err != nil {
			return 0, err
		}
		if actual, err = fpmath.ToUint64(w); err != nil {
			return 0, err
		}
		actual = min(actual, state.MaxEffectiveWeight)
	}
	return max(product.TargetWeight, actual), nil
}

// recalculateAll refreshes every product's effective weight and the pool totals.
func (tx *txn) recalculateAll() error {
	var totalEffective, totalTarget uint64
	for _, id := range tx.store.Products.Keys(state.CompareUint64) {
		product, _ := tx.store.Products.Get(id)
		w, err := tx.effectiveWeight(id, product)
		if err != nil {
			return err
		}
		if product.LastEffectiveWeight != w {
			product.LastEffectiveWeight = w
			tx.store.Products.Put(id, product)
		}
		totalEffective += w
		totalTarget += product.TargetWeight
	}
	tx.pool.TotalEffectiveWeight = totalEffective
	tx.pool.TotalTargetWeight = totalTarget
	return nil
}
