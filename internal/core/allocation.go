package core

import (
	"fmt"
	"math/bits"

	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// window holds one value per active tranche, index 0 being the first active
// tranche.
type window [state.MaxActiveTranches]uint64

func (w window) sumFrom(i int) uint64 {
	var total uint64
	for ; i < len(w); i++ {
		total += w[i]
	}
	return total
}

// trancheCapacities returns, per active tranche, the allocation units a
// product may use at the given weight:
//
//	stake * globalCapacityRatio * weight * (1 - reduction) / NXMPerAllocationUnit
func (tx *txn) trancheCapacities(productID, weight uint64) (window, error) {
	var caps window
	p := tx.pool
	if p.StakeSharesSupply.IsZero() || weight == 0 {
		return caps, nil
	}
	cfg := tx.store.ProductConfig(productID)
	if cfg.CapacityReductionRatio > state.CapacityReductionDenominator {
		return caps, fmt.Errorf("product %d capacity reduction: %w", productID, ErrOverflow)
	}
	factor, err := fpmath.Mul(fpmath.U64(p.GlobalCapacityRatio), fpmath.U64(weight))
	if err != nil {
		return caps, err
	}
	if factor, err = fpmath.Mul(factor, fpmath.U64(state.CapacityReductionDenominator-cfg.CapacityReductionRatio)); err != nil {
		return caps, err
	}

	denominator, err := fpmath.Mul(
		fpmath.U64(state.GlobalCapacityDenominator*state.WeightDenominator*state.CapacityReductionDenominator),
		fpmath.NXMPerAllocationUnit,
	)
	if err != nil {
		return caps, err
	}

	for i := range caps {
		tranche, ok := tx.store.Tranches.Get(p.FirstActiveTrancheID + uint64(i))
		if !ok {
			continue
		}
		stake, err := tx.trancheStake(tranche)
		if err != nil {
			return caps, err
		}
		units, err := fpmath.MulDiv(stake, factor, denominator, fpmath.RoundDown)
		if err != nil {
			return caps, err
		}
		if caps[i], err = fpmath.ToUint64(units); err != nil {
			return caps, err
		}
	}
	return caps, nil
}

// addTime adds durations to a timestamp, failing instead of wrapping.
func addTime(t uint64, durations ...uint64) (uint64, error) {
	for _, d := range durations {
		sum, carry := bits.Add64(t, d, 0)
		if carry != 0 {
			return 0, fmt.Errorf("time %d + %d: %w", t, d, ErrOverflow)
		}
		t = sum
	}
	return t, nil
}

// activeAllocations reads a product's live units per active tranche.
func (tx *txn) activeAllocations(productID uint64) window {
	var used window
	for i := range used {
		groupID, slot := state.GroupOf(tx.pool.FirstActiveTrancheID + uint64(i))
		group, _ := tx.store.Groups.Get(state.GroupKey{ProductID: productID, GroupID: groupID})
		used[i] = group.Get(slot)
	}
	return used
}

// requestAllocation reserves capacity for a cover and prices it. Editing an
// allocation releases its old footprint first, in the same transaction.
func (tx *txn) requestAllocation(evt *event.AllocationRequested) error {
	p := tx.pool
	if err := tx.requireCoverModule(); err != nil {
		return err
	}
	if err := tx.requireNotHalted(); err != nil {
		return err
	}
	product, ok := tx.store.Products.Get(evt.ProductID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProduct, evt.ProductID)
	}

	units, err := fpmath.ToAllocationUnits(evt.Amount)
	if err != nil {
		return err
	}

	allocationID := evt.PreviousAllocationID
	if allocationID != 0 {
		previous, ok := tx.store.Allocations.Get(allocationID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownAllocation, allocationID)
		}
		if previous.ProductID != evt.ProductID {
			return fmt.Errorf("%w: allocation %d is for product %d", ErrAllocationMismatch, allocationID, previous.ProductID)
		}
		if err := tx.releaseAllocation(allocationID, previous, previous.TotalUnits()); err != nil {
			return err
		}
		if units == 0 {
			tx.receipt.AllocationID = allocationID
			return nil
		}
	} else {
		if units == 0 {
			return ErrZeroAmount
		}
		if p.NextAllocationID == 0 {
			p.NextAllocationID++
		}
		allocationID = p.NextAllocationID
		p.NextAllocationID++
	}

	plan, err := tx.planAllocation(evt.ProductID, product.TargetWeight, units, evt.Period, evt.GracePeriod)
	if err != nil {
		return err
	}

	premium, err := tx.chargePremium(evt.ProductID, &product, units, plan.initialUsed(), plan.totalCapacity(), evt.Period)
	if err != nil {
		return err
	}
	tx.store.Products.Put(evt.ProductID, product)

	coverEnd, err := addTime(tx.now, evt.Period)
	if err != nil {
		return err
	}
	// Never index into the bucket already processed, or the units would never expire.
	expiryBucketID := max(state.ExpiryBucketID(coverEnd), p.FirstActiveBucketID+1)
	for i, u := range plan.fill {
		if u == 0 {
			continue
		}
		if err := tx.addActiveUnits(evt.ProductID, p.FirstActiveTrancheID+uint64(i), expiryBucketID, uint64(u)); err != nil {
			return err
		}
	}

	rewardPerSecond, err := tx.startRewardStream(premium, expiryBucketID)
	if err != nil {
		return err
	}

	tx.store.Allocations.Put(allocationID, state.Allocation{
		ProductID:       evt.ProductID,
		Start:           tx.now,
		Period:          evt.Period,
		GracePeriod:     evt.GracePeriod,
		FirstTrancheID:  p.FirstActiveTrancheID,
		Units:           plan.fill,
		ExpiryBucketID:  expiryBucketID,
		RewardPerSecond: rewardPerSecond,
		Premium:         premium,
	})

	tx.receipt.AllocationID = allocationID
	tx.receipt.Premium = premium
	return nil
}

// allocationPlan is where an allocation would land in the active window.
type allocationPlan struct {
	firstEligible int
	capacities    window
	used          window
	fill          state.TrancheUnits
}

func (a allocationPlan) initialUsed() uint64   { return a.used.sumFrom(a.firstEligible) }
func (a allocationPlan) totalCapacity() uint64 { return a.capacities.sumFrom(a.firstEligible) }

// planAllocation fills the earliest eligible tranches first. Eligible
// tranches end no earlier than the cover plus its grace period; any
// shortfall fails the whole request.
func (tx *txn) planAllocation(productID, weight, units, period, gracePeriod uint64) (allocationPlan, error) {
	plan := allocationPlan{firstEligible: -1}
	p := tx.pool

	// Capital must stay locked for as long as the cover it backs can be claimed.
	coverEnd, err := addTime(tx.now, period, gracePeriod)
	if err != nil {
		return plan, err
	}
	for i := 0; i < state.MaxActiveTranches; i++ {
		if state.TrancheEnd(p.FirstActiveTrancheID+uint64(i)) >= coverEnd {
			plan.firstEligible = i
			break
		}
	}
	if plan.firstEligible < 0 {
		return plan, fmt.Errorf("%w: no active tranche outlives the cover", ErrInsufficientCapacity)
	}

	if plan.capacities, err = tx.trancheCapacities(productID, weight); err != nil {
		return plan, err
	}
	plan.used = tx.activeAllocations(productID)

	remaining := units
	for i := plan.firstEligible; i < state.MaxActiveTranches && remaining > 0; i++ {
		if plan.capacities[i] <= plan.used[i] {
			continue
		}
		take := min(plan.capacities[i]-plan.used[i], remaining)
		if plan.fill[i], err = fpmath.CheckedUnits(take); err != nil {
			return plan, err
		}
		remaining -= take
	}
	if remaining > 0 {
		return plan, fmt.Errorf("%w: product %d short by %d of %d units", ErrInsufficientCapacity, productID, remaining, units)
	}
	return plan, nil
}

// chargePremium quotes the allocation and bumps the product price. Fixed-price
// products pay their target price and never move.
func (tx *txn) chargePremium(productID uint64, product *state.Product, units, initialUsed, totalCapacity, period uint64) (uint256.Int, error) {
	if tx.store.ProductConfig(productID).UseFixedPrice {
		return tx.pricing.FixedPremium(product.TargetPrice, units, period)
	}

	basePrice, err := tx.pricing.BasePrice(product.BumpedPrice, product.TargetPrice, product.BumpedPriceUpdateTime, tx.now)
	if err != nil {
		return uint256.Int{}, err
	}
	quote, err := tx.pricing.CalculatePremium(pricing.PremiumRequest{
		BasePrice:           basePrice,
		CoverAmount:         units,
		InitialCapacityUsed: initialUsed,
		TotalCapacity:       totalCapacity,
		Period:              period,
	})
	if err != nil {
		return uint256.Int{}, err
	}
	if product.BumpedPrice, err = tx.pricing.BumpedPrice(basePrice, units, totalCapacity); err != nil {
		return uint256.Int{}, err
	}
	product.BumpedPriceUpdateTime = tx.now
	return quote.Total, nil
}

func (tx *txn) addActiveUnits(productID, trancheID, bucketID, units uint64) error {
	groupID, slot := state.GroupOf(trancheID)

	groupKey := state.GroupKey{ProductID: productID, GroupID: groupID}
	group, _ := tx.store.Groups.Get(groupKey)
	group, err := group.Add(slot, units)
	if err != nil {
		return fmt.Errorf("product %d tranche %d: %w", productID, trancheID, err)
	}
	tx.store.Groups.Put(groupKey, group)

	expKey := state.ExpiryKey{ProductID: productID, BucketID: bucketID, GroupID: groupID}
	expiring, _ := tx.store.Expiring.Get(expKey)
	if expiring, err = expiring.Add(slot, units); err != nil {
		return fmt.Errorf("product %d bucket %d: %w", productID, bucketID, err)
	}
	tx.store.Expiring.Put(expKey, expiring)
	tx.store.IndexExpiry(bucketID, state.GroupRef{ProductID: productID, GroupID: groupID})
	return nil
}

func (tx *txn) removeActiveUnits(productID, trancheID, bucketID, units uint64) error {
	groupID, slot := state.GroupOf(trancheID)

	groupKey := state.GroupKey{ProductID: productID, GroupID: groupID}
	group, _ := tx.store.Groups.Get(groupKey)
	group, err := group.Sub(slot, units)
	if err != nil {
		return fmt.Errorf("product %d tranche %d: %w", productID, trancheID, err)
	}
	tx.putGroup(groupKey, group)

	expKey := state.ExpiryKey{ProductID: productID, BucketID: bucketID, GroupID: groupID}
	expiring, _ := tx.store.Expiring.Get(expKey)
	if expiring, err = expiring.Sub(slot, units); err != nil {
		return fmt.Errorf("product %d bucket %d: %w", productID, bucketID, err)
	}
	if expiring.IsZero() {
		tx.store.Expiring.Delete(expKey)
	} else {
		tx.store.Expiring.Put(expKey, expiring)
	}
	return nil
}

// startRewardStream mints the stakers' share of a premium and streams it per
// second until the expiry bucket is processed.
func (tx *txn) startRewardStream(premium uint256.Int, expiryBucketID uint64) (uint256.Int, error) {
	p := tx.pool
	reward, err := fpmath.MulDiv64(premium, tx.params.RewardsRatio, state.RewardsDenominator, fpmath.RoundDown)
	if err != nil || reward.IsZero() {
		return uint256.Int{}, err
	}
	duration := state.BucketExpiryTime(expiryBucketID) - tx.now
	rewardPerSecond, err := fpmath.Div(reward, fpmath.U64(duration), fpmath.RoundDown)
	if err != nil || rewardPerSecond.IsZero() {
		return uint256.Int{}, err
	}

	if p.RewardPerSecond, err = fpmath.Add(p.RewardPerSecond, rewardPerSecond); err != nil {
		return uint256.Int{}, err
	}
	cut, _ := tx.store.RewardCuts.Get(expiryBucketID)
	if cut, err = fpmath.Add(cut, rewardPerSecond); err != nil {
		return uint256.Int{}, err
	}
	tx.store.RewardCuts.Put(expiryBucketID, cut)

	streamed, err := fpmath.Mul(rewardPerSecond, fpmath.U64(duration))
	if err != nil {
		return uint256.Int{}, err
	}
	tx.journals.RewardMint(tx.batch, streamed)
	return rewardPerSecond, nil
}

// releaseAllocation removes units from an allocation, latest tranche first,
// and scales its reward stream down in proportion. If the expiry bucket was
// already processed the live counters no longer hold the units and only the
// record shrinks.
func (tx *txn) releaseAllocation(allocationID uint64, alloc state.Allocation, units uint64) error {
	p := tx.pool
	total := alloc.TotalUnits()
	units = min(units, total)
	if units == 0 {
		return nil
	}

	var removed state.TrancheUnits
	left := units
	for i := state.MaxActiveTranches - 1; i >= 0 && left > 0; i-- {
		take := min(alloc.Units.Get(i), left)
		removed[i] = uint32(take)
		left -= take
	}

	bucketLive := alloc.ExpiryBucketID > p.FirstActiveBucketID
	for i, u := range removed {
		if u == 0 {
			continue
		}
		var err error
		if alloc.Units, err = alloc.Units.Sub(i, uint64(u)); err != nil {
			return err
		}
		if bucketLive {
			if err := tx.removeActiveUnits(alloc.ProductID, alloc.FirstTrancheID+uint64(i), alloc.ExpiryBucketID, uint64(u)); err != nil {
				return err
			}
		}
	}

	if bucketLive && !alloc.RewardPerSecond.IsZero() {
		if err := tx.shrinkRewardStream(&alloc, total-units, total); err != nil {
			return err
		}
	}

	if alloc.Units.IsZero() {
		tx.store.Allocations.Delete(allocationID)
	} else {
		tx.store.Allocations.Put(allocationID, alloc)
	}
	return nil
}

// shrinkRewardStream scales an allocation's stream to left/total and burns
// what will no longer be streamed.
func (tx *txn) shrinkRewardStream(alloc *state.Allocation, left, total uint64) error {
	p := tx.pool
	newRate, err := fpmath.MulDiv64(alloc.RewardPerSecond, left, total, fpmath.RoundDown)
	if err != nil {
		return err
	}
	cutBy := fpmath.SubFloor(alloc.RewardPerSecond, newRate)
	if cutBy.IsZero() {
		return nil
	}

	if p.RewardPerSecond, err = fpmath.Sub(p.RewardPerSecond, cutBy); err != nil {
		return err
	}
	cut, _ := tx.store.RewardCuts.Get(alloc.ExpiryBucketID)
	if cut, err = fpmath.Sub(cut, cutBy); err != nil {
		return err
	}
	if cut.IsZero() {
		tx.store.RewardCuts.Delete(alloc.ExpiryBucketID)
	} else {
		tx.store.RewardCuts.Put(alloc.ExpiryBucketID, cut)
	}

	unstreamed, err := fpmath.Mul(cutBy, fpmath.U64(state.BucketExpiryTime(alloc.ExpiryBucketID)-tx.now))
	if err != nil {
		return err
	}
	tx.journals.RewardBurn(tx.batch, unstreamed)
	alloc.RewardPerSecond = newRate
	return nil
}

// deallocate releases capacity of a cover. Releasing an allocation that is
// already gone is a no-op.
func (tx *txn) deallocate(params event.DeallocationParams) error {
	alloc, ok := tx.store.Allocations.Get(params.AllocationID)
	if !ok {
		if params.AllocationID != 0 && params.AllocationID < tx.pool.NextAllocationID {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrUnknownAllocation, params.AllocationID)
	}
	if alloc.ProductID != params.ProductID || alloc.Start != params.Start || alloc.Period != params.Period {
		return fmt.Errorf("%w: allocation %d", ErrAllocationMismatch, params.AllocationID)
	}

	units := alloc.TotalUnits()
	if !params.Amount.IsZero() {
		var err error
		if units, err = fpmath.ToAllocationUnits(params.Amount); err != nil {
			return err
		}
	}
	tx.receipt.AllocationID = params.AllocationID
	return tx.releaseAllocation(params.AllocationID, alloc, units)
}

func (tx *txn) handleDeallocation(evt *event.DeallocationRequested) error {
	if err := tx.requireCoverModule(); err != nil {
		return err
	}
	return tx.deallocate(evt.DeallocationParams)
}
