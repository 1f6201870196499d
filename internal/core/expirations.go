package core

import (
	"fmt"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"
)

// processExpirations walks buckets and tranches from the first active ones up
// to now, in time order. Cost is bounded by the time elapsed since the last
// operation; with no elapsed time it only settles the accumulator, which is
// then a no-op.
func (tx *txn) processExpirations() error {
	p := tx.pool
	currentBucketID := state.BucketID(tx.now)
	currentTrancheID := state.TrancheID(tx.now)

	for p.FirstActiveBucketID < currentBucketID || p.FirstActiveTrancheID < currentTrancheID {
		canExpireBucket := p.FirstActiveBucketID < currentBucketID
		canExpireTranche := p.FirstActiveTrancheID < currentTrancheID
		nextBucketStart := state.BucketExpiryTime(p.FirstActiveBucketID + 1)
		nextTrancheStart := state.TrancheEnd(p.FirstActiveTrancheID)

		// Buckets ending at or before the tranche boundary go first.
		if canExpireBucket && (!canExpireTranche || nextBucketStart <= nextTrancheStart) {
			p.FirstActiveBucketID++
			if err := tx.updateAccumulator(nextBucketStart); err != nil {
				return err
			}
			if err := tx.expireBucket(p.FirstActiveBucketID); err != nil {
				return fmt.Errorf("expire bucket %d: %w", p.FirstActiveBucketID, err)
			}
			continue
		}

		if err := tx.updateAccumulator(nextTrancheStart); err != nil {
			return err
		}
		if err := tx.expireTranche(p.FirstActiveTrancheID); err != nil {
			return fmt.Errorf("expire tranche %d: %w", p.FirstActiveTrancheID, err)
		}
		p.FirstActiveTrancheID++
	}

	return tx.updateAccumulator(tx.now)
}

// updateAccumulator streams rewards up to t:
// acc += elapsed * rewardPerSecond * 1e18 / rewardsSharesSupply.
func (tx *txn) updateAccumulator(t uint64) error {
	p := tx.pool
	if t <= p.LastAccUpdateTime {
		return nil
	}
	elapsed := t - p.LastAccUpdateTime
	p.LastAccUpdateTime = t

	if p.RewardsSharesSupply.IsZero() || p.RewardPerSecond.IsZero() {
		return nil
	}
	streamed, err := fpmath.Mul(fpmath.U64(elapsed), p.RewardPerSecond)
	if err != nil {
		return err
	}
	delta, err := fpmath.MulDiv(streamed, fpmath.OneNXM, p.RewardsSharesSupply, fpmath.RoundDown)
	if err != nil {
		return err
	}
	p.AccNxmPerRewardsShare, err = fpmath.Add(p.AccNxmPerRewardsShare, delta)
	return err
}

// expireBucket stops the reward streams ending with the bucket and removes
// every product's expiring units from the live group counters.
func (tx *txn) expireBucket(bucketID uint64) error {
	p := tx.pool
	if cut, ok := tx.store.RewardCuts.Get(bucketID); ok {
		rps, err := fpmath.Sub(p.RewardPerSecond, cut)
		if err != nil {
			return fmt.Errorf("reward cut: %w", err)
		}
		p.RewardPerSecond = rps
		tx.store.RewardCuts.Delete(bucketID)
	}

	refs, _ := tx.store.ExpiryIndex.Get(bucketID)
	for _, ref := range refs {
		expKey := state.ExpiryKey{ProductID: ref.ProductID, BucketID: bucketID, GroupID: ref.GroupID}
		expiring, ok := tx.store.Expiring.Get(expKey)
		if !ok {
			continue
		}
		groupKey := state.GroupKey{ProductID: ref.ProductID, GroupID: ref.GroupID}
		group, _ := tx.store.Groups.Get(groupKey)
		for slot := range expiring {
			var err error
			if group, err = group.Sub(slot, expiring.Get(slot)); err != nil {
				return fmt.Errorf("product %d group %d: %w", ref.ProductID, ref.GroupID, err)
			}
		}
		tx.putGroup(groupKey, group)
		tx.store.Expiring.Delete(expKey)
	}
	tx.store.ExpiryIndex.Delete(bucketID)
	tx.expiredBuckets++
	return nil
}

// expireTranche retires a tranche: freezes what its positions can still claim
// and removes its stake and shares from the pool totals.
func (tx *txn) expireTranche(trancheID uint64) error {
	p := tx.pool
	tranche, ok := tx.store.Tranches.Get(trancheID)
	if !ok {
		return nil
	}

	tx.store.ExpiredTranches.Put(trancheID, state.ExpiredTranche{
		AccNxmPerRewardShareAtExpiry: p.AccNxmPerRewardsShare,
		StakeAmountAtExpiry:          p.ActiveStake,
		StakeSharesSupplyAtExpiry:    p.StakeSharesSupply,
	})

	expiredStake, err := tx.trancheStake(tranche)
	if err != nil {
		return err
	}
	if p.ActiveStake, err = fpmath.Sub(p.ActiveStake, expiredStake); err != nil {
		return err
	}
	if p.StakeSharesSupply, err = fpmath.Sub(p.StakeSharesSupply, tranche.StakeShares); err != nil {
		return err
	}
	if p.RewardsSharesSupply, err = fpmath.Sub(p.RewardsSharesSupply, tranche.RewardsShares); err != nil {
		return err
	}
	tx.store.Tranches.Delete(trancheID)
	tx.expiredTranches++

	// The last share diluted by a halting burn is gone; fresh deposits start
	// from an empty pool.
	if p.IsHalted && p.StakeSharesSupply.IsZero() {
		p.IsHalted = false
	}
	return nil
}

func (tx *txn) putGroup(key state.GroupKey, units state.TrancheUnits) {
	if units.IsZero() {
		tx.store.Groups.Delete(key)
		return
	}
	tx.store.Groups.Put(key, units)
}
