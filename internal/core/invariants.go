package core

import (
	"fmt"

	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// CheckPoolTotals verifies that pool supplies equal the sum of the active
// tranches and that the stake vault holds at least the active stake. It
// touches at most MaxActiveTranches rows and runs after every event.
func CheckPoolTotals(s *state.Store, book *ledger.Book) error {
	p := &s.Pool
	var stakeShares, rewardShares uint256.Int
	for _, id := range s.Tranches.Keys(state.CompareUint64) {
		if id < p.FirstActiveTrancheID {
			return fmt.Errorf("tranche %d is expired but still active", id)
		}
		t, _ := s.Tranches.Get(id)
		stakeShares.Add(&stakeShares, &t.StakeShares)
		rewardShares.Add(&rewardShares, &t.RewardsShares)
	}
	if stakeShares != p.StakeSharesSupply {
		return fmt.Errorf("stake shares: tranches %s, supply %s", stakeShares.Dec(), p.StakeSharesSupply.Dec())
	}
	if rewardShares != p.RewardsSharesSupply {
		return fmt.Errorf("reward shares: tranches %s, supply %s", rewardShares.Dec(), p.RewardsSharesSupply.Dec())
	}
	if p.StakeSharesSupply.IsZero() && !p.ActiveStake.IsZero() && !p.IsHalted {
		return fmt.Errorf("active stake %s without shares", p.ActiveStake.Dec())
	}
	if book != nil {
		if err := book.ValidateVaultCovers(p.PoolID, ledger.SubTypeStakeVault, p.ActiveStake); err != nil {
			return err
		}
	}
	return nil
}

// CheckConservation verifies that every tranche's shares are exactly the sum
// of its positions, the manager fee position included, and that the live
// allocation counters match the allocations not yet expired. It walks the
// whole store.
func CheckConservation(s *state.Store) error {
	type sums struct{ stake, reward uint256.Int }
	byTranche := make(map[uint64]*sums)
	for _, key := range s.Positions.Keys(state.ComparePositionKey) {
		if key.TrancheID < s.Pool.FirstActiveTrancheID {
			continue
		}
		pos, _ := s.Positions.Get(key)
		acc, ok := byTranche[key.TrancheID]
		if !ok {
			acc = &sums{}
			byTranche[key.TrancheID] = acc
		}
		acc.stake.Add(&acc.stake, &pos.StakeShares)
		acc.reward.Add(&acc.reward, &pos.RewardsShares)
	}

	for _, id := range s.Tranches.Keys(state.CompareUint64) {
		t, _ := s.Tranches.Get(id)
		acc := byTranche[id]
		if acc == nil {
			acc = &sums{}
		}
		if acc.stake != t.StakeShares || acc.reward != t.RewardsShares {
			return fmt.Errorf("tranche %d: positions hold %s/%s, tranche %s/%s", id,
				acc.stake.Dec(), acc.reward.Dec(), t.StakeShares.Dec(), t.RewardsShares.Dec())
		}
		delete(byTranche, id)
	}
	for id, acc := range byTranche {
		if !acc.stake.IsZero() || !acc.reward.IsZero() {
			return fmt.Errorf("positions in tranche %d which has no totals", id)
		}
	}

	return checkAllocationCounters(s)
}

func checkAllocationCounters(s *state.Store) error {
	live := make(map[state.GroupKey]state.TrancheUnits)
	for _, id := range s.Allocations.Keys(state.CompareUint64) {
		alloc, _ := s.Allocations.Get(id)
		if alloc.ExpiryBucketID <= s.Pool.FirstActiveBucketID {
			continue
		}
		for i := range alloc.Units {
			units := alloc.Units.Get(i)
			if units == 0 {
				continue
			}
			groupID, slot := state.GroupOf(alloc.FirstTrancheID + uint64(i))
			key := state.GroupKey{ProductID: alloc.ProductID, GroupID: groupID}
			counter, err := live[key].Add(slot, units)
			if err != nil {
				return err
			}
			live[key] = counter
		}
	}

	for _, key := range s.Groups.Keys(state.CompareGroupKey) {
		group, _ := s.Groups.Get(key)
		if live[key] != group {
			return fmt.Errorf("product %d group %d: counters %v, allocations %v", key.ProductID, key.GroupID, group, live[key])
		}
		delete(live, key)
	}
	for key, units := range live {
		if !units.IsZero() {
			return fmt.Errorf("product %d group %d: allocations without counters", key.ProductID, key.GroupID)
		}
	}
	return nil
}

// PendingRewards is what a position could withdraw in rewards at accumulator acc.
func PendingRewards(pos state.Position, acc uint256.Int) (uint256.Int, error) {
	if err := settleRewards(&pos, acc); err != nil {
		return uint256.Int{}, err
	}
	return pos.PendingRewards, nil
}
