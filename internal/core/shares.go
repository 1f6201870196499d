package core

import (
	"fmt"

	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// settleRewards moves rewards accrued since the position's last settlement
// into PendingRewards.
func settleRewards(pos *state.Position, acc uint256.Int) error {
	diff, err := fpmath.Sub(acc, pos.LastAccNxmPerRewardShare)
	if err != nil {
		return fmt.Errorf("accumulator went backwards: %w", err)
	}
	if !diff.IsZero() && !pos.RewardsShares.IsZero() {
		accrued, err := fpmath.MulDiv(pos.RewardsShares, diff, fpmath.OneNXM, fpmath.RoundDown)
		if err != nil {
			return err
		}
		if pos.PendingRewards, err = fpmath.Add(pos.PendingRewards, accrued); err != nil {
			return err
		}
	}
	pos.LastAccNxmPerRewardShare = acc
	return nil
}

// newStakeShares prices a deposit in stake shares: sqrt(amount) for the very
// first deposit, then proportionally to the active stake.
func (tx *txn) newStakeShares(amount uint256.Int) (uint256.Int, error) {
	p := tx.pool
	if p.StakeSharesSupply.IsZero() {
		return fpmath.Sqrt(amount), nil
	}
	shares, err := fpmath.MulDiv(amount, p.StakeSharesSupply, p.ActiveStake, fpmath.RoundDown)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("stake shares: %w", err)
	}
	if shares.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: deposit of %s mints no shares", ErrZeroAmount, amount.Dec())
	}
	return shares, nil
}

// rewardShares weighs stake shares by commitment: each tranche between the
// current one and trancheID adds RewardBonusPerTranche.
func (tx *txn) rewardShares(stakeShares uint256.Int, trancheID uint64) (uint256.Int, error) {
	current := state.TrancheID(tx.now)
	var tranches uint64
	if trancheID > current {
		tranches = trancheID - current
	}
	bonus, err := fpmath.MulDiv64(stakeShares, state.RewardBonusPerTranche*tranches, state.RewardBonusDenominator, fpmath.RoundDown)
	if err != nil {
		return uint256.Int{}, err
	}
	return fpmath.Add(stakeShares, bonus)
}

// updateFeePosition re-derives the manager's reward shares in a tranche from
// the users' reward shares: fee = user * poolFee / (100 - poolFee).
func (tx *txn) updateFeePosition(trancheID uint64) error {
	p := tx.pool
	tranche, _ := tx.store.Tranches.Get(trancheID)
	key := state.PositionKey{PositionID: state.ManagerFeePositionID, TrancheID: trancheID}
	fee, _ := tx.store.Positions.Get(key)
	if err := settleRewards(&fee, p.AccNxmPerRewardsShare); err != nil {
		return err
	}

	userShares, err := fpmath.Sub(tranche.RewardsShares, fee.RewardsShares)
	if err != nil {
		return fmt.Errorf("tranche %d fee shares: %w", trancheID, err)
	}
	newFeeShares, err := fpmath.MulDiv64(userShares, p.PoolFeeRatio, state.PoolFeeDenominator-p.PoolFeeRatio, fpmath.RoundDown)
	if err != nil {
		return err
	}

	supply, err := fpmath.Sub(p.RewardsSharesSupply, fee.RewardsShares)
	if err != nil {
		return err
	}
	if p.RewardsSharesSupply, err = fpmath.Add(supply, newFeeShares); err != nil {
		return err
	}
	if tranche.RewardsShares, err = fpmath.Add(userShares, newFeeShares); err != nil {
		return err
	}
	fee.RewardsShares = newFeeShares

	tx.putTranche(trancheID, tranche)
	tx.putPosition(key, fee)
	return nil
}

func (tx *txn) putTranche(id uint64, t state.Tranche) {
	if t.StakeShares.IsZero() && t.RewardsShares.IsZero() {
		tx.store.Tranches.Delete(id)
		return
	}
	tx.store.Tranches.Put(id, t)
}

func (tx *txn) putPosition(key state.PositionKey, pos state.Position) {
	if pos.IsZero() {
		tx.store.Positions.Delete(key)
		return
	}
	tx.store.Positions.Put(key, pos)
}

func (tx *txn) checkActiveTranche(trancheID uint64) error {
	if trancheID < tx.pool.FirstActiveTrancheID {
		return fmt.Errorf("%w: tranche %d, first active %d", ErrTrancheExpired, trancheID, tx.pool.FirstActiveTrancheID)
	}
	if trancheID > tx.lastActiveTrancheID() {
		return fmt.Errorf("%w: tranche %d, last active %d", ErrTrancheNotActive, trancheID, tx.lastActiveTrancheID())
	}
	return nil
}

// depositTo adds stake to a tranche, opening a new position or topping up one
// the caller owns.
func (tx *txn) depositTo(evt *event.DepositRequested) error {
	p := tx.pool
	if err := tx.requireNotHalted(); err != nil {
		return err
	}
	if p.IsPrivate && tx.caller != p.Manager {
		return ErrPrivatePool
	}
	if evt.Amount.IsZero() {
		return ErrZeroAmount
	}
	if err := tx.checkActiveTranche(evt.TrancheID); err != nil {
		return err
	}

	positionID := evt.PositionID
	if positionID == state.ManagerFeePositionID {
		destination := evt.Destination
		if destination == uuid.Nil {
			destination = tx.caller
		}
		if p.NextPositionID == state.ManagerFeePositionID {
			p.NextPositionID++
		}
		positionID = p.NextPositionID
		p.NextPositionID++
		tx.store.Owners.Put(positionID, destination)
	} else if _, err := tx.requireOwner(positionID); err != nil {
		return err
	}

	stakeShares, err := tx.newStakeShares(evt.Amount)
	if err != nil {
		return err
	}
	rewardShares, err := tx.rewardShares(stakeShares, evt.TrancheID)
	if err != nil {
		return err
	}

	if err := tx.addShares(positionID, evt.TrancheID, stakeShares, rewardShares, uint256.Int{}); err != nil {
		return err
	}
	if p.ActiveStake, err = fpmath.Add(p.ActiveStake, evt.Amount); err != nil {
		return err
	}
	if err := tx.updateFeePosition(evt.TrancheID); err != nil {
		return err
	}

	tx.journals.StakeDeposit(tx.batch, tx.caller, evt.Amount)
	tx.receipt.PositionID = positionID
	return nil
}

// addShares credits new shares (and carried-over pending rewards) to a
// position, its tranche and the pool supplies.
func (tx *txn) addShares(positionID, trancheID uint64, stakeShares, rewardShares, pending uint256.Int) error {
	p := tx.pool
	key := state.PositionKey{PositionID: positionID, TrancheID: trancheID}
	pos, _ := tx.store.Positions.Get(key)
	if err := settleRewards(&pos, p.AccNxmPerRewardsShare); err != nil {
		return err
	}

	var err error
	if pos.StakeShares, err = fpmath.Add(pos.StakeShares, stakeShares); err != nil {
		return err
	}
	if pos.RewardsShares, err = fpmath.Add(pos.RewardsShares, rewardShares); err != nil {
		return err
	}
	if pos.PendingRewards, err = fpmath.Add(pos.PendingRewards, pending); err != nil {
		return err
	}

	tranche, _ := tx.store.Tranches.Get(trancheID)
	if tranche.StakeShares, err = fpmath.Add(tranche.StakeShares, stakeShares); err != nil {
		return err
	}
	if tranche.RewardsShares, err = fpmath.Add(tranche.RewardsShares, rewardShares); err != nil {
		return err
	}
	if p.StakeSharesSupply, err = fpmath.Add(p.StakeSharesSupply, stakeShares); err != nil {
		return err
	}
	if p.RewardsSharesSupply, err = fpmath.Add(p.RewardsSharesSupply, rewardShares); err != nil {
		return err
	}

	tx.putTranche(trancheID, tranche)
	tx.putPosition(key, pos)
	return nil
}

// extendDeposit moves a position from an active tranche to a later one,
// recomputing its reward-share bonus and optionally adding new stake.
func (tx *txn) extendDeposit(evt *event.ExtendRequested) error {
	p := tx.pool
	if err := tx.requireNotHalted(); err != nil {
		return err
	}
	if p.IsPrivate && tx.caller != p.Manager {
		return ErrPrivatePool
	}
	if evt.PositionID == state.ManagerFeePositionID {
		return fmt.Errorf("%w: the fee position cannot be extended", ErrNotPositionOwner)
	}
	if _, err := tx.requireOwner(evt.PositionID); err != nil {
		return err
	}
	if evt.ToTrancheID <= evt.FromTrancheID {
		return fmt.Errorf("%w: %d -> %d", ErrNewTrancheEndsBeforeInitial, evt.FromTrancheID, evt.ToTrancheID)
	}
	if evt.FromTrancheID < p.FirstActiveTrancheID {
		return fmt.Errorf("%w: tranche %d, withdraw instead", ErrTrancheExpired, evt.FromTrancheID)
	}
	if evt.ToTrancheID > tx.lastActiveTrancheID() {
		return fmt.Errorf("%w: tranche %d, last active %d", ErrTrancheNotActive, evt.ToTrancheID, tx.lastActiveTrancheID())
	}

	fromKey := state.PositionKey{PositionID: evt.PositionID, TrancheID: evt.FromTrancheID}
	initial, _ := tx.store.Positions.Get(fromKey)
	if initial.StakeShares.IsZero() && evt.TopUpAmount.IsZero() {
		return fmt.Errorf("%w: nothing to extend in tranche %d", ErrZeroAmount, evt.FromTrancheID)
	}
	if err := settleRewards(&initial, p.AccNxmPerRewardsShare); err != nil {
		return err
	}

	// Price the top-up before any share moves so the supply is unchanged.
	var topUpShares uint256.Int
	var err error
	if !evt.TopUpAmount.IsZero() {
		if topUpShares, err = tx.newStakeShares(evt.TopUpAmount); err != nil {
			return err
		}
	}

	// Take the position out of its initial tranche.
	from, _ := tx.store.Tranches.Get(evt.FromTrancheID)
	if from.StakeShares, err = fpmath.Sub(from.StakeShares, initial.StakeShares); err != nil {
		return err
	}
	if from.RewardsShares, err = fpmath.Sub(from.RewardsShares, initial.RewardsShares); err != nil {
		return err
	}
	if p.StakeSharesSupply, err = fpmath.Sub(p.StakeSharesSupply, initial.StakeShares); err != nil {
		return err
	}
	if p.RewardsSharesSupply, err = fpmath.Sub(p.RewardsSharesSupply, initial.RewardsShares); err != nil {
		return err
	}
	tx.putTranche(evt.FromTrancheID, from)
	tx.store.Positions.Delete(fromKey)

	moved, err := fpmath.Add(initial.StakeShares, topUpShares)
	if err != nil {
		return err
	}
	if !evt.TopUpAmount.IsZero() {
		if p.ActiveStake, err = fpmath.Add(p.ActiveStake, evt.TopUpAmount); err != nil {
			return err
		}
		tx.journals.StakeDeposit(tx.batch, tx.caller, evt.TopUpAmount)
	}

	rewardShares, err := tx.rewardShares(moved, evt.ToTrancheID)
	if err != nil {
		return err
	}
	if err := tx.addShares(evt.PositionID, evt.ToTrancheID, moved, rewardShares, initial.PendingRewards); err != nil {
		return err
	}
	if err := tx.updateFeePosition(evt.FromTrancheID); err != nil {
		return err
	}
	if err := tx.updateFeePosition(evt.ToTrancheID); err != nil {
		return err
	}

	tx.receipt.PositionID = evt.PositionID
	return nil
}

// withdraw pays out a position's stake from an expired tranche and/or its
// rewards from any tranche.
func (tx *txn) withdraw(evt *event.WithdrawRequested) error {
	p := tx.pool
	owner, err := tx.requireOwner(evt.PositionID)
	if err != nil {
		return err
	}

	key := state.PositionKey{PositionID: evt.PositionID, TrancheID: evt.TrancheID}
	pos, ok := tx.store.Positions.Get(key)
	if !ok {
		return fmt.Errorf("%w: position %d has nothing in tranche %d", ErrUnknownPosition, evt.PositionID, evt.TrancheID)
	}

	expired := evt.TrancheID < p.FirstActiveTrancheID
	if evt.WithdrawStake && !expired {
		return fmt.Errorf("%w: tranche %d", ErrTrancheNotExpired, evt.TrancheID)
	}

	acc := p.AccNxmPerRewardsShare
	expiredTranche, hasExpired := tx.store.ExpiredTranches.Get(evt.TrancheID)
	if expired {
		acc = expiredTranche.AccNxmPerRewardShareAtExpiry
	}
	if err := settleRewards(&pos, acc); err != nil {
		return err
	}

	if evt.WithdrawStake {
		var stake uint256.Int
		if hasExpired && !pos.StakeShares.IsZero() {
			stake, err = fpmath.MulDiv(expiredTranche.StakeAmountAtExpiry, pos.StakeShares, expiredTranche.StakeSharesSupplyAtExpiry, fpmath.RoundDown)
			if err != nil {
				return err
			}
		}
		pos.StakeShares = uint256.Int{}
		tx.journals.StakeWithdrawal(tx.batch, owner, stake)
		tx.receipt.StakeWithdrawn = stake
	}

	if evt.WithdrawRewards {
		tx.journals.RewardWithdrawal(tx.batch, owner, pos.PendingRewards)
		tx.receipt.RewardsWithdrawn = pos.PendingRewards
		pos.PendingRewards = uint256.Int{}
	}

	// An expired position earns nothing more once its stake is gone.
	if expired && pos.StakeShares.IsZero() {
		pos.RewardsShares = uint256.Int{}
	}
	tx.putPosition(key, pos)
	tx.receipt.PositionID = evt.PositionID
	return nil
}
