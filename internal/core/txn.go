package core

import (
	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Receipt is the synchronous result of an applied operation.
type Receipt struct {
	Sequence         int64       `json:"sequence"`
	EventType        string      `json:"event_type"`
	Duplicate        bool        `json:"duplicate,omitempty"`
	PositionID       uint64      `json:"position_id,omitempty"`
	AllocationID     uint64      `json:"allocation_id,omitempty"`
	Premium          uint256.Int `json:"premium"`
	StakeWithdrawn   uint256.Int `json:"stake_withdrawn"`
	RewardsWithdrawn uint256.Int `json:"rewards_withdrawn"`
	Burned           uint256.Int `json:"burned"`
	Halted           bool        `json:"halted,omitempty"`
	StateHash        string      `json:"state_hash,omitempty"`
}

// txn is the working context of one operation. Every write goes through the
// store's undo log and every custody movement into batch, so dropping a txn
// after Rollback leaves no trace.
type txn struct {
	store    *state.Store
	pool     *state.Pool
	now      uint64
	caller   uuid.UUID
	batch    *ledger.Batch
	journals *ledger.JournalGenerator
	pricing  pricing.Params
	params   state.PoolParams
	receipt  Receipt

	expiredTranches int
	expiredBuckets  int
}

func (tx *txn) requireCoverModule() error {
	if tx.caller != tx.pool.CoverModule {
		return ErrNotCoverModule
	}
	return nil
}

func (tx *txn) requireManager() error {
	if tx.caller != tx.pool.Manager {
		return ErrNotManager
	}
	return nil
}

func (tx *txn) requireNotHalted() error {
	if tx.pool.IsHalted {
		return ErrPoolHalted
	}
	return nil
}

func (tx *txn) requireOwner(positionID uint64) (uuid.UUID, error) {
	owner, ok := tx.store.Owner(positionID)
	if !ok {
		return uuid.Nil, ErrUnknownPosition
	}
	if owner != tx.caller {
		return uuid.Nil, ErrNotPositionOwner
	}
	return owner, nil
}

// lastActiveTrancheID is the furthest tranche accepting deposits.
func (tx *txn) lastActiveTrancheID() uint64 {
	return tx.pool.FirstActiveTrancheID + state.MaxActiveTranches - 1
}

// trancheStake is the collateral backing a tranche's stake shares.
func (tx *txn) trancheStake(t state.Tranche) (uint256.Int, error) {
	if t.StakeShares.IsZero() {
		return uint256.Int{}, nil
	}
	return fpmath.MulDiv(tx.pool.ActiveStake, t.StakeShares, tx.pool.StakeSharesSupply, fpmath.RoundDown)
}
