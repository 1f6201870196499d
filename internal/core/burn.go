package core

import (
	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
)

// burnStake pays a claim out of the active stake. At least one wei always
// stays behind so share prices keep a non-zero denominator; a burn that would
// consume everything halts the pool until the devalued tranches expire. A pool
// with no stake has nothing to burn and is left as is.
func (tx *txn) burnStake(evt *event.BurnRequested) error {
	p := tx.pool
	if err := tx.requireCoverModule(); err != nil {
		return err
	}
	if evt.Deallocation != nil {
		if err := tx.deallocate(*evt.Deallocation); err != nil {
			return err
		}
	}
	if evt.Amount.IsZero() {
		return ErrZeroAmount
	}

	if p.ActiveStake.IsZero() {
		tx.receipt.Halted = p.IsHalted
		return nil
	}

	burned := evt.Amount
	if evt.Amount.Cmp(&p.ActiveStake) >= 0 {
		burned = fpmath.SubFloor(p.ActiveStake, fpmath.U64(1))
		p.IsHalted = true
	}

	var err error
	if p.ActiveStake, err = fpmath.Sub(p.ActiveStake, burned); err != nil {
		return err
	}
	tx.journals.StakeBurn(tx.batch, burned)

	tx.receipt.Burned = burned
	tx.receipt.Halted = p.IsHalted
	return nil
}
