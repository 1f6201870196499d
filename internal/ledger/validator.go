package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies nothing was created or lost inside the book:
// internal balances plus everything that left equals everything that entered.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	internal, inflows, outflows := v.tracker.ComputeGlobalBalance()
	internal.Add(&internal, &outflows)
	if !internal.Eq(&inflows) {
		return fmt.Errorf("book is not conserved: internal+outflows=%s inflows=%s", internal.Dec(), inflows.Dec())
	}
	return nil
}

// ValidateVaultCovers checks a pool vault holds at least what the pool owes
// from it.
func (v *InvariantValidator) ValidateVaultCovers(poolID uint64, subType AccountSubType, owed uint256.Int) error {
	key := NewPoolAccountKey(poolID, subType)
	balance := v.tracker.GetBalance(key)
	if balance.Lt(&owed) {
		return fmt.Errorf("%s holds %s, owes %s", key.AccountPath(), balance.Dec(), owed.Dec())
	}
	return nil
}
