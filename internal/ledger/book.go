package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Book is the custody collaborator of the pool core: it settles each
// operation's transfers, mints and burns as one atomic batch. Reads may come
// from other goroutines.
type Book struct {
	mu        sync.RWMutex
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func NewBook() *Book {
	tracker := NewBalanceTracker()
	return &Book{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

// Settle applies batch atomically. On error no balance changed.
func (b *Book) Settle(ctx context.Context, batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	if err := b.tracker.ApplyBatch(batch); err != nil {
		return fmt.Errorf("settle %s: %w", batch.EventRef, err)
	}
	if err := b.validator.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	return nil
}

func (b *Book) Balance(key AccountKey) uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tracker.GetBalance(key)
}

// ValidateVaultCovers checks a pool vault against what the pool owes from it.
func (b *Book) ValidateVaultCovers(poolID uint64, subType AccountSubType, owed uint256.Int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.validator.ValidateVaultCovers(poolID, subType, owed)
}

func (b *Book) Snapshot() BalanceSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tracker.Snapshot()
}

func (b *Book) Restore(snap BalanceSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracker.Restore(snap)
}
