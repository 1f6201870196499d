package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances. Internal balances are
// unsigned; external accounts only accumulate what flowed through them.
// Not thread-safe.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
	inflows  map[AccountKey]uint256.Int // external -> book
	outflows map[AccountKey]uint256.Int // book -> external
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
		inflows:  make(map[AccountKey]uint256.Int),
		outflows: make(map[AccountKey]uint256.Int),
	}
}

// ApplyBatch applies all journals in a batch or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	// Stage every touched balance so a failing leg leaves the tracker untouched.
	staged := make(map[AccountKey]uint256.Int)
	stagedIn := make(map[AccountKey]uint256.Int)
	stagedOut := make(map[AccountKey]uint256.Int)

	read := func(m, stage map[AccountKey]uint256.Int, key AccountKey) uint256.Int {
		if v, ok := stage[key]; ok {
			return v
		}
		return m[key]
	}

	for _, j := range batch.Journals {
		amount := j.Amount

		if j.CreditAccount.IsExternal() {
			v := read(bt.inflows, stagedIn, j.CreditAccount)
			if _, overflow := v.AddOverflow(&v, &amount); overflow {
				return fmt.Errorf("journal %s: inflow overflow on %s", j.JournalID, j.CreditAccount.AccountPath())
			}
			stagedIn[j.CreditAccount] = v
		} else {
			v := read(bt.balances, staged, j.CreditAccount)
			if v.Lt(&amount) {
				return fmt.Errorf("journal %s: %w: %s has %s, needs %s",
					j.JournalID, ErrInsufficientBalance, j.CreditAccount.AccountPath(), v.Dec(), amount.Dec())
			}
			v.Sub(&v, &amount)
			staged[j.CreditAccount] = v
		}

		if j.DebitAccount.IsExternal() {
			v := read(bt.outflows, stagedOut, j.DebitAccount)
			if _, overflow := v.AddOverflow(&v, &amount); overflow {
				return fmt.Errorf("journal %s: outflow overflow on %s", j.JournalID, j.DebitAccount.AccountPath())
			}
			stagedOut[j.DebitAccount] = v
		} else {
			v := read(bt.balances, staged, j.DebitAccount)
			if _, overflow := v.AddOverflow(&v, &amount); overflow {
				return fmt.Errorf("journal %s: balance overflow on %s", j.JournalID, j.DebitAccount.AccountPath())
			}
			staged[j.DebitAccount] = v
		}
	}

	for k, v := range staged {
		bt.setBalance(k, v)
	}
	for k, v := range stagedIn {
		bt.inflows[k] = v
	}
	for k, v := range stagedOut {
		bt.outflows[k] = v
	}
	return nil
}

func (bt *BalanceTracker) setBalance(key AccountKey, v uint256.Int) {
	if v.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// GetBalance returns the current balance for an internal account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint256.Int {
	return bt.balances[key]
}

// Inflow returns the total that entered the book from an external account.
func (bt *BalanceTracker) Inflow(key AccountKey) uint256.Int {
	return bt.inflows[key]
}

// Outflow returns the total that left the book to an external account.
func (bt *BalanceTracker) Outflow(key AccountKey) uint256.Int {
	return bt.outflows[key]
}

// ComputeGlobalBalance returns the internal total and the net external flow.
// For a consistent book internal + outflows == inflows.
func (bt *BalanceTracker) ComputeGlobalBalance() (internal, inflows, outflows uint256.Int) {
	for _, v := range bt.balances {
		internal.Add(&internal, &v)
	}
	for _, v := range bt.inflows {
		inflows.Add(&inflows, &v)
	}
	for _, v := range bt.outflows {
		outflows.Add(&outflows, &v)
	}
	return internal, inflows, outflows
}

// Snapshot returns a copy of all balances and flows
func (bt *BalanceTracker) Snapshot() BalanceSnapshot {
	snap := BalanceSnapshot{}
	for k, v := range bt.balances {
		snap.Balances = append(snap.Balances, BalanceRow{Account: k, Amount: v})
	}
	for k, v := range bt.inflows {
		snap.Inflows = append(snap.Inflows, BalanceRow{Account: k, Amount: v})
	}
	for k, v := range bt.outflows {
		snap.Outflows = append(snap.Outflows, BalanceRow{Account: k, Amount: v})
	}
	snap.sort()
	return snap
}

// Restore replaces the tracker contents with snap.
func (bt *BalanceTracker) Restore(snap BalanceSnapshot) {
	bt.balances = make(map[AccountKey]uint256.Int, len(snap.Balances))
	bt.inflows = make(map[AccountKey]uint256.Int, len(snap.Inflows))
	bt.outflows = make(map[AccountKey]uint256.Int, len(snap.Outflows))
	for _, r := range snap.Balances {
		bt.setBalance(r.Account, r.Amount)
	}
	for _, r := range snap.Inflows {
		bt.inflows[r.Account] = r.Amount
	}
	for _, r := range snap.Outflows {
		bt.outflows[r.Account] = r.Amount
	}
}
