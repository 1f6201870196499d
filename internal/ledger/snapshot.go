package ledger

import (
	"slices"

	"github.com/holiman/uint256"
)

type BalanceRow struct {
	Account AccountKey  `json:"account"`
	Amount  uint256.Int `json:"amount"`
}

// BalanceSnapshot is the serializable form of a BalanceTracker, sorted by
// account path.
type BalanceSnapshot struct {
	Balances []BalanceRow `json:"balances"`
	Inflows  []BalanceRow `json:"inflows"`
	Outflows []BalanceRow `json:"outflows"`
}

func (s *BalanceSnapshot) sort() {
	byPath := func(a, b BalanceRow) int {
		pa, pb := a.Account.AccountPath(), b.Account.AccountPath()
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	}
	slices.SortFunc(s.Balances, byPath)
	slices.SortFunc(s.Inflows, byPath)
	slices.SortFunc(s.Outflows, byPath)
}
