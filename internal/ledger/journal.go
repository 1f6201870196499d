package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFunding JournalType = iota
	JournalTypeStakeDeposit
	JournalTypeStakeWithdrawal
	JournalTypeRewardWithdrawal
	JournalTypeRewardMint
	JournalTypeRewardBurn
	JournalTypeStakeBurn
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeFunding:
		return "funding"
	case JournalTypeStakeDeposit:
		return "stake_deposit"
	case JournalTypeStakeWithdrawal:
		return "stake_withdrawal"
	case JournalTypeRewardWithdrawal:
		return "reward_withdrawal"
	case JournalTypeRewardMint:
		return "reward_mint"
	case JournalTypeRewardBurn:
		return "reward_burn"
	case JournalTypeStakeBurn:
		return "stake_burn"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from the event ref and position in batch
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        uint256.Int // Collateral wei (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     uint64      // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp uint64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every entry moves one positive
// amount from its credit account to its debit account, so debits equal
// credits per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.IsExternal() && j.CreditAccount.IsExternal() {
			return fmt.Errorf("journal %s moves between two external accounts", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch moves nothing.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
