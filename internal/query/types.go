package query

import (
	"PoolLedger/internal/core"

	"github.com/google/uuid"
)

// PoolSummary is the pool aggregate as last projected. Amounts are decimal
// strings in the smallest collateral unit.
type PoolSummary struct {
	PoolID               uint64 `json:"pool_id"`
	ActiveStake          string `json:"active_stake"`
	StakeSharesSupply    string `json:"stake_shares_supply"`
	RewardsSharesSupply  string `json:"rewards_shares_supply"`
	RewardPerSecond      string `json:"reward_per_second"`
	FirstActiveTrancheID uint64 `json:"first_active_tranche_id"`
	FirstActiveBucketID  uint64 `json:"first_active_bucket_id"`
	TotalEffectiveWeight uint64 `json:"total_effective_weight"`
	TotalTargetWeight    uint64 `json:"total_target_weight"`
	PoolFeeRatio         uint64 `json:"pool_fee_ratio"`
	IsPrivate            bool   `json:"is_private"`
	IsHalted             bool   `json:"is_halted"`
	LastEventTime        uint64 `json:"last_event_time"`
	AsOfSequence         int64  `json:"as_of_sequence"`
	Source               string `json:"source"` // "redis" or "postgres"
}

// BalanceResponse is a custody account balance. External accounts go
// negative, so the balance is a signed decimal.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionSummary lists a position owned by a member.
type PositionSummary struct {
	PositionID   uint64    `json:"position_id"`
	Owner        uuid.UUID `json:"owner"`
	OpenedAt     uint64    `json:"opened_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// AllocationResponse is one projected cover allocation.
type AllocationResponse struct {
	AllocationID uint64 `json:"allocation_id"`
	ProductID    uint64 `json:"product_id"`
	Amount       string `json:"amount"`
	Premium      string `json:"premium"`
	StartTime    uint64 `json:"start_time"`
	Period       uint64 `json:"period"`
	Released     bool   `json:"released"`
	LastSequence int64  `json:"last_sequence"`
}

// JournalHistoryEntry is one custody movement from the event log.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	EventTime     int64  `json:"event_time"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// Sum of all projected balances; zero for a conserved book.
	Imbalance string `json:"imbalance"`
	// Live ledger invariants checked on the core goroutine.
	LiveInvariantError string `json:"live_invariant_error,omitempty"`
}

type (
	Quote           = core.Quote
	ProductCapacity = core.ProductCapacity
	PositionView    = core.PositionView
)
