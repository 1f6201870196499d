package event

// WithdrawRequested pays out a position's stake (expired tranches only)
// and/or its accrued rewards.
type WithdrawRequested struct {
	Header
	PositionID      uint64 `json:"position_id"`
	TrancheID       uint64 `json:"tranche_id"`
	WithdrawStake   bool   `json:"withdraw_stake"`
	WithdrawRewards bool   `json:"withdraw_rewards"`
}

func (w *WithdrawRequested) EventType() EventType { return EventTypeWithdrawRequested }
