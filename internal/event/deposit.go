package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// WalletFunded credits a member wallet from outside the book.
type WalletFunded struct {
	Header
	Member uuid.UUID   `json:"member"`
	Amount uint256.Int `json:"amount"`
}

func (w *WalletFunded) EventType() EventType { return EventTypeWalletFunded }

// DepositRequested locks Amount into TrancheID. PositionID zero opens a new
// position owned by Destination; otherwise the caller tops up its own position.
type DepositRequested struct {
	Header
	Amount      uint256.Int `json:"amount"`
	TrancheID   uint64      `json:"tranche_id"`
	PositionID  uint64      `json:"position_id"`
	Destination uuid.UUID   `json:"destination"`
}

func (d *DepositRequested) EventType() EventType { return EventTypeDepositRequested }

// ExtendRequested moves a position to a later tranche, optionally topping it up.
type ExtendRequested struct {
	Header
	PositionID    uint64      `json:"position_id"`
	FromTrancheID uint64      `json:"from_tranche_id"`
	ToTrancheID   uint64      `json:"to_tranche_id"`
	TopUpAmount   uint256.Int `json:"top_up_amount"`
}

func (e *ExtendRequested) EventType() EventType { return EventTypeExtendRequested }
