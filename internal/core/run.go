package core

import (
	"context"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"
)

// Submission is one unit of work for the core goroutine: an event to apply,
// or a read to run against a consistent view of the state.
type Submission struct {
	Event   event.Event
	Read    func(*state.Store, *ledger.Book)
	Inspect func(*Engine)
	Reply   chan<- Result

	snapshot bool
}

type Result struct {
	Receipt  Receipt
	Snapshot *SnapshotState
	Err      error
}

// Run owns the engine until ctx is cancelled or in is closed. Every state
// access, reads included, happens on this goroutine.
func (c *Engine) Run(ctx context.Context, in <-chan Submission) error {
	c.logger.Info().Int64("next_sequence", c.sequence).Msg("core started")
	defer c.logger.Info().Int64("next_sequence", c.sequence).Msg("core stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			var res Result
			switch {
			case sub.Event != nil:
				res.Receipt, res.Err = c.ProcessEvent(ctx, sub.Event)
			case sub.Read != nil:
				sub.Read(c.store, c.book)
			case sub.Inspect != nil:
				sub.Inspect(c)
			case sub.snapshot:
				res.Snapshot = c.CreateSnapshotState()
			}
			if sub.Reply != nil {
				sub.Reply <- res
			}
		}
	}
}

// Submit sends one event to a running core and waits for its receipt.
func Submit(ctx context.Context, in chan<- Submission, evt event.Event) (Receipt, error) {
	reply := make(chan Result, 1)
	select {
	case in <- Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Receipt, res.Err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// TakeSnapshot captures the engine state between two events.
func TakeSnapshot(ctx context.Context, in chan<- Submission) (*SnapshotState, error) {
	reply := make(chan Result, 1)
	select {
	case in <- Submission{snapshot: true, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read runs fn on the core goroutine and waits for it.
func Read(ctx context.Context, in chan<- Submission, fn func(*state.Store, *ledger.Book)) error {
	reply := make(chan Result, 1)
	select {
	case in <- Submission{Read: fn, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inspect runs fn with the engine itself, for read-only helpers such as
// QuoteAllocation that simulate against the live state.
func Inspect(ctx context.Context, in chan<- Submission, fn func(*Engine)) error {
	reply := make(chan Result, 1)
	select {
	case in <- Submission{Inspect: fn, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
