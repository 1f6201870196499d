package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PoolLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow is a row of event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Caller         string
	Payload        []byte // JSON-encoded event
	StateHash      []byte
	PrevHash       []byte
	EventTime      int64 // versioned input time, unix seconds
}

// JournalRow is a row of event_log.journal. Amount is a decimal string
// stored as NUMERIC(78,0).
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string
	JournalType   int32
	EventTime     int64
}

// RowsFromOutput flattens one core output into its log rows.
func RowsFromOutput(o core.CoreOutput) (EventRow, []JournalRow) {
	env := o.Envelope
	ev := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Caller:         env.Caller.String(),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		EventTime:      int64(env.Timestamp),
	}
	if o.Batch == nil {
		return ev, nil
	}

	journals := make([]JournalRow, 0, len(o.Batch.Journals))
	for _, j := range o.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      o.Batch.EventRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.Dec(),
			JournalType:   int32(j.JournalType),
			EventTime:     int64(env.Timestamp),
		})
	}
	return ev, journals
}

// EventLogWriter writes events and journals with multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts events. Re-writing a sequence is a no-op.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	const cols = 10

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.SourceSequence,
			e.Caller, e.Payload, e.StateHash, e.PrevHash, e.EventTime,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition, source_sequence, caller, payload, state_hash, prev_hash, event_time)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (sequence) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal entries.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	const cols = 9

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.EventTime,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, event_time)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (journal_id) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
