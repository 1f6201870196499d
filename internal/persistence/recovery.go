package persistence

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

var ErrHashMismatch = errors.New("replayed state hash differs from the event log")

const replayPageSize = 1000

// EventSource pages through the event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// DecodeEvent rebuilds the event carried by a logged row.
func DecodeEvent(row EventRow) (event.Event, error) {
	et, ok := event.ParseEventType(row.EventType)
	if !ok {
		return nil, fmt.Errorf("sequence %d: unknown event type %q", row.Sequence, row.EventType)
	}
	return event.Decode(et, row.Payload)
}

// Replay applies every logged event after the engine's current sequence and
// checks each resulting state hash against the log. The engine must not be
// attached to the Postgres dedup tier yet.
func Replay(ctx context.Context, engine *core.Engine, src EventSource, metrics *observability.Metrics, logger zerolog.Logger) (int64, error) {
	var replayed int64
	next := engine.GetSequence()
	for {
		rows, err := src.LoadEventsFrom(ctx, next, replayPageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", next, err)
		}
		for _, row := range rows {
			if row.Sequence != engine.GetSequence() {
				return replayed, fmt.Errorf("event log gap: expected %d, found %d", engine.GetSequence(), row.Sequence)
			}
			evt, err := DecodeEvent(row)
			if err != nil {
				return replayed, err
			}
			if _, err := engine.ProcessEvent(ctx, evt); err != nil {
				return replayed, fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			got := engine.GetStateHash()
			if !bytes.Equal(got[:], row.StateHash) {
				return replayed, fmt.Errorf("%w at sequence %d: %s != %s", ErrHashMismatch,
					row.Sequence, hex.EncodeToString(got[:]), hex.EncodeToString(row.StateHash))
			}
			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		if len(rows) < replayPageSize {
			break
		}
		next = engine.GetSequence()
		logger.Info().Int64("replayed", replayed).Int64("next_sequence", next).Msg("replay progress")
	}
	return replayed, nil
}

// Recover restores the latest verified snapshot, if any, then replays the
// rest of the log on top of it.
func Recover(ctx context.Context, engine *core.Engine, sm *SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) error {
	if _, err := sm.VerifySnapshots(ctx); err != nil {
		return fmt.Errorf("verify snapshots: %w", err)
	}
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		engine.RestoreFromSnapshot(snap)
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no verified snapshot, replaying from genesis")
	}

	replayed, err := Replay(ctx, engine, sm, metrics, logger)
	if err != nil {
		return err
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", engine.GetSequence()).
		Msg("recovery complete")
	return nil
}
