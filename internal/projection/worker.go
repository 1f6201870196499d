package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const watermarkID = "main"

// ProjectionWorker maintains the projections schema from core outputs.
// The projection channel is non-blocking with drop, so the tables are
// eventually consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.Apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Apply writes one output and advances the watermark in a single transaction.
// Outputs at or below the watermark are skipped, so redelivery after a
// replay is harmless.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	if env == nil {
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var watermark int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1 FOR UPDATE`, watermarkID,
	).Scan(&watermark)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read watermark: %w", err)
	}
	if err == nil && env.Sequence <= watermark {
		return nil
	}

	if err := upsertPoolSummary(ctx, tx, output); err != nil {
		return fmt.Errorf("pool summary: %w", err)
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			amount := j.Amount.Dec()
			if err := addBalance(ctx, tx, j.DebitAccount.AccountPath(), "-"+amount, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := addBalance(ctx, tx, j.CreditAccount.AccountPath(), amount, env.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	if err := pw.applyEvent(ctx, tx, output); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkID, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyEvent updates the per-entity tables that need the decoded payload.
func (pw *ProjectionWorker) applyEvent(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	env := output.Envelope
	switch env.EventType {
	case event.EventTypeDepositRequested, event.EventTypeAllocationRequested,
		event.EventTypeDeallocationRequested, event.EventTypeBurnRequested:
	default:
		return nil
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	r := output.Receipt

	switch e := evt.(type) {
	case *event.DepositRequested:
		if e.PositionID != 0 {
			return nil
		}
		owner := e.Destination
		if owner == uuid.Nil {
			owner = e.CallerID()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.positions (position_id, owner, opened_at, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (position_id) DO NOTHING
		`, r.PositionID, owner, env.Timestamp, env.Sequence)

	case *event.AllocationRequested:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.allocations
				(allocation_id, product_id, amount, premium, start_time, period, released, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
			ON CONFLICT (allocation_id) DO UPDATE SET
				product_id = EXCLUDED.product_id, amount = EXCLUDED.amount,
				premium = EXCLUDED.premium, start_time = EXCLUDED.start_time,
				period = EXCLUDED.period, released = FALSE,
				last_sequence = EXCLUDED.last_sequence
		`, r.AllocationID, e.ProductID, e.Amount.Dec(), r.Premium.Dec(), env.Timestamp, e.Period, env.Sequence)

	case *event.DeallocationRequested:
		err = releaseAllocation(ctx, tx, e.DeallocationParams, env.Sequence)

	case *event.BurnRequested:
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO projections.burns (sequence, burned, halted, event_time)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (sequence) DO NOTHING
		`, env.Sequence, r.Burned.Dec(), r.Halted, env.Timestamp); err != nil {
			return fmt.Errorf("burn projection: %w", err)
		}
		if e.Deallocation != nil {
			err = releaseAllocation(ctx, tx, *e.Deallocation, env.Sequence)
		}
	}
	if err != nil {
		return fmt.Errorf("%s projection: %w", env.EventType, err)
	}
	return nil
}

func upsertPoolSummary(ctx context.Context, tx *sql.Tx, output core.CoreOutput) error {
	p := output.Pool
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_summary (
			pool_id, active_stake, stake_shares_supply, rewards_shares_supply, reward_per_second,
			first_active_tranche_id, first_active_bucket_id, total_effective_weight, total_target_weight,
			pool_fee_ratio, is_private, is_halted, last_event_time, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (pool_id) DO UPDATE SET
			active_stake = EXCLUDED.active_stake,
			stake_shares_supply = EXCLUDED.stake_shares_supply,
			rewards_shares_supply = EXCLUDED.rewards_shares_supply,
			reward_per_second = EXCLUDED.reward_per_second,
			first_active_tranche_id = EXCLUDED.first_active_tranche_id,
			first_active_bucket_id = EXCLUDED.first_active_bucket_id,
			total_effective_weight = EXCLUDED.total_effective_weight,
			total_target_weight = EXCLUDED.total_target_weight,
			pool_fee_ratio = EXCLUDED.pool_fee_ratio,
			is_private = EXCLUDED.is_private,
			is_halted = EXCLUDED.is_halted,
			last_event_time = EXCLUDED.last_event_time,
			last_sequence = EXCLUDED.last_sequence
	`, p.PoolID, p.ActiveStake.Dec(), p.StakeSharesSupply.Dec(), p.RewardsSharesSupply.Dec(),
		p.RewardPerSecond.Dec(), p.FirstActiveTrancheID, p.FirstActiveBucketID,
		p.TotalEffectiveWeight, p.TotalTargetWeight, p.PoolFeeRatio, p.IsPrivate, p.IsHalted,
		p.LastEventTime, output.Envelope.Sequence)
	return err
}

// addBalance applies a signed decimal delta to an account balance.
func addBalance(ctx context.Context, tx *sql.Tx, path, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2::numeric, last_sequence = $3
	`, path, delta, seq)
	return err
}

// releaseAllocation mirrors a deallocation. A zero amount releases the rest.
func releaseAllocation(ctx context.Context, tx *sql.Tx, d event.DeallocationParams, seq int64) error {
	if d.Amount.IsZero() {
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.allocations SET amount = 0, released = TRUE, last_sequence = $2
			WHERE allocation_id = $1
		`, d.AllocationID, seq)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.allocations
		SET amount = GREATEST(amount - $2::numeric, 0),
		    released = (amount - $2::numeric) <= 0,
		    last_sequence = $3
		WHERE allocation_id = $1
	`, d.AllocationID, d.Amount.Dec(), seq)
	return err
}

// RebuildProjections truncates the projection tables and rebuilds the
// balances from the journal. The per-entity tables refill as the core
// replays its log through the worker.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.pool_summary`,
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.allocations`,
		`TRUNCATE projections.burns`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT credit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT debit_account, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
