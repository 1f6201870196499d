package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("backend unavailable")
)

// SummaryCache is the hot read model kept by the Redis sink.
type SummaryCache interface {
	Summary(ctx context.Context, poolID uint64) (map[string]string, bool, error)
	RecentReceipts(ctx context.Context, poolID uint64, n int64) ([]core.Receipt, error)
}

// QueryService serves reads from two places: the projection tables (and
// their Redis cache) for history and listings, and the core goroutine for
// anything that must be exact at a point in time (quotes, capacity,
// position values). Projection answers carry as_of_sequence.
type QueryService struct {
	db      *sql.DB
	cache   SummaryCache
	coreIn  chan<- core.Submission
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewQueryService(db *sql.DB, cache SummaryCache, coreIn chan<- core.Submission, metrics *observability.Metrics, logger zerolog.Logger) *QueryService {
	return &QueryService{db: db, cache: cache, coreIn: coreIn, metrics: metrics, logger: logger}
}

// --- Live (core) reads ---

// QuoteAllocation prices an allocation against the live pool without
// reserving anything.
func (qs *QueryService) QuoteAllocation(ctx context.Context, req core.QuoteRequest) (q Quote, err error) {
	defer qs.observe("QuoteAllocation", time.Now(), &err)
	if qs.coreIn == nil {
		return Quote{}, ErrUnavailable
	}
	var qerr error
	if err := core.Inspect(ctx, qs.coreIn, func(e *core.Engine) {
		q, qerr = e.QuoteAllocation(req)
	}); err != nil {
		return Quote{}, err
	}
	return q, qerr
}

func (qs *QueryService) GetProductCapacities(ctx context.Context, at uint64) (caps []ProductCapacity, err error) {
	defer qs.observe("GetProductCapacities", time.Now(), &err)
	if qs.coreIn == nil {
		return nil, ErrUnavailable
	}
	var cerr error
	if err := core.Inspect(ctx, qs.coreIn, func(e *core.Engine) {
		caps, cerr = e.ProductCapacities(at)
	}); err != nil {
		return nil, err
	}
	return caps, cerr
}

func (qs *QueryService) GetPosition(ctx context.Context, positionID, at uint64) (view PositionView, err error) {
	defer qs.observe("GetPosition", time.Now(), &err)
	if qs.coreIn == nil {
		return PositionView{}, ErrUnavailable
	}
	var perr error
	if err := core.Inspect(ctx, qs.coreIn, func(e *core.Engine) {
		view, perr = e.DescribePosition(positionID, at)
	}); err != nil {
		return PositionView{}, err
	}
	return view, perr
}

// --- Projection reads ---

// GetPoolSummary reads the Redis cache first and falls back to Postgres.
func (qs *QueryService) GetPoolSummary(ctx context.Context, poolID uint64) (s *PoolSummary, err error) {
	defer qs.observe("GetPoolSummary", time.Now(), &err)

	if qs.cache != nil {
		fields, ok, cerr := qs.cache.Summary(ctx, poolID)
		switch {
		case cerr != nil:
			qs.logger.Warn().Err(cerr).Msg("summary cache read failed, falling back to postgres")
		case ok:
			return summaryFromHash(fields)
		}
	}
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	s = &PoolSummary{Source: "postgres"}
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool_id, active_stake::text, stake_shares_supply::text, rewards_shares_supply::text,
		       reward_per_second::text, first_active_tranche_id, first_active_bucket_id,
		       total_effective_weight, total_target_weight, pool_fee_ratio, is_private, is_halted,
		       last_event_time, last_sequence
		FROM projections.pool_summary WHERE pool_id = $1
	`, poolID).Scan(
		&s.PoolID, &s.ActiveStake, &s.StakeSharesSupply, &s.RewardsSharesSupply,
		&s.RewardPerSecond, &s.FirstActiveTrancheID, &s.FirstActiveBucketID,
		&s.TotalEffectiveWeight, &s.TotalTargetWeight, &s.PoolFeeRatio, &s.IsPrivate, &s.IsHalted,
		&s.LastEventTime, &s.AsOfSequence,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %d: %w", poolID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetRecentReceipts returns the newest receipts from the cache stream.
func (qs *QueryService) GetRecentReceipts(ctx context.Context, poolID uint64, limit int) (out []core.Receipt, err error) {
	defer qs.observe("GetRecentReceipts", time.Now(), &err)
	if qs.cache == nil {
		return nil, ErrUnavailable
	}
	return qs.cache.RecentReceipts(ctx, poolID, int64(clampLimit(limit)))
}

func (qs *QueryService) GetBalance(ctx context.Context, accountPath string) (b *BalanceResponse, err error) {
	defer qs.observe("GetBalance", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	b = &BalanceResponse{AccountPath: accountPath, Balance: "0", AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances WHERE account_path = $1
	`, accountPath).Scan(&b.Balance)
	if err == sql.ErrNoRows {
		return b, nil
	}
	return b, err
}

// GetPositions lists the positions owned by a member.
func (qs *QueryService) GetPositions(ctx context.Context, owner uuid.UUID) (positions []PositionSummary, err error) {
	defer qs.observe("GetPositions", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, opened_at FROM projections.positions
		WHERE owner = $1
		ORDER BY position_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := PositionSummary{Owner: owner, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.PositionID, &p.OpenedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetAllocations pages allocations by descending id. afterID of zero starts
// from the newest.
func (qs *QueryService) GetAllocations(ctx context.Context, productID *uint64, limit int, afterID uint64) (out []AllocationResponse, err error) {
	defer qs.observe("GetAllocations", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	query := `
		SELECT allocation_id, product_id, amount::text, premium::text, start_time, period, released, last_sequence
		FROM projections.allocations
		WHERE TRUE
	`
	var args []any
	if productID != nil {
		args = append(args, *productID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	if afterID > 0 {
		args = append(args, afterID)
		query += fmt.Sprintf(" AND allocation_id < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY allocation_id DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a AllocationResponse
		if err := rows.Scan(&a.AllocationID, &a.ProductID, &a.Amount, &a.Premium,
			&a.StartTime, &a.Period, &a.Released, &a.LastSequence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest
// first. afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(ctx context.Context, accountPath string, limit int, afterSequence *int64) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, event_time
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{accountPath}
	if afterSequence != nil {
		args = append(args, *afterSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.EventTime,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain, the zero-sum of the
// projected balances and, when the core is reachable, the live invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	report = &IntegrityReport{Imbalance: "0"}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0)::text FROM projections.balances
	`).Scan(&report.Imbalance); err != nil {
		return nil, err
	}

	if qs.coreIn != nil {
		var liveErr error
		if err := core.Inspect(ctx, qs.coreIn, func(e *core.Engine) {
			if liveErr = core.CheckPoolTotals(e.Store(), e.Book()); liveErr == nil {
				liveErr = core.CheckConservation(e.Store())
			}
		}); err != nil {
			return nil, err
		}
		if liveErr != nil {
			report.LiveInvariantError = liveErr.Error()
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.Imbalance == "0" && report.LiveInvariantError == ""
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(method string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if *errp != nil {
		qs.metrics.QueryErrors.WithLabelValues(method, ErrorCode(*errp)).Inc()
	}
}

// ErrorCode is a short label for metrics and transport mapping.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	}
	return core.Kind(err).String()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}

func summaryFromHash(f map[string]string) (*PoolSummary, error) {
	s := &PoolSummary{
		ActiveStake:         f["active_stake"],
		StakeSharesSupply:   f["stake_shares_supply"],
		RewardsSharesSupply: f["rewards_shares_supply"],
		RewardPerSecond:     f["reward_per_second"],
		IsPrivate:           f["is_private"] == "1",
		IsHalted:            f["is_halted"] == "1",
		Source:              "redis",
	}
	uints := map[string]*uint64{
		"pool_id":                 &s.PoolID,
		"first_active_tranche_id": &s.FirstActiveTrancheID,
		"first_active_bucket_id":  &s.FirstActiveBucketID,
		"total_effective_weight":  &s.TotalEffectiveWeight,
		"total_target_weight":     &s.TotalTargetWeight,
		"pool_fee_ratio":          &s.PoolFeeRatio,
		"last_event_time":         &s.LastEventTime,
	}
	for field, dst := range uints {
		v, err := strconv.ParseUint(f[field], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("summary field %s: %w", field, err)
		}
		*dst = v
	}
	seq, err := strconv.ParseInt(f["last_sequence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("summary field last_sequence: %w", err)
	}
	s.AsOfSequence = seq
	return s, nil
}
