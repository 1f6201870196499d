package core

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/state"

	"github.com/rs/zerolog"
)

// Engine is the single-threaded event processor owning one pool.
type Engine struct {
	sequence          int64
	store             *state.Store
	book              *ledger.Book
	journalGen        *ledger.JournalGenerator
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	pricing           pricing.Params
	params            state.PoolParams
	checkEvery        int64
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is what the engine hands to persistence and projections for
// every applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Receipt  Receipt
	Pool     state.Pool
}

func NewEngine(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lruCapacity := cfg.LRUCapacity
	if lruCapacity <= 0 {
		lruCapacity = 100_000
	}
	return &Engine{
		sequence:          1,
		store:             newGenesisStore(cfg),
		book:              ledger.NewBook(),
		journalGen:        ledger.NewJournalGenerator(cfg.Genesis.PoolID),
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(lruCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		pricing:           cfg.Pricing,
		params:            cfg.Pool,
		checkEvery:        cfg.ConservationCheckInterval,
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessEvent runs one operation through the pipeline: dedup, ordering,
// transactional apply, custody settlement, invariants, hash chain, emit.
// A business error leaves no trace in state, custody or the event log.
func (c *Engine) ProcessEvent(ctx context.Context, evt event.Event) (Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()

	isDuplicate := c.idempotency.IsDuplicate(ctx, eventType, idempotencyKey)
	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
		c.reject(eventType, "out_of_order")
		return Receipt{}, err
	}
	if isDuplicate {
		c.reject(eventType, "duplicate")
		return Receipt{EventType: eventType, Duplicate: true}, nil
	}

	now := evt.EventTime()
	if now < c.store.Pool.LastEventTime {
		c.reject(eventType, KindTemporal.String())
		return Receipt{}, fmt.Errorf("%w: %d < %d", ErrStaleTimestamp, now, c.store.Pool.LastEventTime)
	}
	if now > state.MaxTimestamp {
		c.reject(eventType, KindTemporal.String())
		return Receipt{}, fmt.Errorf("%w: %d", ErrTimestampOutOfRange, now)
	}

	payload, err := event.Encode(evt)
	if err != nil {
		c.reject(eventType, KindInternal.String())
		return Receipt{}, err
	}

	tx := &txn{
		store:    c.store,
		pool:     &c.store.Pool,
		now:      now,
		caller:   evt.CallerID(),
		batch:    c.journalGen.NewBatch(eventType+":"+idempotencyKey, c.sequence, now),
		journals: c.journalGen,
		pricing:  c.pricing,
		params:   c.params,
	}

	c.store.Begin()
	if err := tx.apply(evt); err != nil {
		c.store.Rollback()
		c.rejectWith(evt, err)
		return Receipt{}, err
	}
	c.store.Pool.LastEventTime = now

	if err := c.book.Settle(ctx, tx.batch); err != nil {
		c.store.Rollback()
		c.rejectWith(evt, err)
		return Receipt{}, err
	}
	c.store.Commit()

	if err := c.postCheckInvariants(); err != nil {
		c.logger.Error().Err(err).Int64("sequence", c.sequence).Msg("invariant violated")
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	stateDigest := c.computeStateDigest(tx.batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	receipt := tx.receipt
	receipt.Sequence = c.sequence
	receipt.EventType = eventType
	receipt.StateHash = hex.EncodeToString(stateHash[:])

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			Partition:      partition,
			Timestamp:      now,
			SourceSequence: sourceSequence,
			Caller:         evt.CallerID(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:   tx.batch,
		Receipt: receipt,
		Pool:    c.store.Pool,
	}
	c.sequence++
	c.emit(output)

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequenceValidator.Advance(partition, sourceSequence)
	c.recordApplied(eventType, tx, start)

	if receipt.Halted && !receipt.Burned.IsZero() {
		c.logger.Error().
			Int64("sequence", receipt.Sequence).
			Str("burned", receipt.Burned.Dec()).
			Msg("pool halted: burn consumed the active stake")
	}
	return receipt, nil
}

// emit hands the output to persistence (blocking: nothing may be lost) and to
// projections (non-blocking: they can rebuild from the event log).
func (c *Engine) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// apply settles elapsed time and dispatches the operation.
func (tx *txn) apply(evt event.Event) error {
	if err := tx.processExpirations(); err != nil {
		return fmt.Errorf("process expirations: %w", err)
	}

	switch e := evt.(type) {
	case *event.WalletFunded:
		return tx.fundWallet(e)
	case *event.DepositRequested:
		return tx.depositTo(e)
	case *event.ExtendRequested:
		return tx.extendDeposit(e)
	case *event.WithdrawRequested:
		return tx.withdraw(e)
	case *event.AllocationRequested:
		return tx.requestAllocation(e)
	case *event.DeallocationRequested:
		return tx.handleDeallocation(e)
	case *event.BurnRequested:
		return tx.burnStake(e)
	case *event.EffectiveWeightsRecalculation:
		if e.PoolID != tx.pool.PoolID {
			return fmt.Errorf("%w: %d", ErrUnknownPool, e.PoolID)
		}
		return tx.recalculateAll()
	case *event.PoolPrivacyChanged:
		return tx.setPoolPrivacy(e)
	case *event.PoolFeeChanged:
		return tx.setPoolFee(e)
	case *event.ProductsUpdated:
		return tx.setProducts(e)
	case *event.CapacityParamsUpdated:
		return tx.updateCapacityParams(e)
	case *event.ExpirationsProcessed:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

func (c *Engine) postCheckInvariants() error {
	if err := CheckPoolTotals(c.store, c.book); err != nil {
		return err
	}
	if c.checkEvery > 0 && c.sequence%c.checkEvery == 0 {
		if err := CheckConservation(c.store); err != nil {
			return err
		}
	}
	return nil
}

// computeStateDigest is the canonical encoding hashed into the chain: the
// pool aggregate followed by every account the batch touched, sorted by path.
func (c *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	p := &c.store.Pool
	digest := make([]byte, 0, 512)

	digest = binary.LittleEndian.AppendUint64(digest, p.PoolID)
	digest = append(digest, boolByte(p.IsPrivate), boolByte(p.IsHalted))
	digest = binary.LittleEndian.AppendUint64(digest, p.PoolFeeRatio)
	digest = fpmath.AppendUint256(digest, p.ActiveStake)
	digest = fpmath.AppendUint256(digest, p.StakeSharesSupply)
	digest = fpmath.AppendUint256(digest, p.RewardsSharesSupply)
	digest = fpmath.AppendUint256(digest, p.RewardPerSecond)
	digest = fpmath.AppendUint256(digest, p.AccNxmPerRewardsShare)
	digest = fpmath.AppendUint256(digest, p.GlobalMinPrice)
	for _, v := range []uint64{
		p.LastAccUpdateTime, p.FirstActiveTrancheID, p.FirstActiveBucketID,
		p.GlobalCapacityRatio, p.TotalEffectiveWeight, p.TotalTargetWeight,
		p.NextPositionID, p.NextAllocationID, p.LastEventTime,
	} {
		digest = binary.LittleEndian.AppendUint64(digest, v)
	}

	if batch == nil {
		return digest
	}
	touched := make(map[ledger.AccountKey]string, 2*len(batch.Journals))
	for _, j := range batch.Journals {
		touched[j.DebitAccount] = j.DebitAccount.AccountPath()
		touched[j.CreditAccount] = j.CreditAccount.AccountPath()
	}
	keys := make([]ledger.AccountKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b ledger.AccountKey) int {
		switch {
		case touched[a] < touched[b]:
			return -1
		case touched[a] > touched[b]:
			return 1
		}
		return 0
	})
	for _, k := range keys {
		path := touched[k]
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = fpmath.AppendUint256(digest, c.book.Balance(k))
	}
	return digest
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (c *Engine) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *Engine) rejectWith(evt event.Event, err error) {
	kind := Kind(err)
	eventType := evt.EventType().String()
	c.reject(eventType, kind.String())
	if c.metrics != nil && evt.EventType() == event.EventTypeAllocationRequested {
		c.metrics.AllocationsRejected.WithLabelValues(kind.String()).Inc()
	}
	c.logger.Debug().
		Err(err).
		Str("event_type", eventType).
		Str("kind", kind.String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("operation rejected")
}

func (c *Engine) recordApplied(eventType string, tx *txn, start time.Time) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	p := &c.store.Pool
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence - 1))
	for _, j := range tx.batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	m.PoolActiveStake.Set(observability.CollateralFloat(p.ActiveStake))
	m.PoolRewardPerSecond.Set(observability.CollateralFloat(p.RewardPerSecond))
	if p.IsHalted {
		m.PoolHalted.Set(1)
	} else {
		m.PoolHalted.Set(0)
	}
	m.PoolExpiredTranches.Add(float64(tx.expiredTranches))
	m.PoolExpiredBuckets.Add(float64(tx.expiredBuckets))
	if !tx.receipt.Burned.IsZero() {
		m.StakeBurned.Add(observability.CollateralFloat(tx.receipt.Burned))
	}
	if tx.receipt.AllocationID != 0 && !tx.receipt.Premium.IsZero() {
		alloc, ok := c.store.Allocations.Get(tx.receipt.AllocationID)
		if ok {
			m.AllocationPremium.WithLabelValues(fmt.Sprint(alloc.ProductID)).
				Observe(observability.CollateralFloat(tx.receipt.Premium))
		}
	}
}

// --- Accessors, snapshot and restore ---

// Store exposes the state for reads on the core goroutine and in tests.
func (c *Engine) Store() *state.Store { return c.store }

func (c *Engine) Book() *ledger.Book { return c.book }

func (c *Engine) Pricing() pricing.Params { return c.pricing }

func (c *Engine) GetSequence() int64 { return c.sequence }

func (c *Engine) GetStateHash() [32]byte { return c.hasher.GetPrevHash() }

// AttachDBChecker enables the Postgres dedup tier. Recovery replays the log
// before attaching it, or every replayed event would look like a duplicate.
func (c *Engine) AttachDBChecker(db DBIdempotencyChecker) { c.idempotency.dbChecker = db }

// AttachOutputs connects the persistence and projection channels. Recovery
// runs detached, replayed events are in the log already.
func (c *Engine) AttachOutputs(persistChan, projectionChan chan<- CoreOutput) {
	c.persistChan = persistChan
	c.projectionChan = projectionChan
}

// WarmLRU loads recent idempotency keys, oldest first.
func (c *Engine) WarmLRU(keys []string) { c.idempotency.lru.WarmFromKeys(keys) }

// SnapshotState is the full in-memory state of the engine.
type SnapshotState struct {
	Sequence        int64                  `json:"sequence"` // last applied
	StateHash       [32]byte               `json:"state_hash"`
	Store           *state.Snapshot        `json:"store"`
	Balances        ledger.BalanceSnapshot `json:"balances"`
	SequenceState   map[string]int64       `json:"sequence_state"`
	IdempotencyKeys []string               `json:"idempotency_keys"`
}

func (c *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Store:           c.store.Export(),
		Balances:        c.book.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the engine state. Events after
// snap.Sequence are then replayed through ProcessEvent.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.store.Restore(snap.Store)
	c.book.Restore(snap.Balances)
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}
