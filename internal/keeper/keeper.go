package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Source tags keeper submissions in the event log.
const Source = "keeper"

// Submitter hands an operation to the core and waits for its receipt.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Receipt, error)
}

// Keeper submits the permissionless maintenance operations on a schedule:
// expiry processing and effective weight recalculation. Both are safe to
// run at any time; a tick with nothing to do still advances the pool clock.
type Keeper struct {
	cron    *cron.Cron
	sub     Submitter
	poolID  uint64
	clock   func() time.Time
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithClock replaces the wall clock used to stamp ticks.
func WithClock(clock func() time.Time) Option {
	return func(k *Keeper) { k.clock = clock }
}

// WithTimeout bounds each tick.
func WithTimeout(d time.Duration) Option {
	return func(k *Keeper) { k.timeout = d }
}

func New(sub Submitter, poolID uint64, metrics *observability.Metrics, logger zerolog.Logger, opts ...Option) *Keeper {
	k := &Keeper{
		sub:     sub,
		poolID:  poolID,
		clock:   time.Now,
		timeout: 10 * time.Second,
		metrics: metrics,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.cron = cron.New(cron.WithSeconds(), cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	return k
}

// Register schedules both jobs. An empty spec leaves that job off.
func (k *Keeper) Register(ctx context.Context, expirationsSpec, weightsSpec string) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"expirations", expirationsSpec, k.ProcessExpirations},
		{"effective_weights", weightsSpec, k.RecalculateEffectiveWeights},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := k.cron.AddFunc(j.spec, func() { k.tick(ctx, j.name, j.run) }); err != nil {
			return fmt.Errorf("register %s job: %w", j.name, err)
		}
		k.logger.Info().Str("job", j.name).Str("spec", j.spec).Msg("keeper job registered")
	}
	return nil
}

func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info().Msg("keeper started")
}

// Stop waits for a running tick to finish.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
}

// ProcessExpirations submits one expiry tick stamped with the current time.
func (k *Keeper) ProcessExpirations(ctx context.Context) error {
	_, err := k.sub.Submit(ctx, &event.ExpirationsProcessed{Header: k.header()})
	return err
}

// RecalculateEffectiveWeights submits one recalculation of every product.
func (k *Keeper) RecalculateEffectiveWeights(ctx context.Context) error {
	_, err := k.sub.Submit(ctx, &event.EffectiveWeightsRecalculation{Header: k.header(), PoolID: k.poolID})
	return err
}

func (k *Keeper) header() event.Header {
	return event.Header{
		RequestID: uuid.New(),
		Source:    Source,
		Timestamp: uint64(k.clock().Unix()),
	}
}

func (k *Keeper) tick(ctx context.Context, job string, run func(context.Context) error) {
	tctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err := run(tctx)
	outcome := "ok"
	switch {
	case err == nil:
		k.logger.Debug().Str("job", job).Msg("keeper tick applied")
	case errors.Is(err, core.ErrStaleTimestamp):
		// The pool clock is ahead of ours; the next tick catches up.
		outcome = "stale"
		k.logger.Warn().Err(err).Str("job", job).Msg("keeper tick behind pool time")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		k.logger.Warn().Err(err).Str("job", job).Msg("keeper tick timed out")
	default:
		outcome = "rejected"
		k.logger.Error().Err(err).Str("job", job).Str("kind", core.Kind(err).String()).Msg("keeper tick rejected")
	}
	if k.metrics != nil {
		k.metrics.KeeperTicks.WithLabelValues(job, outcome).Inc()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	zl zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zl.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.zl.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
