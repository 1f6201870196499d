package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSink keeps a hot copy of the pool summary and a capped stream of
// recent receipts in Redis for the query API.
type RedisSink struct {
	rdb       *redis.Client
	prefix    string
	streamLen int64
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRedisSink(rdb *redis.Client, prefix string, streamLen int64, inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics, logger zerolog.Logger) *RedisSink {
	if prefix == "" {
		prefix = "poolledger:"
	}
	if streamLen <= 0 {
		streamLen = 1000
	}
	return &RedisSink{
		rdb:       rdb,
		prefix:    prefix,
		streamLen: streamLen,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisSink) SummaryKey(poolID uint64) string {
	return s.prefix + "pool:" + strconv.FormatUint(poolID, 10) + ":summary"
}

func (s *RedisSink) ReceiptsKey(poolID uint64) string {
	return s.prefix + "pool:" + strconv.FormatUint(poolID, 10) + ":receipts"
}

func (s *RedisSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-s.inputChan:
			if !ok {
				return nil
			}
			start := time.Now()
			if err := s.Apply(ctx, output); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("redis projection failed")
				continue
			}
			if s.metrics != nil {
				s.metrics.ProjectionUpdateDur.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Apply writes the summary hash and appends the receipt in one MULTI.
// A summary older than the stored one is never written back.
func (s *RedisSink) Apply(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	if env == nil {
		return nil
	}
	p := output.Pool
	key := s.SummaryKey(p.PoolID)

	stored, err := s.rdb.HGet(ctx, key, "last_sequence").Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read summary sequence: %w", err)
	}
	if err == nil && stored >= env.Sequence {
		return nil
	}

	r := output.Receipt
	receipt, err := json.Marshal(&r)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"pool_id":                 p.PoolID,
			"active_stake":            p.ActiveStake.Dec(),
			"stake_shares_supply":     p.StakeSharesSupply.Dec(),
			"rewards_shares_supply":   p.RewardsSharesSupply.Dec(),
			"reward_per_second":       p.RewardPerSecond.Dec(),
			"first_active_tranche_id": p.FirstActiveTrancheID,
			"first_active_bucket_id":  p.FirstActiveBucketID,
			"total_effective_weight":  p.TotalEffectiveWeight,
			"total_target_weight":     p.TotalTargetWeight,
			"pool_fee_ratio":          p.PoolFeeRatio,
			"is_private":              p.IsPrivate,
			"is_halted":               p.IsHalted,
			"last_event_time":         p.LastEventTime,
			"last_sequence":           env.Sequence,
		})
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.ReceiptsKey(p.PoolID),
			MaxLen: s.streamLen,
			Approx: true,
			Values: map[string]any{
				"sequence":   env.Sequence,
				"event_type": env.EventType.String(),
				"receipt":    receipt,
			},
		})
		return nil
	})
	return err
}

// Summary returns the cached summary hash, or ok=false when nothing is cached.
func (s *RedisSink) Summary(ctx context.Context, poolID uint64) (map[string]string, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.SummaryKey(poolID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

// RecentReceipts returns up to n receipts, newest first.
func (s *RedisSink) RecentReceipts(ctx context.Context, poolID uint64, n int64) ([]core.Receipt, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.ReceiptsKey(poolID), "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.Receipt, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["receipt"].(string)
		var r core.Receipt
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode receipt %s: %w", m.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
