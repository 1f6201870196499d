package persistence

import (
	"context"
	"sync"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Snapshotter periodically captures the running engine and stores it.
type Snapshotter struct {
	manager  *SnapshotManager
	coreIn   chan<- core.Submission
	interval time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu           sync.Mutex
	lastSequence int64
}

func NewSnapshotter(manager *SnapshotManager, coreIn chan<- core.Submission, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		manager:      manager,
		coreIn:       coreIn,
		interval:     interval,
		metrics:      metrics,
		logger:       logger,
		lastSequence: -1,
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// Snapshot stores the current engine state unless nothing was applied since
// the last one, and returns the sequence the stored snapshot covers.
func (s *Snapshotter) Snapshot(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap, err := core.TakeSnapshot(ctx, s.coreIn)
	if err != nil {
		return 0, err
	}
	if snap.Sequence == s.lastSequence {
		return snap.Sequence, nil
	}

	size, err := s.manager.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, err
	}
	verified, err := s.manager.VerifySnapshots(ctx)
	if err != nil {
		return 0, err
	}
	s.lastSequence = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Int64("verified", verified).Msg("snapshot stored")
	return snap.Sequence, nil
}
