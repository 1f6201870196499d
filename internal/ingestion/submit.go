package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// DefaultMaxClockSkew is how far ahead of the process clock an event
// timestamp may be.
const DefaultMaxClockSkew = 30 * time.Second

// ErrFutureTimestamp rejects events stamped ahead of the process clock.
var ErrFutureTimestamp = fmt.Errorf("%w: timestamp is in the future", ErrInvalidEvent)

// Submitter is the single entry into the core for every transport: it
// validates the envelope and waits for the receipt.
type Submitter struct {
	coreIn  chan<- core.Submission
	metrics *observability.Metrics
	logger  zerolog.Logger
	clock   func() time.Time
	maxSkew time.Duration
}

type SubmitterOption func(*Submitter)

// WithClock overrides the trusted clock event timestamps are checked against.
func WithClock(clock func() time.Time) SubmitterOption {
	return func(s *Submitter) { s.clock = clock }
}

// WithMaxClockSkew sets how far ahead of the clock a timestamp may be.
func WithMaxClockSkew(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d >= 0 {
			s.maxSkew = d
		}
	}
}

func NewSubmitter(coreIn chan<- core.Submission, metrics *observability.Metrics, logger zerolog.Logger, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		coreIn:  coreIn,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
		maxSkew: DefaultMaxClockSkew,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Submitter) Submit(ctx context.Context, evt event.Event) (core.Receipt, error) {
	if err := Validate(evt); err != nil {
		return core.Receipt{}, err
	}
	if err := s.checkClock(evt); err != nil {
		return core.Receipt{}, err
	}
	return core.Submit(ctx, s.coreIn, evt)
}

// checkClock bounds live timestamps by the process clock. Replay applies
// logged events straight to the engine and never passes through here.
func (s *Submitter) checkClock(evt event.Event) error {
	limit := s.clock().Add(s.maxSkew).Unix()
	if limit < 0 || evt.EventTime() > uint64(limit) {
		return fmt.Errorf("%w: %s at %d, limit %d", ErrFutureTimestamp, evt.EventType(), evt.EventTime(), limit)
	}
	return nil
}

// RunNATS drains raw messages into the core. Rejections are final: the
// message is acked (business error) or terminated (unparseable). Only a
// shutdown naks, leaving the message for the next run.
func (s *Submitter) RunNATS(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			s.count(raw.Subject, s.handle(ctx, raw))
		}
	}
}

func (s *Submitter) handle(ctx context.Context, raw RawEvent) string {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		if raw.TermFunc != nil {
			raw.TermFunc()
		} else {
			raw.AckFunc()
		}
		return "unparseable"
	}
	if err := s.checkClock(evt); err != nil {
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping future-dated message")
		raw.AckFunc()
		return "rejected"
	}

	receipt, err := core.Submit(ctx, s.coreIn, evt)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		raw.NakFunc()
		return "requeued"
	case err != nil:
		s.logger.Debug().Err(err).
			Str("event_type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Str("kind", core.Kind(err).String()).
			Msg("operation rejected")
		raw.AckFunc()
		return "rejected"
	case receipt.Duplicate:
		raw.AckFunc()
		return "duplicate"
	default:
		s.logger.Debug().Int64("sequence", receipt.Sequence).Str("event_type", evt.EventType().String()).Msg("operation applied")
		raw.AckFunc()
		return "applied"
	}
}

func (s *Submitter) count(subject, outcome string) {
	if s.metrics == nil {
		return
	}
	family := "unknown"
	if parts := strings.Split(subject, "."); len(parts) == 3 && parts[0] == "pool" {
		family = parts[1]
	}
	s.metrics.IngestMessages.WithLabelValues(family, outcome).Inc()
}
