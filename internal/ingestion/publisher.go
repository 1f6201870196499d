package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPrefix roots every outbound subject: poolledger.events.{pool}.{type}.
const OutboundPrefix = "poolledger.events"

// OutboundPublisher publishes applied events for downstream consumers.
// Publishing is best effort; the event log stays the source of truth.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedEvent is the outbound message body.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      uint64          `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	Receipt        core.Receipt    `json:"receipt"`
	StateHash      string          `json:"state_hash"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, output); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// OutboundSubject is where the events of one pool and type are published.
func OutboundSubject(poolID uint64, eventType string) string {
	return fmt.Sprintf("%s.%d.%s", OutboundPrefix, poolID, eventType)
}

func (op *OutboundPublisher) publish(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	msg := &PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
		Receipt:        output.Receipt,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The sequence doubles as the JetStream dedup id.
	_, err = op.js.Publish(ctx, OutboundSubject(output.Pool.PoolID, msg.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("%d", env.Sequence)))
	return err
}
