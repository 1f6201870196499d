package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream names. Inbound operations land in OpsStream, applied events are
// republished to EventsStream.
const (
	OpsStream    = "POOL_OPS"
	EventsStream = "POOL_LEDGER_EVENTS"
)

// Families are the inbound subject groups, one durable consumer each:
// pool.{family}.{EventType}.
var Families = []string{"wallet", "staking", "cover", "admin", "keeper"}

// RawEvent is an undecoded message ready for ParseRawEvent. Exactly one of
// the callbacks is called once the core has answered.
type RawEvent struct {
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func()
	NakFunc  func()
	TermFunc func()
}

// SubjectConfig binds one durable consumer to a subject filter.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	AckWait      time.Duration
	MaxDeliver   int
}

// DefaultSubjects returns one consumer per family on OpsStream.
func DefaultSubjects() []SubjectConfig {
	out := make([]SubjectConfig, 0, len(Families))
	for _, f := range Families {
		out = append(out, SubjectConfig{
			Subject:      "pool." + f + ".>",
			ConsumerName: "ledger-" + f,
			StreamName:   OpsStream,
			AckWait:      30 * time.Second,
			MaxDeliver:   5,
		})
	}
	return out
}

// NATSSubscriber consumes inbound operations from JetStream. A message is
// acked only after the core answered, so a crash in between means
// redelivery, which the idempotency key absorbs.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, eventChan: eventChan, logger: logger}
}

// Subscribe creates or updates the durable consumers and starts consuming.
// Messages received after ctx ends are nak'd for the next run.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, sc := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, sc.StreamName, jetstream.ConsumerConfig{
			Durable:       sc.ConsumerName,
			Description:   "pool ledger ingestion for " + sc.Subject,
			FilterSubject: sc.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       sc.AckWait,
			MaxDeliver:    sc.MaxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("consumer %s: %w", sc.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) { ns.dispatch(ctx, msg) })
		if err != nil {
			return fmt.Errorf("consume %s: %w", sc.ConsumerName, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", sc.Subject).Str("consumer", sc.ConsumerName).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) dispatch(ctx context.Context, msg jetstream.Msg) {
	raw := RawEvent{
		Subject:  msg.Subject(),
		Data:     msg.Data(),
		Received: time.Now(),
		AckFunc:  func() { ns.settle(msg.Ack(), msg) },
		NakFunc:  func() { ns.settle(msg.Nak(), msg) },
		TermFunc: func() { ns.settle(msg.Term(), msg) },
	}
	select {
	case ns.eventChan <- raw:
	case <-ctx.Done():
		msg.Nak()
	}
}

func (ns *NATSSubscriber) settle(err error, msg jetstream.Msg) {
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed, message will be redelivered")
	}
}

// Stop stops every consumer. In-flight messages stay unacked.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Int("consumers", len(ns.consumers)).Msg("NATS consumers stopped")
}

// EnsureStreams creates or updates the inbound and outbound streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, storage jetstream.StorageType) error {
	inbound := make([]string, 0, len(Families))
	for _, f := range Families {
		inbound = append(inbound, "pool."+f+".>")
	}
	streams := []jetstream.StreamConfig{
		{Name: OpsStream, Subjects: inbound},
		{Name: EventsStream, Subjects: []string{OutboundPrefix + ".>"}, Duplicates: 10 * time.Minute},
	}
	for _, sc := range streams {
		sc.Storage = storage
		sc.Retention = jetstream.LimitsPolicy
		sc.MaxAge = 72 * time.Hour
		sc.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

// ConnectNATS dials with unlimited reconnects and returns the JetStream
// handle next to the connection.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("poolledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
