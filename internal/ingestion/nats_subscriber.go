package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LendRisk/internal/observability"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// operations into the risk engine via the eventChan. JetStream is the
// primary high-throughput ingestion surface; each operation type has
// its own subject so producers can scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is the received-but-untyped operation from NATS, ready for
// the shell to validate and convert into a typed event.Operation before
// handing it to the engine.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps one NATS subject to one operation type.
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. User operations
// ride lend.ops.>, oracle observations lend.prices.>, accrual ticks
// lend.accrual.>, and governance actions lend.gov.>.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.ops.mint.>", OpType: "Mint", ConsumerName: "risk-ops-mint", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.redeem.>", OpType: "Redeem", ConsumerName: "risk-ops-redeem", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.transfer.>", OpType: "Transfer", ConsumerName: "risk-ops-transfer", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.borrow.>", OpType: "Borrow", ConsumerName: "risk-ops-borrow", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.repay.>", OpType: "Repay", ConsumerName: "risk-ops-repay", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.collateral.post.>", OpType: "PostCollateral", ConsumerName: "risk-ops-post", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.collateral.remove.>", OpType: "RemoveCollateral", ConsumerName: "risk-ops-remove", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.position.close.>", OpType: "ClosePosition", ConsumerName: "risk-ops-close", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.liquidation.partial.>", OpType: "Liquidate", ConsumerName: "risk-ops-liq-partial", StreamName: "LEND_OPS"},
		{Subject: "lend.ops.liquidation.account.>", OpType: "LiquidateAccount", ConsumerName: "risk-ops-liq-account", StreamName: "LEND_OPS"},
		{Subject: "lend.prices.>", OpType: "PriceUpdate", ConsumerName: "risk-prices", StreamName: "LEND_PRICES"},
		{Subject: "lend.accrual.>", OpType: "AccrueInterest", ConsumerName: "risk-accrual", StreamName: "LEND_ACCRUAL"},
		{Subject: "lend.gov.list.>", OpType: "ListToken", ConsumerName: "risk-gov-list", StreamName: "LEND_GOV"},
		{Subject: "lend.gov.params.>", OpType: "UpdateCollateralToken", ConsumerName: "risk-gov-params", StreamName: "LEND_GOV"},
		{Subject: "lend.gov.caps.>", OpType: "SetCollateralCaps", ConsumerName: "risk-gov-caps", StreamName: "LEND_GOV"},
		{Subject: "lend.gov.pause.>", OpType: "SetPause", ConsumerName: "risk-gov-pause", StreamName: "LEND_GOV"},
		{Subject: "lend.gov.folding.>", OpType: "SetPositionFolding", ConsumerName: "risk-gov-folding", StreamName: "LEND_GOV"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       observability.NewLogger("nats-ingest"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-ingest")

	streams := []jetstream.StreamConfig{
		{
			Name:      "LEND_OPS",
			Subjects:  []string{"lend.ops.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_PRICES",
			Subjects:  []string{"lend.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_ACCRUAL",
			Subjects:  []string{"lend.accrual.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_GOV",
			Subjects:  []string{"lend.gov.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats-ingest")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
