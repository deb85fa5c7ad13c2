package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LendRisk/internal/observability"
)

// Outbound subjects. Downstream keepers watch the liquidation feed;
// settlement backends watch position closes.
const (
	SubjectLiquidationExecuted = "lend.liquidations.executed"
	SubjectPositionClosed      = "lend.positions.closed"
)

// OutboundPublisher publishes applied operations that downstream
// systems care about. Publishing happens after the core has committed,
// so consumers never see an op that later rolled back.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is an applied operation ready for outbound publish.
type PublishableEvent struct {
	Subject        string      `json:"-"`
	Sequence       int64       `json:"sequence"`
	OpType         string      `json:"op_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Token          *string     `json:"token,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      int64       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run drains the publish channel until ctx is cancelled or the channel
// closes. Publish failures are logged and skipped: the audit trail in
// Postgres is the source of truth, outbound events are a convenience.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().
					Err(err).
					Int64("sequence", evt.Sequence).
					Str("subject", evt.Subject).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, evt.Subject, data)
	return err
}

// EnsureOutboundStream creates the stream backing the outbound feeds.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "LEND_EVENTS",
		Subjects:  []string{"lend.liquidations.>", "lend.positions.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
