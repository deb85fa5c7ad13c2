package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"LendRisk/internal/event"
	"LendRisk/internal/state"
)

// GRPCIngestService provides admin/manual operation injection via the
// gRPC surface. It is for emergencies and operational corrections;
// high-throughput ingestion stays on NATS.
type GRPCIngestService struct {
	opChan chan<- event.Operation
}

func NewGRPCIngestService(opChan chan<- event.Operation) *GRPCIngestService {
	return &GRPCIngestService{opChan: opChan}
}

// InjectOperation pushes an already-built operation into the admin
// feed. The core processes it out of band — feed cursors stay put —
// but dedup still applies, so the caller owns the idempotency key.
func (s *GRPCIngestService) InjectOperation(ctx context.Context, op event.Operation) error {
	select {
	case s.opChan <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectPriceUpdate seeds a price when the oracle feed is down. The
// source sequence is the current microsecond clock, which sorts after
// any feed-assigned sequence in practice.
func (s *GRPCIngestService) InjectPriceUpdate(
	ctx context.Context,
	token state.Token,
	price *big.Int,
	confidence *big.Int,
) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if confidence == nil {
		confidence = new(big.Int)
	}

	op := &event.PriceUpdate{
		Token:          token,
		Price:          price,
		Confidence:     confidence,
		PriceSequence:  time.Now().UnixMicro(),
		PriceTimestamp: time.Now().Unix(),
	}

	return s.InjectOperation(ctx, op)
}

// InjectAccrual forces an interest accrual tick for one market.
func (s *GRPCIngestService) InjectAccrual(ctx context.Context, token state.Token) error {
	op := &event.AccrueInterest{
		Token:     token,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now().Unix(),
	}

	return s.InjectOperation(ctx, op)
}

// InjectPause toggles a pause flag without waiting on the governance
// feed. The injection is processed out of band, so the microsecond
// clock serves only to make repeat injections distinct for dedup.
// Permission checks still run in the core: pausing takes the elevated
// permission, unpausing takes the DAO.
func (s *GRPCIngestService) InjectPause(
	ctx context.Context,
	caller state.Account,
	kind string,
	token *state.Token,
	paused bool,
) error {
	pk, err := ParsePauseKind(kind)
	if err != nil {
		return err
	}
	if (pk == event.PauseMint || pk == event.PauseBorrow) && token == nil {
		return fmt.Errorf("pause kind %s requires a token", kind)
	}

	op := &event.SetPause{
		Caller:    caller,
		Kind:      pk,
		Token:     token,
		Paused:    paused,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now().Unix(),
	}

	return s.InjectOperation(ctx, op)
}
