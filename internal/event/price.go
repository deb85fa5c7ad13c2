package event

import (
	"fmt"
	"math/big"

	"LendRisk/internal/state"
)

// PriceUpdate carries one oracle observation: a mid price with a
// confidence interval, sequenced per token feed.
type PriceUpdate struct {
	Token          state.Token
	Price          *big.Int // Mid price, WAD-scaled
	Confidence     *big.Int // Half-width of the confidence interval
	PriceSequence  int64    // Monotonic per token
	PriceTimestamp int64    // Epoch seconds (versioned input)
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Token, p.PriceSequence)
}

func (p *PriceUpdate) OpType() OpType {
	return OpTypePriceUpdate
}

func (p *PriceUpdate) TokenRef() *state.Token {
	t := p.Token
	return &t
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}
