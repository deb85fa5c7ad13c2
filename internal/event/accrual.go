package event

import (
	"fmt"

	"LendRisk/internal/state"
)

// AccrueInterest advances one market's borrow index to the operation
// timestamp. Accrual rides the operation log so replay compounds
// interest identically.
type AccrueInterest struct {
	Token     state.Token
	Sequence  int64 // Monotonic per token on the accrual feed
	Timestamp int64 // Epoch seconds (versioned input)
}

func (a *AccrueInterest) IdempotencyKey() string {
	return fmt.Sprintf("%s:accrue:%d", a.Token, a.Sequence)
}

func (a *AccrueInterest) OpType() OpType {
	return OpTypeAccrueInterest
}

func (a *AccrueInterest) TokenRef() *state.Token {
	t := a.Token
	return &t
}

func (a *AccrueInterest) SourceSequence() int64 {
	return a.Sequence
}
