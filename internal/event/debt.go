package event

import (
	"math/big"

	"github.com/google/uuid"

	"LendRisk/internal/state"
)

// Borrow draws debt from a market against the account's posted
// collateral across the whole account.
type Borrow struct {
	OpID      uuid.UUID
	Caller    state.Account
	Account   state.Account
	Token     state.Token
	Amount    *big.Int
	Sequence  int64
	Timestamp int64
}

func (b *Borrow) IdempotencyKey() string {
	return b.OpID.String()
}

func (b *Borrow) OpType() OpType {
	return OpTypeBorrow
}

func (b *Borrow) TokenRef() *state.Token {
	t := b.Token
	return &t
}

func (b *Borrow) SourceSequence() int64 {
	return b.Sequence
}

// Repay pays debt down. A nil or zero Amount repays the full balance.
type Repay struct {
	OpID      uuid.UUID
	Caller    state.Account
	Account   state.Account
	Token     state.Token
	Amount    *big.Int
	Sequence  int64
	Timestamp int64
}

func (r *Repay) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *Repay) OpType() OpType {
	return OpTypeRepay
}

func (r *Repay) TokenRef() *state.Token {
	t := r.Token
	return &t
}

func (r *Repay) SourceSequence() int64 {
	return r.Sequence
}
