package event

import (
	"math/big"

	"github.com/google/uuid"

	"LendRisk/internal/state"
)

// PostCollateral pledges already-held shares as collateral. The caller
// may be the account itself, the token, or the configured position
// folding principal.
type PostCollateral struct {
	OpID      uuid.UUID
	Caller    state.Account
	Account   state.Account
	Token     state.Token
	Shares    *big.Int
	Sequence  int64
	Timestamp int64
}

func (p *PostCollateral) IdempotencyKey() string {
	return p.OpID.String()
}

func (p *PostCollateral) OpType() OpType {
	return OpTypePostCollateral
}

func (p *PostCollateral) TokenRef() *state.Token {
	t := p.Token
	return &t
}

func (p *PostCollateral) SourceSequence() int64 {
	return p.Sequence
}

// RemoveCollateral releases posted shares back to the free balance.
// CloseIfPossible retires the position when nothing remains posted.
type RemoveCollateral struct {
	OpID            uuid.UUID
	Caller          state.Account
	Account         state.Account
	Token           state.Token
	Shares          *big.Int
	CloseIfPossible bool
	Sequence        int64
	Timestamp       int64
}

func (r *RemoveCollateral) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *RemoveCollateral) OpType() OpType {
	return OpTypeRemoveCollateral
}

func (r *RemoveCollateral) TokenRef() *state.Token {
	t := r.Token
	return &t
}

func (r *RemoveCollateral) SourceSequence() int64 {
	return r.Sequence
}

// ClosePosition retires an account's position in one token once both
// the posted collateral and the debt balance are zero.
type ClosePosition struct {
	OpID      uuid.UUID
	Caller    state.Account
	Account   state.Account
	Token     state.Token
	Sequence  int64
	Timestamp int64
}

func (c *ClosePosition) IdempotencyKey() string {
	return c.OpID.String()
}

func (c *ClosePosition) OpType() OpType {
	return OpTypeClosePosition
}

func (c *ClosePosition) TokenRef() *state.Token {
	t := c.Token
	return &t
}

func (c *ClosePosition) SourceSequence() int64 {
	return c.Sequence
}
