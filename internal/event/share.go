package event

import (
	"math/big"

	"github.com/google/uuid"

	"LendRisk/internal/state"
)

// MintShares represents a deposit minting market token shares.
// Idempotency key: op_id (UUID from upstream).
type MintShares struct {
	OpID      uuid.UUID // Idempotency key
	Caller    state.Account
	Account   state.Account
	Token     state.Token
	Amount    *big.Int // Underlying amount, WAD-scaled
	Sequence  int64    // Source sequence from the ops feed
	Timestamp int64    // Versioned input timestamp (NOT wall-clock)
}

func (m *MintShares) IdempotencyKey() string {
	return m.OpID.String()
}

func (m *MintShares) OpType() OpType {
	return OpTypeMint
}

func (m *MintShares) TokenRef() *state.Token {
	t := m.Token
	return &t
}

func (m *MintShares) SourceSequence() int64 {
	return m.Sequence
}

// RedeemShares represents a withdrawal of market token shares. When
// Force is set the redemption dips into posted collateral and the
// posted balance is reduced to match.
type RedeemShares struct {
	OpID      uuid.UUID
	Caller    state.Account
	Account   state.Account
	Token     state.Token
	Shares    *big.Int
	Force     bool
	Sequence  int64
	Timestamp int64
}

func (r *RedeemShares) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *RedeemShares) OpType() OpType {
	return OpTypeRedeem
}

func (r *RedeemShares) TokenRef() *state.Token {
	t := r.Token
	return &t
}

func (r *RedeemShares) SourceSequence() int64 {
	return r.Sequence
}

// TransferShares moves share balance between accounts.
type TransferShares struct {
	OpID      uuid.UUID
	Caller    state.Account
	From      state.Account
	To        state.Account
	Token     state.Token
	Shares    *big.Int
	Sequence  int64
	Timestamp int64
}

func (t *TransferShares) IdempotencyKey() string {
	return t.OpID.String()
}

func (t *TransferShares) OpType() OpType {
	return OpTypeTransfer
}

func (t *TransferShares) TokenRef() *state.Token {
	tok := t.Token
	return &tok
}

func (t *TransferShares) SourceSequence() int64 {
	return t.Sequence
}
