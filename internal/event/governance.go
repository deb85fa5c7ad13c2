package event

import (
	"fmt"
	"math/big"

	"LendRisk/internal/state"
)

// PauseKind selects which operation class a pause toggle targets.
type PauseKind int32

const (
	PauseMint     PauseKind = iota // per token
	PauseBorrow                    // per token
	PauseRedeem                    // market-wide
	PauseTransfer                  // market-wide
	PauseSeize                     // market-wide
)

func (pk PauseKind) String() string {
	switch pk {
	case PauseMint:
		return "mint"
	case PauseBorrow:
		return "borrow"
	case PauseRedeem:
		return "redeem"
	case PauseTransfer:
		return "transfer"
	case PauseSeize:
		return "seize"
	default:
		return "unknown"
	}
}

// ListToken admits a token into the market with zeroed risk parameters.
// When received, the core starts the backing market and registers the
// token; collateralization stays disabled until parameters arrive.
type ListToken struct {
	Caller         state.Account
	Token          state.Token
	Collateral     bool     // Token kind reported by the backend
	InitialDeposit *big.Int // Locked at market start to pin the share price
	Sequence       int64    // Source sequence on the governance feed
	Timestamp      int64
}

func (l *ListToken) IdempotencyKey() string {
	return fmt.Sprintf("gov:list:%s:%d", l.Token, l.Sequence)
}

func (l *ListToken) OpType() OpType {
	return OpTypeListToken
}

func (l *ListToken) TokenRef() *state.Token {
	t := l.Token
	return &t
}

func (l *ListToken) SourceSequence() int64 {
	return l.Sequence
}

// UpdateCollateralToken replaces a collateral token's risk parameters.
// The core runs the ordered validation chain before anything is stored.
type UpdateCollateralToken struct {
	Caller    state.Account
	Token     state.Token
	Params    state.CollateralParams
	Sequence  int64
	Timestamp int64
}

func (u *UpdateCollateralToken) IdempotencyKey() string {
	return fmt.Sprintf("gov:params:%s:%d", u.Token, u.Sequence)
}

func (u *UpdateCollateralToken) OpType() OpType {
	return OpTypeUpdateCollateralToken
}

func (u *UpdateCollateralToken) TokenRef() *state.Token {
	t := u.Token
	return &t
}

func (u *UpdateCollateralToken) SourceSequence() int64 {
	return u.Sequence
}

// SetCollateralCaps applies new global posting caps to a batch of
// tokens in one operation.
type SetCollateralCaps struct {
	Caller    state.Account
	Tokens    []state.Token
	Caps      []*big.Int
	Sequence  int64
	Timestamp int64
}

func (s *SetCollateralCaps) IdempotencyKey() string {
	return fmt.Sprintf("gov:caps:%d", s.Sequence)
}

func (s *SetCollateralCaps) OpType() OpType {
	return OpTypeSetCollateralCaps
}

func (s *SetCollateralCaps) TokenRef() *state.Token {
	return nil // Batch-scoped
}

func (s *SetCollateralCaps) SourceSequence() int64 {
	return s.Sequence
}

// SetPause toggles one pause flag. Turning protection ON takes the
// elevated (guardian) permission; turning it OFF takes the DAO.
type SetPause struct {
	Caller    state.Account
	Kind      PauseKind
	Token     *state.Token // Set for per-token kinds, nil otherwise
	Paused    bool
	Sequence  int64
	Timestamp int64
}

func (s *SetPause) IdempotencyKey() string {
	return fmt.Sprintf("gov:pause:%s:%d", s.Kind, s.Sequence)
}

func (s *SetPause) OpType() OpType {
	return OpTypeSetPause
}

func (s *SetPause) TokenRef() *state.Token {
	return s.Token
}

func (s *SetPause) SourceSequence() int64 {
	return s.Sequence
}

// SetPositionFolding grants or revokes the folding principal's right to
// act on accounts' behalf.
type SetPositionFolding struct {
	Caller    state.Account
	Address   state.Account
	Enabled   bool
	Sequence  int64
	Timestamp int64
}

func (s *SetPositionFolding) IdempotencyKey() string {
	return fmt.Sprintf("gov:folding:%d", s.Sequence)
}

func (s *SetPositionFolding) OpType() OpType {
	return OpTypeSetPositionFolding
}

func (s *SetPositionFolding) TokenRef() *state.Token {
	return nil // Global
}

func (s *SetPositionFolding) SourceSequence() int64 {
	return s.Sequence
}
