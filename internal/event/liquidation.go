package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"LendRisk/internal/state"
)

// Liquidate repays part of a delinquent account's debt in one token and
// seizes posted collateral in another. Exact mode validates Amount
// against the close-factor cap; otherwise the engine liquidates the
// maximum.
type Liquidate struct {
	LiquidationID   uuid.UUID
	Caller          state.Account // must be the debt token's principal
	Liquidator      state.Account
	Borrower        state.Account
	DebtToken       state.Token
	CollateralToken state.Token
	Amount          *big.Int
	Exact           bool
	Sequence        int64
	Timestamp       int64
}

func (l *Liquidate) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *Liquidate) OpType() OpType {
	return OpTypeLiquidate
}

func (l *Liquidate) TokenRef() *state.Token {
	t := l.DebtToken
	return &t
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}

// LiquidateAccount liquidates every position of an insolvent account in
// one pass, socializing whatever debt the collateral cannot cover.
type LiquidateAccount struct {
	LiquidationID uuid.UUID
	Liquidator    state.Account
	Borrower      state.Account
	Sequence      int64
	Timestamp     int64
}

func (l *LiquidateAccount) IdempotencyKey() string {
	return fmt.Sprintf("%s:account", l.LiquidationID)
}

func (l *LiquidateAccount) OpType() OpType {
	return OpTypeLiquidateAccount
}

func (l *LiquidateAccount) TokenRef() *state.Token {
	return nil // Account-scoped
}

func (l *LiquidateAccount) SourceSequence() int64 {
	return l.Sequence
}
