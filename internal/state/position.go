package state

import (
	"math/big"
)

// Account is a market participant, canonically a lowercase hex address.
type Account string

// Token is a market token address.
type Token string

// PositionStatus tracks whether an account has an open position in a
// token (borrowed it, or posted it as collateral).
type PositionStatus int32

const (
	PositionNone PositionStatus = iota
	PositionActive
)

func (ps PositionStatus) String() string {
	switch ps {
	case PositionNone:
		return "None"
	case PositionActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates position lifecycle transitions. Activation
// happens on first borrow or first collateral post; deactivation only
// once both debt and posted collateral are zero (or forcibly during
// whole-account liquidation).
func (ps PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionNone:   {PositionActive},
		PositionActive: {PositionNone},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if next == s {
			return true
		}
	}
	return false
}

// AccountMetadata is the per-(token, account) record: activity flag and
// the share amount explicitly posted as collateral. Posted shares are a
// subset of the account's token balance, never the raw balance.
type AccountMetadata struct {
	ActivePosition   PositionStatus
	CollateralPosted *big.Int
}

func NewAccountMetadata() *AccountMetadata {
	return &AccountMetadata{
		ActivePosition:   PositionNone,
		CollateralPosted: new(big.Int),
	}
}

func (m *AccountMetadata) Clone() *AccountMetadata {
	return &AccountMetadata{
		ActivePosition:   m.ActivePosition,
		CollateralPosted: new(big.Int).Set(m.CollateralPosted),
	}
}
