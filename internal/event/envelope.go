package event

import (
	"LendRisk/internal/state"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeMint
	OpTypeRedeem
	OpTypeTransfer
	OpTypeBorrow
	OpTypeRepay
	OpTypePostCollateral
	OpTypeRemoveCollateral
	OpTypeClosePosition
	OpTypeLiquidate
	OpTypeLiquidateAccount
	OpTypePriceUpdate
	OpTypeAccrueInterest
	OpTypeListToken
	OpTypeUpdateCollateralToken
	OpTypeSetCollateralCaps
	OpTypeSetPause
	OpTypeSetPositionFolding
)

// Envelope wraps every operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Token context (nil for account-scoped operations)
	Token *state.Token

	// Versioned input timestamp in epoch seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Set for operations injected outside the sequenced feeds; replay
	// must skip cursor validation for these exactly as the original
	// processing did
	OutOfBand bool

	// JSON-encoded operation-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Operation is the interface all operation payloads must implement
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// TokenRef returns the token context (nil for account-scoped operations)
	TokenRef() *state.Token

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (ot OpType) String() string {
	switch ot {
	case OpTypeMint:
		return "Mint"
	case OpTypeRedeem:
		return "Redeem"
	case OpTypeTransfer:
		return "Transfer"
	case OpTypeBorrow:
		return "Borrow"
	case OpTypeRepay:
		return "Repay"
	case OpTypePostCollateral:
		return "PostCollateral"
	case OpTypeRemoveCollateral:
		return "RemoveCollateral"
	case OpTypeClosePosition:
		return "ClosePosition"
	case OpTypeLiquidate:
		return "Liquidate"
	case OpTypeLiquidateAccount:
		return "LiquidateAccount"
	case OpTypePriceUpdate:
		return "PriceUpdate"
	case OpTypeAccrueInterest:
		return "AccrueInterest"
	case OpTypeListToken:
		return "ListToken"
	case OpTypeUpdateCollateralToken:
		return "UpdateCollateralToken"
	case OpTypeSetCollateralCaps:
		return "SetCollateralCaps"
	case OpTypeSetPause:
		return "SetPause"
	case OpTypeSetPositionFolding:
		return "SetPositionFolding"
	default:
		return "Unknown"
	}
}
