package state

import "errors"

// Error taxonomy for the risk engine. Every failure surfaced by the
// engine wraps exactly one of these sentinels so callers can classify
// with errors.Is: programmer error (invalid parameter), economic
// rejection (insufficient collateral), or systemic danger (invariant
// violation, which must abort the whole operation and alert).
var (
	ErrConfiguration          = errors.New("risk: invalid configuration")
	ErrUnauthorized           = errors.New("risk: unauthorized")
	ErrTokenNotListed         = errors.New("risk: token not listed")
	ErrTokenAlreadyListed     = errors.New("risk: token already listed")
	ErrPaused                 = errors.New("risk: action paused")
	ErrInsufficientCollateral = errors.New("risk: insufficient collateral")
	ErrNoLiquidationAvailable = errors.New("risk: no liquidation available")
	ErrPrice                  = errors.New("risk: price unavailable")
	ErrCollateralCapReached   = errors.New("risk: collateral cap reached")
	ErrMarketMismatch         = errors.New("risk: market manager mismatch")
	ErrMinimumHoldPeriod      = errors.New("risk: minimum hold period not elapsed")
	ErrInvariant              = errors.New("risk: invariant violation")
	ErrInvalidParameter       = errors.New("risk: invalid parameter")
)
