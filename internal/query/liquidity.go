package query

import "LendRisk/internal/core"

// EngineView is the slice of the core engine the query layer reads.
// Committed worlds are immutable, so a snapshot can be valued without
// holding any engine lock.
type EngineView interface {
	Snapshot() *core.World
	Sequence() int64
}

// AccountLiquidityResponse is an account's solvency picture computed
// from live engine state, not from projections. Values are WAD-scaled
// base-10 strings.
type AccountLiquidityResponse struct {
	Account string `json:"account"`

	// Premium-discounted collateral values and high-priced debt, as the
	// liquidation path sees them.
	CollateralSoft string `json:"collateral_soft"`
	CollateralHard string `json:"collateral_hard"`
	Debt           string `json:"debt"`

	// Liquidation severity: zero while the soft threshold holds,
	// saturating at WAD past the hard threshold.
	LFactor string `json:"l_factor"`
	Solvent bool   `json:"solvent"`

	// Borrow-admission headroom against collRatio-weighted collateral.
	// At most one of the two is non-zero.
	Excess  string `json:"excess"`
	Deficit string `json:"deficit"`

	AsOfSequence int64 `json:"as_of_sequence"`
	Timestamp    int64 `json:"timestamp"`
}
