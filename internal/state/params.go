package state

import (
	"fmt"
	"math/big"

	fpmath "LendRisk/internal/math"
)

// Governance bounds for collateral risk parameters, WAD scaled.
var (
	// MaxCollRatio caps the collateralization ratio at 91%.
	MaxCollRatio = fpmath.Bint(910_000_000_000_000_000)
	// MaxCollPremium caps either liquidation premium at 234%.
	MaxCollPremium = fpmath.Bint(2_340_000_000_000_000_000)
	// MaxLiqIncentive caps the hard liquidation incentive at 30%.
	MaxLiqIncentive = fpmath.Bint(300_000_000_000_000_000)
	// MinExcessPremium is the margin the hard premium must keep above
	// the hard incentive so seized collateral covers the payout (1.5%).
	MinExcessPremium = fpmath.Bint(15_000_000_000_000_000)
	// MaxLiqFee caps the protocol's cut of seized collateral at 5%.
	MaxLiqFee = fpmath.Bint(50_000_000_000_000_000)
	// MinLiquidatorIncentive is the least a liquidator may net after
	// the protocol fee (1%).
	MinLiquidatorIncentive = fpmath.Bint(10_000_000_000_000_000)
	// MinBaseCFactor and MaxCFactor bound the close factor to 10%-50%.
	MinBaseCFactor = fpmath.Bint(100_000_000_000_000_000)
	MaxCFactor     = fpmath.Bint(500_000_000_000_000_000)
)

// CollateralParams carries the raw governance inputs for a collateral
// token update. Premiums and incentives are given as excess over one
// (0.05e18 means 5%); the stored record forms are derived on apply.
type CollateralParams struct {
	CollRatio     *big.Int
	SoftPremium   *big.Int
	HardPremium   *big.Int
	SoftIncentive *big.Int
	HardIncentive *big.Int
	LiqFee        *big.Int
	BaseCFactor   *big.Int
	CFactorCurve  *big.Int
}

// Validate runs the parameter checks in a fixed order so a set that
// violates several bounds always reports the same first failure.
func (p CollateralParams) Validate() error {
	inputs := []struct {
		name string
		v    *big.Int
	}{
		{"collRatio", p.CollRatio},
		{"softPremium", p.SoftPremium},
		{"hardPremium", p.HardPremium},
		{"softIncentive", p.SoftIncentive},
		{"hardIncentive", p.HardIncentive},
		{"liqFee", p.LiqFee},
		{"baseCFactor", p.BaseCFactor},
		{"cFactorCurve", p.CFactorCurve},
	}
	for _, in := range inputs {
		if in.v == nil || in.v.Sign() < 0 {
			return fmt.Errorf("%w: %s must be a non-negative WAD value", ErrInvalidParameter, in.name)
		}
	}

	if p.CollRatio.Cmp(MaxCollRatio) > 0 {
		return fmt.Errorf("%w: collateralization ratio %s exceeds maximum %s", ErrInvalidParameter, p.CollRatio, MaxCollRatio)
	}
	if p.SoftPremium.Cmp(MaxCollPremium) > 0 {
		return fmt.Errorf("%w: soft liquidation premium %s exceeds maximum %s", ErrInvalidParameter, p.SoftPremium, MaxCollPremium)
	}
	if p.HardIncentive.Cmp(MaxLiqIncentive) > 0 {
		return fmt.Errorf("%w: hard liquidation incentive %s exceeds maximum %s", ErrInvalidParameter, p.HardIncentive, MaxLiqIncentive)
	}
	if p.HardPremium.Cmp(p.SoftPremium) >= 0 {
		return fmt.Errorf("%w: hard premium %s must be below soft premium %s", ErrInvalidParameter, p.HardPremium, p.SoftPremium)
	}
	if p.SoftIncentive.Cmp(p.HardIncentive) >= 0 {
		return fmt.Errorf("%w: soft incentive %s must be below hard incentive %s", ErrInvalidParameter, p.SoftIncentive, p.HardIncentive)
	}
	incentiveFloor := new(big.Int).Add(p.HardIncentive, MinExcessPremium)
	if incentiveFloor.Cmp(p.HardPremium) > 0 {
		return fmt.Errorf("%w: hard premium %s does not cover hard incentive %s plus %s buffer", ErrInvalidParameter, p.HardPremium, p.HardIncentive, MinExcessPremium)
	}
	if p.LiqFee.Cmp(MaxLiqFee) > 0 {
		return fmt.Errorf("%w: liquidation fee %s exceeds maximum %s", ErrInvalidParameter, p.LiqFee, MaxLiqFee)
	}
	liquidatorNet := new(big.Int).Sub(p.SoftIncentive, p.LiqFee)
	if liquidatorNet.Cmp(MinLiquidatorIncentive) < 0 {
		return fmt.Errorf("%w: liquidator net incentive %s below minimum %s", ErrInvalidParameter, liquidatorNet, MinLiquidatorIncentive)
	}
	if p.BaseCFactor.Cmp(MinBaseCFactor) < 0 {
		return fmt.Errorf("%w: base close factor %s below minimum %s", ErrInvalidParameter, p.BaseCFactor, MinBaseCFactor)
	}
	maxCFactor := new(big.Int).Add(p.BaseCFactor, p.CFactorCurve)
	if maxCFactor.Cmp(MaxCFactor) > 0 {
		return fmt.Errorf("%w: close factor ceiling %s exceeds maximum %s", ErrInvalidParameter, maxCFactor, MaxCFactor)
	}
	// collRatio * collReqSoft <= 1 keeps soft liquidation reachable
	// before the account is outright insolvent.
	collReqSoft := new(big.Int).Add(fpmath.Wad, p.SoftPremium)
	product := new(big.Int).Mul(p.CollRatio, collReqSoft)
	if product.Cmp(fpmath.WadBig) > 0 {
		return fmt.Errorf("%w: collateralization ratio %s with soft premium %s crosses insolvency", ErrInvalidParameter, p.CollRatio, p.SoftPremium)
	}

	return nil
}

// ApplyTo writes the derived stored forms onto the token record. Must
// be called only after Validate has passed.
//
// The stored liquidation fee is pre-divided by the soft incentive so
// the seize path can multiply it directly against seized shares.
func (p CollateralParams) ApplyTo(t *TokenRecord) {
	t.CollRatio = fpmath.Copy(p.CollRatio)
	t.CollReqSoft = new(big.Int).Add(fpmath.Wad, p.SoftPremium)
	t.CollReqHard = new(big.Int).Add(fpmath.Wad, p.HardPremium)
	t.LiqBaseIncentive = new(big.Int).Add(fpmath.Wad, p.SoftIncentive)
	t.LiqCurve = new(big.Int).Sub(p.HardIncentive, p.SoftIncentive)
	t.LiqFee = fpmath.DivWadDown(p.LiqFee, t.LiqBaseIncentive)
	t.BaseCFactor = fpmath.Copy(p.BaseCFactor)
	t.CFactorCurve = fpmath.Copy(p.CFactorCurve)
}
