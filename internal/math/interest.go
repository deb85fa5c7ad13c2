package math

import (
	"math/big"
)

// SecondsPerYear is the accrual denominator (365 days).
const SecondsPerYear = 31_536_000

// InterestModel is the two-slope utilization curve used by the market
// token book: rate = base + slope*u below the kink, plus jump*(u-kink)
// above it. All fields are WAD-scaled annual rates.
type InterestModel struct {
	BaseRate  *big.Int
	Slope     *big.Int
	Kink      *big.Int
	JumpSlope *big.Int
}

// DefaultInterestModel returns a conservative curve: 1% base, 8% slope,
// kink at 80% utilization with a 200% jump slope.
func DefaultInterestModel() InterestModel {
	return InterestModel{
		BaseRate:  Bint(10_000_000_000_000_000),    // 0.01
		Slope:     Bint(80_000_000_000_000_000),    // 0.08
		Kink:      Bint(800_000_000_000_000_000),   // 0.80
		JumpSlope: Bint(2_000_000_000_000_000_000), // 2.00
	}
}

// Utilization returns borrows/(cash+borrows) in WAD, zero when idle.
func Utilization(cash, borrows *big.Int) *big.Int {
	if IsZero(borrows) {
		return new(big.Int)
	}
	total := new(big.Int).Add(cash, borrows)
	if total.Sign() <= 0 {
		return new(big.Int)
	}
	return DivWadDown(borrows, total)
}

// BorrowRate returns the annual borrow rate (WAD) for a utilization level.
func (m InterestModel) BorrowRate(cash, borrows *big.Int) *big.Int {
	u := Utilization(cash, borrows)
	rate := new(big.Int).Add(m.BaseRate, MulWadDown(m.Slope, MinBig(u, m.Kink)))
	if u.Cmp(m.Kink) > 0 {
		over := new(big.Int).Sub(u, m.Kink)
		rate.Add(rate, MulWadDown(m.JumpSlope, over))
	}
	return rate
}

// AccrualFactor returns WAD + rate*elapsed/SecondsPerYear: the linear
// growth multiplier for one accrual window. Rounds up so accrued
// interest is never understated against borrowers.
func AccrualFactor(annualRate *big.Int, elapsedSeconds int64) *big.Int {
	if elapsedSeconds <= 0 || IsZero(annualRate) {
		return new(big.Int).Set(Wad)
	}
	delta := new(big.Int).Mul(annualRate, big.NewInt(elapsedSeconds))
	delta = ceilDiv(delta, big.NewInt(SecondsPerYear))
	return new(big.Int).Add(Wad, delta)
}
