package math_test

import (
	"math/big"
	"testing"

	fpmath "LendRisk/internal/math"
)

// ============================================================================
// Test: WAD multiplication / division rounding
// ============================================================================

func TestMulWadDown_RoundsTowardZero(t *testing.T) {
	// 1.5 * 1.5 = 2.25 exactly, no rounding needed
	a := big.NewInt(1_500_000_000_000_000_000)
	got := fpmath.MulWadDown(a, a)
	want := big.NewInt(2_250_000_000_000_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}

	// 3 * (1/3 wad-ish) truncates
	third := big.NewInt(333_333_333_333_333_333)
	got = fpmath.MulWadDown(big.NewInt(3), third)
	if got.Cmp(big.NewInt(0)) != 0 {
		t.Errorf("tiny product should truncate to 0, got %s", got)
	}
}

func TestMulWadUp_RoundsAwayFromZero(t *testing.T) {
	third := big.NewInt(333_333_333_333_333_333)
	down := fpmath.MulWadDown(big.NewInt(3), third)
	up := fpmath.MulWadUp(big.NewInt(3), third)
	if up.Cmp(down) <= 0 {
		t.Errorf("up (%s) should exceed down (%s) on inexact division", up, down)
	}
	if diff := new(big.Int).Sub(up, down); diff.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("up and down should differ by exactly one unit, got %s", diff)
	}
}

func TestDivWadDown_Exact(t *testing.T) {
	// 10 / 2.5 = 4
	got := fpmath.DivWadDown(big.NewInt(10_000_000_000_000_000_000/2), big.NewInt(1_250_000_000_000_000_000))
	want := big.NewInt(4_000_000_000_000_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestDivWadUp_InexactAddsUnit(t *testing.T) {
	a := big.NewInt(1_000_000_000_000_000_000)
	b := big.NewInt(3_000_000_000_000_000_000)
	down := fpmath.DivWadDown(a, b)
	up := fpmath.DivWadUp(a, b)
	if diff := new(big.Int).Sub(up, down); diff.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("inexact DivWadUp should add exactly one unit, diff=%s", diff)
	}
}

func TestDivWadUp_ExactNoRounding(t *testing.T) {
	a := big.NewInt(2_000_000_000_000_000_000)
	b := big.NewInt(1_000_000_000_000_000_000)
	up := fpmath.DivWadUp(a, b)
	down := fpmath.DivWadDown(a, b)
	if up.Cmp(down) != 0 {
		t.Errorf("exact division should not round: up=%s down=%s", up, down)
	}
}

func TestMulWad_DoesNotMutateInputs(t *testing.T) {
	a := big.NewInt(7)
	b := big.NewInt(11)
	fpmath.MulWadDown(a, b)
	fpmath.MulWadUp(a, b)
	if a.Int64() != 7 || b.Int64() != 11 {
		t.Errorf("inputs mutated: a=%s b=%s", a, b)
	}
}

// ============================================================================
// Test: Clamp / Min / Max
// ============================================================================

func TestClamp_Bounds(t *testing.T) {
	lo := big.NewInt(0)
	hi := new(big.Int).Set(fpmath.Wad)

	if got := fpmath.Clamp(big.NewInt(-5), lo, hi); got.Sign() != 0 {
		t.Errorf("below range should clamp to lo, got %s", got)
	}
	over := new(big.Int).Add(fpmath.Wad, big.NewInt(1))
	if got := fpmath.Clamp(over, lo, hi); got.Cmp(fpmath.Wad) != 0 {
		t.Errorf("above range should clamp to hi, got %s", got)
	}
	mid := big.NewInt(42)
	if got := fpmath.Clamp(mid, lo, hi); got.Cmp(mid) != 0 {
		t.Errorf("in-range value should pass through, got %s", got)
	}
}

func TestClamp_ReturnsFreshValue(t *testing.T) {
	lo := big.NewInt(0)
	hi := big.NewInt(100)
	x := big.NewInt(50)
	got := fpmath.Clamp(x, lo, hi)
	got.SetInt64(999)
	if x.Int64() != 50 {
		t.Error("mutating clamp result should not affect input")
	}
}

func TestMinMaxBig(t *testing.T) {
	a := big.NewInt(3)
	b := big.NewInt(9)
	if got := fpmath.MinBig(a, b); got.Cmp(a) != 0 {
		t.Errorf("MinBig got %s", got)
	}
	if got := fpmath.MaxBig(a, b); got.Cmp(b) != 0 {
		t.Errorf("MaxBig got %s", got)
	}
}

// ============================================================================
// Test: interest model
// ============================================================================

func TestUtilization_IdleMarketIsZero(t *testing.T) {
	u := fpmath.Utilization(big.NewInt(1_000_000), big.NewInt(0))
	if u.Sign() != 0 {
		t.Errorf("idle market utilization should be 0, got %s", u)
	}
}

func TestUtilization_HalfBorrowed(t *testing.T) {
	u := fpmath.Utilization(big.NewInt(500), big.NewInt(500))
	want := big.NewInt(500_000_000_000_000_000)
	if u.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", u, want)
	}
}

func TestBorrowRate_BelowKinkIsLinear(t *testing.T) {
	m := fpmath.DefaultInterestModel()
	// 50% utilization: base + slope*0.5 = 0.01 + 0.04 = 0.05
	rate := m.BorrowRate(big.NewInt(500), big.NewInt(500))
	want := big.NewInt(50_000_000_000_000_000)
	if rate.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", rate, want)
	}
}

func TestBorrowRate_AboveKinkJumps(t *testing.T) {
	m := fpmath.DefaultInterestModel()
	atKink := m.BorrowRate(big.NewInt(200), big.NewInt(800))
	above := m.BorrowRate(big.NewInt(100), big.NewInt(900))
	if above.Cmp(atKink) <= 0 {
		t.Errorf("rate above kink (%s) should exceed rate at kink (%s)", above, atKink)
	}
}

func TestAccrualFactor_ZeroElapsedIsIdentity(t *testing.T) {
	f := fpmath.AccrualFactor(big.NewInt(50_000_000_000_000_000), 0)
	if f.Cmp(fpmath.Wad) != 0 {
		t.Errorf("zero elapsed should give WAD, got %s", f)
	}
}

func TestAccrualFactor_OneYearAddsFullRate(t *testing.T) {
	rate := big.NewInt(50_000_000_000_000_000) // 5%
	f := fpmath.AccrualFactor(rate, fpmath.SecondsPerYear)
	want := new(big.Int).Add(fpmath.Wad, rate)
	if f.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", f, want)
	}
}

func TestAccrualFactor_RoundsUp(t *testing.T) {
	// 1 second at a rate that does not divide evenly must still accrue
	// at least one unit.
	f := fpmath.AccrualFactor(big.NewInt(1), 1)
	if f.Cmp(fpmath.Wad) <= 0 {
		t.Error("inexact accrual should round up, not truncate to identity")
	}
}
