package oracle_test

import (
	"errors"
	"testing"

	fpmath "LendRisk/internal/math"
	"LendRisk/internal/oracle"
	"LendRisk/internal/state"
)

func newRouter() *oracle.Router {
	// 60s collateral window, 300s debt window, default caution band.
	return oracle.NewRouter(60, 300, nil)
}

func mustApply(t *testing.T, r *oracle.Router, u oracle.Update) {
	t.Helper()
	applied, err := r.Apply(u)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !applied {
		t.Fatalf("update %d for %s not applied", u.Sequence, u.Token)
	}
}

// ============================================================================
// Test: Apply
// ============================================================================

func TestRouter_ApplyRejectsNonPositivePrice(t *testing.T) {
	r := newRouter()
	_, err := r.Apply(oracle.Update{Token: "tokA", Price: fpmath.Bint(0), Confidence: fpmath.Bint(0), Timestamp: 100, Sequence: 1})
	if !errors.Is(err, state.ErrPrice) {
		t.Fatalf("expected ErrPrice, got %v", err)
	}
}

func TestRouter_ApplyDropsOutOfOrderSequence(t *testing.T) {
	r := newRouter()
	mustApply(t, r, oracle.Update{Token: "tokA", Price: fpmath.Bint(100), Confidence: fpmath.Bint(0), Timestamp: 100, Sequence: 5})

	applied, err := r.Apply(oracle.Update{Token: "tokA", Price: fpmath.Bint(999), Confidence: fpmath.Bint(0), Timestamp: 101, Sequence: 4})
	if err != nil {
		t.Fatalf("stale sequence should not error: %v", err)
	}
	if applied {
		t.Fatal("stale sequence was applied")
	}

	q := r.Quote("tokA", false, false, 100)
	if q.Price.Cmp(fpmath.Bint(100)) != 0 {
		t.Errorf("price = %s, want 100 (stale write must not land)", q.Price)
	}
}

// ============================================================================
// Test: Quote sides and codes
// ============================================================================

func TestRouter_QuoteSelectsSideOfBand(t *testing.T) {
	r := newRouter()
	mustApply(t, r, oracle.Update{
		Token:      "tokA",
		Price:      fpmath.Bint(1_000_000_000_000_000_000),
		Confidence: fpmath.Bint(5_000_000_000_000_000),
		Timestamp:  100,
		Sequence:   1,
	})

	low := r.Quote("tokA", true, true, 110)
	high := r.Quote("tokA", false, false, 110)

	if low.Code != oracle.CodeNone || high.Code != oracle.CodeNone {
		t.Fatalf("codes = %v/%v, want None/None", low.Code, high.Code)
	}
	if got, want := low.Price, fpmath.Bint(995_000_000_000_000_000); got.Cmp(want) != 0 {
		t.Errorf("low = %s, want %s", got, want)
	}
	if got, want := high.Price, fpmath.Bint(1_005_000_000_000_000_000); got.Cmp(want) != 0 {
		t.Errorf("high = %s, want %s", got, want)
	}
}

func TestRouter_QuoteUnknownTokenIsBadSource(t *testing.T) {
	r := newRouter()
	q := r.Quote("missing", true, true, 100)
	if q.Code != oracle.CodeBadSource {
		t.Errorf("code = %v, want BadSource", q.Code)
	}
	if q.Price != nil {
		t.Errorf("price = %s, want nil", q.Price)
	}
}

func TestRouter_QuoteWideBandIsCaution(t *testing.T) {
	// 3% band exceeds the 2% default caution threshold.
	r := newRouter()
	mustApply(t, r, oracle.Update{
		Token:      "tokA",
		Price:      fpmath.Bint(1_000_000_000_000_000_000),
		Confidence: fpmath.Bint(30_000_000_000_000_000),
		Timestamp:  100,
		Sequence:   1,
	})

	q := r.Quote("tokA", true, true, 110)
	if q.Code != oracle.CodeCaution {
		t.Errorf("code = %v, want Caution", q.Code)
	}
	if q.Price == nil {
		t.Error("caution quote should still carry a price")
	}
}

func TestRouter_QuoteBandSwallowingPriceIsBadSource(t *testing.T) {
	r := newRouter()
	mustApply(t, r, oracle.Update{
		Token:      "tokA",
		Price:      fpmath.Bint(100),
		Confidence: fpmath.Bint(100),
		Timestamp:  100,
		Sequence:   1,
	})

	if q := r.Quote("tokA", true, true, 110); q.Code != oracle.CodeBadSource {
		t.Errorf("code = %v, want BadSource", q.Code)
	}
}

func TestRouter_StalenessWindowPerSide(t *testing.T) {
	r := newRouter()
	mustApply(t, r, oracle.Update{Token: "tokA", Price: fpmath.Bint(100), Confidence: fpmath.Bint(0), Timestamp: 1000, Sequence: 1})

	// 120s later: past the 60s collateral window, inside the 300s debt
	// window.
	if q := r.Quote("tokA", true, true, 1120); q.Code != oracle.CodeBadSource {
		t.Errorf("collateral code = %v, want BadSource", q.Code)
	}
	if q := r.Quote("tokA", false, false, 1120); q.Code != oracle.CodeNone {
		t.Errorf("debt code = %v, want None", q.Code)
	}
}

// ============================================================================
// Test: batching and clone
// ============================================================================

func TestRouter_QuotesBatchPreservesOrder(t *testing.T) {
	r := newRouter()
	mustApply(t, r, oracle.Update{Token: "tokA", Price: fpmath.Bint(100), Confidence: fpmath.Bint(0), Timestamp: 100, Sequence: 1})
	mustApply(t, r, oracle.Update{Token: "tokB", Price: fpmath.Bint(200), Confidence: fpmath.Bint(0), Timestamp: 100, Sequence: 1})

	out := r.Quotes([]oracle.Request{
		{Token: "tokB", WantLow: false},
		{Token: "tokA", WantLow: true, IsCollateral: true},
		{Token: "missing"},
	}, 110)

	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[0].Price.Cmp(fpmath.Bint(200)) != 0 {
		t.Errorf("out[0] = %s, want 200", out[0].Price)
	}
	if out[1].Price.Cmp(fpmath.Bint(100)) != 0 {
		t.Errorf("out[1] = %s, want 100", out[1].Price)
	}
	if out[2].Code != oracle.CodeBadSource {
		t.Errorf("out[2] code = %v, want BadSource", out[2].Code)
	}
}

func TestRouter_CloneIsIndependent(t *testing.T) {
	r := newRouter()
	mustApply(t, r, oracle.Update{Token: "tokA", Price: fpmath.Bint(100), Confidence: fpmath.Bint(0), Timestamp: 100, Sequence: 1})

	c := r.Clone()
	mustApply(t, c, oracle.Update{Token: "tokA", Price: fpmath.Bint(500), Confidence: fpmath.Bint(0), Timestamp: 101, Sequence: 2})

	if q := r.Quote("tokA", false, false, 110); q.Price.Cmp(fpmath.Bint(100)) != 0 {
		t.Errorf("original price = %s, want 100", q.Price)
	}
	if string(r.CanonicalBytes()) == string(c.CanonicalBytes()) {
		t.Error("diverged routers still hash identically")
	}
}
