package core_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	"LendRisk/internal/state"
	"LendRisk/internal/token"
)

// --- Test helpers ---

func (f *fixture) liquidate(caller state.Account, dTok, cTok state.Token, borrower state.Account, amount *big.Int, exact bool, ts int64) error {
	return f.engine.ProcessOperation(&event.Liquidate{
		LiquidationID:   uuid.New(),
		Caller:          caller,
		Liquidator:      liquidator,
		Borrower:        borrower,
		DebtToken:       dTok,
		CollateralToken: cTok,
		Amount:          amount,
		Exact:           exact,
		Sequence:        f.nextOps(),
		Timestamp:       ts,
	})
}

func (f *fixture) liquidateAccount(liq, borrower state.Account, ts int64) error {
	return f.engine.ProcessOperation(&event.LiquidateAccount{
		LiquidationID: uuid.New(),
		Liquidator:    liq,
		Borrower:      borrower,
		Sequence:      f.nextOps(),
		Timestamp:     ts,
	})
}

// underwater puts alice at the full-severity liquidation point: 100
// shares posted, 80 borrowed, then the collateral price crashes.
func (f *fixture) underwater(crashTo *big.Int) {
	f.t.Helper()
	f.must(f.mint(alice, cTOK, wad(100), t0))
	f.must(f.post(alice, alice, cTOK, wad(100), t0))
	f.must(f.borrow(alice, dTOK, wad(80), t0))
	f.setPrice(cTOK, crashTo, t0)
}

// wadTenth builds n*0.1e18 for values that do not land on whole WAD.
func wadTenth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000_000_000_000))
}

// ============================================================================
// Test: Partial liquidation
// ============================================================================

func TestLiquidate_MaxModeSharesConserved(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.must(f.mint(bob, cTOK, wad(20), t0))
	f.must(f.post(bob, bob, cTOK, wad(20), t0))
	f.underwater(cents(85))
	drainOutputs(f.persist)

	f.must(f.liquidate(tokenPrincipalAcct(dTOK), dTOK, cTOK, alice, nil, false, t0))

	outputs := drainOutputs(f.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	w := f.engine.Snapshot()
	dm, _ := w.Tokens.MarketOf(dTOK)
	cm, _ := w.Tokens.MarketOf(cTOK)
	rec, _ := w.Book.TokenOf(cTOK)

	// At full severity the close factor is 40%: debt drops 80 -> 48.
	if got := dm.DebtBalanceCached(alice); got.Cmp(wad(48)) != 0 {
		t.Errorf("debt after liquidation: got %s, want %s", got, wad(48))
	}
	if got := w.Tracker.DebtObligation(alice, dTOK); got.Cmp(wad(48)) != 0 {
		t.Errorf("tracked obligation: got %s, want %s", got, wad(48))
	}

	// Seized shares move, they do not burn.
	liqBal := cm.TokenBalance(liquidator)
	reserveBal := cm.TokenBalance(token.ProtocolReserveAccount)
	aliceBal := cm.TokenBalance(alice)
	if liqBal.Sign() <= 0 {
		t.Error("liquidator received no shares")
	}
	moved := new(big.Int).Add(liqBal, reserveBal)
	lost := new(big.Int).Sub(wad(100), aliceBal)
	if moved.Cmp(lost) != 0 {
		t.Errorf("share conservation broken: moved %s, borrower lost %s", moved, lost)
	}
	total := new(big.Int).Add(moved, aliceBal)
	total.Add(total, cm.TokenBalance(token.LockedSharesAccount))
	total.Add(total, cm.TokenBalance(bob))
	if total.Cmp(cm.TotalShares) != 0 {
		t.Errorf("total shares drifted: sum %s, recorded %s", total, cm.TotalShares)
	}

	// The posting shrank by exactly the seizure, on the account, the
	// token total, and the tracker.
	postedLeft := rec.Metadata(alice).CollateralPosted
	if got := new(big.Int).Sub(wad(100), postedLeft); got.Cmp(moved) != 0 {
		t.Errorf("posting reduced by %s, seized %s", got, moved)
	}
	wantTotal := new(big.Int).Add(postedLeft, wad(20))
	if rec.CollateralPosted.Cmp(wantTotal) != 0 {
		t.Errorf("token posted total: got %s, want %s", rec.CollateralPosted, wantTotal)
	}
	if got := w.Tracker.SumPostedCollateral(cTOK); got.Cmp(rec.CollateralPosted) != 0 {
		t.Errorf("tracked posted sum: got %s, want %s", got, rec.CollateralPosted)
	}

	v := ledger.NewInvariantValidator(w.Tracker)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance broken: %v", err)
	}
	if err := v.ValidatePostedMatchesBook(w.Book, cTOK); err != nil {
		t.Errorf("tracker disagrees with book: %v", err)
	}
}

func TestLiquidate_ExactModeCapped(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.underwater(cents(85))

	// The close-factor cap at full severity is 32; asking for 33 is
	// refused outright.
	err := f.liquidate(tokenPrincipalAcct(dTOK), dTOK, cTOK, alice, wad(33), true, t0)
	if !errors.Is(err, state.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter above the cap, got %v", err)
	}

	dm, _ := f.engine.Snapshot().Tokens.MarketOf(dTOK)
	if got := dm.DebtBalanceCached(alice); got.Cmp(wad(80)) != 0 {
		t.Errorf("rejected liquidation moved debt: got %s, want %s", got, wad(80))
	}

	f.must(f.liquidate(tokenPrincipalAcct(dTOK), dTOK, cTOK, alice, wad(30), true, t0))

	dm, _ = f.engine.Snapshot().Tokens.MarketOf(dTOK)
	if got := dm.DebtBalanceCached(alice); got.Cmp(wad(50)) != 0 {
		t.Errorf("debt after exact liquidation: got %s, want %s", got, wad(50))
	}
}

func TestLiquidate_HealthyAccountRefused(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.must(f.mint(alice, cTOK, wad(100), t0))
	f.must(f.post(alice, alice, cTOK, wad(100), t0))
	f.must(f.borrow(alice, dTOK, wad(40), t0))

	err := f.liquidate(tokenPrincipalAcct(dTOK), dTOK, cTOK, alice, nil, false, t0)
	if !errors.Is(err, state.ErrNoLiquidationAvailable) {
		t.Fatalf("expected ErrNoLiquidationAvailable, got %v", err)
	}
}

func TestLiquidate_RequiresDebtTokenCaller(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.underwater(cents(85))

	err := f.liquidate(liquidator, dTOK, cTOK, alice, nil, false, t0)
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-token caller, got %v", err)
	}
}

func TestLiquidate_SeizePauseBlocks(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.underwater(cents(85))
	f.must(f.setPause(guardian, event.PauseSeize, nil, true))

	err := f.liquidate(tokenPrincipalAcct(dTOK), dTOK, cTOK, alice, nil, false, t0)
	if !errors.Is(err, state.ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestLiquidate_UnknownTokenRejected(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.underwater(cents(85))

	err := f.liquidate(tokenPrincipalAcct(d2TOK), d2TOK, cTOK, alice, nil, false, t0)
	if !errors.Is(err, state.ErrMarketMismatch) {
		t.Fatalf("expected ErrMarketMismatch for unknown debt token, got %v", err)
	}

	err = f.liquidate(tokenPrincipalAcct(dTOK), dTOK, c2TOK, alice, nil, false, t0)
	if !errors.Is(err, state.ErrMarketMismatch) {
		t.Fatalf("expected ErrMarketMismatch for unknown collateral token, got %v", err)
	}
}

func TestLiquidate_CautionPriceStillLiquidates(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.must(f.mint(alice, cTOK, wad(100), t0))
	f.must(f.post(alice, alice, cTOK, wad(100), t0))
	f.must(f.borrow(alice, dTOK, wad(80), t0))

	// Mid 0.85 with a 0.05 band: nearly 6% of mid, far past the caution
	// threshold. Admission paths refuse such a quote; liquidation works
	// it at the conservative band edge (collateral low side 0.80).
	f.must(f.setPriceBand(cTOK, cents(85), cents(5), t0))

	err := f.borrow(alice, dTOK, big.NewInt(1), t0)
	if !errors.Is(err, state.ErrPrice) {
		t.Fatalf("expected ErrPrice for admission under caution, got %v", err)
	}

	f.must(f.liquidate(tokenPrincipalAcct(dTOK), dTOK, cTOK, alice, nil, false, t0))

	w := f.engine.Snapshot()
	cm, _ := w.Tokens.MarketOf(cTOK)
	rec, _ := w.Book.TokenOf(cTOK)

	// Repay 32 at debt-high 1.00 with incentive 1.06 against share
	// value 0.80 seizes exactly 42.4 shares.
	if got := rec.Metadata(alice).CollateralPosted; got.Cmp(wadTenth(576)) != 0 {
		t.Errorf("posted after seizure: got %s, want %s", got, wadTenth(576))
	}
	if got := cm.TokenBalance(alice); got.Cmp(wadTenth(576)) != 0 {
		t.Errorf("borrower balance: got %s, want %s", got, wadTenth(576))
	}
	seized := new(big.Int).Add(cm.TokenBalance(liquidator), cm.TokenBalance(token.ProtocolReserveAccount))
	if seized.Cmp(wadTenth(424)) != 0 {
		t.Errorf("seized shares: got %s, want %s", seized, wadTenth(424))
	}
	dm, _ := w.Tokens.MarketOf(dTOK)
	if got := dm.DebtBalanceCached(alice); got.Cmp(wad(48)) != 0 {
		t.Errorf("debt after liquidation: got %s, want %s", got, wad(48))
	}
}

// ============================================================================
// Test: Whole-account liquidation
// ============================================================================

func TestLiquidateAccount_SocializesShortfall(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.underwater(cents(40))

	w := f.engine.Snapshot()
	dm, _ := w.Tokens.MarketOf(dTOK)
	cashBefore := new(big.Int).Set(dm.Cash)

	f.must(f.liquidateAccount(liquidator, alice, t0))

	w = f.engine.Snapshot()
	dm, _ = w.Tokens.MarketOf(dTOK)
	cm, _ := w.Tokens.MarketOf(cTOK)
	rec, _ := w.Book.TokenOf(cTOK)

	// The liquidator takes the whole posted holding, fee-free.
	if got := cm.TokenBalance(liquidator); got.Cmp(wad(100)) != 0 {
		t.Errorf("liquidator shares: got %s, want %s", got, wad(100))
	}
	if got := cm.TokenBalance(alice); got.Sign() != 0 {
		t.Errorf("borrower kept %s shares", got)
	}
	if rec.Metadata(alice) != nil {
		t.Error("borrower metadata survived the teardown")
	}
	if got := rec.CollateralPosted; got.Sign() != 0 {
		t.Errorf("token posted total: got %s, want 0", got)
	}

	// The debt is fully retired: part paid by the liquidator, the rest
	// socialized as protocol bad debt.
	if got := dm.DebtBalanceCached(alice); got.Sign() != 0 {
		t.Errorf("debt survived: %s", got)
	}
	if got := w.Tracker.DebtObligation(alice, dTOK); got.Sign() != 0 {
		t.Errorf("tracked obligation survived: %s", got)
	}
	badDebt := w.Tracker.ProtocolBadDebt(dTOK)
	if badDebt.Sign() <= 0 {
		t.Error("no bad debt recorded for an underwater account")
	}
	cashDelta := new(big.Int).Sub(dm.Cash, cashBefore)
	settled := new(big.Int).Add(badDebt, cashDelta)
	if settled.Cmp(wad(80)) != 0 {
		t.Errorf("repaid+socialized: got %s, want %s", settled, wad(80))
	}

	// Every position is gone.
	if assets := w.Book.Accounts.OrderedAssets(alice); len(assets) != 0 {
		t.Errorf("asset list survived: %v", assets)
	}
	if w.Book.Accounts.HasPosition(alice, cTOK) || w.Book.Accounts.HasPosition(alice, dTOK) {
		t.Error("positions survived the teardown")
	}

	if err := ledger.NewInvariantValidator(w.Tracker).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance broken: %v", err)
	}
}

func TestLiquidateAccount_SolventAccountRefused(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.must(f.mint(alice, cTOK, wad(100), t0))
	f.must(f.post(alice, alice, cTOK, wad(100), t0))
	f.must(f.borrow(alice, dTOK, wad(40), t0))

	err := f.liquidateAccount(liquidator, alice, t0)
	if !errors.Is(err, state.ErrNoLiquidationAvailable) {
		t.Fatalf("expected ErrNoLiquidationAvailable, got %v", err)
	}
}

func TestLiquidateAccount_SelfLiquidationOrdering(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.must(f.mint(alice, cTOK, wad(100), t0))
	f.must(f.post(alice, alice, cTOK, wad(100), t0))
	f.must(f.borrow(alice, dTOK, wad(40), t0))

	// Solvency is checked before the self-dealing rule: a solvent
	// self-liquidation reports no liquidation available.
	err := f.liquidateAccount(alice, alice, t0)
	if !errors.Is(err, state.ErrNoLiquidationAvailable) {
		t.Fatalf("expected ErrNoLiquidationAvailable for solvent self, got %v", err)
	}

	f.setPrice(cTOK, cents(30), t0)
	err = f.liquidateAccount(alice, alice, t0)
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for insolvent self, got %v", err)
	}
}

func TestLiquidateAccount_ProceedsUnderSeizePause(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.underwater(cents(40))
	f.must(f.setPause(guardian, event.PauseSeize, nil, true))

	// The seize pause stops routine liquidations, not the insolvency
	// backstop.
	f.must(f.liquidateAccount(liquidator, alice, t0))

	w := f.engine.Snapshot()
	if w.Book.Accounts.HasPosition(alice, cTOK) {
		t.Error("whole-account liquidation did not run under seize pause")
	}
}

func TestLiquidateAccount_MultiAsset(t *testing.T) {
	f := newFixture(t)
	f.setupMarket()
	f.must(f.listToken(dao, c2TOK, true, wad(1)))
	f.must(f.updateParams(dao, c2TOK, standardParams()))
	f.must(f.setCaps(dao, []state.Token{c2TOK}, []*big.Int{wad(1_000_000)}))
	f.setPrice(c2TOK, wad(1), t0)
	f.must(f.listToken(dao, d2TOK, false, wad(1_000_000)))
	f.setPrice(d2TOK, wad(1), t0)

	f.must(f.mint(alice, cTOK, wad(60), t0))
	f.must(f.post(alice, alice, cTOK, wad(60), t0))
	f.must(f.mint(alice, c2TOK, wad(40), t0))
	f.must(f.post(alice, alice, c2TOK, wad(40), t0))
	f.must(f.borrow(alice, dTOK, wad(50), t0))
	f.must(f.borrow(alice, d2TOK, wad(20), t0))

	// Both collaterals crash: $100 of backing becomes $30 against $70
	// of debt.
	f.setPrice(cTOK, cents(30), t0)
	f.setPrice(c2TOK, cents(30), t0)

	w := f.engine.Snapshot()
	dm1, _ := w.Tokens.MarketOf(dTOK)
	dm2, _ := w.Tokens.MarketOf(d2TOK)
	cash1Before := new(big.Int).Set(dm1.Cash)
	cash2Before := new(big.Int).Set(dm2.Cash)
	drainOutputs(f.persist)

	f.must(f.liquidateAccount(liquidator, alice, t0))

	outputs := drainOutputs(f.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	// Two debt settlements plus two seizures.
	if len(outputs[0].Batches) != 4 {
		t.Errorf("expected 4 journal batches, got %d", len(outputs[0].Batches))
	}

	w = f.engine.Snapshot()
	cm1, _ := w.Tokens.MarketOf(cTOK)
	cm2, _ := w.Tokens.MarketOf(c2TOK)
	if got := cm1.TokenBalance(liquidator); got.Cmp(wad(60)) != 0 {
		t.Errorf("liquidator cTOK shares: got %s, want %s", got, wad(60))
	}
	if got := cm2.TokenBalance(liquidator); got.Cmp(wad(40)) != 0 {
		t.Errorf("liquidator c2TOK shares: got %s, want %s", got, wad(40))
	}

	dm1, _ = w.Tokens.MarketOf(dTOK)
	dm2, _ = w.Tokens.MarketOf(d2TOK)
	settled1 := new(big.Int).Sub(dm1.Cash, cash1Before)
	settled1.Add(settled1, w.Tracker.ProtocolBadDebt(dTOK))
	if settled1.Cmp(wad(50)) != 0 {
		t.Errorf("dTOK repaid+socialized: got %s, want %s", settled1, wad(50))
	}
	settled2 := new(big.Int).Sub(dm2.Cash, cash2Before)
	settled2.Add(settled2, w.Tracker.ProtocolBadDebt(d2TOK))
	if settled2.Cmp(wad(20)) != 0 {
		t.Errorf("d2TOK repaid+socialized: got %s, want %s", settled2, wad(20))
	}

	if assets := w.Book.Accounts.OrderedAssets(alice); len(assets) != 0 {
		t.Errorf("asset list survived: %v", assets)
	}
	for _, tok := range []state.Token{cTOK, c2TOK, dTOK, d2TOK} {
		if w.Book.Accounts.HasPosition(alice, tok) {
			t.Errorf("position in %s survived", tok)
		}
	}

	if err := ledger.NewInvariantValidator(w.Tracker).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance broken: %v", err)
	}
}
