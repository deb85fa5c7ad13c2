package query_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendRisk/internal/core"
	"LendRisk/internal/event"
	fpmath "LendRisk/internal/math"
	"LendRisk/internal/query"
	"LendRisk/internal/state"
)

// --- Test helpers ---

const t0 = int64(1_755_000_000)

var (
	dao   = state.Account("0xda0")
	alice = state.Account("0xa11ce")

	cTOK = state.Token("cTOK")
	dTOK = state.Token("dTOK")
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
}

// cents builds a WAD price from hundredths: cents(30) == 0.30e18.
func cents(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(10_000_000_000_000_000))
}

// fixture drives a real engine so liquidity queries read the same world
// the liquidation path would.
type fixture struct {
	t      *testing.T
	engine *core.Engine

	opsSeq   int64
	govSeq   int64
	priceSeq map[state.Token]int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	world := core.NewWorld(3600, 7200)
	engine := core.NewEngine(core.Config{DAO: dao}, world, nil, nil, nil, nil)
	return &fixture{t: t, engine: engine, priceSeq: make(map[state.Token]int64)}
}

func (f *fixture) nextOps() int64 { s := f.opsSeq; f.opsSeq++; return s }
func (f *fixture) nextGov() int64 { s := f.govSeq; f.govSeq++; return s }

func (f *fixture) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("operation failed: %v", err)
	}
}

func (f *fixture) setPrice(tok state.Token, mid *big.Int, ts int64) {
	f.t.Helper()
	f.priceSeq[tok]++
	f.must(f.engine.ProcessOperation(&event.PriceUpdate{
		Token:          tok,
		Price:          mid,
		Confidence:     new(big.Int),
		PriceSequence:  f.priceSeq[tok],
		PriceTimestamp: ts,
	}))
}

// setupLentMarket lists a collateral and a debt token, prices both at
// $1, and walks alice into a 50-against-100 position.
func (f *fixture) setupLentMarket() {
	f.t.Helper()
	f.must(f.engine.ProcessOperation(&event.ListToken{
		Caller: dao, Token: cTOK, Collateral: true,
		InitialDeposit: wad(1), Sequence: f.nextGov(), Timestamp: t0,
	}))
	f.must(f.engine.ProcessOperation(&event.ListToken{
		Caller: dao, Token: dTOK, Collateral: false,
		InitialDeposit: wad(1_000_000), Sequence: f.nextGov(), Timestamp: t0,
	}))
	f.must(f.engine.ProcessOperation(&event.UpdateCollateralToken{
		Caller: dao, Token: cTOK,
		Params: state.CollateralParams{
			CollRatio:     fpmath.Bint(800_000_000_000_000_000),
			SoftPremium:   fpmath.Bint(100_000_000_000_000_000),
			HardPremium:   fpmath.Bint(80_000_000_000_000_000),
			SoftIncentive: fpmath.Bint(30_000_000_000_000_000),
			HardIncentive: fpmath.Bint(60_000_000_000_000_000),
			LiqFee:        fpmath.Bint(10_000_000_000_000_000),
			BaseCFactor:   fpmath.Bint(100_000_000_000_000_000),
			CFactorCurve:  fpmath.Bint(300_000_000_000_000_000),
		},
		Sequence: f.nextGov(), Timestamp: t0,
	}))
	f.must(f.engine.ProcessOperation(&event.SetCollateralCaps{
		Caller: dao, Tokens: []state.Token{cTOK}, Caps: []*big.Int{wad(1_000_000)},
		Sequence: f.nextGov(), Timestamp: t0,
	}))
	f.setPrice(cTOK, wad(1), t0)
	f.setPrice(dTOK, wad(1), t0)

	f.must(f.engine.ProcessOperation(&event.MintShares{
		OpID: uuid.New(), Caller: alice, Account: alice, Token: cTOK,
		Amount: wad(100), Sequence: f.nextOps(), Timestamp: t0,
	}))
	f.must(f.engine.ProcessOperation(&event.PostCollateral{
		OpID: uuid.New(), Caller: alice, Account: alice, Token: cTOK,
		Shares: wad(100), Sequence: f.nextOps(), Timestamp: t0,
	}))
	f.must(f.engine.ProcessOperation(&event.Borrow{
		OpID: uuid.New(), Caller: state.Account(dTOK), Account: alice, Token: dTOK,
		Amount: wad(50), Sequence: f.nextOps(), Timestamp: t0,
	}))
}

// ============================================================================
// Test: account liquidity
// ============================================================================

func TestAccountLiquidity_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	qs := query.NewQueryService(nil, f.engine, nil)

	resp, err := qs.GetAccountLiquidity(context.Background(), "0xdead", t0)
	if err != nil {
		t.Fatalf("GetAccountLiquidity: %v", err)
	}

	if !resp.Solvent {
		t.Error("account with no positions must be solvent")
	}
	if resp.Debt != "0" || resp.CollateralSoft != "0" {
		t.Errorf("empty account valued at debt=%s collateral=%s", resp.Debt, resp.CollateralSoft)
	}
	if resp.LFactor != "0" {
		t.Errorf("lFactor = %s, want 0", resp.LFactor)
	}
	if resp.AsOfSequence != f.engine.Sequence()-1 {
		t.Errorf("as_of_sequence = %d, want %d", resp.AsOfSequence, f.engine.Sequence()-1)
	}
}

func TestAccountLiquidity_SolventPosition(t *testing.T) {
	f := newFixture(t)
	f.setupLentMarket()
	qs := query.NewQueryService(nil, f.engine, nil)

	resp, err := qs.GetAccountLiquidity(context.Background(), string(alice), t0)
	if err != nil {
		t.Fatalf("GetAccountLiquidity: %v", err)
	}

	if !resp.Solvent {
		t.Errorf("50 borrowed against 100 posted at 80%% should be solvent (lFactor=%s)", resp.LFactor)
	}
	if resp.Debt != wad(50).String() {
		t.Errorf("debt = %s, want %s", resp.Debt, wad(50))
	}
	if resp.Excess == "0" {
		t.Error("solvent account reported no borrow headroom")
	}
	if resp.Deficit != "0" {
		t.Errorf("solvent account reported deficit %s", resp.Deficit)
	}
	if resp.AsOfSequence != f.engine.Sequence()-1 {
		t.Errorf("as_of_sequence = %d, want %d", resp.AsOfSequence, f.engine.Sequence()-1)
	}
}

func TestAccountLiquidity_UnderwaterAfterPriceDrop(t *testing.T) {
	f := newFixture(t)
	f.setupLentMarket()

	// Collateral collapses to $0.30: $30 backing against $50 of debt.
	f.setPrice(cTOK, cents(30), t0+10)

	qs := query.NewQueryService(nil, f.engine, nil)
	resp, err := qs.GetAccountLiquidity(context.Background(), string(alice), t0+10)
	if err != nil {
		t.Fatalf("GetAccountLiquidity: %v", err)
	}

	if resp.Solvent {
		t.Error("underwater account reported solvent")
	}
	if resp.LFactor == "0" {
		t.Error("underwater account has zero lFactor")
	}
	if resp.Deficit == "0" {
		t.Error("underwater account reported no deficit")
	}
	if resp.Excess != "0" {
		t.Errorf("underwater account reported excess %s", resp.Excess)
	}
}
