package ledger_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendRisk/internal/ledger"
	"LendRisk/internal/state"
)

func bint(v int64) *big.Int { return big.NewInt(v) }

func newFixture() (*ledger.BalanceTracker, *ledger.Registry, *ledger.JournalGenerator) {
	tracker := ledger.NewBalanceTracker()
	registry := ledger.NewRegistry()
	registry.Register("cTOK")
	registry.Register("dTOK")
	gen := ledger.NewJournalGenerator(1, tracker, registry)
	return tracker, registry, gen
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey("0xabc", ledger.SubTypePostedCollateral, "cTOK")

	path := key.AccountPath()
	expected := "user:0xabc:posted:cTOK"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ProtocolPath(t *testing.T) {
	key := ledger.NewProtocolAccountKey(ledger.SubTypeProtocolBadDebt, "dTOK")

	path := key.AccountPath()
	expected := "protocol:bad_debt:dTOK"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK")

	path := key.AccountPath()
	expected := "external:vault:cTOK"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestRegistry_AssignsSequentialIDs(t *testing.T) {
	r := ledger.NewRegistry()
	a := r.Register("tokA")
	b := r.Register("tokB")

	if a != 1 || b != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", a, b)
	}
	if again := r.Register("tokA"); again != a {
		t.Errorf("re-register returned %d, want %d", again, a)
	}
	if tok, ok := r.TokenOf(2); !ok || tok != "tokB" {
		t.Errorf("TokenOf(2) = %q, %v", tok, ok)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_ValidateRejectsEmpty(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	if err := b.Validate(); err == nil {
		t.Error("empty batch passed validation")
	}
}

func TestBatch_ValidateRejectsNonPositiveAmount(t *testing.T) {
	id := uuid.New()
	b := &ledger.Batch{
		BatchID: id,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       id,
			DebitAccount:  ledger.NewUserAccountKey("0xabc", ledger.SubTypePostedCollateral, "cTOK"),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK"),
			Amount:        bint(0),
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("zero-amount journal passed validation")
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	id := uuid.New()
	key := ledger.NewUserAccountKey("0xabc", ledger.SubTypePostedCollateral, "cTOK")
	b := &ledger.Batch{
		BatchID: id,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       id,
			DebitAccount:  key,
			CreditAccount: key,
			Amount:        bint(5),
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("self-transfer passed validation")
	}
}

func TestBatch_ValidateRejectsCrossTokenLeg(t *testing.T) {
	id := uuid.New()
	b := &ledger.Batch{
		BatchID: id,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       id,
			DebitAccount:  ledger.NewUserAccountKey("0xabc", ledger.SubTypePostedCollateral, "cTOK"),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "dTOK"),
			Amount:        bint(5),
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("cross-token journal passed validation")
	}
}

// ============================================================================
// Test: Generator flows
// ============================================================================

func TestGenerator_PostCollateralMovesShares(t *testing.T) {
	tracker, _, gen := newFixture()

	batch, err := gen.PostCollateral("op-1", "0xabc", "cTOK", bint(1000), 500)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := tracker.PostedCollateral("0xabc", "cTOK"); got.Cmp(bint(1000)) != 0 {
		t.Errorf("posted = %s, want 1000", got)
	}
	vault := tracker.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK"))
	if vault.Cmp(bint(-1000)) != 0 {
		t.Errorf("vault = %s, want -1000", vault)
	}
}

func TestGenerator_RemoveCollateralPreCheckFails(t *testing.T) {
	_, _, gen := newFixture()

	_, err := gen.RemoveCollateral("op-1", "0xabc", "cTOK", bint(1), 500)
	if err == nil {
		t.Fatal("removal with nothing posted should fail the pre-check")
	}
}

func TestGenerator_SequenceAdvancesPerBatch(t *testing.T) {
	tracker, _, gen := newFixture()

	b1, err := gen.PostCollateral("op-1", "0xabc", "cTOK", bint(10), 500)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := tracker.ApplyBatch(b1); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	b2, err := gen.RemoveCollateral("op-2", "0xabc", "cTOK", bint(10), 501)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if b1.Sequence != 1 || b2.Sequence != 2 {
		t.Errorf("sequences = %d, %d, want 1, 2", b1.Sequence, b2.Sequence)
	}
}

func TestGenerator_PartialLiquidationLegs(t *testing.T) {
	tracker, _, gen := newFixture()

	post, _ := gen.PostCollateral("op-1", "0xbob", "cTOK", bint(1000), 500)
	if err := tracker.ApplyBatch(post); err != nil {
		t.Fatalf("post apply failed: %v", err)
	}
	draw, _ := gen.DrawDebt("op-2", "0xbob", "dTOK", bint(600), 501)
	if err := tracker.ApplyBatch(draw); err != nil {
		t.Fatalf("draw apply failed: %v", err)
	}

	batch, err := gen.PartialLiquidation("op-3", "0xbob", "dTOK", bint(300), "cTOK", bint(320), bint(4), 502)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(batch.Journals) != 3 {
		t.Fatalf("legs = %d, want 3", len(batch.Journals))
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := tracker.DebtObligation("0xbob", "dTOK"); got.Cmp(bint(300)) != 0 {
		t.Errorf("debt = %s, want 300", got)
	}
	if got := tracker.PostedCollateral("0xbob", "cTOK"); got.Cmp(bint(676)) != 0 {
		t.Errorf("posted = %s, want 676", got)
	}
	if got := tracker.ProtocolReserve("cTOK"); got.Cmp(bint(4)) != 0 {
		t.Errorf("reserve = %s, want 4", got)
	}
}

func TestGenerator_AccountLiquidationSocializesBadDebt(t *testing.T) {
	tracker, _, gen := newFixture()

	draw, _ := gen.DrawDebt("op-1", "0xbob", "dTOK", bint(1000), 500)
	if err := tracker.ApplyBatch(draw); err != nil {
		t.Fatalf("draw apply failed: %v", err)
	}

	batch, err := gen.AccountLiquidationRepay("op-2", "0xbob", "dTOK", bint(700), bint(300), 501)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := tracker.DebtObligation("0xbob", "dTOK"); got.Sign() != 0 {
		t.Errorf("debt = %s, want 0", got)
	}
	if got := tracker.ProtocolBadDebt("dTOK"); got.Cmp(bint(300)) != 0 {
		t.Errorf("bad debt = %s, want 300", got)
	}
}

// ============================================================================
// Test: Invariant validator
// ============================================================================

func TestValidator_GlobalZeroSumHolds(t *testing.T) {
	tracker, _, gen := newFixture()
	validator := ledger.NewInvariantValidator(tracker)

	post, _ := gen.PostCollateral("op-1", "0xabc", "cTOK", bint(1000), 500)
	if err := tracker.ApplyBatch(post); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	draw, _ := gen.DrawDebt("op-2", "0xabc", "dTOK", bint(400), 501)
	if err := tracker.ApplyBatch(draw); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if err := validator.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
}

func TestValidator_PostedMatchesBookDetectsDrift(t *testing.T) {
	tracker, _, gen := newFixture()
	validator := ledger.NewInvariantValidator(tracker)

	book := state.NewBook()
	rec, err := book.ListToken("cTOK", state.TokenCollateral, 500)
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}

	post, _ := gen.PostCollateral("op-1", "0xabc", "cTOK", bint(1000), 500)
	if err := tracker.ApplyBatch(post); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	rec.CollateralPosted.SetInt64(1000)

	if err := validator.ValidatePostedMatchesBook(book, "cTOK"); err != nil {
		t.Errorf("matching totals reported drift: %v", err)
	}

	rec.CollateralPosted.SetInt64(999)
	if err := validator.ValidatePostedMatchesBook(book, "cTOK"); err == nil {
		t.Error("drifted totals passed the cross-check")
	}
}

// ============================================================================
// Test: Tracker clone
// ============================================================================

func TestTracker_CloneIsIndependent(t *testing.T) {
	tracker, registry, gen := newFixture()

	post, _ := gen.PostCollateral("op-1", "0xabc", "cTOK", bint(1000), 500)
	if err := tracker.ApplyBatch(post); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	clone := tracker.Clone()
	cloneGen := gen.CloneWith(clone, registry.Clone())
	remove, err := cloneGen.RemoveCollateral("op-2", "0xabc", "cTOK", bint(1000), 501)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := clone.ApplyBatch(remove); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := tracker.PostedCollateral("0xabc", "cTOK"); got.Cmp(bint(1000)) != 0 {
		t.Errorf("original posted = %s, want 1000", got)
	}
	if got := clone.PostedCollateral("0xabc", "cTOK"); got.Sign() != 0 {
		t.Errorf("clone posted = %s, want 0", got)
	}
}
