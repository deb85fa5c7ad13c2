package projection

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	"LendRisk/internal/state"
)

func bint(v int64) *big.Int { return big.NewInt(v) }

func leg(jt ledger.JournalType, debit, credit ledger.AccountKey, token state.Token, amount int64) JournalEntry {
	return JournalEntry{
		Debit:       debit,
		Credit:      credit,
		Token:       token,
		Amount:      bint(amount),
		JournalType: jt.String(),
	}
}

func wantDelta(t *testing.T, deltas map[positionKey]*positionDelta, account, token string, posted, debt int64) {
	t.Helper()
	d := deltas[positionKey{account: account, token: token}]
	if d == nil {
		t.Fatalf("no delta for %s/%s", account, token)
	}
	if d.posted.Cmp(bint(posted)) != 0 {
		t.Errorf("%s/%s posted = %s, want %d", account, token, d.posted, posted)
	}
	if d.debt.Cmp(bint(debt)) != 0 {
		t.Errorf("%s/%s debt = %s, want %d", account, token, d.debt, debt)
	}
}

// ============================================================================
// Test: position delta accumulation
// ============================================================================

func TestAccumulatePositionDeltas_DebitAdds(t *testing.T) {
	deltas := accumulatePositionDeltas([]JournalEntry{
		leg(ledger.JournalTypeCollateralPost,
			ledger.NewUserAccountKey("0xabc", ledger.SubTypePostedCollateral, "cTOK"),
			ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK"),
			"cTOK", 100),
		leg(ledger.JournalTypeDebtDraw,
			ledger.NewUserAccountKey("0xabc", ledger.SubTypeDebtObligation, "dTOK"),
			ledger.NewExternalAccountKey(ledger.SubTypeExternalSettlement, "dTOK"),
			"dTOK", 40),
	})

	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	wantDelta(t, deltas, "0xabc", "cTOK", 100, 0)
	wantDelta(t, deltas, "0xabc", "dTOK", 0, 40)
}

func TestAccumulatePositionDeltas_CreditSubtracts(t *testing.T) {
	deltas := accumulatePositionDeltas([]JournalEntry{
		leg(ledger.JournalTypeCollateralRemove,
			ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK"),
			ledger.NewUserAccountKey("0xabc", ledger.SubTypePostedCollateral, "cTOK"),
			"cTOK", 30),
		leg(ledger.JournalTypeDebtRepay,
			ledger.NewExternalAccountKey(ledger.SubTypeExternalSettlement, "dTOK"),
			ledger.NewUserAccountKey("0xabc", ledger.SubTypeDebtObligation, "dTOK"),
			"dTOK", 10),
	})

	wantDelta(t, deltas, "0xabc", "cTOK", -30, 0)
	wantDelta(t, deltas, "0xabc", "dTOK", 0, -10)
}

func TestAccumulatePositionDeltas_TransferMovesBetweenAccounts(t *testing.T) {
	deltas := accumulatePositionDeltas([]JournalEntry{
		leg(ledger.JournalTypeCollateralTransfer,
			ledger.NewUserAccountKey("0xto", ledger.SubTypePostedCollateral, "cTOK"),
			ledger.NewUserAccountKey("0xfrom", ledger.SubTypePostedCollateral, "cTOK"),
			"cTOK", 25),
	})

	wantDelta(t, deltas, "0xto", "cTOK", 25, 0)
	wantDelta(t, deltas, "0xfrom", "cTOK", -25, 0)
}

func TestAccumulatePositionDeltas_IgnoresNonUserScope(t *testing.T) {
	// Fee leg: protocol reserve is debited, only the borrower side lands
	// in the position table.
	deltas := accumulatePositionDeltas([]JournalEntry{
		leg(ledger.JournalTypeLiquidationFee,
			ledger.NewProtocolAccountKey(ledger.SubTypeProtocolReserve, "cTOK"),
			ledger.NewUserAccountKey("0xbor", ledger.SubTypePostedCollateral, "cTOK"),
			"cTOK", 5),
	})

	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	wantDelta(t, deltas, "0xbor", "cTOK", -5, 0)
}

func TestAccumulatePositionDeltas_SameKeyAggregates(t *testing.T) {
	deltas := accumulatePositionDeltas([]JournalEntry{
		leg(ledger.JournalTypeInterestAccrue,
			ledger.NewUserAccountKey("0xabc", ledger.SubTypeDebtObligation, "dTOK"),
			ledger.NewExternalAccountKey(ledger.SubTypeExternalSettlement, "dTOK"),
			"dTOK", 3),
		leg(ledger.JournalTypeDebtRepay,
			ledger.NewExternalAccountKey(ledger.SubTypeExternalSettlement, "dTOK"),
			ledger.NewUserAccountKey("0xabc", ledger.SubTypeDebtObligation, "dTOK"),
			"dTOK", 50),
	})

	if len(deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(deltas))
	}
	wantDelta(t, deltas, "0xabc", "dTOK", 0, -47)
}

// ============================================================================
// Test: liquidation records
// ============================================================================

func TestBuildLiquidationRecord_Partial(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	payload, err := json.Marshal(&event.Liquidate{
		LiquidationID:   id,
		Caller:          "0xgov",
		Liquidator:      "0xliq",
		Borrower:        "0xbor",
		DebtToken:       "dTOK",
		CollateralToken: "cTOK",
		Amount:          bint(40),
		Exact:           true,
		Sequence:        9,
		Timestamp:       1700000000,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := BuildLiquidationRecord(ProjectionOutput{
		Sequence:  42,
		OpType:    "Liquidate",
		Payload:   payload,
		Timestamp: 1700000000,
		Journals: []JournalEntry{
			leg(ledger.JournalTypeLiquidationRepay,
				ledger.NewExternalAccountKey(ledger.SubTypeExternalSettlement, "dTOK"),
				ledger.NewUserAccountKey("0xbor", ledger.SubTypeDebtObligation, "dTOK"),
				"dTOK", 40),
			leg(ledger.JournalTypeLiquidationSeize,
				ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK"),
				ledger.NewUserAccountKey("0xbor", ledger.SubTypePostedCollateral, "cTOK"),
				"cTOK", 90),
			leg(ledger.JournalTypeLiquidationFee,
				ledger.NewProtocolAccountKey(ledger.SubTypeProtocolReserve, "cTOK"),
				ledger.NewUserAccountKey("0xbor", ledger.SubTypePostedCollateral, "cTOK"),
				"cTOK", 10),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if rec.Mode != ModePartial {
		t.Errorf("mode = %q, want %q", rec.Mode, ModePartial)
	}
	if rec.LiquidationID != id.String() {
		t.Errorf("liquidation id = %q, want %q", rec.LiquidationID, id)
	}
	if rec.Liquidator != "0xliq" || rec.Borrower != "0xbor" {
		t.Errorf("parties = %q, %q", rec.Liquidator, rec.Borrower)
	}
	if rec.DebtToken == nil || *rec.DebtToken != "dTOK" {
		t.Errorf("debt token = %v, want dTOK", rec.DebtToken)
	}
	if rec.CollateralToken == nil || *rec.CollateralToken != "cTOK" {
		t.Errorf("collateral token = %v, want cTOK", rec.CollateralToken)
	}
	if rec.DebtRepaid.Cmp(bint(40)) != 0 {
		t.Errorf("debt repaid = %s, want 40", rec.DebtRepaid)
	}
	if rec.CollateralSeized.Cmp(bint(90)) != 0 {
		t.Errorf("collateral seized = %s, want 90", rec.CollateralSeized)
	}
	if rec.ProtocolFee.Cmp(bint(10)) != 0 {
		t.Errorf("protocol fee = %s, want 10", rec.ProtocolFee)
	}
	if rec.DebtSocialized.Sign() != 0 {
		t.Errorf("debt socialized = %s, want 0", rec.DebtSocialized)
	}
}

func TestBuildLiquidationRecord_AccountSocializesBadDebt(t *testing.T) {
	id := uuid.MustParse("660e8400-e29b-41d4-a716-446655440000")
	payload, err := json.Marshal(&event.LiquidateAccount{
		LiquidationID: id,
		Liquidator:    "0xliq",
		Borrower:      "0xbor",
		Sequence:      12,
		Timestamp:     1700000100,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := BuildLiquidationRecord(ProjectionOutput{
		Sequence:  77,
		OpType:    "LiquidateAccount",
		Payload:   payload,
		Timestamp: 1700000100,
		Journals: []JournalEntry{
			leg(ledger.JournalTypeLiquidationRepay,
				ledger.NewExternalAccountKey(ledger.SubTypeExternalSettlement, "dTOK"),
				ledger.NewUserAccountKey("0xbor", ledger.SubTypeDebtObligation, "dTOK"),
				"dTOK", 70),
			leg(ledger.JournalTypeBadDebtSocialize,
				ledger.NewProtocolAccountKey(ledger.SubTypeProtocolBadDebt, "dTOK"),
				ledger.NewUserAccountKey("0xbor", ledger.SubTypeDebtObligation, "dTOK"),
				"dTOK", 30),
			leg(ledger.JournalTypeLiquidationSeize,
				ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cTOK"),
				ledger.NewUserAccountKey("0xbor", ledger.SubTypePostedCollateral, "cTOK"),
				"cTOK", 55),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if rec.Mode != ModeAccount {
		t.Errorf("mode = %q, want %q", rec.Mode, ModeAccount)
	}
	if rec.DebtToken != nil || rec.CollateralToken != nil {
		t.Errorf("account liquidation should carry no token pair, got %v/%v", rec.DebtToken, rec.CollateralToken)
	}
	if rec.DebtRepaid.Cmp(bint(70)) != 0 {
		t.Errorf("debt repaid = %s, want 70", rec.DebtRepaid)
	}
	if rec.DebtSocialized.Cmp(bint(30)) != 0 {
		t.Errorf("debt socialized = %s, want 30", rec.DebtSocialized)
	}
	if rec.CollateralSeized.Cmp(bint(55)) != 0 {
		t.Errorf("collateral seized = %s, want 55", rec.CollateralSeized)
	}
}

func TestBuildLiquidationRecord_RejectsNonLiquidation(t *testing.T) {
	payload, err := json.Marshal(&event.MintShares{
		OpID:      uuid.MustParse("770e8400-e29b-41d4-a716-446655440000"),
		Caller:    "0xabc",
		Account:   "0xabc",
		Token:     "cTOK",
		Amount:    bint(100),
		Sequence:  1,
		Timestamp: 1700000000,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := BuildLiquidationRecord(ProjectionOutput{
		Sequence: 5,
		OpType:   "Mint",
		Payload:  payload,
	}); err == nil {
		t.Error("expected error for non-liquidation op")
	}
}
