package persistence_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	"LendRisk/internal/persistence"
	"LendRisk/internal/state"
)

func testEnvelope() *event.Envelope {
	tok := state.Token("cETH")
	return &event.Envelope{
		Sequence:       7,
		IdempotencyKey: "mint-0xa11ce-1",
		OpType:         event.OpTypeMint,
		Token:          &tok,
		Timestamp:      1_700_000_000,
		SourceSequence: 3,
		Payload:        []byte(`{"amount":"100"}`),
		StateHash:      [32]byte{0x01, 0x02},
		PrevHash:       [32]byte{0x03, 0x04},
	}
}

// ============================================================================
// Test: OpRowFromEnvelope
// ============================================================================

func TestOpRowFromEnvelope_MapsAllFields(t *testing.T) {
	env := testEnvelope()
	row := persistence.OpRowFromEnvelope(env)

	if row.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", row.Sequence)
	}
	if row.OpType != "Mint" {
		t.Errorf("op type = %q, want %q", row.OpType, "Mint")
	}
	if row.IdempotencyKey != "mint-0xa11ce-1" {
		t.Errorf("idempotency key = %q", row.IdempotencyKey)
	}
	if row.Token == nil || *row.Token != "cETH" {
		t.Errorf("token = %v, want cETH", row.Token)
	}
	if string(row.Payload) != `{"amount":"100"}` {
		t.Errorf("payload = %s", row.Payload)
	}
	if len(row.StateHash) != 32 || row.StateHash[0] != 0x01 {
		t.Errorf("state hash = %x", row.StateHash)
	}
	if len(row.PrevHash) != 32 || row.PrevHash[0] != 0x03 {
		t.Errorf("prev hash = %x", row.PrevHash)
	}
	if row.Timestamp != 1_700_000_000 {
		t.Errorf("timestamp = %d", row.Timestamp)
	}
	if row.SourceSequence != 3 {
		t.Errorf("source sequence = %d, want 3", row.SourceSequence)
	}
}

func TestOpRowFromEnvelope_NilToken(t *testing.T) {
	env := testEnvelope()
	env.Token = nil
	env.OpType = event.OpTypeLiquidateAccount

	row := persistence.OpRowFromEnvelope(env)
	if row.Token != nil {
		t.Errorf("token = %v, want nil for account-scoped op", *row.Token)
	}
	if row.OpType != "LiquidateAccount" {
		t.Errorf("op type = %q", row.OpType)
	}
}

// ============================================================================
// Test: JournalRowsFromBatch
// ============================================================================

func TestJournalRowsFromBatch_FlattensLegs(t *testing.T) {
	batchID := uuid.New()
	debit := ledger.NewUserAccountKey("0xa11ce", ledger.SubTypePostedCollateral, "cETH")
	credit := ledger.NewExternalAccountKey(ledger.SubTypeExternalVault, "cETH")

	b := &ledger.Batch{
		BatchID:   batchID,
		EventRef:  "post-0xa11ce-1",
		Sequence:  12,
		Timestamp: 1_700_000_100,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				EventRef:      "post-0xa11ce-1",
				Sequence:      12,
				Leg:           0,
				DebitAccount:  debit,
				CreditAccount: credit,
				TokenID:       1,
				Amount:        big.NewInt(500),
				JournalType:   ledger.JournalTypeCollateralPost,
				Timestamp:     1_700_000_100,
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				EventRef:      "post-0xa11ce-1",
				Sequence:      12,
				Leg:           1,
				DebitAccount:  credit,
				CreditAccount: debit,
				TokenID:       1,
				Amount:        big.NewInt(25),
				JournalType:   ledger.JournalTypeLiquidationFee,
				Timestamp:     1_700_000_100,
			},
		},
	}

	rows := persistence.JournalRowsFromBatch(b, 99)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	first := rows[0]
	if first.BatchID != batchID.String() {
		t.Errorf("batch id = %q", first.BatchID)
	}
	if first.OpSequence != 99 {
		t.Errorf("op sequence = %d, want envelope sequence 99", first.OpSequence)
	}
	if first.Sequence != 12 {
		t.Errorf("sequence = %d, want generator sequence 12", first.Sequence)
	}
	if first.DebitAccount != "user:0xa11ce:posted:cETH" {
		t.Errorf("debit account = %q", first.DebitAccount)
	}
	if first.CreditAccount != "external:vault:cETH" {
		t.Errorf("credit account = %q", first.CreditAccount)
	}
	if first.Token != "cETH" {
		t.Errorf("token = %q", first.Token)
	}
	if first.Amount != "500" {
		t.Errorf("amount = %q, want decimal string", first.Amount)
	}
	if first.JournalType != "collateral_post" {
		t.Errorf("journal type = %q", first.JournalType)
	}

	if rows[1].Leg != 1 {
		t.Errorf("second leg = %d, want 1", rows[1].Leg)
	}
	if rows[1].JournalType != "liquidation_fee" {
		t.Errorf("second journal type = %q", rows[1].JournalType)
	}
}

func TestJournalRowsFromBatch_EmptyBatch(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New(), EventRef: "noop"}
	rows := persistence.JournalRowsFromBatch(b, 1)
	if len(rows) != 0 {
		t.Errorf("got %d rows from empty batch", len(rows))
	}
}
