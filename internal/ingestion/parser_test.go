package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"LendRisk/internal/event"
	"LendRisk/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func wantBig(t *testing.T, got *big.Int, want string, field string) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: got nil, want %s", field, want)
	}
	if got.String() != want {
		t.Errorf("%s: got %s, want %s", field, got, want)
	}
}

func TestParseMint(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"caller":    "0xaaa",
		"account":   "0xaaa",
		"token":     "0xctoken",
		"amount":    "2500000000000000000000",
		"sequence":  int64(7),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "Mint")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	m, ok := op.(*event.MintShares)
	if !ok {
		t.Fatalf("expected *event.MintShares, got %T", op)
	}

	if m.Account != "0xaaa" {
		t.Errorf("account: got %s, want 0xaaa", m.Account)
	}
	if m.Token != "0xctoken" {
		t.Errorf("token: got %s, want 0xctoken", m.Token)
	}
	wantBig(t, m.Amount, "2500000000000000000000", "amount")
	if m.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", m.Sequence)
	}
	if m.Timestamp != 1700000000 {
		t.Errorf("timestamp: got %d, want 1700000000", m.Timestamp)
	}
	if m.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", m.IdempotencyKey())
	}
}

func TestParseRedeem(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440001",
		"caller":    "0xbbb",
		"account":   "0xbbb",
		"token":     "0xctoken",
		"shares":    "1000000000000000000",
		"force":     true,
		"sequence":  int64(8),
		"timestamp": int64(1700000100),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "Redeem")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	r, ok := op.(*event.RedeemShares)
	if !ok {
		t.Fatalf("expected *event.RedeemShares, got %T", op)
	}

	wantBig(t, r.Shares, "1000000000000000000", "shares")
	if !r.Force {
		t.Error("force: got false, want true")
	}
}

func TestParseTransfer(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440002",
		"caller":    "0xaaa",
		"from":      "0xaaa",
		"to":        "0xbbb",
		"token":     "0xctoken",
		"shares":    "42",
		"sequence":  int64(9),
		"timestamp": int64(1700000200),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "Transfer")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	tr, ok := op.(*event.TransferShares)
	if !ok {
		t.Fatalf("expected *event.TransferShares, got %T", op)
	}

	if tr.From != "0xaaa" || tr.To != "0xbbb" {
		t.Errorf("parties: got %s -> %s, want 0xaaa -> 0xbbb", tr.From, tr.To)
	}
	wantBig(t, tr.Shares, "42", "shares")
}

func TestParseBorrow(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440003",
		"caller":    "0xccc",
		"account":   "0xccc",
		"token":     "0xdtoken",
		"amount":    "750000000000000000000",
		"sequence":  int64(10),
		"timestamp": int64(1700000300),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "Borrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b, ok := op.(*event.Borrow)
	if !ok {
		t.Fatalf("expected *event.Borrow, got %T", op)
	}
	wantBig(t, b.Amount, "750000000000000000000", "amount")
}

func TestParseRepay_FullWhenAmountOmitted(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440004",
		"caller":    "0xccc",
		"account":   "0xccc",
		"token":     "0xdtoken",
		"sequence":  int64(11),
		"timestamp": int64(1700000400),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "Repay")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	r, ok := op.(*event.Repay)
	if !ok {
		t.Fatalf("expected *event.Repay, got %T", op)
	}
	if r.Amount != nil {
		t.Errorf("amount: got %s, want nil for full repayment", r.Amount)
	}
}

func TestParsePostCollateral(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440005",
		"caller":    "0xaaa",
		"account":   "0xaaa",
		"token":     "0xctoken",
		"shares":    "5000000000000000000",
		"sequence":  int64(12),
		"timestamp": int64(1700000500),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "PostCollateral")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pc, ok := op.(*event.PostCollateral)
	if !ok {
		t.Fatalf("expected *event.PostCollateral, got %T", op)
	}
	wantBig(t, pc.Shares, "5000000000000000000", "shares")
}

func TestParseRemoveCollateral_ZeroSharesClose(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":             "550e8400-e29b-41d4-a716-446655440006",
		"caller":            "0xaaa",
		"account":           "0xaaa",
		"token":             "0xctoken",
		"close_if_possible": true,
		"sequence":          int64(13),
		"timestamp":         int64(1700000600),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "RemoveCollateral")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	rc, ok := op.(*event.RemoveCollateral)
	if !ok {
		t.Fatalf("expected *event.RemoveCollateral, got %T", op)
	}
	if rc.Shares == nil || rc.Shares.Sign() != 0 {
		t.Errorf("shares: got %v, want zero", rc.Shares)
	}
	if !rc.CloseIfPossible {
		t.Error("close_if_possible: got false, want true")
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id":   "770e8400-e29b-41d4-a716-446655440000",
		"caller":           "0xdtoken",
		"liquidator":       "0xliq",
		"borrower":         "0xbad",
		"debt_token":       "0xdtoken",
		"collateral_token": "0xctoken",
		"amount":           "100000000000000000000",
		"exact":            true,
		"sequence":         int64(20),
		"timestamp":        int64(1700001000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "Liquidate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	l, ok := op.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", op)
	}

	if l.Borrower != "0xbad" || l.Liquidator != "0xliq" {
		t.Errorf("parties: borrower=%s liquidator=%s", l.Borrower, l.Liquidator)
	}
	if l.DebtToken != "0xdtoken" || l.CollateralToken != "0xctoken" {
		t.Errorf("tokens: debt=%s collateral=%s", l.DebtToken, l.CollateralToken)
	}
	wantBig(t, l.Amount, "100000000000000000000", "amount")
	if !l.Exact {
		t.Error("exact: got false, want true")
	}
}

func TestParseLiquidate_ExactWithoutAmountFails(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id":   "770e8400-e29b-41d4-a716-446655440001",
		"caller":           "0xdtoken",
		"liquidator":       "0xliq",
		"borrower":         "0xbad",
		"debt_token":       "0xdtoken",
		"collateral_token": "0xctoken",
		"exact":            true,
		"sequence":         int64(21),
		"timestamp":        int64(1700001100),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "Liquidate"); err == nil {
		t.Fatal("expected error for exact liquidation without amount")
	}
}

func TestParseLiquidateAccount(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id": "770e8400-e29b-41d4-a716-446655440002",
		"liquidator":     "0xliq",
		"borrower":       "0xbad",
		"sequence":       int64(22),
		"timestamp":      int64(1700001200),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "LiquidateAccount")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	la, ok := op.(*event.LiquidateAccount)
	if !ok {
		t.Fatalf("expected *event.LiquidateAccount, got %T", op)
	}
	if la.Borrower != "0xbad" {
		t.Errorf("borrower: got %s, want 0xbad", la.Borrower)
	}
	if la.IdempotencyKey() != "770e8400-e29b-41d4-a716-446655440002:account" {
		t.Errorf("idempotency key: got %s", la.IdempotencyKey())
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"token":           "0xctoken",
		"price":           "1999000000000000000000",
		"confidence":      "2000000000000000000",
		"price_sequence":  int64(4040),
		"price_timestamp": int64(1700002000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu, ok := op.(*event.PriceUpdate)
	if !ok {
		t.Fatalf("expected *event.PriceUpdate, got %T", op)
	}

	wantBig(t, pu.Price, "1999000000000000000000", "price")
	wantBig(t, pu.Confidence, "2000000000000000000", "confidence")
	if pu.PriceSequence != 4040 {
		t.Errorf("price_sequence: got %d, want 4040", pu.PriceSequence)
	}
	if pu.IdempotencyKey() != "0xctoken:price:4040" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
}

func TestParseAccrueInterest(t *testing.T) {
	payload := map[string]interface{}{
		"token":     "0xdtoken",
		"sequence":  int64(300),
		"timestamp": int64(1700003000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "AccrueInterest")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ai, ok := op.(*event.AccrueInterest)
	if !ok {
		t.Fatalf("expected *event.AccrueInterest, got %T", op)
	}
	if ai.Token != "0xdtoken" {
		t.Errorf("token: got %s, want 0xdtoken", ai.Token)
	}
}

func TestParseListToken(t *testing.T) {
	payload := map[string]interface{}{
		"caller":          "0xdao",
		"token":           "0xctoken",
		"collateral":      true,
		"initial_deposit": "100000",
		"sequence":        int64(1),
		"timestamp":       int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "ListToken")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lt, ok := op.(*event.ListToken)
	if !ok {
		t.Fatalf("expected *event.ListToken, got %T", op)
	}
	if !lt.Collateral {
		t.Error("collateral: got false, want true")
	}
	wantBig(t, lt.InitialDeposit, "100000", "initial_deposit")
}

func TestParseUpdateCollateralToken(t *testing.T) {
	payload := map[string]interface{}{
		"caller": "0xdao",
		"token":  "0xctoken",
		"params": map[string]interface{}{
			"coll_ratio":     "8100000000000000000000",
			"soft_premium":   "1100000000000000000000",
			"hard_premium":   "1200000000000000000000",
			"soft_incentive": "100000000000000000000",
			"hard_incentive": "200000000000000000000",
			"liq_fee":        "50000000000000000000",
			"base_c_factor":  "1000000000000000000000",
			"c_factor_curve": "2000000000000000000000",
		},
		"sequence":  int64(2),
		"timestamp": int64(1700000100),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "UpdateCollateralToken")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	uc, ok := op.(*event.UpdateCollateralToken)
	if !ok {
		t.Fatalf("expected *event.UpdateCollateralToken, got %T", op)
	}
	wantBig(t, uc.Params.CollRatio, "8100000000000000000000", "coll_ratio")
	wantBig(t, uc.Params.LiqFee, "50000000000000000000", "liq_fee")
	if uc.IdempotencyKey() != "gov:params:0xctoken:2" {
		t.Errorf("idempotency key: got %s", uc.IdempotencyKey())
	}
}

func TestParseUpdateCollateralToken_MissingParamFails(t *testing.T) {
	payload := map[string]interface{}{
		"caller": "0xdao",
		"token":  "0xctoken",
		"params": map[string]interface{}{
			"coll_ratio": "8100000000000000000000",
		},
		"sequence":  int64(3),
		"timestamp": int64(1700000200),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "UpdateCollateralToken"); err == nil {
		t.Fatal("expected error for missing params")
	}
}

func TestParseSetCollateralCaps(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    "0xdao",
		"tokens":    []string{"0xctoken", "0xother"},
		"caps":      []string{"1000000000000000000000000", "0"},
		"sequence":  int64(4),
		"timestamp": int64(1700000300),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "SetCollateralCaps")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sc, ok := op.(*event.SetCollateralCaps)
	if !ok {
		t.Fatalf("expected *event.SetCollateralCaps, got %T", op)
	}
	if len(sc.Tokens) != 2 || len(sc.Caps) != 2 {
		t.Fatalf("lengths: tokens=%d caps=%d, want 2/2", len(sc.Tokens), len(sc.Caps))
	}
	wantBig(t, sc.Caps[0], "1000000000000000000000000", "caps[0]")
	wantBig(t, sc.Caps[1], "0", "caps[1]")
}

func TestParseSetCollateralCaps_LengthMismatchFails(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    "0xdao",
		"tokens":    []string{"0xctoken", "0xother"},
		"caps":      []string{"1000"},
		"sequence":  int64(5),
		"timestamp": int64(1700000400),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "SetCollateralCaps"); err == nil {
		t.Fatal("expected error for tokens/caps length mismatch")
	}
}

func TestParseSetPause(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    "0xguardian",
		"kind":      "borrow",
		"token":     "0xdtoken",
		"paused":    true,
		"sequence":  int64(6),
		"timestamp": int64(1700000500),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "SetPause")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sp, ok := op.(*event.SetPause)
	if !ok {
		t.Fatalf("expected *event.SetPause, got %T", op)
	}
	if sp.Kind != event.PauseBorrow {
		t.Errorf("kind: got %v, want PauseBorrow", sp.Kind)
	}
	if sp.Token == nil || *sp.Token != "0xdtoken" {
		t.Errorf("token: got %v, want 0xdtoken", sp.Token)
	}
	if !sp.Paused {
		t.Error("paused: got false, want true")
	}
}

func TestParseSetPause_PerTokenKindRequiresToken(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    "0xguardian",
		"kind":      "mint",
		"paused":    true,
		"sequence":  int64(7),
		"timestamp": int64(1700000600),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "SetPause"); err == nil {
		t.Fatal("expected error for per-token pause without token")
	}
}

func TestParseSetPause_UnknownKindFails(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    "0xguardian",
		"kind":      "everything",
		"paused":    true,
		"sequence":  int64(8),
		"timestamp": int64(1700000700),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "SetPause"); err == nil {
		t.Fatal("expected error for unknown pause kind")
	}
}

func TestParseSetPositionFolding(t *testing.T) {
	payload := map[string]interface{}{
		"caller":    "0xdao",
		"address":   "0xfolder",
		"enabled":   true,
		"sequence":  int64(9),
		"timestamp": int64(1700000800),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOperation(raw, "SetPositionFolding")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sf, ok := op.(*event.SetPositionFolding)
	if !ok {
		t.Fatalf("expected *event.SetPositionFolding, got %T", op)
	}
	if sf.Address != "0xfolder" || !sf.Enabled {
		t.Errorf("got address=%s enabled=%t, want 0xfolder true", sf.Address, sf.Enabled)
	}
}

func TestParseUnknownOpType_Fails(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{"foo": "bar"})
	if _, err := ingestion.ParseRawOperation(raw, "FlashLoan"); err == nil {
		t.Fatal("expected error for unknown op type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "test", Data: []byte("{not json"), Timestamp: time.Now()}
	if _, err := ingestion.ParseRawOperation(raw, "Mint"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "not-a-uuid",
		"caller":    "0xaaa",
		"account":   "0xaaa",
		"token":     "0xctoken",
		"amount":    "1000",
		"sequence":  int64(1),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "Mint"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseInvalidAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"caller":    "0xaaa",
		"account":   "0xaaa",
		"token":     "0xctoken",
		"amount":    "12.5e18",
		"sequence":  int64(1),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOperation(raw, "Mint"); err == nil {
		t.Fatal("expected error for non-integer amount")
	}
}
