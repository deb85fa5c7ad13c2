package core

import (
	"fmt"
	"math/big"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	fpmath "LendRisk/internal/math"
	"LendRisk/internal/state"
)

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// canSeize gates any collateral seizure: the market-wide pause, and
// both tokens registered to this manager.
func (e *Engine) canSeize(w *World, cToken, dToken state.Token) (*state.TokenRecord, error) {
	if w.Book.SeizePaused {
		return nil, fmt.Errorf("%w: collateral seizure is paused", state.ErrPaused)
	}
	cRec, err := w.Book.TokenOf(cToken)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral token %s is not registered to this market", state.ErrMarketMismatch, cToken)
	}
	if _, err := w.Book.TokenOf(dToken); err != nil {
		return nil, fmt.Errorf("%w: debt token %s is not registered to this market", state.ErrMarketMismatch, dToken)
	}
	return cRec, nil
}

// handleLiquidate executes a partial liquidation: repay part of the
// borrower's debt in one token, seize posted collateral in another at
// the lFactor-scaled incentive. The posted reduction is forced; the
// hold period and hypothetical checks do not apply to liquidation.
func (e *Engine) handleLiquidate(w *World, op *event.Liquidate) ([]*ledger.Batch, error) {
	ts := op.Timestamp
	ref := op.IdempotencyKey()

	cRec, err := e.canSeize(w, op.CollateralToken, op.DebtToken)
	if err != nil {
		return nil, err
	}
	if op.Caller != tokenPrincipal(op.DebtToken) {
		return nil, fmt.Errorf("%w: liquidation must come from the debt token", state.ErrUnauthorized)
	}

	dMarket, err := w.Tokens.MarketOf(op.DebtToken)
	if err != nil {
		return nil, err
	}
	cMarket, err := w.Tokens.MarketOf(op.CollateralToken)
	if err != nil {
		return nil, err
	}
	dMarket.AccrueInterest(ts)
	cMarket.AccrueInterest(ts)

	settle, err := e.settleDebtInterest(w, ref, op.Borrower, op.DebtToken, ts)
	if err != nil {
		return nil, err
	}
	batches, err := appendBatch(w, nil, settle)
	if err != nil {
		return nil, err
	}

	terms, err := w.Calculator().LiquidationTermsOf(op.DebtToken, op.CollateralToken, op.Borrower, op.Amount, op.Exact, ts)
	if err != nil {
		return nil, err
	}

	meta := cRec.Metadata(op.Borrower)
	if meta == nil || meta.CollateralPosted.Cmp(terms.SeizeShares) < 0 {
		return nil, fmt.Errorf("%w: seizure outran posted collateral for %s", state.ErrInvariant, op.Borrower)
	}
	meta.CollateralPosted.Sub(meta.CollateralPosted, terms.SeizeShares)
	cRec.CollateralPosted.Sub(cRec.CollateralPosted, terms.SeizeShares)

	if _, err := dMarket.Repay(op.Borrower, terms.DebtToRepay, ts); err != nil {
		return nil, err
	}
	if err := cMarket.Seize(op.Liquidator, op.Borrower, terms.LiquidatorShares, terms.FeeShares); err != nil {
		return nil, err
	}

	b, err := w.Gen.PartialLiquidation(ref, op.Borrower, op.DebtToken, terms.DebtToRepay,
		op.CollateralToken, terms.LiquidatorShares, terms.FeeShares, ts)
	if err != nil {
		return nil, err
	}
	batches, err = appendBatch(w, batches, b)
	if err != nil {
		return nil, err
	}

	mode := "max"
	if op.Exact {
		mode = "exact"
	}
	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.WithLabelValues(mode).Inc()
	}
	e.postedGauge(cRec)
	e.logger.Info().
		Str("borrower", string(op.Borrower)).
		Str("liquidator", string(op.Liquidator)).
		Str("debt_token", string(op.DebtToken)).
		Str("collateral_token", string(op.CollateralToken)).
		Str("repaid", terms.DebtToRepay.String()).
		Str("seized_shares", terms.SeizeShares.String()).
		Str("fee_shares", terms.FeeShares.String()).
		Str("l_factor", terms.LFactor.String()).
		Msg("partial liquidation executed")
	return batches, nil
}

// handleLiquidateAccount retires an insolvent account in one pass. The
// liquidator pays the incentive-discounted value of all collateral and
// receives all of it; the debt the payment cannot cover is socialized
// proportionally across every debt asset. Snapshot equality is
// re-checked before each mutation pass and any drift aborts the whole
// operation.
func (e *Engine) handleLiquidateAccount(w *World, op *event.LiquidateAccount) ([]*ledger.Batch, error) {
	ts := op.Timestamp
	ref := op.IdempotencyKey()

	// Step 1: bring every debt balance current before the snapshot.
	orderedBefore := w.Book.Accounts.OrderedAssets(op.Borrower)
	var batches []*ledger.Batch
	for _, tok := range orderedBefore {
		rec, err := w.Book.TokenOf(tok)
		if err != nil {
			return nil, err
		}
		if rec.Kind != state.TokenDebt {
			continue
		}
		m, err := w.Tokens.MarketOf(tok)
		if err != nil {
			return nil, err
		}
		m.AccrueInterest(ts)
		settle, err := e.settleDebtInterest(w, ref, op.Borrower, tok, ts)
		if err != nil {
			return nil, err
		}
		batches, err = appendBatch(w, batches, settle)
		if err != nil {
			return nil, err
		}
	}

	// Step 2: solvency snapshot.
	bd, err := w.Calculator().BadDebtStatusOf(op.Borrower, ts)
	if err != nil {
		return nil, err
	}

	// Step 3: this path exists only past outright insolvency.
	if bd.Collateral.Cmp(bd.Debt) >= 0 {
		return nil, fmt.Errorf("%w: collateral %s still covers debt %s",
			state.ErrNoLiquidationAvailable, bd.Collateral, bd.Debt)
	}
	if op.Liquidator == op.Borrower {
		return nil, fmt.Errorf("%w: cannot liquidate own account", state.ErrUnauthorized)
	}

	// Step 4: one uniform repay ratio socializes the shortfall
	// proportionally instead of first-come-first-served.
	repayRatio := fpmath.DivWadUp(bd.DebtToPay, bd.Debt)

	// Per-token balances at snapshot time, for the drift rechecks.
	debtSnap := make(map[state.Token]*big.Int)
	postedSnap := make(map[state.Token]*big.Int)
	for _, tok := range orderedBefore {
		rec, err := w.Book.TokenOf(tok)
		if err != nil {
			return nil, err
		}
		switch rec.Kind {
		case state.TokenDebt:
			d, derr := w.Tokens.DebtBalanceCached(tok, op.Borrower)
			if derr != nil {
				return nil, derr
			}
			debtSnap[tok] = d
		case state.TokenCollateral:
			if meta := rec.Metadata(op.Borrower); meta != nil {
				postedSnap[tok] = new(big.Int).Set(meta.CollateralPosted)
			}
		}
	}

	// Step 5: debt pass.
	for _, tok := range orderedBefore {
		want, ok := debtSnap[tok]
		if !ok {
			continue
		}
		m, merr := w.Tokens.MarketOf(tok)
		if merr != nil {
			return nil, merr
		}
		got := m.DebtBalanceCached(op.Borrower)
		if got.Cmp(want) != 0 {
			return nil, fmt.Errorf("%w: %s debt moved during liquidation: snapshot=%s live=%s",
				state.ErrInvariant, tok, want, got)
		}
		repaid, socialized, rerr := m.RepayWithBadDebt(op.Borrower, repayRatio, ts)
		if rerr != nil {
			return nil, rerr
		}
		if repaid.Sign() == 0 && socialized.Sign() == 0 {
			continue
		}
		b, berr := w.Gen.AccountLiquidationRepay(ref, op.Borrower, tok, repaid, socialized, ts)
		if berr != nil {
			return nil, berr
		}
		batches, err = appendBatch(w, batches, b)
		if err != nil {
			return nil, err
		}
		if socialized.Sign() > 0 && e.metrics != nil {
			e.metrics.BadDebtSocialized.WithLabelValues(string(tok)).Add(bigFloat(socialized))
		}
	}

	// Step 6: collateral pass.
	for _, tok := range orderedBefore {
		want, ok := postedSnap[tok]
		if !ok {
			continue
		}
		rec, rerr := w.Book.TokenOf(tok)
		if rerr != nil {
			return nil, rerr
		}
		got := new(big.Int)
		meta := rec.Metadata(op.Borrower)
		if meta != nil {
			got.Set(meta.CollateralPosted)
		}
		if got.Cmp(want) != 0 {
			return nil, fmt.Errorf("%w: %s posted collateral moved during liquidation: snapshot=%s live=%s",
				state.ErrInvariant, tok, want, got)
		}
		if want.Sign() == 0 {
			continue
		}
		m, merr := w.Tokens.MarketOf(tok)
		if merr != nil {
			return nil, merr
		}
		if err := m.SeizeAccountLiquidation(op.Liquidator, op.Borrower, want); err != nil {
			return nil, err
		}
		meta.CollateralPosted.SetInt64(0)
		rec.CollateralPosted.Sub(rec.CollateralPosted, want)
		b, berr := w.Gen.AccountLiquidationSeize(ref, op.Borrower, tok, want, ts)
		if berr != nil {
			return nil, berr
		}
		batches, err = appendBatch(w, batches, b)
		if err != nil {
			return nil, err
		}
		e.postedGauge(rec)
	}

	// Step 7: the asset list must be exactly what the snapshot saw.
	orderedAfter := w.Book.Accounts.OrderedAssets(op.Borrower)
	if len(orderedAfter) != len(orderedBefore) {
		return nil, fmt.Errorf("%w: asset list length changed during liquidation: %d != %d",
			state.ErrInvariant, len(orderedAfter), len(orderedBefore))
	}
	for i := range orderedAfter {
		if orderedAfter[i] != orderedBefore[i] {
			return nil, fmt.Errorf("%w: asset list reordered during liquidation at slot %d",
				state.ErrInvariant, i)
		}
	}

	// Teardown: every position retired, metadata and list entries gone.
	for _, tok := range orderedBefore {
		rec, rerr := w.Book.TokenOf(tok)
		if rerr != nil {
			return nil, rerr
		}
		closePositionIn(w, rec, op.Borrower)
	}

	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.WithLabelValues("account").Inc()
	}
	e.logger.Info().
		Str("borrower", string(op.Borrower)).
		Str("liquidator", string(op.Liquidator)).
		Str("collateral_value", bd.Collateral.String()).
		Str("debt_value", bd.Debt.String()).
		Str("repay_ratio", repayRatio.String()).
		Msg("whole-account liquidation executed")
	return batches, nil
}
