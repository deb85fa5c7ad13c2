package core

import (
	"fmt"
	"math/big"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	fpmath "LendRisk/internal/math"
	"LendRisk/internal/oracle"
	"LendRisk/internal/state"
	"LendRisk/internal/token"
)

// tokenPrincipal is the caller identity a token contract presents.
func tokenPrincipal(tok state.Token) state.Account {
	return state.Account(tok)
}

// requireHold enforces the minimum hold period since the account's last
// collateral post or borrow.
func (e *Engine) requireHold(w *World, acct state.Account, now int64) error {
	last := w.Book.Accounts.Cooldown(acct)
	if last > 0 && now < last+e.cfg.MinHoldSeconds {
		return fmt.Errorf("%w: %d seconds remaining", state.ErrMinimumHoldPeriod, last+e.cfg.MinHoldSeconds-now)
	}
	return nil
}

// requireNoDeficit runs the strict-breakpoint hypothetical liquidity
// check: after simulating the redeem and/or borrow, collRatio-weighted
// collateral must still cover the account's debt.
func (e *Engine) requireNoDeficit(w *World, acct state.Account, modified state.Token, redeemShares, borrowAmount *big.Int, now int64) error {
	liq, err := w.Calculator().HypotheticalLiquidityOf(acct, modified, redeemShares, borrowAmount, oracle.CodeCaution, now)
	if err != nil {
		return err
	}
	if liq.Deficit.Sign() > 0 {
		return fmt.Errorf("%w: hypothetical deficit %s", state.ErrInsufficientCollateral, liq.Deficit)
	}
	return nil
}

// canRedeemChecks is the redeem admission shared by redeem and
// transfer: market-wide pause, listing, accrual to now, and for
// accounts with an open position the hold period plus the hypothetical
// check.
func (e *Engine) canRedeemChecks(w *World, tok state.Token, acct state.Account, shares *big.Int, now int64) (*state.TokenRecord, *token.Market, error) {
	if w.Book.RedeemPaused {
		return nil, nil, fmt.Errorf("%w: redemptions are paused", state.ErrPaused)
	}
	rec, err := w.Book.TokenOf(tok)
	if err != nil {
		return nil, nil, err
	}
	m, err := w.Tokens.MarketOf(tok)
	if err != nil {
		return nil, nil, err
	}
	m.AccrueInterest(now)

	meta := rec.Metadata(acct)
	if meta == nil || meta.ActivePosition != state.PositionActive {
		return rec, m, nil
	}
	if err := e.requireHold(w, acct, now); err != nil {
		return nil, nil, err
	}
	if err := e.requireNoDeficit(w, acct, tok, shares, nil, now); err != nil {
		return nil, nil, err
	}
	return rec, m, nil
}

// settleDebtInterest produces the journal batch that brings the tracked
// obligation up to the cached debt balance after market accrual. Nil
// when nothing accrued.
func (e *Engine) settleDebtInterest(w *World, ref string, acct state.Account, tok state.Token, now int64) (*ledger.Batch, error) {
	m, err := w.Tokens.MarketOf(tok)
	if err != nil {
		return nil, err
	}
	owed := m.DebtBalanceCached(acct)
	tracked := w.Tracker.DebtObligation(acct, tok)
	delta := new(big.Int).Sub(owed, tracked)
	if delta.Sign() <= 0 {
		return nil, nil
	}
	return w.Gen.AccrueInterest(ref, acct, tok, delta, now)
}

// closePositionIn retires one (account, token) position: metadata gone,
// asset list entry removed by swap-and-pop.
func closePositionIn(w *World, rec *state.TokenRecord, acct state.Account) {
	delete(rec.Accounts, acct)
	w.Book.Accounts.Deactivate(acct, rec.Addr)
}

func (e *Engine) postedGauge(rec *state.TokenRecord) {
	if e.metrics == nil {
		return
	}
	f, _ := new(big.Float).SetInt(rec.CollateralPosted).Float64()
	e.metrics.CollateralPosted.WithLabelValues(string(rec.Addr)).Set(f)
}

// ==============================
// Share operations
// ==============================

func (e *Engine) handleMint(w *World, op *event.MintShares) error {
	if w.Book.MintPaused[op.Token] {
		return fmt.Errorf("%w: minting %s is paused", state.ErrPaused, op.Token)
	}
	if _, err := w.Book.TokenOf(op.Token); err != nil {
		return err
	}
	m, err := w.Tokens.MarketOf(op.Token)
	if err != nil {
		return err
	}
	_, err = m.Mint(op.Account, op.Amount, op.Timestamp)
	return err
}

func (e *Engine) handleRedeem(w *World, op *event.RedeemShares) ([]*ledger.Batch, error) {
	if op.Shares == nil || op.Shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: redeem shares must be positive", state.ErrInvalidParameter)
	}
	rec, m, err := e.canRedeemChecks(w, op.Token, op.Account, op.Shares, op.Timestamp)
	if err != nil {
		return nil, err
	}

	var batches []*ledger.Batch
	if op.Caller == tokenPrincipal(op.Token) {
		// Token-initiated redemption may dip into posted collateral,
		// reducing the posting to match what leaves the balance.
		b, err := e.reduceCollateralIfNecessary(w, rec, m, op.Account, op.Shares, op.Force, op.Timestamp, op.IdempotencyKey())
		if err != nil {
			return nil, err
		}
		batches, err = appendBatch(w, batches, b)
		if err != nil {
			return nil, err
		}
	} else {
		posted := new(big.Int)
		if meta := rec.Metadata(op.Account); meta != nil {
			posted.Set(meta.CollateralPosted)
		}
		free := new(big.Int).Sub(m.TokenBalance(op.Account), posted)
		if free.Cmp(op.Shares) < 0 {
			return nil, fmt.Errorf("%w: redeem %s exceeds free balance %s", state.ErrInsufficientCollateral, op.Shares, free)
		}
	}

	if _, err := m.Redeem(op.Account, op.Shares, op.Timestamp); err != nil {
		return nil, err
	}
	e.postedGauge(rec)
	return batches, nil
}

// reduceCollateralIfNecessary releases just enough posted collateral to
// let a token-initiated redemption go through: the dip amount when the
// redemption exceeds the free balance, the full share amount when
// forced.
func (e *Engine) reduceCollateralIfNecessary(
	w *World,
	rec *state.TokenRecord,
	m *token.Market,
	acct state.Account,
	shares *big.Int,
	force bool,
	now int64,
	ref string,
) (*ledger.Batch, error) {
	meta := rec.Metadata(acct)
	if meta == nil || meta.CollateralPosted.Sign() == 0 {
		return nil, nil
	}

	var reduce *big.Int
	if force {
		reduce = fpmath.MinBig(shares, meta.CollateralPosted)
	} else {
		free := new(big.Int).Sub(m.TokenBalance(acct), meta.CollateralPosted)
		if shares.Cmp(free) <= 0 {
			return nil, nil
		}
		reduce = new(big.Int).Sub(shares, free)
		if reduce.Cmp(meta.CollateralPosted) > 0 {
			return nil, fmt.Errorf("%w: redeem %s exceeds balance", state.ErrInsufficientCollateral, shares)
		}
	}
	if reduce.Sign() <= 0 {
		return nil, nil
	}

	b, err := w.Gen.RemoveCollateral(ref, acct, rec.Addr, reduce, now)
	if err != nil {
		return nil, err
	}
	meta.CollateralPosted.Sub(meta.CollateralPosted, reduce)
	rec.CollateralPosted.Sub(rec.CollateralPosted, reduce)
	return b, nil
}

func (e *Engine) handleTransfer(w *World, op *event.TransferShares) error {
	if op.Shares == nil || op.Shares.Sign() <= 0 {
		return fmt.Errorf("%w: transfer shares must be positive", state.ErrInvalidParameter)
	}
	if w.Book.TransferPaused {
		return fmt.Errorf("%w: transfers are paused", state.ErrPaused)
	}
	// The sender must clear the same bar as a redeemer.
	rec, m, err := e.canRedeemChecks(w, op.Token, op.From, op.Shares, op.Timestamp)
	if err != nil {
		return err
	}

	posted := new(big.Int)
	if meta := rec.Metadata(op.From); meta != nil {
		posted.Set(meta.CollateralPosted)
	}
	free := new(big.Int).Sub(m.TokenBalance(op.From), posted)
	if free.Cmp(op.Shares) < 0 {
		return fmt.Errorf("%w: transfer %s exceeds free balance %s", state.ErrInsufficientCollateral, op.Shares, free)
	}
	return m.Transfer(op.From, op.To, op.Shares)
}

// ==============================
// Debt operations
// ==============================

func (e *Engine) handleBorrow(w *World, op *event.Borrow) ([]*ledger.Batch, error) {
	if op.Amount == nil || op.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: borrow amount must be positive", state.ErrInvalidParameter)
	}
	if w.Book.BorrowPaused[op.Token] {
		return nil, fmt.Errorf("%w: borrowing %s is paused", state.ErrPaused, op.Token)
	}
	rec, err := w.Book.TokenOf(op.Token)
	if err != nil {
		return nil, err
	}
	if rec.Kind != state.TokenDebt {
		return nil, fmt.Errorf("%w: %s is not a borrowable token", state.ErrInvalidParameter, op.Token)
	}
	m, err := w.Tokens.MarketOf(op.Token)
	if err != nil {
		return nil, err
	}
	m.AccrueInterest(op.Timestamp)

	meta := rec.Metadata(op.Account)
	if meta == nil || meta.ActivePosition != state.PositionActive {
		// First borrow in this token: only the token itself may open
		// the position.
		if op.Caller != tokenPrincipal(op.Token) {
			return nil, fmt.Errorf("%w: position activation must come from the token", state.ErrUnauthorized)
		}
		meta = rec.EnsureMetadata(op.Account)
		meta.ActivePosition = state.PositionActive
		w.Book.Accounts.Activate(op.Account, op.Token)
	}

	if err := e.requireNoDeficit(w, op.Account, op.Token, nil, op.Amount, op.Timestamp); err != nil {
		return nil, err
	}

	ref := op.IdempotencyKey()
	settle, err := e.settleDebtInterest(w, ref, op.Account, op.Token, op.Timestamp)
	if err != nil {
		return nil, err
	}
	batches, err := appendBatch(w, nil, settle)
	if err != nil {
		return nil, err
	}

	if err := m.Borrow(op.Account, op.Amount, op.Timestamp); err != nil {
		return nil, err
	}
	draw, err := w.Gen.DrawDebt(ref, op.Account, op.Token, op.Amount, op.Timestamp)
	if err != nil {
		return nil, err
	}
	batches, err = appendBatch(w, batches, draw)
	if err != nil {
		return nil, err
	}

	// Borrowing restarts the hold clock, same as posting collateral.
	w.Book.Accounts.SetCooldown(op.Account, op.Timestamp)
	return batches, nil
}

func (e *Engine) handleRepay(w *World, op *event.Repay) ([]*ledger.Batch, error) {
	if _, err := w.Book.TokenOf(op.Token); err != nil {
		return nil, err
	}
	if err := e.requireHold(w, op.Account, op.Timestamp); err != nil {
		return nil, err
	}
	m, err := w.Tokens.MarketOf(op.Token)
	if err != nil {
		return nil, err
	}
	m.AccrueInterest(op.Timestamp)

	ref := op.IdempotencyKey()
	settle, err := e.settleDebtInterest(w, ref, op.Account, op.Token, op.Timestamp)
	if err != nil {
		return nil, err
	}
	batches, err := appendBatch(w, nil, settle)
	if err != nil {
		return nil, err
	}

	repaid, err := m.Repay(op.Account, op.Amount, op.Timestamp)
	if err != nil {
		return nil, err
	}
	b, err := w.Gen.RepayDebt(ref, op.Account, op.Token, repaid, op.Timestamp)
	if err != nil {
		return nil, err
	}
	batches, err = appendBatch(w, batches, b)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// ==============================
// Collateral operations
// ==============================

func (e *Engine) handlePostCollateral(w *World, op *event.PostCollateral) ([]*ledger.Batch, error) {
	if op.Shares == nil || op.Shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: posted shares must be positive", state.ErrInvalidParameter)
	}
	if op.Caller != op.Account && op.Caller != tokenPrincipal(op.Token) && !w.Book.Folding[op.Caller] {
		return nil, fmt.Errorf("%w: %s may not post collateral for %s", state.ErrUnauthorized, op.Caller, op.Account)
	}
	rec, err := w.Book.TokenOf(op.Token)
	if err != nil {
		return nil, err
	}

	// The cap gate also shuts out tokens with no collateralization
	// ratio: their cap can never be raised above zero.
	newTotal := new(big.Int).Add(rec.CollateralPosted, op.Shares)
	if rec.CollateralCap.Sign() <= 0 || newTotal.Cmp(rec.CollateralCap) > 0 {
		return nil, fmt.Errorf("%w: %s posted %s + %s against cap %s",
			state.ErrCollateralCapReached, op.Token, rec.CollateralPosted, op.Shares, rec.CollateralCap)
	}

	m, err := w.Tokens.MarketOf(op.Token)
	if err != nil {
		return nil, err
	}
	meta := rec.EnsureMetadata(op.Account)
	newPosted := new(big.Int).Add(meta.CollateralPosted, op.Shares)
	if newPosted.Cmp(m.TokenBalance(op.Account)) > 0 {
		return nil, fmt.Errorf("%w: posting %s exceeds share balance %s",
			state.ErrInsufficientCollateral, newPosted, m.TokenBalance(op.Account))
	}

	b, err := w.Gen.PostCollateral(op.IdempotencyKey(), op.Account, op.Token, op.Shares, op.Timestamp)
	if err != nil {
		return nil, err
	}
	batches, err := appendBatch(w, nil, b)
	if err != nil {
		return nil, err
	}

	meta.CollateralPosted.Set(newPosted)
	rec.CollateralPosted.Set(newTotal)
	if meta.ActivePosition != state.PositionActive {
		meta.ActivePosition = state.PositionActive
		w.Book.Accounts.Activate(op.Account, op.Token)
	}
	w.Book.Accounts.SetCooldown(op.Account, op.Timestamp)
	e.postedGauge(rec)
	return batches, nil
}

func (e *Engine) handleRemoveCollateral(w *World, op *event.RemoveCollateral) ([]*ledger.Batch, error) {
	if op.Shares == nil || op.Shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: removed shares must be positive", state.ErrInvalidParameter)
	}
	if op.Caller != op.Account && op.Caller != tokenPrincipal(op.Token) && !w.Book.Folding[op.Caller] {
		return nil, fmt.Errorf("%w: %s may not remove collateral for %s", state.ErrUnauthorized, op.Caller, op.Account)
	}
	rec, err := w.Book.TokenOf(op.Token)
	if err != nil {
		return nil, err
	}
	meta := rec.Metadata(op.Account)
	if meta == nil || meta.ActivePosition != state.PositionActive {
		return nil, fmt.Errorf("%w: no active position in %s", state.ErrInvalidParameter, op.Token)
	}
	if op.Shares.Cmp(meta.CollateralPosted) > 0 {
		return nil, fmt.Errorf("%w: removing %s exceeds posted %s",
			state.ErrInsufficientCollateral, op.Shares, meta.CollateralPosted)
	}
	if err := e.requireHold(w, op.Account, op.Timestamp); err != nil {
		return nil, err
	}
	if err := e.requireNoDeficit(w, op.Account, op.Token, op.Shares, nil, op.Timestamp); err != nil {
		return nil, err
	}

	b, err := w.Gen.RemoveCollateral(op.IdempotencyKey(), op.Account, op.Token, op.Shares, op.Timestamp)
	if err != nil {
		return nil, err
	}
	batches, err := appendBatch(w, nil, b)
	if err != nil {
		return nil, err
	}

	meta.CollateralPosted.Sub(meta.CollateralPosted, op.Shares)
	rec.CollateralPosted.Sub(rec.CollateralPosted, op.Shares)
	e.postedGauge(rec)

	if op.CloseIfPossible && meta.CollateralPosted.Sign() == 0 {
		debt, derr := w.Tokens.DebtBalanceCached(op.Token, op.Account)
		if derr == nil && debt.Sign() == 0 {
			closePositionIn(w, rec, op.Account)
		}
	}
	return batches, nil
}

func (e *Engine) handleClosePosition(w *World, op *event.ClosePosition) error {
	if op.Caller != op.Account && op.Caller != tokenPrincipal(op.Token) && !w.Book.Folding[op.Caller] {
		return fmt.Errorf("%w: %s may not close positions for %s", state.ErrUnauthorized, op.Caller, op.Account)
	}
	rec, err := w.Book.TokenOf(op.Token)
	if err != nil {
		return err
	}
	meta := rec.Metadata(op.Account)
	if meta == nil || meta.ActivePosition != state.PositionActive {
		return fmt.Errorf("%w: no active position in %s", state.ErrInvalidParameter, op.Token)
	}
	if meta.CollateralPosted.Sign() != 0 {
		return fmt.Errorf("%w: %s still has collateral posted", state.ErrInvalidParameter, op.Token)
	}
	debt, err := w.Tokens.DebtBalanceCached(op.Token, op.Account)
	if err != nil {
		return err
	}
	if debt.Sign() != 0 {
		return fmt.Errorf("%w: %s still has outstanding debt", state.ErrInvalidParameter, op.Token)
	}
	closePositionIn(w, rec, op.Account)
	return nil
}

// ==============================
// Price and accrual feeds
// ==============================

func (e *Engine) handlePriceUpdate(w *World, op *event.PriceUpdate) error {
	applied, err := w.Prices.Apply(oracle.Update{
		Token:      op.Token,
		Price:      op.Price,
		Confidence: op.Confidence,
		Timestamp:  op.PriceTimestamp,
		Sequence:   uint64(op.PriceSequence),
	})
	if e.metrics != nil {
		switch {
		case err != nil:
			e.metrics.PriceUpdates.WithLabelValues(string(op.Token), "invalid").Inc()
		case !applied:
			e.metrics.PriceUpdates.WithLabelValues(string(op.Token), "stale").Inc()
		default:
			e.metrics.PriceUpdates.WithLabelValues(string(op.Token), "applied").Inc()
		}
	}
	return err
}

func (e *Engine) handleAccrueInterest(w *World, op *event.AccrueInterest) error {
	m, err := w.Tokens.MarketOf(op.Token)
	if err != nil {
		return err
	}
	m.AccrueInterest(op.Timestamp)
	return nil
}
