package ledger

import (
	"fmt"

	"LendRisk/internal/state"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per token
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for token, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", token, total)
		}
	}

	return nil
}

// ValidateUserAccountsNonNegative checks posted collateral and debt
// obligations for an account never went below zero
func (v *InvariantValidator) ValidateUserAccountsNonNegative(acct state.Account, token state.Token) error {
	if err := v.tracker.ValidateNonNegative(NewUserAccountKey(acct, SubTypePostedCollateral, token)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewUserAccountKey(acct, SubTypeDebtObligation, token))
}

// ValidatePostedMatchesBook cross-checks the market record's running
// posted total against the sum of per-account ledger balances. The
// engine runs it as a post-condition after collateral flows.
func (v *InvariantValidator) ValidatePostedMatchesBook(book *state.Book, token state.Token) error {
	rec, err := book.TokenOf(token)
	if err != nil {
		return err
	}
	ledgerTotal := v.tracker.SumPostedCollateral(token)
	if ledgerTotal.Cmp(rec.CollateralPosted) != 0 {
		return fmt.Errorf("%w: posted total drift for %s: ledger=%s book=%s",
			state.ErrInvariant, token, ledgerTotal, rec.CollateralPosted)
	}
	return nil
}
