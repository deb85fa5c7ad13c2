package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"LendRisk/internal/state"
)

// JournalGenerator creates balanced journal batches from market flows.
// Every flow the engine commits produces exactly one batch; multi-leg
// flows (liquidations) carry several journals under one batch_id.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // for pre-checks
	registry       *Registry
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker, registry *Registry) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
		registry:       registry,
	}
}

// CloneWith rebinds a copied generator onto cloned collaborators. The
// engine uses it when building a scratch world for a mutating
// operation.
func (jg *JournalGenerator) CloneWith(tracker *BalanceTracker, registry *Registry) *JournalGenerator {
	return &JournalGenerator{
		sequence:       jg.sequence,
		balanceTracker: tracker,
		registry:       registry,
	}
}

// Sequence returns the next batch sequence to be assigned.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

func (jg *JournalGenerator) newBatch(ref string, ts int64, legs int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: ts,
		Journals:  make([]Journal, 0, legs),
	}
}

func (jg *JournalGenerator) appendLeg(b *Batch, jt JournalType, debit, credit AccountKey, token state.Token, amount *big.Int, ts int64) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	id, err := jg.registry.MustIDOf(token)
	if err != nil {
		return err
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		Leg:           int16(len(b.Journals)),
		DebitAccount:  debit,
		CreditAccount: credit,
		TokenID:       id,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     ts,
	})
	return nil
}

func (jg *JournalGenerator) seal(b *Batch) (*Batch, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	jg.sequence++
	return b, nil
}

// PostCollateral records shares entering the posted system.
// Moves funds: external:vault -> user:posted
func (jg *JournalGenerator) PostCollateral(ref string, acct state.Account, token state.Token, shares *big.Int, ts int64) (*Batch, error) {
	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeCollateralPost,
		NewUserAccountKey(acct, SubTypePostedCollateral, token),
		NewExternalAccountKey(SubTypeExternalVault, token),
		token, shares, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// RemoveCollateral records shares leaving the posted system.
// Pre-check: the account must actually hold the posted shares.
// Moves funds: user:posted -> external:vault
func (jg *JournalGenerator) RemoveCollateral(ref string, acct state.Account, token state.Token, shares *big.Int, ts int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPosted(acct, token, shares); err != nil {
		return nil, fmt.Errorf("collateral removal pre-check failed: %w", err)
	}

	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeCollateralRemove,
		NewExternalAccountKey(SubTypeExternalVault, token),
		NewUserAccountKey(acct, SubTypePostedCollateral, token),
		token, shares, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// TransferCollateral records posted shares moving between accounts.
// Moves funds: from:posted -> to:posted
func (jg *JournalGenerator) TransferCollateral(ref string, from, to state.Account, token state.Token, shares *big.Int, ts int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPosted(from, token, shares); err != nil {
		return nil, fmt.Errorf("collateral transfer pre-check failed: %w", err)
	}

	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeCollateralTransfer,
		NewUserAccountKey(to, SubTypePostedCollateral, token),
		NewUserAccountKey(from, SubTypePostedCollateral, token),
		token, shares, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// DrawDebt records a new borrow.
// Moves funds: external:settlement -> user:debt
func (jg *JournalGenerator) DrawDebt(ref string, acct state.Account, token state.Token, amount *big.Int, ts int64) (*Batch, error) {
	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeDebtDraw,
		NewUserAccountKey(acct, SubTypeDebtObligation, token),
		NewExternalAccountKey(SubTypeExternalSettlement, token),
		token, amount, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// AccrueInterest settles index accrual into the obligation account the
// moment an operation touches the account's debt, so repay pre-checks
// see the full amount owed.
// Moves funds: external:settlement -> user:debt
func (jg *JournalGenerator) AccrueInterest(ref string, acct state.Account, token state.Token, interest *big.Int, ts int64) (*Batch, error) {
	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeInterestAccrue,
		NewUserAccountKey(acct, SubTypeDebtObligation, token),
		NewExternalAccountKey(SubTypeExternalSettlement, token),
		token, interest, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// RepayDebt records a voluntary repayment.
// Pre-check: repay must not exceed the obligation.
// Moves funds: user:debt -> external:settlement
func (jg *JournalGenerator) RepayDebt(ref string, acct state.Account, token state.Token, amount *big.Int, ts int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientDebt(acct, token, amount); err != nil {
		return nil, fmt.Errorf("repay pre-check failed: %w", err)
	}

	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeDebtRepay,
		NewExternalAccountKey(SubTypeExternalSettlement, token),
		NewUserAccountKey(acct, SubTypeDebtObligation, token),
		token, amount, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// PartialLiquidation records the three legs of a partial liquidation:
// the liquidator's repayment of borrower debt, the seized shares
// leaving the posted system toward the liquidator, and the protocol fee
// share.
func (jg *JournalGenerator) PartialLiquidation(
	ref string,
	borrower state.Account,
	dToken state.Token,
	repayAmount *big.Int,
	cToken state.Token,
	liquidatorShares *big.Int,
	feeShares *big.Int,
	ts int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientDebt(borrower, dToken, repayAmount); err != nil {
		return nil, fmt.Errorf("liquidation repay pre-check failed: %w", err)
	}
	seized := new(big.Int).Add(liquidatorShares, feeShares)
	if err := jg.balanceTracker.ValidateSufficientPosted(borrower, cToken, seized); err != nil {
		return nil, fmt.Errorf("liquidation seize pre-check failed: %w", err)
	}

	b := jg.newBatch(ref, ts, 3)
	if err := jg.appendLeg(b, JournalTypeLiquidationRepay,
		NewExternalAccountKey(SubTypeExternalSettlement, dToken),
		NewUserAccountKey(borrower, SubTypeDebtObligation, dToken),
		dToken, repayAmount, ts); err != nil {
		return nil, err
	}
	if err := jg.appendLeg(b, JournalTypeLiquidationSeize,
		NewExternalAccountKey(SubTypeExternalVault, cToken),
		NewUserAccountKey(borrower, SubTypePostedCollateral, cToken),
		cToken, liquidatorShares, ts); err != nil {
		return nil, err
	}
	if err := jg.appendLeg(b, JournalTypeLiquidationFee,
		NewProtocolAccountKey(SubTypeProtocolReserve, cToken),
		NewUserAccountKey(borrower, SubTypePostedCollateral, cToken),
		cToken, feeShares, ts); err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// AccountLiquidationRepay records one debt token of a whole-account
// liquidation: the liquidator covers repayAmount and the remainder is
// socialized as protocol bad debt.
func (jg *JournalGenerator) AccountLiquidationRepay(
	ref string,
	borrower state.Account,
	token state.Token,
	repayAmount *big.Int,
	badDebt *big.Int,
	ts int64,
) (*Batch, error) {
	total := new(big.Int).Add(repayAmount, badDebt)
	if err := jg.balanceTracker.ValidateSufficientDebt(borrower, token, total); err != nil {
		return nil, fmt.Errorf("account liquidation pre-check failed: %w", err)
	}

	b := jg.newBatch(ref, ts, 2)
	if err := jg.appendLeg(b, JournalTypeLiquidationRepay,
		NewExternalAccountKey(SubTypeExternalSettlement, token),
		NewUserAccountKey(borrower, SubTypeDebtObligation, token),
		token, repayAmount, ts); err != nil {
		return nil, err
	}
	if err := jg.appendLeg(b, JournalTypeBadDebtSocialize,
		NewProtocolAccountKey(SubTypeProtocolBadDebt, token),
		NewUserAccountKey(borrower, SubTypeDebtObligation, token),
		token, badDebt, ts); err != nil {
		return nil, err
	}
	return jg.seal(b)
}

// AccountLiquidationSeize records all posted shares of one collateral
// token leaving the borrower during a whole-account liquidation. No
// fee leg: the liquidator's margin is priced into debtToPay.
func (jg *JournalGenerator) AccountLiquidationSeize(
	ref string,
	borrower state.Account,
	token state.Token,
	shares *big.Int,
	ts int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPosted(borrower, token, shares); err != nil {
		return nil, fmt.Errorf("account liquidation seize pre-check failed: %w", err)
	}

	b := jg.newBatch(ref, ts, 1)
	err := jg.appendLeg(b, JournalTypeLiquidationSeize,
		NewExternalAccountKey(SubTypeExternalVault, token),
		NewUserAccountKey(borrower, SubTypePostedCollateral, token),
		token, shares, ts)
	if err != nil {
		return nil, err
	}
	return jg.seal(b)
}
