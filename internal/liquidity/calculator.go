package liquidity

import (
	"fmt"
	"math/big"

	fpmath "LendRisk/internal/math"
	"LendRisk/internal/oracle"
	"LendRisk/internal/state"
)

// TokenView is the slice of the market-token book the calculator needs.
type TokenView interface {
	ExchangeRateCached(token state.Token) (*big.Int, error)
	DebtBalanceCached(token state.Token, acct state.Account) (*big.Int, error)
}

// PriceView answers batched biased quotes.
type PriceView interface {
	Quotes(reqs []oracle.Request, now int64) []oracle.Quote
}

// Calculator computes account solvency against one consistent snapshot
// of books and prices. It never mutates anything.
type Calculator struct {
	book   *state.Book
	tokens TokenView
	prices PriceView
}

func NewCalculator(book *state.Book, tokens TokenView, prices PriceView) *Calculator {
	return &Calculator{book: book, tokens: tokens, prices: prices}
}

// Status is one account's solvency picture. CollateralSoft and
// CollateralHard are the premium-discounted collateral values; Debt is
// the high-priced debt value.
type Status struct {
	CollateralSoft *big.Int
	CollateralHard *big.Int
	Debt           *big.Int
}

// BadDebtStatus backs the whole-account liquidation decision.
type BadDebtStatus struct {
	Collateral *big.Int // undiscounted collateral value
	DebtToPay  *big.Int // collateral value over the base incentive
	Debt       *big.Int
}

// Liquidity is the hypothetical borrow-admission answer. Exactly one of
// Excess and Deficit is non-zero unless the account sits on the line.
type Liquidity struct {
	Excess  *big.Int
	Deficit *big.Int
}

// Terms is a priced partial liquidation.
type Terms struct {
	LFactor          *big.Int
	DebtToRepay      *big.Int
	SeizeShares      *big.Int
	FeeShares        *big.Int
	LiquidatorShares *big.Int
}

// assetRole is one asset's contribution to a walk, with its quote slot.
type assetRole struct {
	token    state.Token
	rec      *state.TokenRecord
	posted   *big.Int // collateral side, nil when none
	debt     *big.Int // debt side, nil when none
	priceIdx int
}

// collectRoles walks the account's asset list once and builds the
// batched price request so every valuation in one operation sees one
// consistent price view.
func (c *Calculator) collectRoles(acct state.Account) ([]assetRole, []oracle.Request, error) {
	assets := c.book.Accounts.OrderedAssets(acct)
	roles := make([]assetRole, 0, len(assets))
	reqs := make([]oracle.Request, 0, len(assets))

	for _, asset := range assets {
		rec, err := c.book.TokenOf(asset)
		if err != nil {
			return nil, nil, err
		}
		role := assetRole{token: asset, rec: rec, priceIdx: -1}

		switch rec.Kind {
		case state.TokenCollateral:
			// Only posted shares of an enabled collateral token count.
			if !rec.CollateralEnabled() {
				break
			}
			if meta := rec.Metadata(acct); meta != nil && meta.CollateralPosted.Sign() > 0 {
				role.posted = meta.CollateralPosted
				role.priceIdx = len(reqs)
				reqs = append(reqs, oracle.Request{Token: asset, WantLow: true, IsCollateral: true})
			}
		case state.TokenDebt:
			debt, err := c.tokens.DebtBalanceCached(asset, acct)
			if err != nil {
				return nil, nil, err
			}
			if debt.Sign() > 0 {
				role.debt = debt
				role.priceIdx = len(reqs)
				reqs = append(reqs, oracle.Request{Token: asset, WantLow: false})
			}
		}

		if role.priceIdx >= 0 {
			roles = append(roles, role)
		}
	}
	return roles, reqs, nil
}

func checkQuote(q oracle.Quote, token state.Token, breakpoint oracle.Code) error {
	if q.Code >= breakpoint {
		return fmt.Errorf("%w: %s quote degraded to %s", state.ErrPrice, token, q.Code)
	}
	return nil
}

// collateralValue is posted shares converted through the exchange rate
// and the low price, rounding down at each step.
func collateralValue(posted, rate, price *big.Int) *big.Int {
	return fpmath.MulWadDown(fpmath.MulWadDown(posted, rate), price)
}

// StatusOf accumulates the premium-discounted collateral and the debt
// value for an account. Collateral quotes use the low price, debt
// quotes the high price; any quote at or past the breakpoint aborts.
func (c *Calculator) StatusOf(acct state.Account, breakpoint oracle.Code, now int64) (Status, error) {
	st := Status{
		CollateralSoft: new(big.Int),
		CollateralHard: new(big.Int),
		Debt:           new(big.Int),
	}

	roles, reqs, err := c.collectRoles(acct)
	if err != nil {
		return Status{}, err
	}
	quotes := c.prices.Quotes(reqs, now)

	for _, role := range roles {
		q := quotes[role.priceIdx]
		if err := checkQuote(q, role.token, breakpoint); err != nil {
			return Status{}, err
		}

		if role.posted != nil {
			rate, err := c.tokens.ExchangeRateCached(role.token)
			if err != nil {
				return Status{}, err
			}
			value := collateralValue(role.posted, rate, q.Price)
			st.CollateralSoft.Add(st.CollateralSoft, fpmath.DivWadDown(value, role.rec.CollReqSoft))
			st.CollateralHard.Add(st.CollateralHard, fpmath.DivWadDown(value, role.rec.CollReqHard))
		}
		if role.debt != nil {
			st.Debt.Add(st.Debt, fpmath.MulWadUp(role.debt, q.Price))
		}
	}
	return st, nil
}

// LFactor grades liquidation severity from a status: zero while the
// soft threshold holds, saturating at WAD once the hard threshold is
// crossed. The division rounds up so a borderline account liquidates
// at the higher severity.
func LFactor(st Status) *big.Int {
	if st.CollateralSoft.Cmp(st.Debt) >= 0 {
		return new(big.Int)
	}
	denom := new(big.Int).Sub(st.CollateralHard, st.CollateralSoft)
	if denom.Sign() <= 0 {
		return new(big.Int).Set(fpmath.Wad)
	}
	num := new(big.Int).Sub(st.Debt, st.CollateralSoft)
	return fpmath.Clamp(fpmath.DivWadUp(num, denom), fpmath.ZeroBig, fpmath.Wad)
}

// LFactorOf runs the loose-breakpoint walk and grades it.
func (c *Calculator) LFactorOf(acct state.Account, now int64) (*big.Int, error) {
	st, err := c.StatusOf(acct, oracle.CodeBadSource, now)
	if err != nil {
		return nil, err
	}
	return LFactor(st), nil
}

// HypotheticalLiquidityOf answers the borrow-admission question: after
// simulating a redeem of redeemShares and a borrow of borrowAmount on
// the modified token, does collRatio-weighted collateral still cover
// the debt. maxDebt uses the collateralization ratio, not the
// liquidation premiums.
func (c *Calculator) HypotheticalLiquidityOf(
	acct state.Account,
	modified state.Token,
	redeemShares, borrowAmount *big.Int,
	breakpoint oracle.Code,
	now int64,
) (Liquidity, error) {
	roles, reqs, err := c.collectRoles(acct)
	if err != nil {
		return Liquidity{}, err
	}

	// The simulated borrow needs the modified token's high price even
	// when the account has no position in it yet.
	borrowIdx := -1
	if borrowAmount != nil && borrowAmount.Sign() > 0 {
		borrowIdx = len(reqs)
		reqs = append(reqs, oracle.Request{Token: modified, WantLow: false})
	}

	quotes := c.prices.Quotes(reqs, now)

	maxDebt := new(big.Int)
	newDebt := new(big.Int)

	for _, role := range roles {
		q := quotes[role.priceIdx]
		if err := checkQuote(q, role.token, breakpoint); err != nil {
			return Liquidity{}, err
		}

		if role.posted != nil {
			rate, err := c.tokens.ExchangeRateCached(role.token)
			if err != nil {
				return Liquidity{}, err
			}
			effective := role.posted
			if role.token == modified && redeemShares != nil && redeemShares.Sign() > 0 {
				// Redeeming more than is posted cannot free more than
				// the posted contribution.
				removed := fpmath.MinBig(redeemShares, role.posted)
				effective = new(big.Int).Sub(role.posted, removed)
			}
			value := collateralValue(effective, rate, q.Price)
			maxDebt.Add(maxDebt, fpmath.MulWadDown(value, role.rec.CollRatio))
		}
		if role.debt != nil {
			newDebt.Add(newDebt, fpmath.MulWadUp(role.debt, q.Price))
		}
	}

	if borrowIdx >= 0 {
		q := quotes[borrowIdx]
		if err := checkQuote(q, modified, breakpoint); err != nil {
			return Liquidity{}, err
		}
		newDebt.Add(newDebt, fpmath.MulWadUp(borrowAmount, q.Price))
	}

	out := Liquidity{Excess: new(big.Int), Deficit: new(big.Int)}
	switch maxDebt.Cmp(newDebt) {
	case 1:
		out.Excess.Sub(maxDebt, newDebt)
	case -1:
		out.Deficit.Sub(newDebt, maxDebt)
	}
	return out, nil
}

// BadDebtStatusOf values the whole account for the insolvency decision:
// raw collateral value, the incentive-discounted amount a liquidator
// would pay for it, and total debt. Always the loose breakpoint.
func (c *Calculator) BadDebtStatusOf(acct state.Account, now int64) (BadDebtStatus, error) {
	st := BadDebtStatus{
		Collateral: new(big.Int),
		DebtToPay:  new(big.Int),
		Debt:       new(big.Int),
	}

	roles, reqs, err := c.collectRoles(acct)
	if err != nil {
		return BadDebtStatus{}, err
	}
	quotes := c.prices.Quotes(reqs, now)

	for _, role := range roles {
		q := quotes[role.priceIdx]
		if err := checkQuote(q, role.token, oracle.CodeBadSource); err != nil {
			return BadDebtStatus{}, err
		}

		if role.posted != nil {
			rate, err := c.tokens.ExchangeRateCached(role.token)
			if err != nil {
				return BadDebtStatus{}, err
			}
			value := collateralValue(role.posted, rate, q.Price)
			st.Collateral.Add(st.Collateral, value)
			st.DebtToPay.Add(st.DebtToPay, fpmath.DivWadDown(value, role.rec.LiqBaseIncentive))
		}
		if role.debt != nil {
			st.Debt.Add(st.Debt, fpmath.MulWadUp(role.debt, q.Price))
		}
	}
	return st, nil
}

// LiquidationTermsOf prices a partial liquidation of account debt in
// dToken against posted cToken collateral. In exact mode the caller's
// amount is validated against the close-factor cap and the posted
// balance; in max mode amount and seizure are capped and the repay is
// recomputed backwards from the capped seizure.
func (c *Calculator) LiquidationTermsOf(
	dToken, cToken state.Token,
	acct state.Account,
	amount *big.Int,
	exact bool,
	now int64,
) (Terms, error) {
	cRec, err := c.book.TokenOf(cToken)
	if err != nil {
		return Terms{}, err
	}
	if !cRec.CollateralEnabled() {
		return Terms{}, fmt.Errorf("%w: %s is not enabled as collateral", state.ErrInvalidParameter, cToken)
	}

	lFactor, err := c.LFactorOf(acct, now)
	if err != nil {
		return Terms{}, err
	}
	if lFactor.Sign() == 0 {
		return Terms{}, fmt.Errorf("%w: account is above the soft liquidation threshold", state.ErrNoLiquidationAvailable)
	}

	cFactor := new(big.Int).Add(cRec.BaseCFactor, fpmath.MulWadDown(cRec.CFactorCurve, lFactor))
	incentive := new(big.Int).Add(cRec.LiqBaseIncentive, fpmath.MulWadDown(cRec.LiqCurve, lFactor))

	debtBalance, err := c.tokens.DebtBalanceCached(dToken, acct)
	if err != nil {
		return Terms{}, err
	}
	maxRepay := fpmath.MulWadDown(cFactor, debtBalance)
	if maxRepay.Sign() == 0 {
		return Terms{}, fmt.Errorf("%w: no repayable debt in %s", state.ErrNoLiquidationAvailable, dToken)
	}

	if exact {
		if amount == nil || amount.Sign() <= 0 {
			return Terms{}, fmt.Errorf("%w: liquidation amount must be positive", state.ErrInvalidParameter)
		}
		if amount.Cmp(maxRepay) > 0 {
			return Terms{}, fmt.Errorf("%w: amount %s exceeds close-factor cap %s", state.ErrInvalidParameter, amount, maxRepay)
		}
		amount = new(big.Int).Set(amount)
	} else {
		amount = new(big.Int).Set(maxRepay)
	}

	quotes := c.prices.Quotes([]oracle.Request{
		{Token: dToken, WantLow: false},
		{Token: cToken, WantLow: true, IsCollateral: true},
	}, now)
	if err := checkQuote(quotes[0], dToken, oracle.CodeBadSource); err != nil {
		return Terms{}, err
	}
	if err := checkQuote(quotes[1], cToken, oracle.CodeBadSource); err != nil {
		return Terms{}, err
	}
	dHigh, cLow := quotes[0].Price, quotes[1].Price

	cRate, err := c.tokens.ExchangeRateCached(cToken)
	if err != nil {
		return Terms{}, err
	}
	shareValue := fpmath.MulWadDown(cLow, cRate)
	if shareValue.Sign() == 0 {
		return Terms{}, fmt.Errorf("%w: %s share value collapsed to zero", state.ErrPrice, cToken)
	}

	seizeShares := fpmath.DivWadDown(
		fpmath.MulWadDown(fpmath.MulWadDown(amount, dHigh), incentive),
		shareValue,
	)

	posted := new(big.Int)
	if meta := cRec.Metadata(acct); meta != nil {
		posted.Set(meta.CollateralPosted)
	}
	if seizeShares.Cmp(posted) > 0 {
		if exact {
			return Terms{}, fmt.Errorf("%w: seizure %s exceeds posted %s", state.ErrInsufficientCollateral, seizeShares, posted)
		}
		seizeShares = new(big.Int).Set(posted)
		amount = fpmath.DivWadDown(
			fpmath.MulWadDown(seizeShares, shareValue),
			fpmath.MulWadDown(dHigh, incentive),
		)
	}
	if seizeShares.Sign() == 0 || amount.Sign() == 0 {
		return Terms{}, fmt.Errorf("%w: nothing seizable from %s", state.ErrNoLiquidationAvailable, cToken)
	}

	feeShares := fpmath.MulWadDown(seizeShares, cRec.LiqFee)
	return Terms{
		LFactor:          lFactor,
		DebtToRepay:      amount,
		SeizeShares:      seizeShares,
		FeeShares:        feeShares,
		LiquidatorShares: new(big.Int).Sub(seizeShares, feeShares),
	}, nil
}
