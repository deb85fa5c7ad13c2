package token

import (
	"fmt"
	"math/big"
	"sort"

	fpmath "LendRisk/internal/math"
	"LendRisk/internal/state"
)

// LockedSharesAccount receives the seed shares minted at market start.
// Nothing can ever redeem them, which pins the share price floor.
const LockedSharesAccount state.Account = "market:locked"

// ProtocolReserveAccount holds the share-denominated liquidation fees.
const ProtocolReserveAccount state.Account = "protocol:reserve"

// MinStartDeposit is the smallest underlying seed accepted by
// StartMarket. A market seeded with dust would let the first depositor
// steer the share price.
var MinStartDeposit = big.NewInt(42_069)

// DefaultReserveFactor routes 10% of accrued interest to reserves.
var DefaultReserveFactor = fpmath.Bint(100_000_000_000_000_000)

// DebtPosition is one account's borrow: principal units recorded
// against the borrow index at draw time. The live balance is
// principal * currentIndex / entryIndex.
type DebtPosition struct {
	Principal *big.Int
	Index     *big.Int
}

func (d *DebtPosition) Clone() *DebtPosition {
	return &DebtPosition{
		Principal: new(big.Int).Set(d.Principal),
		Index:     new(big.Int).Set(d.Index),
	}
}

// Market is the in-process share and debt ledger for one listed token.
// Collateral markets use the share side; debt markets use both (shares
// for suppliers, debt positions for borrowers).
type Market struct {
	Addr       state.Token
	Collateral bool

	Shares      map[state.Account]*big.Int
	TotalShares *big.Int

	Cash         *big.Int // underlying units held by the market
	Reserves     *big.Int // underlying owed to the protocol
	TotalBorrows *big.Int

	BorrowIndex *big.Int // WAD, starts at WAD
	LastAccrual int64

	Debts map[state.Account]*DebtPosition

	Model         fpmath.InterestModel
	ReserveFactor *big.Int
}

func newMarket(addr state.Token, collateral bool, now int64) *Market {
	return &Market{
		Addr:          addr,
		Collateral:    collateral,
		Shares:        make(map[state.Account]*big.Int),
		TotalShares:   new(big.Int),
		Cash:          new(big.Int),
		Reserves:      new(big.Int),
		TotalBorrows:  new(big.Int),
		BorrowIndex:   new(big.Int).Set(fpmath.Wad),
		LastAccrual:   now,
		Debts:         make(map[state.Account]*DebtPosition),
		Model:         fpmath.DefaultInterestModel(),
		ReserveFactor: new(big.Int).Set(DefaultReserveFactor),
	}
}

// IsCollateralToken reports the market kind fixed at start.
func (m *Market) IsCollateralToken() bool {
	return m.Collateral
}

// TokenBalance returns the account's share balance.
func (m *Market) TokenBalance(acct state.Account) *big.Int {
	b, ok := m.Shares[acct]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

func (m *Market) shareRef(acct state.Account) *big.Int {
	b, ok := m.Shares[acct]
	if !ok {
		b = new(big.Int)
		m.Shares[acct] = b
	}
	return b
}

// ExchangeRateCached returns underlying-per-share at the last accrual,
// WAD-scaled and rounded down so collateral valuations never round in
// the account's favor.
func (m *Market) ExchangeRateCached() *big.Int {
	if m.TotalShares.Sign() == 0 {
		return new(big.Int).Set(fpmath.Wad)
	}
	backing := new(big.Int).Add(m.Cash, m.TotalBorrows)
	backing.Sub(backing, m.Reserves)
	return fpmath.DivWadDown(backing, m.TotalShares)
}

// ExchangeRate accrues to now first, then reads the cached rate.
func (m *Market) ExchangeRate(now int64) *big.Int {
	m.AccrueInterest(now)
	return m.ExchangeRateCached()
}

// AccrueInterest advances the borrow index to now. Interest rounds up
// and the index never moves backwards; calling with a past timestamp is
// a no-op.
func (m *Market) AccrueInterest(now int64) {
	elapsed := now - m.LastAccrual
	if elapsed <= 0 {
		return
	}
	m.LastAccrual = now
	if m.TotalBorrows.Sign() == 0 {
		return
	}

	rate := m.Model.BorrowRate(m.Cash, m.TotalBorrows)
	factor := fpmath.AccrualFactor(rate, elapsed)
	growth := new(big.Int).Sub(factor, fpmath.Wad)
	if growth.Sign() == 0 {
		return
	}

	interest := fpmath.MulWadUp(m.TotalBorrows, growth)
	m.TotalBorrows.Add(m.TotalBorrows, interest)
	m.Reserves.Add(m.Reserves, fpmath.MulWadDown(interest, m.ReserveFactor))
	m.BorrowIndex = fpmath.MulWadUp(m.BorrowIndex, factor)
}

// DebtBalanceCached returns the account's debt at the cached index,
// rounded up.
func (m *Market) DebtBalanceCached(acct state.Account) *big.Int {
	pos, ok := m.Debts[acct]
	if !ok {
		return new(big.Int)
	}
	num := new(big.Int).Mul(pos.Principal, m.BorrowIndex)
	out, rem := new(big.Int).QuoRem(num, pos.Index, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// DebtBalance accrues to now first, then reads the cached balance.
func (m *Market) DebtBalance(acct state.Account, now int64) *big.Int {
	m.AccrueInterest(now)
	return m.DebtBalanceCached(acct)
}

// Mint deposits underlying and issues shares at the current rate.
func (m *Market) Mint(acct state.Account, amount *big.Int, now int64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: mint amount must be positive", state.ErrInvalidParameter)
	}
	m.AccrueInterest(now)

	shares := fpmath.DivWadDown(amount, m.ExchangeRateCached())
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: mint amount too small for one share", state.ErrInvalidParameter)
	}
	m.shareRef(acct).Add(m.shareRef(acct), shares)
	m.TotalShares.Add(m.TotalShares, shares)
	m.Cash.Add(m.Cash, amount)
	return shares, nil
}

// Redeem burns shares and pays out underlying at the current rate.
func (m *Market) Redeem(acct state.Account, shares *big.Int, now int64) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: redeem shares must be positive", state.ErrInvalidParameter)
	}
	m.AccrueInterest(now)

	balance := m.shareRef(acct)
	if balance.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: redeem %s exceeds balance %s", state.ErrInsufficientCollateral, shares, balance)
	}
	amount := fpmath.MulWadDown(shares, m.ExchangeRateCached())
	if amount.Cmp(m.Cash) > 0 {
		return nil, fmt.Errorf("%w: market cash %s cannot cover redemption %s", state.ErrInvalidParameter, m.Cash, amount)
	}
	balance.Sub(balance, shares)
	if balance.Sign() == 0 {
		delete(m.Shares, acct)
	}
	m.TotalShares.Sub(m.TotalShares, shares)
	m.Cash.Sub(m.Cash, amount)
	return amount, nil
}

// Transfer moves shares between accounts without touching underlying.
func (m *Market) Transfer(from, to state.Account, shares *big.Int) error {
	if shares == nil || shares.Sign() <= 0 {
		return fmt.Errorf("%w: transfer shares must be positive", state.ErrInvalidParameter)
	}
	balance := m.shareRef(from)
	if balance.Cmp(shares) < 0 {
		return fmt.Errorf("%w: transfer %s exceeds balance %s", state.ErrInsufficientCollateral, shares, balance)
	}
	balance.Sub(balance, shares)
	if balance.Sign() == 0 {
		delete(m.Shares, from)
	}
	m.shareRef(to).Add(m.shareRef(to), shares)
	return nil
}

// Borrow draws underlying against the account's debt position. The
// running balance is settled into principal at the current index.
func (m *Market) Borrow(acct state.Account, amount *big.Int, now int64) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: borrow amount must be positive", state.ErrInvalidParameter)
	}
	m.AccrueInterest(now)

	if amount.Cmp(m.Cash) > 0 {
		return fmt.Errorf("%w: market cash %s cannot cover borrow %s", state.ErrInvalidParameter, m.Cash, amount)
	}
	balance := m.DebtBalanceCached(acct)
	balance.Add(balance, amount)
	m.Debts[acct] = &DebtPosition{
		Principal: balance,
		Index:     new(big.Int).Set(m.BorrowIndex),
	}
	m.Cash.Sub(m.Cash, amount)
	m.TotalBorrows.Add(m.TotalBorrows, amount)
	return nil
}

// Repay pays down the account's debt. A nil or zero amount repays in
// full. Returns the amount actually applied.
func (m *Market) Repay(acct state.Account, amount *big.Int, now int64) (*big.Int, error) {
	m.AccrueInterest(now)

	balance := m.DebtBalanceCached(acct)
	if balance.Sign() == 0 {
		return nil, fmt.Errorf("%w: no debt to repay", state.ErrInvalidParameter)
	}
	if amount == nil || amount.Sign() == 0 {
		amount = balance
	}
	if amount.Cmp(balance) > 0 {
		return nil, fmt.Errorf("%w: repay %s exceeds debt %s", state.ErrInvalidParameter, amount, balance)
	}

	remaining := new(big.Int).Sub(balance, amount)
	if remaining.Sign() == 0 {
		delete(m.Debts, acct)
	} else {
		m.Debts[acct] = &DebtPosition{
			Principal: remaining,
			Index:     new(big.Int).Set(m.BorrowIndex),
		}
	}
	m.Cash.Add(m.Cash, amount)
	m.TotalBorrows.Sub(m.TotalBorrows, amount)
	if m.TotalBorrows.Sign() < 0 {
		m.TotalBorrows.SetInt64(0)
	}
	return new(big.Int).Set(amount), nil
}

// RepayWithBadDebt settles an account's whole debt during a
// whole-account liquidation: the liquidator covers debt*ratio (rounded
// up) and the remainder is socialized. Returns (repaid, socialized).
func (m *Market) RepayWithBadDebt(acct state.Account, ratio *big.Int, now int64) (*big.Int, *big.Int, error) {
	m.AccrueInterest(now)

	debt := m.DebtBalanceCached(acct)
	if debt.Sign() == 0 {
		return new(big.Int), new(big.Int), nil
	}
	repaid := fpmath.MulWadUp(debt, ratio)
	if repaid.Cmp(debt) > 0 {
		repaid = new(big.Int).Set(debt)
	}
	socialized := new(big.Int).Sub(debt, repaid)

	delete(m.Debts, acct)
	m.Cash.Add(m.Cash, repaid)
	m.TotalBorrows.Sub(m.TotalBorrows, debt)
	if m.TotalBorrows.Sign() < 0 {
		m.TotalBorrows.SetInt64(0)
	}
	return repaid, socialized, nil
}

// Seize moves seized shares out of the borrower: the liquidator's cut
// to their balance, the fee cut to the protocol reserve account.
func (m *Market) Seize(liquidator, acct state.Account, liquidatorShares, feeShares *big.Int) error {
	total := new(big.Int).Add(liquidatorShares, feeShares)
	balance := m.shareRef(acct)
	if balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: seize %s exceeds balance %s", state.ErrInsufficientCollateral, total, balance)
	}
	balance.Sub(balance, total)
	if balance.Sign() == 0 {
		delete(m.Shares, acct)
	}
	if liquidatorShares.Sign() > 0 {
		m.shareRef(liquidator).Add(m.shareRef(liquidator), liquidatorShares)
	}
	if feeShares.Sign() > 0 {
		m.shareRef(ProtocolReserveAccount).Add(m.shareRef(ProtocolReserveAccount), feeShares)
	}
	return nil
}

// SeizeAccountLiquidation moves the borrower's whole posted holding to
// the liquidator. No fee cut on this path.
func (m *Market) SeizeAccountLiquidation(liquidator, acct state.Account, shares *big.Int) error {
	balance := m.shareRef(acct)
	if balance.Cmp(shares) < 0 {
		return fmt.Errorf("%w: seize %s exceeds balance %s", state.ErrInsufficientCollateral, shares, balance)
	}
	balance.Sub(balance, shares)
	if balance.Sign() == 0 {
		delete(m.Shares, acct)
	}
	if shares.Sign() > 0 {
		m.shareRef(liquidator).Add(m.shareRef(liquidator), shares)
	}
	return nil
}

func (m *Market) Clone() *Market {
	c := &Market{
		Addr:          m.Addr,
		Collateral:    m.Collateral,
		Shares:        make(map[state.Account]*big.Int, len(m.Shares)),
		TotalShares:   new(big.Int).Set(m.TotalShares),
		Cash:          new(big.Int).Set(m.Cash),
		Reserves:      new(big.Int).Set(m.Reserves),
		TotalBorrows:  new(big.Int).Set(m.TotalBorrows),
		BorrowIndex:   new(big.Int).Set(m.BorrowIndex),
		LastAccrual:   m.LastAccrual,
		Debts:         make(map[state.Account]*DebtPosition, len(m.Debts)),
		Model:         m.Model,
		ReserveFactor: new(big.Int).Set(m.ReserveFactor),
	}
	for acct, b := range m.Shares {
		c.Shares[acct] = new(big.Int).Set(b)
	}
	for acct, d := range m.Debts {
		c.Debts[acct] = d.Clone()
	}
	return c
}

// CanonicalBytes serializes the market deterministically for hashing.
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 512)
	appendField := func(s string) {
		buf = append(buf, s...)
		buf = append(buf, '|')
	}

	appendField(string(m.Addr))
	if m.Collateral {
		appendField("c")
	} else {
		appendField("d")
	}
	appendField(m.TotalShares.String())
	appendField(m.Cash.String())
	appendField(m.Reserves.String())
	appendField(m.TotalBorrows.String())
	appendField(m.BorrowIndex.String())
	appendField(fmt.Sprintf("%d", m.LastAccrual))

	accts := make([]string, 0, len(m.Shares))
	for a := range m.Shares {
		accts = append(accts, string(a))
	}
	sort.Strings(accts)
	for _, a := range accts {
		appendField(a)
		appendField(m.Shares[state.Account(a)].String())
	}

	debtors := make([]string, 0, len(m.Debts))
	for a := range m.Debts {
		debtors = append(debtors, string(a))
	}
	sort.Strings(debtors)
	for _, a := range debtors {
		pos := m.Debts[state.Account(a)]
		appendField(a)
		appendField(pos.Principal.String())
		appendField(pos.Index.String())
	}

	return buf
}
