package token

import (
	"fmt"
	"math/big"
	"sort"

	"LendRisk/internal/state"
)

// Book holds every started market.
type Book struct {
	Markets map[state.Token]*Market
}

func NewBook() *Book {
	return &Book{Markets: make(map[state.Token]*Market)}
}

// StartMarket opens a market for the token and locks the seed deposit.
// The seed buys shares at the initial 1:1 rate and they are minted to
// the locked account, never the depositor.
func (b *Book) StartMarket(addr state.Token, collateral bool, depositor state.Account, deposit *big.Int, now int64) (*Market, error) {
	if _, ok := b.Markets[addr]; ok {
		return nil, fmt.Errorf("%w: market %s already started", state.ErrTokenAlreadyListed, addr)
	}
	if depositor == "" {
		return nil, fmt.Errorf("%w: market start requires a depositor", state.ErrConfiguration)
	}
	if deposit == nil || deposit.Cmp(MinStartDeposit) < 0 {
		return nil, fmt.Errorf("%w: market seed below minimum %s", state.ErrConfiguration, MinStartDeposit)
	}

	m := newMarket(addr, collateral, now)
	m.Shares[LockedSharesAccount] = new(big.Int).Set(deposit)
	m.TotalShares.Set(deposit)
	m.Cash.Set(deposit)
	b.Markets[addr] = m
	return m, nil
}

// MarketOf resolves a started market.
func (b *Book) MarketOf(addr state.Token) (*Market, error) {
	m, ok := b.Markets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no market for %s", state.ErrTokenNotListed, addr)
	}
	return m, nil
}

// ExchangeRateCached resolves a market and reports its cached share
// price. Accrual stays with the caller so valuations never mutate.
func (b *Book) ExchangeRateCached(addr state.Token) (*big.Int, error) {
	m, err := b.MarketOf(addr)
	if err != nil {
		return nil, err
	}
	return m.ExchangeRateCached(), nil
}

// DebtBalanceCached resolves a market and reports one account's debt at
// the cached borrow index.
func (b *Book) DebtBalanceCached(addr state.Token, acct state.Account) (*big.Int, error) {
	m, err := b.MarketOf(addr)
	if err != nil {
		return nil, err
	}
	return m.DebtBalanceCached(acct), nil
}

func (b *Book) Clone() *Book {
	c := NewBook()
	for addr, m := range b.Markets {
		c.Markets[addr] = m.Clone()
	}
	return c
}

// CanonicalBytes serializes all markets in sorted token order.
func (b *Book) CanonicalBytes() []byte {
	addrs := make([]string, 0, len(b.Markets))
	for a := range b.Markets {
		addrs = append(addrs, string(a))
	}
	sort.Strings(addrs)

	buf := make([]byte, 0, 512*len(addrs))
	for _, a := range addrs {
		buf = append(buf, b.Markets[state.Token(a)].CanonicalBytes()...)
		buf = append(buf, '\n')
	}
	return buf
}
