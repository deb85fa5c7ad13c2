package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"LendRisk/internal/state"
)

// BalanceTracker maintains in-memory account balances. Balances are
// big.Int in raw token units; boundary accounts (external scope) run
// negative by design, everything else stays non-negative.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) balanceRef(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balanceRef(j.DebitAccount).Add(bt.balanceRef(j.DebitAccount), j.Amount)
	bt.balanceRef(j.CreditAccount).Sub(bt.balanceRef(j.CreditAccount), j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

// === Domain balance queries ===

// PostedCollateral returns the shares an account has posted for a token
func (bt *BalanceTracker) PostedCollateral(acct state.Account, token state.Token) *big.Int {
	return bt.GetBalance(NewUserAccountKey(acct, SubTypePostedCollateral, token))
}

// DebtObligation returns the outstanding debt units for a token
func (bt *BalanceTracker) DebtObligation(acct state.Account, token state.Token) *big.Int {
	return bt.GetBalance(NewUserAccountKey(acct, SubTypeDebtObligation, token))
}

// ProtocolReserve returns the fee shares collected for a token
func (bt *BalanceTracker) ProtocolReserve(token state.Token) *big.Int {
	return bt.GetBalance(NewProtocolAccountKey(SubTypeProtocolReserve, token))
}

// ProtocolBadDebt returns the socialized loss recorded for a token
func (bt *BalanceTracker) ProtocolBadDebt(token state.Token) *big.Int {
	return bt.GetBalance(NewProtocolAccountKey(SubTypeProtocolBadDebt, token))
}

// SumPostedCollateral adds up every user's posted shares for a token.
// The validator checks it against the market record's running total.
func (bt *BalanceTracker) SumPostedCollateral(token state.Token) *big.Int {
	total := new(big.Int)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypePostedCollateral && key.Token == token {
			total.Add(total, balance)
		}
	}
	return total
}

// === Invariant checks ===

// ValidateSufficientPosted checks the account can give up the shares
func (bt *BalanceTracker) ValidateSufficientPosted(acct state.Account, token state.Token, required *big.Int) error {
	posted := bt.PostedCollateral(acct, token)
	if posted.Cmp(required) < 0 {
		return fmt.Errorf("insufficient posted collateral: have=%s, need=%s", posted, required)
	}
	return nil
}

// ValidateSufficientDebt checks the repay amount does not exceed debt
func (bt *BalanceTracker) ValidateSufficientDebt(acct state.Account, token state.Token, required *big.Int) error {
	debt := bt.DebtObligation(acct, token)
	if debt.Cmp(required) < 0 {
		return fmt.Errorf("repay exceeds debt obligation: have=%s, repay=%s", debt, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per token (should be
// zero for every token in a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[state.Token]*big.Int {
	totals := make(map[state.Token]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.Token]
		if !ok {
			t = new(big.Int)
			totals[key.Token] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if b, ok := bt.balances[key]; ok && b.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), b)
	}
	return nil
}

func (bt *BalanceTracker) Clone() *BalanceTracker {
	c := NewBalanceTracker()
	for key, balance := range bt.balances {
		c.balances[key] = new(big.Int).Set(balance)
	}
	return c
}

// BalanceEntry is an exported (key, amount) pair for snapshots.
type BalanceEntry struct {
	Key    AccountKey
	Amount *big.Int
}

// Balances exports non-zero balances sorted by account path.
func (bt *BalanceTracker) Balances() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for key, balance := range bt.balances {
		if balance.Sign() == 0 {
			continue
		}
		out = append(out, BalanceEntry{Key: key, Amount: new(big.Int).Set(balance)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// RestoreBalances rebuilds a tracker from snapshot entries.
func RestoreBalances(entries []BalanceEntry) *BalanceTracker {
	bt := NewBalanceTracker()
	for _, e := range entries {
		bt.balances[e.Key] = new(big.Int).Set(e.Amount)
	}
	return bt
}

// CanonicalBytes serializes non-zero balances sorted by account path
// for the state hash chain.
func (bt *BalanceTracker) CanonicalBytes() []byte {
	paths := make([]string, 0, len(bt.balances))
	byPath := make(map[string]*big.Int, len(bt.balances))
	for key, balance := range bt.balances {
		if balance.Sign() == 0 {
			continue
		}
		p := key.AccountPath()
		paths = append(paths, p)
		byPath[p] = balance
	}
	sort.Strings(paths)

	buf := make([]byte, 0, 48*len(paths))
	for _, p := range paths {
		buf = append(buf, p...)
		buf = append(buf, '=')
		buf = append(buf, byPath[p].String()...)
		buf = append(buf, '\n')
	}
	return buf
}
