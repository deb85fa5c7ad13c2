package state

import (
	"sort"
)

// AccountAssets tracks the tokens an account holds an active position
// in. Assets keeps the engine-visible iteration order; Index maps each
// token to its slot so removal is O(1) swap-and-pop instead of a scan.
type AccountAssets struct {
	Assets []Token
	Index  map[Token]int

	// CooldownTimestamp is bumped on every collateral post. Collateral
	// removal is refused until the minimum hold period has elapsed.
	CooldownTimestamp int64
}

func NewAccountAssets() *AccountAssets {
	return &AccountAssets{
		Assets: make([]Token, 0, 4),
		Index:  make(map[Token]int),
	}
}

func (a *AccountAssets) Clone() *AccountAssets {
	c := &AccountAssets{
		Assets:            make([]Token, len(a.Assets)),
		Index:             make(map[Token]int, len(a.Index)),
		CooldownTimestamp: a.CooldownTimestamp,
	}
	copy(c.Assets, a.Assets)
	for t, i := range a.Index {
		c.Index[t] = i
	}
	return c
}

// AccountBook holds every account's asset list.
type AccountBook struct {
	Accounts map[Account]*AccountAssets
}

func NewAccountBook() *AccountBook {
	return &AccountBook{Accounts: make(map[Account]*AccountAssets)}
}

// Assets returns the account's entry, or nil if it has no positions.
func (b *AccountBook) Assets(acct Account) *AccountAssets {
	return b.Accounts[acct]
}

// HasPosition reports whether the token is in the account's asset list.
func (b *AccountBook) HasPosition(acct Account, token Token) bool {
	a, ok := b.Accounts[acct]
	if !ok {
		return false
	}
	_, ok = a.Index[token]
	return ok
}

// Activate appends the token to the account's asset list. Idempotent:
// re-activating an already listed token is a no-op.
func (b *AccountBook) Activate(acct Account, token Token) {
	a, ok := b.Accounts[acct]
	if !ok {
		a = NewAccountAssets()
		b.Accounts[acct] = a
	}
	if _, exists := a.Index[token]; exists {
		return
	}
	a.Index[token] = len(a.Assets)
	a.Assets = append(a.Assets, token)
}

// Deactivate removes the token via swap-and-pop: the last entry moves
// into the vacated slot and its index is rewritten. The account entry
// itself is dropped once its asset list is empty.
func (b *AccountBook) Deactivate(acct Account, token Token) {
	a, ok := b.Accounts[acct]
	if !ok {
		return
	}
	i, exists := a.Index[token]
	if !exists {
		return
	}
	last := len(a.Assets) - 1
	if i != last {
		moved := a.Assets[last]
		a.Assets[i] = moved
		a.Index[moved] = i
	}
	a.Assets = a.Assets[:last]
	delete(a.Index, token)
	if len(a.Assets) == 0 {
		delete(b.Accounts, acct)
	}
}

// SetCooldown records the timestamp of the latest collateral post.
func (b *AccountBook) SetCooldown(acct Account, ts int64) {
	a, ok := b.Accounts[acct]
	if !ok {
		a = NewAccountAssets()
		b.Accounts[acct] = a
	}
	a.CooldownTimestamp = ts
}

// Cooldown returns the account's last collateral post timestamp, zero
// if the account has none.
func (b *AccountBook) Cooldown(acct Account) int64 {
	a, ok := b.Accounts[acct]
	if !ok {
		return 0
	}
	return a.CooldownTimestamp
}

// OrderedAssets returns a copy of the account's asset list in engine
// order. Liquidation snapshots iterate this to keep valuation order
// deterministic.
func (b *AccountBook) OrderedAssets(acct Account) []Token {
	a, ok := b.Accounts[acct]
	if !ok {
		return nil
	}
	out := make([]Token, len(a.Assets))
	copy(out, a.Assets)
	return out
}

func (b *AccountBook) Clone() *AccountBook {
	c := NewAccountBook()
	for acct, a := range b.Accounts {
		c.Accounts[acct] = a.Clone()
	}
	return c
}

// CanonicalBytes serializes the book deterministically. Accounts are
// sorted; each asset list keeps its live order, which is part of the
// observable state.
func (b *AccountBook) CanonicalBytes() []byte {
	accts := make([]string, 0, len(b.Accounts))
	for a := range b.Accounts {
		accts = append(accts, string(a))
	}
	sort.Strings(accts)

	buf := make([]byte, 0, 64*len(accts))
	buf = appendInt64LE(buf, int64(len(accts)))
	for _, acct := range accts {
		a := b.Accounts[Account(acct)]
		buf = appendString(buf, acct)
		buf = appendInt64LE(buf, a.CooldownTimestamp)
		buf = appendInt64LE(buf, int64(len(a.Assets)))
		for _, t := range a.Assets {
			buf = appendString(buf, string(t))
		}
	}
	return buf
}
