package state

import (
	"fmt"
	"sort"
)

// Book is the full risk state of one market: every listed token, every
// account's asset list, the pause switches, and the set of contracts
// approved to fold positions on behalf of users.
//
// The engine mutates a Book only inside its single operation loop, so
// no locking happens here. Atomicity is clone-on-write: mutating
// operations work on a Clone and swap it in on success.
type Book struct {
	Tokens   map[Token]*TokenRecord
	Accounts *AccountBook

	// Per-token pause switches. Absent key means not paused.
	MintPaused   map[Token]bool
	BorrowPaused map[Token]bool

	// Market-wide pause switches.
	RedeemPaused   bool
	TransferPaused bool
	SeizePaused    bool

	// Folding holds principals approved to reshape positions for other
	// accounts without the usual self-only caller checks.
	Folding map[Account]bool
}

func NewBook() *Book {
	return &Book{
		Tokens:       make(map[Token]*TokenRecord),
		Accounts:     NewAccountBook(),
		MintPaused:   make(map[Token]bool),
		BorrowPaused: make(map[Token]bool),
		Folding:      make(map[Account]bool),
	}
}

// IsListed reports whether the token has been listed in this market.
func (b *Book) IsListed(token Token) bool {
	t, ok := b.Tokens[token]
	return ok && t.Listed
}

// TokenOf resolves a listed token record.
func (b *Book) TokenOf(token Token) (*TokenRecord, error) {
	t, ok := b.Tokens[token]
	if !ok || !t.Listed {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotListed, token)
	}
	return t, nil
}

// ListToken registers a new token. Listing the same token twice is
// refused; a token's kind is fixed at listing time.
func (b *Book) ListToken(token Token, kind TokenKind, now int64) (*TokenRecord, error) {
	if _, ok := b.Tokens[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenAlreadyListed, token)
	}
	t := NewTokenRecord(token, kind, now)
	b.Tokens[token] = t
	return t, nil
}

func (b *Book) Clone() *Book {
	c := &Book{
		Tokens:         make(map[Token]*TokenRecord, len(b.Tokens)),
		Accounts:       b.Accounts.Clone(),
		MintPaused:     make(map[Token]bool, len(b.MintPaused)),
		BorrowPaused:   make(map[Token]bool, len(b.BorrowPaused)),
		RedeemPaused:   b.RedeemPaused,
		TransferPaused: b.TransferPaused,
		SeizePaused:    b.SeizePaused,
		Folding:        make(map[Account]bool, len(b.Folding)),
	}
	for addr, t := range b.Tokens {
		c.Tokens[addr] = t.Clone()
	}
	for addr, v := range b.MintPaused {
		c.MintPaused[addr] = v
	}
	for addr, v := range b.BorrowPaused {
		c.BorrowPaused[addr] = v
	}
	for acct, v := range b.Folding {
		c.Folding[acct] = v
	}
	return c
}

// CanonicalBytes serializes the book deterministically for the state
// hash chain. Maps are walked in sorted key order.
func (b *Book) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1024)

	tokens := make([]string, 0, len(b.Tokens))
	for t := range b.Tokens {
		tokens = append(tokens, string(t))
	}
	sort.Strings(tokens)
	buf = appendInt64LE(buf, int64(len(tokens)))
	for _, t := range tokens {
		buf = append(buf, b.Tokens[Token(t)].CanonicalBytes()...)
	}

	buf = append(buf, b.Accounts.CanonicalBytes()...)

	buf = appendBoolMap(buf, b.MintPaused)
	buf = appendBoolMap(buf, b.BorrowPaused)
	buf = appendBool(buf, b.RedeemPaused)
	buf = appendBool(buf, b.TransferPaused)
	buf = appendBool(buf, b.SeizePaused)

	folding := make([]string, 0, len(b.Folding))
	for a, v := range b.Folding {
		if v {
			folding = append(folding, string(a))
		}
	}
	sort.Strings(folding)
	buf = appendInt64LE(buf, int64(len(folding)))
	for _, a := range folding {
		buf = appendString(buf, a)
	}

	return buf
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendBoolMap[K ~string](buf []byte, m map[K]bool) []byte {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, string(k))
		}
	}
	sort.Strings(keys)
	buf = appendInt64LE(buf, int64(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
	}
	return buf
}
