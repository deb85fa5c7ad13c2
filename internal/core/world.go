package core

import (
	"LendRisk/internal/ledger"
	"LendRisk/internal/liquidity"
	"LendRisk/internal/oracle"
	"LendRisk/internal/state"
	"LendRisk/internal/token"
)

// World is the complete mutable state of the risk engine: the risk
// book, the market-token book, the price router and the audit ledger.
// The engine mutates a clone per operation and swaps it in on success,
// so a published World is never written again and can be read without
// locks.
type World struct {
	Book     *state.Book
	Tokens   *token.Book
	Prices   *oracle.Router
	Registry *ledger.Registry
	Tracker  *ledger.BalanceTracker
	Gen      *ledger.JournalGenerator
}

// NewWorld builds an empty world. The staleness windows bound how old a
// price may be before quotes degrade; collateral quotes use the
// stricter window.
func NewWorld(collateralStaleSeconds, debtStaleSeconds int64) *World {
	registry := ledger.NewRegistry()
	tracker := ledger.NewBalanceTracker()
	return &World{
		Book:     state.NewBook(),
		Tokens:   token.NewBook(),
		Prices:   oracle.NewRouter(collateralStaleSeconds, debtStaleSeconds, nil),
		Registry: registry,
		Tracker:  tracker,
		Gen:      ledger.NewJournalGenerator(1, tracker, registry),
	}
}

// Clone deep-copies every component and rebinds the journal generator
// onto the copies.
func (w *World) Clone() *World {
	registry := w.Registry.Clone()
	tracker := w.Tracker.Clone()
	return &World{
		Book:     w.Book.Clone(),
		Tokens:   w.Tokens.Clone(),
		Prices:   w.Prices.Clone(),
		Registry: registry,
		Tracker:  tracker,
		Gen:      w.Gen.CloneWith(tracker, registry),
	}
}

// WithPrices is the cheap scratch world for a price update: only the
// router is copied, everything else is shared because it will not be
// touched.
func (w *World) WithPrices(p *oracle.Router) *World {
	c := *w
	c.Prices = p
	return &c
}

// WithTokens is the cheap scratch world for an accrual tick.
func (w *World) WithTokens(t *token.Book) *World {
	c := *w
	c.Tokens = t
	return &c
}

// Calculator builds a solvency calculator over this world's snapshot.
func (w *World) Calculator() *liquidity.Calculator {
	return liquidity.NewCalculator(w.Book, w.Tokens, w.Prices)
}

// CanonicalBytes serializes the whole world deterministically for the
// state hash chain. Section tags keep component boundaries unambiguous.
func (w *World) CanonicalBytes() []byte {
	buf := make([]byte, 0, 4096)
	buf = append(buf, "book\x00"...)
	buf = append(buf, w.Book.CanonicalBytes()...)
	buf = append(buf, "tokens\x00"...)
	buf = append(buf, w.Tokens.CanonicalBytes()...)
	buf = append(buf, "prices\x00"...)
	buf = append(buf, w.Prices.CanonicalBytes()...)
	buf = append(buf, "registry\x00"...)
	buf = append(buf, w.Registry.CanonicalBytes()...)
	buf = append(buf, "ledger\x00"...)
	buf = append(buf, w.Tracker.CanonicalBytes()...)
	return buf
}
