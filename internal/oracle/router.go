package oracle

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	fpmath "LendRisk/internal/math"
	"LendRisk/internal/state"
)

// Code grades a quote. Callers pass a breakpoint and treat any code at
// or above it as fatal: admission paths use breakpoint CodeCaution,
// liquidation paths use breakpoint CodeBadSource.
type Code uint8

const (
	CodeNone      Code = 0
	CodeCaution   Code = 1
	CodeBadSource Code = 2
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeCaution:
		return "Caution"
	case CodeBadSource:
		return "BadSource"
	default:
		return "Unknown"
	}
}

// Quote is a one-sided price answer. Price is nil when the source is
// unusable.
type Quote struct {
	Price *big.Int
	Code  Code
}

// Update is a parsed price event from a feed.
type Update struct {
	Token      state.Token
	Price      *big.Int // WAD-scaled mid price
	Confidence *big.Int // WAD-scaled half-width of the band
	Timestamp  int64    // unix seconds at the source
	Sequence   uint64   // per-token source sequence
}

// Request names one quote in a batched lookup.
type Request struct {
	Token        state.Token
	WantLow      bool
	IsCollateral bool
}

type feed struct {
	price      *big.Int
	confidence *big.Int
	updatedAt  int64
	sequence   uint64
}

// DefaultCautionBand degrades quotes whose confidence band exceeds 2%
// of the mid price.
var DefaultCautionBand = fpmath.Bint(20_000_000_000_000_000)

// Router keeps the latest usable price per token and answers biased
// quotes. Collateral is valued at the low side of the band and debt at
// the high side, so both directions of uncertainty cost the account,
// never the protocol.
//
// The router is mutated only inside the engine loop; price updates
// arrive as operations, which keeps quotes deterministic for replay.
type Router struct {
	feeds map[state.Token]*feed

	// Staleness windows in seconds. Collateral uses the stricter one:
	// an overvalued stale collateral price is the dangerous direction.
	collateralStaleAfter int64
	debtStaleAfter       int64

	cautionBand *big.Int
}

func NewRouter(collateralStaleAfter, debtStaleAfter int64, cautionBand *big.Int) *Router {
	if cautionBand == nil {
		cautionBand = DefaultCautionBand
	}
	return &Router{
		feeds:                make(map[state.Token]*feed),
		collateralStaleAfter: collateralStaleAfter,
		debtStaleAfter:       debtStaleAfter,
		cautionBand:          new(big.Int).Set(cautionBand),
	}
}

// Apply ingests a price update. Returns false when the update is older
// than the stored sequence for its token; that is a routine reordering,
// not an error. Malformed updates are errors.
func (r *Router) Apply(u Update) (bool, error) {
	if u.Token == "" {
		return false, fmt.Errorf("%w: price update missing token", state.ErrPrice)
	}
	if u.Price == nil || u.Price.Sign() <= 0 {
		return false, fmt.Errorf("%w: non-positive price for %s", state.ErrPrice, u.Token)
	}
	if u.Confidence == nil || u.Confidence.Sign() < 0 {
		return false, fmt.Errorf("%w: negative confidence for %s", state.ErrPrice, u.Token)
	}

	f, ok := r.feeds[u.Token]
	if ok && u.Sequence <= f.sequence {
		return false, nil
	}
	r.feeds[u.Token] = &feed{
		price:      new(big.Int).Set(u.Price),
		confidence: new(big.Int).Set(u.Confidence),
		updatedAt:  u.Timestamp,
		sequence:   u.Sequence,
	}
	return true, nil
}

// Quote answers one biased price at engine time now.
func (r *Router) Quote(token state.Token, wantLow, isCollateral bool, now int64) Quote {
	f, ok := r.feeds[token]
	if !ok {
		return Quote{Code: CodeBadSource}
	}

	window := r.debtStaleAfter
	if isCollateral {
		window = r.collateralStaleAfter
	}
	if window > 0 && now-f.updatedAt > window {
		return Quote{Code: CodeBadSource}
	}

	// A band at or past the mid price has no usable low side.
	if f.confidence.Cmp(f.price) >= 0 {
		return Quote{Code: CodeBadSource}
	}

	price := new(big.Int)
	if wantLow {
		price.Sub(f.price, f.confidence)
	} else {
		price.Add(f.price, f.confidence)
	}

	code := CodeNone
	ratio := fpmath.DivWadUp(f.confidence, f.price)
	if ratio.Cmp(r.cautionBand) > 0 {
		code = CodeCaution
	}
	return Quote{Price: price, Code: code}
}

// Quotes answers a batch in request order. The account walks in the
// liquidity calculator fetch everything in one call so a single
// operation sees one consistent view.
func (r *Router) Quotes(reqs []Request, now int64) []Quote {
	out := make([]Quote, len(reqs))
	for i, req := range reqs {
		out[i] = r.Quote(req.Token, req.WantLow, req.IsCollateral, now)
	}
	return out
}

// UpdatedAt returns the feed timestamp for a token, zero when absent.
// The metrics layer uses it to export staleness gauges.
func (r *Router) UpdatedAt(token state.Token) int64 {
	f, ok := r.feeds[token]
	if !ok {
		return 0
	}
	return f.updatedAt
}

// FeedState is an exported view of one stored feed. Snapshots encode
// these and replay them through Apply on restore.
type FeedState struct {
	Token      state.Token
	Price      *big.Int
	Confidence *big.Int
	UpdatedAt  int64
	Sequence   uint64
}

// Feeds exports every feed in token order.
func (r *Router) Feeds() []FeedState {
	tokens := make([]string, 0, len(r.feeds))
	for t := range r.feeds {
		tokens = append(tokens, string(t))
	}
	sort.Strings(tokens)

	out := make([]FeedState, 0, len(tokens))
	for _, t := range tokens {
		f := r.feeds[state.Token(t)]
		out = append(out, FeedState{
			Token:      state.Token(t),
			Price:      new(big.Int).Set(f.price),
			Confidence: new(big.Int).Set(f.confidence),
			UpdatedAt:  f.updatedAt,
			Sequence:   f.sequence,
		})
	}
	return out
}

func (r *Router) Clone() *Router {
	c := &Router{
		feeds:                make(map[state.Token]*feed, len(r.feeds)),
		collateralStaleAfter: r.collateralStaleAfter,
		debtStaleAfter:       r.debtStaleAfter,
		cautionBand:          new(big.Int).Set(r.cautionBand),
	}
	for t, f := range r.feeds {
		c.feeds[t] = &feed{
			price:      new(big.Int).Set(f.price),
			confidence: new(big.Int).Set(f.confidence),
			updatedAt:  f.updatedAt,
			sequence:   f.sequence,
		}
	}
	return c
}

// CanonicalBytes serializes the router for the state hash chain.
func (r *Router) CanonicalBytes() []byte {
	tokens := make([]string, 0, len(r.feeds))
	for t := range r.feeds {
		tokens = append(tokens, string(t))
	}
	sort.Strings(tokens)

	buf := make([]byte, 0, 64*len(tokens))
	buf = appendUint64LE(buf, uint64(len(tokens)))
	for _, t := range tokens {
		f := r.feeds[state.Token(t)]
		buf = appendUint64LE(buf, uint64(len(t)))
		buf = append(buf, t...)
		buf = appendBig(buf, f.price)
		buf = appendBig(buf, f.confidence)
		buf = appendUint64LE(buf, uint64(f.updatedAt))
		buf = appendUint64LE(buf, f.sequence)
	}
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBig(buf []byte, v *big.Int) []byte {
	mag := v.Bytes()
	buf = appendUint64LE(buf, uint64(len(mag)))
	return append(buf, mag...)
}
