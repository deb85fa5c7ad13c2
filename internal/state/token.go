package state

import (
	"encoding/binary"
	"math/big"
	"sort"
)

// TokenKind separates collateral-side share tokens from debt-side
// borrowable tokens. A token is listed as exactly one kind and never
// changes kind afterwards.
type TokenKind int32

const (
	TokenCollateral TokenKind = iota
	TokenDebt
)

func (k TokenKind) String() string {
	switch k {
	case TokenCollateral:
		return "Collateral"
	case TokenDebt:
		return "Debt"
	default:
		return "Unknown"
	}
}

// TokenRecord is the per-token market entry: listing data, stored risk
// parameters, the global posted-collateral total, and per-account
// position metadata.
//
// Risk parameters are kept in their stored forms, not the raw
// governance inputs:
//
//	CollReqSoft      = WAD + soft liquidation premium
//	CollReqHard      = WAD + hard liquidation premium
//	LiqBaseIncentive = WAD + soft incentive
//	LiqCurve         = hard incentive - soft incentive
//	LiqFee           = fee * WAD / (WAD + soft incentive)
//
// All are WAD-scaled (1e18 = 100%).
type TokenRecord struct {
	Addr     Token
	Kind     TokenKind
	Listed   bool
	ListedAt int64

	CollRatio        *big.Int
	CollReqSoft      *big.Int
	CollReqHard      *big.Int
	LiqBaseIncentive *big.Int
	LiqCurve         *big.Int
	LiqFee           *big.Int
	BaseCFactor      *big.Int
	CFactorCurve     *big.Int

	// CollateralPosted is the sum of shares posted across all accounts.
	// CollateralCap bounds it; a zero cap disables new posting.
	CollateralPosted *big.Int
	CollateralCap    *big.Int

	Accounts map[Account]*AccountMetadata
}

func NewTokenRecord(addr Token, kind TokenKind, listedAt int64) *TokenRecord {
	return &TokenRecord{
		Addr:             addr,
		Kind:             kind,
		Listed:           true,
		ListedAt:         listedAt,
		CollRatio:        new(big.Int),
		CollReqSoft:      new(big.Int),
		CollReqHard:      new(big.Int),
		LiqBaseIncentive: new(big.Int),
		LiqCurve:         new(big.Int),
		LiqFee:           new(big.Int),
		BaseCFactor:      new(big.Int),
		CFactorCurve:     new(big.Int),
		CollateralPosted: new(big.Int),
		CollateralCap:    new(big.Int),
		Accounts:         make(map[Account]*AccountMetadata),
	}
}

// CollateralEnabled reports whether the token can back debt. A zero
// collateralization ratio means the token is listed but inert as
// collateral.
func (t *TokenRecord) CollateralEnabled() bool {
	return t.CollRatio != nil && t.CollRatio.Sign() > 0
}

// CapRoom returns how many more shares may be posted before the cap is
// hit. A zero cap always returns zero room.
func (t *TokenRecord) CapRoom() *big.Int {
	if t.CollateralCap.Sign() <= 0 {
		return new(big.Int)
	}
	room := new(big.Int).Sub(t.CollateralCap, t.CollateralPosted)
	if room.Sign() < 0 {
		return new(big.Int)
	}
	return room
}

// Metadata returns the account's record for this token, or nil if the
// account has never touched it. Read-only paths use this to avoid
// allocating entries.
func (t *TokenRecord) Metadata(acct Account) *AccountMetadata {
	return t.Accounts[acct]
}

// EnsureMetadata returns the account's record, creating it on first
// touch. Only mutating paths call this.
func (t *TokenRecord) EnsureMetadata(acct Account) *AccountMetadata {
	m, ok := t.Accounts[acct]
	if !ok {
		m = NewAccountMetadata()
		t.Accounts[acct] = m
	}
	return m
}

func (t *TokenRecord) Clone() *TokenRecord {
	c := &TokenRecord{
		Addr:             t.Addr,
		Kind:             t.Kind,
		Listed:           t.Listed,
		ListedAt:         t.ListedAt,
		CollRatio:        new(big.Int).Set(t.CollRatio),
		CollReqSoft:      new(big.Int).Set(t.CollReqSoft),
		CollReqHard:      new(big.Int).Set(t.CollReqHard),
		LiqBaseIncentive: new(big.Int).Set(t.LiqBaseIncentive),
		LiqCurve:         new(big.Int).Set(t.LiqCurve),
		LiqFee:           new(big.Int).Set(t.LiqFee),
		BaseCFactor:      new(big.Int).Set(t.BaseCFactor),
		CFactorCurve:     new(big.Int).Set(t.CFactorCurve),
		CollateralPosted: new(big.Int).Set(t.CollateralPosted),
		CollateralCap:    new(big.Int).Set(t.CollateralCap),
		Accounts:         make(map[Account]*AccountMetadata, len(t.Accounts)),
	}
	for acct, m := range t.Accounts {
		c.Accounts[acct] = m.Clone()
	}
	return c
}

// CanonicalBytes serializes the record deterministically for state
// hashing. Account entries are emitted in sorted order.
func (t *TokenRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = appendString(buf, string(t.Addr))
	buf = appendInt64LE(buf, int64(t.Kind))
	if t.Listed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, t.ListedAt)

	buf = appendBigInt(buf, t.CollRatio)
	buf = appendBigInt(buf, t.CollReqSoft)
	buf = appendBigInt(buf, t.CollReqHard)
	buf = appendBigInt(buf, t.LiqBaseIncentive)
	buf = appendBigInt(buf, t.LiqCurve)
	buf = appendBigInt(buf, t.LiqFee)
	buf = appendBigInt(buf, t.BaseCFactor)
	buf = appendBigInt(buf, t.CFactorCurve)
	buf = appendBigInt(buf, t.CollateralPosted)
	buf = appendBigInt(buf, t.CollateralCap)

	accts := make([]string, 0, len(t.Accounts))
	for a := range t.Accounts {
		accts = append(accts, string(a))
	}
	sort.Strings(accts)
	buf = appendInt64LE(buf, int64(len(accts)))
	for _, a := range accts {
		m := t.Accounts[Account(a)]
		buf = appendString(buf, a)
		buf = appendInt64LE(buf, int64(m.ActivePosition))
		buf = appendBigInt(buf, m.CollateralPosted)
	}

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

// appendBigInt writes sign byte, length, then big-endian magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		v = zeroBig
	}
	switch v.Sign() {
	case -1:
		buf = append(buf, 0xff)
	case 1:
		buf = append(buf, 1)
	default:
		buf = append(buf, 0)
	}
	mag := v.Bytes()
	buf = appendInt64LE(buf, int64(len(mag)))
	return append(buf, mag...)
}

var zeroBig = new(big.Int)
