package math

import (
	"math/big"
)

// WAD is the fixed-point scale used for every ratio, price and value in
// the engine: 1e18 == 1.0. Quantities are arbitrary-precision because a
// single 18-decimal token unit already consumes most of an int64.
var (
	Wad     = big.NewInt(1_000_000_000_000_000_000)
	WadBig  = new(big.Int).Mul(Wad, Wad) // 1e36, for double-scaled bounds
	ZeroBig = big.NewInt(0)
)

// Bint is shorthand for big.NewInt, used all over parameter tables.
func Bint(v int64) *big.Int {
	return big.NewInt(v)
}

// MulWadDown returns a*b/WAD rounded toward zero. Inputs are not mutated.
func MulWadDown(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, Wad)
}

// MulWadUp returns a*b/WAD rounded away from zero for positive inputs.
func MulWadUp(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return ceilDiv(p, Wad)
}

// DivWadDown returns a*WAD/b rounded toward zero. b must be nonzero.
func DivWadDown(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, Wad)
	return p.Quo(p, b)
}

// DivWadUp returns a*WAD/b rounded away from zero for positive inputs.
// b must be nonzero.
func DivWadUp(a, b *big.Int) *big.Int {
	p := new(big.Int).Mul(a, Wad)
	return ceilDiv(p, b)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, new(big.Int).Set(den), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Clamp returns x bounded to [lo, hi] as a fresh value.
func Clamp(x, lo, hi *big.Int) *big.Int {
	if x.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if x.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(x)
}

// MinBig returns the smaller of a and b as a fresh value.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// MaxBig returns the larger of a and b as a fresh value.
func MaxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// IsZero reports whether v is nil or exactly zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Copy returns a defensive copy, mapping nil to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
