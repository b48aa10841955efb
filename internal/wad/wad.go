// Package wad implements 18-decimal fixed-point arithmetic on big integers.
//
// Every operation allocates a fresh result and never mutates its operands, so
// values stored in journaled state can be shared safely.
package wad

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a WAD value.
const Decimals = 18

var (
	one  = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	half = new(big.Int).Rsh(one, 1)
)

var errTooPrecise = errors.New("wad: value has more than 18 fractional digits")

// One returns 1.0 in fixed point.
func One() *big.Int { return new(big.Int).Set(one) }

// Zero returns a new zero value.
func Zero() *big.Int { return new(big.Int) }

// FromInt returns v as a fixed-point value (v * 1e18).
func FromInt(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), one)
}

// FromRatio returns num/den in fixed point, truncated.
func FromRatio(num, den int64) *big.Int {
	return MulDiv(big.NewInt(num), one, big.NewInt(den))
}

// Clone copies x, treating nil as zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// Mul returns a*b/1e18 truncated toward zero.
func Mul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, one)
}

// MulUp returns a*b/1e18 rounded toward positive infinity.
func MulUp(a, b *big.Int) *big.Int {
	return MulDivUp(a, b, one)
}

// Div returns a*1e18/b truncated toward zero. A zero divisor yields zero.
func Div(a, b *big.Int) *big.Int {
	return MulDiv(a, one, b)
}

// DivUp returns a*1e18/b rounded toward positive infinity. A zero divisor
// yields zero.
func DivUp(a, b *big.Int) *big.Int {
	return MulDivUp(a, one, b)
}

// MulDiv returns a*b/c truncated toward zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

// MulDivUp returns a*b/c rounded toward positive infinity.
func MulDivUp(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(product, c, new(big.Int))
	if r.Sign() != 0 && product.Sign() == c.Sign() {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Pow raises the fixed-point base x to the integer power n using
// square-and-multiply with half-up rounding after every multiplication.
func Pow(x *big.Int, n uint64) *big.Int {
	if x == nil || x.Sign() == 0 {
		if n == 0 {
			return One()
		}
		return new(big.Int)
	}
	base := new(big.Int).Set(x)
	z := One()
	if n%2 == 1 {
		z.Set(base)
	}
	for n /= 2; n > 0; n /= 2 {
		base.Mul(base, base)
		base.Add(base, half)
		base.Quo(base, one)
		if n%2 == 1 {
			z.Mul(z, base)
			z.Add(z, half)
			z.Quo(z, one)
		}
	}
	return z
}

// Add returns a+b.
func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(Clone(a), Clone(b)) }

// Sub returns a-b.
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(Clone(a), Clone(b)) }

// Neg returns -a.
func Neg(a *big.Int) *big.Int { return new(big.Int).Neg(Clone(a)) }

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if Clone(a).Cmp(Clone(b)) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if Clone(a).Cmp(Clone(b)) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// PositivePart returns max(0, a).
func PositivePart(a *big.Int) *big.Int {
	if a == nil || a.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(a)
}

// NegativePart returns max(0, -a), the magnitude of a negative value.
func NegativePart(a *big.Int) *big.Int {
	if a == nil || a.Sign() >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Neg(a)
}

// IsZero reports whether a is nil or zero.
func IsZero(a *big.Int) bool { return a == nil || a.Sign() == 0 }

// Parse converts a decimal string such as "1.25" into fixed point exactly.
func Parse(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("wad: parse %q: %w", s, err)
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q", errTooPrecise, s)
	}
	return scaled.BigInt(), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a fixed-point value as a decimal string.
func Format(x *big.Int) string {
	return decimal.NewFromBigInt(Clone(x), -Decimals).String()
}
