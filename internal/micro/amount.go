// Package micro implements the fixed-point micro-unit integer used for every
// monetary, share and price quantity in the ledger. One whole unit is
// 1,000,000 micro-units. Values are unsigned 256-bit integers: arithmetic
// reports overflow and underflow instead of wrapping, so an Amount can never
// silently become negative.
package micro

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Scale is the number of micro-units in one whole unit.
const Scale uint64 = 1_000_000

// BpsDenominator is the basis-point denominator (100% == 10,000 bps).
const BpsDenominator uint64 = 10_000

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("micro: overflow")
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("micro: underflow")
	// ErrDivisionByZero is returned when dividing by a zero Amount.
	ErrDivisionByZero = errors.New("micro: division by zero")
	// ErrSyntax is returned when a decimal string cannot be parsed.
	ErrSyntax = errors.New("micro: invalid decimal string")
)

// Amount is an unsigned micro-unit quantity. The zero value is 0.
type Amount struct {
	v uint256.Int
}

// New returns an Amount holding val micro-units.
func New(val uint64) Amount {
	var a Amount
	a.v.SetUint64(val)
	return a
}

// Zero returns the zero Amount.
func Zero() Amount { return Amount{} }

// One returns one whole unit (1,000,000 micro-units).
func One() Amount { return New(Scale) }

// Units returns whole units expressed in micro-units.
func Units(whole uint64) (Amount, error) {
	return New(whole).Mul(New(Scale))
}

// MustUnits is Units for constants known not to overflow.
func MustUnits(whole uint64) Amount {
	a, err := Units(whole)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads a base-10 string of ASCII digits. Signs, whitespace, exponents
// and fractional parts are rejected.
func Parse(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrSyntax)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return FromBig(b)
}

// FromBig converts a non-negative big.Int.
func FromBig(b *big.Int) (Amount, error) {
	if b.Sign() < 0 {
		return Amount{}, ErrUnderflow
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *u}, nil
}

// Big returns a big.Int copy of a.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Uint64 returns a as uint64 and whether it fit.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

// String returns the base-10 representation.
func (a Amount) String() string { return a.v.Dec() }

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// LT reports a < b.
func (a Amount) LT(b Amount) bool { return a.v.Lt(&b.v) }

// LTE reports a <= b.
func (a Amount) LTE(b Amount) bool { return !a.v.Gt(&b.v) }

// GT reports a > b.
func (a Amount) GT(b Amount) bool { return a.v.Gt(&b.v) }

// GTE reports a >= b.
func (a Amount) GTE(b Amount) bool { return !a.v.Lt(&b.v) }

// EQ reports a == b.
func (a Amount) EQ(b Amount) bool { return a.v.Eq(&b.v) }

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a - b, or ErrUnderflow when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return out, nil
}

// SaturatingSub returns a - b, or 0 when b > a.
func (a Amount) SaturatingSub(b Amount) Amount {
	out, err := a.Sub(b)
	if err != nil {
		return Amount{}
	}
	return out
}

// Mul returns a * b.
func (a Amount) Mul(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.MulOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Div returns floor(a / b).
func (a Amount) Div(b Amount) (Amount, error) {
	q, _, err := a.DivMod(b)
	return q, err
}

// DivMod returns floor(a / b) and a mod b.
func (a Amount) DivMod(b Amount) (Amount, Amount, error) {
	if b.IsZero() {
		return Amount{}, Amount{}, ErrDivisionByZero
	}
	var q, r Amount
	q.v.DivMod(&a.v, &b.v, &r.v)
	return q, r, nil
}

// CeilDiv returns ceil(a / b).
func (a Amount) CeilDiv(b Amount) (Amount, error) {
	q, r, err := a.DivMod(b)
	if err != nil {
		return Amount{}, err
	}
	if r.IsZero() {
		return q, nil
	}
	return q.Add(New(1))
}

// MulDiv returns floor(a * b / d) and the remainder (a * b) mod d. The
// intermediate product is computed in arbitrary precision so it cannot
// overflow even when a * b exceeds 256 bits.
func MulDiv(a, b, d Amount) (Amount, Amount, error) {
	if d.IsZero() {
		return Amount{}, Amount{}, ErrDivisionByZero
	}
	prod := new(big.Int).Mul(a.Big(), b.Big())
	q, r := new(big.Int).QuoRem(prod, d.Big(), new(big.Int))
	qa, err := FromBig(q)
	if err != nil {
		return Amount{}, Amount{}, err
	}
	ra, err := FromBig(r)
	if err != nil {
		return Amount{}, Amount{}, err
	}
	return qa, ra, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LT(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.GT(b) {
		return a
	}
	return b
}

// Sum adds vals, failing on overflow.
func Sum(vals ...Amount) (Amount, error) {
	var total Amount
	for _, v := range vals {
		var err error
		total, err = total.Add(v)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// MarshalText encodes a as a decimal string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a decimal string.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalJSON encodes a as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts only a JSON string of digits; bare JSON numbers are
// rejected.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: amount must be a decimal string", ErrSyntax)
	}
	return a.UnmarshalText([]byte(s))
}
