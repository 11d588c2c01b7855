// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the fixed-point precision used for every collateral,
// token, price, and percentage quantity in the system.
const Decimals = 18

var scale = uint256.NewInt(1_000_000_000_000_000_000) // 10^18

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrUnderflow      = errors.New("fixedpoint: underflow")
)

// Unsigned is an unsigned 18-decimal fixed-point number. The zero
// value is 0. Values are immutable; every operation returns a new
// value.
type Unsigned struct {
	v uint256.Int
}

// Zero returns 0.
func Zero() Unsigned {
	return Unsigned{}
}

// One returns 1.0.
func One() Unsigned {
	var u Unsigned
	u.v.Set(scale)
	return u
}

// FromInt converts a whole number to fixed point.
func FromInt(n uint64) Unsigned {
	var u Unsigned
	u.v.Mul(uint256.NewInt(n), scale)
	return u
}

// FromRaw wraps an already-scaled raw value.
func FromRaw(raw *uint256.Int) Unsigned {
	var u Unsigned
	u.v.Set(raw)
	return u
}

// FromRawUint64 wraps an already-scaled raw value given as uint64.
// Useful in tests for wei-level quantities.
func FromRawUint64(raw uint64) Unsigned {
	var u Unsigned
	u.v.SetUint64(raw)
	return u
}

// FromRawString parses a base-10 raw (already-scaled) integer string.
func FromRawString(s string) (Unsigned, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Unsigned{}, fmt.Errorf("fixedpoint: parse raw %q: %w", s, err)
	}
	return FromRaw(v), nil
}

// FromDecimal parses a base-10 decimal string such as "1.25" or
// "0.000000000000000001". More than 18 fractional digits is an error;
// silent truncation would hide value.
func FromDecimal(s string) (Unsigned, error) {
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return Unsigned{}, fmt.Errorf("fixedpoint: %q exceeds %d decimal places", s, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	w, err := uint256.FromDecimal(whole)
	if err != nil {
		return Unsigned{}, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	var f *uint256.Int
	if frac == strings.Repeat("0", Decimals) {
		f = uint256.NewInt(0)
	} else {
		f, err = uint256.FromDecimal(strings.TrimLeft(frac, "0"))
		if err != nil {
			return Unsigned{}, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
		}
	}

	var u Unsigned
	if _, over := u.v.MulOverflow(w, scale); over {
		return Unsigned{}, fmt.Errorf("fixedpoint: parse %q: %w", s, ErrOverflow)
	}
	if _, over := u.v.AddOverflow(&u.v, f); over {
		return Unsigned{}, fmt.Errorf("fixedpoint: parse %q: %w", s, ErrOverflow)
	}
	return u, nil
}

// MustDecimal is FromDecimal that panics on error. For constants and
// tests only.
func MustDecimal(s string) Unsigned {
	u, err := FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Raw returns a copy of the underlying scaled integer.
func (u Unsigned) Raw() *uint256.Int {
	return new(uint256.Int).Set(&u.v)
}

// RawString returns the scaled integer as a base-10 string.
func (u Unsigned) RawString() string {
	return u.v.Dec()
}

// String renders the value as a decimal with trailing zeros trimmed.
func (u Unsigned) String() string {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(&u.v, scale, r)
	if r.IsZero() {
		return q.Dec()
	}
	frac := fmt.Sprintf("%018s", r.Dec())
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}

func (u Unsigned) IsZero() bool {
	return u.v.IsZero()
}

// Cmp returns -1, 0, or 1.
func (u Unsigned) Cmp(o Unsigned) int {
	return u.v.Cmp(&o.v)
}

func (u Unsigned) LT(o Unsigned) bool  { return u.Cmp(o) < 0 }
func (u Unsigned) LTE(o Unsigned) bool { return u.Cmp(o) <= 0 }
func (u Unsigned) GT(o Unsigned) bool  { return u.Cmp(o) > 0 }
func (u Unsigned) GTE(o Unsigned) bool { return u.Cmp(o) >= 0 }
func (u Unsigned) Equal(o Unsigned) bool {
	return u.Cmp(o) == 0
}

// Min returns the smaller of u and o.
func (u Unsigned) Min(o Unsigned) Unsigned {
	if u.Cmp(o) <= 0 {
		return u
	}
	return o
}

// Max returns the larger of u and o.
func (u Unsigned) Max(o Unsigned) Unsigned {
	if u.Cmp(o) >= 0 {
		return u
	}
	return o
}

// Add returns u + o.
func (u Unsigned) Add(o Unsigned) (Unsigned, error) {
	var r Unsigned
	if _, over := r.v.AddOverflow(&u.v, &o.v); over {
		return Unsigned{}, ErrOverflow
	}
	return r, nil
}

// Sub returns u - o. Going below zero is an error, never a wrap.
func (u Unsigned) Sub(o Unsigned) (Unsigned, error) {
	var r Unsigned
	if _, under := r.v.SubOverflow(&u.v, &o.v); under {
		return Unsigned{}, ErrUnderflow
	}
	return r, nil
}

// Mul returns floor(u * o). The product is computed at 512 bits so it
// cannot overflow before scaling back down. A product below one raw
// unit floors to exactly zero.
func (u Unsigned) Mul(o Unsigned) (Unsigned, error) {
	var r Unsigned
	if _, over := r.v.MulDivOverflow(&u.v, &o.v, scale); over {
		return Unsigned{}, ErrOverflow
	}
	return r, nil
}

// MulCeil returns ceil(u * o).
func (u Unsigned) MulCeil(o Unsigned) (Unsigned, error) {
	var r Unsigned
	if _, over := r.v.MulDivOverflow(&u.v, &o.v, scale); over {
		return Unsigned{}, ErrOverflow
	}
	var rem uint256.Int
	rem.MulMod(&u.v, &o.v, scale)
	if !rem.IsZero() {
		if _, over := r.v.AddOverflow(&r.v, uint256.NewInt(1)); over {
			return Unsigned{}, ErrOverflow
		}
	}
	return r, nil
}

// Div returns floor(u / o).
func (u Unsigned) Div(o Unsigned) (Unsigned, error) {
	if o.v.IsZero() {
		return Unsigned{}, ErrDivisionByZero
	}
	var r Unsigned
	if _, over := r.v.MulDivOverflow(&u.v, scale, &o.v); over {
		return Unsigned{}, ErrOverflow
	}
	return r, nil
}

// DivCeil returns ceil(u / o).
func (u Unsigned) DivCeil(o Unsigned) (Unsigned, error) {
	if o.v.IsZero() {
		return Unsigned{}, ErrDivisionByZero
	}
	var r Unsigned
	if _, over := r.v.MulDivOverflow(&u.v, scale, &o.v); over {
		return Unsigned{}, ErrOverflow
	}
	var rem uint256.Int
	rem.MulMod(&u.v, scale, &o.v)
	if !rem.IsZero() {
		if _, over := r.v.AddOverflow(&r.v, uint256.NewInt(1)); over {
			return Unsigned{}, ErrOverflow
		}
	}
	return r, nil
}

// Pow returns u raised to a whole-number exponent by repeated floor
// multiplication. Pow(x, 0) is 1.
func (u Unsigned) Pow(n uint64) (Unsigned, error) {
	r := One()
	var err error
	for i := uint64(0); i < n; i++ {
		r, err = r.Mul(u)
		if err != nil {
			return Unsigned{}, err
		}
	}
	return r, nil
}

// MarshalJSON encodes the raw scaled integer as a JSON string so
// values round-trip without precision loss.
func (u Unsigned) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.RawString() + `"`), nil
}

func (u *Unsigned) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := FromRawString(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
