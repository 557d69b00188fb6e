// Package money wraps shopspring/decimal so the ledger and everything
// upstream of it never touches a float. Every persisted amount carries
// exactly two fractional digits; conversion to on-chain integer units
// happens only at the chain-adapter boundary.
package money

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the fixed number of fractional digits money is stored at.
const Scale = 2

// Amount is a non-negative-by-convention fixed-point decimal value.
// Negative amounts can be constructed (e.g. as a delta) but the ledger
// rejects any operation that would drive a balance negative.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a decimal string such as "5.00" or "0.0005".
// The value is not rounded here — callers that need truncation or
// rounding call Truncate/RoundCredit explicitly, since the two debit and
// credit paths round differently per spec §4.1.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, err
	}
	return Amount{d: d}, nil
}

// MustNew is New but panics on a malformed literal; used for constants.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal wraps an already-computed decimal.Decimal.
func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// Decimal exposes the underlying decimal for interop with shopspring
// APIs (e.g. deposit amount parsing from JSON).
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Truncate rounds toward zero to Scale fractional digits. Used on every
// debit path (freeze, settle, transfer-debit) so the custodian never
// rounds a debit up.
func (a Amount) Truncate() Amount {
	return Amount{d: a.d.Truncate(Scale)}
}

// RoundCredit accepts the caller's value as authoritative on credit
// paths, per spec §4.1: it still normalizes to Scale digits but half-up
// rather than toward zero, since a credit rounding down would be a
// systematic loss to the user.
func (a Amount) RoundCredit() Amount {
	return Amount{d: a.d.Round(Scale)}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

func (a Amount) IsNegative() bool { return a.d.IsNegative() }
func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

func (a Amount) GreaterThan(b Amount) bool      { return a.d.GreaterThan(b.d) }
func (a Amount) GreaterOrEqual(b Amount) bool    { return a.d.GreaterThanOrEqual(b.d) }
func (a Amount) LessThan(b Amount) bool          { return a.d.LessThan(b.d) }

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) String() string { return a.d.StringFixed(Scale) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	a.d = d
	return nil
}

// ToChainUnits scales a decimal amount to an integer on-chain unit
// count for a token with the given number of decimals (18 for native
// assets, per spec §4.5 step 5). This is the one place the ledger's
// decimal representation is allowed to touch integer wei-like units.
func (a Amount) ToChainUnits(decimals int) *big.Int {
	scaled := a.d.Shift(int32(decimals))
	return scaled.Truncate(0).BigInt()
}

// FromChainUnits is the inverse of ToChainUnits, used when reading a
// transferred value off the chain back into ledger-scale decimal.
func FromChainUnits(units *big.Int, decimals int) Amount {
	d := decimal.NewFromBigInt(units, 0).Shift(int32(-decimals))
	return Amount{d: d}
}
