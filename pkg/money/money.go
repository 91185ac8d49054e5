// Package money provides fixed-point monetary arithmetic used throughout
// the settlement pipeline. Every amount that touches a ledger entry, a
// quote, or a settlement leg is an Amount — never a float64.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value rounded to two decimal places. The zero value
// is zero.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a string, rejecting anything that doesn't
// parse as a decimal.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return Amount{d: d.Round(2)}, nil
}

// FromFloat builds an Amount from a float64. Used only at the boundary
// (JSON decoding of external input) — internal math stays in decimal.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f).Round(2)}
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -2)}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d).Round(2)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d).Round(2)} }

// MulRate multiplies the amount by a dimensionless rate (e.g. a discount
// rate scaled by terms/365), rounding half-away-from-zero to two decimals.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(rate).Round(2)}
}

func (a Amount) Cmp(b Amount) int       { return a.d.Cmp(b.d) }
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }
func (a Amount) GreaterThan(b Amount) bool {
	return a.d.GreaterThan(b.d)
}
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }
func (a Amount) IsZero() bool        { return a.d.IsZero() }
func (a Amount) IsNegative() bool    { return a.d.IsNegative() }
func (a Amount) IsPositive() bool    { return a.d.IsPositive() }

// WithinTolerance reports whether a and b differ by no more than tolerance.
func (a Amount) WithinTolerance(b Amount, tolerance Amount) bool {
	diff := a.Sub(b)
	if diff.IsNegative() {
		diff = Amount{d: diff.d.Neg()}
	}
	return !diff.GreaterThan(tolerance)
}

func (a Amount) String() string { return a.d.StringFixed(2) }

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := New(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for database/sql.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(2), nil
}

// Scan implements sql.Scanner for database/sql.
func (a *Amount) Scan(src interface{}) error {
	d := decimal.Decimal{}
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scanning amount: %w", err)
	}
	a.d = d.Round(2)
	return nil
}
