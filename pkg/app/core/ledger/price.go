package ledger

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Prices are persisted as integer minor units (cents): stored = price×100
// rounded half-up, loaded = stored/100. Every ledger computation happens on
// the integer form.
const minorUnitExp = 2

// maxPriceLen bounds the text handed to the decimal parser
const maxPriceLen = 32

var (
	half          = decimal.New(5, -1)
	maxMajorPrice = decimal.New(NoSurgingLimit, -minorUnitExp)
)

// ToMinorUnits converts a major-unit decimal to minor units, rounding half-up
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(minorUnitExp).Add(half).Floor().IntPart()
}

// PriceFromFloat converts a major-unit float (e.g. 9.5) to minor units (950)
func PriceFromFloat(f float64) int64 {
	return ToMinorUnits(decimal.NewFromFloat(f))
}

// ParsePrice parses a plain major-unit decimal string such as "9.50".
// Exponent notation, negative values and non-zero values below one minor
// unit are rejected; "0" is accepted so callers can clear a limit.
func ParsePrice(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if !plainDecimal(s) {
		return 0, apperr.New(apperr.Validation, "invalid price %q", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperr.Wrap(apperr.Validation, err, "invalid price %q", s)
	}
	switch {
	case d.IsNegative():
		return 0, apperr.New(apperr.Validation, "price %s must not be negative", s)
	case d.GreaterThan(maxMajorPrice):
		return 0, apperr.New(apperr.Validation, "price %s out of range", s)
	}
	minor := ToMinorUnits(d)
	if minor <= 0 && !d.IsZero() {
		return 0, apperr.New(apperr.Validation, "price %s is below one minor unit", s)
	}
	return minor, nil
}

// plainDecimal accepts an optional minus sign, digits and at most one point
func plainDecimal(s string) bool {
	if len(s) == 0 || len(s) > maxPriceLen {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	digits, point := 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !point:
			point = true
		default:
			return false
		}
	}
	return digits > 0
}

// Notional returns price×qty, or false when the product does not fit in
// an int64
func Notional(price, qty int64) (int64, bool) {
	if price < 0 || qty < 0 {
		return 0, false
	}
	if price != 0 && qty > math.MaxInt64/price {
		return 0, false
	}
	return price * qty, true
}

// FormatPrice renders minor units as a major-unit string with two decimals
func FormatPrice(minor int64) string {
	return decimal.New(minor, -minorUnitExp).StringFixed(minorUnitExp)
}

// PriceToFloat converts minor units back to major units for display
func PriceToFloat(minor int64) float64 {
	f, _ := decimal.New(minor, -minorUnitExp).Float64()
	return f
}
