// Package fiscal implements federal fiscal year and procurement fee math.
// The fiscal year runs October through September: any date in October or
// later belongs to the next calendar year's fiscal year.
package fiscal

import (
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// Diagnostics receives warnings about tolerant numeric coercion in PercentOf.
// Defaults to the process logger; tests may swap it.
var Diagnostics = log.Default()

var hundred = decimal.NewFromInt(100)

// Year returns the fiscal year for a date string, or ok=false when the value
// is empty, the "--" placeholder, or unparseable. Both plain dates and
// RFC3339 timestamps are accepted; the month is read in UTC.
func Year(date string) (int, bool) {
	if date == "" || date == "--" {
		return 0, false
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		t, err = time.Parse(time.RFC3339, date)
		if err != nil {
			return 0, false
		}
	}
	return yearOf(t), true
}

// CurrentYear returns the fiscal year containing now.
func CurrentYear(now time.Time) int {
	return yearOf(now)
}

func yearOf(t time.Time) int {
	t = t.UTC()
	if t.Month() >= time.October {
		return t.Year() + 1
	}
	return t.Year()
}

// Fee returns amount * rate, where rate is a fraction (0.005 for 0.5%).
// A zero amount yields a zero fee regardless of rate.
func Fee(amount, rate decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	return amount.Mul(rate)
}

// TotalWithFee returns amount + fee, except that a zero amount stays zero.
func TotalWithFee(amount, fee decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	return amount.Add(fee)
}

// Percent returns num/den as a whole percentage, rounded half away from
// zero. Either operand being zero yields 0; division by zero cannot occur.
func Percent(num, den decimal.Decimal) int {
	if num.IsZero() || den.IsZero() {
		return 0
	}
	return int(num.Div(den).Mul(hundred).Round(0).IntPart())
}

// PercentOf is Percent with tolerant operand coercion for values arriving
// from JSON or user input. Unusable operands are logged and treated as zero,
// never surfaced as an error.
func PercentOf(num, den any) int {
	n, ok := toDecimal(num)
	if !ok {
		Diagnostics.Printf("fiscal: percent numerator %v (%T) is not numeric, using 0", num, num)
	}
	d, ok := toDecimal(den)
	if !ok {
		Diagnostics.Printf("fiscal: percent denominator %v (%T) is not numeric, using 0", den, den)
	}
	return Percent(n, d)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case nil:
		return decimal.Zero, false
	default:
		if s, ok := v.(interface{ String() string }); ok {
			if d, err := decimal.NewFromString(s.String()); err == nil {
				return d, true
			}
		}
		return decimal.Zero, false
	}
}
