package fiscal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestYear(t *testing.T) {
	cases := []struct {
		date string
		want int
		ok   bool
	}{
		{"2033-09-30", 2033, true},
		{"2033-10-01", 2034, true},
		{"2024-01-15", 2024, true},
		{"2024-12-31", 2025, true},
		{"2033-09-30T23:59:59Z", 2033, true},
		{"", 0, false},
		{"--", 0, false},
		{"not-a-date", 0, false},
	}
	for _, c := range cases {
		got, ok := Year(c.date)
		if got != c.want || ok != c.ok {
			t.Errorf("Year(%q) = %d, %v; want %d, %v", c.date, got, ok, c.want, c.ok)
		}
	}
}

func TestCurrentYear(t *testing.T) {
	sep := time.Date(2033, time.September, 30, 12, 0, 0, 0, time.UTC)
	if got := CurrentYear(sep); got != 2033 {
		t.Errorf("CurrentYear(sep 2033) = %d, want 2033", got)
	}
	oct := time.Date(2033, time.October, 1, 0, 0, 0, 0, time.UTC)
	if got := CurrentYear(oct); got != 2034 {
		t.Errorf("CurrentYear(oct 2033) = %d, want 2034", got)
	}
}

func TestPercent(t *testing.T) {
	cases := []struct {
		num, den string
		want     int
	}{
		{"2", "4", 50},
		{"3", "4", 75},
		{"7", "4", 175},
		{"0", "4", 0},
		{"5", "0", 0},
		{"1", "3", 33},
		{"2", "3", 67},
	}
	for _, c := range cases {
		num := decimal.RequireFromString(c.num)
		den := decimal.RequireFromString(c.den)
		if got := Percent(num, den); got != c.want {
			t.Errorf("Percent(%s, %s) = %d, want %d", c.num, c.den, got, c.want)
		}
	}
}

func TestPercentOfCoercion(t *testing.T) {
	if got := PercentOf(2, 4); got != 50 {
		t.Errorf("PercentOf(2, 4) = %d, want 50", got)
	}
	if got := PercentOf("3", 4.0); got != 75 {
		t.Errorf(`PercentOf("3", 4.0) = %d, want 75`, got)
	}
	// garbage operands degrade to zero, never panic or error
	if got := PercentOf("bogus", 4); got != 0 {
		t.Errorf(`PercentOf("bogus", 4) = %d, want 0`, got)
	}
	if got := PercentOf(nil, nil); got != 0 {
		t.Errorf("PercentOf(nil, nil) = %d, want 0", got)
	}
}

func TestFee(t *testing.T) {
	amount := decimal.RequireFromString("800000")
	rate := decimal.RequireFromString("0.25")
	if got := Fee(amount, rate); !got.Equal(decimal.RequireFromString("200000")) {
		t.Errorf("Fee(800000, 0.25) = %s, want 200000", got)
	}
	if got := Fee(decimal.Zero, rate); !got.IsZero() {
		t.Errorf("Fee(0, 0.25) = %s, want 0", got)
	}
}

func TestTotalWithFee(t *testing.T) {
	amount := decimal.RequireFromString("800000")
	fee := decimal.RequireFromString("200000")
	if got := TotalWithFee(amount, fee); !got.Equal(decimal.RequireFromString("1000000")) {
		t.Errorf("TotalWithFee = %s, want 1000000", got)
	}
	if got := TotalWithFee(decimal.Zero, fee); !got.IsZero() {
		t.Errorf("TotalWithFee(0, fee) = %s, want 0", got)
	}
}
