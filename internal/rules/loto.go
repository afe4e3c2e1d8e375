package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidLotoDigit = errors.New("rules: loto digit must be 1 to 3 numeric characters")

// Loto tier multipliers.
var (
	LotoSingleMultiplier = decimal.NewFromInt(9)
	LotoDoubleMultiplier = decimal.NewFromInt(80)
	LotoTripleMultiplier = decimal.NewFromInt(100)
)

// LotoTiers are the comparison digits derived from one round result.
type LotoTiers struct {
	Single string // first character
	Double string // first two characters
	Triple string // the whole result
}

// ValidateLotoDigit accepts 1 to 3 numeric characters. Used for both bet
// digits and operator-supplied results.
func ValidateLotoDigit(digit string) error {
	if !IsNumeric(digit) || len(digit) > 3 {
		return fmt.Errorf("%w: %q", ErrInvalidLotoDigit, digit)
	}
	return nil
}

// FormatLotoResult renders n in [0, 999] as a zero-padded 3-digit result.
func FormatLotoResult(n int) string {
	return fmt.Sprintf("%03d", n)
}

// TiersOf derives the single/double/triple comparison digits from result.
// Shorter results yield shorter prefixes.
func TiersOf(result string) LotoTiers {
	return LotoTiers{
		Single: prefix(result, 1),
		Double: prefix(result, 2),
		Triple: result,
	}
}

// Match compares betDigit against the tiers in single, double, triple order
// and returns the multiplier of the first tier that matches.
func (t LotoTiers) Match(betDigit string) (bool, decimal.Decimal) {
	switch betDigit {
	case t.Single:
		return true, LotoSingleMultiplier
	case t.Double:
		return true, LotoDoubleMultiplier
	case t.Triple:
		return true, LotoTripleMultiplier
	}
	return false, decimal.Zero
}

// LotoOutcome settles one Loto bet against the tiers.
func (t LotoTiers) LotoOutcome(betDigit string, stake decimal.Decimal) (win bool, price decimal.Decimal) {
	ok, mult := t.Match(betDigit)
	if !ok {
		return false, decimal.Zero
	}
	return true, Payout(stake, mult)
}

func prefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	return s[:n]
}
