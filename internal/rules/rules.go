// Package rules holds the game rules of the platform: bet types, stake
// ranges, payout multipliers, digit formats and the Loto result tiers.
// Everything here is pure and deterministic.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownBetType  = errors.New("rules: unknown bet type")
	ErrInvalidDigit    = errors.New("rules: digit must contain only numeric characters")
	ErrDigitLength     = errors.New("rules: digit length does not match bet type")
	ErrInvalidAmount   = errors.New("rules: amount must be a positive number")
	ErrStakeOutOfRange = errors.New("rules: stake out of range")
	ErrAmountPrecision = errors.New("rules: amount must have at most 2 decimal places")
)

// ValidateAmount accepts positive amounts with at most 2 decimal places.
// Amounts are never rounded into range.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return ErrAmountPrecision
	}
	return nil
}

// Describe renders a rule violation for API clients, without the package prefix.
func Describe(err error) string {
	return strings.ReplaceAll(err.Error(), "rules: ", "")
}

var digitsRegex = regexp.MustCompile(`^[0-9]+$`)

// BetType describes one standard bet type.
type BetType struct {
	Name       string
	DigitLen   int
	MinStake   decimal.Decimal
	MaxStake   decimal.Decimal
	Multiplier decimal.Decimal
}

var betTypes = map[string]BetType{
	"Single": {
		Name:       "Single",
		DigitLen:   1,
		MinStake:   decimal.NewFromInt(5),
		MaxStake:   decimal.NewFromInt(10000),
		Multiplier: decimal.NewFromInt(9),
	},
	"Jodi": {
		Name:       "Jodi",
		DigitLen:   2,
		MinStake:   decimal.NewFromInt(5),
		MaxStake:   decimal.NewFromInt(50),
		Multiplier: decimal.NewFromInt(80),
	},
	"Patti": {
		Name:       "Patti",
		DigitLen:   3,
		MinStake:   decimal.NewFromInt(5),
		MaxStake:   decimal.NewFromInt(50),
		Multiplier: decimal.NewFromInt(100),
	},
}

// LookupBetType returns the rules for name ("Single", "Jodi" or "Patti").
func LookupBetType(name string) (BetType, error) {
	bt, ok := betTypes[name]
	if !ok {
		return BetType{}, fmt.Errorf("%w: %q", ErrUnknownBetType, name)
	}
	return bt, nil
}

// BetTypeNames lists the bet types in digit-length order.
func BetTypeNames() []string {
	return []string{"Single", "Jodi", "Patti"}
}

// IsNumeric reports whether s is a non-empty string of ASCII digits.
func IsNumeric(s string) bool {
	return digitsRegex.MatchString(s)
}

// ValidateDigit checks that digit is numeric and as long as the bet type requires.
func (bt BetType) ValidateDigit(digit string) error {
	if !IsNumeric(digit) {
		return fmt.Errorf("%w: %q", ErrInvalidDigit, digit)
	}
	if len(digit) != bt.DigitLen {
		return fmt.Errorf("%w: %s takes %d digit(s), got %q", ErrDigitLength, bt.Name, bt.DigitLen, digit)
	}
	return nil
}

// ValidateStake checks amount against the bet type's inclusive stake range.
func (bt BetType) ValidateStake(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if amount.LessThan(bt.MinStake) || amount.GreaterThan(bt.MaxStake) {
		return fmt.Errorf("%w: for %s bet type, amount must be between %s and %s",
			ErrStakeOutOfRange, bt.Name, bt.MinStake, bt.MaxStake)
	}
	return nil
}

// Payout returns stake × multiplier rounded to 2 decimal places.
func Payout(stake, multiplier decimal.Decimal) decimal.Decimal {
	return stake.Mul(multiplier).Round(2)
}

// Outcome settles one standard bet against the published digit. Losing
// bets get a zero price.
func (bt BetType) Outcome(betDigit, winningDigit string, stake decimal.Decimal) (win bool, price decimal.Decimal) {
	if betDigit != winningDigit {
		return false, decimal.Zero
	}
	return true, Payout(stake, bt.Multiplier)
}
