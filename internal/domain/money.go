package domain

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places carried by every supported currency.
const MinorUnitExponent = 2

var (
	ErrAmountPrecision = errors.New("amount has more than two decimal places")
	ErrAmountRange     = errors.New("amount is outside the representable range")
)

var (
	maxMinorUnits = decimal.NewFromInt(math.MaxInt64)
	minMinorUnits = decimal.NewFromInt(math.MinInt64)
)

// ToMinorUnits converts a decimal amount (e.g. 200.50) into céntimos (20050).
func ToMinorUnits(value decimal.Decimal) (int64, error) {
	shifted := value.Shift(MinorUnitExponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrAmountPrecision
	}
	if shifted.GreaterThan(maxMinorUnits) || shifted.LessThan(minMinorUnits) {
		return 0, ErrAmountRange
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts céntimos back into a decimal amount.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -MinorUnitExponent)
}

// FormatAmount renders an amount the way it is signed and displayed, e.g. "200.00".
func FormatAmount(value decimal.Decimal) string {
	return value.StringFixed(MinorUnitExponent)
}
