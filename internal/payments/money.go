package payments

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ToMinorUnits converts amount to the integer minor unit of code, rounding
// half away from zero to the currency's standard scale (2 for USD, 0 for JPY).
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}

	scale, err := currencyScale(code)
	if err != nil {
		return 0, err
	}

	return amount.Shift(int32(scale)).Round(0).IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, code string) (decimal.Decimal, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return decimal.Zero, err
	}

	return decimal.New(minor, -int32(scale)), nil
}

func currencyScale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return 0, fmt.Errorf("currency %q: %w", code, err)
	}

	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}
