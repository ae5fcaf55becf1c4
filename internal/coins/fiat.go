package coins

import (
	"fmt"
	"sort"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

var defaultAmounts = []decimal.Decimal{
	decimal.RequireFromString("1.00"),
	decimal.RequireFromString("2.50"),
	decimal.RequireFromString("10.00"),
}

var fiatCurrencies = map[string]models.FiatCurrency{
	"GBP": {Code: "GBP", Prefix: "£", DefaultAmounts: defaultAmounts, AmountShift: 2},
	"USD": {Code: "USD", Prefix: "$", DefaultAmounts: defaultAmounts, AmountShift: 2},
	"EUR": {Code: "EUR", Prefix: "€", DefaultAmounts: defaultAmounts, AmountShift: 2},
	"CAD": {Code: "CAD", Prefix: "$", DefaultAmounts: defaultAmounts, AmountShift: 2},
}

// Fiat returns the fiat currency with the given code. A zero MaxPayout
// means payouts are limited by the account only.
func Fiat(code string) (models.FiatCurrency, error) {
	f, ok := fiatCurrencies[code]
	if !ok {
		return models.FiatCurrency{}, fmt.Errorf("unsupported fiat currency: %s", code)
	}
	return f, nil
}

// FiatCodes returns the supported fiat currency codes, sorted.
func FiatCodes() []string {
	codes := make([]string, 0, len(fiatCurrencies))
	for code := range fiatCurrencies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// MaxPayout returns the account limit, or the currency limit when the
// account has none. Zero means unlimited.
func MaxPayout(account *models.Account, currency string) decimal.Decimal {
	if account.MaxPayout.IsPositive() {
		return account.MaxPayout
	}
	if f, err := Fiat(currency); err == nil {
		return f.MaxPayout
	}
	return decimal.Zero
}
