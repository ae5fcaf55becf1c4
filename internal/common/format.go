package common

import (
	"fmt"
	"strings"

	"pos-payments-go/internal/coins"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

const (
	DefaultWidth = 80
	WideWidth    = 100

	fieldWidth = 18
)

func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

func PrintSeparatorNewline(char string, width int) {
	fmt.Println("\n" + strings.Repeat(char, width))
}

// PrintHeader prints title between two rules of '='
func PrintHeader(title string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(title)
	PrintSeparator("=", width)
}

func PrintFooter(message string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// PrintField prints a label/value line with the values aligned
func PrintField(label, value string) {
	fmt.Printf("%-*s %s\n", fieldWidth, label+":", value)
}

// PrintBoxSeparator prints a box-drawing separator line (for sub-sections)
func PrintBoxSeparator(width int) {
	fmt.Println("├" + strings.Repeat("─", width))
}

// BoxPrefix returns the box-drawing prefix of a list item
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

func BoxDetailPrefix(isLast bool) string {
	if isLast {
		return "   "
	}
	return "│  "
}

// FormatCoin renders a coin amount with its full 8 decimal places.
func FormatCoin(amount decimal.Decimal, symbol string) string {
	return fmt.Sprintf("%s %s", amount.StringFixed(models.CoinDecimalPlaces), symbol)
}

// FormatFiat renders a fiat amount with its currency prefix when known.
func FormatFiat(amount decimal.Decimal, currency string) string {
	f, err := coins.Fiat(currency)
	if err != nil {
		return amount.StringFixed(2) + " " + currency
	}
	return fmt.Sprintf("%s%s %s", f.Prefix, amount.StringFixed(2), f.Code)
}

// ShortId truncates long identifiers such as tx ids for tables.
func ShortId(id string) string {
	if id == "" {
		return "none"
	}
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
