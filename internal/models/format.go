package models

import (
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// FormatUSD renders an amount as dollars with thousands separators, rounded
// exactly to cents. Sub-dollar amounts keep up to six decimals so small-cap
// coin prices stay readable.
func FormatUSD(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}
	if d.LessThan(decimal.NewFromInt(1)) && !d.IsZero() {
		return sign + "$" + d.Round(6).String()
	}
	whole, cents, _ := strings.Cut(d.StringFixed(2), ".")
	n, _ := new(big.Int).SetString(whole, 10)
	return sign + "$" + humanize.BigComma(n) + "." + cents
}
