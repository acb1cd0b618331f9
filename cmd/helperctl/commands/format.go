package commands

import (
	"encoding/json"
	"io"
	"math/big"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatUnits renders a base-unit integer with decimals fractional digits and
// grouped thousands, trimming trailing zeros. Unparseable input is returned
// unchanged.
func formatUnits(raw string, decimals int) string {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || decimals < 0 {
		return raw
	}
	sign := ""
	if value.Sign() < 0 {
		sign = "-"
		value.Neg(value)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(value, scale, new(big.Int))

	out := whole.String()
	if whole.IsInt64() {
		out = printer.Sprintf("%d", whole.Int64())
	}
	if decimals > 0 && frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", decimals-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	return sign + out
}
