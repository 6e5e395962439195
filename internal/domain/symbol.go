package domain

import "strings"

// SplitSymbol splits "BASE/QUOTE" into its assets. Symbols without a
// separator are treated as base assets quoted in USD.
func SplitSymbol(symbol string) (base, quote string) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(symbol, sep); i > 0 {
			return strings.ToUpper(symbol[:i]), strings.ToUpper(symbol[i+1:])
		}
	}
	return strings.ToUpper(symbol), "USD"
}
