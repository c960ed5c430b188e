package venue

import "strings"

// Symbols are canonical in BASE/QUOTE form (BTC/USDT) everywhere inside the
// system; adapters convert to the venue-native representation at the
// boundary.

// NativeSymbol converts BTC/USDT to the concatenated venue form BTCUSDT.
func NativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// knownQuotes lists quote assets for reversing the concatenated form,
// longest first so USDT wins over USD.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "USD"}

// CanonicalSymbol converts a venue-native symbol like BTCUSDT back to
// BTC/USDT. Symbols already containing a slash pass through unchanged;
// unrecognized quotes return the input as-is.
func CanonicalSymbol(native string) string {
	if strings.Contains(native, "/") {
		return native
	}
	upper := strings.ToUpper(native)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "/" + quote
		}
	}
	return native
}
