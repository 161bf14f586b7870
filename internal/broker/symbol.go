package broker

import (
	"strings"

	"github.com/stuagano/Alpaca-StochRSI-EMA-Trading-Bot-sub001/internal/types"
)

// toBrokerForm converts a canonical symbol to the form the broker expects:
// equities are passed through unchanged; crypto symbols get a "/" inserted
// before the quote currency (BTCUSD -> BTC/USD), mirroring Alpaca's own
// crypto pair spelling. This is the only place in the system that knows
// broker-native formatting (spec.md §9 "Canonical symbol form").
func toBrokerForm(symbol types.Symbol, mode types.MarketMode) string {
	s := string(symbol)
	if mode != types.ModeCrypto {
		return s
	}
	for _, quote := range []string{"USD", "USDT", "USDC", "EUR", "BTC"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}

// fromBrokerForm converts a broker-native symbol back to canonical form.
func fromBrokerForm(raw string) types.Symbol {
	return types.Canonicalize(raw)
}
