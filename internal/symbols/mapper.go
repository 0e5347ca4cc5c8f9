// Package symbols converts between the platform's canonical symbol format
// and the formats the venues use on the wire. Canonical symbols are
// uppercase Binance style without separators, BTC instead of XBT.
package symbols

import "strings"

// Canonical converts an exchange-specific symbol to the canonical format.
func Canonical(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	default:
		// remaining venues already use the canonical format
	}
	return strings.ToUpper(sym)
}

// ToKucoin converts a canonical symbol to the KuCoin futures contract name.
// BTCUSDT becomes XBTUSDTM, everything else gets the M suffix.
func ToKucoin(sym string) string {
	sym = strings.ToUpper(sym)
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	if !strings.HasSuffix(sym, "M") {
		sym += "M"
	}
	return sym
}
