package symbols

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"kucoin", "XBT-USDTM", "BTCUSDT"},
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"kucoin", "ETHUSDTM", "ETHUSDT"},
		{"binance", "ETHUSDT", "ETHUSDT"},
		{"binance", "1000BONKUSDT", "BONKUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"bybit", "SHIB1000USDT", "SHIBUSDT"},
		{"bybit", "BTCUSDT", "BTCUSDT"},
	}
	for _, tt := range tests {
		if got := Canonical(tt.exchange, tt.in); got != tt.want {
			t.Errorf("Canonical(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestToKucoin(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "XBTUSDTM"},
		{"ETHUSDT", "ETHUSDTM"},
		{"btcusdt", "XBTUSDTM"},
	}
	for _, tt := range tests {
		if got := ToKucoin(tt.in); got != tt.want {
			t.Errorf("ToKucoin(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if got := Canonical("kucoin", ToKucoin(sym)); got != sym {
			t.Errorf("round trip %s -> %s", sym, got)
		}
	}
}
