package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
crossflow:
  name: crossflow
  version: 1.0.0
channels:
  event_buffer: 256
  ring_size: 1024
  backpressure: drop_oldest
exchanges:
  binance:
    enabled: true
    api_key: ${CROSSFLOW_TEST_KEY}
    symbols: [BTCUSDT, ETHUSDT]
    taker_fee: 0.0004
trading:
  ack_timeout: 5s
  order_timeout: 10s
reconciliation:
  interval: 60s
  epsilon: 0.000000001
risk:
  max_order_notional: 100000
  max_position: 10
  max_portfolio_exposure: 500000
  symbols:
    - symbol: BTCUSDT
      max_position: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CROSSFLOW_TEST_KEY", "k-123")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Exchanges.Binance.APIKey != "k-123" {
		t.Fatalf("env expansion failed: %q", cfg.Exchanges.Binance.APIKey)
	}
	if !cfg.Exchanges.Binance.ListsSymbol("ETHUSDT") {
		t.Fatalf("symbol list not parsed")
	}
	if cfg.Trading.AckTimeout != 5*time.Second {
		t.Fatalf("ack timeout = %v", cfg.Trading.AckTimeout)
	}
	maxNotional, maxPos := cfg.Risk.ForSymbol("BTCUSDT")
	if maxNotional != 100000 || maxPos != 5 {
		t.Fatalf("symbol override not applied: %v %v", maxNotional, maxPos)
	}
	if _, maxPos = cfg.Risk.ForSymbol("ETHUSDT"); maxPos != 10 {
		t.Fatalf("default limit not applied: %v", maxPos)
	}
}

func TestLoadConfigRejectsMissingName(t *testing.T) {
	body := `
crossflow:
  version: 1.0.0
exchanges:
  binance:
    enabled: true
    symbols: [BTCUSDT]
`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}

func TestLoadConfigRejectsNoEnabledExchange(t *testing.T) {
	body := `
crossflow:
  name: crossflow
  version: 1.0.0
`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for no enabled exchange")
	}
}

func TestLoadConfigRejectsBadBackpressure(t *testing.T) {
	body := `
crossflow:
  name: crossflow
  version: 1.0.0
channels:
  backpressure: spill
exchanges:
  binance:
    enabled: true
    symbols: [BTCUSDT]
`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("expected validation error for bad backpressure policy")
	}
}

func TestJournalBucketValidation(t *testing.T) {
	if isValidS3Bucket("Bad_Bucket") {
		t.Fatalf("uppercase bucket accepted")
	}
	if !isValidS3Bucket("crossflow-journal") {
		t.Fatalf("valid bucket rejected")
	}
}
