package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMarketFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "market.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMarketDefaults(t *testing.T) {
	path := writeMarketFile(t, `
stocks:
  acme: {}
  bolt:
    name: Bolt Industries
    initial-price: 50
    fluctuation: 5
`)
	cfg, err := LoadMarket(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TransactionFeePercent != 0.5 {
		t.Fatalf("fee default: %v", cfg.TransactionFeePercent)
	}
	if cfg.UpdateIntervalSeconds != 60 {
		t.Fatalf("interval default: %v", cfg.UpdateIntervalSeconds)
	}
	if cfg.NotificationThresholdPercent != 1.0 || cfg.PriceFloor != 1.0 {
		t.Fatalf("threshold/floor defaults: %v %v", cfg.NotificationThresholdPercent, cfg.PriceFloor)
	}
	if cfg.Limits.Buy != 10 || cfg.Limits.Sell != 10 || cfg.Limits.ResetHours != 24 {
		t.Fatalf("limit defaults: %+v", cfg.Limits)
	}

	acme := cfg.Stocks["acme"]
	if acme.Name != "acme" || acme.InitialPrice != 1000 || acme.Fluctuation != 100 {
		t.Fatalf("per-stock defaults: %+v", acme)
	}
	bolt := cfg.Stocks["bolt"]
	if bolt.Name != "Bolt Industries" || bolt.InitialPrice != 50 || bolt.Fluctuation != 5 {
		t.Fatalf("explicit stock values lost: %+v", bolt)
	}
}

func TestLoadMarketExplicitZeroIsNotDefaulted(t *testing.T) {
	path := writeMarketFile(t, `
transaction-fee-percent: 0
notification-threshold-percent: 0
stocks:
  acme: {}
`)
	cfg, err := LoadMarket(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TransactionFeePercent != 0 {
		t.Fatalf("fee-free market bumped to %v", cfg.TransactionFeePercent)
	}
	if cfg.NotificationThresholdPercent != 0 {
		t.Fatalf("alert-on-any-move threshold bumped to %v", cfg.NotificationThresholdPercent)
	}
}

func TestLoadMarketExpandsEnv(t *testing.T) {
	t.Setenv("ACME_PRICE", "250")
	path := writeMarketFile(t, `
stocks:
  acme:
    initial-price: ${ACME_PRICE}
`)
	cfg, err := LoadMarket(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stocks["acme"].InitialPrice != 250 {
		t.Fatalf("env expansion: %v", cfg.Stocks["acme"].InitialPrice)
	}
}

func TestLoadMarketValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no stocks", body: `transaction-fee-percent: 1`},
		{name: "negative fee", body: "transaction-fee-percent: -1\nstocks:\n  acme: {}\n"},
		{name: "negative price", body: "stocks:\n  acme:\n    initial-price: -5\n"},
		{name: "negative fluctuation", body: "stocks:\n  acme:\n    fluctuation: -1\n"},
		{name: "bad yaml", body: "stocks: [\n"},
	}
	for _, tc := range tests {
		path := writeMarketFile(t, tc.body)
		if _, err := LoadMarket(path); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLoadMarketMissingFile(t *testing.T) {
	if _, err := LoadMarket(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
