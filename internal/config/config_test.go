package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadMergesCommonAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.json", `{
		"redis": {"url": "redis://common:6379/0"},
		"exchanges": {"a": {"api_key": "common-key"}, "b": {"api_key": "b-key"}}
	}`)
	writeFile(t, dir, "dev.json", `{
		"redis": {"url": "redis://dev:6379/0"},
		"cross_arbitrage_symbol_datas": [{"symbol_name": "BNB/USDT", "makeonly_exchange_name": "a"}]
	}`)

	cfg, err := Load(dir, EnvDev)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.URL != "redis://dev:6379/0" {
		t.Errorf("Redis.URL = %q, want env override to win", cfg.Redis.URL)
	}
	if cfg.Exchanges["a"].APIKey != "common-key" {
		t.Errorf("Exchanges[a].APIKey = %q, want value from common.json preserved", cfg.Exchanges["a"].APIKey)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0].SymbolName != "BNB/USDT" {
		t.Fatalf("Symbols = %+v, want one BNB/USDT entry", cfg.Symbols)
	}
}

func TestLoadAppliesThresholdDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.json", `{
		"redis": {"url": "redis://x:6379/0"},
		"exchanges": {"a": {}, "b": {}},
		"cross_arbitrage_symbol_datas": [{"symbol_name": "BNB/USDT", "makeonly_exchange_name": "a"}]
	}`)

	cfg, err := Load(dir, EnvDev)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	long := cfg.Symbols[0].LongThresholdData
	if long.IncreasePositionThreshold != -0.0012 {
		t.Errorf("long.IncreasePositionThreshold = %v, want -0.0012", long.IncreasePositionThreshold)
	}
	if long.DecreasePositionThreshold != -0.0002 {
		t.Errorf("long.DecreasePositionThreshold = %v, want -0.0002", long.DecreasePositionThreshold)
	}

	short := cfg.Symbols[0].ShortThresholdData
	if short.IncreasePositionThreshold != 0.0012 {
		t.Errorf("short.IncreasePositionThreshold = %v, want 0.0012", short.IncreasePositionThreshold)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil (defaults must satisfy ordering invariant)", err)
	}
}

func TestValidateRejectsBadOrdering(t *testing.T) {
	cfg := &Config{
		Redis:     RedisConfig{URL: "redis://x"},
		Exchanges: map[string]ExchangeConfig{"a": {}, "b": {}},
		Symbols: []SymbolConfig{{
			SymbolName: "BNB/USDT",
			LongThresholdData: ThresholdData{
				IncreasePositionThreshold:       -0.0002, // wrong: should be more negative than decrease
				DecreasePositionThreshold:       -0.0012,
				CancelIncreasePositionThreshold: -0.0009,
				CancelDecreasePositionThreshold: -0.0005,
			},
			ShortThresholdData: ThresholdData{
				IncreasePositionThreshold:       0.0012,
				DecreasePositionThreshold:       0.0002,
				CancelIncreasePositionThreshold: 0.0009,
				CancelDecreasePositionThreshold: 0.0005,
			},
		}},
	}

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for inverted long-side ordering")
	}
}

func TestLoadAcceptsBareStringSymbolName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.json", `{
		"redis": {"url": "redis://x:6379/0"},
		"exchanges": {"a": {}, "b": {}},
		"cross_arbitrage_symbol_datas": [{"symbol_name": "BNB/USDT", "makeonly_exchange_name": "a"}],
		"symbol_name_datas": {"BNB/USDT": {"venue_a": "BNB-USDT-SWAP", "venue_b": "BNBUSDT"}}
	}`)

	cfg, err := Load(dir, EnvDev)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	entry, ok := cfg.SymbolNames["BNB/USDT"]
	if !ok {
		t.Fatalf("SymbolNames missing BNB/USDT entry")
	}
	if entry.VenueA.Name != "BNB-USDT-SWAP" {
		t.Errorf("VenueA.Name = %q, want BNB-USDT-SWAP", entry.VenueA.Name)
	}
	if entry.VenueB.Name != "BNBUSDT" {
		t.Errorf("VenueB.Name = %q, want BNBUSDT", entry.VenueB.Name)
	}
}

func TestValidateRequiresTwoExchanges(t *testing.T) {
	cfg := &Config{
		Redis:     RedisConfig{URL: "redis://x"},
		Exchanges: map[string]ExchangeConfig{"a": {}},
		Symbols:   []SymbolConfig{{SymbolName: "BNB/USDT"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error with only one exchange configured")
	}
}
