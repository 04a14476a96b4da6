package symbol

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Symbols: []config.SymbolConfig{
			{SymbolName: "BNB/USDT"},
		},
		SymbolNames: map[string]config.SymbolNameEntry{
			"BNB/USDT": {
				VenueA: config.VenueNameOrEntry{Name: "BNB-USDT-SWAP", Multiplier: 1},
				VenueB: config.VenueNameOrEntry{Name: "BNBUSDT", Multiplier: 1},
			},
		},
	}
}

func TestNewFromConfigAndLookup(t *testing.T) {
	reg, err := NewFromConfig(testConfig())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	sym, ok := reg.Lookup("BNB/USDT")
	if !ok {
		t.Fatal("Lookup(BNB/USDT) = false, want true")
	}
	vs, ok := sym.Venue(types.VenueA)
	if !ok || vs.NativeName != "BNB-USDT-SWAP" {
		t.Errorf("venue A native name = %+v, want BNB-USDT-SWAP", vs)
	}
}

func TestNewFromConfigMissingMapping(t *testing.T) {
	cfg := &config.Config{
		Symbols:     []config.SymbolConfig{{SymbolName: "ETH/USDT"}},
		SymbolNames: map[string]config.SymbolNameEntry{},
	}
	if _, err := NewFromConfig(cfg); err == nil {
		t.Error("NewFromConfig() = nil error, want error for missing symbol_name_datas entry")
	}
}

func TestAlignQtyByBagSize(t *testing.T) {
	reg, err := NewFromConfig(testConfig())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := reg.SetInstrumentInfo("BNB/USDT", types.VenueA, decimal.NewFromFloat(0.01), 2); err != nil {
		t.Fatalf("SetInstrumentInfo: %v", err)
	}

	aligned, remainder, err := reg.AlignQty("BNB/USDT", types.VenueA, decimal.NewFromFloat(0.235))
	if err != nil {
		t.Fatalf("AlignQty: %v", err)
	}
	if !aligned.Equal(decimal.NewFromFloat(0.23)) {
		t.Errorf("aligned = %s, want 0.23", aligned)
	}
	if !remainder.Equal(decimal.NewFromFloat(0.005)) {
		t.Errorf("remainder = %s, want 0.005", remainder)
	}
}

func TestAlignQtyByPrecision(t *testing.T) {
	reg, err := NewFromConfig(testConfig())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := reg.SetInstrumentInfo("BNB/USDT", types.VenueB, decimal.NewFromInt(1), 2); err != nil {
		t.Fatalf("SetInstrumentInfo: %v", err)
	}

	aligned, remainder, err := reg.AlignQty("BNB/USDT", types.VenueB, decimal.NewFromFloat(0.1234))
	if err != nil {
		t.Fatalf("AlignQty: %v", err)
	}
	if !aligned.Equal(decimal.NewFromFloat(0.12)) {
		t.Errorf("aligned = %s, want 0.12", aligned)
	}
	if !remainder.Equal(decimal.NewFromFloat(0.0034)) {
		t.Errorf("remainder = %s, want 0.0034", remainder)
	}
}

func TestAlignQtyUnknownSymbol(t *testing.T) {
	reg, err := NewFromConfig(testConfig())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if _, _, err := reg.AlignQty("XRP/USDT", types.VenueA, decimal.NewFromInt(1)); err == nil {
		t.Error("AlignQty() = nil error, want error for unknown symbol")
	}
}
