package marketdata

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/pkg/types"
)

type fakeStore struct {
	sets    int
	notifies int
}

func (f *fakeStore) SetLatest(ctx context.Context, venue types.VenueKind, symbol string, snap types.OrderBookSnapshot) error {
	f.sets++
	return nil
}

func (f *fakeStore) Notify(ctx context.Context, venue types.VenueKind, symbol string) error {
	f.notifies++
	return nil
}

func snapshot(ts int64, price float64) types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Venue:  types.VenueA,
		Symbol: "BNB/USDT",
		TsMs:   ts,
		Bids:   []types.PriceLevel{{Price: decimal.NewFromFloat(price), Qty: decimal.NewFromInt(1)}},
		Asks:   []types.PriceLevel{{Price: decimal.NewFromFloat(price + 1), Qty: decimal.NewFromInt(1)}},
	}
}

func TestFanoutHandleWritesOnChange(t *testing.T) {
	fs := &fakeStore{}
	f := New(types.VenueA, nil, fs, nil, slog.Default())

	f.handle(context.Background(), snapshot(1000, 600))
	if fs.sets != 1 || fs.notifies != 1 {
		t.Fatalf("after first snapshot: sets=%d notifies=%d, want 1,1", fs.sets, fs.notifies)
	}
}

func TestFanoutHandleDropsDuplicate(t *testing.T) {
	fs := &fakeStore{}
	f := New(types.VenueA, nil, fs, nil, slog.Default())

	f.handle(context.Background(), snapshot(1000, 600))
	f.handle(context.Background(), snapshot(2000, 600)) // same prices, different ts

	if fs.sets != 1 || fs.notifies != 1 {
		t.Errorf("after duplicate snapshot: sets=%d notifies=%d, want 1,1 (dedup)", fs.sets, fs.notifies)
	}
}

func TestFanoutHandleWritesOnPriceChange(t *testing.T) {
	fs := &fakeStore{}
	f := New(types.VenueA, nil, fs, nil, slog.Default())

	f.handle(context.Background(), snapshot(1000, 600))
	f.handle(context.Background(), snapshot(2000, 601))

	if fs.sets != 2 || fs.notifies != 2 {
		t.Errorf("after price change: sets=%d notifies=%d, want 2,2", fs.sets, fs.notifies)
	}
}

func TestFanoutHandleTranslatesNativeSymbolToCanonical(t *testing.T) {
	fs := &fakeStore{}
	snap := snapshot(1000, 600)
	snap.Symbol = "BNB-USDT-SWAP"
	f := New(types.VenueA, nil, fs, map[string]string{"BNB-USDT-SWAP": "BNB/USDT"}, slog.Default())

	f.handle(context.Background(), snap)
	if fs.sets != 1 || fs.notifies != 1 {
		t.Fatalf("sets=%d notifies=%d, want 1,1", fs.sets, fs.notifies)
	}
	if _, seen := f.last["BNB/USDT"]; !seen {
		t.Error("expected dedup cache to be keyed by canonical symbol")
	}
}

func TestFanoutHandleDropsUnmappedNativeSymbol(t *testing.T) {
	fs := &fakeStore{}
	snap := snapshot(1000, 600)
	snap.Symbol = "UNKNOWN-SWAP"
	f := New(types.VenueA, nil, fs, map[string]string{"BNB-USDT-SWAP": "BNB/USDT"}, slog.Default())

	f.handle(context.Background(), snap)
	if fs.sets != 0 || fs.notifies != 0 {
		t.Errorf("sets=%d notifies=%d, want 0,0 for an unmapped symbol", fs.sets, fs.notifies)
	}
}
