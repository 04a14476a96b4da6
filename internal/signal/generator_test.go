package signal

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/store"
	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

type fakePositions struct {
	pos map[string]types.PositionStatus
}

func newFakePositions() *fakePositions {
	return &fakePositions{pos: make(map[string]types.PositionStatus)}
}

func (f *fakePositions) GetPositionStatus(ctx context.Context, venue types.VenueKind, sym string) (types.PositionStatus, bool, error) {
	p, ok := f.pos[string(venue)+":"+sym]
	return p, ok, nil
}

type fakeThresholds struct {
	th map[string]types.Thresholds
}

func newFakeThresholds() *fakeThresholds {
	return &fakeThresholds{th: make(map[string]types.Thresholds)}
}

func (f *fakeThresholds) GetThresholds(ctx context.Context, venue types.VenueKind, sym string) (types.Thresholds, bool, error) {
	t, ok := f.th[string(venue)+":"+sym]
	return t, ok, nil
}

type fakeLocks struct {
	locked map[string]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locked: make(map[string]bool)}
}

func (f *fakeLocks) IsLocked(ctx context.Context, venue types.VenueKind, sym string) (bool, error) {
	return f.locked[string(venue)+":"+sym], nil
}

func testRegistry(t *testing.T) *symbol.Registry {
	t.Helper()
	cfg := &config.Config{
		Symbols: []config.SymbolConfig{
			{SymbolName: "BNB/USDT", MakeonlyExchangeName: "a"},
		},
		SymbolNames: map[string]config.SymbolNameEntry{
			"BNB/USDT": {
				VenueA: config.VenueNameOrEntry{Name: "BNBUSDT"},
				VenueB: config.VenueNameOrEntry{Name: "BNB-USDT"},
			},
		},
	}
	reg, err := symbol.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func book(venue types.VenueKind, symbolName string, bidPrice, askPrice, qty string, tsMs int64) types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Venue:  venue,
		Symbol: symbolName,
		TsMs:   tsMs,
		Bids:   []types.PriceLevel{{Price: decimal.RequireFromString(bidPrice), Qty: decimal.RequireFromString(qty)}},
		Asks:   []types.PriceLevel{{Price: decimal.RequireFromString(askPrice), Qty: decimal.RequireFromString(qty)}},
	}
}

func baseGen(t *testing.T, positions *fakePositions, thresholds *fakeThresholds, locks *fakeLocks) *Generator {
	t.Helper()
	cfg := &config.Config{
		Redis: config.RedisConfig{OrderbookStream: "orderbook_stream"},
		Symbols: []config.SymbolConfig{
			{SymbolName: "BNB/USDT", MakeonlyExchangeName: "a"},
		},
	}
	return New(cfg, testRegistry(t), nil, positions, thresholds, locks, slog.Default())
}

func TestEvaluateEmitsSellSignalWhenMakerAskExceedsTakerByThreshold(t *testing.T) {
	thresholds := newFakeThresholds()
	thresholds.th["A:BNB/USDT"] = types.Thresholds{
		Short: types.DirectionalThresholds{
			IncreasePositionThreshold:       decimal.NewFromFloat(0.001),
			CancelIncreasePositionThreshold: decimal.NewFromFloat(0.0005),
		},
	}
	g := baseGen(t, newFakePositions(), thresholds, newFakeLocks())

	tick := types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   1000,
		PerVenue: types.PerVenueBooks{
			types.VenueA: book(types.VenueA, "BNB/USDT", "99", "101", "2", 1000),
			types.VenueB: book(types.VenueB, "BNB/USDT", "99", "100", "2", 1000),
		},
	}

	sig, ok := g.evaluate(context.Background(), g.symbols["BNB/USDT"], tick)
	if !ok {
		t.Fatalf("expected a signal, got none")
	}
	if sig.MakerSide != types.SideSell {
		t.Errorf("MakerSide = %s, want sell", sig.MakerSide)
	}
	if sig.MakerVenue != types.VenueA || sig.TakerVenue != types.VenueB {
		t.Errorf("venues = maker %s taker %s, want A/B", sig.MakerVenue, sig.TakerVenue)
	}
	if sig.IsReducePosition {
		t.Error("IsReducePosition = true with no position, want false")
	}
}

func TestEvaluateEmitsBuySignalWhenMakerBidBelowTakerByThreshold(t *testing.T) {
	thresholds := newFakeThresholds()
	thresholds.th["A:BNB/USDT"] = types.Thresholds{
		Long: types.DirectionalThresholds{
			IncreasePositionThreshold:       decimal.NewFromFloat(-0.001),
			CancelIncreasePositionThreshold: decimal.NewFromFloat(-0.0005),
		},
	}
	g := baseGen(t, newFakePositions(), thresholds, newFakeLocks())

	tick := types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   1000,
		PerVenue: types.PerVenueBooks{
			types.VenueA: book(types.VenueA, "BNB/USDT", "98", "102", "2", 1000),
			types.VenueB: book(types.VenueB, "BNB/USDT", "100", "102", "2", 1000),
		},
	}

	sig, ok := g.evaluate(context.Background(), g.symbols["BNB/USDT"], tick)
	if !ok {
		t.Fatalf("expected a signal, got none")
	}
	if sig.MakerSide != types.SideBuy {
		t.Errorf("MakerSide = %s, want buy", sig.MakerSide)
	}
}

func TestEvaluateNoSignalWithinThresholds(t *testing.T) {
	thresholds := newFakeThresholds()
	thresholds.th["A:BNB/USDT"] = types.Thresholds{
		Short: types.DirectionalThresholds{IncreasePositionThreshold: decimal.NewFromFloat(0.01)},
		Long:  types.DirectionalThresholds{IncreasePositionThreshold: decimal.NewFromFloat(-0.01)},
	}
	g := baseGen(t, newFakePositions(), thresholds, newFakeLocks())

	tick := types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   1000,
		PerVenue: types.PerVenueBooks{
			types.VenueA: book(types.VenueA, "BNB/USDT", "100", "100.1", "2", 1000),
			types.VenueB: book(types.VenueB, "BNB/USDT", "100", "100.1", "2", 1000),
		},
	}

	if _, ok := g.evaluate(context.Background(), g.symbols["BNB/USDT"], tick); ok {
		t.Error("expected no signal within thresholds")
	}
}

func TestEvaluateUsesDecreaseThresholdAndCapsQtyWhenPositionOpen(t *testing.T) {
	positions := newFakePositions()
	positions.pos["A:BNB/USDT"] = types.PositionStatus{Direction: types.DirectionLong, Qty: decimal.NewFromInt(1)}

	thresholds := newFakeThresholds()
	thresholds.th["A:BNB/USDT"] = types.Thresholds{
		Long: types.DirectionalThresholds{
			DecreasePositionThreshold:       decimal.NewFromFloat(0.001),
			CancelDecreasePositionThreshold: decimal.NewFromFloat(0.0005),
		},
	}
	g := baseGen(t, positions, thresholds, newFakeLocks())

	tick := types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   1000,
		PerVenue: types.PerVenueBooks{
			types.VenueA: book(types.VenueA, "BNB/USDT", "99", "101", "5", 1000),
			types.VenueB: book(types.VenueB, "BNB/USDT", "99", "100", "5", 1000),
		},
	}

	sig, ok := g.evaluate(context.Background(), g.symbols["BNB/USDT"], tick)
	if !ok {
		t.Fatalf("expected a signal, got none")
	}
	if !sig.IsReducePosition {
		t.Error("expected IsReducePosition = true, a long position exists and ask side triggered")
	}
	if !sig.MakerQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("MakerQty = %s, want capped at position qty 1", sig.MakerQty)
	}
}

func TestProcessBatchSkipsLockedSymbol(t *testing.T) {
	thresholds := newFakeThresholds()
	thresholds.th["A:BNB/USDT"] = types.Thresholds{
		Short: types.DirectionalThresholds{IncreasePositionThreshold: decimal.NewFromFloat(0.001)},
	}
	locks := newFakeLocks()
	locks.locked["A:BNB/USDT"] = true
	g := baseGen(t, newFakePositions(), thresholds, locks)

	entries := []store.StreamEntry{
		{ID: "1-0", Tick: types.AggregatedTick{
			Symbol: "BNB/USDT",
			TsMs:   1000,
			PerVenue: types.PerVenueBooks{
				types.VenueA: book(types.VenueA, "BNB/USDT", "99", "101", "2", 1000),
				types.VenueB: book(types.VenueB, "BNB/USDT", "99", "100", "2", 1000),
			},
		}},
	}

	g.processBatch(context.Background(), entries)

	select {
	case sig := <-g.outCh:
		t.Fatalf("expected no signal while symbol is locked, got %+v", sig)
	default:
	}
}

func TestProcessBatchEmitsAtMostOneSignalPerSymbolNewestWins(t *testing.T) {
	thresholds := newFakeThresholds()
	thresholds.th["A:BNB/USDT"] = types.Thresholds{
		Short: types.DirectionalThresholds{IncreasePositionThreshold: decimal.NewFromFloat(0.001)},
	}
	g := baseGen(t, newFakePositions(), thresholds, newFakeLocks())

	older := types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   1000,
		PerVenue: types.PerVenueBooks{
			types.VenueA: book(types.VenueA, "BNB/USDT", "99", "101", "2", 1000),
			types.VenueB: book(types.VenueB, "BNB/USDT", "99", "100", "2", 1000),
		},
	}
	newer := types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   2000,
		PerVenue: types.PerVenueBooks{
			types.VenueA: book(types.VenueA, "BNB/USDT", "99", "105", "3", 2000),
			types.VenueB: book(types.VenueB, "BNB/USDT", "99", "100", "3", 2000),
		},
	}
	entries := []store.StreamEntry{
		{ID: "1-0", Tick: older},
		{ID: "2-0", Tick: newer},
	}

	g.processBatch(context.Background(), entries)

	var got []types.OrderSignal
	for {
		select {
		case sig := <-g.outCh:
			got = append(got, sig)
			continue
		default:
		}
		break
	}

	if len(got) != 1 {
		t.Fatalf("got %d signals, want exactly 1", len(got))
	}
	if got[0].OrderbookTsMs != 2000 {
		t.Errorf("OrderbookTsMs = %d, want 2000 (newest tick wins)", got[0].OrderbookTsMs)
	}
}

func TestPositionCacheServesStaleReadWithinTTL(t *testing.T) {
	positions := newFakePositions()
	positions.pos["A:BNB/USDT"] = types.PositionStatus{Direction: types.DirectionLong, Qty: decimal.NewFromInt(1)}
	cache := newPositionCache(positions, time.Hour)

	pos, ok := cache.Get(context.Background(), types.VenueA, "BNB/USDT")
	if !ok || !pos.Qty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected first read: %+v ok=%v", pos, ok)
	}

	positions.pos["A:BNB/USDT"] = types.PositionStatus{Direction: types.DirectionLong, Qty: decimal.NewFromInt(99)}

	pos, ok = cache.Get(context.Background(), types.VenueA, "BNB/USDT")
	if !ok || !pos.Qty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected cached stale value qty=1 within TTL, got %+v", pos)
	}
}
