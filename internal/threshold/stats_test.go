package threshold

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/pkg/types"
)

func tickAt(tsMs int64, makerBid, makerAsk, takerBid, takerAsk float64) types.AggregatedTick {
	lvl := func(p float64) types.PriceLevel {
		return types.PriceLevel{Price: decimal.NewFromFloat(p), Qty: decimal.NewFromInt(1)}
	}
	return types.AggregatedTick{
		Symbol: "BNB/USDT",
		TsMs:   tsMs,
		PerVenue: types.PerVenueBooks{
			types.VenueA: {Venue: types.VenueA, Bids: []types.PriceLevel{lvl(makerBid)}, Asks: []types.PriceLevel{lvl(makerAsk)}},
			types.VenueB: {Venue: types.VenueB, Bids: []types.PriceLevel{lvl(takerBid)}, Asks: []types.PriceLevel{lvl(takerAsk)}},
		},
	}
}

func TestSpreadWindowStatsRequiresTwoSamples(t *testing.T) {
	w := NewSpreadWindow(15 * time.Minute)
	w.Add(tickAt(1000, 100, 101, 100, 101), types.VenueA, types.VenueB)

	if _, ok := w.Stats(); ok {
		t.Error("expected ok=false with only one sample")
	}
}

func TestSpreadWindowStatsComputesMean(t *testing.T) {
	w := NewSpreadWindow(15 * time.Minute)
	w.Add(tickAt(1000, 100, 101, 100, 101), types.VenueA, types.VenueB) // delta 0
	w.Add(tickAt(2000, 102, 103, 100, 101), types.VenueA, types.VenueB) // bid delta .02, ask delta .0198..

	stats, ok := w.Stats()
	if !ok {
		t.Fatal("expected ok=true with two samples")
	}
	if stats.BidMean <= 0 {
		t.Errorf("BidMean = %v, want > 0 (maker quoting above taker)", stats.BidMean)
	}
}

func TestSpreadWindowEvictsStaleSamples(t *testing.T) {
	w := NewSpreadWindow(1 * time.Minute)
	w.Add(tickAt(0, 100, 101, 100, 101), types.VenueA, types.VenueB)
	w.Add(tickAt(120_000, 100, 101, 100, 101), types.VenueA, types.VenueB) // 2 minutes later, evicts the first

	if len(w.samples) != 1 {
		t.Errorf("len(samples) = %d, want 1 after eviction", len(w.samples))
	}
}

func TestWidenOnlyLongKeepsMoreNegative(t *testing.T) {
	configured := decimal.NewFromFloat(-0.0012)
	wider := decimal.NewFromFloat(-0.002)
	tighter := decimal.NewFromFloat(-0.0005)

	if got := widenOnly(configured, wider, true); !got.Equal(wider) {
		t.Errorf("widenOnly(wider proposal) = %s, want %s", got, wider)
	}
	if got := widenOnly(configured, tighter, true); !got.Equal(configured) {
		t.Errorf("widenOnly(tighter proposal) = %s, want configured %s unchanged", got, configured)
	}
}

func TestWidenOnlyShortKeepsMorePositive(t *testing.T) {
	configured := decimal.NewFromFloat(0.0012)
	wider := decimal.NewFromFloat(0.002)
	tighter := decimal.NewFromFloat(0.0005)

	if got := widenOnly(configured, wider, false); !got.Equal(wider) {
		t.Errorf("widenOnly(wider proposal) = %s, want %s", got, wider)
	}
	if got := widenOnly(configured, tighter, false); !got.Equal(configured) {
		t.Errorf("widenOnly(tighter proposal) = %s, want configured %s unchanged", got, configured)
	}
}
