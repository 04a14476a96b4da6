package threshold

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/pkg/types"
)

type spreadSample struct {
	tsMs     int64
	bidDelta float64
	askDelta float64
}

// SpreadWindow holds a rolling time window of maker-vs-taker relative
// spread deltas derived from AggregatedTicks, feeding the threshold
// engine's optional statistical enrichment (spec.md §4.4 item 3).
type SpreadWindow struct {
	window  time.Duration
	samples []spreadSample
}

// NewSpreadWindow builds an empty window covering the last `window` of
// ticks.
func NewSpreadWindow(window time.Duration) *SpreadWindow {
	return &SpreadWindow{window: window}
}

// Add records one tick's maker-vs-taker bid/ask relative deltas, skipping
// ticks missing either venue's book or a usable taker price.
func (w *SpreadWindow) Add(tick types.AggregatedTick, maker, taker types.VenueKind) {
	makerBook, ok := tick.PerVenue[maker]
	if !ok {
		return
	}
	takerBook, ok := tick.PerVenue[taker]
	if !ok {
		return
	}
	makerBid, ok := makerBook.BestBid()
	if !ok {
		return
	}
	takerBid, ok := takerBook.BestBid()
	if !ok {
		return
	}
	makerAsk, ok := makerBook.BestAsk()
	if !ok {
		return
	}
	takerAsk, ok := takerBook.BestAsk()
	if !ok {
		return
	}
	if takerBid.Price.IsZero() || takerAsk.Price.IsZero() {
		return
	}

	bidDelta, _ := makerBid.Price.Sub(takerBid.Price).Div(takerBid.Price).Float64()
	askDelta, _ := makerAsk.Price.Sub(takerAsk.Price).Div(takerAsk.Price).Float64()
	w.samples = append(w.samples, spreadSample{tsMs: tick.TsMs, bidDelta: bidDelta, askDelta: askDelta})
	w.evict(tick.TsMs)
}

func (w *SpreadWindow) evict(nowMs int64) {
	cutoff := nowMs - w.window.Milliseconds()
	i := 0
	for i < len(w.samples) && w.samples[i].tsMs < cutoff {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// SpreadStats is the rolling window's mean/stddev for both book sides.
type SpreadStats struct {
	BidMean, BidStdDev float64
	AskMean, AskStdDev float64
}

// Stats returns the window's current statistics, or ok=false if there are
// fewer than two samples (not enough to estimate a variance).
func (w *SpreadWindow) Stats() (SpreadStats, bool) {
	n := len(w.samples)
	if n < 2 {
		return SpreadStats{}, false
	}

	var bidSum, askSum float64
	for _, s := range w.samples {
		bidSum += s.bidDelta
		askSum += s.askDelta
	}
	bidMean := bidSum / float64(n)
	askMean := askSum / float64(n)

	var bidVar, askVar float64
	for _, s := range w.samples {
		bidVar += (s.bidDelta - bidMean) * (s.bidDelta - bidMean)
		askVar += (s.askDelta - askMean) * (s.askDelta - askMean)
	}

	return SpreadStats{
		BidMean:   bidMean,
		BidStdDev: math.Sqrt(bidVar / float64(n)),
		AskMean:   askMean,
		AskStdDev: math.Sqrt(askVar / float64(n)),
	}, true
}

// widenOnly returns whichever of configured/proposed is the more
// conservative (larger-magnitude, harder to trigger) threshold, preserving
// sign — spec.md §4.4's "never widen outside the configured bound in the
// opposite direction".
func widenOnly(configured, proposed decimal.Decimal, long bool) decimal.Decimal {
	if long {
		// Long-side thresholds are negative; more conservative = more negative.
		if proposed.LessThan(configured) {
			return proposed
		}
		return configured
	}
	// Short-side thresholds are positive; more conservative = more positive.
	if proposed.GreaterThan(configured) {
		return proposed
	}
	return configured
}
