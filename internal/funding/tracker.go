// Package funding polls each venue's funding rate on a fixed cadence and
// derives the delta between consecutive funding windows, storing it beside
// the rate. The threshold engine's funding shift reads the two venues'
// rates, not this delta.
package funding

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

// venueReader is the subset of venue.Adapter this package needs.
type venueReader interface {
	Kind() types.VenueKind
	FetchFundingRate(ctx context.Context, symbol string) (types.FundingSnapshot, error)
}

// fundingStore is the subset of *store.Store this package needs.
type fundingStore interface {
	SetFunding(ctx context.Context, venue types.VenueKind, symbol string, snap types.FundingSnapshot) error
	GetFunding(ctx context.Context, venue types.VenueKind, symbol string) (types.FundingSnapshot, bool, error)
}

const (
	pollInterval = 6 * time.Minute
	staggerDelay = 3 * time.Second

	// fundingWindow is the perpetual-futures settlement cadence both venues
	// share; windowTolerance absorbs clock/poll jitter around it.
	fundingWindow   = 8 * time.Hour
	windowTolerance = 1 * time.Second
)

// Tracker polls every configured (venue, symbol) pair for its current
// funding rate and persists {rate, ts, delta} to the store.
type Tracker struct {
	venues  []venueReader
	store   fundingStore
	symbols []string
	logger  *slog.Logger
}

// New builds a Tracker over the full set of venue adapters the engine wires
// up and the canonical symbols to poll.
func New(adapters []venue.Adapter, st fundingStore, symbols []string, logger *slog.Logger) *Tracker {
	venues := make([]venueReader, len(adapters))
	for i, a := range adapters {
		venues[i] = a
	}
	return &Tracker{venues: venues, store: st, symbols: symbols, logger: logger.With("component", "funding")}
}

// Run polls on pollInterval, staggering each symbol's venue fetches by
// staggerDelay, until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		start := time.Now()
		t.pollOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		elapsed := time.Since(start)
		wait := pollInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (t *Tracker) pollOnce(ctx context.Context) {
	for _, symbol := range t.symbols {
		if ctx.Err() != nil {
			return
		}
		for _, v := range t.venues {
			t.refreshOne(ctx, v, symbol)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}
}

func (t *Tracker) refreshOne(ctx context.Context, v venueReader, symbol string) {
	snap, err := v.FetchFundingRate(ctx, symbol)
	if err != nil {
		t.logger.Error("fetch funding rate failed", "venue", string(v.Kind()), "symbol", symbol, "error", err)
		return
	}

	prev, ok, err := t.store.GetFunding(ctx, v.Kind(), symbol)
	if err != nil {
		t.logger.Error("get previous funding failed", "venue", string(v.Kind()), "symbol", symbol, "error", err)
	} else if ok {
		snap.Delta = computeDelta(prev, snap)
	}

	if err := t.store.SetFunding(ctx, v.Kind(), symbol, snap); err != nil {
		t.logger.Error("set funding failed", "venue", string(v.Kind()), "symbol", symbol, "error", err)
	}
}

// computeDelta decides whether snap opens a new funding window relative to
// prev (ts ≈ prev.ts + fundingWindow, within tolerance) — in which case the
// delta is the rate difference between the two windows — or whether it's a
// re-fetch within the same window still in effect, in which case the prior
// delta carries forward unchanged. Anything else (a gap, a venue hiccup)
// yields no delta.
func computeDelta(prev, snap types.FundingSnapshot) *decimal.Decimal {
	nextWindowStart := prev.TsMs + fundingWindow.Milliseconds()
	tol := windowTolerance.Milliseconds()

	if snap.TsMs >= nextWindowStart-tol && snap.TsMs <= nextWindowStart+tol {
		d := snap.Rate.Sub(prev.Rate)
		return &d
	}
	if snap.TsMs == prev.TsMs {
		return prev.Delta
	}
	return nil
}
