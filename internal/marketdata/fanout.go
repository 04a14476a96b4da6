// Package marketdata fans out each venue's depth-5 order-book feed into
// the shared store, suppressing duplicate snapshots and coalescing wake
// notifications for the aggregator (spec.md §4.2).
package marketdata

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

// snapshotStore is the subset of *store.Store this package needs,
// narrowed so tests can substitute a fake.
type snapshotStore interface {
	SetLatest(ctx context.Context, venue types.VenueKind, symbol string, snap types.OrderBookSnapshot) error
	Notify(ctx context.Context, venue types.VenueKind, symbol string) error
}

// Fanout owns one venue's market-data feed: it drives the feed's Run loop,
// drains its snapshot channel, translates each snapshot's native symbol
// back to its canonical name, and writes deduplicated snapshots to the
// store with a coalescing notify push.
type Fanout struct {
	venue       types.VenueKind
	feed        *venue.MarketFeed
	store       snapshotStore
	toCanonical map[string]string // venue-native symbol -> canonical symbol
	logger      *slog.Logger

	lastMu sync.Mutex
	last   map[string]types.OrderBookSnapshot
}

// New builds a Fanout for one venue's market feed. toCanonical maps this
// venue's native symbol names (as reported on the wire) back to the
// canonical names every other component reads from the store by.
func New(v types.VenueKind, feed *venue.MarketFeed, st snapshotStore, toCanonical map[string]string, logger *slog.Logger) *Fanout {
	return &Fanout{
		venue:       v,
		feed:        feed,
		store:       st,
		toCanonical: toCanonical,
		logger:      logger.With("component", "marketdata", "venue", string(v)),
		last:        make(map[string]types.OrderBookSnapshot),
	}
}

// Run subscribes to symbols and runs the feed + drain loop until ctx is
// canceled. Both the feed's network loop and the drain loop run
// concurrently; Run returns when either stops.
func (f *Fanout) Run(ctx context.Context, symbols []string) error {
	if err := f.feed.Subscribe(symbols); err != nil {
		f.logger.Warn("initial subscribe failed, will retry on reconnect", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.feed.Run(ctx) }()

	f.drain(ctx)

	return <-errCh
}

// drain reads snapshots off the feed until ctx is canceled, dropping any
// snapshot byte-identical to the previously cached one for that symbol
// (spec.md §4.2: "WS producers often re-broadcast unchanged top-5").
func (f *Fanout) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-f.feed.Snapshots():
			if !ok {
				return
			}
			f.handle(ctx, snap)
		}
	}
}

func (f *Fanout) handle(ctx context.Context, snap types.OrderBookSnapshot) {
	canonical := snap.Symbol
	if f.toCanonical != nil {
		mapped, ok := f.toCanonical[snap.Symbol]
		if !ok {
			f.logger.Warn("snapshot for unmapped native symbol, dropping", "symbol", snap.Symbol)
			return
		}
		canonical = mapped
	}

	f.lastMu.Lock()
	prev, seen := f.last[canonical]
	unchanged := seen && prev.Equal(snap)
	if !unchanged {
		f.last[canonical] = snap
	}
	f.lastMu.Unlock()

	if unchanged {
		return
	}

	if err := f.store.SetLatest(ctx, f.venue, canonical, snap); err != nil {
		f.logger.Error("set latest snapshot failed", "symbol", canonical, "error", err)
		return
	}
	if err := f.store.Notify(ctx, f.venue, canonical); err != nil {
		f.logger.Error("notify failed", "symbol", canonical, "error", err)
	}
}
