// Package aggregator composes both venues' latest order-book snapshots
// into the append-only AggregatedTick stream that every downstream
// consumer (signal generator, threshold engine) reads from (spec.md §4.3).
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/crossbook/arbengine/pkg/types"
)

// snapshotReader is the subset of *store.Store this package needs.
type snapshotReader interface {
	GetLatest(ctx context.Context, venue types.VenueKind, symbol string) (types.OrderBookSnapshot, bool, error)
	WaitNotify(ctx context.Context, venue types.VenueKind, symbol string, timeout time.Duration) (bool, error)
	AppendTick(ctx context.Context, streamKey string, maxLen int64, tick types.AggregatedTick) (string, error)
}

const waitTimeout = 2 * time.Second

// Worker is one (symbol, notifier-venue) aggregation loop: it blocks on
// that venue's notify list, then on wake reads venue-A's and then venue-B's
// latest snapshot with two separate store reads (the pair is not read as
// one atomic operation) and appends a composite tick. Two per symbol (one per
// notifier venue) so the aggregator fires on whichever side moved first
// (spec.md §4.3's rationale).
type Worker struct {
	symbol         string
	notifierVenue  types.VenueKind
	store          snapshotReader
	streamKey      string
	streamMaxLen   int64
	logger         *slog.Logger
}

// New builds one aggregator worker.
func New(symbol string, notifierVenue types.VenueKind, st snapshotReader, streamKey string, streamMaxLen int64, logger *slog.Logger) *Worker {
	return &Worker{
		symbol:        symbol,
		notifierVenue: notifierVenue,
		store:         st,
		streamKey:     streamKey,
		streamMaxLen:  streamMaxLen,
		logger:        logger.With("component", "aggregator", "symbol", symbol, "notifier", string(notifierVenue)),
	}
}

// Run blocks until ctx is canceled, processing one wake-and-aggregate
// cycle per notification.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		woke, err := w.store.WaitNotify(ctx, w.notifierVenue, w.symbol, waitTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("wait notify failed", "error", err)
			continue
		}
		if !woke {
			continue
		}
		w.aggregateOnce(ctx)
	}
}

func (w *Worker) aggregateOnce(ctx context.Context) {
	venueA, okA, err := w.store.GetLatest(ctx, types.VenueA, w.symbol)
	if err != nil {
		w.logger.Error("get latest venue-a failed", "error", err)
		return
	}
	venueB, okB, err := w.store.GetLatest(ctx, types.VenueB, w.symbol)
	if err != nil {
		w.logger.Error("get latest venue-b failed", "error", err)
		return
	}
	if !okA || !okB {
		return // one side has no snapshot yet; skip this wake (spec.md §4.3)
	}

	tick := types.AggregatedTick{
		Symbol:       w.symbol,
		TsMs:         time.Now().UnixMilli(),
		TriggerVenue: w.notifierVenue,
		PerVenue: types.PerVenueBooks{
			types.VenueA: venueA,
			types.VenueB: venueB,
		},
	}

	if _, err := w.store.AppendTick(ctx, w.streamKey, w.streamMaxLen, tick); err != nil {
		w.logger.Error("append tick failed", "error", err)
	}
}
