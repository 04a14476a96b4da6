// Package position periodically polls both venues' positions and caches
// the normalized result in the store for the signal generator and
// position aligner to read (spec.md §2 item 5).
package position

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

// venueReader is the subset of venue.Adapter this package needs.
type venueReader interface {
	Kind() types.VenueKind
	GetPositions(ctx context.Context) (map[string]types.PositionStatus, error)
}

// positionWriter is the subset of *store.Store this package needs.
type positionWriter interface {
	SetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string, pos types.PositionStatus) error
}

const pollInterval = 10 * time.Second

// Tracker polls every configured venue on a fixed cadence and writes each
// symbol's normalized position into the store.
type Tracker struct {
	venues  []venueReader
	store   positionWriter
	symbols map[types.VenueKind][]string // venue -> canonical symbols traded there
	logger  *slog.Logger
}

// New builds a Tracker over the full set of venue adapters the engine wires
// up. symbols maps each venue to the canonical symbol names its positions
// should be matched against.
func New(adapters []venue.Adapter, st positionWriter, symbols map[types.VenueKind][]string, logger *slog.Logger) *Tracker {
	venues := make([]venueReader, len(adapters))
	for i, a := range adapters {
		venues[i] = a
	}
	return &Tracker{venues: venues, store: st, symbols: symbols, logger: logger.With("component", "position")}
}

// Run polls on pollInterval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	t.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshAll(ctx)
		}
	}
}

func (t *Tracker) refreshAll(ctx context.Context) {
	for _, v := range t.venues {
		if err := t.refreshVenue(ctx, v); err != nil {
			t.logger.Error("refresh position failed", "venue", string(v.Kind()), "error", err)
		}
	}
}

// refreshVenue fetches the venue's current positions, keyed by canonical
// symbol, and writes one status per configured symbol: the reported
// position if present, or an explicit flat zero if the venue reported
// nothing for it (so a closed position doesn't leave a stale non-zero
// read behind).
func (t *Tracker) refreshVenue(ctx context.Context, v venueReader) error {
	var positions map[string]types.PositionStatus
	err := retry.Do(ctx, retry.Fetch, func() error {
		var err error
		positions, err = v.GetPositions(ctx)
		return err
	}, nil)
	if err != nil {
		return err
	}

	for _, symbolName := range t.symbols[v.Kind()] {
		pos, ok := positions[symbolName]
		if !ok {
			pos = types.PositionStatus{Direction: types.DirectionLong, Qty: decimal.Zero}
		}
		if err := t.store.SetPositionStatus(ctx, v.Kind(), symbolName, pos); err != nil {
			t.logger.Error("set position status failed", "symbol", symbolName, "error", err)
		}
	}
	return nil
}
