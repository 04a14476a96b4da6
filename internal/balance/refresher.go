// Package balance periodically refreshes each venue's margin account
// snapshot into the store, feeding the signal dispatcher's margin-usage
// admission check (spec.md §2 item 9).
package balance

import (
	"context"
	"log/slog"
	"time"

	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

// venueReader is the subset of venue.Adapter this package needs.
type venueReader interface {
	Kind() types.VenueKind
	GetBalance(ctx context.Context) (types.MarginInfo, error)
}

// marginWriter is the subset of *store.Store this package needs.
type marginWriter interface {
	SetMargin(ctx context.Context, venue types.VenueKind, m types.MarginInfo) error
}

const pollInterval = 20 * time.Second

// Refresher polls every configured venue's margin account on pollInterval.
type Refresher struct {
	venues []venueReader
	store  marginWriter
	logger *slog.Logger
}

// New builds a Refresher over the full set of venue adapters the engine
// wires up.
func New(adapters []venue.Adapter, st marginWriter, logger *slog.Logger) *Refresher {
	venues := make([]venueReader, len(adapters))
	for i, a := range adapters {
		venues[i] = a
	}
	return &Refresher{venues: venues, store: st, logger: logger.With("component", "balance")}
}

// Run polls on pollInterval until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	r.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	for _, v := range r.venues {
		var margin types.MarginInfo
		err := retry.Do(ctx, retry.Fetch, func() error {
			var err error
			margin, err = v.GetBalance(ctx)
			return err
		}, nil)
		if err != nil {
			r.logger.Error("refresh balance failed", "venue", string(v.Kind()), "error", err)
			continue
		}
		if err := r.store.SetMargin(ctx, v.Kind(), margin); err != nil {
			r.logger.Error("set margin failed", "venue", string(v.Kind()), "error", err)
		}
	}
}
