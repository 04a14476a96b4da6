package balance

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/pkg/types"
)

type fakeBalanceVenue struct {
	kind   types.VenueKind
	margin types.MarginInfo
	err    error
}

func (f *fakeBalanceVenue) Kind() types.VenueKind { return f.kind }

func (f *fakeBalanceVenue) GetBalance(ctx context.Context) (types.MarginInfo, error) {
	return f.margin, f.err
}

type fakeMarginWriter struct {
	saved map[types.VenueKind]types.MarginInfo
}

func newFakeMarginWriter() *fakeMarginWriter {
	return &fakeMarginWriter{saved: make(map[types.VenueKind]types.MarginInfo)}
}

func (f *fakeMarginWriter) SetMargin(ctx context.Context, venue types.VenueKind, m types.MarginInfo) error {
	f.saved[venue] = m
	return nil
}

// newTestRefresher builds a Refresher directly over fake venues, bypassing
// New (which takes the full venue.Adapter the fakes don't implement).
func newTestRefresher(venues []venueReader, st marginWriter) *Refresher {
	return &Refresher{venues: venues, store: st, logger: slog.Default()}
}

func TestRefreshAllWritesEachVenue(t *testing.T) {
	va := &fakeBalanceVenue{kind: types.VenueA, margin: types.MarginInfo{Used: decimal.NewFromInt(10), Total: decimal.NewFromInt(100)}}
	vb := &fakeBalanceVenue{kind: types.VenueB, margin: types.MarginInfo{Used: decimal.NewFromInt(5), Total: decimal.NewFromInt(50)}}
	w := newFakeMarginWriter()
	r := newTestRefresher([]venueReader{va, vb}, w)

	r.refreshAll(context.Background())

	if len(w.saved) != 2 {
		t.Fatalf("saved %d venues, want 2", len(w.saved))
	}
	if !w.saved[types.VenueA].Used.Equal(decimal.NewFromInt(10)) {
		t.Errorf("venue A used = %s, want 10", w.saved[types.VenueA].Used)
	}
}

func TestRefreshAllSkipsFailingVenueButContinues(t *testing.T) {
	va := &fakeBalanceVenue{kind: types.VenueA, err: context.DeadlineExceeded}
	vb := &fakeBalanceVenue{kind: types.VenueB, margin: types.MarginInfo{Used: decimal.NewFromInt(1), Total: decimal.NewFromInt(10)}}
	w := newFakeMarginWriter()
	r := newTestRefresher([]venueReader{va, vb}, w)

	// A canceled context makes retry.Do give up on the first failed attempt
	// instead of sleeping through its full backoff schedule.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.refreshAll(ctx)

	if _, ok := w.saved[types.VenueA]; ok {
		t.Error("venue A fetch failed, should not have been written")
	}
	if _, ok := w.saved[types.VenueB]; !ok {
		t.Error("venue B should still be written despite venue A's failure")
	}
}
