package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/audit"
	"github.com/crossbook/arbengine/pkg/types"
)

type fakeMode struct{ mode types.OrderMode }

func (f *fakeMode) Mode() types.OrderMode { return f.mode }

type fakeMargin struct {
	margin map[types.VenueKind]types.MarginInfo
}

func newFakeMargin() *fakeMargin {
	return &fakeMargin{margin: make(map[types.VenueKind]types.MarginInfo)}
}

func (f *fakeMargin) GetMargin(ctx context.Context, venue types.VenueKind) (types.MarginInfo, bool, error) {
	m, ok := f.margin[venue]
	return m, ok, nil
}

type fakeLocks struct {
	locked map[string]bool
}

func newFakeLocksD() *fakeLocks {
	return &fakeLocks{locked: make(map[string]bool)}
}

func (f *fakeLocks) TryLock(ctx context.Context, venue types.VenueKind, symbol string) (bool, error) {
	key := string(venue) + ":" + symbol
	if f.locked[key] {
		return false, nil
	}
	f.locked[key] = true
	return true, nil
}

func (f *fakeLocks) Unlock(ctx context.Context, venue types.VenueKind, symbol string) error {
	delete(f.locked, string(venue)+":"+symbol)
	return nil
}

type passthroughAligner struct{}

func (passthroughAligner) AlignQty(canonical string, venue types.VenueKind, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	return qty, decimal.Zero, nil
}

type fakeDealer struct {
	launched []types.OrderSignal
}

func (f *fakeDealer) Launch(ctx context.Context, sig types.OrderSignal) {
	f.launched = append(f.launched, sig)
}

func testAuditLogger(t *testing.T) *audit.Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.csv")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("open audit logger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleSignal() types.OrderSignal {
	return types.OrderSignal{
		Symbol:     "BNB/USDT",
		MakerVenue: types.VenueA,
		MakerSide:  types.SideSell,
		MakerPrice: decimal.NewFromInt(100),
		MakerQty:   decimal.NewFromInt(2),
		TakerVenue: types.VenueB,
		TakerSide:  types.SideBuy,
		TakerPrice: decimal.NewFromInt(99),
	}
}

func TestDispatchDropsOnPendingMode(t *testing.T) {
	mode := &fakeMode{mode: types.ModePending}
	dealer := &fakeDealer{}
	d := New(mode, newFakeMargin(), newFakeLocksD(), passthroughAligner{}, dealer, testAuditLogger(t), nil, slog.Default())

	d.Dispatch(context.Background(), sampleSignal())

	if len(dealer.launched) != 0 {
		t.Errorf("launched %d dealers, want 0 in pending mode", len(dealer.launched))
	}
}

func TestDispatchDropsIncreaseUnderReduceOnly(t *testing.T) {
	mode := &fakeMode{mode: types.ModeReduceOnly}
	dealer := &fakeDealer{}
	limits := map[string]Limits{"BNB/USDT": {}}
	d := New(mode, newFakeMargin(), newFakeLocksD(), passthroughAligner{}, dealer, testAuditLogger(t), limits, slog.Default())

	sig := sampleSignal()
	sig.IsReducePosition = false
	d.Dispatch(context.Background(), sig)

	if len(dealer.launched) != 0 {
		t.Errorf("launched %d dealers, want 0 for an increase signal under reduce_only", len(dealer.launched))
	}
}

func TestDispatchAllowsReduceUnderReduceOnly(t *testing.T) {
	mode := &fakeMode{mode: types.ModeReduceOnly}
	margin := newFakeMargin()
	dealer := &fakeDealer{}
	limits := map[string]Limits{"BNB/USDT": {}}
	d := New(mode, margin, newFakeLocksD(), passthroughAligner{}, dealer, testAuditLogger(t), limits, slog.Default())

	sig := sampleSignal()
	sig.IsReducePosition = true
	d.Dispatch(context.Background(), sig)

	if len(dealer.launched) != 1 {
		t.Fatalf("launched %d dealers, want 1 for a reduce signal under reduce_only", len(dealer.launched))
	}
}

func TestDispatchDropsOnMarginLimitExceeded(t *testing.T) {
	mode := &fakeMode{mode: types.ModeNormal}
	margin := newFakeMargin()
	margin.margin[types.VenueA] = types.MarginInfo{Used: decimal.NewFromInt(95), Total: decimal.NewFromInt(100)}
	margin.margin[types.VenueB] = types.MarginInfo{Used: decimal.NewFromInt(10), Total: decimal.NewFromInt(100)}
	dealer := &fakeDealer{}
	limits := map[string]Limits{"BNB/USDT": {MaxUsedMargin: decimal.NewFromFloat(0.8)}}
	d := New(mode, margin, newFakeLocksD(), passthroughAligner{}, dealer, testAuditLogger(t), limits, slog.Default())

	sig := sampleSignal()
	sig.IsReducePosition = false
	d.Dispatch(context.Background(), sig)

	if len(dealer.launched) != 0 {
		t.Errorf("launched %d dealers, want 0 when venue A margin usage exceeds the limit", len(dealer.launched))
	}
}

func TestDispatchCapsQtyAtMaxNotionalPerOrder(t *testing.T) {
	mode := &fakeMode{mode: types.ModeNormal}
	margin := newFakeMargin()
	margin.margin[types.VenueA] = types.MarginInfo{Used: decimal.NewFromInt(1), Total: decimal.NewFromInt(100)}
	margin.margin[types.VenueB] = types.MarginInfo{Used: decimal.NewFromInt(1), Total: decimal.NewFromInt(100)}
	dealer := &fakeDealer{}
	limits := map[string]Limits{"BNB/USDT": {MaxNotionalPerOrder: decimal.NewFromInt(100)}}
	d := New(mode, margin, newFakeLocksD(), passthroughAligner{}, dealer, testAuditLogger(t), limits, slog.Default())

	sig := sampleSignal() // price 100, qty 2 -> notional 200, capped to qty 1
	sig.IsReducePosition = false
	d.Dispatch(context.Background(), sig)

	if len(dealer.launched) != 1 {
		t.Fatalf("launched %d dealers, want 1", len(dealer.launched))
	}
	if !dealer.launched[0].MakerQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("MakerQty = %s, want capped to 1", dealer.launched[0].MakerQty)
	}
}

func TestDispatchSkipsAlreadyLockedSymbol(t *testing.T) {
	mode := &fakeMode{mode: types.ModeNormal}
	margin := newFakeMargin()
	margin.margin[types.VenueA] = types.MarginInfo{Used: decimal.Zero, Total: decimal.NewFromInt(100)}
	margin.margin[types.VenueB] = types.MarginInfo{Used: decimal.Zero, Total: decimal.NewFromInt(100)}
	locks := newFakeLocksD()
	locks.locked["A:BNB/USDT"] = true
	dealer := &fakeDealer{}
	limits := map[string]Limits{"BNB/USDT": {}}
	d := New(mode, margin, locks, passthroughAligner{}, dealer, testAuditLogger(t), limits, slog.Default())

	sig := sampleSignal()
	sig.IsReducePosition = true
	d.Dispatch(context.Background(), sig)

	if len(dealer.launched) != 0 {
		t.Errorf("launched %d dealers, want 0 when symbol already locked", len(dealer.launched))
	}
}
