package align

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLocks struct {
	mu      sync.Mutex
	held    map[string]bool
	denyB   bool
	errOn   map[string]error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool), errOn: make(map[string]error)}
}

func lockKey(venue types.VenueKind, symbol string) string {
	return string(venue) + ":" + symbol
}

func (f *fakeLocks) TryLock(ctx context.Context, venue types.VenueKind, symbol string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := lockKey(venue, symbol)
	if err, ok := f.errOn[k]; ok {
		return false, err
	}
	if venue == types.VenueB && f.denyB {
		return false, nil
	}
	if f.held[k] {
		return false, nil
	}
	f.held[k] = true
	return true, nil
}

func (f *fakeLocks) Unlock(ctx context.Context, venue types.VenueKind, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, lockKey(venue, symbol))
	return nil
}

type fakePositions struct {
	positions map[string]types.PositionStatus
}

func posKey(venue types.VenueKind, symbol string) string {
	return string(venue) + ":" + symbol
}

func (f *fakePositions) GetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string) (types.PositionStatus, bool, error) {
	p, ok := f.positions[posKey(venue, symbol)]
	return p, ok, nil
}

type fakeUnits struct {
	minA, minB decimal.Decimal
}

func (f *fakeUnits) MinUnit(canonical string, venue types.VenueKind) (decimal.Decimal, error) {
	if venue == types.VenueA {
		return f.minA, nil
	}
	return f.minB, nil
}

type placedOrder struct {
	venue      types.VenueKind
	side       types.OrderSide
	qty        decimal.Decimal
	reduceOnly bool
}

type fakeOrderVenue struct {
	mu      sync.Mutex
	placed  []placedOrder
	kind    types.VenueKind
}

func (f *fakeOrderVenue) PlaceMarket(ctx context.Context, symbol string, side types.OrderSide, qty decimal.Decimal, clientID string, reduceOnly bool) (types.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, placedOrder{venue: f.kind, side: side, qty: qty, reduceOnly: reduceOnly})
	return types.OrderRecord{Venue: f.kind, ID: "x1", ClientID: clientID, Symbol: symbol, Side: side, Status: types.StatusFilled, Amount: qty, Filled: qty}, nil
}

func mkPrice(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func newTestAligner(locks *fakeLocks, positions *fakePositions, units *fakeUnits, venueA, venueB *fakeOrderVenue, cfg map[string]config.SymbolConfig, minQty map[string]decimal.Decimal) *Aligner {
	venueA.kind = types.VenueA
	venueB.kind = types.VenueB
	venues := map[types.VenueKind]orderVenue{
		types.VenueA: venueA,
		types.VenueB: venueB,
	}
	return &Aligner{
		locks:     locks,
		positions: positions,
		units:     units,
		venues:    venues,
		symbols:   []string{"BNB/USDT"},
		configs:   cfg,
		minQty:    minQty,
		logger:    testLogger(),
	}
}

func TestReconcileSkipsWhenBothSidesFlat(t *testing.T) {
	locks := newFakeLocks()
	positions := &fakePositions{positions: map[string]types.PositionStatus{}}
	units := &fakeUnits{minA: decimal.NewFromFloat(0.01), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.01)}

	a := newTestAligner(locks, positions, units, va, vb, nil, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(va.placed) != 0 || len(vb.placed) != 0 {
		t.Fatalf("expected no orders, got A=%v B=%v", va.placed, vb.placed)
	}
	if len(locks.held) != 0 {
		t.Fatalf("expected locks released, got %v", locks.held)
	}
}

func TestReconcileFlattensOneSidedPosition(t *testing.T) {
	locks := newFakeLocks()
	positions := &fakePositions{positions: map[string]types.PositionStatus{
		posKey(types.VenueA, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(1), MarkPrice: mkPrice(600)},
	}}
	units := &fakeUnits{minA: decimal.NewFromFloat(0.01), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	cfg := map[string]config.SymbolConfig{"BNB/USDT": {MaxNotionalPerOrder: 1000}}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.01)}

	a := newTestAligner(locks, positions, units, va, vb, cfg, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(va.placed) != 1 {
		t.Fatalf("expected one order on venue A, got %v", va.placed)
	}
	order := va.placed[0]
	if order.side != types.SideSell || !order.reduceOnly {
		t.Fatalf("expected reduce-only sell to flatten long, got %+v", order)
	}
	if !order.qty.Equal(decimal.NewFromFloat(1)) {
		t.Fatalf("expected qty 1, got %s", order.qty)
	}
}

func TestReconcileFlattensBothOnSameDirectionAbnormalState(t *testing.T) {
	locks := newFakeLocks()
	positions := &fakePositions{positions: map[string]types.PositionStatus{
		posKey(types.VenueA, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(1), MarkPrice: mkPrice(600)},
		posKey(types.VenueB, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(1), MarkPrice: mkPrice(600)},
	}}
	units := &fakeUnits{minA: decimal.NewFromFloat(0.01), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	cfg := map[string]config.SymbolConfig{"BNB/USDT": {MaxNotionalPerOrder: 1000}}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.01)}

	a := newTestAligner(locks, positions, units, va, vb, cfg, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(va.placed) != 1 || len(vb.placed) != 1 {
		t.Fatalf("expected both venues to flatten, got A=%v B=%v", va.placed, vb.placed)
	}
	if va.placed[0].side != types.SideSell || vb.placed[0].side != types.SideSell {
		t.Fatalf("expected both sells to flatten longs, got A=%v B=%v", va.placed[0], vb.placed[0])
	}
}

func TestReconcileRebalancesNormalHedgedDelta(t *testing.T) {
	locks := newFakeLocks()
	positions := &fakePositions{positions: map[string]types.PositionStatus{
		posKey(types.VenueA, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(10), MarkPrice: mkPrice(600)},
		posKey(types.VenueB, "BNB/USDT"): {Direction: types.DirectionShort, Qty: decimal.NewFromFloat(9.9), MarkPrice: mkPrice(600)},
	}}
	units := &fakeUnits{minA: decimal.NewFromFloat(0.01), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	cfg := map[string]config.SymbolConfig{"BNB/USDT": {MaxNotionalPerOrder: 1000}}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.1)}

	a := newTestAligner(locks, positions, units, va, vb, cfg, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(va.placed) != 1 || len(vb.placed) != 0 {
		t.Fatalf("expected one reduce on venue A, got A=%v B=%v", va.placed, vb.placed)
	}
	order := va.placed[0]
	if order.side != types.SideSell || !order.reduceOnly {
		t.Fatalf("expected reduce-only sell on A, got %+v", order)
	}
	if !order.qty.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("expected qty 0.1, got %s", order.qty)
	}
}

func TestReconcileSubMinimumUsesSmallerVenueMinimum(t *testing.T) {
	locks := newFakeLocks()
	positions := &fakePositions{positions: map[string]types.PositionStatus{
		posKey(types.VenueA, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(10), MarkPrice: mkPrice(600)},
		posKey(types.VenueB, "BNB/USDT"): {Direction: types.DirectionShort, Qty: decimal.NewFromFloat(10.005), MarkPrice: mkPrice(600)},
	}}
	// venue B's minimum (0.001) is smaller than A's (1) and absorbs the
	// 0.005 sub-minimum gap directly.
	units := &fakeUnits{minA: decimal.NewFromFloat(1), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	cfg := map[string]config.SymbolConfig{"BNB/USDT": {MaxNotionalPerOrder: 1000}}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.01)}

	a := newTestAligner(locks, positions, units, va, vb, cfg, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(vb.placed) != 1 || len(va.placed) != 0 {
		t.Fatalf("expected one order on venue B, got A=%v B=%v", va.placed, vb.placed)
	}
	order := vb.placed[0]
	if !order.reduceOnly {
		t.Fatalf("expected reduce-only order, got %+v", order)
	}
	if !order.qty.Equal(decimal.NewFromFloat(0.005)) {
		t.Fatalf("expected qty 0.005, got %s", order.qty)
	}
}

func TestReconcileSkipsAboveRefusalLimit(t *testing.T) {
	locks := newFakeLocks()
	positions := &fakePositions{positions: map[string]types.PositionStatus{
		posKey(types.VenueA, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(10), MarkPrice: mkPrice(600)},
	}}
	units := &fakeUnits{minA: decimal.NewFromFloat(0.01), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	// notional = 10 * 600 = 6000; limit = 4 * 20 = 80.
	cfg := map[string]config.SymbolConfig{"BNB/USDT": {MaxNotionalPerOrder: 20}}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.01)}

	a := newTestAligner(locks, positions, units, va, vb, cfg, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(va.placed) != 0 {
		t.Fatalf("expected no order above refusal limit, got %v", va.placed)
	}
	if len(locks.held) != 0 {
		t.Fatalf("expected locks released even on refusal skip, got %v", locks.held)
	}
}

func TestReconcileSkipsAndReleasesWhenOnlyOneLockAvailable(t *testing.T) {
	locks := newFakeLocks()
	locks.denyB = true
	positions := &fakePositions{positions: map[string]types.PositionStatus{
		posKey(types.VenueA, "BNB/USDT"): {Direction: types.DirectionLong, Qty: decimal.NewFromFloat(1), MarkPrice: mkPrice(600)},
	}}
	units := &fakeUnits{minA: decimal.NewFromFloat(0.01), minB: decimal.NewFromFloat(0.001)}
	va, vb := &fakeOrderVenue{}, &fakeOrderVenue{}
	minQty := map[string]decimal.Decimal{"BNB/USDT": decimal.NewFromFloat(0.01)}

	a := newTestAligner(locks, positions, units, va, vb, nil, minQty)
	a.reconcileSymbol(context.Background(), "BNB/USDT")

	if len(va.placed) != 0 || len(vb.placed) != 0 {
		t.Fatalf("expected no orders when only one lock is held, got A=%v B=%v", va.placed, vb.placed)
	}
	if locks.held[lockKey(types.VenueA, "BNB/USDT")] {
		t.Fatalf("expected venue A lock to be released after failed dual-acquire")
	}
}

func TestWouldOpenOppositeDetectsDirectionFlip(t *testing.T) {
	long := types.PositionStatus{Direction: types.DirectionLong, Qty: decimal.NewFromFloat(1)}
	short := types.PositionStatus{Direction: types.DirectionShort, Qty: decimal.NewFromFloat(1)}
	flat := types.PositionStatus{}

	if !wouldOpenOpposite(short, types.SideSell) {
		t.Fatal("selling against a short position should open opposite direction")
	}
	if wouldOpenOpposite(long, types.SideSell) {
		t.Fatal("selling against a long position should reduce, not open opposite")
	}
	if !wouldOpenOpposite(long, types.SideBuy) {
		t.Fatal("buying against a long position should open opposite direction")
	}
	if wouldOpenOpposite(flat, types.SideBuy) {
		t.Fatal("flat position can never be opposite")
	}
}
