// Package align implements the Position Aligner: a periodic, signal-
// independent reconciliation loop that closes residual net imbalance
// between the two venues' positions for each symbol (spec.md §4.8).
//
// Unlike the signal dealer, the aligner is not triggered by market data —
// it runs on a fixed cadence and needs both venues' locks for a symbol at
// once, so it uses a dedicated try-acquire-all-or-release-all protocol
// instead of the dealer's single-venue lock.
package align

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

const (
	// cadence is the fixed interval between reconciliation passes, per
	// spec.md §5's "Position aligner: 30 s cadence".
	cadence = 30 * time.Second

	// refusalMultiple caps the imbalance the aligner will fix on its own;
	// anything bigger is surfaced for a human instead of auto-liquidated.
	refusalMultiple = 4

	// clientTag matches internal/dealer's tag; kept as a local constant
	// rather than an exported one since the two packages never share it
	// directly, following the Python original's separate literal per site.
	clientTag = "T"
)

// lockStore is the subset of *store.Store this package needs for the
// dual-venue claim.
type lockStore interface {
	TryLock(ctx context.Context, venue types.VenueKind, symbol string) (bool, error)
	Unlock(ctx context.Context, venue types.VenueKind, symbol string) error
}

// positionReader is the subset of *store.Store this package needs.
type positionReader interface {
	GetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string) (types.PositionStatus, bool, error)
}

// minUnitLookup is the subset of *symbol.Registry this package needs.
type minUnitLookup interface {
	MinUnit(canonical string, venue types.VenueKind) (decimal.Decimal, error)
}

// orderVenue is the subset of venue.Adapter this package needs: it only
// ever issues reconciliation market orders.
type orderVenue interface {
	PlaceMarket(ctx context.Context, symbol string, side types.OrderSide, qty decimal.Decimal, clientID string, reduceOnly bool) (types.OrderRecord, error)
}

// Aligner runs the periodic dual-venue reconciliation pass.
type Aligner struct {
	locks     lockStore
	positions positionReader
	units     minUnitLookup
	venues    map[types.VenueKind]orderVenue
	symbols   []string
	configs   map[string]config.SymbolConfig
	minQty    map[string]decimal.Decimal
	seq       int64
	logger    *slog.Logger
}

// New builds an Aligner over the engine's venue adapters. symbols is the
// set of canonical names to reconcile each pass; configs and minQty are
// both keyed by canonical symbol (minQty is the cross-venue
// symbol_min_amount from the registry).
func New(locks lockStore, positions positionReader, units minUnitLookup, adapters map[types.VenueKind]venue.Adapter, symbols []string, configs map[string]config.SymbolConfig, minQty map[string]decimal.Decimal, logger *slog.Logger) *Aligner {
	venues := make(map[types.VenueKind]orderVenue, len(adapters))
	for k, a := range adapters {
		venues[k] = a
	}
	return &Aligner{
		locks:     locks,
		positions: positions,
		units:     units,
		venues:    venues,
		symbols:   symbols,
		configs:   configs,
		minQty:    minQty,
		logger:    logger.With("component", "align"),
	}
}

// Run loops on Aligner's fixed cadence until ctx is canceled.
func (a *Aligner) Run(ctx context.Context) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runPass(ctx)
		}
	}
}

// runPass attempts one reconciliation cycle over every configured symbol.
func (a *Aligner) runPass(ctx context.Context) {
	for _, sym := range a.symbols {
		if ctx.Err() != nil {
			return
		}
		a.reconcileSymbol(ctx, sym)
	}
}

// reconcileSymbol implements spec.md §4.8 steps 1-6 for a single symbol.
func (a *Aligner) reconcileSymbol(ctx context.Context, sym string) {
	if !a.acquireBoth(ctx, sym) {
		return
	}
	defer a.releaseBoth(ctx, sym)

	posA, okA, err := a.positions.GetPositionStatus(ctx, types.VenueA, sym)
	if err != nil {
		a.logger.Error("read position failed", "symbol", sym, "venue", types.VenueA, "error", err)
		return
	}
	posB, okB, err := a.positions.GetPositionStatus(ctx, types.VenueB, sym)
	if err != nil {
		a.logger.Error("read position failed", "symbol", sym, "venue", types.VenueB, "error", err)
		return
	}
	if !okA {
		posA = types.PositionStatus{}
	}
	if !okB {
		posB = types.PositionStatus{}
	}

	minQty := a.minQty[sym]

	aZero := posA.Qty.IsZero() || posA.Qty.LessThan(minQty)
	bZero := posB.Qty.IsZero() || posB.Qty.LessThan(minQty)

	switch {
	case aZero && bZero:
		return

	case aZero != bZero:
		// Exactly one side carries a position: flatten it entirely.
		a.flattenOneSided(ctx, sym, posA, posB, aZero)

	case posA.Direction == posB.Direction:
		// Both sides hold the same direction: abnormal state, cannot
		// legitimately happen with correct hedging. Flatten both.
		a.logger.Warn("both venues hold same-direction position, flattening both",
			"symbol", sym, "direction", posA.Direction)
		a.flattenBoth(ctx, sym, posA, posB)

	default:
		a.rebalanceHedged(ctx, sym, posA, posB, minQty)
	}
}

// acquireBoth implements the try-acquire-all-or-release-all protocol: both
// venue locks for sym must be obtained, or neither is held afterward.
func (a *Aligner) acquireBoth(ctx context.Context, sym string) bool {
	gotA, err := a.locks.TryLock(ctx, types.VenueA, sym)
	if err != nil {
		a.logger.Error("lock attempt failed", "symbol", sym, "venue", types.VenueA, "error", err)
		return false
	}
	gotB, err := a.locks.TryLock(ctx, types.VenueB, sym)
	if err != nil {
		if gotA {
			a.releaseIgnoreError(ctx, types.VenueA, sym)
		}
		a.logger.Error("lock attempt failed", "symbol", sym, "venue", types.VenueB, "error", err)
		return false
	}

	if gotA && gotB {
		return true
	}
	if gotA {
		a.releaseIgnoreError(ctx, types.VenueA, sym)
	}
	if gotB {
		a.releaseIgnoreError(ctx, types.VenueB, sym)
	}
	return false
}

func (a *Aligner) releaseBoth(ctx context.Context, sym string) {
	a.releaseIgnoreError(ctx, types.VenueA, sym)
	a.releaseIgnoreError(ctx, types.VenueB, sym)
}

func (a *Aligner) releaseIgnoreError(ctx context.Context, venue types.VenueKind, sym string) {
	if err := a.locks.Unlock(ctx, venue, sym); err != nil {
		a.logger.Error("unlock failed", "symbol", sym, "venue", venue, "error", err)
	}
}

// flattenOneSided reduces the single venue that carries a position to
// flat, when the other side is already at or below the minimum.
func (a *Aligner) flattenOneSided(ctx context.Context, sym string, posA, posB types.PositionStatus, aIsZero bool) {
	venue, pos := types.VenueB, posB
	if !aIsZero {
		venue, pos = types.VenueA, posA
	}

	side := types.SideSell
	if pos.Direction == types.DirectionShort {
		side = types.SideBuy
	}

	if !a.withinRefusalLimit(sym, pos.Qty, pos.MarkPrice) {
		return
	}
	a.placeReconciliation(ctx, sym, venue, side, pos.Qty, true)
}

// flattenBoth handles the abnormal same-direction case: both venues are
// reduced to flat simultaneously.
func (a *Aligner) flattenBoth(ctx context.Context, sym string, posA, posB types.PositionStatus) {
	sideA := types.SideSell
	if posA.Direction == types.DirectionShort {
		sideA = types.SideBuy
	}
	sideB := types.SideSell
	if posB.Direction == types.DirectionShort {
		sideB = types.SideBuy
	}

	if a.withinRefusalLimit(sym, posA.Qty, posA.MarkPrice) {
		a.placeReconciliation(ctx, sym, types.VenueA, sideA, posA.Qty, true)
	}
	if a.withinRefusalLimit(sym, posB.Qty, posB.MarkPrice) {
		a.placeReconciliation(ctx, sym, types.VenueB, sideB, posB.Qty, true)
	}
}

// rebalanceHedged handles the normal, properly-hedged case: opposite
// directions on each venue, reconciled toward delta == 0.
func (a *Aligner) rebalanceHedged(ctx context.Context, sym string, posA, posB types.PositionStatus, minQty decimal.Decimal) {
	delta := posA.SignedQty().Add(posB.SignedQty())
	absDelta := delta.Abs()
	if absDelta.IsZero() {
		return
	}

	markPrice := posA.MarkPrice
	if markPrice == nil {
		markPrice = posB.MarkPrice
	}
	if !a.withinRefusalLimit(sym, absDelta, markPrice) {
		return
	}

	if absDelta.GreaterThanOrEqual(minQty) {
		a.rebalanceNormal(ctx, sym, delta)
		return
	}
	a.rebalanceSubMinimum(ctx, sym, delta, posA, posB)
}

// rebalanceNormal places one reduce-only order on whichever venue carries
// the excess, sized to delta, closing the gap between the two positions.
func (a *Aligner) rebalanceNormal(ctx context.Context, sym string, delta decimal.Decimal) {
	// delta = signedA + signedB > 0 means A's long exceeds B's short cover:
	// venue A holds the excess and must reduce by selling it off.
	venue := types.VenueA
	side := types.SideSell
	if delta.IsNegative() {
		venue = types.VenueB
		side = types.SideBuy
	}
	a.placeReconciliation(ctx, sym, venue, side, delta.Abs(), true)
}

// rebalanceSubMinimum implements spec.md §4.8 step 4: when the imbalance
// is below the cross-venue minimum, use whichever venue's own minimum
// increment is smaller; fall back to the other venue only if even its
// minimum can't absorb the gap, deciding reduce_only by whether that
// order would flip the existing position's direction.
func (a *Aligner) rebalanceSubMinimum(ctx context.Context, sym string, delta decimal.Decimal, posA, posB types.PositionStatus) {
	absDelta := delta.Abs()

	minA, errA := a.units.MinUnit(sym, types.VenueA)
	minB, errB := a.units.MinUnit(sym, types.VenueB)
	if errA != nil || errB != nil {
		a.logger.Error("min unit lookup failed", "symbol", sym, "errA", errA, "errB", errB)
		return
	}

	smaller, smallerVenue := minA, types.VenueA
	otherVenue, otherPos := types.VenueB, posB
	if minB.LessThan(minA) {
		smaller, smallerVenue = minB, types.VenueB
		otherVenue, otherPos = types.VenueA, posA
	}

	side := types.SideSell
	if delta.IsNegative() {
		side = types.SideBuy
	}

	if smaller.LessThanOrEqual(absDelta) {
		a.placeReconciliation(ctx, sym, smallerVenue, side, absDelta, true)
		return
	}

	// The smaller-minimum venue still can't express this size; fall back
	// to the other venue's minimum. reduce_only depends on whether that
	// would widen an already-open position in the opposite direction.
	reduceOnly := !wouldOpenOpposite(otherPos, side)
	a.placeReconciliation(ctx, sym, otherVenue, side, absDelta, reduceOnly)
}

// wouldOpenOpposite reports whether placing side on a venue currently
// holding pos would open (increase) a position opposite to side's
// direction rather than reduce toward flat.
func wouldOpenOpposite(pos types.PositionStatus, side types.OrderSide) bool {
	if pos.Qty.IsZero() {
		return false
	}
	if side == types.SideSell && pos.Direction == types.DirectionShort {
		return true
	}
	if side == types.SideBuy && pos.Direction == types.DirectionLong {
		return true
	}
	return false
}

// withinRefusalLimit implements spec.md §4.8 step 5: refuse to place a
// reconciliation order whose notional exceeds 4x the symbol's configured
// max_notional_per_order. Unknown mark price or limit ⇒ allow (nothing to
// compare against).
func (a *Aligner) withinRefusalLimit(sym string, qty decimal.Decimal, markPrice *decimal.Decimal) bool {
	if markPrice == nil {
		return true
	}
	cfg, ok := a.configs[sym]
	if !ok || cfg.MaxNotionalPerOrder == 0 {
		return true
	}
	limit := decimal.NewFromFloat(cfg.MaxNotionalPerOrder).Mul(decimal.NewFromInt(refusalMultiple))
	notional := qty.Mul(*markPrice)
	if notional.GreaterThan(limit) {
		a.logger.Warn("imbalance exceeds refusal-to-liquidate limit, skipping",
			"symbol", sym, "qty", qty, "notional", notional, "limit", limit)
		return false
	}
	return true
}

// placeReconciliation issues one retried market order with the aligner's
// client id format.
func (a *Aligner) placeReconciliation(ctx context.Context, sym string, venue types.VenueKind, side types.OrderSide, qty decimal.Decimal, reduceOnly bool) {
	adapter, ok := a.venues[venue]
	if !ok {
		a.logger.Error("no adapter for venue", "venue", venue)
		return
	}

	a.seq++
	clientID := a.clientID()

	var rec types.OrderRecord
	err := retry.Do(ctx, retry.PlaceOrder, func() error {
		var placeErr error
		rec, placeErr = adapter.PlaceMarket(ctx, sym, side, qty, clientID, reduceOnly)
		return placeErr
	}, nil)
	if err != nil {
		a.logger.Error("reconciliation order failed", "symbol", sym, "venue", venue,
			"side", side, "qty", qty, "error", err)
		return
	}
	a.logger.Info("reconciliation order placed", "symbol", sym, "venue", venue,
		"side", side, "qty", qty, "reduce_only", reduceOnly, "order_id", rec.ID)
}

// clientID formats the aligner's reconciliation client id, cr{tag}Talg{ts}
// per spec.md §4.8. seq disambiguates the rare case of two reconciliation
// orders (e.g. the same-direction flatten-both branch) landing in the same
// millisecond.
func (a *Aligner) clientID() string {
	if a.seq <= 1 {
		return fmt.Sprintf("cr%sTalg%d", clientTag, time.Now().UnixMilli())
	}
	return fmt.Sprintf("cr%sTalg%d%d", clientTag, time.Now().UnixMilli(), a.seq)
}
