// Package dispatch implements the admission controller that sits between
// the Signal Generator and the Signal Dealer: it gates on order_mode, runs
// the margin/notional checks, aligns quantity to both venues' precision,
// and only then atomically claims the (maker_venue, symbol) lock and
// launches a dealer (spec.md §4.6).
package dispatch

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/audit"
	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

// modeReader is the subset of *health.Monitor this package needs.
type modeReader interface {
	Mode() types.OrderMode
}

// marginReader is the subset of *store.Store this package needs.
type marginReader interface {
	GetMargin(ctx context.Context, venue types.VenueKind) (types.MarginInfo, bool, error)
}

// lockStore is the subset of *store.Store this package needs for the
// atomic processing-set claim.
type lockStore interface {
	TryLock(ctx context.Context, venue types.VenueKind, symbol string) (bool, error)
	Unlock(ctx context.Context, venue types.VenueKind, symbol string) error
}

// qtyAligner is the subset of *symbol.Registry this package needs.
type qtyAligner interface {
	AlignQty(canonical string, venue types.VenueKind, qty decimal.Decimal) (aligned, remainder decimal.Decimal, err error)
}

// dealerLauncher starts one Signal Dealer task for an admitted signal,
// already aligned and locked. Implemented by internal/dealer; accepting
// the narrow interface here keeps this package free of a dependency on
// the dealer's internals.
type dealerLauncher interface {
	Launch(ctx context.Context, sig types.OrderSignal)
}

// Limits is one symbol's admission thresholds, sourced from
// cross_arbitrage_symbol_datas (spec.md §4.6 item 2).
type Limits struct {
	MaxNotionalPerOrder  decimal.Decimal
	MaxNotionalPerSymbol decimal.Decimal
	MaxUsedMargin        decimal.Decimal
}

// Dispatcher admits or drops generated signals.
type Dispatcher struct {
	mode    modeReader
	margin  marginReader
	locks   lockStore
	aligner qtyAligner
	dealer  dealerLauncher
	audit   *audit.Logger
	limits  map[string]Limits
	logger  *slog.Logger
}

// New builds a Dispatcher. limits is keyed by canonical symbol.
func New(mode modeReader, margin marginReader, locks lockStore, aligner qtyAligner, dealer dealerLauncher, auditLog *audit.Logger, limits map[string]Limits, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mode:    mode,
		margin:  margin,
		locks:   locks,
		aligner: aligner,
		dealer:  dealer,
		audit:   auditLog,
		limits:  limits,
		logger:  logger.With("component", "dispatch"),
	}
}

// Dispatch runs one signal through admission control. It never blocks on
// the dealer itself — Launch is expected to hand off to its own goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, sig types.OrderSignal) {
	mode := d.mode.Mode()
	if mode == types.ModePending || mode == types.ModeMaintain {
		d.recordSkip(ctx, sig, "mode_"+string(mode))
		return
	}
	if mode == types.ModeReduceOnly && !sig.IsReducePosition {
		d.recordSkip(ctx, sig, "reduce_only_blocks_increase")
		return
	}

	qty, ok := d.admitQuantity(ctx, sig)
	if !ok {
		return
	}
	sig.MakerQty = qty

	got, err := d.locks.TryLock(ctx, sig.MakerVenue, sig.Symbol)
	if err != nil {
		d.logger.Error("try lock failed", "symbol", sig.Symbol, "error", err)
		d.recordSkip(ctx, sig, "lock_failed")
		return
	}
	if !got {
		d.logger.Debug("symbol already locked, dropping signal", "symbol", sig.Symbol)
		d.recordSkip(ctx, sig, "locked")
		return
	}

	d.dealer.Launch(ctx, sig)
}

// admitQuantity runs the margin/notional checks and quantity alignment of
// spec.md §4.6 item 2, returning the final aligned quantity or ok=false if
// the signal must be dropped.
func (d *Dispatcher) admitQuantity(ctx context.Context, sig types.OrderSignal) (decimal.Decimal, bool) {
	limits, ok := d.limits[sig.Symbol]
	if !ok {
		d.logger.Warn("no configured limits for symbol, dropping", "symbol", sig.Symbol)
		d.recordSkip(ctx, sig, "no_limits")
		return decimal.Zero, false
	}

	if !sig.IsReducePosition {
		if !d.marginOK(ctx, sig.MakerVenue, limits) || !d.marginOK(ctx, sig.TakerVenue, limits) {
			d.recordSkip(ctx, sig, "margin_limit")
			return decimal.Zero, false
		}
		if sig.MakerPosition != nil && !limits.MaxNotionalPerSymbol.IsZero() {
			held := sig.MakerPosition.Qty.Mul(sig.MakerPrice)
			if held.GreaterThanOrEqual(limits.MaxNotionalPerSymbol) {
				d.recordSkip(ctx, sig, "max_notional_per_symbol")
				return decimal.Zero, false
			}
		}
	}

	qty := sig.MakerQty
	if !limits.MaxNotionalPerOrder.IsZero() {
		maxQty := limits.MaxNotionalPerOrder.Div(sig.MakerPrice)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
		}
	}

	alignedA, _, errA := d.aligner.AlignQty(sig.Symbol, types.VenueA, qty)
	alignedB, _, errB := d.aligner.AlignQty(sig.Symbol, types.VenueB, qty)
	if errA != nil || errB != nil {
		d.logger.Error("align qty failed", "symbol", sig.Symbol, "errA", errA, "errB", errB)
		d.recordSkip(ctx, sig, "align_failed")
		return decimal.Zero, false
	}
	aligned := alignedA
	if alignedB.LessThan(aligned) {
		aligned = alignedB
	}
	if aligned.IsZero() {
		d.recordSkip(ctx, sig, "aligned_qty_zero")
		return decimal.Zero, false
	}
	return aligned, true
}

func (d *Dispatcher) marginOK(ctx context.Context, venue types.VenueKind, limits Limits) bool {
	m, ok, err := d.margin.GetMargin(ctx, venue)
	if err != nil || !ok {
		return false
	}
	if limits.MaxUsedMargin.IsZero() {
		return true
	}
	return m.UsedRatio().LessThan(limits.MaxUsedMargin)
}

func (d *Dispatcher) recordSkip(ctx context.Context, sig types.OrderSignal, reason string) {
	d.logger.Debug("signal dropped", "symbol", sig.Symbol, "reason", reason)
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(ctx, types.SignalOutcome{
		Signal: sig,
		Status: types.OutcomeSkippedByMode,
		Reason: reason,
	}); err != nil {
		d.logger.Error("audit append failed", "error", err)
	}
}
