// Package dealer implements the Signal Dealer: the OPEN → FOLLOWING →
// CLEAR → DONE/REJECTED state machine that owns exactly one signal's
// (maker_venue, symbol) lock for its lifetime (spec.md §4.7).
package dealer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

const clientTag = "T"

// orderVenue is the subset of venue.Adapter one side of a deal needs.
type orderVenue interface {
	PlaceLimitPostOnly(ctx context.Context, symbol string, side types.OrderSide, qty, price decimal.Decimal, clientID string) (types.OrderRecord, error)
	PlaceMarket(ctx context.Context, symbol string, side types.OrderSide, qty decimal.Decimal, clientID string, reduceOnly bool) (types.OrderRecord, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchOrder(ctx context.Context, symbol, orderID string) (types.OrderRecord, error)
}

// orderEventReader is the subset of *store.Store this package needs to
// drain one order's event FIFO.
type orderEventReader interface {
	BLPopOrderStatus(ctx context.Context, venue types.VenueKind, orderID string, timeout time.Duration) (types.OrderRecord, bool, error)
	LPopOrderStatus(ctx context.Context, venue types.VenueKind, orderID string) (types.OrderRecord, bool, error)
}

// bookReader is the subset of *store.Store this package needs to read the
// taker-side book during FOLLOWING.
type bookReader interface {
	GetLatest(ctx context.Context, venue types.VenueKind, symbol string) (types.OrderBookSnapshot, bool, error)
}

// lockReleaser is the subset of *store.Store this package needs to release
// the per-symbol lock on every exit path.
type lockReleaser interface {
	Unlock(ctx context.Context, venue types.VenueKind, symbol string) error
}

// qtyAligner is the subset of *symbol.Registry this package needs.
type qtyAligner interface {
	AlignQty(canonical string, venue types.VenueKind, qty decimal.Decimal) (aligned, remainder decimal.Decimal, err error)
}

// auditAppender is the subset of *audit.Logger this package needs.
type auditAppender interface {
	Append(ctx context.Context, outcome types.SignalOutcome) error
}

// Dealer launches one goroutine per admitted signal and runs it to
// completion.
type Dealer struct {
	venues  map[types.VenueKind]orderVenue
	events  orderEventReader
	books   bookReader
	locks   lockReleaser
	aligner qtyAligner
	audit   auditAppender
	configs map[string]config.SymbolConfig
	minQty  map[string]decimal.Decimal

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New builds a Dealer over the engine's venue adapters. configs and minQty
// are keyed by canonical symbol; minQty is the taker-side minimum order
// amount (spec.md §4.7's taker_min_amount), sourced from the symbol
// registry's cross-venue MinQty.
func New(adapters map[types.VenueKind]venue.Adapter, events orderEventReader, books bookReader, locks lockReleaser, aligner qtyAligner, auditLog auditAppender, configs map[string]config.SymbolConfig, minQty map[string]decimal.Decimal, logger *slog.Logger) *Dealer {
	venues := make(map[types.VenueKind]orderVenue, len(adapters))
	for k, a := range adapters {
		venues[k] = a
	}
	return &Dealer{
		venues:  venues,
		events:  events,
		books:   books,
		locks:   locks,
		aligner: aligner,
		audit:   auditLog,
		configs: configs,
		minQty:  minQty,
		logger:  logger.With("component", "dealer"),
	}
}

// Launch starts one deal in its own goroutine and returns immediately.
func (d *Dealer) Launch(ctx context.Context, sig types.OrderSignal) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, sig)
	}()
}

// Wait blocks until every launched deal has finished, for graceful shutdown.
func (d *Dealer) Wait() {
	d.wg.Wait()
}

func (d *Dealer) run(ctx context.Context, sig types.OrderSignal) {
	logger := d.logger.With("symbol", sig.Symbol, "maker_venue", string(sig.MakerVenue))
	defer func() {
		if err := d.locks.Unlock(context.Background(), sig.MakerVenue, sig.Symbol); err != nil {
			logger.Error("release lock failed", "error", err)
		}
	}()

	maker, ok := d.venues[sig.MakerVenue]
	if !ok {
		logger.Error("no adapter for maker venue")
		return
	}
	taker, ok := d.venues[sig.TakerVenue]
	if !ok {
		logger.Error("no adapter for taker venue")
		return
	}

	ts := time.Now().UnixMilli()
	makerOrder, ok := d.open(ctx, maker, sig, ts, logger)
	if !ok {
		return
	}

	d.followAndClear(ctx, maker, taker, sig, makerOrder, ts, logger)
}

func makerClientID(ts int64) string {
	return fmt.Sprintf("cr%smko%s%d", clientTag, clientTag, ts)
}

func takerClientIDPrefix(ts int64) string {
	return fmt.Sprintf("cr%smkt%s%d%s", clientTag, clientTag, ts, clientTag)
}

// open places the post-only maker order, retrying per spec.md §4.7 step 1.
// On an unrecoverable failure or a terminal rejection it audits the outcome
// and returns ok=false; the caller's deferred Unlock releases the lock.
func (d *Dealer) open(ctx context.Context, maker orderVenue, sig types.OrderSignal, ts int64, logger *slog.Logger) (types.OrderRecord, bool) {
	clientID := makerClientID(ts)

	var order types.OrderRecord
	err := retry.Do(ctx, retry.PlaceOrder, func() error {
		var err error
		order, err = maker.PlaceLimitPostOnly(ctx, sig.Symbol, sig.MakerSide, sig.MakerQty, sig.MakerPrice, clientID)
		return err
	}, nil)
	if err != nil {
		logger.Error("place maker order failed", "error", err)
		d.recordOutcome(ctx, sig, types.OutcomeMakerOrderFailed, "place_maker_order: "+err.Error(), decimal.Zero, decimal.Zero, false)
		return types.OrderRecord{}, false
	}

	switch order.Status {
	case types.StatusRejected, types.StatusExpired, types.StatusCanceled:
		logger.Warn("maker order rejected on placement", "status", string(order.Status))
		d.recordOutcome(ctx, sig, types.OutcomeRejected, "maker_order_status_"+string(order.Status), decimal.Zero, decimal.Zero, false)
		return types.OrderRecord{}, false
	}

	return order, true
}

// followAndClear runs the FOLLOWING loop and its CLEAR finalization
// (spec.md §4.7 steps 2–3).
func (d *Dealer) followAndClear(ctx context.Context, maker, taker orderVenue, sig types.OrderSignal, makerOrder types.OrderRecord, ts int64, logger *slog.Logger) {
	cfg := d.configs[sig.Symbol]
	cancelTimeout := cancelTimeoutFor(cfg, sig.MakerSide)
	minQty := d.minQty[sig.Symbol]
	takerPrefix := takerClientIDPrefix(ts)

	start := time.Now()
	makerFilled := decimal.Zero
	followed := decimal.Zero
	takerCount := 0

	clear := false
	canceledByProgram := false
	isFilled := false
	var clearedAt *time.Time

	for {
		if ctx.Err() != nil && !clear {
			if d.cancelMaker(ctx, maker, sig, makerOrder.ID, logger) {
				clear = true
			}
		}

		events := d.drainEvents(ctx, sig.MakerVenue, makerOrder.ID)
		canceledOrFilled := false
		for _, ev := range events {
			if ev.Status == types.StatusCanceled {
				canceledOrFilled = true
				break
			}
			if ev.Status == types.StatusFilled || ev.Status == types.StatusPartiallyFilled {
				makerFilled = ev.Filled
				if ev.Status == types.StatusFilled {
					isFilled = true
					canceledOrFilled = true
					break
				}
			}
		}

		if makerFilled.GreaterThan(followed) {
			d.followTaker(ctx, taker, sig, makerFilled, &followed, &takerCount, takerPrefix, minQty, logger)
		}

		if canceledOrFilled || canceledByProgram {
			clear = true
		}

		if clear {
			if (!canceledOrFilled) || canceledByProgram {
				if clearedAt == nil {
					now := time.Now()
					clearedAt = &now
					continue
				}
				if time.Since(*clearedAt) <= 10*time.Second {
					retry.SleepWithContext(ctx, 100*time.Millisecond)
					continue
				}
				logger.Info("clearing without a confirmed terminal event", "order_id", makerOrder.ID)
			}

			d.finalize(ctx, maker, taker, sig, makerOrder, &makerFilled, &followed, &takerCount, takerPrefix, minQty, isFilled, logger)
			d.recordOutcome(ctx, sig, types.OutcomeCleared, "", makerFilled, followed, canceledByProgram)

			sleepFor := 10 * time.Second
			if clearedAt != nil {
				sleepFor -= time.Since(*clearedAt)
			}
			retry.SleepWithContext(ctx, sleepFor)
			return
		}

		if time.Since(start) > cancelTimeout {
			if d.cancelMaker(ctx, maker, sig, makerOrder.ID, logger) {
				clear = true
				canceledByProgram = true
				continue
			}
		}

		book, ok, err := d.books.GetLatest(ctx, sig.TakerVenue, sig.Symbol)
		if err != nil || !ok {
			continue
		}
		if shouldCancel(sig, book, sig.MakerQty) {
			if d.cancelMaker(ctx, maker, sig, makerOrder.ID, logger) {
				clear = true
				canceledByProgram = true
			}
		}
	}
}

func cancelTimeoutFor(cfg config.SymbolConfig, makerSide types.OrderSide) time.Duration {
	if makerSide == types.SideSell {
		return cfg.ShortThresholdData.CancelPositionTimeout
	}
	return cfg.LongThresholdData.CancelPositionTimeout
}

// drainEvents blocks up to 200ms for the first event then drains the rest
// non-blocking, matching spec.md §4.7's draining discipline.
func (d *Dealer) drainEvents(ctx context.Context, venueKind types.VenueKind, orderID string) []types.OrderRecord {
	var events []types.OrderRecord
	first, ok, err := d.events.BLPopOrderStatus(ctx, venueKind, orderID, 200*time.Millisecond)
	if err != nil || !ok {
		return events
	}
	events = append(events, first)
	for {
		next, ok, err := d.events.LPopOrderStatus(ctx, venueKind, orderID)
		if err != nil || !ok {
			break
		}
		events = append(events, next)
	}
	return events
}

// followTaker computes the outstanding maker fill not yet hedged and, if it
// clears the taker's minimum order size, places a market order for it.
func (d *Dealer) followTaker(ctx context.Context, taker orderVenue, sig types.OrderSignal, makerFilled decimal.Decimal, followed *decimal.Decimal, takerCount *int, takerPrefix string, minQty decimal.Decimal, logger *slog.Logger) {
	need, _, err := d.aligner.AlignQty(sig.Symbol, sig.TakerVenue, makerFilled.Sub(*followed))
	if err != nil {
		logger.Error("align follow qty failed", "error", err)
		return
	}
	if need.LessThan(minQty) {
		return
	}

	*takerCount++
	clientID := takerPrefix + strconv.Itoa(*takerCount)
	order, err := taker.PlaceMarket(ctx, sig.Symbol, sig.TakerSide, need, clientID, false)
	if err != nil {
		logger.Error("place taker follow order failed", "error", err)
		return
	}
	*followed = followed.Add(order.Amount)
}

// finalize fetches the authoritative maker order record once CLEAR has
// stabilized and places a last "fix" taker order for any unhedged fill
// (spec.md §4.7 step 3).
func (d *Dealer) finalize(ctx context.Context, maker, taker orderVenue, sig types.OrderSignal, makerOrder types.OrderRecord, makerFilled, followed *decimal.Decimal, takerCount *int, takerPrefix string, minQty decimal.Decimal, isFilled bool, logger *slog.Logger) {
	final := types.OrderRecord{Filled: *makerFilled}
	if !isFilled {
		err := retry.Do(ctx, retry.Fetch, func() error {
			var err error
			final, err = maker.FetchOrder(ctx, sig.Symbol, makerOrder.ID)
			return err
		}, nil)
		if err != nil {
			logger.Error("fetch final maker order failed", "error", err)
			return
		}
	}
	*makerFilled = final.Filled

	if final.Filled.LessThanOrEqual(*followed) {
		return
	}
	diff, _, err := d.aligner.AlignQty(sig.Symbol, sig.TakerVenue, final.Filled.Sub(*followed))
	if err != nil || diff.LessThanOrEqual(minQty) {
		return
	}

	*takerCount++
	clientID := takerPrefix + strconv.Itoa(*takerCount) + clientTag + "fix"
	err = retry.Do(ctx, retry.PlaceOrder, func() error {
		order, err := taker.PlaceMarket(ctx, sig.Symbol, sig.TakerSide, diff, clientID, false)
		if err == nil {
			*followed = followed.Add(order.Amount)
		}
		return err
	}, nil)
	if err != nil {
		logger.Error("place fix taker order failed", "error", err)
	}
}

// cancelMaker cancels the maker order, treating "already done" as success.
func (d *Dealer) cancelMaker(ctx context.Context, maker orderVenue, sig types.OrderSignal, orderID string, logger *slog.Logger) bool {
	err := retry.Do(ctx, retry.Cancel, func() error {
		return maker.CancelOrder(ctx, sig.Symbol, orderID)
	}, venue.IsAlreadyDone)
	if err != nil {
		logger.Error("cancel maker order failed", "error", err)
		return false
	}
	return true
}

func (d *Dealer) recordOutcome(ctx context.Context, sig types.OrderSignal, status types.SignalOutcomeStatus, reason string, filled, followed decimal.Decimal, cancelByProgram bool) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(ctx, types.SignalOutcome{
		Signal:          sig,
		Status:          status,
		Reason:          reason,
		FilledQty:       filled,
		FollowedQty:     followed,
		CancelByProgram: cancelByProgram,
	}); err != nil {
		d.logger.Error("audit append failed", "error", err)
	}
}

// shouldCancel reproduces should_cancel_makeonly_order: cancel the maker
// order if the taker side no longer has enough depth inside
// cancel_order_threshold of the maker price to absorb needDepthQty.
func shouldCancel(sig types.OrderSignal, takerBook types.OrderBookSnapshot, needDepthQty decimal.Decimal) bool {
	one := decimal.NewFromInt(1)
	thresholdLine := sig.MakerPrice.Div(one.Add(sig.CancelOrderThreshold))

	switch sig.TakerSide {
	case types.SideBuy:
		levels := takerBook.Asks
		if len(levels) == 0 {
			return true
		}
		if levels[len(levels)-1].Price.LessThan(thresholdLine) {
			return false
		}
		return depthWithin(levels, thresholdLine, needDepthQty, func(price, line decimal.Decimal) bool {
			return price.LessThanOrEqual(line)
		})
	case types.SideSell:
		levels := takerBook.Bids
		if len(levels) == 0 {
			return true
		}
		if levels[len(levels)-1].Price.GreaterThan(thresholdLine) {
			return false
		}
		return depthWithin(levels, thresholdLine, needDepthQty, func(price, line decimal.Decimal) bool {
			return price.GreaterThanOrEqual(line)
		})
	default:
		return false
	}
}

func depthWithin(levels []types.PriceLevel, line, needDepthQty decimal.Decimal, include func(price, line decimal.Decimal) bool) bool {
	sum := decimal.Zero
	for _, lvl := range levels {
		if include(lvl.Price, line) {
			sum = sum.Add(lvl.Qty)
		}
	}
	return sum.LessThan(needDepthQty)
}
