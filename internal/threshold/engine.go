// Package threshold computes and republishes each symbol's entry/exit
// trigger levels on a fixed cadence: a static seed from configuration,
// adjusted by the funding-rate delta between venues and, optionally, by a
// rolling spread statistic derived from recent aggregated ticks (spec.md
// §4.4).
package threshold

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/store"
	"github.com/crossbook/arbengine/pkg/types"
)

const (
	refreshInterval = 2 * time.Minute

	// spreadWindowDuration bounds the rolling statistic's lookback.
	spreadWindowDuration = 15 * time.Minute

	// kIncrease/kDecrease scale the spread window's standard deviation into
	// a proposed entry/exit line: entries sit further from the mean than
	// exits, since opening a position should require a clearer signal than
	// closing one.
	kIncrease = 2.0
	kDecrease = 1.0

	// maxFundingShift caps the absolute threshold shift any funding
	// adjustment may apply (spec.md §4.4 item 2: "clamp total shift at
	// ±1% absolute threshold").
	maxFundingShift = 0.01

	// fundingWindowTolerance absorbs poll-timing jitter when deciding
	// whether two venues' funding snapshots share a settlement window.
	fundingWindowTolerance = 2 * time.Minute

	// defaultCancelIncreaseRatio/defaultCancelDecreaseRatio reproduce the
	// original's cancel-line interpolation ratios (spec.md §6 defaults:
	// "cancel ratios 0.75/0.25").
	defaultCancelIncreaseRatio = 0.75
	defaultCancelDecreaseRatio = 0.25
)

// fundingReader is the subset of *store.Store this package needs to read
// funding snapshots.
type fundingReader interface {
	GetFunding(ctx context.Context, venue types.VenueKind, symbol string) (types.FundingSnapshot, bool, error)
}

// tickReader is the subset of *store.Store this package needs to read the
// aggregated-tick stream for the rolling spread statistic.
type tickReader interface {
	ReadTicksAfter(ctx context.Context, streamKey, lastID string, count int64, block time.Duration) ([]store.StreamEntry, error)
}

// thresholdWriter is the subset of *store.Store this package needs to
// publish thresholds.
type thresholdWriter interface {
	SetThresholds(ctx context.Context, venue types.VenueKind, symbol string, th types.Thresholds) error
}

// symbolEntry is one configured symbol this engine publishes thresholds
// for, with its maker/taker venue assignment resolved once at startup.
type symbolEntry struct {
	name        string
	maker       types.VenueKind
	taker       types.VenueKind
	longSeed    types.DirectionalThresholds
	shortSeed   types.DirectionalThresholds
	spread      *SpreadWindow
	lastTickID  string
	streamKey   string
	streamCount int64
}

// Engine republishes one maker-venue's symbol thresholds on refreshInterval.
type Engine struct {
	funding fundingReader
	ticks   tickReader
	writer  thresholdWriter
	symbols []*symbolEntry
	logger  *slog.Logger
}

// New builds an Engine from configuration, keeping only the symbols whose
// makeonly_exchange_name matches maker.
func New(cfg *config.Config, maker types.VenueKind, funding fundingReader, ticks tickReader, writer thresholdWriter, logger *slog.Logger) *Engine {
	e := &Engine{
		funding: funding,
		ticks:   ticks,
		writer:  writer,
		logger:  logger.With("component", "threshold", "maker", string(maker)),
	}

	for _, sc := range cfg.Symbols {
		if !strings.EqualFold(sc.MakeonlyExchangeName, string(maker)) {
			continue
		}
		e.symbols = append(e.symbols, &symbolEntry{
			name:        sc.SymbolName,
			maker:       maker,
			taker:       maker.OtherVenue(),
			longSeed:    directionalFromConfig(sc.LongThresholdData),
			shortSeed:   directionalFromConfig(sc.ShortThresholdData),
			spread:      NewSpreadWindow(spreadWindowDuration),
			lastTickID:  "$",
			streamKey:   cfg.Redis.OrderbookStream,
			streamCount: 500,
		})
	}
	return e
}

func directionalFromConfig(t config.ThresholdData) types.DirectionalThresholds {
	return types.DirectionalThresholds{
		IncreasePositionThreshold:       decimal.NewFromFloat(t.IncreasePositionThreshold),
		DecreasePositionThreshold:       decimal.NewFromFloat(t.DecreasePositionThreshold),
		CancelIncreasePositionThreshold: decimal.NewFromFloat(t.CancelIncreasePositionThreshold),
		CancelDecreasePositionThreshold: decimal.NewFromFloat(t.CancelDecreasePositionThreshold),
	}
}

// Run refreshes every configured symbol on refreshInterval until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	e.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshAll(ctx)
		}
	}
}

func (e *Engine) refreshAll(ctx context.Context) {
	for _, sym := range e.symbols {
		e.absorbTicks(ctx, sym)
		th := e.compute(ctx, sym)
		if err := e.writer.SetThresholds(ctx, sym.maker, sym.name, th); err != nil {
			e.logger.Error("publish thresholds failed", "symbol", sym.name, "error", err)
		}
	}
}

// absorbTicks feeds any new aggregated ticks since the last refresh into
// the symbol's rolling spread window.
func (e *Engine) absorbTicks(ctx context.Context, sym *symbolEntry) {
	entries, err := e.ticks.ReadTicksAfter(ctx, sym.streamKey, sym.lastTickID, sym.streamCount, 0)
	if err != nil {
		e.logger.Error("read ticks failed", "symbol", sym.name, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.Tick.Symbol != sym.name {
			continue
		}
		sym.spread.Add(entry.Tick, sym.maker, sym.taker)
		sym.lastTickID = entry.ID
	}
}

// compute derives the published Thresholds for one symbol: seed, funding
// adjustment, then widen-only statistical enrichment.
func (e *Engine) compute(ctx context.Context, sym *symbolEntry) types.Thresholds {
	long := sym.longSeed
	short := sym.shortSeed

	if shift, ok := e.fundingShift(ctx, sym); ok {
		if shift.GreaterThan(decimal.Zero) {
			long = applyFundingShift(long, shift, true)
		} else if shift.LessThan(decimal.Zero) {
			short = applyFundingShift(short, shift, false)
		}
	}

	if stats, ok := sym.spread.Stats(); ok {
		long = applySpreadEnrichment(long, stats, true)
		short = applySpreadEnrichment(short, stats, false)
	}

	return types.Thresholds{Long: long, Short: short}
}

// fundingShift reads both venues' funding snapshots and, if they're in the
// same settlement window, returns maker_rate − taker_rate scaled by the
// time-to-next-funding weight and clamped to ±maxFundingShift.
func (e *Engine) fundingShift(ctx context.Context, sym *symbolEntry) (decimal.Decimal, bool) {
	makerSnap, ok, err := e.funding.GetFunding(ctx, sym.maker, sym.name)
	if err != nil || !ok {
		return decimal.Zero, false
	}
	takerSnap, ok, err := e.funding.GetFunding(ctx, sym.taker, sym.name)
	if err != nil || !ok {
		return decimal.Zero, false
	}
	if !sameFundingWindow(makerSnap.TsMs, takerSnap.TsMs) {
		return decimal.Zero, false
	}

	delta := makerSnap.Rate.Sub(takerSnap.Rate)
	weight := fundingWeight(time.Until(time.UnixMilli(makerSnap.TsMs)))
	if weight == 0 {
		return decimal.Zero, false
	}

	shift := delta.Mul(decimal.NewFromFloat(weight))
	bound := decimal.NewFromFloat(maxFundingShift)
	if shift.GreaterThan(bound) {
		shift = bound
	} else if shift.LessThan(bound.Neg()) {
		shift = bound.Neg()
	}
	return shift, true
}

func sameFundingWindow(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Millisecond <= fundingWindowTolerance
}

// fundingWeight implements spec.md §4.4 item 2's piecewise schedule: zero
// until T-4h, then 0.25/0.5/0.75/1.0 stepping in at T-4h, T-3h, T-2h, T-1h.
func fundingWeight(timeToFunding time.Duration) float64 {
	switch {
	case timeToFunding > 4*time.Hour:
		return 0
	case timeToFunding > 3*time.Hour:
		return 0.25
	case timeToFunding > 2*time.Hour:
		return 0.5
	case timeToFunding > 1*time.Hour:
		return 0.75
	default:
		return 1.0
	}
}

// applyFundingShift shifts a direction's increase line by shift and
// recomputes the cancel lines via the configured interpolation ratios,
// which keeps the ordering invariant true by construction.
func applyFundingShift(t types.DirectionalThresholds, shift decimal.Decimal, long bool) types.DirectionalThresholds {
	t.IncreasePositionThreshold = t.IncreasePositionThreshold.Sub(shift)
	return recomputeCancelLines(t)
}

func recomputeCancelLines(t types.DirectionalThresholds) types.DirectionalThresholds {
	span := t.IncreasePositionThreshold.Sub(t.DecreasePositionThreshold)
	t.CancelIncreasePositionThreshold = t.DecreasePositionThreshold.Add(span.Mul(decimal.NewFromFloat(defaultCancelIncreaseRatio)))
	t.CancelDecreasePositionThreshold = t.DecreasePositionThreshold.Add(span.Mul(decimal.NewFromFloat(defaultCancelDecreaseRatio)))
	return t
}

// applySpreadEnrichment proposes increase/decrease lines from the rolling
// spread statistic and widens the configured lines only if the proposal is
// more conservative.
func applySpreadEnrichment(t types.DirectionalThresholds, stats SpreadStats, long bool) types.DirectionalThresholds {
	mean, stdDev := stats.AskMean, stats.AskStdDev
	if long {
		mean, stdDev = stats.BidMean, stats.BidStdDev
	}

	proposedIncrease := decimal.NewFromFloat(mean - kIncrease*stdDev)
	proposedDecrease := decimal.NewFromFloat(mean - kDecrease*stdDev)
	if !long {
		proposedIncrease = decimal.NewFromFloat(mean + kIncrease*stdDev)
		proposedDecrease = decimal.NewFromFloat(mean + kDecrease*stdDev)
	}

	t.IncreasePositionThreshold = widenOnly(t.IncreasePositionThreshold, proposedIncrease, long)
	t.DecreasePositionThreshold = widenOnly(t.DecreasePositionThreshold, proposedDecrease, long)
	return recomputeCancelLines(t)
}
