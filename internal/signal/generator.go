// Package signal consumes the aggregated order-book stream and, for each
// symbol's configured maker venue, emits at most one OrderSignal per batch
// when the maker/taker price gap crosses the published thresholds (spec.md
// §4.5).
package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/store"
	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

const (
	batchSize   = 200
	blockWait   = 2 * time.Second
	positionTTL = 1 * time.Second
)

// positionReader is the subset of *store.Store this package needs to read
// cached position status.
type positionReader interface {
	GetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string) (types.PositionStatus, bool, error)
}

// thresholdReader is the subset of *store.Store this package needs to read
// published thresholds.
type thresholdReader interface {
	GetThresholds(ctx context.Context, venue types.VenueKind, symbol string) (types.Thresholds, bool, error)
}

// lockChecker is the subset of *store.Store this package needs for the
// read-only processing-set pre-check.
type lockChecker interface {
	IsLocked(ctx context.Context, venue types.VenueKind, symbol string) (bool, error)
}

// tickReader is the subset of *store.Store this package needs to consume
// the aggregated-tick stream.
type tickReader interface {
	ReadTicksAfter(ctx context.Context, streamKey, lastID string, count int64, block time.Duration) ([]store.StreamEntry, error)
}

// symbolEntry is one configured symbol's maker/taker venue assignment.
type symbolEntry struct {
	name  string
	maker types.VenueKind
	taker types.VenueKind
}

// Generator consumes orderbook_stream and emits OrderSignals on outCh.
type Generator struct {
	streamKey  string
	ticks      tickReader
	positions  *positionCache
	thresholds thresholdReader
	locks      lockChecker
	registry   *symbol.Registry
	symbols    map[string]symbolEntry
	lastID     string
	outCh      chan types.OrderSignal
	logger     *slog.Logger
}

// New builds a Generator over every configured symbol.
func New(cfg *config.Config, reg *symbol.Registry, ticks tickReader, positions positionReader, thresholds thresholdReader, locks lockChecker, logger *slog.Logger) *Generator {
	symbols := make(map[string]symbolEntry, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		maker := types.VenueA
		if sc.MakeonlyExchangeName == "b" {
			maker = types.VenueB
		}
		symbols[sc.SymbolName] = symbolEntry{name: sc.SymbolName, maker: maker, taker: maker.OtherVenue()}
	}
	return &Generator{
		streamKey:  cfg.Redis.OrderbookStream,
		ticks:      ticks,
		positions:  newPositionCache(positions, positionTTL),
		thresholds: thresholds,
		locks:      locks,
		registry:   reg,
		symbols:    symbols,
		lastID:     "$",
		outCh:      make(chan types.OrderSignal, 64),
		logger:     logger.With("component", "signal"),
	}
}

// Signals returns the channel new OrderSignals are emitted on.
func (g *Generator) Signals() <-chan types.OrderSignal {
	return g.outCh
}

// Run blocks, reading batches from the aggregated-tick stream and emitting
// signals, until ctx is canceled.
func (g *Generator) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := g.ticks.ReadTicksAfter(ctx, g.streamKey, g.lastID, batchSize, blockWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Error("read ticks failed", "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		g.lastID = entries[len(entries)-1].ID
		g.processBatch(ctx, entries)
	}
}

// processBatch walks entries in reverse (newest first) so the newest tick
// wins per symbol, emitting at most one signal per symbol per batch.
func (g *Generator) processBatch(ctx context.Context, entries []store.StreamEntry) {
	processed := make(map[string]bool, len(g.symbols))
	for i := len(entries) - 1; i >= 0; i-- {
		tick := entries[i].Tick
		if processed[tick.Symbol] {
			continue
		}
		sym, ok := g.symbols[tick.Symbol]
		if !ok {
			continue
		}
		processed[tick.Symbol] = true

		if locked, err := g.locks.IsLocked(ctx, sym.maker, tick.Symbol); err != nil {
			g.logger.Error("check processing lock failed", "symbol", tick.Symbol, "error", err)
			continue
		} else if locked {
			continue
		}

		if sig, ok := g.evaluate(ctx, sym, tick); ok {
			select {
			case g.outCh <- sig:
			case <-ctx.Done():
				return
			}
		}
	}
}

// evaluate reproduces the original's get_signal_from_orderbooks: choose
// reduce-vs-open thresholds from the maker's current position, then test
// the high side (maker sells) and low side (maker buys) in that order.
func (g *Generator) evaluate(ctx context.Context, sym symbolEntry, tick types.AggregatedTick) (types.OrderSignal, bool) {
	makerBook, ok := tick.PerVenue[sym.maker]
	if !ok {
		return types.OrderSignal{}, false
	}
	takerBook, ok := tick.PerVenue[sym.taker]
	if !ok {
		return types.OrderSignal{}, false
	}

	th, ok, err := g.thresholds.GetThresholds(ctx, sym.maker, tick.Symbol)
	if err != nil || !ok {
		return types.OrderSignal{}, false
	}

	symDef, ok := g.registry.Lookup(tick.Symbol)
	if !ok {
		return types.OrderSignal{}, false
	}

	pos, havePos := g.positions.Get(ctx, sym.maker, tick.Symbol)

	highThreshold := th.Short.IncreasePositionThreshold
	highCancel := th.Short.CancelIncreasePositionThreshold
	lowThreshold := th.Long.IncreasePositionThreshold
	lowCancel := th.Long.CancelIncreasePositionThreshold

	var positionQty *decimal.Decimal
	isReduceHigh, isReduceLow := false, false
	if havePos && pos.Qty.GreaterThan(symDef.MinQty) {
		q := pos.Qty
		positionQty = &q
		switch pos.Direction {
		case types.DirectionLong:
			highThreshold = th.Long.DecreasePositionThreshold
			highCancel = th.Long.CancelDecreasePositionThreshold
			isReduceHigh = true
		case types.DirectionShort:
			lowThreshold = th.Short.DecreasePositionThreshold
			lowCancel = th.Short.CancelDecreasePositionThreshold
			isReduceLow = true
		}
	}

	makerAsk, okMA := makerBook.BestAsk()
	takerAsk, okTA := takerBook.BestAsk()
	if okMA && okTA && !takerAsk.Price.IsZero() {
		limit := takerAsk.Price.Mul(decimal.NewFromInt(1).Add(highThreshold))
		if makerAsk.Price.GreaterThan(limit) {
			qty := takerAsk.Qty
			if positionQty != nil && qty.GreaterThan(*positionQty) {
				qty = *positionQty
			}
			var makerPos *types.PositionStatus
			if havePos {
				makerPos = &pos
			}
			return types.OrderSignal{
				Symbol:               tick.Symbol,
				MakerVenue:           sym.maker,
				MakerSide:            types.SideSell,
				MakerPrice:           makerAsk.Price,
				MakerQty:             qty,
				TakerVenue:           sym.taker,
				TakerSide:            types.SideBuy,
				TakerPrice:           takerAsk.Price,
				OrderbookTsMs:        makerBook.TsMs,
				CancelOrderThreshold: highCancel,
				MakerPosition:        makerPos,
				IsReducePosition:     isReduceHigh && positionQty != nil,
			}, true
		}
	}

	makerBid, okMB := makerBook.BestBid()
	takerBid, okTB := takerBook.BestBid()
	if okMB && okTB && !takerBid.Price.IsZero() {
		limit := takerBid.Price.Mul(decimal.NewFromInt(1).Add(lowThreshold))
		if makerBid.Price.LessThan(limit) {
			qty := takerBid.Qty
			if positionQty != nil && qty.GreaterThan(*positionQty) {
				qty = *positionQty
			}
			var makerPos *types.PositionStatus
			if havePos {
				makerPos = &pos
			}
			return types.OrderSignal{
				Symbol:               tick.Symbol,
				MakerVenue:           sym.maker,
				MakerSide:            types.SideBuy,
				MakerPrice:           makerBid.Price,
				MakerQty:             qty,
				TakerVenue:           sym.taker,
				TakerSide:            types.SideSell,
				TakerPrice:           takerBid.Price,
				OrderbookTsMs:        makerBook.TsMs,
				CancelOrderThreshold: lowCancel,
				MakerPosition:        makerPos,
				IsReducePosition:     isReduceLow && positionQty != nil,
			}, true
		}
	}

	return types.OrderSignal{}, false
}

// positionCache wraps positionReader with a short TTL so rapid ticks within
// the same second read one consistent position snapshot rather than
// racing the tracker's next poll (spec.md §4.5).
type positionCache struct {
	reader positionReader
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	pos      types.PositionStatus
	ok       bool
	expireAt time.Time
}

func newPositionCache(reader positionReader, ttl time.Duration) *positionCache {
	return &positionCache{reader: reader, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *positionCache) Get(ctx context.Context, venue types.VenueKind, sym string) (types.PositionStatus, bool) {
	key := string(venue) + ":" + sym
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expireAt) {
		c.mu.Unlock()
		return e.pos, e.ok
	}
	c.mu.Unlock()

	pos, ok, err := c.reader.GetPositionStatus(ctx, venue, sym)
	if err != nil {
		ok = false
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{pos: pos, ok: ok, expireAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return pos, ok
}
