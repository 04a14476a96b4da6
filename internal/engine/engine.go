// Package engine is the central orchestrator of the arbitrage bot.
//
// It wires together every subsystem:
//
//  1. Two venue adapters (internal/venue) drive REST calls and WebSocket
//     feeds for venue A and venue B.
//  2. Market Data Fanout mirrors each venue's depth-5 book into the store;
//     the Aggregator composes both sides into the AggregatedTick stream.
//  3. The Threshold Engine republishes each symbol's entry/exit levels;
//     the Signal Generator watches the tick stream and the thresholds to
//     emit OrderSignals; the Dispatcher admits them and hands off to the
//     Signal Dealer, which runs each deal's state machine to completion.
//  4. The Position Aligner reconciles residual imbalance on a fixed
//     cadence, independent of the signal path.
//  5. Balance, position, and funding trackers keep the store's cached
//     venue state fresh; the Health Monitor derives the process-wide
//     order_mode from venue reachability; the order-status stream drains
//     private fill/cancel events into the store.
//  6. A read-only HTTP API exposes the process's current state.
//
// Lifecycle: New() → Start() → [runs until canceled] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/aggregator"
	"github.com/crossbook/arbengine/internal/align"
	"github.com/crossbook/arbengine/internal/api"
	"github.com/crossbook/arbengine/internal/audit"
	"github.com/crossbook/arbengine/internal/balance"
	"github.com/crossbook/arbengine/internal/config"
	"github.com/crossbook/arbengine/internal/dealer"
	"github.com/crossbook/arbengine/internal/dispatch"
	"github.com/crossbook/arbengine/internal/funding"
	"github.com/crossbook/arbengine/internal/health"
	"github.com/crossbook/arbengine/internal/marketdata"
	"github.com/crossbook/arbengine/internal/orderstatus"
	"github.com/crossbook/arbengine/internal/position"
	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/signal"
	"github.com/crossbook/arbengine/internal/store"
	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/internal/threshold"
	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

var allVenues = [2]types.VenueKind{types.VenueA, types.VenueB}

// Engine orchestrates every component of the arbitrage system. It owns the
// lifecycle of all goroutines via a single context/WaitGroup pair.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *symbol.Registry
	store    *store.Store
	audit    *audit.Logger
	adapters map[types.VenueKind]venue.Adapter

	health    *health.Monitor
	balances  *balance.Refresher
	positions *position.Tracker
	fundings  *funding.Tracker
	orders    *orderstatus.Manager

	fanouts     map[types.VenueKind]*marketdata.Fanout
	aggregators []*aggregator.Worker
	thresholds  []*threshold.Engine
	generator   *signal.Generator
	dispatcher  *dispatch.Dispatcher
	aligner     *align.Aligner

	apiServer *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component from cfg. It does not start any goroutines;
// call Start for that.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	reg, err := symbol.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build symbol registry: %w", err)
	}

	st, err := store.Open(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	auditLog, err := audit.Open(cfg.OutputData.OrderLoop)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	adapters, err := buildAdapters(cfg, reg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	adapterList := []venue.Adapter{adapters[types.VenueA], adapters[types.VenueB]}

	canonical := reg.All()
	configs := symbolConfigs(cfg)
	minQty := crossVenueMinQty(reg, canonical, logger)

	positionSymbols := map[types.VenueKind][]string{
		types.VenueA: canonical,
		types.VenueB: canonical,
	}

	healthMon := health.New(adapterList, types.OrderMode(cfg.OrderMode), logger)
	balanceRefresher := balance.New(adapterList, st, logger)
	positionTracker := position.New(adapterList, st, positionSymbols, logger)
	fundingTracker := funding.New(adapterList, st, canonical, logger)
	orderMgr := orderstatus.New(adapterList, st, logger)

	fanouts := make(map[types.VenueKind]*marketdata.Fanout, 2)
	for _, v := range allVenues {
		fanouts[v] = marketdata.New(v, adapters[v].MarketDataFeed(), st, nativeToCanonical(reg, canonical, v), logger)
	}

	aggWorkers := make([]*aggregator.Worker, 0, len(canonical)*2)
	for _, sym := range canonical {
		for _, v := range allVenues {
			aggWorkers = append(aggWorkers, aggregator.New(sym, v, st, cfg.Redis.OrderbookStream, cfg.Redis.OrderbookStreamSize, logger))
		}
	}

	thresholdEngines := make([]*threshold.Engine, 0, 2)
	for _, v := range allVenues {
		thresholdEngines = append(thresholdEngines, threshold.New(cfg, v, st, st, st, logger))
	}

	gen := signal.New(cfg, reg, st, st, st, st, logger)

	dlr := dealer.New(adapters, st, st, st, reg, auditLog, configs, minQty, logger)

	dsp := dispatch.New(healthMon, st, st, reg, dlr, auditLog, dispatchLimits(configs), logger)

	aligner := align.New(st, st, reg, adapters, canonical, configs, minQty, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(fmt.Sprintf(":%d", cfg.Dashboard.Port), st, reg, st, healthMon, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		registry:    reg,
		store:       st,
		audit:       auditLog,
		adapters:    adapters,
		health:      healthMon,
		balances:    balanceRefresher,
		positions:   positionTracker,
		fundings:    fundingTracker,
		orders:      orderMgr,
		fanouts:     fanouts,
		aggregators: aggWorkers,
		thresholds:  thresholdEngines,
		generator:   gen,
		dispatcher:  dsp,
		aligner:     aligner,
		apiServer:   apiServer,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// buildAdapters constructs both venues' adapters from cfg.Exchanges["a"]
// and cfg.Exchanges["b"].
func buildAdapters(cfg *config.Config, reg *symbol.Registry, logger *slog.Logger) (map[types.VenueKind]venue.Adapter, error) {
	ecA, ok := cfg.Exchanges["a"]
	if !ok {
		return nil, fmt.Errorf("exchanges: missing venue-a configuration")
	}
	ecB, ok := cfg.Exchanges["b"]
	if !ok {
		return nil, fmt.Errorf("exchanges: missing venue-b configuration")
	}

	authA := venue.NewAuth(ecA.APIKey, ecA.Secret, ecA.Password)
	authB := venue.NewAuth(ecB.APIKey, ecB.Secret, ecB.Password)

	return map[types.VenueKind]venue.Adapter{
		types.VenueA: venue.NewVenueA(ecA.BaseURL, ecA.WSMarketURL, ecA.WSUserURL, authA, reg, logger),
		types.VenueB: venue.NewVenueB(ecB.BaseURL, ecB.WSMarketURL, ecB.WSUserURL, authB, reg, logger),
	}, nil
}

// symbolConfigs indexes cfg.Symbols by canonical name.
func symbolConfigs(cfg *config.Config) map[string]config.SymbolConfig {
	out := make(map[string]config.SymbolConfig, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		out[sc.SymbolName] = sc
	}
	return out
}

// crossVenueMinQty computes, per canonical symbol, the larger of the two
// venues' minimum placeable increment: the smallest quantity both venues
// can independently express.
func crossVenueMinQty(reg *symbol.Registry, canonical []string, logger *slog.Logger) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(canonical))
	for _, sym := range canonical {
		minA, errA := reg.MinUnit(sym, types.VenueA)
		minB, errB := reg.MinUnit(sym, types.VenueB)
		if errA != nil || errB != nil {
			logger.Error("min unit lookup failed building cross-venue minimum", "symbol", sym, "errA", errA, "errB", errB)
			continue
		}
		if minA.GreaterThan(minB) {
			out[sym] = minA
		} else {
			out[sym] = minB
		}
	}
	return out
}

// nativeToCanonical builds the venue-native-symbol → canonical-symbol map
// the market data fanout needs to translate incoming book snapshots, since
// the raw WebSocket feed reports each venue's own instrument name.
func nativeToCanonical(reg *symbol.Registry, canonical []string, v types.VenueKind) map[string]string {
	out := make(map[string]string, len(canonical))
	for _, sym := range canonical {
		s, ok := reg.Lookup(sym)
		if !ok {
			continue
		}
		vs, ok := s.Venue(v)
		if !ok {
			continue
		}
		out[vs.NativeName] = sym
	}
	return out
}

// nativeSymbols returns the venue-native instrument names to subscribe the
// market data feed to.
func nativeSymbols(reg *symbol.Registry, canonical []string, v types.VenueKind) []string {
	out := make([]string, 0, len(canonical))
	for _, sym := range canonical {
		s, ok := reg.Lookup(sym)
		if !ok {
			continue
		}
		vs, ok := s.Venue(v)
		if !ok {
			continue
		}
		out = append(out, vs.NativeName)
	}
	return out
}

// dispatchLimits converts each symbol's configured notional/margin caps
// into dispatch.Limits.
func dispatchLimits(configs map[string]config.SymbolConfig) map[string]dispatch.Limits {
	out := make(map[string]dispatch.Limits, len(configs))
	for name, sc := range configs {
		out[name] = dispatch.Limits{
			MaxNotionalPerOrder:  decimal.NewFromFloat(sc.MaxNotionalPerOrder),
			MaxNotionalPerSymbol: decimal.NewFromFloat(sc.MaxNotionalPerSymbol),
			MaxUsedMargin:        decimal.NewFromFloat(sc.MaxUsedMargin),
		}
	}
	return out
}

// Start clears the processing-lock set left by any previous run, configures
// per-symbol leverage/margin mode on both venues, then launches every
// background goroutine. It returns once startup configuration is attempted;
// ongoing work continues in the background until Stop is called.
func (e *Engine) Start() error {
	if err := e.store.ClearAllLocks(e.ctx); err != nil {
		e.logger.Error("clear processing locks failed", "error", err)
	}
	e.configureVenues(e.ctx)

	e.spawn("health", e.health.Run)
	e.spawn("balance", e.balances.Run)
	e.spawn("position", e.positions.Run)
	e.spawn("funding", e.fundings.Run)
	e.spawn("orderstatus", e.orders.Run)
	e.spawn("aligner", e.aligner.Run)

	for v, fanout := range e.fanouts {
		symbols := nativeSymbols(e.registry, e.registry.All(), v)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := fanout.Run(e.ctx, symbols); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market data fanout exited", "venue", string(v), "error", err)
			}
		}()
	}

	for _, w := range e.aggregators {
		e.spawn("aggregator", w.Run)
	}
	for _, th := range e.thresholds {
		e.spawn("threshold", th.Run)
	}

	e.spawn("generator", e.generator.Run)
	e.spawn("dispatch-loop", e.runDispatchLoop)

	if e.apiServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.apiServer.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("api server exited", "error", err)
			}
		}()
	}

	e.logger.Info("engine started", "symbols", len(e.registry.All()))
	return nil
}

// spawn runs fn in its own tracked goroutine for the life of the engine.
func (e *Engine) spawn(name string, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
		e.logger.Debug("worker exited", "worker", name)
	}()
}

// configureVenues sets leverage and margin mode for every configured
// symbol on both venues once at startup (spec.md §4.1).
func (e *Engine) configureVenues(ctx context.Context) {
	for sym, sc := range symbolConfigs(e.cfg) {
		for v, adapter := range e.adapters {
			if err := retry.Do(ctx, retry.Fetch, func() error {
				return adapter.SetMarginMode(ctx, sym)
			}, nil); err != nil {
				e.logger.Error("set margin mode failed", "venue", string(v), "symbol", sym, "error", err)
			}
			leverage := sc.SymbolLeverage
			if err := retry.Do(ctx, retry.Fetch, func() error {
				return adapter.SetLeverage(ctx, sym, leverage)
			}, nil); err != nil {
				e.logger.Error("set leverage failed", "venue", string(v), "symbol", sym, "leverage", leverage, "error", err)
			}
		}
	}
}

// runDispatchLoop feeds every signal the generator emits into the
// dispatcher's admission gate, dropping new signals while the order-event
// stream isn't ready on both venues yet (spec.md §4.9).
func (e *Engine) runDispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-e.generator.Signals():
			if !ok {
				return
			}
			if !e.orders.Ready() {
				e.logger.Debug("order event stream not ready, dropping signal", "symbol", sig.Symbol)
				continue
			}
			e.dispatcher.Dispatch(ctx, sig)
		}
	}
}

// Stop cancels every background goroutine, waits for them to exit, and
// closes owned resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if err := e.audit.Close(); err != nil {
		e.logger.Error("close audit log failed", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("close store failed", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// Stopped returns a channel closed once the engine's context is canceled,
// for callers that need to observe shutdown without calling Stop directly.
func (e *Engine) Stopped() <-chan struct{} {
	return e.ctx.Done()
}
