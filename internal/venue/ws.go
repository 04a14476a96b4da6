// ws.go implements the two WebSocket feeds spec.md §4.1 and §4.2 require:
// a public depth-5 order-book feed and a private user-order-event feed.
// Both auto-reconnect with exponential backoff and re-subscribe to all
// tracked symbols on reconnect (spec.md §4.2: "tear down, sleep ~2s,
// reconnect").
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

const (
	reconnectSleep   = 2 * time.Second
	maxReconnectWait = 30 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 20 * time.Second
	bookBufferSize   = 256
	orderBufferSize  = 64
)

// ConnState is a feed's position in the DISCONNECTED -> CONNECTING ->
// CONNECTED -> DISCONNECTING state machine spec.md §4.9 names.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// feedConn is the shared connection-lifecycle plumbing both feeds use:
// dial, subscribe, ping, read-with-deadline, reconnect-on-error.
type feedConn struct {
	url    string
	venue  types.VenueKind
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	state  atomic.Int32

	subscribedMu sync.RWMutex
	subscribed   map[string]bool
}

func newFeedConn(url string, venue types.VenueKind, logger *slog.Logger) feedConn {
	return feedConn{url: url, venue: venue, logger: logger, subscribed: make(map[string]bool)}
}

// Status returns the feed's current connection state.
func (f *feedConn) Status() ConnState {
	return ConnState(f.state.Load())
}

func (f *feedConn) setState(s ConnState) {
	f.state.Store(int32(s))
}

func (f *feedConn) addSubscription(symbols []string) {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()
}

func (f *feedConn) removeSubscription(symbols []string) {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()
}

func (f *feedConn) subscriptionList() []string {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	out := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		out = append(out, s)
	}
	return out
}

func (f *feedConn) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *feedConn) close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// dialAndRun dials, invokes onConnect to send the initial subscription,
// runs a ping loop, and calls onMessage for every frame until the read
// deadline trips or the connection errors. Loops with exponential backoff
// (capped, per spec.md §4.2's ~2s reconnect) until ctx is canceled.
func (f *feedConn) dialAndRun(ctx context.Context, onConnect func() error, onMessage func([]byte)) error {
	backoff := reconnectSleep
	for {
		err := f.connectAndRead(ctx, onConnect, onMessage)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *feedConn) connectAndRead(ctx context.Context, onConnect func() error, onMessage func([]byte)) error {
	f.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.setState(StateDisconnecting)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
		f.setState(StateDisconnected)
	}()

	if err := onConnect(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.setState(StateConnected)
	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		onMessage(msg)
	}
}

func (f *feedConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"op": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// MarketFeed — public depth-5 order book stream
// ————————————————————————————————————————————————————————————————————————

// MarketFeed streams depth-5 order-book snapshots for subscribed symbols.
type MarketFeed struct {
	feedConn
	registry *symbol.Registry
	bookCh   chan types.OrderBookSnapshot
}

// NewMarketFeed creates a market-data feed for one venue.
func NewMarketFeed(url string, venue types.VenueKind, reg *symbol.Registry, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		feedConn: newFeedConn(url, venue, logger.With("feed", "market")),
		registry: reg,
		bookCh:   make(chan types.OrderBookSnapshot, bookBufferSize),
	}
}

// Snapshots returns the read-only channel of normalized book snapshots.
func (f *MarketFeed) Snapshots() <-chan types.OrderBookSnapshot { return f.bookCh }

// Subscribe adds native symbols to the depth-5 subscription, re-sending
// the full subscription list so a mid-session add takes effect immediately.
func (f *MarketFeed) Subscribe(symbols []string) error {
	f.addSubscription(symbols)
	return f.writeJSON(map[string]interface{}{"op": "subscribe", "args": symbolsToBookChannels(symbols)})
}

func symbolsToBookChannels(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = "books5:" + s
	}
	return out
}

// Run dials and maintains the connection until ctx is canceled.
func (f *MarketFeed) Run(ctx context.Context) error {
	return f.dialAndRun(ctx,
		func() error {
			if len(f.subscriptionList()) == 0 {
				return nil
			}
			return f.writeJSON(map[string]interface{}{"op": "subscribe", "args": symbolsToBookChannels(f.subscriptionList())})
		},
		f.dispatch,
	)
}

type wireBookMessage struct {
	Symbol string          `json:"symbol"`
	TsMs   int64           `json:"ts"`
	Bids   [][2]json.Number `json:"bids"`
	Asks   [][2]json.Number `json:"asks"`
}

func (f *MarketFeed) dispatch(data []byte) {
	var msg wireBookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-book ws message", "error", err)
		return
	}
	if msg.Symbol == "" {
		return
	}

	_, vs, ok := f.registry.ReverseLookup(f.venue, msg.Symbol)
	if !ok {
		f.logger.Warn("dropping book snapshot for unregistered symbol", "symbol", msg.Symbol)
		return
	}

	snap := types.OrderBookSnapshot{
		Venue:  f.venue,
		Symbol: msg.Symbol,
		TsMs:   msg.TsMs,
		Bids:   scaleLevels(levelsFromWire(msg.Bids), vs),
		Asks:   scaleLevels(levelsFromWire(msg.Asks), vs),
	}

	select {
	case f.bookCh <- snap:
	default:
		f.logger.Warn("book channel full, dropping snapshot", "symbol", msg.Symbol)
	}
}

func levelsFromWire(raw [][2]json.Number) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err := decimal.NewFromString(lvl[0].String())
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lvl[1].String())
		if err != nil {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Qty: qty})
	}
	return out
}

// scaleLevels converts wire-native price levels to canonical units: price
// divided by multiplier, quantity scaled up to raw contract count × bag
// size, per spec.md §3.
func scaleLevels(levels []types.PriceLevel, vs types.VenueSymbol) []types.PriceLevel {
	bagSize := vs.BagSize()
	out := make([]types.PriceLevel, len(levels))
	for i, lvl := range levels {
		out[i] = types.PriceLevel{
			Price: lvl.Price.Div(vs.Multiplier),
			Qty:   lvl.Qty.Mul(bagSize),
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// UserFeed — private order-lifecycle event stream
// ————————————————————————————————————————————————————————————————————————

// UserFeed streams private order-lifecycle events. venue-B requires a
// listen-key handshake before connecting (CreateListenKey); venue-A
// authenticates on the socket directly.
type UserFeed struct {
	feedConn
	auth      *Auth
	registry  *symbol.Registry
	orderCh   chan types.OrderRecord
	listenKey string
}

// NewUserFeed creates a user-order feed for one venue.
func NewUserFeed(url string, venue types.VenueKind, auth *Auth, reg *symbol.Registry, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		feedConn: newFeedConn(url, venue, logger.With("feed", "user")),
		auth:     auth,
		registry: reg,
		orderCh:  make(chan types.OrderRecord, orderBufferSize),
	}
}

// OrderEvents returns the read-only channel of normalized order events.
func (f *UserFeed) OrderEvents() <-chan types.OrderRecord { return f.orderCh }

// SetListenKey installs a listen key obtained out-of-band (venue-B's
// listen-key handshake, refreshed periodically by the caller).
func (f *UserFeed) SetListenKey(key string) {
	f.listenKey = key
}

// Run dials and maintains the authenticated connection until ctx is
// canceled.
func (f *UserFeed) Run(ctx context.Context) error {
	return f.dialAndRun(ctx, f.authenticate, f.dispatch)
}

func (f *UserFeed) authenticate() error {
	headers, err := f.auth.Headers("GET", "/ws/auth", "")
	if err != nil {
		return err
	}
	return f.writeJSON(map[string]interface{}{
		"op":         "login",
		"api_key":    headers["API-KEY"],
		"sign":       headers["API-SIGN"],
		"timestamp":  headers["API-TIMESTAMP"],
		"listen_key": f.listenKey,
	})
}

type wireOrderEvent struct {
	ID            string `json:"orderId"`
	ClientID      string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	Average       string `json:"average"`
	Amount        string `json:"amount"`
	Filled        string `json:"filled"`
	Cost          string `json:"cost"`
	Timestamp     int64  `json:"ts"`
	LastTradeTsMs int64  `json:"lastTradeTs"`
}

func (f *UserFeed) dispatch(data []byte) {
	var evt wireOrderEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Debug("ignoring non-order ws message", "error", err)
		return
	}
	if evt.ID == "" {
		return
	}

	canonical, bagSize, multiplier := evt.Symbol, decimal.NewFromInt(1), decimal.NewFromInt(1)
	if name, vs, ok := f.registry.ReverseLookup(f.venue, evt.Symbol); ok {
		canonical = name
		bagSize = vs.BagSize()
		multiplier = vs.Multiplier
	}

	rec := decodeUnifiedOrderUnits(f.venue, canonical, unifiedOrder{
		ID: evt.ID, ClientID: evt.ClientID, Symbol: evt.Symbol, Type: evt.Type, Side: evt.Side,
		Status: evt.Status, Price: evt.Price, Average: evt.Average, Amount: evt.Amount,
		Filled: evt.Filled, Cost: evt.Cost, Timestamp: evt.Timestamp, LastTradeTs: evt.LastTradeTsMs,
	}, bagSize, multiplier)

	select {
	case f.orderCh <- rec:
	default:
		f.logger.Warn("order channel full, dropping event", "id", rec.ID)
	}
}

// Close closes the underlying connection, used on shutdown.
func (f *MarketFeed) Close() error { return f.feedConn.close() }
func (f *UserFeed) Close() error   { return f.feedConn.close() }
