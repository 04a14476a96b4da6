// Package types defines the shared data model for the arbitrage engine.
//
// This is the common vocabulary across every component — symbols, order
// book snapshots, positions, thresholds, signals, and order records. It has
// no dependencies on internal packages so any layer may import it.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// VenueKind identifies one of the two supported venue families.
type VenueKind string

const (
	VenueA VenueKind = "A"
	VenueB VenueKind = "B"
)

// OtherVenue returns the opposite venue kind, used throughout the dealer and
// aligner where "the other side" is computed constantly.
func (v VenueKind) OtherVenue() VenueKind {
	if v == VenueA {
		return VenueB
	}
	return VenueA
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes passive maker orders from aggressive taker orders.
type OrderType string

const (
	OrderTypePostOnly OrderType = "post_only"
	OrderTypeMarket   OrderType = "market"
)

// OrderStatus is the canonical lifecycle state of a venue order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further fills can arrive for this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// PositionDirection is long or short.
type PositionDirection string

const (
	DirectionLong  PositionDirection = "long"
	DirectionShort PositionDirection = "short"
)

// SignedQty returns qty with a sign applied according to direction: positive
// for long, negative for short. Used by the aligner to compute net delta.
func (d PositionDirection) SignedQty(qty decimal.Decimal) decimal.Decimal {
	if d == DirectionShort {
		return qty.Neg()
	}
	return qty
}

// OrderMode is the process-wide policy switch controlling which dealer
// classes may start.
type OrderMode string

const (
	ModeNormal     OrderMode = "normal"
	ModeReduceOnly OrderMode = "reduce_only"
	ModePending    OrderMode = "pending"
	ModeMaintain   OrderMode = "maintain"
)

// DealerState is the Signal Dealer's state machine state.
type DealerState string

const (
	DealerOpen      DealerState = "open"
	DealerFollowing DealerState = "following"
	DealerClear     DealerState = "clear"
	DealerDone      DealerState = "done"
	DealerRejected  DealerState = "rejected"
)

// WSState is the lifecycle of a venue websocket connection.
type WSState string

const (
	WSDisconnected  WSState = "disconnected"
	WSConnecting    WSState = "connecting"
	WSConnected     WSState = "connected"
	WSDisconnecting WSState = "disconnecting"
)

// SignalOutcomeStatus records why a signal did or didn't trade, for the
// audit log.
type SignalOutcomeStatus string

const (
	OutcomeCleared         SignalOutcomeStatus = "cleared"
	OutcomeRejected        SignalOutcomeStatus = "rejected"
	OutcomeSkippedByMode   SignalOutcomeStatus = "skipped_by_mode"
	OutcomeMakerOrderFailed SignalOutcomeStatus = "maker_order_failed"
)

// ————————————————————————————————————————————————————————————————————————
// Symbol Registry
// ————————————————————————————————————————————————————————————————————————

// VenueSymbol is one venue's view of a canonical symbol: its native
// instrument name and the scaling factor between native contract units and
// canonical base units.
type VenueSymbol struct {
	NativeName   string          `json:"native_name"`
	Multiplier   decimal.Decimal `json:"multiplier"`   // e.g. 1000 for "1000PEPEUSDT"
	ContractSize decimal.Decimal `json:"contract_size"` // native units per contract
	Precision    int32           `json:"precision"`    // decimal places for qty rounding
}

// BagSize is contract_size × multiplier: the canonical-unit size of one
// native contract.
func (vs VenueSymbol) BagSize() decimal.Decimal {
	return vs.ContractSize.Mul(vs.Multiplier)
}

// Symbol is the canonical cross-venue instrument definition, immutable after
// startup.
type Symbol struct {
	Canonical string                        `json:"canonical"` // e.g. "BNB/USDT"
	Venues    map[VenueKind]VenueSymbol      `json:"venues"`
	MinQty    decimal.Decimal               `json:"min_qty"`
}

// Venue looks up this symbol's venue-specific definition.
func (s Symbol) Venue(kind VenueKind) (VenueSymbol, bool) {
	vs, ok := s.Venues[kind]
	return vs, ok
}

// ————————————————————————————————————————————————————————————————————————
// Order book / aggregation
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one (price, qty) pair in a book side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// OrderBookSnapshot is a normalized depth-5 snapshot for one venue/symbol.
// Prices and quantities have already been converted to canonical units
// (venue-B prices divided by multiplier; quantities scaled by bag size).
type OrderBookSnapshot struct {
	Venue  VenueKind    `json:"venue"`
	Symbol string       `json:"symbol"`
	TsMs   int64        `json:"ts_ms"`
	Bids   []PriceLevel `json:"bids"` // best-first, descending
	Asks   []PriceLevel `json:"asks"` // best-first, ascending
}

// BestBid returns the top bid, or a zero-value with ok=false if empty.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, or a zero-value with ok=false if empty.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Equal reports whether two snapshots carry identical book contents
// (ignoring timestamp), used to suppress duplicate re-broadcasts.
func (s OrderBookSnapshot) Equal(other OrderBookSnapshot) bool {
	if len(s.Bids) != len(other.Bids) || len(s.Asks) != len(other.Asks) {
		return false
	}
	for i := range s.Bids {
		if !s.Bids[i].Price.Equal(other.Bids[i].Price) || !s.Bids[i].Qty.Equal(other.Bids[i].Qty) {
			return false
		}
	}
	for i := range s.Asks {
		if !s.Asks[i].Price.Equal(other.Asks[i].Price) || !s.Asks[i].Qty.Equal(other.Asks[i].Qty) {
			return false
		}
	}
	return true
}

// PerVenueBooks holds one snapshot per venue for a composite tick.
type PerVenueBooks map[VenueKind]OrderBookSnapshot

// AggregatedTick is the composite record the aggregator appends to the
// bounded orderbook stream.
type AggregatedTick struct {
	Symbol       string        `json:"symbol"`
	TsMs         int64         `json:"ts_ms"`
	TriggerVenue VenueKind     `json:"trigger_venue"`
	PerVenue     PerVenueBooks `json:"per_venue"`
}

// ————————————————————————————————————————————————————————————————————————
// Position / margin / funding
// ————————————————————————————————————————————————————————————————————————

// PositionStatus is a normalized, bag-size-adjusted position snapshot.
type PositionStatus struct {
	Direction PositionDirection `json:"direction"`
	Qty       decimal.Decimal   `json:"qty"` // always >= 0; sign carried by Direction
	AvgPrice  *decimal.Decimal  `json:"avg_price,omitempty"`
	MarkPrice *decimal.Decimal  `json:"mark_price,omitempty"`
}

// SignedQty returns the position's qty signed by direction (positive long,
// negative short). Flat positions (qty == 0) return zero regardless of
// direction.
func (p PositionStatus) SignedQty() decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.Direction.SignedQty(p.Qty)
}

// MarginInfo is one venue's margin account snapshot.
type MarginInfo struct {
	Venue VenueKind       `json:"venue"`
	Used  decimal.Decimal `json:"used"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}

// UsedRatio returns used/total, or zero if total is zero (avoids division
// panics when a venue reports an empty account).
func (m MarginInfo) UsedRatio() decimal.Decimal {
	if m.Total.IsZero() {
		return decimal.Zero
	}
	return m.Used.Div(m.Total)
}

// FundingSnapshot is one venue/symbol's current funding rate, with the delta
// vs the previous snapshot when timestamps align to the same funding window.
type FundingSnapshot struct {
	Venue VenueKind        `json:"venue"`
	Symbol string          `json:"symbol"`
	Rate  decimal.Decimal  `json:"rate"`
	TsMs  int64            `json:"ts_ms"`
	Delta *decimal.Decimal `json:"delta,omitempty"`
}

// ExchangeStatus is a venue health probe result.
type ExchangeStatus struct {
	Venue  VenueKind `json:"venue"`
	OK     bool      `json:"ok"`
	Status string    `json:"status"` // "ok" | "maintenance" | "error"
	Msg    string    `json:"msg,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Thresholds
// ————————————————————————————————————————————————————————————————————————

// DirectionalThresholds holds the four scalars for one direction (long or
// short) of one symbol/maker-venue.
//
// Invariant, long side: increase < cancel_increase < cancel_decrease <
// decrease <= 0. Short side mirrored and >= 0.
type DirectionalThresholds struct {
	IncreasePositionThreshold       decimal.Decimal `json:"increase_position_threshold"`
	DecreasePositionThreshold       decimal.Decimal `json:"decrease_position_threshold"`
	CancelIncreasePositionThreshold decimal.Decimal `json:"cancel_increase_position_threshold"`
	CancelDecreasePositionThreshold decimal.Decimal `json:"cancel_decrease_position_threshold"`
}

// Thresholds is the atomic blob published per (symbol, maker-venue).
type Thresholds struct {
	Long  DirectionalThresholds `json:"long"`
	Short DirectionalThresholds `json:"short"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals / orders
// ————————————————————————————————————————————————————————————————————————

// OrderSignal is a transient arbitrage opportunity, owned by exactly one
// Signal Dealer for the lifetime of its (maker_venue, symbol) lock.
type OrderSignal struct {
	Symbol             string          `json:"symbol"`
	MakerVenue         VenueKind       `json:"maker_venue"`
	MakerSide          OrderSide       `json:"maker_side"`
	MakerPrice         decimal.Decimal `json:"maker_price"`
	MakerQty           decimal.Decimal `json:"maker_qty"`
	TakerVenue         VenueKind       `json:"taker_venue"`
	TakerSide          OrderSide       `json:"taker_side"`
	TakerPrice         decimal.Decimal `json:"taker_price"`
	OrderbookTsMs      int64           `json:"orderbook_ts_ms"`
	CancelOrderThreshold decimal.Decimal `json:"cancel_order_threshold"`
	MakerPosition      *PositionStatus `json:"maker_position,omitempty"`
	IsReducePosition   bool            `json:"is_reduce_position"`
}

// OrderRecord is the canonical, venue-normalized view of a placed order.
type OrderRecord struct {
	Venue       VenueKind        `json:"venue"`
	ID          string           `json:"id"`
	ClientID    string           `json:"client_id"`
	TsMs        int64            `json:"ts_ms"`
	LastTradeTsMs int64          `json:"last_trade_ts_ms"`
	Symbol      string           `json:"symbol"`
	Type        OrderType        `json:"type"`
	Side        OrderSide        `json:"side"`
	Status      OrderStatus      `json:"status"`
	Price       decimal.Decimal  `json:"price"`
	AvgPrice    *decimal.Decimal `json:"avg_price,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Filled      decimal.Decimal  `json:"filled"`
	Cost        decimal.Decimal  `json:"cost"`
}

// SignalOutcome is the row shape written to the audit CSV: one per signal
// that reaches the dispatcher's admission gate.
type SignalOutcome struct {
	Signal          OrderSignal         `json:"signal"`
	Status          SignalOutcomeStatus `json:"status"`
	Reason          string              `json:"reason,omitempty"` // why, for non-cleared outcomes
	FilledQty       decimal.Decimal     `json:"filled_qty"`
	FollowedQty     decimal.Decimal     `json:"followed_qty"`
	CancelByProgram bool                `json:"cancel_by_program"`
	RecordedAt      time.Time           `json:"recorded_at"`
}
