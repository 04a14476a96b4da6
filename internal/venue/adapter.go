// Package venue implements the uniform adapter contract over the two
// traded venues, plus each venue's REST and streaming transport.
//
// Venue-A and venue-B differ in order sizing, price scaling, and position
// semantics (spec.md §4.1); everything else — auth, rate limiting,
// reconnect, retry — is shared. Adapter is the capability every other
// package programs against; NewVenueA and NewVenueB wire the venue-specific
// pieces into the shared transport.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/pkg/types"
)

// Adapter is the uniform capability surface spec.md §4.1 names. All
// quantities are canonical-unit decimals; the adapter handles conversion
// to/from venue-native contract counts internally.
type Adapter interface {
	Kind() types.VenueKind

	GetBalance(ctx context.Context) (types.MarginInfo, error)
	// GetPositions returns every open, eligible position keyed by canonical
	// symbol (positions the registry can't map back to a canonical symbol
	// are dropped).
	GetPositions(ctx context.Context) (map[string]types.PositionStatus, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.OrderRecord, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelOrders(ctx context.Context, symbol string, orderIDs []string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string) error

	PlaceLimitPostOnly(ctx context.Context, symbol string, side types.OrderSide, qty, price decimal.Decimal, clientID string) (types.OrderRecord, error)
	PlaceMarket(ctx context.Context, symbol string, side types.OrderSide, qty decimal.Decimal, clientID string, reduceOnly bool) (types.OrderRecord, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (types.OrderRecord, error)

	FetchFundingRate(ctx context.Context, symbol string) (types.FundingSnapshot, error)
	CheckStatus(ctx context.Context) (types.ExchangeStatus, error)

	// MarketDataFeed returns the shared depth-5 book WebSocket feed,
	// constructing it lazily on first call; the feed dials when Run starts.
	MarketDataFeed() *MarketFeed
	// UserOrderFeed returns the shared private order-event WebSocket feed,
	// constructing it lazily on first call; the feed dials when Run starts.
	UserOrderFeed() *UserFeed

	// CreateListenKey, RefreshListenKey, and DeleteListenKey implement the
	// user-data-stream token lifecycle spec.md §4.9 requires before a
	// private feed can authenticate. Venues that authenticate the socket
	// directly (venue-A) no-op these.
	CreateListenKey(ctx context.Context) (string, error)
	RefreshListenKey(ctx context.Context, key string) error
	DeleteListenKey(ctx context.Context, key string) error
}

// ErrAlreadyDone marks cancel/fetch errors that the caller should treat as
// idempotent success: the venue reports the order already completed or not
// found (spec.md §4.1: "must treat 'already completed' and 'not found' as
// success").
type ErrAlreadyDone struct {
	Venue   types.VenueKind
	OrderID string
	Reason  string
}

func (e *ErrAlreadyDone) Error() string {
	return "order " + e.OrderID + " on " + string(e.Venue) + " already done: " + e.Reason
}

// IsAlreadyDone reports whether err represents an idempotent-success
// cancel/fetch outcome, for use as a retry.IsSuccessEquivalent.
func IsAlreadyDone(err error) bool {
	_, ok := err.(*ErrAlreadyDone)
	return ok
}
