package venue

import (
	"log/slog"

	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

// venueBAdapter is the venue-B implementation: fractional base-unit
// precision sizing, no cross/hedge-mode filtering (single-mode account).
type venueBAdapter struct {
	*client
}

// NewVenueB builds the venue-B adapter.
func NewVenueB(baseURL, wsMarketURL, wsUserURL string, auth *Auth, reg *symbol.Registry, logger *slog.Logger) Adapter {
	ep := Endpoints{
		BaseURL:         baseURL,
		Balance:         "/fapi/v2/balance",
		Positions:       "/fapi/v2/positionRisk",
		OpenOrders:      "/fapi/v1/openOrders?symbol=%s",
		PlaceOrder:      "/fapi/v1/order",
		CancelOrder:     "/fapi/v1/order?symbol=%s&orderId=%s",
		FetchOrder:      "/fapi/v1/order?symbol=%s&orderId=%s",
		FundingRate:     "/fapi/v1/premiumIndex?symbol=%s",
		Status:          "/fapi/v1/exchangeInfo",
		SetLeverage:     "/fapi/v1/leverage?symbol=%s",
		SetMarginMode:   "/fapi/v1/marginType?symbol=%s",
		MarketDataWSURL: wsMarketURL,
		UserOrderWSURL:  wsUserURL,
		ListenKey:       "/fapi/v1/listenKey",
	}
	c := newClient(types.VenueB, ep, auth, reg, logger)
	return &venueBAdapter{client: c}
}

func (b *venueBAdapter) MarketDataFeed() *MarketFeed {
	if b.marketFeed == nil {
		b.marketFeed = NewMarketFeed(b.endpoints.MarketDataWSURL, b.venue, b.registry, b.logger)
	}
	return b.marketFeed
}

func (b *venueBAdapter) UserOrderFeed() *UserFeed {
	if b.userFeed == nil {
		b.userFeed = NewUserFeed(b.endpoints.UserOrderWSURL, b.venue, b.auth, b.registry, b.logger)
	}
	return b.userFeed
}

func positionIsEligibleVenueB(marginMode string, hedged bool) bool {
	return true
}

// positionIsEligible dispatches to each venue's position-filtering rule
// (spec.md §4.1: venue-A positions must be cross-margin and non-hedged;
// venue-B has no equivalent filter).
func positionIsEligible(venue types.VenueKind, marginMode string, hedged bool) bool {
	switch venue {
	case types.VenueA:
		return positionIsEligibleVenueA(marginMode, hedged)
	case types.VenueB:
		return positionIsEligibleVenueB(marginMode, hedged)
	default:
		return false
	}
}
