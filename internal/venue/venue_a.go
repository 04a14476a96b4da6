package venue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

// venueAAdapter is the venue-A implementation: integer-contract sizing,
// cross-margin-only position reporting, hedge mode disabled.
type venueAAdapter struct {
	*client
}

// NewVenueA builds the venue-A adapter.
func NewVenueA(baseURL, wsMarketURL, wsUserURL string, auth *Auth, reg *symbol.Registry, logger *slog.Logger) Adapter {
	ep := Endpoints{
		BaseURL:         baseURL,
		Balance:         "/api/v5/account/balance",
		Positions:       "/api/v5/account/positions",
		OpenOrders:      "/api/v5/trade/orders-pending?instId=%s",
		PlaceOrder:      "/api/v5/trade/order",
		CancelOrder:     "/api/v5/trade/cancel-order?instId=%s&ordId=%s",
		FetchOrder:      "/api/v5/trade/order?instId=%s&ordId=%s",
		FundingRate:     "/api/v5/public/funding-rate?instId=%s",
		Status:          "/api/v5/system/status",
		SetLeverage:     "/api/v5/account/set-leverage?instId=%s",
		SetMarginMode:   "/api/v5/account/set-position-mode?instId=%s",
		MarketDataWSURL: wsMarketURL,
		UserOrderWSURL:  wsUserURL,
	}
	c := newClient(types.VenueA, ep, auth, reg, logger)
	return &venueAAdapter{client: c}
}

func (a *venueAAdapter) MarketDataFeed() *MarketFeed {
	if a.marketFeed == nil {
		a.marketFeed = NewMarketFeed(a.endpoints.MarketDataWSURL, a.venue, a.registry, a.logger)
	}
	return a.marketFeed
}

func (a *venueAAdapter) UserOrderFeed() *UserFeed {
	if a.userFeed == nil {
		a.userFeed = NewUserFeed(a.endpoints.UserOrderWSURL, a.venue, a.auth, a.registry, a.logger)
	}
	return a.userFeed
}

// SetMarginMode sends the shared cross-margin request and prefixes any
// error with the venue name. It sends no separate request to disable hedge
// mode.
func (a *venueAAdapter) SetMarginMode(ctx context.Context, sym string) error {
	if err := a.client.SetMarginMode(ctx, sym); err != nil {
		return fmt.Errorf("venue-a set margin mode: %w", err)
	}
	return nil
}

func positionIsEligibleVenueA(marginMode string, hedged bool) bool {
	return marginMode == "cross" && !hedged
}
