// rest.go implements the shared REST transport both venue adapters use.
//
// The two venues expose near-identical JSON shapes for balance, positions,
// and orders (both are fronted by a ccxt-style unified response in the
// system this was modeled on); what differs is base URL, path templates,
// and the three venue-specific behaviors spec.md §4.1 calls out explicitly
// (order sizing, price scaling, position-mode setup). Those live in
// venue_a.go / venue_b.go via the Endpoints and positionFilter hooks;
// everything else — auth, rate limiting, retry, JSON decoding — is here.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/symbol"
	"github.com/crossbook/arbengine/pkg/types"
)

// Endpoints parameterizes the path templates and leverage/margin-mode
// call shape that differ between venues.
type Endpoints struct {
	BaseURL          string
	Balance          string
	Positions        string
	OpenOrders       string // %s = native symbol
	PlaceOrder       string
	CancelOrder      string // %s, %s = native symbol, order id
	FetchOrder       string // %s, %s = native symbol, order id
	FundingRate      string // %s = native symbol
	Status           string
	SetLeverage      string // %s = native symbol
	SetMarginMode    string // %s = native symbol
	MarketDataWSURL  string
	UserOrderWSURL   string
	ListenKey        string // empty if the venue authenticates the user feed directly
}

// client is the shared REST implementation. Venue-specific Adapters embed
// it and supply Endpoints plus the few genuinely venue-specific behaviors.
type client struct {
	venue     types.VenueKind
	http      *resty.Client
	auth      *Auth
	rl        *RateLimiter
	endpoints Endpoints
	registry  *symbol.Registry
	logger    *slog.Logger

	marketFeed *MarketFeed
	userFeed   *UserFeed
}

func newClient(venue types.VenueKind, ep Endpoints, auth *Auth, reg *symbol.Registry, logger *slog.Logger) *client {
	httpClient := resty.New().
		SetBaseURL(ep.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &client{
		venue:     venue,
		http:      httpClient,
		auth:      auth,
		rl:        NewRateLimiter(),
		endpoints: ep,
		registry:  reg,
		logger:    logger.With("component", "venue", "venue", string(venue)),
	}
}

func (c *client) Kind() types.VenueKind { return c.venue }

func (c *client) nativeSymbol(canonical string) (string, error) {
	vs, err := c.venueSymbol(canonical)
	if err != nil {
		return "", err
	}
	return vs.NativeName, nil
}

// venueSymbol looks up the venue-specific conversion factors (native name,
// bag size, price multiplier) for a canonical symbol on this client's
// venue.
func (c *client) venueSymbol(canonical string) (types.VenueSymbol, error) {
	sym, ok := c.registry.Lookup(canonical)
	if !ok {
		return types.VenueSymbol{}, fmt.Errorf("unknown symbol %q", canonical)
	}
	vs, ok := sym.Venue(c.venue)
	if !ok {
		return types.VenueSymbol{}, fmt.Errorf("symbol %q has no %s mapping", canonical, c.venue)
	}
	return vs, nil
}

// unifiedBalance is the ccxt-style normalized margin-account response.
type unifiedBalance struct {
	Used  string `json:"used"`
	Free  string `json:"free"`
	Total string `json:"total"`
}

func (c *client) GetBalance(ctx context.Context) (types.MarginInfo, error) {
	if err := c.rl.Fetch.Wait(ctx); err != nil {
		return types.MarginInfo{}, err
	}
	headers, err := c.auth.Headers(http.MethodGet, c.endpoints.Balance, "")
	if err != nil {
		return types.MarginInfo{}, err
	}

	var result unifiedBalance
	var giveUp error
	err = retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get(c.endpoints.Balance)
		return httpErr(resp, e)
	}, nil)
	if err != nil {
		giveUp = fmt.Errorf("get balance: %w", err)
		return types.MarginInfo{}, giveUp
	}

	used, _ := decimal.NewFromString(result.Used)
	free, _ := decimal.NewFromString(result.Free)
	total, _ := decimal.NewFromString(result.Total)
	return types.MarginInfo{Venue: c.venue, Used: used, Free: free, Total: total}, nil
}

// unifiedPosition is the ccxt-style normalized position response.
type unifiedPosition struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"` // "long" | "short"
	Contracts  string `json:"contracts"`
	EntryPrice string `json:"entryPrice"`
	MarkPrice  string `json:"markPrice"`
	MarginMode string `json:"marginMode"`
	Hedged     bool   `json:"hedged"`
}

// GetPositions fetches every open position and keys the result by
// canonical symbol, skipping native symbols the registry doesn't
// recognize (untraded instruments the venue happens to report).
func (c *client) GetPositions(ctx context.Context) (map[string]types.PositionStatus, error) {
	if err := c.rl.Fetch.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.auth.Headers(http.MethodGet, c.endpoints.Positions, "")
	if err != nil {
		return nil, err
	}

	var raw []unifiedPosition
	err = retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).Get(c.endpoints.Positions)
		return httpErr(resp, e)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make(map[string]types.PositionStatus, len(raw))
	for _, p := range raw {
		if !positionIsEligible(c.venue, p.MarginMode, p.Hedged) {
			continue
		}
		qty, _ := decimal.NewFromString(p.Contracts)
		if qty.IsZero() {
			continue
		}
		canonical, vs, ok := c.canonicalSymbol(p.Symbol)
		if !ok {
			continue
		}
		// Contracts is a raw native contract count; spec.md §2 item 5
		// requires the bag-size-adjusted canonical quantity.
		qty = qty.Mul(vs.BagSize())
		avg, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		avg = avg.Div(vs.Multiplier)
		mark = mark.Div(vs.Multiplier)
		dir := types.DirectionLong
		if p.Side == "short" {
			dir = types.DirectionShort
		}
		out[canonical] = types.PositionStatus{
			Direction: dir,
			Qty:       qty.Abs(),
			AvgPrice:  &avg,
			MarkPrice: &mark,
		}
	}
	return out, nil
}

// canonicalSymbol reverse-looks-up a venue-native symbol name to its
// canonical form and venue-specific conversion factors via the registry.
func (c *client) canonicalSymbol(native string) (string, types.VenueSymbol, bool) {
	return c.registry.ReverseLookup(c.venue, native)
}

// unifiedOrder is the ccxt-style normalized order response.
type unifiedOrder struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientOrderId"`
	Symbol      string `json:"symbol"`
	Type        string `json:"type"`
	Side        string `json:"side"`
	Status      string `json:"status"`
	Price       string `json:"price"`
	Average     string `json:"average"`
	Amount      string `json:"amount"`
	Filled      string `json:"filled"`
	Cost        string `json:"cost"`
	Timestamp   int64  `json:"timestamp"`
	LastTradeTs int64  `json:"lastTradeTimestamp"`
}

// decodeUnifiedOrder converts a venue's native order response into a
// canonical OrderRecord: price and average are divided by the symbol's
// multiplier, amount and filled are scaled by its bag size (raw contract
// count × bag size), per market.py's place_order and signal_dealer.py's
// followed_qty accounting. A symbol the registry doesn't recognize falls
// back to the identity conversion (multiplier 1, bag size 1).
func (c *client) decodeUnifiedOrder(symbolName string, u unifiedOrder) types.OrderRecord {
	bagSize, multiplier := decimal.NewFromInt(1), decimal.NewFromInt(1)
	if vs, err := c.venueSymbol(symbolName); err == nil {
		bagSize = vs.BagSize()
		multiplier = vs.Multiplier
	}
	return decodeUnifiedOrderUnits(c.venue, symbolName, u, bagSize, multiplier)
}

// decodeUnifiedOrderUnits does the actual price/multiplier and
// amount/bag-size conversion shared by REST order decoding
// (decodeUnifiedOrder) and the private order-event feed (UserFeed.dispatch).
func decodeUnifiedOrderUnits(venue types.VenueKind, symbolName string, u unifiedOrder, bagSize, multiplier decimal.Decimal) types.OrderRecord {
	price, _ := decimal.NewFromString(u.Price)
	amount, _ := decimal.NewFromString(u.Amount)
	filled, _ := decimal.NewFromString(u.Filled)
	cost, _ := decimal.NewFromString(u.Cost)

	rec := types.OrderRecord{
		Venue:         venue,
		ID:            u.ID,
		ClientID:      u.ClientID,
		TsMs:          u.Timestamp,
		LastTradeTsMs: u.LastTradeTs,
		Symbol:        symbolName,
		Type:          types.OrderType(u.Type),
		Side:          types.OrderSide(u.Side),
		Status:        normalizeStatus(u.Status),
		Price:         price.Div(multiplier),
		Amount:        amount.Mul(bagSize),
		Filled:        filled.Mul(bagSize),
		Cost:          cost,
	}
	if avg, err := decimal.NewFromString(u.Average); err == nil {
		avg = avg.Div(multiplier)
		rec.AvgPrice = &avg
	}
	return rec
}

func normalizeStatus(s string) types.OrderStatus {
	switch s {
	case "open", "new":
		return types.StatusNew
	case "closed", "filled":
		return types.StatusFilled
	case "partially_filled":
		return types.StatusPartiallyFilled
	case "canceled", "cancelled":
		return types.StatusCanceled
	case "rejected":
		return types.StatusRejected
	case "expired":
		return types.StatusExpired
	default:
		return types.StatusNew
	}
}

func (c *client) FetchOpenOrders(ctx context.Context, sym string) ([]types.OrderRecord, error) {
	native, err := c.nativeSymbol(sym)
	if err != nil {
		return nil, err
	}
	if err := c.rl.Fetch.Wait(ctx); err != nil {
		return nil, err
	}
	path := fmt.Sprintf(c.endpoints.OpenOrders, native)
	headers, err := c.auth.Headers(http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}

	var raw []unifiedOrder
	err = retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&raw).Get(path)
		return httpErr(resp, e)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	out := make([]types.OrderRecord, len(raw))
	for i, u := range raw {
		out[i] = c.decodeUnifiedOrder(sym, u)
	}
	return out, nil
}

func (c *client) CancelOrder(ctx context.Context, sym, orderID string) error {
	return c.CancelOrders(ctx, sym, []string{orderID})
}

func (c *client) CancelOrders(ctx context.Context, sym string, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	native, err := c.nativeSymbol(sym)
	if err != nil {
		return err
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for _, id := range orderIDs {
		path := fmt.Sprintf(c.endpoints.CancelOrder, native, id)
		headers, hErr := c.auth.Headers(http.MethodDelete, path, "")
		if hErr != nil {
			return hErr
		}

		err := retry.Do(ctx, retry.Cancel, func() error {
			resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).Delete(path)
			if e == nil && resp.StatusCode() == http.StatusNotFound {
				return &ErrAlreadyDone{Venue: c.venue, OrderID: id, Reason: "not found"}
			}
			return httpErr(resp, e)
		}, IsAlreadyDone)
		if err != nil && !IsAlreadyDone(err) {
			lastErr = fmt.Errorf("cancel order %s: %w", id, err)
		}
	}
	return lastErr
}

func (c *client) SetLeverage(ctx context.Context, sym string, leverage int) error {
	native, err := c.nativeSymbol(sym)
	if err != nil {
		return err
	}
	path := fmt.Sprintf(c.endpoints.SetLeverage, native)
	body, _ := json.Marshal(map[string]int{"leverage": leverage})
	headers, err := c.auth.Headers(http.MethodPost, path, string(body))
	if err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).Post(path)
	return httpErr(resp, err)
}

func (c *client) SetMarginMode(ctx context.Context, sym string) error {
	native, err := c.nativeSymbol(sym)
	if err != nil {
		return err
	}
	path := fmt.Sprintf(c.endpoints.SetMarginMode, native)
	body, _ := json.Marshal(map[string]string{"marginMode": "cross"})
	headers, err := c.auth.Headers(http.MethodPost, path, string(body))
	if err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).Post(path)
	return httpErr(resp, err)
}

type placeOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Price       string `json:"price,omitempty"`
	ClientID    string `json:"clientOrderId"`
	PostOnly    bool   `json:"postOnly,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
}

func (c *client) PlaceLimitPostOnly(ctx context.Context, sym string, side types.OrderSide, qty, price decimal.Decimal, clientID string) (types.OrderRecord, error) {
	vs, err := c.venueSymbol(sym)
	if err != nil {
		return types.OrderRecord{}, err
	}
	amount, err := nativeAmount(vs, qty)
	if err != nil {
		return types.OrderRecord{}, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderRecord{}, err
	}

	req := placeOrderRequest{
		Symbol:   vs.NativeName,
		Side:     string(side),
		Type:     string(types.OrderTypePostOnly),
		Amount:   amount.String(),
		Price:    price.Mul(vs.Multiplier).String(),
		ClientID: clientID,
		PostOnly: true,
	}
	return c.placeOrder(ctx, sym, req)
}

func (c *client) PlaceMarket(ctx context.Context, sym string, side types.OrderSide, qty decimal.Decimal, clientID string, reduceOnly bool) (types.OrderRecord, error) {
	vs, err := c.venueSymbol(sym)
	if err != nil {
		return types.OrderRecord{}, err
	}
	amount, err := nativeAmount(vs, qty)
	if err != nil {
		return types.OrderRecord{}, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderRecord{}, err
	}

	req := placeOrderRequest{
		Symbol:     vs.NativeName,
		Side:       string(side),
		Type:       string(types.OrderTypeMarket),
		Amount:     amount.String(),
		ClientID:   clientID,
		ReduceOnly: reduceOnly,
	}
	return c.placeOrder(ctx, sym, req)
}

// nativeAmount converts a canonical quantity (raw contract count × bag
// size) to the native contract amount a venue's order endpoint expects,
// per market.py's place_order: amount = qty / bag_size.
func nativeAmount(vs types.VenueSymbol, qty decimal.Decimal) (decimal.Decimal, error) {
	bagSize := vs.BagSize()
	if bagSize.IsZero() {
		return decimal.Zero, fmt.Errorf("place order: symbol %q has zero bag size", vs.NativeName)
	}
	return qty.Div(bagSize), nil
}

func (c *client) placeOrder(ctx context.Context, sym string, req placeOrderRequest) (types.OrderRecord, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.OrderRecord{}, fmt.Errorf("marshal order request: %w", err)
	}
	headers, err := c.auth.Headers(http.MethodPost, c.endpoints.PlaceOrder, string(body))
	if err != nil {
		return types.OrderRecord{}, err
	}

	var result unifiedOrder
	err = retry.Do(ctx, retry.PlaceOrder, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&result).Post(c.endpoints.PlaceOrder)
		return httpErr(resp, e)
	}, nil)
	if err != nil {
		return types.OrderRecord{}, fmt.Errorf("place order: %w", err)
	}
	return c.decodeUnifiedOrder(sym, result), nil
}

func (c *client) FetchOrder(ctx context.Context, sym, orderID string) (types.OrderRecord, error) {
	native, err := c.nativeSymbol(sym)
	if err != nil {
		return types.OrderRecord{}, err
	}
	if err := c.rl.Fetch.Wait(ctx); err != nil {
		return types.OrderRecord{}, err
	}
	path := fmt.Sprintf(c.endpoints.FetchOrder, native, orderID)
	headers, err := c.auth.Headers(http.MethodGet, path, "")
	if err != nil {
		return types.OrderRecord{}, err
	}

	var result unifiedOrder
	err = retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get(path)
		if e == nil && resp.StatusCode() == http.StatusNotFound {
			return &ErrAlreadyDone{Venue: c.venue, OrderID: orderID, Reason: "not found"}
		}
		return httpErr(resp, e)
	}, IsAlreadyDone)
	if err != nil {
		if IsAlreadyDone(err) {
			return types.OrderRecord{}, err
		}
		return types.OrderRecord{}, fmt.Errorf("fetch order: %w", err)
	}
	return c.decodeUnifiedOrder(sym, result), nil
}

type fundingRateResponse struct {
	FundingRate string `json:"fundingRate"`
	Timestamp   int64  `json:"timestamp"`
}

func (c *client) FetchFundingRate(ctx context.Context, sym string) (types.FundingSnapshot, error) {
	native, err := c.nativeSymbol(sym)
	if err != nil {
		return types.FundingSnapshot{}, err
	}
	if err := c.rl.Fetch.Wait(ctx); err != nil {
		return types.FundingSnapshot{}, err
	}
	path := fmt.Sprintf(c.endpoints.FundingRate, native)

	var result fundingRateResponse
	err = retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetResult(&result).Get(path)
		return httpErr(resp, e)
	}, nil)
	if err != nil {
		return types.FundingSnapshot{}, fmt.Errorf("fetch funding rate: %w", err)
	}

	rate, _ := decimal.NewFromString(result.FundingRate)
	return types.FundingSnapshot{Venue: c.venue, Symbol: sym, Rate: rate, TsMs: result.Timestamp}, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *client) CheckStatus(ctx context.Context) (types.ExchangeStatus, error) {
	var result statusResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get(c.endpoints.Status)
	if err != nil {
		return types.ExchangeStatus{Venue: c.venue, OK: false, Status: "error", Msg: err.Error()}, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return types.ExchangeStatus{Venue: c.venue, OK: false, Status: "error", Msg: resp.String()}, nil
	}
	ok := result.Status == "ok" || result.Status == ""
	return types.ExchangeStatus{Venue: c.venue, OK: ok, Status: result.Status, Msg: ""}, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey opens a new user-data-stream listen key. Venues that
// authenticate the private feed directly on the socket (venue-A) leave
// Endpoints.ListenKey empty; CreateListenKey is then a no-op returning "".
func (c *client) CreateListenKey(ctx context.Context) (string, error) {
	if c.endpoints.ListenKey == "" {
		return "", nil
	}
	headers, err := c.auth.Headers(http.MethodPost, c.endpoints.ListenKey, "")
	if err != nil {
		return "", err
	}
	var result listenKeyResponse
	err = retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Post(c.endpoints.ListenKey)
		return httpErr(resp, e)
	}, nil)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	return result.ListenKey, nil
}

// RefreshListenKey extends a listen key's 60-minute expiry. Called on a
// 30-minute loop per spec.md §4.9.
func (c *client) RefreshListenKey(ctx context.Context, key string) error {
	if c.endpoints.ListenKey == "" {
		return nil
	}
	headers, err := c.auth.Headers(http.MethodPut, c.endpoints.ListenKey, "")
	if err != nil {
		return err
	}
	return retry.Do(ctx, retry.Fetch, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).
			SetQueryParam("listenKey", key).Put(c.endpoints.ListenKey)
		return httpErr(resp, e)
	}, nil)
}

// DeleteListenKey releases a listen key on shutdown.
func (c *client) DeleteListenKey(ctx context.Context, key string) error {
	if c.endpoints.ListenKey == "" {
		return nil
	}
	headers, err := c.auth.Headers(http.MethodDelete, c.endpoints.ListenKey, "")
	if err != nil {
		return err
	}
	return retry.Do(ctx, retry.Cancel, func() error {
		resp, e := c.http.R().SetContext(ctx).SetHeaders(headers).
			SetQueryParam("listenKey", key).Delete(c.endpoints.ListenKey)
		return httpErr(resp, e)
	}, nil)
}

func httpErr(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
