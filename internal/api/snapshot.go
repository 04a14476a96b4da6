package api

import (
	"context"

	"github.com/crossbook/arbengine/pkg/types"
)

// marginReader is the subset of *store.Store the balances endpoint needs.
type marginReader interface {
	GetMargin(ctx context.Context, venue types.VenueKind) (types.MarginInfo, bool, error)
}

// positionReader is the subset of *store.Store the positions endpoint needs.
type positionReader interface {
	GetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string) (types.PositionStatus, bool, error)
}

// symbolLister is the subset of *symbol.Registry the positions endpoint
// needs to know which (symbol, venue) pairs exist.
type symbolLister interface {
	All() []string
	Lookup(canonical string) (types.Symbol, bool)
}

// modeReader is the subset of *health.Monitor the mode endpoint needs.
type modeReader interface {
	Mode() types.OrderMode
}

var venueKinds = [2]types.VenueKind{types.VenueA, types.VenueB}

func buildBalances(ctx context.Context, margins marginReader) balancesResponse {
	resp := balancesResponse{Venues: make(map[types.VenueKind]types.MarginInfo, len(venueKinds))}
	for _, v := range venueKinds {
		m, ok, err := margins.GetMargin(ctx, v)
		if err != nil || !ok {
			continue
		}
		resp.Venues[v] = m
	}
	return resp
}

func buildPositions(ctx context.Context, symbols symbolLister, positions positionReader) positionsResponse {
	var resp positionsResponse
	for _, canonical := range symbols.All() {
		sym, ok := symbols.Lookup(canonical)
		if !ok {
			continue
		}
		for venue := range sym.Venues {
			status, ok, err := positions.GetPositionStatus(ctx, venue, canonical)
			if err != nil || !ok {
				continue
			}
			resp.Positions = append(resp.Positions, positionEntry{
				Symbol: canonical,
				Venue:  venue,
				Status: status,
			})
		}
	}
	return resp
}
