package api

import "github.com/crossbook/arbengine/pkg/types"

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status string `json:"status"`
}

// balancesResponse is the body of GET /balances: one margin snapshot per
// venue, keyed by venue kind.
type balancesResponse struct {
	Venues map[types.VenueKind]types.MarginInfo `json:"venues"`
}

// positionEntry is one symbol/venue row in GET /positions.
type positionEntry struct {
	Symbol string            `json:"symbol"`
	Venue  types.VenueKind   `json:"venue"`
	Status types.PositionStatus `json:"status"`
}

// positionsResponse is the body of GET /positions.
type positionsResponse struct {
	Positions []positionEntry `json:"positions"`
}

// modeResponse is the body of GET /mode.
type modeResponse struct {
	Mode types.OrderMode `json:"mode"`
}
