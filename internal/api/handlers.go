package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handlers holds the dependencies every endpoint reads from. Nothing here
// mutates state: the API is a read-only window onto the KV store and the
// health monitor, never a control surface.
type Handlers struct {
	margins   marginReader
	symbols   symbolLister
	positions positionReader
	mode      modeReader
	logger    *slog.Logger
}

func newHandlers(margins marginReader, symbols symbolLister, positions positionReader, mode modeReader, logger *slog.Logger) *Handlers {
	return &Handlers{
		margins:   margins,
		symbols:   symbols,
		positions: positions,
		mode:      mode,
		logger:    logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

// HandleHealth always returns 200 with a static body; liveness is about the
// process answering HTTP at all, not about any venue's connection state.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, healthResponse{Status: "ok"})
}

func (h *Handlers) HandleBalances(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, buildBalances(r.Context(), h.margins))
}

func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, buildPositions(r.Context(), h.symbols, h.positions))
}

func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, modeResponse{Mode: h.mode.Mode()})
}
