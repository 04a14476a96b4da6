// Package health probes each venue's status endpoint on a fixed cadence and
// drives the process-wide order_mode: operator-configured modes
// (normal/reduce_only/pending) pass through untouched, but any venue going
// unhealthy forces maintain regardless of the configured mode, restoring
// the prior mode once every venue reports healthy again (spec.md §4 item 8,
// §7 "venue under maintenance").
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

// venueReader is the subset of venue.Adapter this package needs.
type venueReader interface {
	Kind() types.VenueKind
	CheckStatus(ctx context.Context) (types.ExchangeStatus, error)
}

const probeInterval = 60 * time.Second

// Monitor owns the process-wide order_mode. It is the single construct
// every worker reads order_mode from (spec.md §8's "dependency bundle"
// instruction for the shared mutable order_mode key).
type Monitor struct {
	venues []venueReader
	logger *slog.Logger

	mu             sync.RWMutex
	configured     types.OrderMode // the operator-set mode, independent of health
	effective      types.OrderMode // what consults actually see
	inMaintenance  bool
	unhealthy      map[types.VenueKind]types.ExchangeStatus
}

// New builds a Monitor seeded with the operator-configured mode, from the
// full set of venue adapters the engine wires up.
func New(adapters []venue.Adapter, configured types.OrderMode, logger *slog.Logger) *Monitor {
	if configured == "" {
		configured = types.ModeNormal
	}
	venues := make([]venueReader, len(adapters))
	for i, a := range adapters {
		venues[i] = a
	}
	return &Monitor{
		venues:     venues,
		logger:     logger.With("component", "health"),
		configured: configured,
		effective:  configured,
		unhealthy:  make(map[types.VenueKind]types.ExchangeStatus),
	}
}

// Mode returns the current effective order_mode every other component
// should gate on.
func (m *Monitor) Mode() types.OrderMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effective
}

// SetConfiguredMode updates the operator-controlled mode (e.g. an operator
// flipping to pending). If the monitor is currently in forced maintenance,
// the new mode takes effect only once health recovers.
func (m *Monitor) SetConfiguredMode(mode types.OrderMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configured = mode
	if !m.inMaintenance {
		m.effective = mode
	}
}

// Run probes every venue on probeInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	anyUnhealthy := false
	for _, v := range m.venues {
		status, err := v.CheckStatus(ctx)
		healthy := err == nil && status.OK
		m.mu.Lock()
		if healthy {
			delete(m.unhealthy, v.Kind())
		} else {
			if err != nil {
				status = types.ExchangeStatus{Venue: v.Kind(), OK: false, Status: "error", Msg: err.Error()}
			}
			m.unhealthy[v.Kind()] = status
			anyUnhealthy = true
		}
		m.mu.Unlock()
		if !healthy {
			m.logger.Warn("venue unhealthy", "venue", string(v.Kind()), "status", status.Status, "msg", status.Msg)
		}
	}
	m.applyHealth(anyUnhealthy)
}

// applyHealth transitions into or out of forced maintenance based on the
// latest probe round, remembering and restoring the operator-configured
// mode across the transition.
func (m *Monitor) applyHealth(anyUnhealthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case anyUnhealthy && !m.inMaintenance:
		m.inMaintenance = true
		m.effective = types.ModeMaintain
		m.logger.Error("entering maintain mode", "prior_mode", string(m.configured))
	case !anyUnhealthy && m.inMaintenance:
		m.inMaintenance = false
		m.effective = m.configured
		m.logger.Info("exiting maintain mode", "restored_mode", string(m.configured))
	}
}

// UnhealthyVenues returns the venues currently reporting unhealthy, for the
// balance HTTP API's /healthz surface.
func (m *Monitor) UnhealthyVenues() []types.ExchangeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ExchangeStatus, 0, len(m.unhealthy))
	for _, s := range m.unhealthy {
		out = append(out, s)
	}
	return out
}
