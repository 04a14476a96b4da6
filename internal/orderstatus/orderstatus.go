// Package orderstatus runs one worker tree per venue that keeps a private
// order-event WebSocket connected, normalizes every event to the canonical
// OrderRecord, and right-pushes it onto that order's FIFO so dealers can
// left-pop it (spec.md §4.9).
package orderstatus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossbook/arbengine/internal/retry"
	"github.com/crossbook/arbengine/internal/venue"
	"github.com/crossbook/arbengine/pkg/types"
)

const (
	// listenKeyRefresh matches spec.md §4.9's 30-minute refresh loop.
	listenKeyRefresh = 30 * time.Minute
	listenKeyRetries = 20
	listenKeyWait    = 5 * time.Second
	watchdogInterval = 5 * time.Second
)

// eventPusher is the subset of *store.Store this package needs.
type eventPusher interface {
	PushOrderStatus(ctx context.Context, venue types.VenueKind, orderID string, rec types.OrderRecord) error
}

// OrderFeed is the subset of *venue.UserFeed this package needs. Narrowing
// away from the concrete type lets tests substitute a fake feed without a
// real socket.
type OrderFeed interface {
	OrderEvents() <-chan types.OrderRecord
	Status() venue.ConnState
	SetListenKey(key string)
	Run(ctx context.Context) error
}

// feedVenue is the subset of venue.Adapter one worker tree needs: the
// private feed plus the listen-key lifecycle.
type feedVenue interface {
	Kind() types.VenueKind
	UserOrderFeed() OrderFeed
	CreateListenKey(ctx context.Context) (string, error)
	RefreshListenKey(ctx context.Context, key string) error
	DeleteListenKey(ctx context.Context, key string) error
}

// adapterFeed wraps a venue.Adapter so its UserOrderFeed() (which returns
// the concrete *venue.UserFeed) satisfies feedVenue's narrower OrderFeed
// return type.
type adapterFeed struct {
	venue.Adapter
}

func (a adapterFeed) UserOrderFeed() OrderFeed { return a.Adapter.UserOrderFeed() }


// Stream owns one venue's order-event worker tree: the feed's connection
// loop, its listen-key refresh loop (a no-op for venues that authenticate
// the socket directly), and the task that drains events into the store.
type Stream struct {
	adapter feedVenue
	store   eventPusher
	logger  *slog.Logger

	ready atomic.Bool
}

// newStream builds one venue's worker tree.
func newStream(adapter feedVenue, store eventPusher, logger *slog.Logger) *Stream {
	return &Stream{
		adapter: adapter,
		store:   store,
		logger:  logger.With("component", "orderstatus", "venue", string(adapter.Kind())),
	}
}

// Ready reports whether this venue's feed is connected and subscribed.
func (s *Stream) Ready() bool { return s.ready.Load() }

// run drives one venue's feed connection, listen-key lifecycle, and event
// drain until ctx is canceled. A dropped connection is redialed by the
// feed's own reconnect loop. Listen-key acquisition is attempted once at
// start (acquireListenKey's bounded retry); if that fails, the error is
// logged and the feed runs without a listen key for the rest of the run.
func (s *Stream) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	feed := s.adapter.UserOrderFeed()

	listenKeyCtx, cancelListenKey := context.WithCancel(ctx)
	defer cancelListenKey()

	key, err := s.acquireListenKey(ctx)
	if err != nil {
		s.logger.Error("listen key acquisition failed, feed will not authenticate", "error", err)
	} else if key != "" {
		feed.SetListenKey(key)
		wg.Add(1)
		go s.refreshListenKeyLoop(listenKeyCtx, wg, key)
	}

	wg.Add(1)
	go s.watchReadiness(ctx, wg, feed)

	wg.Add(1)
	go s.drainEvents(ctx, wg, feed)

	if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("user feed exited", "error", err)
	}

	cancelListenKey()
	if key != "" {
		if err := s.adapter.DeleteListenKey(context.Background(), key); err != nil {
			s.logger.Warn("delete listen key failed", "error", err)
		}
	}
	s.ready.Store(false)
}

// acquireListenKey retries CreateListenKey up to listenKeyRetries times,
// matching the original's bounded retry loop before giving up on startup.
// Returns key="" for venues that don't need one (CreateListenKey no-ops).
func (s *Stream) acquireListenKey(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < listenKeyRetries; attempt++ {
		key, err := s.adapter.CreateListenKey(ctx)
		if err == nil {
			return key, nil
		}
		lastErr = err
		retry.SleepWithContext(ctx, listenKeyWait)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("create listen key: exhausted %d attempts: %w", listenKeyRetries, lastErr)
}

func (s *Stream) refreshListenKeyLoop(ctx context.Context, wg *sync.WaitGroup, key string) {
	defer wg.Done()
	ticker := time.NewTicker(listenKeyRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.adapter.RefreshListenKey(ctx, key); err != nil {
				s.logger.Warn("refresh listen key failed", "error", err)
			}
		}
	}
}

// watchReadiness polls the feed's connection state so Ready() reflects
// CONNECTED without this package needing its own reconnect logic — that
// lives in the feed's dial loop.
func (s *Stream) watchReadiness(ctx context.Context, wg *sync.WaitGroup, feed OrderFeed) {
	defer wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ready.Store(feed.Status() == venue.StateConnected)
		}
	}
}

// drainEvents normalizes every order event the feed emits and right-pushes
// it onto its order's FIFO.
func (s *Stream) drainEvents(ctx context.Context, wg *sync.WaitGroup, feed OrderFeed) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-feed.OrderEvents():
			if !ok {
				return
			}
			if err := s.store.PushOrderStatus(ctx, s.adapter.Kind(), rec.ID, rec); err != nil {
				s.logger.Error("push order status failed", "order_id", rec.ID, "error", err)
			}
		}
	}
}

// Manager runs both venues' order-event worker trees and exposes the
// global "stream ready" flag the dispatcher gates on (spec.md §4.9: "the
// AND of each venue's connected-and-subscribed state").
type Manager struct {
	streams []*Stream
	wg      sync.WaitGroup
}

// New builds a Manager over every venue adapter supplied.
func New(adapters []venue.Adapter, store eventPusher, logger *slog.Logger) *Manager {
	m := &Manager{}
	for _, a := range adapters {
		m.streams = append(m.streams, newStream(adapterFeed{Adapter: a}, store, logger))
	}
	return m
}

// Run starts every venue's worker tree and blocks until ctx is canceled and
// all workers have exited.
func (m *Manager) Run(ctx context.Context) {
	for _, s := range m.streams {
		m.wg.Add(1)
		go s.run(ctx, &m.wg)
	}
	m.wg.Wait()
}

// Ready reports the AND of every venue's readiness. The dispatcher must not
// launch new dealers while this is false.
func (m *Manager) Ready() bool {
	for _, s := range m.streams {
		if !s.Ready() {
			return false
		}
	}
	return len(m.streams) > 0
}
