// Package store wraps a Redis-compatible KV/streams client with the exact
// key space spec.md §6 requires: latest snapshots, coalescing notify lists,
// the bounded orderbook stream, per-order FIFOs, and the hash/set state
// (positions, thresholds, margin, the signal-processing lock set).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/crossbook/arbengine/pkg/types"
)

// Store is the single shared KV/streams client every component reads and
// writes through. All operations are safe for concurrent use (the
// underlying redis.Client pools connections internally).
type Store struct {
	rdb *redis.Client
}

// Open connects to the given Redis URL with a connection pool tuned for a
// latency-sensitive trading workload (small pool, aggressive timeouts — this
// is not a cache, every call is on the hot path).
func Open(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.PoolSize = 32
	opt.MinIdleConns = 4
	opt.PoolTimeout = 4 * time.Second
	opt.MaxRetries = 2
	opt.MinRetryBackoff = 20 * time.Millisecond
	opt.MaxRetryBackoff = 200 * time.Millisecond

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// ————————————————————————————————————————————————————————————————————————
// latest:{venue}:{symbol} — SET, order book snapshots
// ————————————————————————————————————————————————————————————————————————

func latestKey(venue types.VenueKind, symbol string) string {
	return fmt.Sprintf("latest:%s:%s", venue, symbol)
}

// SetLatest atomically overwrites the cached snapshot for (venue, symbol).
func (s *Store) SetLatest(ctx context.Context, venue types.VenueKind, symbol string, snap types.OrderBookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.rdb.Set(ctx, latestKey(venue, symbol), data, 0).Err()
}

// GetLatest reads the cached snapshot for (venue, symbol). Returns
// ok=false if no snapshot has been written yet.
func (s *Store) GetLatest(ctx context.Context, venue types.VenueKind, symbol string) (types.OrderBookSnapshot, bool, error) {
	data, err := s.rdb.Get(ctx, latestKey(venue, symbol)).Bytes()
	if err == redis.Nil {
		return types.OrderBookSnapshot{}, false, nil
	}
	if err != nil {
		return types.OrderBookSnapshot{}, false, fmt.Errorf("get latest: %w", err)
	}
	var snap types.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.OrderBookSnapshot{}, false, fmt.Errorf("unmarshal latest: %w", err)
	}
	return snap, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// notify:{venue}:{symbol} — one-element coalescing list
// ————————————————————————————————————————————————————————————————————————

func notifyKey(venue types.VenueKind, symbol string) string {
	return fmt.Sprintf("notify:%s:%s", venue, symbol)
}

// Notify pushes a coalescing wake token iff the notify list is currently
// empty, so multiple updates before a consumer wakes collapse into one.
func (s *Store) Notify(ctx context.Context, venue types.VenueKind, symbol string) error {
	key := notifyKey(venue, symbol)
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("notify llen: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.rdb.LPush(ctx, key, "1").Err()
}

// WaitNotify blocks up to timeout for a wake token on (venue, symbol),
// draining it on return so the next Notify call can fire again.
func (s *Store) WaitNotify(ctx context.Context, venue types.VenueKind, symbol string, timeout time.Duration) (bool, error) {
	key := notifyKey(venue, symbol)
	res, err := s.rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wait notify: %w", err)
	}
	return len(res) > 0, nil
}

// ————————————————————————————————————————————————————————————————————————
// orderbook_stream — bounded append-only stream
// ————————————————————————————————————————————————————————————————————————

// AppendTick appends an AggregatedTick to the named stream with an
// approximate maxlen trim (spec.md §3: "approximate-trim").
func (s *Store) AppendTick(ctx context.Context, streamKey string, maxLen int64, tick types.AggregatedTick) (string, error) {
	data, err := json.Marshal(tick)
	if err != nil {
		return "", fmt.Errorf("marshal tick: %w", err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"symbol": tick.Symbol, "data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// StreamEntry is one decoded entry read back from the orderbook stream.
type StreamEntry struct {
	ID   string
	Tick types.AggregatedTick
}

// ReadTicksAfter reads up to count entries strictly after lastID (use "0"
// or "$" per go-redis XRead semantics for the very first read), in bounded
// batches, per spec.md §4.5 "in bounded batches".
func (s *Store) ReadTicksAfter(ctx context.Context, streamKey, lastID string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	out := make([]StreamEntry, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var tick types.AggregatedTick
		if err := json.Unmarshal([]byte(raw), &tick); err != nil {
			continue
		}
		out = append(out, StreamEntry{ID: msg.ID, Tick: tick})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// order_status:{venue}:{id} — FIFO of OrderRecord JSON
// ————————————————————————————————————————————————————————————————————————

func orderStatusKey(venue types.VenueKind, orderID string) string {
	return fmt.Sprintf("order_status:%s:%s", venue, orderID)
}

// PushOrderStatus right-pushes a normalized order event onto its FIFO; the
// order-status stream workers are the only writers.
func (s *Store) PushOrderStatus(ctx context.Context, venue types.VenueKind, orderID string, rec types.OrderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal order record: %w", err)
	}
	return s.rdb.RPush(ctx, orderStatusKey(venue, orderID), data).Err()
}

// BLPopOrderStatus blocks up to timeout for the next event on an order's
// FIFO (left-pop, single consumer: the owning dealer).
func (s *Store) BLPopOrderStatus(ctx context.Context, venue types.VenueKind, orderID string, timeout time.Duration) (types.OrderRecord, bool, error) {
	res, err := s.rdb.BLPop(ctx, timeout, orderStatusKey(venue, orderID)).Result()
	if err == redis.Nil {
		return types.OrderRecord{}, false, nil
	}
	if err != nil {
		return types.OrderRecord{}, false, fmt.Errorf("blpop order status: %w", err)
	}
	return decodeOrderRecord(res[len(res)-1])
}

// LPopOrderStatus drains one event non-blocking; returns ok=false if empty.
func (s *Store) LPopOrderStatus(ctx context.Context, venue types.VenueKind, orderID string) (types.OrderRecord, bool, error) {
	res, err := s.rdb.LPop(ctx, orderStatusKey(venue, orderID)).Result()
	if err == redis.Nil {
		return types.OrderRecord{}, false, nil
	}
	if err != nil {
		return types.OrderRecord{}, false, fmt.Errorf("lpop order status: %w", err)
	}
	return decodeOrderRecord(res)
}

func decodeOrderRecord(raw string) (types.OrderRecord, bool, error) {
	var rec types.OrderRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return types.OrderRecord{}, false, fmt.Errorf("unmarshal order record: %w", err)
	}
	return rec, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// order:position_status — HASH field {venue}:{symbol}
// ————————————————————————————————————————————————————————————————————————

const positionStatusKey = "order:position_status"

func positionField(venue types.VenueKind, symbol string) string {
	return fmt.Sprintf("%s:%s", venue, symbol)
}

// SetPositionStatus overwrites the hash field for (venue, symbol).
func (s *Store) SetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string, pos types.PositionStatus) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position status: %w", err)
	}
	return s.rdb.HSet(ctx, positionStatusKey, positionField(venue, symbol), data).Err()
}

// GetPositionStatus reads the cached position for (venue, symbol).
func (s *Store) GetPositionStatus(ctx context.Context, venue types.VenueKind, symbol string) (types.PositionStatus, bool, error) {
	data, err := s.rdb.HGet(ctx, positionStatusKey, positionField(venue, symbol)).Bytes()
	if err == redis.Nil {
		return types.PositionStatus{}, false, nil
	}
	if err != nil {
		return types.PositionStatus{}, false, fmt.Errorf("hget position status: %w", err)
	}
	var pos types.PositionStatus
	if err := json.Unmarshal(data, &pos); err != nil {
		return types.PositionStatus{}, false, fmt.Errorf("unmarshal position status: %w", err)
	}
	return pos, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// order:thresholds:{venue} — HASH field {symbol}
// ————————————————————————————————————————————————————————————————————————

func thresholdsKey(venue types.VenueKind) string {
	return fmt.Sprintf("order:thresholds:%s", venue)
}

// SetThresholds publishes a symbol's thresholds as an atomic blob; readers
// never see a partial update (HSET of a single field is atomic).
func (s *Store) SetThresholds(ctx context.Context, venue types.VenueKind, symbol string, th types.Thresholds) error {
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	return s.rdb.HSet(ctx, thresholdsKey(venue), symbol, data).Err()
}

// GetThresholds reads the current thresholds blob for (venue, symbol).
func (s *Store) GetThresholds(ctx context.Context, venue types.VenueKind, symbol string) (types.Thresholds, bool, error) {
	data, err := s.rdb.HGet(ctx, thresholdsKey(venue), symbol).Bytes()
	if err == redis.Nil {
		return types.Thresholds{}, false, nil
	}
	if err != nil {
		return types.Thresholds{}, false, fmt.Errorf("hget thresholds: %w", err)
	}
	var th types.Thresholds
	if err := json.Unmarshal(data, &th); err != nil {
		return types.Thresholds{}, false, fmt.Errorf("unmarshal thresholds: %w", err)
	}
	return th, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// order:signal:processing — SET of locked "{maker_venue}:{symbol}"
// ————————————————————————————————————————————————————————————————————————

const processingSetKey = "order:signal:processing"

func processingMember(venue types.VenueKind, symbol string) string {
	return fmt.Sprintf("%s:%s", venue, symbol)
}

// TryLock attempts to atomically add (venue, symbol) to the processing set.
// Returns true iff this call obtained the lock (SADD's return count).
func (s *Store) TryLock(ctx context.Context, venue types.VenueKind, symbol string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, processingSetKey, processingMember(venue, symbol)).Result()
	if err != nil {
		return false, fmt.Errorf("sadd processing lock: %w", err)
	}
	return n == 1, nil
}

// Unlock removes (venue, symbol) from the processing set. Safe to call even
// if the lock was never held (SREM on a missing member is a no-op).
func (s *Store) Unlock(ctx context.Context, venue types.VenueKind, symbol string) error {
	return s.rdb.SRem(ctx, processingSetKey, processingMember(venue, symbol)).Err()
}

// IsLocked reports whether (venue, symbol) is currently in the processing
// set, for the signal generator's read-only pre-check (spec.md §4.5: "skip
// if (maker_venue, symbol) already in the processing set"). The dispatcher
// still performs the authoritative atomic TryLock before spawning a dealer.
func (s *Store) IsLocked(ctx context.Context, venue types.VenueKind, symbol string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, processingSetKey, processingMember(venue, symbol)).Result()
	if err != nil {
		return false, fmt.Errorf("sismember processing lock: %w", err)
	}
	return ok, nil
}

// ClearAllLocks drops the entire processing set. Called once at startup
// (spec.md §5: "never held across process restart; startup clears it").
func (s *Store) ClearAllLocks(ctx context.Context) error {
	return s.rdb.Del(ctx, processingSetKey).Err()
}

// ————————————————————————————————————————————————————————————————————————
// margin:{venue} — HASH {used,free,total}
// ————————————————————————————————————————————————————————————————————————

func marginKey(venue types.VenueKind) string {
	return fmt.Sprintf("margin:%s", venue)
}

// SetMargin overwrites a venue's margin snapshot.
func (s *Store) SetMargin(ctx context.Context, venue types.VenueKind, m types.MarginInfo) error {
	return s.rdb.HSet(ctx, marginKey(venue), map[string]interface{}{
		"used":  m.Used.String(),
		"free":  m.Free.String(),
		"total": m.Total.String(),
	}).Err()
}

// GetMargin reads a venue's cached margin snapshot.
func (s *Store) GetMargin(ctx context.Context, venue types.VenueKind) (types.MarginInfo, bool, error) {
	res, err := s.rdb.HGetAll(ctx, marginKey(venue)).Result()
	if err != nil {
		return types.MarginInfo{}, false, fmt.Errorf("hgetall margin: %w", err)
	}
	if len(res) == 0 {
		return types.MarginInfo{}, false, nil
	}
	m := types.MarginInfo{Venue: venue}
	if err := parseDecimalField(res, "used", &m.Used); err != nil {
		return types.MarginInfo{}, false, err
	}
	if err := parseDecimalField(res, "free", &m.Free); err != nil {
		return types.MarginInfo{}, false, err
	}
	if err := parseDecimalField(res, "total", &m.Total); err != nil {
		return types.MarginInfo{}, false, err
	}
	return m, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// funding_rate:{venue}:{symbol} — JSON FundingSnapshot
// ————————————————————————————————————————————————————————————————————————

// parseDecimalField parses fields[key] as a decimal, returning a wrapped
// error naming the offending field on failure.
func parseDecimalField(fields map[string]string, key string, out *decimal.Decimal) error {
	d, err := decimal.NewFromString(fields[key])
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*out = d
	return nil
}

func fundingKey(venue types.VenueKind, symbol string) string {
	return fmt.Sprintf("funding_rate:%s:%s", venue, symbol)
}

// SetFunding overwrites the funding snapshot for (venue, symbol).
func (s *Store) SetFunding(ctx context.Context, venue types.VenueKind, symbol string, snap types.FundingSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal funding snapshot: %w", err)
	}
	return s.rdb.Set(ctx, fundingKey(venue, symbol), data, 0).Err()
}

// GetFunding reads the current funding snapshot for (venue, symbol).
func (s *Store) GetFunding(ctx context.Context, venue types.VenueKind, symbol string) (types.FundingSnapshot, bool, error) {
	data, err := s.rdb.Get(ctx, fundingKey(venue, symbol)).Bytes()
	if err == redis.Nil {
		return types.FundingSnapshot{}, false, nil
	}
	if err != nil {
		return types.FundingSnapshot{}, false, fmt.Errorf("get funding: %w", err)
	}
	var snap types.FundingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.FundingSnapshot{}, false, fmt.Errorf("unmarshal funding: %w", err)
	}
	return snap, true, nil
}
