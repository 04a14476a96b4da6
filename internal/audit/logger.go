// Package audit appends one row per signal that reaches the dispatcher's
// admission gate to a CSV trade log, so the log explains why a signal
// didn't trade as well as the ones that did (spec.md §9 Open Question 2).
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/crossbook/arbengine/pkg/types"
)

var header = []string{
	"recorded_at", "symbol", "maker_venue", "maker_side", "maker_price",
	"maker_qty", "taker_venue", "taker_side", "taker_price",
	"orderbook_ts_ms", "is_reduce_position", "status", "reason",
	"filled_qty", "followed_qty", "cancel_by_program",
}

// Logger appends SignalOutcome rows to a single CSV file, writing the
// header exactly once. Safe for concurrent use by multiple dealers.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// Open opens (creating if absent) the CSV file at path, writing the header
// row only if the file is new.
func Open(path string) (*Logger, error) {
	info, statErr := os.Stat(path)
	needsHeader := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Logger{file: f, writer: csv.NewWriter(f)}
	if needsHeader {
		if err := l.writer.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write audit header: %w", err)
		}
		l.writer.Flush()
	}
	return l, nil
}

// Append writes one row and flushes immediately, so a crash never loses a
// row that was already appended. recordedAt is stamped here if zero.
func (l *Logger) Append(ctx context.Context, outcome types.SignalOutcome) error {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sig := outcome.Signal
	record := []string{
		outcome.RecordedAt.Format(time.RFC3339Nano),
		sig.Symbol,
		string(sig.MakerVenue),
		string(sig.MakerSide),
		sig.MakerPrice.String(),
		sig.MakerQty.String(),
		string(sig.TakerVenue),
		string(sig.TakerSide),
		sig.TakerPrice.String(),
		strconv.FormatInt(sig.OrderbookTsMs, 10),
		strconv.FormatBool(sig.IsReducePosition),
		string(outcome.Status),
		outcome.Reason,
		outcome.FilledQty.String(),
		outcome.FollowedQty.String(),
		strconv.FormatBool(outcome.CancelByProgram),
	}
	if err := l.writer.Write(record); err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	l.writer.Flush()
	return l.writer.Error()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.file.Close()
}
