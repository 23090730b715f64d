package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseConfig configures the usage-ledger sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	// Table is the target table name. Expected schema:
	//   key_id String, requests UInt64, tokens UInt64, recorded_at DateTime
	Table string
}

// ClickHouseUsageSink appends one audit row per IncrementUsage call to a
// ClickHouse table, giving the store's at-least-once usage accounting
// (spec §1 Non-goals) a concrete, queryable home. Rows are batched per
// Flush interval rather than inserted one at a time, matching ClickHouse's
// preference for bulk inserts over row-at-a-time writes.
type ClickHouseUsageSink struct {
	conn  clickhouse.Conn
	table string

	batch   chan usageRow
	done    chan struct{}
	flushed chan struct{}
}

type usageRow struct {
	keyID    string
	requests uint64
	tokens   uint64
	at       time.Time
}

// NewClickHouseUsageSink opens a connection and starts the background batch
// flusher. Call Close on shutdown to drain the remaining buffered rows.
func NewClickHouseUsageSink(cfg ClickHouseConfig, flushInterval time.Duration, bufferSize int) (*ClickHouseUsageSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	table := cfg.Table
	if table == "" {
		table = "usage_ledger"
	}

	s := &ClickHouseUsageSink{
		conn:    conn,
		table:   table,
		batch:   make(chan usageRow, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go s.loop(flushInterval)
	return s, nil
}

// RecordUsage enqueues a row for the next batch flush. Non-blocking unless
// the buffer is full, in which case it applies backpressure rather than
// dropping the row silently — usage accounting must not silently lose data.
func (s *ClickHouseUsageSink) RecordUsage(ctx context.Context, keyID string, requests, tokens uint64, at time.Time) error {
	select {
	case s.batch <- usageRow{keyID: keyID, requests: requests, tokens: tokens, at: at}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ClickHouseUsageSink) loop(flushInterval time.Duration) {
	defer close(s.flushed)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]usageRow, 0, 256)
	for {
		select {
		case row := <-s.batch:
			pending = append(pending, row)
		case <-ticker.C:
			pending = s.flush(pending)
		case <-s.done:
			// drain whatever is left in the channel without blocking
			for {
				select {
				case row := <-s.batch:
					pending = append(pending, row)
					continue
				default:
				}
				break
			}
			s.flush(pending)
			return
		}
	}
}

func (s *ClickHouseUsageSink) flush(rows []usageRow) []usageRow {
	if len(rows) == 0 {
		return rows
	}
	ctx := context.Background()
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (key_id, requests, tokens, recorded_at)", s.table))
	if err != nil {
		return rows // keep for the next flush
	}
	for _, r := range rows {
		if err := batch.Append(r.keyID, r.requests, r.tokens, r.at); err != nil {
			return rows
		}
	}
	if err := batch.Send(); err != nil {
		return rows
	}
	return rows[:0]
}

// Close stops the flush loop and sends any buffered rows before returning.
func (s *ClickHouseUsageSink) Close() error {
	close(s.done)
	<-s.flushed
	return s.conn.Close()
}
