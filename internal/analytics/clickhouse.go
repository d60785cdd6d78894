package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	chTable         = "routiium_requests"
	chChannelBuffer = 10_000
	chBatchSize     = 500
	chFlushInterval = 5 * time.Second
	chQueryTimeout  = 10 * time.Second
)

// Schema is the table the ClickHouse backend writes to. It is created on
// startup with IF NOT EXISTS, so pre-provisioned tables win.
const Schema = `
CREATE TABLE IF NOT EXISTS ` + chTable + ` (
	request_id    String,
	route_id      String,
	route         String,
	api           String,
	model         String,
	mode          String,
	stream        Bool,
	key_id        String,
	status        UInt16,
	latency_ms    UInt32,
	input_tokens  UInt32,
	output_tokens UInt32,
	created_at    DateTime
) ENGINE = MergeTree()
ORDER BY created_at
TTL created_at + INTERVAL 90 DAY
`

// ClickHouseStore batches events into ClickHouse. Writes go through a
// buffered channel and a background flusher, the same shape as the request
// logger: the proxy hot path never waits on the database.
type ClickHouseStore struct {
	conn driver.Conn
	log  *slog.Logger

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// NewClickHouseStore connects using the DSN, verifies the connection, creates
// the table and starts the flush goroutine.
func NewClickHouseStore(ctx context.Context, dsn string, log *slog.Logger) (*ClickHouseStore, error) {
	if log == nil {
		log = slog.Default()
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}
	if err := conn.Exec(ctx, Schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: create table: %w", err)
	}

	s := &ClickHouseStore{
		conn: conn,
		log:  log,
		ch:   make(chan Event, chChannelBuffer),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

func (s *ClickHouseStore) Record(e Event) {
	select {
	case s.ch <- e:
		s.recorded.Add(1)
	default:
		s.dropped.Add(1)
	}
}

func (s *ClickHouseStore) Query(ctx context.Context, start, end time.Time, limit int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, chQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, `
		SELECT request_id, route_id, route, api, model, mode, stream, key_id,
		       status, latency_ms, input_tokens, output_tokens, created_at
		FROM `+chTable+`
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.RequestID, &e.RouteID, &e.Route, &e.API, &e.Model, &e.Mode,
			&e.Stream, &e.KeyID, &e.Status, &e.LatencyMs,
			&e.InputTokens, &e.OutputTokens, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("analytics: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Aggregate(ctx context.Context, start, end time.Time) ([]ModelAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, chQueryTimeout)
	defer cancel()

	rows, err := s.conn.Query(ctx, `
		SELECT model,
		       count()                    AS requests,
		       countIf(status >= 400)     AS errors,
		       avg(latency_ms)            AS avg_latency_ms,
		       sum(input_tokens)          AS input_tokens,
		       sum(output_tokens)         AS output_tokens
		FROM `+chTable+`
		WHERE created_at >= ? AND created_at < ?
		GROUP BY model
		ORDER BY requests DESC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: aggregate: %w", err)
	}
	defer rows.Close()

	var out []ModelAggregate
	for rows.Next() {
		var a ModelAggregate
		if err := rows.Scan(&a.Model, &a.Requests, &a.Errors, &a.AvgLatencyMs, &a.InputTokens, &a.OutputTokens); err != nil {
			return nil, fmt.Errorf("analytics: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Stats() Stats {
	return Stats{
		Backend:  "clickhouse",
		Recorded: s.recorded.Load(),
		Dropped:  s.dropped.Load(),
	}
}

func (s *ClickHouseStore) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, chQueryTimeout)
	defer cancel()
	if err := s.conn.Exec(ctx, "TRUNCATE TABLE "+chTable); err != nil {
		return fmt.Errorf("analytics: truncate: %w", err)
	}
	return nil
}

// Close flushes buffered events and closes the connection.
func (s *ClickHouseStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseStore) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, chBatchSize)

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= chBatchSize {
				s.flush(ctx, &batch)
			}

		case <-ticker.C:
			s.flush(ctx, &batch)

		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= chBatchSize {
						s.flush(ctx, &batch)
					}
				default:
					s.flush(ctx, &batch)
					return
				}
			}
		}
	}
}

func (s *ClickHouseStore) flush(ctx context.Context, batch *[]Event) {
	if len(*batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, chQueryTimeout)
	defer cancel()

	prepared, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+chTable)
	if err != nil {
		s.log.Warn("analytics_batch_prepare_failed", slog.String("error", err.Error()))
		s.dropped.Add(uint64(len(*batch)))
		*batch = (*batch)[:0]
		return
	}
	for _, e := range *batch {
		if err := prepared.Append(
			e.RequestID, e.RouteID, e.Route, e.API, e.Model, e.Mode,
			e.Stream, e.KeyID, e.Status, e.LatencyMs,
			e.InputTokens, e.OutputTokens, normalizeTime(e.CreatedAt),
		); err != nil {
			s.log.Warn("analytics_batch_append_failed", slog.String("error", err.Error()))
			s.dropped.Add(1)
		}
	}
	if err := prepared.Send(); err != nil {
		s.log.Warn("analytics_batch_send_failed", slog.String("error", err.Error()))
		s.dropped.Add(uint64(len(*batch)))
	}
	*batch = (*batch)[:0]
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
