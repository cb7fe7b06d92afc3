package journal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"NetSteer/internal/config"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS routing_events (
    Timestamp   DateTime64(3),
    EventType   String,
    FlowKey     String,
    SrcDPID     UInt64,
    DstDPID     UInt64,
    Path        String,
    CostSeconds Float64,
    Detail      String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (EventType, Timestamp);
`

// Writer batches events into ClickHouse from a buffered channel. When the
// buffer is full events are dropped with a log line; routing never waits
// on the journal.
type Writer struct {
	conn          driver.Conn
	events        chan Event
	flushInterval time.Duration
	batchSize     int
	done          chan struct{}

	// writeBatch sends one batch to storage; swapped out in tests.
	writeBatch func([]Event) error

	mu     sync.Mutex
	closed bool
}

// NewWriter connects to ClickHouse, ensures the table exists and starts
// the background batcher.
func NewWriter(cfg config.JournalConfig) (*Writer, error) {
	flushInterval, err := time.ParseDuration(cfg.FlushInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid journal flush_interval: %w", err)
	}

	conn, err := connect(cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create routing_events table: %w", err)
	}
	log.Println("journal: connected to ClickHouse, routing_events table ready")

	w := &Writer{
		conn:          conn,
		events:        make(chan Event, cfg.BufferSize),
		flushInterval: flushInterval,
		batchSize:     cfg.BatchSize,
		done:          make(chan struct{}),
	}
	w.writeBatch = w.write
	go w.run()
	return w, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Record enqueues an event without blocking. Events arriving during or
// after shutdown are dropped; in-flight flow handlers may outlive the
// controller's stop sequence and must never crash it.
func (w *Writer) Record(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		log.Printf("journal: closed, dropped %s event for flow %q", ev.Type, ev.FlowKey)
		return
	}
	select {
	case w.events <- ev:
	default:
		log.Printf("journal: buffer full, dropped %s event for flow %q", ev.Type, ev.FlowKey)
	}
}

// Close flushes buffered events and stops the batcher. Safe to call more
// than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.events)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(batch); err != nil {
			log.Printf("journal: failed to write %d events: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) write(events []Event) error {
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO routing_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range events {
		if err := batch.Append(
			ev.Time,
			ev.Type,
			ev.FlowKey,
			ev.SrcDPID,
			ev.DstDPID,
			ev.Path,
			ev.CostSeconds,
			ev.Detail,
		); err != nil {
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
	}
	return batch.Send()
}
