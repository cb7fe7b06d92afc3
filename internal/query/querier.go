// Package query reads the routing-event journal back out of ClickHouse
// for the steer-query API.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"NetSteer/internal/config"
)

// EventRow is one journal entry as returned by the API.
type EventRow struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	FlowKey     string    `json:"flow_key"`
	SrcDPID     uint64    `json:"src_dpid"`
	DstDPID     uint64    `json:"dst_dpid"`
	Path        string    `json:"path"`
	CostSeconds float64   `json:"cost_seconds"`
	Detail      string    `json:"detail"`
}

// EventCount aggregates journal entries per event type.
type EventCount struct {
	EventType string `json:"event_type"`
	Count     uint64 `json:"count"`
}

// Querier defines the read interface over the journal.
type Querier interface {
	FlowHistory(ctx context.Context, flowKey string, limit int) ([]EventRow, error)
	EventCounts(ctx context.Context, since time.Time) ([]EventCount, error)
}

type clickhouseQuerier struct {
	conn clickhouse.Conn
}

// NewClickHouseQuerier creates a querier for the routing_events table.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
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

// FlowHistory returns the most recent journal entries for one flow key,
// newest first.
func (q *clickhouseQuerier) FlowHistory(ctx context.Context, flowKey string, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT Timestamp, EventType, FlowKey, SrcDPID, DstDPID, Path, CostSeconds, Detail
		FROM routing_events
		WHERE FlowKey = ?
		ORDER BY Timestamp DESC
	`)
	queryBuilder.WriteString(fmt.Sprintf(" LIMIT %d", limit))

	rows, err := q.conn.Query(ctx, queryBuilder.String(), flowKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow history: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(&row.Timestamp, &row.EventType, &row.FlowKey, &row.SrcDPID,
			&row.DstDPID, &row.Path, &row.CostSeconds, &row.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan flow history row: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// EventCounts aggregates journal entries per event type since a cutoff.
func (q *clickhouseQuerier) EventCounts(ctx context.Context, since time.Time) ([]EventCount, error) {
	rows, err := q.conn.Query(ctx, `
		SELECT EventType, COUNT(*) AS Count
		FROM routing_events
		WHERE Timestamp >= ?
		GROUP BY EventType
		ORDER BY EventType
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts: %w", err)
	}
	defer rows.Close()

	var out []EventCount
	for rows.Next() {
		var row EventCount
		if err := rows.Scan(&row.EventType, &row.Count); err != nil {
			return nil, fmt.Errorf("failed to scan event count row: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}
