package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"arc-sentinel/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const eventsTable = "events"

const insertEventsQuery = `
	INSERT INTO events (
		id, timestamp, received_at, event_type, severity,
		source_ip, destination_ip, destination_port, bytes, payload,
		anomaly_scored, anomaly_flagged, anomaly_score
	)
`

const selectEventColumns = `
	id, timestamp, received_at, event_type, severity,
	source_ip, destination_ip, destination_port, bytes, payload,
	anomaly_scored, anomaly_flagged, anomaly_score
`

// ClickHouseStore is an EventStore backed by the ClickHouse events table.
type ClickHouseStore struct {
	client       *ClickHouseClient
	queryTimeout time.Duration
}

// NewClickHouseStore creates an event store over an open client.
func NewClickHouseStore(client *ClickHouseClient, queryTimeout time.Duration) *ClickHouseStore {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &ClickHouseStore{client: client, queryTimeout: queryTimeout}
}

// Insert writes one event synchronously so later lookups observe it.
func (s *ClickHouseStore) Insert(ctx context.Context, event *schema.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := appendEvents(ctx, s.client, []*schema.Event{event}); err != nil {
		return WrapQueryError("Insert", eventsTable, err)
	}
	return nil
}

// Import bulk-loads historical events through a BatchWriter.
func (s *ClickHouseStore) Import(ctx context.Context, events []*schema.Event, cfg BatchWriterConfig) (BatchWriterMetrics, error) {
	bw := NewBatchWriter(s.client, cfg)
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			bw.Close()
			return bw.Metrics(), err
		}
		if err := bw.Write(e); err != nil {
			bw.Close()
			return bw.Metrics(), err
		}
	}
	err := bw.Close()
	return bw.Metrics(), err
}

// Query returns matching events.
func (s *ClickHouseStore) Query(ctx context.Context, f Filter) ([]*schema.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := buildWhere(f)
	query := "SELECT " + selectEventColumns + " FROM " + eventsTable + where
	if f.Desc {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", eventsTable, err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, WrapQueryError("Query", eventsTable, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Query", eventsTable, err)
	}
	return events, nil
}

// Count returns the number of matching events.
func (s *ClickHouseStore) Count(ctx context.Context, f Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := buildWhere(f)
	var n uint64
	if err := s.client.QueryRow(ctx, "SELECT count() FROM "+eventsTable+where, args...).Scan(&n); err != nil {
		return 0, WrapQueryError("Count", eventsTable, err)
	}
	return int64(n), nil
}

// MaxBytes returns the largest byte count among matching events.
func (s *ClickHouseStore) MaxBytes(ctx context.Context, f Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	where, args := buildWhere(f)
	var max uint64
	if err := s.client.QueryRow(ctx, "SELECT max(bytes) FROM "+eventsTable+where, args...).Scan(&max); err != nil {
		return 0, WrapQueryError("MaxBytes", eventsTable, err)
	}
	return int64(max), nil
}

// Close closes the underlying client.
func (s *ClickHouseStore) Close() error {
	return s.client.Close()
}

// buildWhere renders a filter as a WHERE clause with positional arguments.
func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any

	if !f.Start.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Start.UTC())
	}
	if !f.End.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.End.UTC())
	}
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.Type)
	}
	if f.SourceIP != "" {
		conds = append(conds, "source_ip = ?")
		args = append(args, f.SourceIP)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// appendEvents sends events as a single ClickHouse batch.
func appendEvents(ctx context.Context, client *ClickHouseClient, events []*schema.Event) error {
	batch, err := client.PrepareBatch(ctx, insertEventsQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		payload, err := e.Payload.Canonical()
		if err != nil {
			return fmt.Errorf("event %s: payload: %w", e.ID, err)
		}
		if err := batch.Append(
			e.ID,
			e.Timestamp.UTC(),
			e.ReceivedAt.UTC(),
			e.Type,
			string(e.Severity),
			e.SourceIP,
			e.DestIP,
			uint16(e.DestPort),
			uint64(e.Bytes),
			payload,
			boolToUint8(e.Anomaly.Scored),
			boolToUint8(e.Anomaly.Flagged),
			e.Anomaly.Score,
		); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func scanEvent(rows driver.Rows) (*schema.Event, error) {
	var (
		e               schema.Event
		id              uuid.UUID
		severity        string
		port            uint16
		bytes           uint64
		payload         string
		scored, flagged uint8
	)
	if err := rows.Scan(
		&id, &e.Timestamp, &e.ReceivedAt, &e.Type, &severity,
		&e.SourceIP, &e.DestIP, &port, &bytes, &payload,
		&scored, &flagged, &e.Anomaly.Score,
	); err != nil {
		return nil, err
	}

	e.ID = id
	e.Severity = schema.Severity(severity)
	e.DestPort = int(port)
	e.Bytes = int64(bytes)
	e.Anomaly.Scored = scored == 1
	e.Anomaly.Flagged = flagged == 1
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %s: payload: %w", id, err)
		}
	}
	return &e, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
