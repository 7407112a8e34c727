package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse approval_events_mirror table
// for operator analytics. The Postgres audit trail stays the source of
// truth; this read model only powers aggregate views.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// TypeCount is a count keyed by event type.
type TypeCount struct {
	EventType string
	Count     int
}

// ToolCount is a count keyed by tool name.
type ToolCount struct {
	ToolName string
	Count    int
}

// PathCount is a count keyed by decision path.
type PathCount struct {
	Path  string
	Count int
}

// DayBucket is a daily event count.
type DayBucket struct {
	Day   string
	Count int
}

// Analytics is the aggregate view served to operators.
type Analytics struct {
	TotalEvents   int
	ByType        []TypeCount
	QueuedByPath  []PathCount
	TopTools      []ToolCount
	EventsOverDay []DayBucket
}

// GetAnalytics aggregates mirror events within the window.
func (r *Reader) GetAnalytics(ctx context.Context, since, until time.Time) (*Analytics, error) {
	a := &Analytics{}
	args := []any{
		clickhouse.Named("since", since),
		clickhouse.Named("until", until),
	}

	// Counts by event type
	rows, err := r.conn.Query(ctx, `
		SELECT event_type, count() AS c
		FROM approval_events_mirror
		WHERE occurred_at >= @since AND occurred_at <= @until
		GROUP BY event_type
		ORDER BY c DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics types: %w", err)
	}
	for rows.Next() {
		var tc TypeCount
		var c uint64
		if err := rows.Scan(&tc.EventType, &c); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("GetAnalytics types scan: %w", err)
		}
		tc.Count = int(c)
		a.TotalEvents += tc.Count
		a.ByType = append(a.ByType, tc)
	}
	_ = rows.Close()

	// Queue events by decision path
	rows, err = r.conn.Query(ctx, `
		SELECT path, count() AS c
		FROM approval_events_mirror
		WHERE event_type = 'action_queued' AND path != ''
		  AND occurred_at >= @since AND occurred_at <= @until
		GROUP BY path
		ORDER BY c DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics paths: %w", err)
	}
	for rows.Next() {
		var pc PathCount
		var c uint64
		if err := rows.Scan(&pc.Path, &c); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("GetAnalytics paths scan: %w", err)
		}
		pc.Count = int(c)
		a.QueuedByPath = append(a.QueuedByPath, pc)
	}
	_ = rows.Close()

	// Top tools by queue events
	rows, err = r.conn.Query(ctx, `
		SELECT tool_name, count() AS c
		FROM approval_events_mirror
		WHERE event_type = 'action_queued' AND tool_name != ''
		  AND occurred_at >= @since AND occurred_at <= @until
		GROUP BY tool_name
		ORDER BY c DESC
		LIMIT 10`, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics tools: %w", err)
	}
	for rows.Next() {
		var tc ToolCount
		var c uint64
		if err := rows.Scan(&tc.ToolName, &c); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("GetAnalytics tools scan: %w", err)
		}
		tc.Count = int(c)
		a.TopTools = append(a.TopTools, tc)
	}
	_ = rows.Close()

	// Daily buckets
	rows, err = r.conn.Query(ctx, `
		SELECT toString(toDate(occurred_at)) AS day, count() AS c
		FROM approval_events_mirror
		WHERE occurred_at >= @since AND occurred_at <= @until
		GROUP BY day
		ORDER BY day ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics days: %w", err)
	}
	for rows.Next() {
		var db DayBucket
		var c uint64
		if err := rows.Scan(&db.Day, &c); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("GetAnalytics days scan: %w", err)
		}
		db.Count = int(c)
		a.EventsOverDay = append(a.EventsOverDay, db)
	}
	_ = rows.Close()

	return a, nil
}
