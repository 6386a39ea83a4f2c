package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oximy/oisp/internal/envelope"
)

// SQLiteSink persists OISP events into a local queryable store. The table
// keys on (event_id, event_type) — the sink-side primary key the envelope
// contract defines — so replaying the same export is idempotent. A few
// payload fields are lifted into columns for the show command's filters;
// the canonical JSON rides alongside untouched.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

const eventSchema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS events (
	event_id     TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	ts           TEXT NOT NULL,
	source_type  TEXT NOT NULL,
	provider     TEXT,
	model        TEXT,
	request_id   TEXT,
	pid          INTEGER,
	success      INTEGER,
	latency_ms   INTEGER,
	total_tokens INTEGER,
	payload      TEXT NOT NULL,
	created_at   TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (event_id, event_type)
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(event_type, ts);
CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id) WHERE request_id IS NOT NULL;
`

// NewSQLiteSink opens (or creates) the event store at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating event store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating event store: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restricting event store permissions: %w", err)
	}

	return &SQLiteSink{db: db, path: path}, nil
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Deliver writes the batch in one transaction. Conflicting (event_id,
// event_type) rows are ignored, keeping redelivery idempotent.
func (s *SQLiteSink) Deliver(ctx context.Context, batch []*envelope.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event store tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events
		(event_id, event_type, ts, source_type, provider, model, request_id, pid, success, latency_ms, total_tokens, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range batch {
		payload, err := ev.MarshalCanonical()
		if err != nil {
			continue
		}
		cols := liftColumns(ev)
		var pid *int
		if ev.Process != nil {
			pid = &ev.Process.PID
		}
		if _, err := stmt.ExecContext(ctx,
			ev.EventID, ev.EventType, ev.TS.UTC().Format(time.RFC3339Nano),
			ev.Source.Type, cols.provider, cols.model, cols.requestID,
			pid, cols.success, cols.latencyMs, cols.totalTokens,
			string(payload),
		); err != nil {
			return fmt.Errorf("inserting event %s: %w", ev.EventID, err)
		}
	}
	return tx.Commit()
}

type liftedColumns struct {
	provider    *string
	model       *string
	requestID   *string
	success     *bool
	latencyMs   *int64
	totalTokens *int
}

func liftColumns(ev *envelope.Event) liftedColumns {
	var cols liftedColumns
	switch ev.EventType {
	case envelope.TypeAiRequest:
		var data envelope.AiRequestData
		if json.Unmarshal(ev.Data, &data) == nil {
			cols.provider = &data.Provider.Name
			cols.model = &data.Model.ID
		}
	case envelope.TypeAiResponse:
		var data envelope.AiResponseData
		if json.Unmarshal(ev.Data, &data) == nil {
			cols.provider = &data.Provider.Name
			cols.model = &data.Model.ID
			if data.RequestID != "" {
				cols.requestID = &data.RequestID
			}
			cols.success = &data.Success
			cols.latencyMs = &data.LatencyMs
			if data.Usage != nil {
				cols.totalTokens = &data.Usage.TotalTokens
			}
		}
	}
	return cols
}

// StoredEvent is one row read back from the event store.
type StoredEvent struct {
	EventID   string
	EventType string
	TS        time.Time
	Payload   []byte
}

// QueryFilter narrows List results.
type QueryFilter struct {
	EventType string
	Since     *time.Time
	Limit     int
}

// List reads events back in timestamp order, for the show command.
func (s *SQLiteSink) List(ctx context.Context, filter QueryFilter) ([]*StoredEvent, error) {
	q := `SELECT event_id, event_type, ts, payload FROM events`
	var where []string
	var args []any
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	for i, cond := range where {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}
	q += " ORDER BY ts"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var ts, payload string
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ts, &payload); err != nil {
			return nil, err
		}
		ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
		ev.Payload = []byte(payload)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// TokenTotals aggregates total_tokens per model across stored responses,
// for the show command's cost summary.
func (s *SQLiteSink) TokenTotals(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, SUM(total_tokens) FROM events
		WHERE event_type = ? AND model IS NOT NULL AND total_tokens IS NOT NULL
		GROUP BY model
	`, envelope.TypeAiResponse)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var model string
		var total int
		if err := rows.Scan(&model, &total); err != nil {
			return nil, err
		}
		totals[model] = total
	}
	return totals, rows.Err()
}

// Close checkpoints and closes the store.
func (s *SQLiteSink) Close(ctx context.Context) error {
	s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
