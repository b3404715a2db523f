package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the chain in SQLite. Suitable for single-node
// deployments and the CLI verifier.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a store over an existing handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS observer_events (
		sequence INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		agent_id TEXT,
		user_id TEXT,
		data JSON,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		signature TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observer_agent_seq ON observer_events(agent_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_observer_timestamp ON observer_events(timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Last(ctx context.Context) (int64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, hash FROM observer_events ORDER BY sequence DESC LIMIT 1`)
	var seq int64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("last event: %w", err)
	}
	return seq, hash, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, e *contracts.ObserverEvent) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observer_events
			(sequence, timestamp, source, event_type, risk_level, agent_id, user_id, data, previous_hash, hash, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.Timestamp.Format(time.RFC3339Nano), e.Source, e.EventType, string(e.RiskLevel),
		e.AgentID, e.UserID, string(dataJSON), e.PreviousHash, e.Hash, e.Signature,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Range(ctx context.Context, lo, hi int64) ([]contracts.ObserverEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+
		` FROM observer_events WHERE sequence >= ? AND sequence <= ? ORDER BY sequence ASC`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	return scanEvents(rows)
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]contracts.ObserverEvent, error) {
	query, args := buildQuery(f, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

const selectCols = `SELECT sequence, timestamp, source, event_type, risk_level, agent_id, user_id, data, previous_hash, hash, signature`

// buildQuery renders a filter as SQL; placeholder renders the i-th
// positional parameter ("?" for sqlite, "$n" for postgres).
func buildQuery(f Filter, placeholder func(int) string) (string, []any) {
	var sb strings.Builder
	sb.WriteString(selectCols)
	sb.WriteString(" FROM observer_events WHERE 1=1")

	args := make([]any, 0, 8)
	add := func(clause string, v any) {
		args = append(args, v)
		sb.WriteString(" AND ")
		sb.WriteString(fmt.Sprintf(clause, placeholder(len(args))))
	}

	if f.AgentID != "" {
		add("agent_id = %s", f.AgentID)
	}
	if f.UserID != "" {
		add("user_id = %s", f.UserID)
	}
	if f.EventType != "" {
		add("event_type = %s", f.EventType)
	}
	if f.Source != "" {
		add("source = %s", f.Source)
	}
	if f.RiskLevel != "" {
		add("risk_level = %s", string(f.RiskLevel))
	}
	if !f.From.IsZero() {
		add("timestamp >= %s", f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		add("timestamp <= %s", f.To.UTC().Format(time.RFC3339Nano))
	}
	if f.AfterSequence > 0 {
		if f.Direction == Backward {
			add("sequence < %s", f.AfterSequence)
		} else {
			add("sequence > %s", f.AfterSequence)
		}
	}
	if f.Direction == Backward {
		sb.WriteString(" ORDER BY sequence DESC")
	} else {
		sb.WriteString(" ORDER BY sequence ASC")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sb.WriteString(" LIMIT ")
		sb.WriteString(placeholder(len(args)))
	}
	return sb.String(), args
}

func scanEvents(rows *sql.Rows) ([]contracts.ObserverEvent, error) {
	defer func() { _ = rows.Close() }()

	out := make([]contracts.ObserverEvent, 0)
	for rows.Next() {
		var e contracts.ObserverEvent
		var ts, risk, dataJSON string
		if err := rows.Scan(&e.Sequence, &ts, &e.Source, &e.EventType, &risk,
			&e.AgentID, &e.UserID, &dataJSON, &e.PreviousHash, &e.Hash, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
		e.RiskLevel = contracts.RiskLevel(risk)
		if dataJSON != "" && dataJSON != "null" {
			if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
