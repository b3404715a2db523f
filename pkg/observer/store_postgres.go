package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// PostgresStore persists the chain in Postgres for multi-node
// deployments. Sequence conflicts from concurrent writers surface as
// ErrSequenceConflict and are retried by the appender.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore migrates and wraps an existing handle.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS observer_events (
		sequence BIGINT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		data JSONB,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		signature TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_observer_agent_seq ON observer_events(agent_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_observer_timestamp ON observer_events(timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Last(ctx context.Context) (int64, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, hash FROM observer_events ORDER BY sequence DESC LIMIT 1`)
	var seq int64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("last event: %w", err)
	}
	return seq, hash, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e *contracts.ObserverEvent) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observer_events
			(sequence, timestamp, source, event_type, risk_level, agent_id, user_id, data, previous_hash, hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Sequence, e.Timestamp, e.Source, e.EventType, string(e.RiskLevel),
		e.AgentID, e.UserID, string(dataJSON), e.PreviousHash, e.Hash, e.Signature,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, lo, hi int64) ([]contracts.ObserverEvent, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectCols+
		` FROM observer_events WHERE sequence >= $1 AND sequence <= $2 ORDER BY sequence ASC`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	return scanPGEvents(rows)
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]contracts.ObserverEvent, error) {
	query, args := buildQuery(f, func(i int) string { return fmt.Sprintf("$%d", i) })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanPGEvents(rows)
}

const pgSelectCols = `SELECT sequence, timestamp, source, event_type, risk_level, agent_id, user_id, data, previous_hash, hash, signature`

func scanPGEvents(rows *sql.Rows) ([]contracts.ObserverEvent, error) {
	defer func() { _ = rows.Close() }()

	out := make([]contracts.ObserverEvent, 0)
	for rows.Next() {
		var e contracts.ObserverEvent
		var risk string
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Sequence, &ts, &e.Source, &e.EventType, &risk,
			&e.AgentID, &e.UserID, &dataJSON, &e.PreviousHash, &e.Hash, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = ts.UTC()
		e.RiskLevel = contracts.RiskLevel(risk)
		if len(dataJSON) > 0 && string(dataJSON) != "null" {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
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
