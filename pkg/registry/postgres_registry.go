package registry

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

// PostgresAgentStore implements AgentStore with SQL persistence. The
// version column backs compare-and-swap updates.
type PostgresAgentStore struct {
	db *sql.DB
}

func NewPostgresAgentStore(db *sql.DB) *PostgresAgentStore {
	return &PostgresAgentStore{db: db}
}

const pgAgentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	manifest_json JSONB NOT NULL,
	pipeline_stage TEXT NOT NULL,
	specialization TEXT NOT NULL DEFAULT '',
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(agent_id),
	secret_hash BYTEA NOT NULL,
	scopes TEXT[] NOT NULL,
	rate_limit INT NOT NULL
);
`

func (s *PostgresAgentStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgAgentSchema)
	return err
}

func (s *PostgresAgentStore) Get(ctx context.Context, agentID string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, name, owner_id, manifest_json, pipeline_stage,
		       specialization, paused, webhook_url, created_at, version
		FROM agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func (s *PostgresAgentStore) Create(ctx context.Context, agent *contracts.Agent) error {
	manifestJSON, err := json.Marshal(agent.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, owner_id, manifest_json, pipeline_stage,
		                    specialization, paused, webhook_url, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
		agent.AgentID, agent.Name, agent.OwnerID, manifestJSON, string(agent.PipelineStage),
		agent.Specialization, agent.Paused, agent.WebhookURL, agent.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAgentExists
		}
		return err
	}
	agent.Version = 1
	return nil
}

func (s *PostgresAgentStore) Update(ctx context.Context, agent *contracts.Agent, expectedVersion int64) error {
	manifestJSON, err := json.Marshal(agent.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = $2, manifest_json = $3, pipeline_stage = $4, specialization = $5,
		    paused = $6, webhook_url = $7, version = version + 1
		WHERE agent_id = $1 AND version = $8`,
		agent.AgentID, agent.Name, manifestJSON, string(agent.PipelineStage),
		agent.Specialization, agent.Paused, agent.WebhookURL, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish missing row from a lost race.
		if _, err := s.Get(ctx, agent.AgentID); err != nil {
			return err
		}
		return ErrStaleAgent
	}
	agent.Version = expectedVersion + 1
	return nil
}

func (s *PostgresAgentStore) List(ctx context.Context) ([]contracts.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, owner_id, manifest_json, pipeline_stage,
		       specialization, paused, webhook_url, created_at, version
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []contracts.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*contracts.Agent, error) {
	var agent contracts.Agent
	var manifestJSON []byte
	var stage string
	var createdAt time.Time
	err := row.Scan(&agent.AgentID, &agent.Name, &agent.OwnerID, &manifestJSON, &stage,
		&agent.Specialization, &agent.Paused, &agent.WebhookURL, &createdAt, &agent.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(manifestJSON, &agent.Manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	agent.PipelineStage = contracts.PipelineStage(stage)
	agent.CreatedAt = createdAt.UTC()
	for _, cap := range agent.Manifest.Capabilities {
		agent.Capabilities = append(agent.Capabilities, cap.Code)
	}
	return &agent, nil
}

// PostgresAPIKeyStore implements APIKeyStore over the api_keys table.
type PostgresAPIKeyStore struct {
	db *sql.DB
}

func NewPostgresAPIKeyStore(db *sql.DB) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

func (s *PostgresAPIKeyStore) Put(ctx context.Context, record *APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, agent_id, secret_hash, scopes, rate_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_hash) DO UPDATE
		SET secret_hash = $3, scopes = $4, rate_limit = $5`,
		record.KeyHash, record.AgentID, record.SecretHash, pq.Array(record.Scopes), record.RateLimit)
	return err
}

func (s *PostgresAPIKeyStore) GetByKeyHash(ctx context.Context, keyHash string) (*APIKeyRecord, error) {
	var record APIKeyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT key_hash, agent_id, secret_hash, scopes, rate_limit
		FROM api_keys WHERE key_hash = $1`, keyHash).
		Scan(&record.KeyHash, &record.AgentID, &record.SecretHash, pq.Array(&record.Scopes), &record.RateLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
