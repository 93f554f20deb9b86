package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch-engine-go/internal/domain"
)

// PostgresStore implements Store on a PostgreSQL backend. Documents are
// stored as JSONB with the query-pattern columns (execution id, agent triple,
// statuses, timestamps) extracted for indexing; closure updates run inside a
// transaction with SELECT ... FOR UPDATE, which serializes racing writers on
// the same key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Schema is created on startup; CREATE TABLE IF NOT EXISTS keeps restarts
// idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	execution_id TEXT PRIMARY KEY,
	call_status  TEXT NOT NULL,
	queued_at    TIMESTAMPTZ NOT NULL,
	initiated_at TIMESTAMPTZ,
	doc          JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_call_records_status_created
	ON call_records (call_status, created_at);

CREATE TABLE IF NOT EXISTS agent_trackers (
	agent_id   TEXT NOT NULL,
	account_id TEXT NOT NULL,
	project    TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (agent_id, account_id, project)
);
CREATE INDEX IF NOT EXISTS idx_agent_trackers_account_project
	ON agent_trackers (account_id, project);

CREATE TABLE IF NOT EXISTS event_records (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INT NOT NULL,
	max_attempts INT NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_records_status_received
	ON event_records (status, received_at);
CREATE INDEX IF NOT EXISTS idx_event_records_execution
	ON event_records (execution_id);

CREATE TABLE IF NOT EXISTS leads (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	project     TEXT NOT NULL,
	call_status TEXT NOT NULL,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_leads_call_status
	ON leads (call_status, created_at) WHERE NOT deleted;
`

// NewPostgresStore connects, verifies the connection, and bootstraps the
// schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Postgres URL: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

// --- Call records ---

func (s *PostgresStore) CreateCall(ctx context.Context, rec *domain.CallRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO call_records (execution_id, call_status, queued_at, initiated_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (execution_id) DO NOTHING`,
		rec.ExecutionID, rec.CallStatus, rec.Timing.QueuedAt, rec.Timing.InitiatedAt, doc)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicateExecution
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, executionID string) (*domain.CallRecord, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM call_records WHERE execution_id = $1`, executionID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDoc[domain.CallRecord](doc)
}

func (s *PostgresStore) UpdateCall(ctx context.Context, executionID string, fn func(*domain.CallRecord) error) (*domain.CallRecord, error) {
	var out *domain.CallRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx,
			`SELECT doc FROM call_records WHERE execution_id = $1 FOR UPDATE`,
			executionID).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCallNotFound
		}
		if err != nil {
			return err
		}
		rec, err := unmarshalDoc[domain.CallRecord](doc)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		newDoc, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal call record: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE call_records
			SET call_status = $2, initiated_at = $3, doc = $4, updated_at = NOW()
			WHERE execution_id = $1`,
			executionID, rec.CallStatus, rec.Timing.InitiatedAt, newDoc)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListStalledCalls(ctx context.Context, cutoff time.Time) ([]*domain.CallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM call_records
		WHERE call_status IN ('queued', 'ringing', 'in-progress')
		  AND COALESCE(initiated_at, queued_at) < $1
		ORDER BY queued_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[domain.CallRecord](rows)
}

// --- Agent load trackers ---

func (s *PostgresStore) GetOrCreateAgent(ctx context.Context, key AgentKey, create func() *domain.AgentLoadTracker) (*domain.AgentLoadTracker, error) {
	t, err := s.GetAgent(ctx, key)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrAgentNotFound) {
		return nil, err
	}
	fresh := create()
	doc, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent tracker: %w", err)
	}
	// A concurrent creator may win the insert; DO NOTHING plus re-read keeps
	// both callers converging on one row.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_trackers (agent_id, account_id, project, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, account_id, project) DO NOTHING`,
		key.AgentID, key.AccountID, key.Project, doc)
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, key)
}

func (s *PostgresStore) GetAgent(ctx context.Context, key AgentKey) (*domain.AgentLoadTracker, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM agent_trackers
		WHERE agent_id = $1 AND account_id = $2 AND project = $3`,
		key.AgentID, key.AccountID, key.Project).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDoc[domain.AgentLoadTracker](doc)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, key AgentKey, fn func(*domain.AgentLoadTracker) error) (*domain.AgentLoadTracker, error) {
	var out *domain.AgentLoadTracker
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `
			SELECT doc FROM agent_trackers
			WHERE agent_id = $1 AND account_id = $2 AND project = $3 FOR UPDATE`,
			key.AgentID, key.AccountID, key.Project).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAgentNotFound
		}
		if err != nil {
			return err
		}
		t, err := unmarshalDoc[domain.AgentLoadTracker](doc)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		newDoc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal agent tracker: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE agent_trackers SET doc = $4, updated_at = NOW()
			WHERE agent_id = $1 AND account_id = $2 AND project = $3`,
			key.AgentID, key.AccountID, key.Project, newDoc)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, accountID, project string) ([]*domain.AgentLoadTracker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM agent_trackers
		WHERE ($1 = '' OR account_id = $1)
		  AND ($2 = '' OR project = $2)
		ORDER BY agent_id`, accountID, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[domain.AgentLoadTracker](rows)
}

// --- Event records ---

func (s *PostgresStore) CreateEvent(ctx context.Context, ev *domain.EventRecord) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event_records (id, execution_id, status, attempts, max_attempts, received_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ExecutionID, ev.Processing.Status, ev.Processing.Attempts,
		ev.Processing.MaxAttempts, ev.ReceivedAt, doc)
	return err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.EventRecord, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM event_records WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDoc[domain.EventRecord](doc)
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, id string, fn func(*domain.EventRecord) error) (*domain.EventRecord, error) {
	var out *domain.EventRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx,
			`SELECT doc FROM event_records WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		ev, err := unmarshalDoc[domain.EventRecord](doc)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
		newDoc, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event record: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE event_records SET status = $2, attempts = $3, doc = $4
			WHERE id = $1`,
			id, ev.Processing.Status, ev.Processing.Attempts, newDoc)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListRetryableEvents(ctx context.Context, limit int) ([]*domain.EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM event_records
		WHERE status IN ('pending', 'failed') AND attempts < max_attempts
		ORDER BY received_at
		LIMIT $1`, nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[domain.EventRecord](rows)
}

func (s *PostgresStore) ListExhaustedEvents(ctx context.Context, limit int) ([]*domain.EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM event_records
		WHERE status = 'failed' AND attempts >= max_attempts
		ORDER BY received_at
		LIMIT $1`, nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[domain.EventRecord](rows)
}

// --- Leads ---

func (s *PostgresStore) CreateLead(ctx context.Context, lead *domain.Lead) error {
	doc, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("failed to marshal lead: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO leads (id, account_id, project, call_status, deleted, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			call_status = EXCLUDED.call_status,
			deleted = EXCLUDED.deleted,
			doc = EXCLUDED.doc`,
		lead.ID, lead.AccountID, lead.Project, lead.CallStatus, lead.Deleted, doc)
	return err
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM leads WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDoc[domain.Lead](doc)
}

func (s *PostgresStore) ListPendingLeads(ctx context.Context) ([]*domain.Lead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM leads
		WHERE call_status = $1 AND NOT deleted
		ORDER BY created_at`, domain.LeadCallPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocs[domain.Lead](rows)
}

func (s *PostgresStore) UpdateLeadCallStatus(ctx context.Context, id, callStatus string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE leads
		SET call_status = $2, doc = jsonb_set(doc, '{call_status}', to_jsonb($2::text))
		WHERE id = $1`, id, callStatus)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// --- helpers ---

func unmarshalDoc[T any](doc []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(doc, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored document: %w", err)
	}
	return out, nil
}

func scanDocs[T any](rows pgx.Rows) ([]*T, error) {
	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v, err := unmarshalDoc[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// nullableLimit maps limit <= 0 to SQL NULL, which LIMIT treats as "no limit".
func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
