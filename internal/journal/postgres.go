package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/flowengine/internal/dbx"
	"github.com/lyzr/flowengine/internal/ir"
)

// PostgresJournal is the durable half of C9: the system of record for
// run/context/node status, queried on restart to find work to reissue.
// Event payloads are also persisted here so Events can serve a tail
// request even when the hot Redis copy (see events.go) has rolled off.
//
// Schema and query style adapted from the teacher's
// common/repository/run.go (raw SQL, $N placeholders, Scan loops,
// "failed to ...: %w" wrapping) against a pool built the way
// common/db/db.go builds one.
type PostgresJournal struct {
	db *dbx.DB
}

func NewPostgresJournal(db *dbx.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// Migrate creates the tables this journal needs if they don't already
// exist. Called once at bootstrap; there is no migration framework here
// because the schema is small and owned entirely by this package.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_status_log (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contexts (
			run_id TEXT NOT NULL,
			ctx_id BIGINT NOT NULL,
			parent_ctx_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			PRIMARY KEY (run_id, ctx_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_nodes (
			run_id TEXT NOT NULL,
			op_id INT NOT NULL,
			ctx_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			lease_expires_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, op_id, ctx_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_run_id_id_idx ON events (run_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT NOT NULL,
			version TEXT NOT NULL,
			definition JSONB NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workflow_id, version)
		)`,
	}
	for _, s := range stmts {
		if _, err := j.db.Exec(ctx, s); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

func (j *PostgresJournal) AppendRunCreated(ctx context.Context, runID, workflowID, version string) error {
	now := time.Now()
	_, err := j.db.Exec(ctx,
		`INSERT INTO runs (run_id, workflow_id, version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, workflowID, version, StatusPending, now,
	)
	if err != nil {
		return fmt.Errorf("journal: append run created: %w", err)
	}
	return nil
}

func (j *PostgresJournal) AppendRunStatus(ctx context.Context, runID string, status RunStatus, at time.Time) error {
	if _, err := j.db.Exec(ctx, `INSERT INTO run_status_log (run_id, status, at) VALUES ($1, $2, $3)`, runID, status, at); err != nil {
		return fmt.Errorf("journal: append run status: %w", err)
	}
	_, err := j.db.Exec(ctx, `UPDATE runs SET status = $2, updated_at = $3 WHERE run_id = $1`, runID, status, at)
	if err != nil {
		return fmt.Errorf("journal: update run status: %w", err)
	}
	return nil
}

func (j *PostgresJournal) AppendContextCreated(ctx context.Context, runID string, ctxID int64, parentCtxID *int64) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO contexts (run_id, ctx_id, parent_ctx_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, ctx_id) DO NOTHING`,
		runID, ctxID, parentCtxID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("journal: append context created: %w", err)
	}
	return nil
}

func (j *PostgresJournal) AppendContextFinished(ctx context.Context, runID string, ctxID int64) error {
	_, err := j.db.Exec(ctx,
		`UPDATE contexts SET finished_at = $3 WHERE run_id = $1 AND ctx_id = $2`,
		runID, ctxID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("journal: append context finished: %w", err)
	}
	return nil
}

func (j *PostgresJournal) AppendNodeState(ctx context.Context, state NodeState) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO run_nodes (run_id, op_id, ctx_id, status, lease_expires_at, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id, op_id, ctx_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   lease_expires_at = EXCLUDED.lease_expires_at,
		   last_error = EXCLUDED.last_error,
		   updated_at = EXCLUDED.updated_at`,
		state.RunID, state.OpID, state.CtxID, state.Status, state.LeaseExpiresAt, state.LastError, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("journal: append node state: %w", err)
	}
	return nil
}

func (j *PostgresJournal) AppendEvent(ctx context.Context, runID string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: marshal event payload: %w", err)
	}
	if _, err := j.db.Exec(ctx, `INSERT INTO events (run_id, payload, at) VALUES ($1, $2, $3)`, runID, data, at); err != nil {
		return fmt.Errorf("journal: append event: %w", err)
	}
	return nil
}

func (j *PostgresJournal) AppendWorkflowRegistered(ctx context.Context, wf *ir.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("journal: marshal workflow %s@%s: %w", wf.ID, wf.Version, err)
	}
	_, err = j.db.Exec(ctx,
		`INSERT INTO workflows (workflow_id, version, definition, registered_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workflow_id, version) DO UPDATE SET definition = EXCLUDED.definition`,
		wf.ID, wf.Version, data, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("journal: append workflow registered %s@%s: %w", wf.ID, wf.Version, err)
	}
	return nil
}

func (j *PostgresJournal) LoadWorkflows(ctx context.Context) ([]*ir.Workflow, error) {
	rows, err := j.db.Query(ctx, `SELECT definition FROM workflows`)
	if err != nil {
		return nil, fmt.Errorf("journal: query workflows: %w", err)
	}
	defer rows.Close()

	var out []*ir.Workflow
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("journal: scan workflow: %w", err)
		}
		wf := &ir.Workflow{}
		if err := json.Unmarshal(data, wf); err != nil {
			return nil, fmt.Errorf("journal: unmarshal workflow: %w", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate workflows: %w", err)
	}
	return out, nil
}

func (j *PostgresJournal) NonTerminalRuns(ctx context.Context) ([]string, error) {
	rows, err := j.db.Query(ctx,
		`SELECT run_id FROM runs WHERE status NOT IN ($1, $2, $3)`,
		StatusSucceeded, StatusFailed, StatusPartialFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query non-terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("journal: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate non-terminal runs: %w", err)
	}
	return ids, nil
}

func (j *PostgresJournal) QueuedNodes(ctx context.Context, runID string) ([]NodeState, error) {
	rows, err := j.db.Query(ctx,
		`SELECT run_id, op_id, ctx_id, status, lease_expires_at, last_error
		 FROM run_nodes WHERE run_id = $1 AND status IN ($2, $3)`,
		runID, NodeQueued, NodeRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query queued nodes: %w", err)
	}
	defer rows.Close()

	var states []NodeState
	for rows.Next() {
		var s NodeState
		if err := rows.Scan(&s.RunID, &s.OpID, &s.CtxID, &s.Status, &s.LeaseExpiresAt, &s.LastError); err != nil {
			return nil, fmt.Errorf("journal: scan node state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate queued nodes: %w", err)
	}
	return states, nil
}

func (j *PostgresJournal) RunInfo(ctx context.Context, runID string) (workflowID, version string, status RunStatus, err error) {
	row := j.db.QueryRow(ctx, `SELECT workflow_id, version, status FROM runs WHERE run_id = $1`, runID)
	if err := row.Scan(&workflowID, &version, &status); err != nil {
		return "", "", "", fmt.Errorf("journal: run info %s: %w", runID, err)
	}
	return workflowID, version, status, nil
}

func (j *PostgresJournal) OpenContextCount(ctx context.Context, runID string) (int, error) {
	row := j.db.QueryRow(ctx, `SELECT count(*) FROM contexts WHERE run_id = $1 AND finished_at IS NULL`, runID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: open context count %s: %w", runID, err)
	}
	return n, nil
}

func (j *PostgresJournal) NodeCounts(ctx context.Context, runID string) (total, done, failed int, err error) {
	row := j.db.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = $2),
		        count(*) FILTER (WHERE status = $3)
		 FROM run_nodes WHERE run_id = $1`,
		runID, NodeSucceeded, NodeFailed,
	)
	if err := row.Scan(&total, &done, &failed); err != nil {
		return 0, 0, 0, fmt.Errorf("journal: node counts %s: %w", runID, err)
	}
	return total, done, failed, nil
}

func (j *PostgresJournal) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(ctx,
		`SELECT run_id, payload, at FROM events WHERE run_id = $1 ORDER BY id DESC LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RunID, &e.Payload, &e.At); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate events: %w", err)
	}
	// Reverse to chronological order; the query ran newest-first so
	// LIMIT keeps the most recent events when the table is large.
	for i, k := 0, len(events)-1; i < k; i, k = i+1, k-1 {
		events[i], events[k] = events[k], events[i]
	}
	return events, nil
}
