package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"propgen/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	current_phase TEXT NOT NULL DEFAULT '',
	overall_progress REAL NOT NULL DEFAULT 0,
	progress TEXT NOT NULL,
	result TEXT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_updated ON workflows(updated_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow ON checkpoints(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS component_cache (
	cache_key TEXT PRIMARY KEY,
	component_id TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_component_cache_component ON component_cache(component_id);

CREATE TABLE IF NOT EXISTS workflow_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events(workflow_id, created_at);

CREATE TABLE IF NOT EXISTS synthesis_memory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	request_id TEXT NOT NULL,
	participant TEXT NOT NULL,
	weight REAL NOT NULL,
	confidence REAL NOT NULL,
	result TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synthesis_memory_scope ON synthesis_memory(scope, created_at);
CREATE INDEX IF NOT EXISTS idx_synthesis_memory_participant ON synthesis_memory(participant, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveProgress upserts the full progress snapshot. Concurrent writers
// race last-writer-wins, which is all progress reporting needs.
func (s *Store) SaveProgress(ctx context.Context, progress domain.WorkflowProgress) error {
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	now := time.Now().UTC().Unix()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflows(id, status, current_phase, overall_progress, progress, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_phase = excluded.current_phase,
			overall_progress = excluded.overall_progress,
			progress = excluded.progress,
			updated_at = excluded.updated_at`,
		progress.WorkflowID, string(progress.Status), string(progress.CurrentPhase),
		progress.OverallProgress, string(payload), now, now,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (s *Store) GetProgress(ctx context.Context, workflowID string) (domain.WorkflowProgress, error) {
	row := s.db.QueryRowContext(ctx, `SELECT progress FROM workflows WHERE id = ?`, workflowID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowProgress{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		return domain.WorkflowProgress{}, fmt.Errorf("get progress: %w", err)
	}
	var progress domain.WorkflowProgress
	if err := json.Unmarshal([]byte(payload), &progress); err != nil {
		return domain.WorkflowProgress{}, fmt.Errorf("decode progress: %w", err)
	}
	return progress, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]domain.WorkflowProgress, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT progress FROM workflows ORDER BY updated_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowProgress
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var progress domain.WorkflowProgress
		if err := json.Unmarshal([]byte(payload), &progress); err != nil {
			return nil, fmt.Errorf("decode workflow %s: %w", payload, err)
		}
		out = append(out, progress)
	}
	return out, rows.Err()
}

func (s *Store) SaveResult(ctx context.Context, result domain.WorkflowResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE workflows SET result = ?, updated_at = ? WHERE id = ?`,
		string(payload), time.Now().UTC().Unix(), result.WorkflowID,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save result affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow %s: %w", result.WorkflowID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, workflowID string) (domain.WorkflowResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT result FROM workflows WHERE id = ?`, workflowID)
	var payload sql.NullString
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowResult{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		return domain.WorkflowResult{}, fmt.Errorf("get result: %w", err)
	}
	if !payload.Valid {
		return domain.WorkflowResult{}, fmt.Errorf("workflow %s result: %w", workflowID, ErrNotFound)
	}
	var result domain.WorkflowResult
	if err := json.Unmarshal([]byte(payload.String), &result); err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// SaveCheckpoint stores the checkpoint and discards older checkpoints
// of the same workflow and phase, which it supersedes. created_at is
// in nanoseconds so checkpoints written within one second stay ordered.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint domain.WorkflowCheckpoint) error {
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx checkpoint: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO checkpoints(id, workflow_id, phase, payload, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		checkpoint.ID, checkpoint.WorkflowID, string(checkpoint.Phase),
		string(payload), checkpoint.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM checkpoints WHERE workflow_id = ? AND phase = ? AND id <> ?`,
		checkpoint.WorkflowID, string(checkpoint.Phase), checkpoint.ID,
	); err != nil {
		return fmt.Errorf("prune superseded checkpoints: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (domain.WorkflowCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, checkpointID)
	return scanCheckpoint(row, checkpointID)
}

// LatestCheckpoint returns the most recent checkpoint for a workflow.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (domain.WorkflowCheckpoint, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT payload FROM checkpoints
		WHERE workflow_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		workflowID,
	)
	return scanCheckpoint(row, workflowID)
}

func (s *Store) ListCheckpoints(ctx context.Context, workflowID string) ([]domain.WorkflowCheckpoint, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT payload FROM checkpoints WHERE workflow_id = ? ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowCheckpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var checkpoint domain.WorkflowCheckpoint
		if err := json.Unmarshal([]byte(payload), &checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, checkpoint)
	}
	return out, rows.Err()
}

func (s *Store) PutCachedResult(ctx context.Context, cacheKey string, componentID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cached result: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO component_cache(cache_key, component_id, result, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			result = excluded.result,
			created_at = excluded.created_at`,
		cacheKey, componentID, string(payload), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put cached result: %w", err)
	}
	return nil
}

func (s *Store) GetCachedResult(ctx context.Context, cacheKey string) (map[string]any, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT result FROM component_cache WHERE cache_key = ?`, cacheKey)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached result: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return result, true, nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.WorkflowEvent) error {
	payload := "{}"
	if len(event.Payload) > 0 {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = string(encoded)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_events(workflow_id, actor, action, detail, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, event.Actor, event.Action, event.Detail, payload, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, actor, action, detail, payload, created_at
		FROM workflow_events
		WHERE workflow_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowEvent
	for rows.Next() {
		var ev domain.WorkflowEvent
		var payload string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Actor, &ev.Action, &ev.Detail, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		ev.CreatedAt = unixToTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSynthesis appends one participant's synthesis record and prunes
// the scope back to the retention bound in the same transaction.
func (s *Store) SaveSynthesis(ctx context.Context, record domain.SynthesisRecord, retention int) error {
	if retention <= 0 {
		retention = 200
	}
	payload := "{}"
	if len(record.Result) > 0 {
		encoded, err := json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("encode synthesis result: %w", err)
		}
		payload = string(encoded)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx synthesis: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO synthesis_memory(scope, request_id, participant, weight, confidence, result, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		record.Scope, record.RequestID, record.Participant,
		record.Weight, record.Confidence, payload, record.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert synthesis: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM synthesis_memory
		WHERE scope = ? AND id NOT IN (
			SELECT id FROM synthesis_memory WHERE scope = ? ORDER BY id DESC LIMIT ?
		)`,
		record.Scope, record.Scope, retention,
	); err != nil {
		return fmt.Errorf("prune synthesis memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit synthesis: %w", err)
	}
	return nil
}

func (s *Store) ListSyntheses(ctx context.Context, scope string, limit int) ([]domain.SynthesisRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, scope, request_id, participant, weight, confidence, result, created_at
		FROM synthesis_memory
		WHERE scope = ?
		ORDER BY id DESC
		LIMIT ?`,
		scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list syntheses: %w", err)
	}
	defer rows.Close()

	var out []domain.SynthesisRecord
	for rows.Next() {
		var rec domain.SynthesisRecord
		var payload string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Scope, &rec.RequestID, &rec.Participant, &rec.Weight, &rec.Confidence, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan synthesis: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &rec.Result); err != nil {
				return nil, fmt.Errorf("decode synthesis result: %w", err)
			}
		}
		rec.CreatedAt = unixToTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ParticipantHistory averages a participant's past synthesis
// confidence, feeding the historical component of synthesis weights.
func (s *Store) ParticipantHistory(ctx context.Context, participant string) (avgConfidence float64, samples int, err error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(AVG(confidence), 0), COUNT(*) FROM synthesis_memory WHERE participant = ?`,
		participant,
	)
	if err := row.Scan(&avgConfidence, &samples); err != nil {
		return 0, 0, fmt.Errorf("participant history: %w", err)
	}
	return avgConfidence, samples, nil
}

func scanCheckpoint(row *sql.Row, ref string) (domain.WorkflowCheckpoint, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowCheckpoint{}, fmt.Errorf("checkpoint %s: %w", ref, ErrNotFound)
		}
		return domain.WorkflowCheckpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	var checkpoint domain.WorkflowCheckpoint
	if err := json.Unmarshal([]byte(payload), &checkpoint); err != nil {
		return domain.WorkflowCheckpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
