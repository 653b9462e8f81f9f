// ABOUTME: SQLite-backed persistence for terminal pipeline run records.
// ABOUTME: Provides save, get, and list operations plus an operator query for manual compensations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/maru-assistant/maru/pipeline"
)

const timeFormat = "2006-01-02T15:04:05Z07:00"

// RunSummary is a summary of a run for list queries, matching the API's shape.
type RunSummary struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	ToolCalls  int    `json:"tool_calls"`
	ReuseCount int    `json:"idempotent_success_reuse_count"`
	CreatedAt  string `json:"created_at"`
}

// NodeRunRow is a row from the node_runs table.
type NodeRunRow struct {
	NodeID         string `json:"node_id"`
	NodeType       string `json:"node_type"`
	Status         string `json:"status"`
	Attempt        int    `json:"attempt"`
	DurationMS     int64  `json:"duration_ms"`
	ErrorCode      string `json:"error_code,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ExternalRef    string `json:"external_ref,omitempty"`
	Reused         bool   `json:"idempotent_reused,omitempty"`
}

// CompensationRow is a row from the compensation_events table.
type CompensationRow struct {
	RunID       string `json:"run_id"`
	NodeID      string `json:"node_id"`
	SkillName   string `json:"skill_name"`
	Status      string `json:"status"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// RunRecord is a full persisted run: the summary plus per-node rows,
// compensation events, and the artifact/failure payloads.
type RunRecord struct {
	RunSummary
	NodeRuns           []NodeRunRow      `json:"node_runs"`
	CompensationEvents []CompensationRow `json:"compensation_events,omitempty"`
	Artifacts          map[string]any    `json:"artifacts,omitempty"`
	Failure            *pipeline.Failure `json:"failure,omitempty"`
}

// RunStore persists terminal run records. Records are written once when a run
// finishes; the engine itself never reads them back.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the run database at the given path and runs
// migrations to ensure the schema is up to date.
func Open(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			tool_calls INTEGER NOT NULL,
			reuse_count INTEGER NOT NULL,
			artifacts_json TEXT NOT NULL DEFAULT '{}',
			failure_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS node_runs (
			row_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			external_ref TEXT NOT NULL DEFAULT '',
			reused INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		);

		CREATE TABLE IF NOT EXISTS compensation_events (
			row_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			skill_name TEXT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &RunStore{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveRun persists a terminal run result. Saving the same run ID again
// replaces the previous record, so callers may safely re-save after a crash.
func (s *RunStore) SaveRun(result *pipeline.RunResult, userID string) error {
	artifacts, err := json.Marshal(result.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	var failureJSON *string
	errorCode := ""
	if result.Failure != nil {
		raw, err := json.Marshal(result.Failure)
		if err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
		str := string(raw)
		failureJSON = &str
		errorCode = string(result.Failure.Code)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO runs (run_id, pipeline_id, user_id, status, error_code, tool_calls, reuse_count, artifacts_json, failure_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			tool_calls = excluded.tool_calls,
			reuse_count = excluded.reuse_count,
			artifacts_json = excluded.artifacts_json,
			failure_json = excluded.failure_json`,
		result.PipelineRunID,
		result.PipelineID,
		userID,
		string(result.Status),
		errorCode,
		result.ToolCalls,
		result.IdempotentSuccessReuseCount,
		string(artifacts),
		failureJSON,
		s.now().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM node_runs WHERE run_id = ?", result.PipelineRunID); err != nil {
		return fmt.Errorf("clear node runs: %w", err)
	}
	for i, nr := range result.NodeRuns {
		reused := 0
		if nr.IdempotentReused {
			reused = 1
		}
		_, err := tx.Exec(
			`INSERT INTO node_runs (row_id, run_id, seq, node_id, node_type, status, attempt, duration_ms, error_code, idempotency_key, external_ref, reused)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ulid.Make().String(),
			result.PipelineRunID,
			i,
			nr.NodeID,
			string(nr.NodeType),
			string(nr.Status),
			nr.Attempt,
			nr.DurationMS,
			string(nr.ErrorCode),
			nr.IdempotencyKey,
			nr.ExternalRef,
			reused,
		)
		if err != nil {
			return fmt.Errorf("insert node run %d: %w", i, err)
		}
	}

	if _, err := tx.Exec("DELETE FROM compensation_events WHERE run_id = ?", result.PipelineRunID); err != nil {
		return fmt.Errorf("clear compensation events: %w", err)
	}
	for i, ce := range result.CompensationEvents {
		_, err := tx.Exec(
			`INSERT INTO compensation_events (row_id, run_id, seq, node_id, skill_name, status, external_ref)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ulid.Make().String(),
			result.PipelineRunID,
			i,
			ce.NodeID,
			ce.SkillName,
			ce.Status,
			ce.ExternalRef,
		)
		if err != nil {
			return fmt.Errorf("insert compensation event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// GetRun returns the full persisted record for a run ID. Returns nil, nil
// when no such run exists.
func (s *RunStore) GetRun(runID string) (*RunRecord, error) {
	var rec RunRecord
	var artifactsJSON string
	var failureJSON *string
	err := s.db.QueryRow(
		`SELECT run_id, pipeline_id, user_id, status, error_code, tool_calls, reuse_count, artifacts_json, failure_json, created_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&rec.RunID, &rec.PipelineID, &rec.UserID, &rec.Status, &rec.ErrorCode,
			&rec.ToolCalls, &rec.ReuseCount, &artifactsJSON, &failureJSON, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	if err := json.Unmarshal([]byte(artifactsJSON), &rec.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if failureJSON != nil {
		rec.Failure = &pipeline.Failure{}
		if err := json.Unmarshal([]byte(*failureJSON), rec.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}

	rows, err := s.db.Query(
		`SELECT node_id, node_type, status, attempt, duration_ms, error_code, idempotency_key, external_ref, reused
		 FROM node_runs WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query node runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var nr NodeRunRow
		var reused int
		if err := rows.Scan(&nr.NodeID, &nr.NodeType, &nr.Status, &nr.Attempt, &nr.DurationMS,
			&nr.ErrorCode, &nr.IdempotencyKey, &nr.ExternalRef, &reused); err != nil {
			return nil, fmt.Errorf("scan node run row: %w", err)
		}
		nr.Reused = reused != 0
		rec.NodeRuns = append(rec.NodeRuns, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	comps, err := s.db.Query(
		`SELECT run_id, node_id, skill_name, status, external_ref
		 FROM compensation_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query compensation events: %w", err)
	}
	defer func() { _ = comps.Close() }()
	for comps.Next() {
		var ce CompensationRow
		if err := comps.Scan(&ce.RunID, &ce.NodeID, &ce.SkillName, &ce.Status, &ce.ExternalRef); err != nil {
			return nil, fmt.Errorf("scan compensation row: %w", err)
		}
		rec.CompensationEvents = append(rec.CompensationEvents, ce)
	}
	return &rec, comps.Err()
}

// ListRuns returns run summaries, newest first. A limit of 0 returns all runs.
func (s *RunStore) ListRuns(limit int) ([]RunSummary, error) {
	query := `SELECT run_id, pipeline_id, user_id, status, error_code, tool_calls, reuse_count, created_at
		 FROM runs ORDER BY created_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.PipelineID, &r.UserID, &r.Status, &r.ErrorCode,
			&r.ToolCalls, &r.ReuseCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListManualCompensations returns every compensation event that still needs a
// human, across all runs. This is the operator reconciliation query.
func (s *RunStore) ListManualCompensations() ([]CompensationRow, error) {
	rows, err := s.db.Query(
		`SELECT run_id, node_id, skill_name, status, external_ref
		 FROM compensation_events WHERE status = ? ORDER BY run_id, seq ASC`,
		string(pipeline.CompensationManualRequired))
	if err != nil {
		return nil, fmt.Errorf("query manual compensations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CompensationRow
	for rows.Next() {
		var ce CompensationRow
		if err := rows.Scan(&ce.RunID, &ce.NodeID, &ce.SkillName, &ce.Status, &ce.ExternalRef); err != nil {
			return nil, fmt.Errorf("scan compensation row: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}
