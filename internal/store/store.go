// Package store persists tasks and their steps in SQLite. A TaskStore is
// the loop's persistence callback: every status change and every step
// is written as it happens, so an interrupted task still leaves a
// complete audit trail up to its last step.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/steploop/internal/agentloop"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

var _ agentloop.Persister = (*TaskStore)(nil)

// TaskStore persists tasks and steps. All methods are safe for
// concurrent use (SQLite serializes writes).
type TaskStore struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*TaskStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a store on an existing connection and ensures the schema.
func New(db *sql.DB) (*TaskStore, error) {
	s := &TaskStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("task store migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

func (s *TaskStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			goal           TEXT NOT NULL,
			status         TEXT NOT NULL,
			current_step   INTEGER NOT NULL DEFAULT 0,
			max_steps      INTEGER NOT NULL,
			final_response TEXT,
			error          TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			completed_at   TEXT,
			history        TEXT
		);

		CREATE TABLE IF NOT EXISTS steps (
			task_id             TEXT NOT NULL,
			number              INTEGER NOT NULL,
			goal                TEXT NOT NULL,
			history_length      INTEGER NOT NULL,
			state_keys          TEXT,
			response            TEXT,
			tool_name           TEXT,
			tool_input          TEXT,
			tool_output_summary TEXT,
			tool_calls          INTEGER NOT NULL DEFAULT 0,
			is_final            BOOLEAN NOT NULL DEFAULT 0,
			duration_ms         INTEGER NOT NULL,
			input_tokens        INTEGER NOT NULL DEFAULT 0,
			output_tokens       INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			PRIMARY KEY (task_id, number)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_session
			ON tasks(session_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_tasks_created
			ON tasks(created_at DESC);
	`)
	return err
}

// OnTaskStatusChanged upserts the task row. It implements
// [agentloop.Persister].
func (s *TaskStore) OnTaskStatusChanged(ctx context.Context, t agentloop.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, session_id, goal, status, current_step, max_steps,
			final_response, error, created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			final_response = excluded.final_response,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		t.ID, t.SessionID, t.Goal, string(t.Status), t.CurrentStep, t.MaxSteps,
		nullString(t.FinalResponse), nullString(t.Error),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// OnStepRecorded inserts one step. It implements [agentloop.Persister].
func (s *TaskStore) OnStepRecorded(ctx context.Context, st agentloop.Step) error {
	stateKeys, err := json.Marshal(st.Context.StateKeys)
	if err != nil {
		return fmt.Errorf("marshal state keys: %w", err)
	}
	var toolInput sql.NullString
	if st.ToolInput != nil {
		b, err := json.Marshal(st.ToolInput)
		if err != nil {
			return fmt.Errorf("marshal tool input: %w", err)
		}
		toolInput = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (
			task_id, number, goal, history_length, state_keys, response,
			tool_name, tool_input, tool_output_summary, tool_calls, is_final,
			duration_ms, input_tokens, output_tokens, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.TaskID, st.Number, st.Context.Goal, st.Context.HistoryLength(),
		string(stateKeys), st.Response,
		nullString(st.ToolName), toolInput, nullString(st.ToolOutputSummary),
		st.ToolCalls, st.IsFinal,
		st.Duration.Milliseconds(), st.InputTokens, st.OutputTokens,
		formatTime(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save step %d of task %s: %w", st.Number, st.TaskID, err)
	}
	return nil
}

// SaveHistory stores the final blackboard history of a task.
func (s *TaskStore) SaveHistory(ctx context.Context, taskID string, history []string) error {
	b, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET history = ? WHERE id = ?`, string(b), taskID)
	if err != nil {
		return fmt.Errorf("save history of task %s: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Record is a stored task with its final history.
type Record struct {
	agentloop.Task
	History []string `json:"history,omitempty"`
}

// StepRecord is a stored step. Only the size of the history window it
// saw is kept, not the entries.
type StepRecord struct {
	agentloop.Step
	HistoryLength int `json:"history_length"`
}

const taskColumns = `id, session_id, goal, status, current_step, max_steps,
	final_response, error, created_at, updated_at, completed_at, history`

// Get returns one task.
func (s *TaskStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns tasks newest first. A limit of 0 returns all tasks.
func (s *TaskStore) List(ctx context.Context, limit int) ([]*Record, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Steps returns the steps of a task in order.
func (s *TaskStore) Steps(ctx context.Context, taskID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, number, goal, history_length, state_keys, response,
			tool_name, tool_input, tool_output_summary, tool_calls, is_final,
			duration_ms, input_tokens, output_tokens, created_at
		FROM steps WHERE task_id = ? ORDER BY number`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Record, error) {
	var rec Record
	var status, createdAt, updatedAt string
	var finalResponse, errStr, completedAt, history sql.NullString

	err := s.Scan(
		&rec.ID, &rec.SessionID, &rec.Goal, &status, &rec.CurrentStep, &rec.MaxSteps,
		&finalResponse, &errStr, &createdAt, &updatedAt, &completedAt, &history,
	)
	if err != nil {
		return nil, err
	}

	rec.Status, err = agentloop.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	rec.FinalResponse = finalResponse.String
	rec.Error = errStr.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	if history.Valid && history.String != "" {
		_ = json.Unmarshal([]byte(history.String), &rec.History)
	}
	return &rec, nil
}

func scanStep(s scanner) (*StepRecord, error) {
	var rec StepRecord
	var stateKeys, response, toolName, toolInput, summary sql.NullString
	var durationMs int64
	var createdAt string

	err := s.Scan(
		&rec.TaskID, &rec.Number, &rec.Context.Goal, &rec.HistoryLength,
		&stateKeys, &response, &toolName, &toolInput, &summary,
		&rec.ToolCalls, &rec.IsFinal,
		&durationMs, &rec.InputTokens, &rec.OutputTokens, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Response = response.String
	rec.ToolName = toolName.String
	rec.ToolOutputSummary = summary.String
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if stateKeys.Valid && stateKeys.String != "" {
		_ = json.Unmarshal([]byte(stateKeys.String), &rec.Context.StateKeys)
	}
	if toolInput.Valid && toolInput.String != "" {
		_ = json.Unmarshal([]byte(toolInput.String), &rec.ToolInput)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
