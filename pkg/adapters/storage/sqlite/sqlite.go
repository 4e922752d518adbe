package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var _ ports.StepHistory = (*RunStore)(nil)

// RunStore keeps run history in a SQLite database. The full run document is
// stored as JSON next to queryable columns, and every step gets a row in
// step_executions with its captured output.
type RunStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRunStore opens (or creates) the database at dbPath
func NewRunStore(dbPath string, logger *zap.Logger) (*RunStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)

	s := &RunStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *RunStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			event TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			concurrency_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			duration TEXT,
			document TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			output TEXT,
			exit_code INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			finished_at DATETIME,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_run_id ON step_executions(run_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// SaveRun upserts the run row and replaces its step executions
func (s *RunStore) SaveRun(ctx context.Context, run *domain.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var duration sql.NullString
	if run.CompletedAt != nil {
		duration = sql.NullString{String: run.Duration().String(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, event, ref, concurrency_key, status, created_at, started_at, finished_at, duration, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			duration = excluded.duration,
			document = excluded.document`,
		run.ID, run.Workflow, string(run.Trigger.Event), run.Trigger.RefName(), run.Concurrency.Key,
		string(run.Status), run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), duration, string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_executions WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear step executions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO step_executions (run_id, job_id, job_name, position, name, status, command, output, exit_code, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for _, job := range run.Jobs {
		for i, step := range job.Steps {
			command := step.Command
			if command == "" {
				command = step.Uses
			}
			_, err := stmt.ExecContext(ctx,
				run.ID, job.ID, job.Name, i, step.Name, string(step.Status), command, step.Log,
				step.ExitCode, nullTime(step.StartedAt), nullTime(step.CompletedAt))
			if err != nil {
				return fmt.Errorf("failed to save step execution: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Debug("run saved",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)))
	return nil
}

// GetRun retrieves a run by ID
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, runID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return decodeRun(doc)
}

// ListRuns returns matching runs, newest first
func (s *RunStore) ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error) {
	query := `SELECT document FROM runs WHERE 1 = 1`
	var args []any
	if filter.Workflow != "" {
		query += ` AND workflow = ?`
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// StepExecutions returns the recorded steps of a run in execution order
func (s *RunStore) StepExecutions(ctx context.Context, runID string) ([]*domain.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_id, job_name, position, name, status, command, output, exit_code, started_at, finished_at
		 FROM step_executions WHERE run_id = ? ORDER BY job_name ASC, position ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}
	defer rows.Close()

	var steps []*domain.StepExecution
	for rows.Next() {
		var (
			step       domain.StepExecution
			status     string
			output     sql.NullString
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		err := rows.Scan(&step.RunID, &step.JobID, &step.JobName, &step.Position, &step.Name, &status,
			&step.Command, &output, &step.ExitCode, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		step.Status = domain.StepStatus(status)
		step.Output = output.String
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			step.FinishedAt = &finishedAt.Time
		}
		steps = append(steps, &step)
	}

	return steps, rows.Err()
}

// DeleteRun removes a run and its step executions
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *RunStore) Close() error {
	return s.db.Close()
}

func decodeRun(doc string) (*domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
