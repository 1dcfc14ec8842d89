package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/postgres/migrations"
)

// HistoryRepository stores finished jobs and per-task executions. The
// master only writes to it; nothing in a run depends on reading it back.
type HistoryRepository interface {
	CreateJob(ctx context.Context, jobID string, projects []string, total int, startedAt time.Time) error
	FinishJob(ctx context.Context, s *domain.JobSummary) error
	RecordExecution(ctx context.Context, exec *domain.TaskExecution) error
	GetJob(ctx context.Context, jobID string) (*domain.JobSummary, error)
	ListExecutions(ctx context.Context, jobID string) ([]*domain.TaskExecution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the HistoryRepository interface.
func NewRepository(pool *pgxpool.Pool) HistoryRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. Migrations are
// idempotent so running it twice is harmless. report is called after each
// file and may be nil.
func Migrate(ctx context.Context, pool *pgxpool.Pool, report func(file string)) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if report != nil {
			report(f)
		}
	}
	return nil
}

func (r *repository) CreateJob(ctx context.Context, jobID string, projects []string, total int, startedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO build_jobs (id, projects, total, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, jobID, projects, total, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("create job %s: %w", jobID, err)
	}
	return nil
}

func (r *repository) FinishJob(ctx context.Context, s *domain.JobSummary) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE build_jobs
		SET succeeded = $1, errors = $2, warnings = $3, success = $4, reason = $5, finished_at = $6
		WHERE id = $7
	`, s.Succeeded, s.Errors, s.Warnings, s.Success, s.Reason, s.FinishedAt.UTC(), s.JobID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", s.JobID, err)
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.TaskExecution) error {
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, job_id, task_id, project, source_file, worker, status, result, exit_code, warnings, duration_ms, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		uuid.New(), exec.JobID, int64(exec.TaskID), exec.Project, exec.SourceFile, exec.Worker,
		string(exec.Status), int16(exec.Result), exec.ExitCode, int16(exec.Warnings),
		exec.DurationMs, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %d: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) GetJob(ctx context.Context, jobID string) (*domain.JobSummary, error) {
	var (
		s          domain.JobSummary
		success    *bool
		finishedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, projects, total, succeeded, errors, warnings, success, reason, started_at, finished_at
		FROM build_jobs
		WHERE id = $1
	`, jobID).Scan(
		&s.JobID, &s.Projects, &s.Total, &s.Succeeded, &s.Errors, &s.Warnings,
		&success, &s.Reason, &s.StartedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if success != nil {
		s.Success = *success
	}
	if finishedAt != nil {
		s.FinishedAt = *finishedAt
	}
	return &s, nil
}

func (r *repository) ListExecutions(ctx context.Context, jobID string) ([]*domain.TaskExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, task_id, project, source_file, worker, status, result, exit_code, warnings, duration_ms, executed_at
		FROM task_executions
		WHERE job_id = $1
		ORDER BY task_id, executed_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list executions for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*domain.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// scanExecution reads an execution row from any pgx row type.
func scanExecution(row interface {
	Scan(...any) error
}) (*domain.TaskExecution, error) {
	var (
		e        domain.TaskExecution
		taskID   int64
		status   string
		result   int16
		warnings int16
	)
	err := row.Scan(
		&e.JobID, &taskID, &e.Project, &e.SourceFile, &e.Worker, &status,
		&result, &e.ExitCode, &warnings, &e.DurationMs, &e.ExecutedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.TaskID = uint32(taskID)
	e.Status = domain.Status(status)
	e.Result = domain.ResultKind(result)
	e.Warnings = domain.Warning(warnings)
	return &e, nil
}
