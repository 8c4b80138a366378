package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/praxisline/agentd/common/db"
	"github.com/praxisline/agentd/common/models"
)

// WorkerJobRepository handles database operations for worker jobs
type WorkerJobRepository struct {
	db *db.DB
}

// NewWorkerJobRepository creates a new worker job repository
func NewWorkerJobRepository(db *db.DB) *WorkerJobRepository {
	return &WorkerJobRepository{db: db}
}

const workerJobColumns = `
	id, owner_id, task, model, status, worker_id, error,
	created_at, updated_at, started_at, finished_at
`

// Create inserts a new worker job
func (r *WorkerJobRepository) Create(ctx context.Context, job *models.WorkerJob) error {
	query := `
		INSERT INTO worker_jobs (id, owner_id, task, model, status, worker_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		job.ID, job.OwnerID, job.Task, job.Model, job.Status, job.WorkerID,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create worker job: %w", err)
	}
	return nil
}

// GetByID retrieves a worker job by id
func (r *WorkerJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM worker_jobs WHERE id = $1`
	return scanWorkerJob(r.db.QueryRow(ctx, query, id))
}

// Update persists the job's mutable fields
func (r *WorkerJobRepository) Update(ctx context.Context, job *models.WorkerJob) error {
	query := `
		UPDATE worker_jobs SET status = $2, worker_id = $3, error = $4,
			started_at = $5, finished_at = $6, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		job.ID, job.Status, job.WorkerID, job.Error, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update worker job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns an owner's worker jobs, newest first
func (r *WorkerJobRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.WorkerJob, error) {
	query := `SELECT ` + workerJobColumns + ` FROM worker_jobs WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.WorkerJob
	for rows.Next() {
		job, err := scanWorkerJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanWorkerJob(row pgx.Row) (*models.WorkerJob, error) {
	job := &models.WorkerJob{}
	err := row.Scan(&job.ID, &job.OwnerID, &job.Task, &job.Model, &job.Status,
		&job.WorkerID, &job.Error, &job.CreatedAt, &job.UpdatedAt,
		&job.StartedAt, &job.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker job: %w", err)
	}
	return job, nil
}
