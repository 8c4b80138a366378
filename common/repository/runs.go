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

// RunRepository handles database operations for agent runs
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *db.DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `
	id, agent_id, thread_id, trigger, status, started_at, finished_at,
	duration_ms, total_tokens, total_cost_usd, error, summary,
	created_at, updated_at
`

// Create inserts a new run
func (r *RunRepository) Create(ctx context.Context, run *models.AgentRun) error {
	query := `
		INSERT INTO agent_runs (id, agent_id, thread_id, trigger, status,
			started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		run.ID, run.AgentID, run.ThreadID, run.Trigger, run.Status,
		run.StartedAt, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by id
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE id = $1`
	run := &models.AgentRun{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.AgentID, &run.ThreadID, &run.Trigger, &run.Status,
		&run.StartedAt, &run.FinishedAt, &run.DurationMS, &run.TotalTokens,
		&run.TotalCostUSD, &run.Error, &run.Summary, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// Update persists the run's mutable fields. Status transitions are checked
// against the current row; an illegal edge returns ErrInvalidTransition.
func (r *RunRepository) Update(ctx context.Context, run *models.AgentRun) error {
	var current models.RunStatus
	err := r.db.QueryRow(ctx,
		`SELECT status FROM agent_runs WHERE id = $1`, run.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if current != run.Status && !current.CanTransitionTo(run.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, run.Status)
	}

	query := `
		UPDATE agent_runs SET status = $2, started_at = $3, finished_at = $4,
			duration_ms = $5, total_tokens = $6, total_cost_usd = $7,
			error = $8, summary = $9, updated_at = now()
		WHERE id = $1
	`
	_, err = r.db.Exec(ctx, query,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.DurationMS,
		run.TotalTokens, run.TotalCostUSD, run.Error, run.Summary)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// ListByAgent returns an agent's runs, newest first
func (r *RunRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*models.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		run := &models.AgentRun{}
		err := rows.Scan(
			&run.ID, &run.AgentID, &run.ThreadID, &run.Trigger, &run.Status,
			&run.StartedAt, &run.FinishedAt, &run.DurationMS, &run.TotalTokens,
			&run.TotalCostUSD, &run.Error, &run.Summary, &run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
