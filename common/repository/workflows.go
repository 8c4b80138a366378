package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/praxisline/agentd/common/db"
	"github.com/praxisline/agentd/common/models"
)

// WorkflowRepository handles database operations for workflows
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	id, owner_id, name, description, canvas, is_active, created_at, updated_at
`

// Create inserts a new workflow
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	canvas, err := json.Marshal(wf.Canvas)
	if err != nil {
		return fmt.Errorf("marshal canvas: %w", err)
	}
	query := `
		INSERT INTO workflows (id, owner_id, name, description, canvas,
			is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Exec(ctx, query,
		wf.ID, wf.OwnerID, wf.Name, wf.Description, canvas,
		wf.IsActive, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetByID retrieves a workflow by id
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	return scanWorkflow(r.db.QueryRow(ctx, query, id))
}

// Update persists workflow mutations
func (r *WorkflowRepository) Update(ctx context.Context, wf *models.Workflow) error {
	canvas, err := json.Marshal(wf.Canvas)
	if err != nil {
		return fmt.Errorf("marshal canvas: %w", err)
	}
	query := `
		UPDATE workflows SET name = $2, description = $3, canvas = $4,
			is_active = $5, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, wf.ID, wf.Name, wf.Description, canvas, wf.IsActive)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns an owner's workflows
func (r *WorkflowRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	wf := &models.Workflow{}
	var canvas []byte

	err := row.Scan(&wf.ID, &wf.OwnerID, &wf.Name, &wf.Description,
		&canvas, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal(canvas, &wf.Canvas); err != nil {
		return nil, fmt.Errorf("unmarshal canvas: %w", err)
	}
	return wf, nil
}
