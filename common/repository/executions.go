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

// ExecutionRepository handles database operations for workflow executions
// and their per-node states
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

const executionColumns = `
	id, workflow_id, phase, result, attempt_no, failure_kind, error_message,
	triggered_by, started_at, finished_at, heartbeat_ts
`

// CreateExecution inserts a new execution row
func (r *ExecutionRepository) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	if err := exec.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO workflow_executions (id, workflow_id, phase, result,
			attempt_no, triggered_by, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		exec.ID, exec.WorkflowID, exec.Phase, exec.Result,
		exec.AttemptNo, exec.TriggeredBy, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists phase/result mutations. The phase/result pairing
// constraint is enforced both here and at the schema level.
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	if err := exec.Validate(); err != nil {
		return err
	}
	query := `
		UPDATE workflow_executions SET phase = $2, result = $3,
			failure_kind = $4, error_message = $5, started_at = $6,
			finished_at = $7, heartbeat_ts = $8
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		exec.ID, exec.Phase, exec.Result, exec.FailureKind, exec.ErrorMessage,
		exec.StartedAt, exec.FinishedAt, exec.HeartbeatTS)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution retrieves an execution by id
func (r *ExecutionRepository) GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`
	exec := &models.WorkflowExecution{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.WorkflowID, &exec.Phase, &exec.Result, &exec.AttemptNo,
		&exec.FailureKind, &exec.ErrorMessage, &exec.TriggeredBy,
		&exec.StartedAt, &exec.FinishedAt, &exec.HeartbeatTS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// UpsertNodeState inserts or updates a node's execution state
func (r *ExecutionRepository) UpsertNodeState(ctx context.Context, state *models.NodeExecutionState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	var output []byte
	if state.Output != nil {
		var err error
		output, err = json.Marshal(state.Output)
		if err != nil {
			return fmt.Errorf("marshal node output: %w", err)
		}
	}

	query := `
		INSERT INTO node_execution_states (id, execution_id, node_id, phase,
			result, error_message, output, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			output = EXCLUDED.output,
			finished_at = EXCLUDED.finished_at
	`
	_, err := r.db.Exec(ctx, query,
		state.ID, state.ExecutionID, state.NodeID, state.Phase, state.Result,
		state.ErrorMessage, output, state.StartedAt, state.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert node state: %w", err)
	}
	return nil
}

// ListNodeStates returns every node state of an execution
func (r *ExecutionRepository) ListNodeStates(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecutionState, error) {
	query := `
		SELECT id, execution_id, node_id, phase, result, error_message,
			output, started_at, finished_at
		FROM node_execution_states
		WHERE execution_id = $1
		ORDER BY started_at
	`
	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node states: %w", err)
	}
	defer rows.Close()

	var states []*models.NodeExecutionState
	for rows.Next() {
		state := &models.NodeExecutionState{}
		var output []byte

		err := rows.Scan(&state.ID, &state.ExecutionID, &state.NodeID,
			&state.Phase, &state.Result, &state.ErrorMessage, &output,
			&state.StartedAt, &state.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}
		if output != nil {
			state.Output = &models.NodeEnvelope{}
			if err := json.Unmarshal(output, state.Output); err != nil {
				return nil, fmt.Errorf("unmarshal node output: %w", err)
			}
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
