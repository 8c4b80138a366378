package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/praxisline/agentd/common/db"
	"github.com/praxisline/agentd/common/models"
)

// AgentRepository handles database operations for agents
type AgentRepository struct {
	db *db.DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db *db.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `
	id, owner_id, name, system_instructions, task_instructions, model,
	status, schedule, config, allowed_tools, next_run_at, last_run_at,
	last_error, created_at, updated_at
`

// Create inserts a new agent
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	config, err := json.Marshal(orEmptyMap(agent.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	allowed, err := marshalNullable(agent.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed_tools: %w", err)
	}

	query := `
		INSERT INTO agents (id, owner_id, name, system_instructions, task_instructions,
			model, status, schedule, config, allowed_tools, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Exec(ctx, query,
		agent.ID, agent.OwnerID, agent.Name, agent.SystemInstructions,
		agent.TaskInstructions, agent.Model, agent.Status, agent.Schedule,
		config, allowed, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by id
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(r.db.QueryRow(ctx, query, id))
}

// Update persists agent mutations made through CRUD
func (r *AgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	config, err := json.Marshal(orEmptyMap(agent.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	allowed, err := marshalNullable(agent.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed_tools: %w", err)
	}

	query := `
		UPDATE agents SET name = $2, system_instructions = $3, task_instructions = $4,
			model = $5, schedule = $6, config = $7, allowed_tools = $8, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		agent.ID, agent.Name, agent.SystemInstructions, agent.TaskInstructions,
		agent.Model, agent.Schedule, config, allowed)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets the agent lifecycle status
func (r *AgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AgentStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextRunAt persists the scheduler's computed next fire time (nil clears it)
func (r *AgentRepository) SetNextRunAt(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agents SET next_run_at = $2, updated_at = now() WHERE id = $1`, id, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to set next_run_at: %w", err)
	}
	return nil
}

// RecordRunOutcome updates last_run_at and last_error after a task run
func (r *AgentRepository) RecordRunOutcome(ctx context.Context, id uuid.UUID, lastRunAt time.Time, lastError *string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agents SET last_run_at = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, lastRunAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}

// ListScheduled returns all agents with a non-null schedule
func (r *AgentRepository) ListScheduled(ctx context.Context) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE schedule IS NOT NULL`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Delete removes an agent; threads, runs, and triggers cascade at the schema level
func (r *AgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	agent := &models.Agent{}
	var config, allowed []byte

	err := row.Scan(
		&agent.ID, &agent.OwnerID, &agent.Name, &agent.SystemInstructions,
		&agent.TaskInstructions, &agent.Model, &agent.Status, &agent.Schedule,
		&config, &allowed, &agent.NextRunAt, &agent.LastRunAt,
		&agent.LastError, &agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	if err := json.Unmarshal(config, &agent.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if allowed != nil {
		if err := json.Unmarshal(allowed, &agent.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_tools: %w", err)
		}
	}
	return agent, nil
}

func marshalNullable(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case []string:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
