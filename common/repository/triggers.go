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

// TriggerRepository handles database operations for triggers
type TriggerRepository struct {
	db *db.DB
}

// NewTriggerRepository creates a new trigger repository
func NewTriggerRepository(db *db.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

// Create inserts a new trigger
func (r *TriggerRepository) Create(ctx context.Context, trigger *models.Trigger) error {
	config, err := json.Marshal(orEmptyMap(trigger.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	query := `
		INSERT INTO triggers (id, agent_id, type, secret, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Exec(ctx, query,
		trigger.ID, trigger.AgentID, trigger.Type, trigger.Secret, config, trigger.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// GetByID retrieves a trigger by id
func (r *TriggerRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Trigger, error) {
	query := `SELECT id, agent_id, type, secret, config, created_at FROM triggers WHERE id = $1`
	return scanTrigger(r.db.QueryRow(ctx, query, id))
}

// ListByType returns all triggers of a given type (used by the email poller)
func (r *TriggerRepository) ListByType(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error) {
	query := `SELECT id, agent_id, type, secret, config, created_at FROM triggers WHERE type = $1`
	rows, err := r.db.Query(ctx, query, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*models.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

// UpdateConfig persists mutated trigger config (history_id, watch_expiry)
func (r *TriggerRepository) UpdateConfig(ctx context.Context, id uuid.UUID, config map[string]interface{}) error {
	data, err := json.Marshal(orEmptyMap(config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE triggers SET config = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("failed to update trigger config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a trigger
func (r *TriggerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrigger(row pgx.Row) (*models.Trigger, error) {
	trigger := &models.Trigger{}
	var config []byte

	err := row.Scan(&trigger.ID, &trigger.AgentID, &trigger.Type,
		&trigger.Secret, &config, &trigger.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}

	if err := json.Unmarshal(config, &trigger.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return trigger, nil
}
