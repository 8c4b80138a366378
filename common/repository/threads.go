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

// ThreadRepository handles database operations for threads and their messages
type ThreadRepository struct {
	db *db.DB
}

// NewThreadRepository creates a new thread repository
func NewThreadRepository(db *db.DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

const threadColumns = `
	id, agent_id, title, active, agent_state, memory_strategy,
	thread_type, created_at, updated_at
`

// Create inserts a new thread
func (r *ThreadRepository) Create(ctx context.Context, thread *models.Thread) error {
	state, err := json.Marshal(orEmptyMap(thread.AgentState))
	if err != nil {
		return fmt.Errorf("marshal agent_state: %w", err)
	}

	query := `
		INSERT INTO threads (id, agent_id, title, active, agent_state,
			memory_strategy, thread_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.Exec(ctx, query,
		thread.ID, thread.AgentID, thread.Title, thread.Active, state,
		thread.MemoryStrategy, thread.ThreadType, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetByID retrieves a thread by id
func (r *ThreadRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = $1`
	return scanThread(r.db.QueryRow(ctx, query, id))
}

// SetActive marks one thread active and atomically deactivates its siblings.
// Both updates happen in a single transaction so the at-most-one-active
// invariant holds under concurrent activations.
func (r *ThreadRepository) SetActive(ctx context.Context, threadID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set-active tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var agentID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT agent_id FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&agentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock thread: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE threads SET active = false, updated_at = now() WHERE agent_id = $1 AND active`, agentID); err != nil {
		return fmt.Errorf("deactivate siblings: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE threads SET active = true, updated_at = now() WHERE id = $1`, threadID); err != nil {
		return fmt.Errorf("activate thread: %w", err)
	}

	return tx.Commit(ctx)
}

// ListByAgent returns an agent's threads, newest first
func (r *ThreadRepository) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE agent_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// InsertMessage persists one message and fills in its server-assigned id.
// Ids are dense and monotonic per thread; they are the authoritative order.
func (r *ThreadRepository) InsertMessage(ctx context.Context, msg *models.ThreadMessage) error {
	toolCalls, err := marshalNullableToolCalls(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool_calls: %w", err)
	}
	var metadata []byte
	if msg.Metadata != nil {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message_metadata: %w", err)
		}
	}

	query := `
		INSERT INTO thread_messages (thread_id, role, content, tool_calls,
			tool_call_id, name, sent_at, processed, parent_id, message_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err = r.db.QueryRow(ctx, query,
		msg.ThreadID, msg.Role, msg.Content, toolCalls, msg.ToolCallID,
		msg.Name, msg.SentAt, msg.Processed, msg.ParentID, metadata).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns a thread's messages ordered strictly by id
func (r *ThreadRepository) ListMessages(ctx context.Context, threadID uuid.UUID) ([]*models.ThreadMessage, error) {
	query := `
		SELECT id, thread_id, role, content, tool_calls, tool_call_id, name,
			sent_at, processed, parent_id, message_metadata
		FROM thread_messages
		WHERE thread_id = $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.ThreadMessage
	for rows.Next() {
		msg := &models.ThreadMessage{}
		var toolCalls, metadata []byte

		err := rows.Scan(
			&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &toolCalls,
			&msg.ToolCallID, &msg.Name, &msg.SentAt, &msg.Processed,
			&msg.ParentID, &metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if toolCalls != nil {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool_calls: %w", err)
			}
		}
		if metadata != nil {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message_metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanThread(row pgx.Row) (*models.Thread, error) {
	thread := &models.Thread{}
	var state []byte

	err := row.Scan(
		&thread.ID, &thread.AgentID, &thread.Title, &thread.Active, &state,
		&thread.MemoryStrategy, &thread.ThreadType, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if err := json.Unmarshal(state, &thread.AgentState); err != nil {
		return nil, fmt.Errorf("unmarshal agent_state: %w", err)
	}
	return thread, nil
}

func marshalNullableToolCalls(calls []models.ToolCall) ([]byte, error) {
	if calls == nil {
		return nil, nil
	}
	return json.Marshal(calls)
}
