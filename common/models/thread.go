package models

import (
	"time"

	"github.com/google/uuid"
)

// ThreadType distinguishes how a thread was created
type ThreadType string

const (
	ThreadChat     ThreadType = "CHAT"
	ThreadSchedule ThreadType = "SCHEDULE"
	ThreadManual   ThreadType = "MANUAL"
)

// Thread is an ordered conversation with one agent.
// Maps to: threads table. At most one thread per agent has active=true;
// activating a thread atomically deactivates its siblings.
type Thread struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	AgentID        uuid.UUID              `db:"agent_id" json:"agent_id"`
	Title          string                 `db:"title" json:"title"`
	Active         bool                   `db:"active" json:"active"`
	AgentState     map[string]interface{} `db:"agent_state" json:"agent_state"`
	MemoryStrategy string                 `db:"memory_strategy" json:"memory_strategy"`
	ThreadType     ThreadType             `db:"thread_type" json:"thread_type"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at" json:"updated_at"`
}

// MessageRole identifies who produced a thread message
type MessageRole string

const (
	RoleSystem    MessageRole = "SYSTEM"
	RoleUserMsg   MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleTool      MessageRole = "TOOL"
)

// SentAtClamp bounds how far a client-supplied sent_at may drift from server time
const SentAtClamp = 5 * time.Minute

// ToolCall captures one tool invocation requested by the assistant
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ThreadMessage is one entry in a thread.
// Maps to: thread_messages table. The monotonic id IS the authoritative
// chronological order; clients must not reorder by timestamp.
type ThreadMessage struct {
	ID         int64       `db:"id" json:"id"`
	ThreadID   uuid.UUID   `db:"thread_id" json:"thread_id"`
	Role       MessageRole `db:"role" json:"role"`
	Content    string      `db:"content" json:"content"`
	ToolCalls  []ToolCall  `db:"tool_calls" json:"tool_calls,omitempty"`
	ToolCallID *string     `db:"tool_call_id" json:"tool_call_id,omitempty"`
	Name       *string     `db:"name" json:"name,omitempty"`
	SentAt     time.Time   `db:"sent_at" json:"sent_at"`
	Processed  bool        `db:"processed" json:"processed"`
	ParentID   *int64      `db:"parent_id" json:"parent_id,omitempty"`

	Metadata map[string]interface{} `db:"message_metadata" json:"message_metadata,omitempty"`
}

// ClampSentAt clamps a client-supplied sent_at to within SentAtClamp of now.
// Values further out are replaced with server time.
func ClampSentAt(sentAt, now time.Time) time.Time {
	if sentAt.IsZero() {
		return now
	}
	drift := sentAt.Sub(now)
	if drift > SentAtClamp || drift < -SentAtClamp {
		return now
	}
	return sentAt
}
