package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the lifecycle status of an agent
type AgentStatus string

const (
	AgentIdle    AgentStatus = "IDLE"
	AgentRunning AgentStatus = "RUNNING"
	AgentError   AgentStatus = "ERROR"
)

// Agent represents a configured LLM persona with tools, instructions,
// and an optional crontab schedule.
// Maps to: agents table. Deletion cascades to threads, runs, and triggers.
type Agent struct {
	ID                 uuid.UUID              `db:"id" json:"id"`
	OwnerID            uuid.UUID              `db:"owner_id" json:"owner_id"`
	Name               string                 `db:"name" json:"name"`
	SystemInstructions string                 `db:"system_instructions" json:"system_instructions"`
	TaskInstructions   string                 `db:"task_instructions" json:"task_instructions"`
	Model              string                 `db:"model" json:"model"`
	Status             AgentStatus            `db:"status" json:"status"`

	// Schedule is either nil or a valid 5-field crontab, validated on persist
	Schedule *string `db:"schedule" json:"schedule,omitempty"`

	Config map[string]interface{} `db:"config" json:"config"`

	// AllowedTools is an ordered sequence of tool-name patterns
	// (exact names or globs). Empty or nil means all tools.
	AllowedTools []string `db:"allowed_tools" json:"allowed_tools,omitempty"`

	NextRunAt *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	LastRunAt *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	LastError *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// EventPayload returns the payload map published alongside agent lifecycle events
func (a *Agent) EventPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"agent_id": a.ID.String(),
		"owner_id": a.OwnerID.String(),
		"name":     a.Name,
		"status":   string(a.Status),
	}
	if a.Schedule != nil {
		payload["schedule"] = *a.Schedule
	}
	if a.LastError != nil {
		payload["last_error"] = *a.LastError
	}
	return payload
}
