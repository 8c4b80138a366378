package models

import (
	"time"

	"github.com/google/uuid"
)

// RunTrigger records what started an agent run
type RunTrigger string

const (
	TriggerManual   RunTrigger = "MANUAL"
	TriggerSchedule RunTrigger = "SCHEDULE"
	TriggerAPI      RunTrigger = "API"
	TriggerWebhook  RunTrigger = "WEBHOOK"
)

// RunStatus represents the status of an agent run.
// Legal transitions: QUEUED -> RUNNING -> (SUCCESS | FAILED). No other edges.
type RunStatus string

const (
	RunQueued  RunStatus = "QUEUED"
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// AgentRun is a single execution instance of an agent over a thread.
// Maps to: agent_runs table.
type AgentRun struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	AgentID      uuid.UUID  `db:"agent_id" json:"agent_id"`
	ThreadID     uuid.UUID  `db:"thread_id" json:"thread_id"`
	Trigger      RunTrigger `db:"trigger" json:"trigger"`
	Status       RunStatus  `db:"status" json:"status"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationMS   *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	TotalTokens  *int64     `db:"total_tokens" json:"total_tokens,omitempty"`
	TotalCostUSD *float64   `db:"total_cost_usd" json:"total_cost_usd,omitempty"`
	Error        *string    `db:"error" json:"error,omitempty"`
	Summary      *string    `db:"summary" json:"summary,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// CanTransitionTo reports whether moving to next is a legal status edge
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning
	case RunRunning:
		return next == RunSuccess || next == RunFailed
	default:
		return false
	}
}

// EventPayload returns the payload map published alongside run events
func (r *AgentRun) EventPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"run_id":    r.ID.String(),
		"agent_id":  r.AgentID.String(),
		"thread_id": r.ThreadID.String(),
		"trigger":   string(r.Trigger),
		"status":    string(r.Status),
	}
	if r.DurationMS != nil {
		payload["duration_ms"] = *r.DurationMS
	}
	if r.Error != nil {
		payload["error"] = *r.Error
	}
	if r.Summary != nil {
		payload["summary"] = *r.Summary
	}
	return payload
}
