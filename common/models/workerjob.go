package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the lifecycle of a background worker job
type WorkerStatus string

const (
	WorkerQueued    WorkerStatus = "queued"
	WorkerRunning   WorkerStatus = "running"
	WorkerSuccess   WorkerStatus = "success"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// Terminal reports whether the status is a terminal one
func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerSuccess, WorkerFailed, WorkerCancelled:
		return true
	}
	return false
}

// WorkerJob is a long-running background job spawned by a supervisor agent.
// Maps to: worker_jobs table.
type WorkerJob struct {
	ID      uuid.UUID    `db:"id" json:"id"`
	OwnerID uuid.UUID    `db:"owner_id" json:"owner_id"`
	Task    string       `db:"task" json:"task"`
	Model   string       `db:"model" json:"model"`
	Status  WorkerStatus `db:"status" json:"status"`

	// WorkerID names the artifact directory: "<iso-timestamp>_<slug>"
	WorkerID *string `db:"worker_id" json:"worker_id,omitempty"`

	Error      *string    `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// NewWorkerID builds the artifact directory name for a task started at ts.
// The slug keeps the first few task words, lowercased with non-alphanumerics
// collapsed to dashes.
func NewWorkerID(ts time.Time, task string) string {
	slug := slugify(task, 40)
	if slug == "" {
		slug = "worker"
	}
	return fmt.Sprintf("%s_%s", ts.UTC().Format("2006-01-02T15-04-05"), slug)
}

func slugify(s string, maxLen int) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
