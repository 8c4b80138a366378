package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType identifies the external source a trigger listens to
type TriggerType string

const (
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeEmail   TriggerType = "email"
	TriggerTypeManual  TriggerType = "manual"
)

// Trigger binds an external event source to an agent.
// Maps to: triggers table. Secret is unique per trigger.
type Trigger struct {
	ID      uuid.UUID   `db:"id" json:"id"`
	AgentID uuid.UUID   `db:"agent_id" json:"agent_id"`
	Type    TriggerType `db:"type" json:"type"`

	// Secret is stored encrypted; the plaintext is delivered to the caller
	// once on creation and verified in constant time on ingest.
	Secret []byte `db:"secret" json:"-"`

	Config    map[string]interface{} `db:"config" json:"config"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}
