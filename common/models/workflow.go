package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeType identifies the kind of a workflow node
type NodeType string

const (
	NodeTrigger     NodeType = "trigger"
	NodeTool        NodeType = "tool"
	NodeAgent       NodeType = "agent"
	NodeConditional NodeType = "conditional"
)

// Position is the canvas location of a node
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowNode is one vertex of a workflow canvas
type WorkflowNode struct {
	ID       string                 `json:"id"`
	Type     NodeType               `json:"type"`
	Position Position               `json:"position"`
	Config   map[string]interface{} `json:"config"`
}

// WorkflowEdge connects two nodes. Edges leaving a conditional node carry
// config.branch of "true" or "false".
type WorkflowEdge struct {
	FromNodeID string                 `json:"from_node_id"`
	ToNodeID   string                 `json:"to_node_id"`
	Config     map[string]interface{} `json:"config"`
}

// Branch returns the branch label on a conditional edge, or "" when absent
func (e *WorkflowEdge) Branch() string {
	if e.Config == nil {
		return ""
	}
	if b, ok := e.Config["branch"].(string); ok {
		return b
	}
	return ""
}

// WorkflowData is the canvas value stored inside Workflow.Canvas
type WorkflowData struct {
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}

// Workflow is a stored DAG of agent/tool/conditional/trigger nodes.
// Maps to: workflows table. (owner_id, name) is unique while is_active.
type Workflow struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	OwnerID     uuid.UUID    `db:"owner_id" json:"owner_id"`
	Name        string       `db:"name" json:"name"`
	Description *string      `db:"description" json:"description,omitempty"`
	Canvas      WorkflowData `db:"canvas" json:"canvas"`
	IsActive    bool         `db:"is_active" json:"is_active"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}
