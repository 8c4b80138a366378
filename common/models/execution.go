package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExecutionPhase is the coarse lifecycle of a workflow execution or node
type ExecutionPhase string

const (
	PhaseWaiting  ExecutionPhase = "WAITING"
	PhaseRunning  ExecutionPhase = "RUNNING"
	PhaseFinished ExecutionPhase = "FINISHED"
)

// ExecutionResult is the terminal outcome, set exactly when phase is FINISHED
type ExecutionResult string

const (
	ResultSuccess ExecutionResult = "SUCCESS"
	ResultFailure ExecutionResult = "FAILURE"
)

// FailureKind classifies a terminal failure
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureSystem     FailureKind = "system"
)

// NodeEnvelope is the cross-node wire format. Every node output is an
// envelope; readers outside the engine rely on value and meta only.
type NodeEnvelope struct {
	Value interface{}            `json:"value"`
	Meta  map[string]interface{} `json:"meta"`
}

// NewNodeEnvelope wraps a node's raw value with standard metadata
func NewNodeEnvelope(value interface{}, nodeID string, nodeType NodeType, result ExecutionResult) NodeEnvelope {
	return NodeEnvelope{
		Value: value,
		Meta: map[string]interface{}{
			"phase":     string(PhaseFinished),
			"result":    string(result),
			"node_type": string(nodeType),
			"node_id":   nodeID,
		},
	}
}

// WorkflowExecution is one run of a workflow DAG.
// Maps to: workflow_executions table.
// Hard constraint: phase == FINISHED iff result is non-nil.
type WorkflowExecution struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	WorkflowID   uuid.UUID        `db:"workflow_id" json:"workflow_id"`
	Phase        ExecutionPhase   `db:"phase" json:"phase"`
	Result       *ExecutionResult `db:"result" json:"result,omitempty"`
	AttemptNo    int              `db:"attempt_no" json:"attempt_no"`
	FailureKind  *FailureKind     `db:"failure_kind" json:"failure_kind,omitempty"`
	ErrorMessage *string          `db:"error_message" json:"error_message,omitempty"`
	TriggeredBy  string           `db:"triggered_by" json:"triggered_by"`
	StartedAt    *time.Time       `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time       `db:"finished_at" json:"finished_at,omitempty"`
	HeartbeatTS  *time.Time       `db:"heartbeat_ts" json:"heartbeat_ts,omitempty"`
}

// Validate enforces the phase/result pairing constraint
func (e *WorkflowExecution) Validate() error {
	finished := e.Phase == PhaseFinished
	hasResult := e.Result != nil
	if finished != hasResult {
		return fmt.Errorf("execution %s: phase %s inconsistent with result presence %v", e.ID, e.Phase, hasResult)
	}
	return nil
}

// NodeExecutionState tracks one node's progress within an execution.
// Same phase/result constraint as WorkflowExecution.
type NodeExecutionState struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	ExecutionID  uuid.UUID        `db:"execution_id" json:"execution_id"`
	NodeID       string           `db:"node_id" json:"node_id"`
	Phase        ExecutionPhase   `db:"phase" json:"phase"`
	Result       *ExecutionResult `db:"result" json:"result,omitempty"`
	ErrorMessage *string          `db:"error_message" json:"error_message,omitempty"`
	Output       *NodeEnvelope    `db:"output" json:"output,omitempty"`
	StartedAt    *time.Time       `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time       `db:"finished_at" json:"finished_at,omitempty"`
}

// Validate enforces the phase/result pairing constraint
func (n *NodeExecutionState) Validate() error {
	finished := n.Phase == PhaseFinished
	hasResult := n.Result != nil
	if finished != hasResult {
		return fmt.Errorf("node state %s/%s: phase %s inconsistent with result presence %v", n.ExecutionID, n.NodeID, n.Phase, hasResult)
	}
	return nil
}
