package ws

import (
	"context"

	"github.com/praxisline/agentd/common/bus"
)

// BindBus subscribes the manager to every bus event kind that has a
// WebSocket projection. Per-topic broadcast order matches publish order
// because bus handlers run serially per publish call.
func (m *Manager) BindBus(b *bus.Bus) {
	agentScoped := map[bus.EventKind]string{
		bus.AgentCreated: TypeAgentState,
		bus.AgentUpdated: TypeAgentState,
		bus.AgentDeleted: TypeAgentState,
		bus.RunCreated:   TypeRunUpdate,
		bus.RunUpdated:   TypeRunUpdate,
	}
	for kind, envType := range agentScoped {
		envType := envType
		b.Subscribe(kind, func(ctx context.Context, e bus.Event) {
			if agentID, ok := e.Payload["agent_id"].(string); ok {
				m.BroadcastToTopic(AgentTopic(agentID), m.newEnvelope(envType, AgentTopic(agentID), "", e.Payload))
			}
		})
	}

	userScoped := map[bus.EventKind]string{
		bus.ThreadMessageCreated: TypeThreadMessage,
		bus.ThreadToken:          TypeThreadToken,
	}
	for kind, envType := range userScoped {
		envType := envType
		b.Subscribe(kind, func(ctx context.Context, e bus.Event) {
			if ownerID, ok := e.Payload["owner_id"].(string); ok {
				m.BroadcastToTopic(UserTopic(ownerID), m.newEnvelope(envType, UserTopic(ownerID), "", e.Payload))
			}
		})
	}

	executionScoped := map[bus.EventKind]string{
		bus.NodeStateChanged:  TypeNodeState,
		bus.ExecutionFinished: TypeExecutionFinished,
		bus.WorkflowProgress:  TypeWorkflowProgress,
	}
	for kind, envType := range executionScoped {
		envType := envType
		b.Subscribe(kind, func(ctx context.Context, e bus.Event) {
			if executionID, ok := e.Payload["execution_id"].(string); ok {
				m.BroadcastToTopic(ExecutionTopic(executionID), m.newEnvelope(envType, ExecutionTopic(executionID), "", e.Payload))
			}
		})
	}

	// Tool telemetry fans out to the owning agent's topic and the admin
	// firehose.
	toolEvents := map[bus.EventKind]string{
		bus.WorkerToolStarted:   TypeWorkerToolStarted,
		bus.WorkerToolCompleted: TypeWorkerToolCompleted,
		bus.WorkerToolFailed:    TypeWorkerToolFailed,
	}
	for kind, envType := range toolEvents {
		envType := envType
		b.Subscribe(kind, func(ctx context.Context, e bus.Event) {
			if agentID, ok := e.Payload["agent_id"].(string); ok {
				m.BroadcastToTopic(AgentTopic(agentID), m.newEnvelope(envType, AgentTopic(agentID), "", e.Payload))
			}
			m.BroadcastToTopic(TopicOpsEvents, m.newEnvelope(envType, TopicOpsEvents, "", e.Payload))
		})
	}

	b.Subscribe(bus.TriggerFired, func(ctx context.Context, e bus.Event) {
		m.BroadcastToTopic(TopicOpsEvents, m.newEnvelope("trigger_fired", TopicOpsEvents, "", e.Payload))
	})
}
