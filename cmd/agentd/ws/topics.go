package ws

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Topic prefixes
const (
	TopicAgent     = "agent"
	TopicUser      = "user"
	TopicExecution = "workflow_execution"
	TopicOpsEvents = "ops:events"
)

// AgentTopic returns the topic carrying one agent's lifecycle and runs
func AgentTopic(agentID string) string {
	return TopicAgent + ":" + agentID
}

// UserTopic returns the per-user streaming topic
func UserTopic(userID string) string {
	return TopicUser + ":" + userID
}

// ExecutionTopic returns the topic for one workflow execution
func ExecutionTopic(executionID string) string {
	return TopicExecution + ":" + executionID
}

// parsedTopic is a validated topic split into prefix and id
type parsedTopic struct {
	prefix string
	id     uuid.UUID
}

// parseTopic validates the topic format. ops:events has no id component;
// every other prefix requires a UUID suffix.
func parseTopic(topic string) (*parsedTopic, error) {
	if topic == TopicOpsEvents {
		return &parsedTopic{prefix: TopicOpsEvents}, nil
	}

	prefix, rawID, found := strings.Cut(topic, ":")
	if !found || rawID == "" {
		return nil, fmt.Errorf("malformed topic %q", topic)
	}

	switch prefix {
	case TopicAgent, TopicUser, TopicExecution:
	default:
		return nil, fmt.Errorf("unknown topic prefix %q", prefix)
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("topic %q: id is not a uuid", topic)
	}
	return &parsedTopic{prefix: prefix, id: id}, nil
}
