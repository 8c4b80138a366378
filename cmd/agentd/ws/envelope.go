package ws

import "time"

// Envelope is the version-1 wire frame. Every inbound and outbound
// WebSocket message is one of these.
type Envelope struct {
	V     int                    `json:"v"`
	Type  string                 `json:"type"`
	Topic string                 `json:"topic"`
	ReqID string                 `json:"req_id,omitempty"`
	TS    int64                  `json:"ts"`
	Data  map[string]interface{} `json:"data"`
}

// Ingress envelope types
const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeSubscribeThread = "subscribe_thread"
	TypeSendMessage     = "send_message"
)

// Egress envelope types
const (
	TypeSubscribeAck        = "subscribe_ack"
	TypeSubscribeError      = "subscribe_error"
	TypeError               = "error"
	TypeAgentState          = "agent_state"
	TypeRunUpdate           = "run_update"
	TypeUserUpdate          = "user_update"
	TypeThreadMessage       = "thread_message"
	TypeThreadToken         = "thread_token"
	TypeNodeState           = "node_state"
	TypeExecutionFinished   = "execution_finished"
	TypeWorkflowProgress    = "workflow_progress"
	TypeWorkerToolStarted   = "worker_tool_started"
	TypeWorkerToolCompleted = "worker_tool_completed"
	TypeWorkerToolFailed    = "worker_tool_failed"
)

// Subscribe error codes
const (
	CodeNotFound      = "NOT_FOUND"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeUnknown       = "UNKNOWN"
	CodeDeprecated    = "DEPRECATED"
)

// SystemTopic is used for frames not scoped to an entity topic
const SystemTopic = "system"

// NewEnvelope builds an outbound frame stamped with the current time
func NewEnvelope(version int, typ, topic, reqID string, data map[string]interface{}) Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Envelope{
		V:     version,
		Type:  typ,
		Topic: topic,
		ReqID: reqID,
		TS:    time.Now().UnixMilli(),
		Data:  data,
	}
}
