package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
	"github.com/praxisline/agentd/common/repository"
)

// Close codes per the protocol contract
const (
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
)

// Connection is the transport half of a client, implemented over gorilla
// in production and by fakes in tests.
type Connection interface {
	Send(env Envelope) error
	Close(code int, reason string)
}

// ClientUser identifies the authenticated user behind a connection
type ClientUser struct {
	ID   uuid.UUID
	Role models.UserRole
}

// AgentStore loads agents for initial-state envelopes and authorization
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
}

// UserStore loads users for initial-state envelopes
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// ExecutionStore loads executions and node progress for replay on subscribe
type ExecutionStore interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	ListNodeStates(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecutionState, error)
}

// SendMessageHandler processes an inbound send_message frame. Wired by
// the container; nil rejects the frame.
type SendMessageHandler func(ctx context.Context, user *ClientUser, data map[string]interface{}) error

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Manager
type Opts struct {
	Agents      AgentStore
	Users       UserStore
	Executions  ExecutionStore
	SendMessage SendMessageHandler
	Config      *config.Config
	Metrics     *metrics.Metrics
	Logger      Logger
}

// Manager owns connection lifecycle, topic subscriptions, and broadcast.
type Manager struct {
	mu            sync.RWMutex
	connections   map[string]Connection
	subscriptions map[string]map[string]bool
	clientTopics  map[string]map[string]bool
	clientUsers   map[string]*ClientUser

	agents      AgentStore
	users       UserStore
	executions  ExecutionStore
	sendMessage SendMessageHandler
	cfg         *config.Config
	metrics     *metrics.Metrics
	logger      Logger
}

// NewManager creates a new topic manager
func NewManager(opts Opts) *Manager {
	return &Manager{
		connections:   make(map[string]Connection),
		subscriptions: make(map[string]map[string]bool),
		clientTopics:  make(map[string]map[string]bool),
		clientUsers:   make(map[string]*ClientUser),
		agents:        opts.Agents,
		users:         opts.Users,
		executions:    opts.Executions,
		sendMessage:   opts.SendMessage,
		cfg:           opts.Config,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
}

// Register adds a connection. user may be nil for unauthenticated clients.
func (m *Manager) Register(clientID string, conn Connection, user *ClientUser) {
	m.mu.Lock()
	m.connections[clientID] = conn
	m.clientTopics[clientID] = make(map[string]bool)
	m.clientUsers[clientID] = user
	m.mu.Unlock()

	m.metrics.WSConnections.Inc()
	m.logger.Debug("ws client registered", "client_id", clientID)
}

// Unregister removes a connection from every subscription set
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	_, existed := m.connections[clientID]
	delete(m.connections, clientID)
	delete(m.clientUsers, clientID)
	for topic := range m.clientTopics[clientID] {
		delete(m.subscriptions[topic], clientID)
		if len(m.subscriptions[topic]) == 0 {
			delete(m.subscriptions, topic)
		}
	}
	delete(m.clientTopics, clientID)
	m.mu.Unlock()

	if existed {
		m.metrics.WSConnections.Dec()
		m.logger.Debug("ws client unregistered", "client_id", clientID)
	}
}

// IsSubscribed reports whether a client is subscribed to a topic
func (m *Manager) IsSubscribed(clientID, topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientTopics[clientID][topic]
}

// HandleEnvelope dispatches one inbound frame
func (m *Manager) HandleEnvelope(ctx context.Context, clientID string, env Envelope) {
	switch env.Type {
	case TypePing:
		m.sendTo(clientID, m.newEnvelope(TypePong, SystemTopic, env.ReqID, nil))
	case TypePong:
		// heartbeat bookkeeping lives on the client pump
	case TypeSubscribe:
		m.handleSubscribe(ctx, clientID, env)
	case TypeUnsubscribe:
		m.handleUnsubscribe(clientID, env)
	case TypeSubscribeThread:
		m.sendTo(clientID, m.newEnvelope(TypeSubscribeError, SystemTopic, env.ReqID, map[string]interface{}{
			"code":    CodeDeprecated,
			"message": "subscribe_thread is deprecated; use subscribe with a user topic",
		}))
	case TypeSendMessage:
		m.handleSendMessage(ctx, clientID, env)
	default:
		m.sendTo(clientID, m.newEnvelope(TypeError, SystemTopic, env.ReqID, map[string]interface{}{
			"code":    CodeUnknown,
			"message": fmt.Sprintf("unknown envelope type %q", env.Type),
		}))
	}
}

// HandleInvalidPayload reports a frame that failed schema validation and
// closes the connection with a protocol error.
func (m *Manager) HandleInvalidPayload(clientID string, reason string) {
	m.sendTo(clientID, m.newEnvelope(TypeError, SystemTopic, "", map[string]interface{}{
		"code":    CodeInvalidFormat,
		"message": reason,
	}))
	m.closeClient(clientID, CloseProtocolError, reason)
}

func (m *Manager) handleSubscribe(ctx context.Context, clientID string, env Envelope) {
	topics, ok := stringSlice(env.Data["topics"])
	if !ok || len(topics) == 0 {
		m.HandleInvalidPayload(clientID, "subscribe requires a topics list")
		return
	}

	m.mu.RLock()
	user := m.clientUsers[clientID]
	m.mu.RUnlock()

	var granted []string
	var initial []Envelope
	closeAfter := false

	for _, topic := range topics {
		state, err := m.authorizeSubscribe(ctx, user, topic)
		if err != nil {
			var subErr *subscribeError
			code := CodeUnknown
			if errors.As(err, &subErr) {
				code = subErr.code
			}
			m.sendTo(clientID, m.newEnvelope(TypeSubscribeError, topic, env.ReqID, map[string]interface{}{
				"code":    code,
				"message": err.Error(),
			}))
			if code == CodeForbidden && topic == TopicOpsEvents {
				closeAfter = true
			}
			continue
		}

		m.addSubscription(clientID, topic)
		granted = append(granted, topic)
		initial = append(initial, state...)
	}

	if closeAfter {
		m.closeClient(clientID, ClosePolicyViolation, "ops:events requires admin")
		return
	}

	if len(granted) > 0 {
		m.sendTo(clientID, m.newEnvelope(TypeSubscribeAck, SystemTopic, env.ReqID, map[string]interface{}{
			"topics": granted,
		}))
		for _, env := range initial {
			m.sendTo(clientID, env)
		}
	}
}

type subscribeError struct {
	code string
	msg  string
}

func (e *subscribeError) Error() string { return e.msg }

func subErrf(code, format string, args ...interface{}) error {
	return &subscribeError{code: code, msg: fmt.Sprintf(format, args...)}
}

// authorizeSubscribe validates a topic and returns the initial-state
// envelopes owed to a new subscriber.
func (m *Manager) authorizeSubscribe(ctx context.Context, user *ClientUser, topic string) ([]Envelope, error) {
	parsed, err := parseTopic(topic)
	if err != nil {
		return nil, subErrf(CodeInvalidFormat, "%s", err.Error())
	}

	switch parsed.prefix {
	case TopicOpsEvents:
		if user == nil {
			return nil, subErrf(CodeUnauthorized, "authentication required for %s", topic)
		}
		if user.Role != models.RoleAdmin {
			return nil, subErrf(CodeForbidden, "%s requires admin role", topic)
		}
		return nil, nil

	case TopicUser:
		if user == nil {
			return nil, subErrf(CodeUnauthorized, "authentication required for %s", topic)
		}
		if user.ID != parsed.id && user.Role != models.RoleAdmin {
			return nil, subErrf(CodeForbidden, "cannot subscribe to another user's stream")
		}
		profile, err := m.users.GetByID(ctx, parsed.id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, subErrf(CodeNotFound, "user %s not found", parsed.id)
		}
		if err != nil {
			return nil, subErrf(CodeUnknown, "load user: %v", err)
		}
		return []Envelope{m.newEnvelope(TypeUserUpdate, topic, "", map[string]interface{}{
			"user_id": profile.ID.String(),
			"email":   profile.Email,
			"role":    string(profile.Role),
		})}, nil

	case TopicAgent:
		if user == nil {
			return nil, subErrf(CodeUnauthorized, "authentication required for %s", topic)
		}
		agent, err := m.agents.GetByID(ctx, parsed.id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, subErrf(CodeNotFound, "agent %s not found", parsed.id)
		}
		if err != nil {
			return nil, subErrf(CodeUnknown, "load agent: %v", err)
		}
		if agent.OwnerID != user.ID && user.Role != models.RoleAdmin {
			return nil, subErrf(CodeForbidden, "agent %s belongs to another user", parsed.id)
		}
		return []Envelope{m.newEnvelope(TypeAgentState, topic, "", agent.EventPayload())}, nil

	case TopicExecution:
		exec, err := m.executions.GetExecution(ctx, parsed.id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, subErrf(CodeNotFound, "execution %s not found", parsed.id)
		}
		if err != nil {
			return nil, subErrf(CodeUnknown, "load execution: %v", err)
		}
		// Late subscribers to a finished execution get the terminal
		// envelope replayed so they never wait on an event that
		// already happened.
		if exec.Phase == models.PhaseFinished {
			return []Envelope{m.newEnvelope(TypeExecutionFinished, topic, "", executionPayload(exec))}, nil
		}
		// A running execution gets the node states reached so far, so the
		// subscriber can render progress without waiting for the next change.
		states, err := m.executions.ListNodeStates(ctx, parsed.id)
		if err != nil {
			m.logger.Warn("failed to load node states for subscriber", "execution_id", parsed.id, "error", err)
			return nil, nil
		}
		var initial []Envelope
		for _, state := range states {
			initial = append(initial, m.newEnvelope(TypeNodeState, topic, "", nodeStatePayload(state)))
		}
		return initial, nil
	}

	return nil, subErrf(CodeInvalidFormat, "unknown topic %q", topic)
}

func (m *Manager) handleUnsubscribe(clientID string, env Envelope) {
	topics, ok := stringSlice(env.Data["topics"])
	if !ok {
		m.HandleInvalidPayload(clientID, "unsubscribe requires a topics list")
		return
	}

	m.mu.Lock()
	for _, topic := range topics {
		delete(m.clientTopics[clientID], topic)
		delete(m.subscriptions[topic], clientID)
		if len(m.subscriptions[topic]) == 0 {
			delete(m.subscriptions, topic)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) handleSendMessage(ctx context.Context, clientID string, env Envelope) {
	m.mu.RLock()
	user := m.clientUsers[clientID]
	m.mu.RUnlock()

	if user == nil {
		m.sendTo(clientID, m.newEnvelope(TypeError, SystemTopic, env.ReqID, map[string]interface{}{
			"code":    CodeUnauthorized,
			"message": "authentication required",
		}))
		return
	}
	if m.sendMessage == nil {
		m.sendTo(clientID, m.newEnvelope(TypeError, SystemTopic, env.ReqID, map[string]interface{}{
			"code":    CodeUnknown,
			"message": "send_message is not enabled",
		}))
		return
	}

	if err := m.sendMessage(ctx, user, env.Data); err != nil {
		m.sendTo(clientID, m.newEnvelope(TypeError, SystemTopic, env.ReqID, map[string]interface{}{
			"code":    CodeInvalidFormat,
			"message": err.Error(),
		}))
	}
}

// BroadcastToTopic sends an envelope to every subscriber of a topic.
// Clients whose send fails are dropped from all subscription sets.
func (m *Manager) BroadcastToTopic(topic string, env Envelope) {
	m.mu.RLock()
	targets := make(map[string]Connection, len(m.subscriptions[topic]))
	for clientID := range m.subscriptions[topic] {
		if conn, ok := m.connections[clientID]; ok {
			targets[clientID] = conn
		}
	}
	m.mu.RUnlock()

	for clientID, conn := range targets {
		if err := conn.Send(env); err != nil {
			m.logger.Warn("ws send failed, dropping client",
				"client_id", clientID, "topic", topic, "error", err)
			m.Unregister(clientID)
		}
	}
}

// SubscriberCount returns how many clients are subscribed to a topic
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions[topic])
}

func (m *Manager) addSubscription(clientID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[clientID]; !ok {
		return
	}
	if m.subscriptions[topic] == nil {
		m.subscriptions[topic] = make(map[string]bool)
	}
	m.subscriptions[topic][clientID] = true
	m.clientTopics[clientID][topic] = true
}

func (m *Manager) sendTo(clientID string, env Envelope) {
	m.mu.RLock()
	conn, ok := m.connections[clientID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := conn.Send(env); err != nil {
		m.logger.Warn("ws send failed, dropping client", "client_id", clientID, "error", err)
		m.Unregister(clientID)
	}
}

func (m *Manager) closeClient(clientID string, code int, reason string) {
	m.mu.RLock()
	conn, ok := m.connections[clientID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	conn.Close(code, reason)
	m.Unregister(clientID)
}

func (m *Manager) newEnvelope(typ, topic, reqID string, data map[string]interface{}) Envelope {
	return NewEnvelope(m.cfg.WebSocket.EnvelopeVersion, typ, topic, reqID, data)
}

func executionPayload(exec *models.WorkflowExecution) map[string]interface{} {
	payload := map[string]interface{}{
		"execution_id": exec.ID.String(),
		"workflow_id":  exec.WorkflowID.String(),
		"phase":        string(exec.Phase),
	}
	if exec.Result != nil {
		payload["result"] = string(*exec.Result)
	}
	if exec.ErrorMessage != nil {
		payload["error_message"] = *exec.ErrorMessage
	}
	if exec.StartedAt != nil && exec.FinishedAt != nil {
		payload["duration_ms"] = exec.FinishedAt.Sub(*exec.StartedAt).Milliseconds()
	}
	return payload
}

func nodeStatePayload(state *models.NodeExecutionState) map[string]interface{} {
	payload := map[string]interface{}{
		"execution_id": state.ExecutionID.String(),
		"node_id":      state.NodeID,
		"phase":        string(state.Phase),
	}
	if state.Result != nil {
		payload["result"] = string(*state.Result)
	}
	if state.ErrorMessage != nil {
		payload["error_message"] = *state.ErrorMessage
	}
	return payload
}

func stringSlice(v interface{}) ([]string, bool) {
	switch typed := v.(type) {
	case []string:
		return typed, true
	case []interface{}:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
