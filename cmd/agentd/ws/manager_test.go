package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
	"github.com/praxisline/agentd/common/repository"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  { l.t.Logf("[INFO] %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, keysAndValues) }

type fakeConn struct {
	mu         sync.Mutex
	sent       []Envelope
	failSends  bool
	closedCode int
	closed     bool
}

func (c *fakeConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return fmt.Errorf("send failed")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closedCode = code
}

func (c *fakeConn) envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.sent...)
}

func (c *fakeConn) lastOfType(typ string) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == typ {
			return &c.sent[i]
		}
	}
	return nil
}

type fakeAgentStore struct {
	agents map[uuid.UUID]*models.Agent
}

func (s *fakeAgentStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	if agent, ok := s.agents[id]; ok {
		return agent, nil
	}
	return nil, repository.ErrNotFound
}

type fakeUserStore struct {
	users map[uuid.UUID]*models.User
}

func (s *fakeUserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if user, ok := s.users[id]; ok {
		return user, nil
	}
	return nil, repository.ErrNotFound
}

type fakeExecutionStore struct {
	execs  map[uuid.UUID]*models.WorkflowExecution
	states map[uuid.UUID][]*models.NodeExecutionState
}

func (s *fakeExecutionStore) GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	if exec, ok := s.execs[id]; ok {
		return exec, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeExecutionStore) ListNodeStates(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecutionState, error) {
	return s.states[executionID], nil
}

type wsFixture struct {
	manager *Manager
	agents  *fakeAgentStore
	users   *fakeUserStore
	execs   *fakeExecutionStore
}

func newWSFixture(t *testing.T) *wsFixture {
	cfg := &config.Config{}
	cfg.WebSocket.EnvelopeVersion = 1

	agents := &fakeAgentStore{agents: make(map[uuid.UUID]*models.Agent)}
	users := &fakeUserStore{users: make(map[uuid.UUID]*models.User)}
	execs := &fakeExecutionStore{
		execs:  make(map[uuid.UUID]*models.WorkflowExecution),
		states: make(map[uuid.UUID][]*models.NodeExecutionState),
	}

	return &wsFixture{
		manager: NewManager(Opts{
			Agents:     agents,
			Users:      users,
			Executions: execs,
			Config:     cfg,
			Metrics:    metrics.NewForTest(),
			Logger:     &testLogger{t: t},
		}),
		agents: agents,
		users:  users,
		execs:  execs,
	}
}

func (f *wsFixture) addUser(role models.UserRole) *models.User {
	user := &models.User{ID: uuid.New(), Email: "u@example.com", Role: role}
	f.users.users[user.ID] = user
	return user
}

func (f *wsFixture) connect(conn *fakeConn, user *models.User) string {
	clientID := uuid.NewString()
	var cu *ClientUser
	if user != nil {
		cu = &ClientUser{ID: user.ID, Role: user.Role}
	}
	f.manager.Register(clientID, conn, cu)
	return clientID
}

func subscribeEnv(topics ...string) Envelope {
	list := make([]interface{}, len(topics))
	for i, t := range topics {
		list[i] = t
	}
	return Envelope{V: 1, Type: TypeSubscribe, ReqID: "req-1", Data: map[string]interface{}{"topics": list}}
}

func TestSubscribeToOwnAgentAcksWithInitialState(t *testing.T) {
	f := newWSFixture(t)
	user := f.addUser(models.RoleUser)
	agent := &models.Agent{ID: uuid.New(), OwnerID: user.ID, Name: "helper", Status: models.AgentIdle}
	f.agents.agents[agent.ID] = agent

	conn := &fakeConn{}
	clientID := f.connect(conn, user)

	topic := AgentTopic(agent.ID.String())
	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(topic))

	ack := conn.lastOfType(TypeSubscribeAck)
	require.NotNil(t, ack)
	assert.Equal(t, []string{topic}, ack.Data["topics"])

	state := conn.lastOfType(TypeAgentState)
	require.NotNil(t, state)
	assert.Equal(t, topic, state.Topic)
	assert.Equal(t, agent.ID.String(), state.Data["agent_id"])
	assert.True(t, f.manager.IsSubscribed(clientID, topic))
}

func TestSubscribeUnknownAgentIsNotFound(t *testing.T) {
	f := newWSFixture(t)
	user := f.addUser(models.RoleUser)

	conn := &fakeConn{}
	clientID := f.connect(conn, user)

	topic := AgentTopic(uuid.NewString())
	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(topic))

	errEnv := conn.lastOfType(TypeSubscribeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeNotFound, errEnv.Data["code"])
	assert.False(t, f.manager.IsSubscribed(clientID, topic))
}

func TestSubscribeForeignAgentIsForbidden(t *testing.T) {
	f := newWSFixture(t)
	owner := f.addUser(models.RoleUser)
	other := f.addUser(models.RoleUser)
	agent := &models.Agent{ID: uuid.New(), OwnerID: owner.ID, Status: models.AgentIdle}
	f.agents.agents[agent.ID] = agent

	conn := &fakeConn{}
	clientID := f.connect(conn, other)

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(AgentTopic(agent.ID.String())))

	errEnv := conn.lastOfType(TypeSubscribeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeForbidden, errEnv.Data["code"])
}

func TestOpsEventsRequiresAdmin(t *testing.T) {
	f := newWSFixture(t)
	user := f.addUser(models.RoleUser)

	conn := &fakeConn{}
	clientID := f.connect(conn, user)

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(TopicOpsEvents))

	errEnv := conn.lastOfType(TypeSubscribeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeForbidden, errEnv.Data["code"])
	assert.True(t, conn.closed)
	assert.Equal(t, ClosePolicyViolation, conn.closedCode)
	assert.Equal(t, 0, f.manager.SubscriberCount(TopicOpsEvents))
}

func TestOpsEventsAllowsAdmin(t *testing.T) {
	f := newWSFixture(t)
	admin := f.addUser(models.RoleAdmin)

	conn := &fakeConn{}
	clientID := f.connect(conn, admin)

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(TopicOpsEvents))

	require.NotNil(t, conn.lastOfType(TypeSubscribeAck))
	assert.True(t, f.manager.IsSubscribed(clientID, TopicOpsEvents))
	assert.False(t, conn.closed)
}

func TestSubscribeThreadIsDeprecated(t *testing.T) {
	f := newWSFixture(t)
	conn := &fakeConn{}
	clientID := f.connect(conn, f.addUser(models.RoleUser))

	f.manager.HandleEnvelope(context.Background(), clientID, Envelope{V: 1, Type: TypeSubscribeThread})

	errEnv := conn.lastOfType(TypeSubscribeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeDeprecated, errEnv.Data["code"])
}

func TestFinishedExecutionReplayedOnSubscribe(t *testing.T) {
	f := newWSFixture(t)
	user := f.addUser(models.RoleUser)

	result := models.ResultSuccess
	exec := &models.WorkflowExecution{
		ID:         uuid.New(),
		WorkflowID: uuid.New(),
		Phase:      models.PhaseFinished,
		Result:     &result,
	}
	f.execs.execs[exec.ID] = exec

	conn := &fakeConn{}
	clientID := f.connect(conn, user)

	topic := ExecutionTopic(exec.ID.String())
	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(topic))

	replay := conn.lastOfType(TypeExecutionFinished)
	require.NotNil(t, replay)
	assert.Equal(t, topic, replay.Topic)
	assert.Equal(t, string(models.ResultSuccess), replay.Data["result"])
}

func TestRunningExecutionNotReplayed(t *testing.T) {
	f := newWSFixture(t)
	user := f.addUser(models.RoleUser)

	exec := &models.WorkflowExecution{ID: uuid.New(), Phase: models.PhaseRunning}
	f.execs.execs[exec.ID] = exec

	conn := &fakeConn{}
	clientID := f.connect(conn, user)

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(ExecutionTopic(exec.ID.String())))

	assert.Nil(t, conn.lastOfType(TypeExecutionFinished))
	require.NotNil(t, conn.lastOfType(TypeSubscribeAck))
}

func TestRunningExecutionReplaysNodeStates(t *testing.T) {
	f := newWSFixture(t)
	user := f.addUser(models.RoleUser)

	exec := &models.WorkflowExecution{ID: uuid.New(), Phase: models.PhaseRunning}
	f.execs.execs[exec.ID] = exec

	success := models.ResultSuccess
	f.execs.states[exec.ID] = []*models.NodeExecutionState{
		{ExecutionID: exec.ID, NodeID: "fetch", Phase: models.PhaseFinished, Result: &success},
		{ExecutionID: exec.ID, NodeID: "summarize", Phase: models.PhaseRunning},
	}

	conn := &fakeConn{}
	clientID := f.connect(conn, user)

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(ExecutionTopic(exec.ID.String())))

	var nodeIDs []string
	for _, env := range conn.envelopes() {
		if env.Type == TypeNodeState {
			nodeIDs = append(nodeIDs, env.Data["node_id"].(string))
		}
	}
	assert.Equal(t, []string{"fetch", "summarize"}, nodeIDs)
}

func TestBroadcastRemovesFailedConnections(t *testing.T) {
	f := newWSFixture(t)
	admin := f.addUser(models.RoleAdmin)

	healthy := &fakeConn{}
	broken := &fakeConn{failSends: true}
	healthyID := f.connect(healthy, admin)
	brokenID := f.connect(broken, admin)

	f.manager.HandleEnvelope(context.Background(), healthyID, subscribeEnv(TopicOpsEvents))
	f.manager.addSubscription(brokenID, TopicOpsEvents)
	require.Equal(t, 2, f.manager.SubscriberCount(TopicOpsEvents))

	f.manager.BroadcastToTopic(TopicOpsEvents, NewEnvelope(1, "trigger_fired", TopicOpsEvents, "", nil))

	assert.Equal(t, 1, f.manager.SubscriberCount(TopicOpsEvents))
	assert.False(t, f.manager.IsSubscribed(brokenID, TopicOpsEvents))
	require.NotNil(t, healthy.lastOfType("trigger_fired"))
}

func TestBroadcastPreservesPublishOrder(t *testing.T) {
	f := newWSFixture(t)
	conn := &fakeConn{}
	clientID := f.connect(conn, f.addUser(models.RoleAdmin))
	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(TopicOpsEvents))
	before := len(conn.envelopes())

	for i := 0; i < 5; i++ {
		f.manager.BroadcastToTopic(TopicOpsEvents, NewEnvelope(1, "trigger_fired", TopicOpsEvents, "", map[string]interface{}{"seq": i}))
	}

	sent := conn.envelopes()[before:]
	require.Len(t, sent, 5)
	for i, env := range sent {
		assert.Equal(t, i, env.Data["seq"])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newWSFixture(t)
	conn := &fakeConn{}
	clientID := f.connect(conn, f.addUser(models.RoleAdmin))

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(TopicOpsEvents))
	require.True(t, f.manager.IsSubscribed(clientID, TopicOpsEvents))

	f.manager.HandleEnvelope(context.Background(), clientID, Envelope{
		V: 1, Type: TypeUnsubscribe,
		Data: map[string]interface{}{"topics": []interface{}{TopicOpsEvents}},
	})

	assert.False(t, f.manager.IsSubscribed(clientID, TopicOpsEvents))
	assert.Equal(t, 0, f.manager.SubscriberCount(TopicOpsEvents))
}

func TestInvalidSubscribePayloadClosesProtocolError(t *testing.T) {
	f := newWSFixture(t)
	conn := &fakeConn{}
	clientID := f.connect(conn, f.addUser(models.RoleUser))

	f.manager.HandleEnvelope(context.Background(), clientID, Envelope{V: 1, Type: TypeSubscribe, Data: map[string]interface{}{}})

	errEnv := conn.lastOfType(TypeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeInvalidFormat, errEnv.Data["code"])
	assert.Equal(t, CloseProtocolError, conn.closedCode)
}

func TestMalformedTopicIsInvalidFormat(t *testing.T) {
	f := newWSFixture(t)
	conn := &fakeConn{}
	clientID := f.connect(conn, f.addUser(models.RoleUser))

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv("bogus-topic"))

	errEnv := conn.lastOfType(TypeSubscribeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeInvalidFormat, errEnv.Data["code"])
}

func TestUnauthenticatedSubscribeIsUnauthorized(t *testing.T) {
	f := newWSFixture(t)
	conn := &fakeConn{}
	clientID := f.connect(conn, nil)

	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(UserTopic(uuid.NewString())))

	errEnv := conn.lastOfType(TypeSubscribeError)
	require.NotNil(t, errEnv)
	assert.Equal(t, CodeUnauthorized, errEnv.Data["code"])
}

func TestBusBridgeRoutesAgentEvents(t *testing.T) {
	f := newWSFixture(t)
	eventBus := bus.New(&testLogger{t: t})
	f.manager.BindBus(eventBus)

	user := f.addUser(models.RoleUser)
	agent := &models.Agent{ID: uuid.New(), OwnerID: user.ID, Status: models.AgentIdle}
	f.agents.agents[agent.ID] = agent

	conn := &fakeConn{}
	clientID := f.connect(conn, user)
	topic := AgentTopic(agent.ID.String())
	f.manager.HandleEnvelope(context.Background(), clientID, subscribeEnv(topic))
	before := len(conn.envelopes())

	eventBus.Publish(context.Background(), bus.AgentUpdated, agent.EventPayload())

	sent := conn.envelopes()[before:]
	require.Len(t, sent, 1)
	assert.Equal(t, TypeAgentState, sent[0].Type)
	assert.Equal(t, topic, sent[0].Topic)
}
