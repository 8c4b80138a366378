package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  { l.t.Logf("[INFO] %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, keysAndValues) }

type memThreadStore struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[uuid.UUID][]*models.ThreadMessage
}

func newMemThreadStore() *memThreadStore {
	return &memThreadStore{msgs: make(map[uuid.UUID][]*models.ThreadMessage)}
}

func (s *memThreadStore) InsertMessage(ctx context.Context, msg *models.ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	s.msgs[msg.ThreadID] = append(s.msgs[msg.ThreadID], msg)
	return nil
}

func (s *memThreadStore) ListMessages(ctx context.Context, threadID uuid.UUID) ([]*models.ThreadMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ThreadMessage(nil), s.msgs[threadID]...), nil
}

type memRunStore struct {
	mu       sync.Mutex
	statuses []models.RunStatus
}

func (s *memRunStore) Update(ctx context.Context, run *models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, run.Status)
	return nil
}

type memAgentStore struct {
	mu       sync.Mutex
	statuses []models.AgentStatus
}

func (s *memAgentStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

// scriptedLLM replays a fixed sequence of completions
type scriptedLLM struct {
	mu    sync.Mutex
	steps []*Completion
	calls int
}

func (l *scriptedLLM) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls >= len(l.steps) {
		return nil, fmt.Errorf("scripted llm exhausted after %d calls", l.calls)
	}
	step := l.steps[l.calls]
	l.calls++
	if req.Stream && req.OnToken != nil {
		for _, token := range strings.Fields(step.Content) {
			req.OnToken(token)
		}
	}
	return step, nil
}

type failingLLM struct{}

func (failingLLM) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	return nil, fmt.Errorf("provider unavailable")
}

type fixture struct {
	runner  *Runner
	threads *memThreadStore
	runs    *memRunStore
	agents  *memAgentStore
	bus     *bus.Bus
	agent   *models.Agent
	thread  *models.Thread
	run     *models.AgentRun
}

func newFixture(t *testing.T, llm LLM, builtins ...tools.Tool) *fixture {
	log := &testLogger{t: t}
	threads := newMemThreadStore()
	runs := &memRunStore{}
	agents := &memAgentStore{}
	eventBus := bus.New(log)

	cfg := &config.Config{}
	cfg.LLM.DefaultModel = "test-model"
	cfg.LLM.MaxTokens = 1024

	agent := &models.Agent{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Name:    "test agent",
		Status:  models.AgentIdle,
	}
	thread := &models.Thread{ID: uuid.New(), AgentID: agent.ID, ThreadType: models.ThreadChat}
	run := &models.AgentRun{
		ID:       uuid.New(),
		AgentID:  agent.ID,
		ThreadID: thread.ID,
		Trigger:  models.TriggerManual,
		Status:   models.RunQueued,
	}

	return &fixture{
		runner: New(Opts{
			LLM:      llm,
			Registry: tools.NewRegistry(builtins, log),
			Threads:  threads,
			Runs:     runs,
			Agents:   agents,
			Bus:      eventBus,
			Config:   cfg,
			Metrics:  metrics.NewForTest(),
			Logger:   log,
		}),
		threads: threads,
		runs:    runs,
		agents:  agents,
		bus:     eventBus,
		agent:   agent,
		thread:  thread,
		run:     run,
	}
}

func TestRunTurnNoToolCalls(t *testing.T) {
	llm := &scriptedLLM{steps: []*Completion{
		{Content: "All done, nothing to do.", Tokens: 10},
	}}
	f := newFixture(t, llm)

	created, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.Equal(t, models.RoleAssistant, created[0].Role)
	assert.Equal(t, models.RunSuccess, f.run.Status)
	assert.Equal(t, []models.AgentStatus{models.AgentRunning, models.AgentIdle}, f.agents.statuses)
	require.NotNil(t, f.run.Summary)
	assert.Equal(t, "All done, nothing to do.", *f.run.Summary)
	require.NotNil(t, f.run.DurationMS)
	assert.GreaterOrEqual(t, *f.run.DurationMS, int64(0))
}

func TestRunTurnExecutesToolCallsThenLoops(t *testing.T) {
	grading := tools.NewFuncTool("grading_tool", "grades assignments", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"score": 95, "grade": "A"}, nil
		})

	llm := &scriptedLLM{steps: []*Completion{
		{Content: "", ToolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "grading_tool", Args: map[string]interface{}{"assignment": "final_exam"}},
		}},
		{Content: "The grade is A with a score of 95."},
	}}
	f := newFixture(t, llm, grading)

	var started, completed []string
	f.bus.Subscribe(bus.WorkerToolStarted, func(ctx context.Context, e bus.Event) {
		started = append(started, e.Payload["tool_call_id"].(string))
	})
	f.bus.Subscribe(bus.WorkerToolCompleted, func(ctx context.Context, e bus.Event) {
		completed = append(completed, e.Payload["tool_call_id"].(string))
	})

	created, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)

	// assistant(tool_calls), tool, assistant(final)
	require.Len(t, created, 3)
	assert.Equal(t, models.RoleTool, created[1].Role)
	assert.Contains(t, created[1].Content, `"score":95`)
	assert.Equal(t, []string{"tc-1"}, started)
	assert.Equal(t, []string{"tc-1"}, completed)
	assert.Equal(t, models.RunSuccess, f.run.Status)
}

func TestParallelToolResultsKeepCallOrder(t *testing.T) {
	slow := tools.NewFuncTool("slow", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "slow result", nil
		})
	fast := tools.NewFuncTool("fast", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "fast result", nil
		})

	llm := &scriptedLLM{steps: []*Completion{
		{ToolCalls: []models.ToolCall{
			{ID: "tc-slow", Name: "slow"},
			{ID: "tc-fast", Name: "fast"},
		}},
		{Content: "done"},
	}}
	f := newFixture(t, llm, slow, fast)

	created, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)

	require.Len(t, created, 4)
	assert.Equal(t, "slow result", created[1].Content)
	assert.Equal(t, "fast result", created[2].Content)
}

func TestToolFailureIsInBand(t *testing.T) {
	broken := tools.NewFuncTool("broken", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("upstream returned 500")
		})

	llm := &scriptedLLM{steps: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "broken"}}},
		{Content: "I could not complete the task."},
	}}
	f := newFixture(t, llm, broken)

	var failed int
	f.bus.Subscribe(bus.WorkerToolFailed, func(ctx context.Context, e bus.Event) { failed++ })

	created, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)

	require.Len(t, created, 3)
	assert.True(t, strings.HasPrefix(created[1].Content, ToolErrorMarker))
	assert.Equal(t, 1, failed)
	// A non-worker run lets the LLM recover; the run still succeeds.
	assert.Equal(t, models.RunSuccess, f.run.Status)
}

func TestCriticalErrorFailsFastInWorkerContext(t *testing.T) {
	validator := tools.NewFuncTool("validator", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "validation_error: missing field 'token'", nil
		})

	llm := &scriptedLLM{steps: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "validator"}}},
	}}
	f := newFixture(t, llm, validator)

	wc := &WorkerContext{}
	ctx := WithWorkerContext(context.Background(), wc)

	created, err := f.runner.RunTurn(ctx, f.agent, f.thread, f.run)
	require.NoError(t, err)

	final := created[len(created)-1]
	assert.Equal(t, models.RoleAssistant, final.Role)
	assert.True(t, strings.HasPrefix(final.Content, "I encountered a critical error"))
	assert.Contains(t, wc.CriticalError(), "validation_error")
	assert.Equal(t, models.RunSuccess, f.run.Status)
}

func TestNonWorkerContextIgnoresCriticalClassifier(t *testing.T) {
	validator := tools.NewFuncTool("validator", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "validation_error: missing field", nil
		})

	llm := &scriptedLLM{steps: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "validator"}}},
		{Content: "Recovered by asking the user for the field."},
	}}
	f := newFixture(t, llm, validator)

	created, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Equal(t, "Recovered by asking the user for the field.", created[2].Content)
}

func TestLLMErrorFailsRun(t *testing.T) {
	f := newFixture(t, failingLLM{})

	_, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.Error(t, err)

	assert.Equal(t, models.RunFailed, f.run.Status)
	require.NotNil(t, f.run.Error)
	assert.Contains(t, *f.run.Error, "provider unavailable")
	assert.Equal(t, []models.AgentStatus{models.AgentRunning, models.AgentError}, f.agents.statuses)
}

func TestSensitiveArgsRedactedInEvents(t *testing.T) {
	deploy := tools.NewFuncTool("deploy", "", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "deployed", nil
		})

	llm := &scriptedLLM{steps: []*Completion{
		{ToolCalls: []models.ToolCall{{
			ID:   "tc-1",
			Name: "deploy",
			Args: map[string]interface{}{"host": "prod-1", "api_token": "s3cret"},
		}}},
		{Content: "done"},
	}}
	f := newFixture(t, llm, deploy)

	var eventArgs map[string]interface{}
	f.bus.Subscribe(bus.WorkerToolStarted, func(ctx context.Context, e bus.Event) {
		eventArgs = e.Payload["args"].(map[string]interface{})
	})

	_, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)

	require.NotNil(t, eventArgs)
	assert.Equal(t, "prod-1", eventArgs["host"])
	assert.Equal(t, "[REDACTED]", eventArgs["api_token"])
}

func TestUnknownToolBecomesInBandError(t *testing.T) {
	llm := &scriptedLLM{steps: []*Completion{
		{ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "ghost"}}},
		{Content: "ok"},
	}}
	f := newFixture(t, llm)

	created, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)
	assert.Contains(t, created[1].Content, "not available")
}

func TestStreamingTokensRepublished(t *testing.T) {
	llm := &scriptedLLM{steps: []*Completion{
		{Content: "hello streamed world"},
	}}
	f := newFixture(t, llm)
	f.runner.cfg.LLM.Streaming = true

	var tokens []string
	f.bus.Subscribe(bus.ThreadToken, func(ctx context.Context, e bus.Event) {
		tokens = append(tokens, e.Payload["token"].(string))
		assert.Equal(t, f.agent.OwnerID.String(), e.Payload["owner_id"])
	})

	_, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "streamed", "world"}, tokens)
}

func TestSummaryTruncatedTo500Chars(t *testing.T) {
	long := strings.Repeat("x", 600)
	llm := &scriptedLLM{steps: []*Completion{{Content: long}}}
	f := newFixture(t, llm)

	_, err := f.runner.RunTurn(context.Background(), f.agent, f.thread, f.run)
	require.NoError(t, err)

	require.NotNil(t, f.run.Summary)
	assert.Len(t, []rune(*f.run.Summary), 501)
	assert.True(t, strings.HasSuffix(*f.run.Summary, "…"))
}

func TestRedactArgsDeep(t *testing.T) {
	args := map[string]interface{}{
		"config": map[string]interface{}{
			"password": "hunter2",
			"region":   "us-east-1",
		},
		"items": []interface{}{
			map[string]interface{}{"secret_key": "abc"},
		},
	}

	out := RedactArgs(args)

	nested := out["config"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", nested["password"])
	assert.Equal(t, "us-east-1", nested["region"])
	item := out["items"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", item["secret_key"])

	// original untouched
	assert.Equal(t, "hunter2", args["config"].(map[string]interface{})["password"])
}
