package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/models"
)

// ErrAlreadyRunning rejects a task for an agent that is mid-run. Callers
// on the scheduled path downgrade this to a silent skip.
var ErrAlreadyRunning = errors.New("already running")

// runLockTTL bounds how long a crashed run can hold its redis lock
const runLockTTL = 10 * time.Minute

// AgentStore loads agents and records run outcomes
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	Create(ctx context.Context, agent *models.Agent) error
	RecordRunOutcome(ctx context.Context, id uuid.UUID, lastRunAt time.Time, lastError *string) error
}

// ThreadStore persists threads and their messages
type ThreadStore interface {
	Create(ctx context.Context, thread *models.Thread) error
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]*models.Thread, error)
	InsertMessage(ctx context.Context, msg *models.ThreadMessage) error
}

// RunStore persists agent runs
type RunStore interface {
	Create(ctx context.Context, run *models.AgentRun) error
}

// TurnRunner drives one agent turn; implemented by the agent runner
type TurnRunner interface {
	RunTurn(ctx context.Context, agent *models.Agent, thread *models.Thread, run *models.AgentRun) ([]*models.ThreadMessage, error)
}

// Locker serializes runs per agent across processes. Satisfied by the
// redis client wrapper; nil disables cross-process locking.
type Locker interface {
	SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a TaskRunner
type Opts struct {
	Agents  AgentStore
	Threads ThreadStore
	Runs    RunStore
	Runner  TurnRunner
	Locks   Locker
	Bus     *bus.Bus
	Config  *config.Config
	Logger  Logger
}

// TaskRunner is the shared "mark running, run, record outcome" helper
// used by the scheduler, webhook ingestion, the workflow engine's agent
// nodes, and the worker supervisor.
type TaskRunner struct {
	agents  AgentStore
	threads ThreadStore
	runs    RunStore
	runner  TurnRunner
	locks   Locker
	bus     *bus.Bus
	cfg     *config.Config
	logger  Logger
}

// New creates a task runner
func New(opts Opts) *TaskRunner {
	return &TaskRunner{
		agents:  opts.Agents,
		threads: opts.Threads,
		runs:    opts.Runs,
		runner:  opts.Runner,
		locks:   opts.Locks,
		bus:     opts.Bus,
		cfg:     opts.Config,
		logger:  opts.Logger,
	}
}

// ExecuteAgentTask runs one agent task end to end: a fresh thread of the
// given type seeded with the agent's task instructions, a QUEUED run,
// then the agent turn. The run outcome lands on the agent row.
func (t *TaskRunner) ExecuteAgentTask(ctx context.Context, agentID uuid.UUID, threadType models.ThreadType, trigger models.RunTrigger) (*models.AgentRun, error) {
	agent, err := t.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent.Status == models.AgentRunning {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAlreadyRunning)
	}

	release, err := t.acquireRunLock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	thread, err := t.createThread(ctx, agent, threadType, fmt.Sprintf("%s %s", agent.Name, time.Now().UTC().Format("2006-01-02 15:04")))
	if err != nil {
		return nil, err
	}
	if err := t.seedMessage(ctx, agent, thread, agent.TaskInstructions); err != nil {
		return nil, err
	}

	run, err := t.createRun(ctx, agent, thread, trigger)
	if err != nil {
		return nil, err
	}

	_, runErr := t.runner.RunTurn(tools.WithOwner(ctx, agent.OwnerID), agent, thread, run)
	t.recordOutcome(ctx, agentID, runErr)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

// RunWorkflowAgent runs an agent node on a fresh workflow-scoped thread
// seeded with the resolved node message. The returned value becomes the
// node envelope: the messages created plus their count.
func (t *TaskRunner) RunWorkflowAgent(ctx context.Context, agentID uuid.UUID, message string) (map[string]interface{}, error) {
	agent, err := t.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	thread, err := t.createThread(ctx, agent, models.ThreadManual, "workflow: "+agent.Name)
	if err != nil {
		return nil, err
	}
	if err := t.seedMessage(ctx, agent, thread, message); err != nil {
		return nil, err
	}

	run, err := t.createRun(ctx, agent, thread, models.TriggerAPI)
	if err != nil {
		return nil, err
	}

	created, runErr := t.runner.RunTurn(tools.WithOwner(ctx, agent.OwnerID), agent, thread, run)
	t.recordOutcome(ctx, agentID, runErr)
	if runErr != nil {
		return nil, runErr
	}

	contents := make([]interface{}, 0, len(created))
	for _, msg := range created {
		contents = append(contents, msg.Content)
	}
	return map[string]interface{}{
		"messages":         contents,
		"messages_created": len(created),
	}, nil
}

// RunWorkerTask runs a supervisor-spawned worker: an ephemeral agent row
// owned by the spawning user, a manual thread seeded with the task, and
// one turn. The caller persists the conversation as worker artifacts.
func (t *TaskRunner) RunWorkerTask(ctx context.Context, ownerID uuid.UUID, task, model string) ([]*models.ThreadMessage, error) {
	if model == "" {
		model = t.cfg.LLM.DefaultModel
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		Name:               "worker " + now.Format("2006-01-02 15:04:05"),
		SystemInstructions: "You are a background worker. Complete the task and state the final result.",
		TaskInstructions:   task,
		Model:              model,
		Status:             models.AgentIdle,
		Config:             map[string]interface{}{"worker": true},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := t.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("create worker agent: %w", err)
	}

	thread, err := t.createThread(ctx, agent, models.ThreadManual, "worker: "+truncateTitle(task))
	if err != nil {
		return nil, err
	}
	if err := t.seedMessage(ctx, agent, thread, task); err != nil {
		return nil, err
	}

	run, err := t.createRun(ctx, agent, thread, models.TriggerAPI)
	if err != nil {
		return nil, err
	}

	created, runErr := t.runner.RunTurn(tools.WithOwner(ctx, ownerID), agent, thread, run)
	t.recordOutcome(ctx, agent.ID, runErr)
	return created, runErr
}

// SendChatMessage handles an inbound chat frame: append the user's
// message to the agent's active chat thread and run a turn in the
// background so the socket pump never blocks on the LLM.
func (t *TaskRunner) SendChatMessage(ctx context.Context, userID uuid.UUID, data map[string]interface{}) error {
	rawAgentID, _ := data["agent_id"].(string)
	agentID, err := uuid.Parse(rawAgentID)
	if err != nil {
		return fmt.Errorf("send_message requires a valid agent_id")
	}
	content, _ := data["content"].(string)
	if content == "" {
		return fmt.Errorf("send_message requires content")
	}

	agent, err := t.agents.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.OwnerID != userID {
		return fmt.Errorf("agent %s does not belong to this user", agentID)
	}

	thread, err := t.activeChatThread(ctx, agent)
	if err != nil {
		return err
	}
	if err := t.seedMessage(ctx, agent, thread, content); err != nil {
		return err
	}

	run, err := t.createRun(ctx, agent, thread, models.TriggerManual)
	if err != nil {
		return err
	}

	bgCtx := tools.WithOwner(context.WithoutCancel(ctx), agent.OwnerID)
	go func() {
		_, runErr := t.runner.RunTurn(bgCtx, agent, thread, run)
		if runErr != nil {
			t.logger.Error("chat turn failed", "agent_id", agentID, "thread_id", thread.ID, "error", runErr)
		}
		t.recordOutcome(bgCtx, agentID, runErr)
	}()
	return nil
}

func (t *TaskRunner) acquireRunLock(ctx context.Context, agentID uuid.UUID) (func(), error) {
	if t.locks == nil {
		return func() {}, nil
	}
	key := "agent:run:" + agentID.String()
	ok, err := t.locks.SetNX(ctx, key, "1", runLockTTL)
	if err != nil {
		t.logger.Warn("run lock unavailable, proceeding without it", "agent_id", agentID, "error", err)
		return func() {}, nil
	}
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAlreadyRunning)
	}
	return func() {
		if err := t.locks.Delete(context.WithoutCancel(ctx), key); err != nil {
			t.logger.Warn("failed to release run lock", "agent_id", agentID, "error", err)
		}
	}, nil
}

func (t *TaskRunner) createThread(ctx context.Context, agent *models.Agent, threadType models.ThreadType, title string) (*models.Thread, error) {
	now := time.Now().UTC()
	thread := &models.Thread{
		ID:             uuid.New(),
		AgentID:        agent.ID,
		Title:          title,
		AgentState:     map[string]interface{}{},
		MemoryStrategy: "full",
		ThreadType:     threadType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.threads.Create(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	t.bus.Publish(ctx, bus.ThreadCreated, map[string]interface{}{
		"owner_id":    agent.OwnerID.String(),
		"agent_id":    agent.ID.String(),
		"thread_id":   thread.ID.String(),
		"thread_type": string(threadType),
	})
	return thread, nil
}

// activeChatThread returns the agent's active thread, creating a CHAT
// thread when none exists
func (t *TaskRunner) activeChatThread(ctx context.Context, agent *models.Agent) (*models.Thread, error) {
	threads, err := t.threads.ListByAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	for _, thread := range threads {
		if thread.Active {
			return thread, nil
		}
	}
	return t.createThread(ctx, agent, models.ThreadChat, "chat: "+agent.Name)
}

func (t *TaskRunner) seedMessage(ctx context.Context, agent *models.Agent, thread *models.Thread, content string) error {
	msg := &models.ThreadMessage{
		ThreadID:  thread.ID,
		Role:      models.RoleUserMsg,
		Content:   content,
		SentAt:    time.Now().UTC(),
		Processed: true,
	}
	if err := t.threads.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("seed thread: %w", err)
	}
	t.bus.Publish(ctx, bus.ThreadMessageCreated, map[string]interface{}{
		"owner_id":   agent.OwnerID.String(),
		"thread_id":  thread.ID.String(),
		"message_id": msg.ID,
		"role":       string(models.RoleUserMsg),
		"content":    content,
	})
	return nil
}

func (t *TaskRunner) createRun(ctx context.Context, agent *models.Agent, thread *models.Thread, trigger models.RunTrigger) (*models.AgentRun, error) {
	now := time.Now().UTC()
	run := &models.AgentRun{
		ID:        uuid.New(),
		AgentID:   agent.ID,
		ThreadID:  thread.ID,
		Trigger:   trigger,
		Status:    models.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	t.bus.Publish(ctx, bus.RunCreated, run.EventPayload())
	return run, nil
}

// recordOutcome stamps last_run_at and sets or clears last_error
func (t *TaskRunner) recordOutcome(ctx context.Context, agentID uuid.UUID, runErr error) {
	var lastError *string
	if runErr != nil {
		errMsg := runErr.Error()
		lastError = &errMsg
	}
	if err := t.agents.RecordRunOutcome(ctx, agentID, time.Now().UTC(), lastError); err != nil {
		t.logger.Error("failed to record run outcome", "agent_id", agentID, "error", err)
	}
}

func truncateTitle(s string) string {
	const max = 60
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
