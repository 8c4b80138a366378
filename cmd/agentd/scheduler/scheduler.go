package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/models"
)

// TaskLauncher starts one agent task run; implemented by the task runner
type TaskLauncher interface {
	ExecuteAgentTask(ctx context.Context, agentID uuid.UUID, threadType models.ThreadType, trigger models.RunTrigger) (*models.AgentRun, error)
}

// WorkflowLauncher starts one workflow execution; implemented by the engine
type WorkflowLauncher interface {
	StartExecution(ctx context.Context, workflowID uuid.UUID, triggerType string) (*models.WorkflowExecution, error)
}

// AgentSource loads agents and persists scheduling metadata
type AgentSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	ListScheduled(ctx context.Context) ([]*models.Agent, error)
	SetNextRunAt(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Scheduler
type Opts struct {
	Agents    AgentSource
	Tasks     TaskLauncher
	Workflows WorkflowLauncher
	Bus       *bus.Bus
	Logger    Logger
}

// Scheduler keeps an in-memory cron job table keyed by agent_<id> and
// workflow_<id>. It reacts to agent lifecycle events and trigger firings.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	parser cron.Parser
	jobs   map[string]cron.EntryID

	agents    AgentSource
	tasks     TaskLauncher
	workflows WorkflowLauncher
	bus       *bus.Bus
	logger    Logger
	running   bool
}

// New creates a scheduler accepting standard 5-field crontab expressions
func New(opts Opts) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		parser:    parser,
		jobs:      make(map[string]cron.EntryID),
		agents:    opts.Agents,
		tasks:     opts.Tasks,
		workflows: opts.Workflows,
		bus:       opts.Bus,
		logger:    opts.Logger,
	}
}

// ValidateSpec reports whether a crontab expression parses
func (s *Scheduler) ValidateSpec(spec string) error {
	_, err := s.parser.Parse(spec)
	return err
}

// Start reinstates jobs for every scheduled agent, subscribes to bus
// events, and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	agents, err := s.agents.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled agents: %w", err)
	}
	for _, agent := range agents {
		if agent.Schedule == nil {
			continue
		}
		if err := s.ScheduleAgent(ctx, agent.ID, *agent.Schedule); err != nil {
			s.logger.Error("failed to reinstate agent job", "agent_id", agent.ID, "error", err)
		}
	}

	s.bus.Subscribe(bus.AgentCreated, s.onAgentEvent)
	s.bus.Subscribe(bus.AgentUpdated, s.onAgentEvent)
	s.bus.Subscribe(bus.AgentDeleted, s.onAgentDeleted)
	s.bus.Subscribe(bus.TriggerFired, s.onTriggerFired)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.cron.Start()

	s.logger.Info("scheduler started", "jobs", s.JobCount())
	return nil
}

// Stop halts ticking; running jobs finish on their own goroutines
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.cron.Stop()
}

// ScheduleAgent installs or replaces the cron job for an agent.
// Scheduling twice with the same spec is equivalent to scheduling once.
func (s *Scheduler) ScheduleAgent(ctx context.Context, agentID uuid.UUID, spec string) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	key := agentJobKey(agentID)

	s.mu.Lock()
	if existing, ok := s.jobs[key]; ok {
		s.cron.Remove(existing)
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runAgentTick(agentID)
	}))
	s.jobs[key] = entryID
	s.mu.Unlock()

	next := schedule.Next(time.Now())
	if err := s.agents.SetNextRunAt(ctx, agentID, &next); err != nil {
		s.logger.Warn("failed to persist next_run_at", "agent_id", agentID, "error", err)
	}

	s.logger.Info("agent scheduled", "agent_id", agentID, "cron", spec, "next_run_at", next)
	return nil
}

// RemoveAgentJob clears the agent's job and nulls its next fire time
func (s *Scheduler) RemoveAgentJob(ctx context.Context, agentID uuid.UUID) {
	key := agentJobKey(agentID)

	s.mu.Lock()
	entryID, ok := s.jobs[key]
	if ok {
		s.cron.Remove(entryID)
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	if ok {
		if err := s.agents.SetNextRunAt(ctx, agentID, nil); err != nil {
			s.logger.Warn("failed to clear next_run_at", "agent_id", agentID, "error", err)
		}
		s.logger.Info("agent job removed", "agent_id", agentID)
	}
}

// ScheduleWorkflow installs or replaces the cron job for a workflow
func (s *Scheduler) ScheduleWorkflow(workflowID uuid.UUID, spec string) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	key := workflowJobKey(workflowID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[key]; ok {
		s.cron.Remove(existing)
	}
	s.jobs[key] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runWorkflowTick(workflowID)
	}))

	s.logger.Info("workflow scheduled", "workflow_id", workflowID, "cron", spec)
	return nil
}

// UnscheduleWorkflow removes the workflow's job
func (s *Scheduler) UnscheduleWorkflow(workflowID uuid.UUID) {
	key := workflowJobKey(workflowID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[key]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, key)
	}
}

// JobCount returns the number of installed jobs
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// HasJob reports whether a job key is installed
func (s *Scheduler) HasJob(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

func (s *Scheduler) runAgentTick(agentID uuid.UUID) {
	ctx := context.Background()

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		s.logger.Error("scheduled agent vanished", "agent_id", agentID, "error", err)
		return
	}
	// Scheduled triggers silently skip a busy agent
	if agent.Status == models.AgentRunning {
		s.logger.Debug("agent busy, skipping scheduled run", "agent_id", agentID)
		return
	}

	if _, err := s.tasks.ExecuteAgentTask(ctx, agentID, models.ThreadSchedule, models.TriggerSchedule); err != nil {
		s.logger.Error("scheduled run failed", "agent_id", agentID, "error", err)
	}

	s.mu.Lock()
	entryID, ok := s.jobs[agentJobKey(agentID)]
	s.mu.Unlock()
	if ok {
		next := s.cron.Entry(entryID).Next
		if !next.IsZero() {
			if err := s.agents.SetNextRunAt(ctx, agentID, &next); err != nil {
				s.logger.Warn("failed to persist next_run_at", "agent_id", agentID, "error", err)
			}
		}
	}
}

func (s *Scheduler) runWorkflowTick(workflowID uuid.UUID) {
	if s.workflows == nil {
		return
	}
	if _, err := s.workflows.StartExecution(context.Background(), workflowID, "schedule"); err != nil {
		s.logger.Error("scheduled workflow execution failed", "workflow_id", workflowID, "error", err)
	}
}

// onAgentEvent reacts to AGENT_CREATED and AGENT_UPDATED: drop any
// existing job, then re-schedule only if the agent still has a schedule.
func (s *Scheduler) onAgentEvent(ctx context.Context, e bus.Event) {
	agentID, ok := payloadUUID(e.Payload, "agent_id")
	if !ok {
		return
	}

	s.RemoveAgentJob(ctx, agentID)
	if spec, ok := e.Payload["schedule"].(string); ok && spec != "" {
		if err := s.ScheduleAgent(ctx, agentID, spec); err != nil {
			s.logger.Error("failed to schedule agent from event", "agent_id", agentID, "error", err)
		}
	}
}

func (s *Scheduler) onAgentDeleted(ctx context.Context, e bus.Event) {
	if agentID, ok := payloadUUID(e.Payload, "agent_id"); ok {
		s.RemoveAgentJob(ctx, agentID)
	}
}

// onTriggerFired launches the agent named in a TRIGGER_FIRED payload.
// A missing trigger_type is noted and defaulted to webhook rather than
// silently coerced.
func (s *Scheduler) onTriggerFired(ctx context.Context, e bus.Event) {
	agentID, ok := payloadUUID(e.Payload, "agent_id")
	if !ok {
		s.logger.Warn("TRIGGER_FIRED without agent_id", "payload", e.Payload)
		return
	}

	triggerType, ok := e.Payload["trigger_type"].(string)
	if !ok || triggerType == "" {
		s.logger.Warn("TRIGGER_FIRED without trigger_type, defaulting to webhook", "agent_id", agentID)
		triggerType = "webhook"
	}

	trigger := runTriggerFor(triggerType)
	threadType := models.ThreadManual
	if trigger == models.TriggerSchedule {
		threadType = models.ThreadSchedule

		agent, err := s.agents.GetByID(ctx, agentID)
		if err != nil {
			s.logger.Error("trigger fired for unknown agent", "agent_id", agentID, "error", err)
			return
		}
		if agent.Status == models.AgentRunning {
			s.logger.Debug("agent busy, skipping scheduled trigger", "agent_id", agentID)
			return
		}
	}

	// Non-scheduled triggers always attempt; the task runner rejects a
	// busy agent with its own error. The run happens off the publisher's
	// goroutine so webhook ingestion returns immediately.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.tasks.ExecuteAgentTask(runCtx, agentID, threadType, trigger); err != nil {
			s.logger.Error("triggered run failed", "agent_id", agentID, "trigger_type", triggerType, "error", err)
		}
	}()
}

func runTriggerFor(triggerType string) models.RunTrigger {
	switch triggerType {
	case "schedule":
		return models.TriggerSchedule
	case "manual":
		return models.TriggerManual
	case "api":
		return models.TriggerAPI
	default:
		return models.TriggerWebhook
	}
}

func payloadUUID(payload map[string]interface{}, key string) (uuid.UUID, bool) {
	raw, ok := payload[key].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func agentJobKey(id uuid.UUID) string    { return "agent_" + id.String() }
func workflowJobKey(id uuid.UUID) string { return "workflow_" + id.String() }
