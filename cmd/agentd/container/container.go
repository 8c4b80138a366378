package container

import (
	"context"
	"fmt"

	"github.com/praxisline/agentd/cmd/agentd/engine"
	"github.com/praxisline/agentd/cmd/agentd/runner"
	"github.com/praxisline/agentd/cmd/agentd/scheduler"
	"github.com/praxisline/agentd/cmd/agentd/taskrunner"
	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/cmd/agentd/trigger"
	"github.com/praxisline/agentd/cmd/agentd/worker"
	"github.com/praxisline/agentd/cmd/agentd/ws"
	"github.com/praxisline/agentd/common/bootstrap"
	"github.com/praxisline/agentd/common/crypto"
	"github.com/praxisline/agentd/common/repository"
)

// Opts carries the pluggable transports the core consumes behind
// interfaces: the LLM provider, the Gmail client (nil disables email
// polling), and any extra built-in tools.
type Opts struct {
	LLM      runner.LLM
	Gmail    trigger.GmailAPI
	Builtins []tools.Tool
}

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components
	Box        *crypto.Box

	Users      *repository.UserRepository
	Agents     *repository.AgentRepository
	Threads    *repository.ThreadRepository
	Runs       *repository.RunRepository
	Triggers   *repository.TriggerRepository
	Workflows  *repository.WorkflowRepository
	Executions *repository.ExecutionRepository
	WorkerJobs *repository.WorkerJobRepository
	Admin      *repository.AdminRepository

	Registry   *tools.Registry
	Runner     *runner.Runner
	Tasks      *taskrunner.TaskRunner
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler
	Supervisor *worker.Supervisor
	Ingestor   *trigger.Ingestor
	Poller     *trigger.Poller
	WS         *ws.Manager
}

// New initializes all services and repositories once, bottom-up
func New(components *bootstrap.Components, opts Opts) (*Container, error) {
	if opts.LLM == nil {
		return nil, fmt.Errorf("an LLM transport is required")
	}

	cfg := components.Config
	log := components.Logger

	users := repository.NewUserRepository(components.DB)
	agents := repository.NewAgentRepository(components.DB)
	threads := repository.NewThreadRepository(components.DB)
	runs := repository.NewRunRepository(components.DB)
	triggers := repository.NewTriggerRepository(components.DB)
	workflows := repository.NewWorkflowRepository(components.DB)
	executions := repository.NewExecutionRepository(components.DB)
	workerJobs := repository.NewWorkerJobRepository(components.DB)
	admin := repository.NewAdminRepository(components.DB, log)

	box := crypto.New(cfg.Secrets.Key)
	registry := tools.NewRegistry(opts.Builtins, log)

	agentRunner := runner.New(runner.Opts{
		LLM:      opts.LLM,
		Registry: registry,
		Threads:  threads,
		Runs:     runs,
		Agents:   agents,
		Bus:      components.Bus,
		Config:   cfg,
		Metrics:  components.Metrics,
		Logger:   log,
	})

	tasks := taskrunner.New(taskrunner.Opts{
		Agents:  agents,
		Threads: threads,
		Runs:    runs,
		Runner:  agentRunner,
		Locks:   components.Redis,
		Bus:     components.Bus,
		Config:  cfg,
		Logger:  log,
	})

	eng, err := engine.New(engine.Opts{
		Workflows: workflows,
		Store:     executions,
		Tools:     registry,
		Agents:    tasks,
		Bus:       components.Bus,
		Metrics:   components.Metrics,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow engine: %w", err)
	}

	artifacts := worker.NewArtifactStore(cfg.Workers.ArtifactsDir)
	roundabout := worker.NewRoundabout(workerJobs, artifacts, components.Bus, cfg.Workers, log)
	supervisor := worker.New(worker.Opts{
		Runner:       tasks,
		Jobs:         workerJobs,
		Artifacts:    artifacts,
		Roundabout:   roundabout,
		Metrics:      components.Metrics,
		Config:       cfg.Workers,
		DefaultModel: cfg.LLM.DefaultModel,
		Logger:       log,
	})
	for _, tool := range supervisor.ContextTools() {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}

	sched := scheduler.New(scheduler.Opts{
		Agents:    agents,
		Tasks:     tasks,
		Workflows: eng,
		Bus:       components.Bus,
		Logger:    log,
	})

	ingestor := trigger.NewIngestor(triggers, box, components.Bus, components.Metrics, log)

	var poller *trigger.Poller
	if opts.Gmail != nil {
		poller = trigger.NewPoller(trigger.PollerOpts{
			Triggers: triggers,
			API:      opts.Gmail,
			Tokens:   components.Redis,
			Box:      box,
			Bus:      components.Bus,
			Metrics:  components.Metrics,
			Config:   cfg.Triggers,
			Logger:   log,
		})
	}

	wsManager := ws.NewManager(ws.Opts{
		Agents:     agents,
		Users:      users,
		Executions: executions,
		SendMessage: func(ctx context.Context, user *ws.ClientUser, data map[string]interface{}) error {
			return tasks.SendChatMessage(ctx, user.ID, data)
		},
		Config:  cfg,
		Metrics: components.Metrics,
		Logger:  log,
	})

	return &Container{
		Components: components,
		Box:        box,
		Users:      users,
		Agents:     agents,
		Threads:    threads,
		Runs:       runs,
		Triggers:   triggers,
		Workflows:  workflows,
		Executions: executions,
		WorkerJobs: workerJobs,
		Admin:      admin,
		Registry:   registry,
		Runner:     agentRunner,
		Tasks:      tasks,
		Engine:     eng,
		Scheduler:  sched,
		Supervisor: supervisor,
		Ingestor:   ingestor,
		Poller:     poller,
		WS:         wsManager,
	}, nil
}

// Start wires the event bus projections and begins the background loops
func (c *Container) Start(ctx context.Context) error {
	c.WS.BindBus(c.Components.Bus)
	if err := c.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if c.Poller != nil {
		c.Poller.Start(ctx)
	}
	return nil
}

// Shutdown stops the background loops and drains in-flight executions
func (c *Container) Shutdown(ctx context.Context) {
	c.Scheduler.Stop()
	if c.Poller != nil {
		c.Poller.Stop()
	}
	c.Engine.Shutdown(ctx)
}
