package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
)

const shutdownGrace = 30 * time.Second

// errValidation marks failures caused by a bad workflow shape or
// expression, as opposed to system errors. Never retried.
var errValidation = errors.New("validation error")

// WorkflowSource loads stored workflows
type WorkflowSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// ExecutionStore persists executions and node states
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	UpsertNodeState(ctx context.Context, state *models.NodeExecutionState) error
}

// ToolSource resolves tool names for tool nodes
type ToolSource interface {
	GetTool(name string) (tools.Tool, bool)
}

// AgentInvoker runs an agent node on a fresh workflow-scoped thread
type AgentInvoker interface {
	RunWorkflowAgent(ctx context.Context, agentID uuid.UUID, message string) (map[string]interface{}, error)
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures an Engine
type Opts struct {
	Workflows WorkflowSource
	Store     ExecutionStore
	Tools     ToolSource
	Agents    AgentInvoker
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    Logger
}

// Engine executes workflow DAGs. The graph is built and validated once
// per execution; parallel branches run concurrently and merge through
// commutative reducers, so completion order never changes the outcome.
type Engine struct {
	workflows WorkflowSource
	store     ExecutionStore
	tools     ToolSource
	agents    AgentInvoker
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    Logger
	cel       *celCache

	mu      sync.Mutex
	done    map[uuid.UUID]chan struct{}
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a workflow engine
func New(opts Opts) (*Engine, error) {
	cache, err := newCELCache()
	if err != nil {
		return nil, err
	}
	return &Engine{
		workflows: opts.Workflows,
		store:     opts.Store,
		tools:     opts.Tools,
		agents:    opts.Agents,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cel:       cache,
		done:      make(map[uuid.UUID]chan struct{}),
		cancels:   make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Execute runs a workflow synchronously and returns its finished execution
func (e *Engine) Execute(ctx context.Context, workflowID uuid.UUID, triggeredBy string) (*models.WorkflowExecution, error) {
	exec, err := e.createExecution(ctx, workflowID, triggeredBy)
	if err != nil {
		return nil, err
	}
	e.run(ctx, exec)
	return exec, nil
}

// StartExecution runs a workflow in the background and returns the
// execution record immediately. Use WaitForCompletion to join it.
func (e *Engine) StartExecution(ctx context.Context, workflowID uuid.UUID, triggerType string) (*models.WorkflowExecution, error) {
	exec, err := e.createExecution(ctx, workflowID, triggerType)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	doneCh := make(chan struct{})

	e.mu.Lock()
	e.done[exec.ID] = doneCh
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(doneCh)
		defer func() {
			e.mu.Lock()
			delete(e.cancels, exec.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, exec)
	}()

	return exec, nil
}

// WaitForCompletion blocks until the execution finishes or the timeout
// elapses. Returns false on timeout; the execution keeps running.
func (e *Engine) WaitForCompletion(executionID uuid.UUID, timeout time.Duration) bool {
	e.mu.Lock()
	doneCh, ok := e.done[executionID]
	e.mu.Unlock()
	if !ok {
		return true
	}

	if timeout <= 0 {
		<-doneCh
		return true
	}
	select {
	case <-doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Shutdown waits up to 30 s for outstanding executions, then cancels them
func (e *Engine) Shutdown(ctx context.Context) {
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}

	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) createExecution(ctx context.Context, workflowID uuid.UUID, triggeredBy string) (*models.WorkflowExecution, error) {
	exec := &models.WorkflowExecution{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		Phase:       models.PhaseWaiting,
		AttemptNo:   1,
		TriggeredBy: triggeredBy,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// execState is the shared execution state. All reducers are commutative:
// outputs merge on write, completed nodes concatenate, the first error
// wins.
type execState struct {
	mu        sync.Mutex
	outputs   map[string]models.NodeEnvelope
	completed []string
	firstErr  error

	// edge-resolution protocol: every node waits for all incoming edges
	// to resolve as either "fire" or "skip"; it runs when at least one
	// fired and skips otherwise, so conditional joins never deadlock.
	remaining map[string]int
	anyFire   map[string]bool
}

func (s *execState) snapshot() map[string]models.NodeEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.NodeEnvelope, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

func (s *execState) recordOutput(nodeID string, env models.NodeEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = env
	s.completed = append(s.completed, nodeID)
}

func (s *execState) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *execState) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (e *Engine) run(ctx context.Context, exec *models.WorkflowExecution) {
	startedAt := time.Now().UTC()
	exec.StartedAt = &startedAt

	wf, err := e.workflows.GetByID(ctx, exec.WorkflowID)
	if err != nil {
		e.finish(ctx, exec, startedAt, fmt.Errorf("load workflow: %w", err))
		return
	}

	g, err := buildGraph(&wf.Canvas)
	if err != nil {
		e.finish(ctx, exec, startedAt, fmt.Errorf("%w: %s", errValidation, err.Error()))
		return
	}

	exec.Phase = models.PhaseRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.finish(ctx, exec, startedAt, fmt.Errorf("mark execution running: %w", err))
		return
	}

	// A zero-node workflow finishes immediately with SUCCESS
	if len(g.nodes) == 0 {
		e.finish(ctx, exec, startedAt, nil)
		return
	}

	state := &execState{
		outputs:   make(map[string]models.NodeEnvelope),
		remaining: make(map[string]int),
		anyFire:   make(map[string]bool),
	}
	for id, n := range g.incoming {
		state.remaining[id] = n
	}

	var wg sync.WaitGroup
	var schedule func(nodeID string, fire bool)
	schedule = func(nodeID string, fire bool) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var taken *models.WorkflowEdge
			if fire {
				taken = e.executeNode(ctx, exec, g, state, nodeID)
			}

			node := g.nodes[nodeID]
			for i := range g.outgoing[nodeID] {
				edge := &g.outgoing[nodeID][i]
				edgeFires := fire
				if fire && node.Type == models.NodeConditional {
					edgeFires = taken == edge
				}
				e.deliver(g, state, edge.ToNodeID, edgeFires, schedule)
			}
		}()
	}

	for _, nodeID := range g.startNodes {
		schedule(nodeID, true)
	}
	wg.Wait()

	e.finish(ctx, exec, startedAt, state.err())
}

// deliver resolves one incoming edge for a node. When all edges are
// resolved the node runs if any fired, otherwise its skip propagates.
func (e *Engine) deliver(g *graph, state *execState, nodeID string, fire bool, schedule func(string, bool)) {
	state.mu.Lock()
	state.remaining[nodeID]--
	if fire {
		state.anyFire[nodeID] = true
	}
	ready := state.remaining[nodeID] == 0
	shouldFire := state.anyFire[nodeID]
	state.mu.Unlock()

	if ready {
		schedule(nodeID, shouldFire)
	}
}

// executeNode runs one node and persists its telemetry. For conditional
// nodes it returns the outgoing edge taken, nil otherwise (or when the
// branch matches no edge, which routes to END).
func (e *Engine) executeNode(ctx context.Context, exec *models.WorkflowExecution, g *graph, state *execState, nodeID string) *models.WorkflowEdge {
	node := g.nodes[nodeID]

	// A prior failure aborts the rest of the graph; remaining nodes skip.
	if state.err() != nil {
		return nil
	}

	nodeStart := time.Now().UTC()
	nodeState := &models.NodeExecutionState{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		Phase:       models.PhaseRunning,
		StartedAt:   &nodeStart,
	}
	if err := e.store.UpsertNodeState(ctx, nodeState); err != nil {
		e.logger.Error("failed to persist node state", "execution_id", exec.ID, "node_id", nodeID, "error", err)
	}
	e.publishNodeState(ctx, exec, nodeState, nil)

	value, err := e.runNodeKind(ctx, state, node)

	nodeFinish := time.Now().UTC()
	nodeState.Phase = models.PhaseFinished
	nodeState.FinishedAt = &nodeFinish

	if err != nil {
		failure := models.ResultFailure
		errMsg := err.Error()
		nodeState.Result = &failure
		nodeState.ErrorMessage = &errMsg
		envelope := models.NewNodeEnvelope(nil, nodeID, node.Type, models.ResultFailure)
		nodeState.Output = &envelope

		if persistErr := e.store.UpsertNodeState(ctx, nodeState); persistErr != nil {
			e.logger.Error("failed to persist node failure", "execution_id", exec.ID, "node_id", nodeID, "error", persistErr)
		}
		e.publishNodeState(ctx, exec, nodeState, &errMsg)
		state.recordError(fmt.Errorf("node %s: %w", nodeID, err))
		return nil
	}

	success := models.ResultSuccess
	envelope := models.NewNodeEnvelope(value, nodeID, node.Type, models.ResultSuccess)
	nodeState.Result = &success
	nodeState.Output = &envelope
	if persistErr := e.store.UpsertNodeState(ctx, nodeState); persistErr != nil {
		e.logger.Error("failed to persist node state", "execution_id", exec.ID, "node_id", nodeID, "error", persistErr)
	}
	state.recordOutput(nodeID, envelope)
	e.publishNodeState(ctx, exec, nodeState, nil)

	if node.Type == models.NodeConditional {
		branch, _ := envelope.Value.(map[string]interface{})["branch"].(string)
		return g.routeConditional(nodeID, branch)
	}
	return nil
}

func (e *Engine) runNodeKind(ctx context.Context, state *execState, node *models.WorkflowNode) (interface{}, error) {
	outputs := state.snapshot()
	resolved := newResolver(outputs, e.logger).resolveConfig(node.Config)

	switch node.Type {
	case models.NodeTrigger:
		return map[string]interface{}{"triggered": true}, nil

	case models.NodeTool:
		toolName, _ := resolved["tool_name"].(string)
		if toolName == "" {
			return nil, fmt.Errorf("%w: tool node %q has no tool_name", errValidation, node.ID)
		}
		tool, ok := e.tools.GetTool(toolName)
		if !ok {
			return nil, fmt.Errorf("%w: tool %q is not registered", errValidation, toolName)
		}

		args := map[string]interface{}{}
		if static, ok := resolved["static_params"].(map[string]interface{}); ok {
			for k, v := range static {
				args[k] = v
			}
		}
		if params, ok := resolved["params"].(map[string]interface{}); ok {
			for k, v := range params {
				args[k] = v
			}
		}

		value, err := tool.Run(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("tool %s failed: %w", toolName, err)
		}
		return value, nil

	case models.NodeAgent:
		rawID, _ := resolved["agent_id"].(string)
		agentID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("%w: agent node %q has invalid agent_id", errValidation, node.ID)
		}
		message, _ := resolved["message"].(string)

		value, err := e.agents.RunWorkflowAgent(ctx, agentID, message)
		if err != nil {
			return nil, fmt.Errorf("agent node %s failed: %w", node.ID, err)
		}
		return value, nil

	case models.NodeConditional:
		value, err := e.evaluateCondition(resolved, outputs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errValidation, err.Error())
		}
		return value, nil
	}

	return nil, fmt.Errorf("%w: unknown node type %q", errValidation, node.Type)
}

func (e *Engine) publishNodeState(ctx context.Context, exec *models.WorkflowExecution, nodeState *models.NodeExecutionState, errMsg *string) {
	payload := map[string]interface{}{
		"execution_id": exec.ID.String(),
		"workflow_id":  exec.WorkflowID.String(),
		"node_id":      nodeState.NodeID,
		"phase":        string(nodeState.Phase),
	}
	if nodeState.Result != nil {
		payload["result"] = string(*nodeState.Result)
	}
	if errMsg != nil {
		payload["error_message"] = *errMsg
	}
	e.bus.Publish(ctx, bus.NodeStateChanged, payload)
}

// finish marks the execution FINISHED and publishes EXECUTION_FINISHED
func (e *Engine) finish(ctx context.Context, exec *models.WorkflowExecution, startedAt time.Time, runErr error) {
	finishedAt := time.Now().UTC()
	exec.Phase = models.PhaseFinished
	exec.FinishedAt = &finishedAt

	result := models.ResultSuccess
	if runErr != nil {
		result = models.ResultFailure
		errMsg := runErr.Error()
		exec.ErrorMessage = &errMsg
		kind := models.FailureSystem
		if errors.Is(runErr, errValidation) {
			kind = models.FailureValidation
		}
		exec.FailureKind = &kind
	}
	exec.Result = &result

	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist finished execution", "execution_id", exec.ID, "error", err)
	}

	durationMS := finishedAt.Sub(startedAt).Milliseconds()
	payload := map[string]interface{}{
		"execution_id": exec.ID.String(),
		"workflow_id":  exec.WorkflowID.String(),
		"phase":        string(models.PhaseFinished),
		"result":       string(result),
		"duration_ms":  durationMS,
	}
	if exec.ErrorMessage != nil {
		payload["error_message"] = *exec.ErrorMessage
	}
	e.bus.Publish(ctx, bus.ExecutionFinished, payload)
	e.metrics.ExecutionsTotal.WithLabelValues(string(result)).Inc()

	if runErr != nil {
		e.logger.Error("workflow execution failed", "execution_id", exec.ID, "error", runErr)
	} else {
		e.logger.Info("workflow execution finished", "execution_id", exec.ID, "duration_ms", durationMS)
	}
}
