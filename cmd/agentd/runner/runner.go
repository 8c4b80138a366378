package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
)

// CriticalErrorPrefix starts the synthesized assistant message that ends
// a worker run after a critical tool error.
const CriticalErrorPrefix = "I encountered a critical error that prevents me from completing this task: "

// ToolErrorMarker prefixes in-band tool failure messages so the LLM can
// reason about them.
const ToolErrorMarker = "<tool-error>"

const summaryMaxChars = 500

// ThreadStore persists and loads thread messages
type ThreadStore interface {
	InsertMessage(ctx context.Context, msg *models.ThreadMessage) error
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]*models.ThreadMessage, error)
}

// RunStore persists agent runs
type RunStore interface {
	Update(ctx context.Context, run *models.AgentRun) error
}

// AgentStore mutates agent lifecycle status
type AgentStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.AgentStatus) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Runner
type Opts struct {
	LLM      LLM
	Registry *tools.Registry
	Threads  ThreadStore
	Runs     RunStore
	Agents   AgentStore
	Bus      *bus.Bus
	Config   *config.Config
	Metrics  *metrics.Metrics
	Logger   Logger
}

// Runner executes one agent turn over a thread: LLM call, parallel tool
// calls, loop until the assistant produces no tool calls. Safe to call
// concurrently for different threads.
type Runner struct {
	llm      LLM
	registry *tools.Registry
	threads  ThreadStore
	runs     RunStore
	agents   AgentStore
	bus      *bus.Bus
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   Logger
}

// New creates a new agent runner
func New(opts Opts) *Runner {
	return &Runner{
		llm:      opts.LLM,
		registry: opts.Registry,
		threads:  opts.Threads,
		runs:     opts.Runs,
		agents:   opts.Agents,
		bus:      opts.Bus,
		cfg:      opts.Config,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// RunTurn drives the ReAct loop for one queued run. It returns the
// messages persisted during the turn. The run ends SUCCESS with the agent
// back to IDLE, or FAILED with the agent in ERROR.
func (r *Runner) RunTurn(ctx context.Context, agent *models.Agent, thread *models.Thread, run *models.AgentRun) ([]*models.ThreadMessage, error) {
	startedAt := time.Now().UTC()

	run.Status = models.RunRunning
	run.StartedAt = &startedAt
	if err := r.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	if err := r.agents.UpdateStatus(ctx, agent.ID, models.AgentRunning); err != nil {
		return nil, fmt.Errorf("mark agent running: %w", err)
	}
	agent.Status = models.AgentRunning
	r.bus.Publish(ctx, bus.AgentUpdated, agent.EventPayload())
	r.bus.Publish(ctx, bus.RunUpdated, run.EventPayload())

	created, runErr := r.loop(ctx, agent, thread, run)

	finishedAt := time.Now().UTC()
	durationMS := finishedAt.Sub(startedAt).Milliseconds()
	run.FinishedAt = &finishedAt
	run.DurationMS = &durationMS

	if runErr != nil {
		errMsg := runErr.Error()
		run.Status = models.RunFailed
		run.Error = &errMsg
		if err := r.runs.Update(ctx, run); err != nil {
			r.logger.Error("failed to persist failed run", "run_id", run.ID, "error", err)
		}
		if err := r.agents.UpdateStatus(ctx, agent.ID, models.AgentError); err != nil {
			r.logger.Error("failed to mark agent error", "agent_id", agent.ID, "error", err)
		}
		agent.Status = models.AgentError
		r.bus.Publish(ctx, bus.AgentUpdated, agent.EventPayload())
		r.bus.Publish(ctx, bus.RunUpdated, run.EventPayload())
		r.metrics.AgentRunsTotal.WithLabelValues(string(models.RunFailed)).Inc()
		return created, runErr
	}

	run.Status = models.RunSuccess
	if summary := extractSummary(created); summary != "" {
		run.Summary = &summary
	}
	if err := r.runs.Update(ctx, run); err != nil {
		r.logger.Error("failed to persist finished run", "run_id", run.ID, "error", err)
	}
	if err := r.agents.UpdateStatus(ctx, agent.ID, models.AgentIdle); err != nil {
		r.logger.Error("failed to mark agent idle", "agent_id", agent.ID, "error", err)
	}
	agent.Status = models.AgentIdle
	r.bus.Publish(ctx, bus.AgentUpdated, agent.EventPayload())
	r.bus.Publish(ctx, bus.RunUpdated, run.EventPayload())
	r.metrics.AgentRunsTotal.WithLabelValues(string(models.RunSuccess)).Inc()

	return created, nil
}

func (r *Runner) loop(ctx context.Context, agent *models.Agent, thread *models.Thread, run *models.AgentRun) ([]*models.ThreadMessage, error) {
	history, err := r.threads.ListMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("load thread history: %w", err)
	}

	toolset := r.registry.FilterByAllowlist(agent.AllowedTools)
	toolsByName := make(map[string]tools.Tool, len(toolset))
	for _, tool := range toolset {
		toolsByName[tool.Name()] = tool
	}

	model := agent.Model
	if model == "" {
		model = r.cfg.LLM.DefaultModel
	}

	var created []*models.ThreadMessage
	var totalTokens int64
	var totalCost float64
	wc := WorkerContextFrom(ctx)

	for {
		// The streaming flag is read from configuration at every
		// invocation, never cached at construction.
		req := &CompletionRequest{
			Model:     model,
			Messages:  history,
			Tools:     toolset,
			MaxTokens: r.cfg.LLM.MaxTokens,
			Stream:    r.cfg.LLM.Streaming,
		}
		if req.Stream {
			ownerID := agent.OwnerID.String()
			threadID := thread.ID.String()
			req.OnToken = func(token string) {
				r.bus.Publish(ctx, bus.ThreadToken, map[string]interface{}{
					"owner_id":  ownerID,
					"thread_id": threadID,
					"token":     token,
				})
			}
		}

		completion, err := r.llm.Complete(ctx, req)
		if err != nil {
			run.TotalTokens = &totalTokens
			run.TotalCostUSD = &totalCost
			return created, fmt.Errorf("llm invocation failed: %w", err)
		}
		totalTokens += completion.Tokens
		totalCost += completion.CostUSD

		assistant := &models.ThreadMessage{
			ThreadID:  thread.ID,
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
			SentAt:    time.Now().UTC(),
			Processed: true,
		}
		if err := r.persistMessage(ctx, agent, assistant, &created, &history); err != nil {
			return created, err
		}

		if len(completion.ToolCalls) == 0 {
			break
		}

		toolMessages, err := r.executeToolCalls(ctx, agent, thread, completion.ToolCalls, toolsByName, wc)
		if err != nil {
			return created, err
		}
		for _, msg := range toolMessages {
			if err := r.persistMessage(ctx, agent, msg, &created, &history); err != nil {
				return created, err
			}
		}

		if wc != nil {
			if critical := wc.CriticalError(); critical != "" {
				final := &models.ThreadMessage{
					ThreadID:  thread.ID,
					Role:      models.RoleAssistant,
					Content:   CriticalErrorPrefix + critical,
					SentAt:    time.Now().UTC(),
					Processed: true,
				}
				if err := r.persistMessage(ctx, agent, final, &created, &history); err != nil {
					return created, err
				}
				break
			}
		}
	}

	run.TotalTokens = &totalTokens
	run.TotalCostUSD = &totalCost
	return created, nil
}

// executeToolCalls fans out all tool calls in parallel and joins them.
// Failures never abort the batch: each one becomes an in-band tool
// message the LLM can react to. Results keep the call order regardless
// of completion order.
func (r *Runner) executeToolCalls(ctx context.Context, agent *models.Agent, thread *models.Thread, calls []models.ToolCall, toolsByName map[string]tools.Tool, wc *WorkerContext) ([]*models.ThreadMessage, error) {
	results := make([]*models.ThreadMessage, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = r.runToolCall(gctx, agent, thread, call, toolsByName, wc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) runToolCall(ctx context.Context, agent *models.Agent, thread *models.Thread, call models.ToolCall, toolsByName map[string]tools.Tool, wc *WorkerContext) *models.ThreadMessage {
	basePayload := map[string]interface{}{
		"agent_id":     agent.ID.String(),
		"thread_id":    thread.ID.String(),
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
	}
	if wc != nil && wc.WorkerID() != "" {
		basePayload["worker_id"] = wc.WorkerID()
	}

	startPayload := clonePayload(basePayload)
	startPayload["args"] = RedactArgs(call.Args)
	r.bus.Publish(ctx, bus.WorkerToolStarted, startPayload)

	toolCallID := call.ID
	toolName := call.Name
	msg := &models.ThreadMessage{
		ThreadID:   thread.ID,
		Role:       models.RoleTool,
		ToolCallID: &toolCallID,
		Name:       &toolName,
		SentAt:     time.Now().UTC(),
		Processed:  true,
	}

	tool, ok := toolsByName[call.Name]
	var value interface{}
	var err error
	if !ok {
		err = fmt.Errorf("tool %q is not available to this agent", call.Name)
	} else {
		value, err = tool.AInvoke(ctx, call.Args)
	}

	if err != nil {
		msg.Content = ToolErrorMarker + " " + err.Error()

		failPayload := clonePayload(basePayload)
		failPayload["error"] = err.Error()
		r.bus.Publish(ctx, bus.WorkerToolFailed, failPayload)

		if wc != nil && IsCriticalToolError(msg.Content) {
			wc.RecordCriticalError(err.Error())
		}
		return msg
	}

	msg.Content = stringifyValue(value)

	donePayload := clonePayload(basePayload)
	donePayload["output"] = msg.Content
	r.bus.Publish(ctx, bus.WorkerToolCompleted, donePayload)

	if wc != nil && IsCriticalToolError(msg.Content) {
		wc.RecordCriticalError(msg.Content)
	}
	return msg
}

func (r *Runner) persistMessage(ctx context.Context, agent *models.Agent, msg *models.ThreadMessage, created, history *[]*models.ThreadMessage) error {
	if err := r.threads.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist %s message: %w", msg.Role, err)
	}
	*created = append(*created, msg)
	*history = append(*history, msg)
	r.bus.Publish(ctx, bus.ThreadMessageCreated, map[string]interface{}{
		"owner_id":   agent.OwnerID.String(),
		"thread_id":  msg.ThreadID.String(),
		"message_id": msg.ID,
		"role":       string(msg.Role),
		"content":    msg.Content,
	})
	return nil
}

// extractSummary takes the first text-only assistant message of the turn,
// truncated to 500 chars.
func extractSummary(created []*models.ThreadMessage) string {
	for _, msg := range created {
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) > 0 || msg.Content == "" {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) <= summaryMaxChars {
			return msg.Content
		}
		return string(runes[:summaryMaxChars]) + "…"
	}
	return ""
}

func stringifyValue(value interface{}) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(data)
	}
}

func clonePayload(base map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	return out
}
