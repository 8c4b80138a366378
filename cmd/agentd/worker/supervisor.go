package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/cmd/agentd/runner"
	"github.com/praxisline/agentd/cmd/agentd/tools"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
)

const summaryMaxChars = 500

// JobStore persists worker jobs
type JobStore interface {
	Create(ctx context.Context, job *models.WorkerJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WorkerJob, error)
	Update(ctx context.Context, job *models.WorkerJob) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.WorkerJob, error)
}

// WorkerRunner executes one worker task to completion and returns the
// conversation it produced. Implementations run the agent loop; the
// supervisor owns job state and artifacts.
type WorkerRunner interface {
	RunWorkerTask(ctx context.Context, ownerID uuid.UUID, task, model string) ([]*models.ThreadMessage, error)
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Supervisor
type Opts struct {
	Runner       WorkerRunner
	Jobs         JobStore
	Artifacts    *ArtifactStore
	Roundabout   *Roundabout
	Metrics      *metrics.Metrics
	Config       config.WorkerConfig
	DefaultModel string
	Logger       Logger
}

// Supervisor spawns background worker jobs, persists their artifacts,
// and exposes the spawn/list/read tools to the supervisor agent. The
// WorkerJob row is authoritative for status; artifact metadata mirrors it.
type Supervisor struct {
	runner       WorkerRunner
	jobs         JobStore
	artifacts    *ArtifactStore
	roundabout   *Roundabout
	metrics      *metrics.Metrics
	cfg          config.WorkerConfig
	defaultModel string
	logger       Logger
}

// New creates a worker supervisor
func New(opts Opts) *Supervisor {
	return &Supervisor{
		runner:       opts.Runner,
		jobs:         opts.Jobs,
		artifacts:    opts.Artifacts,
		roundabout:   opts.Roundabout,
		metrics:      opts.Metrics,
		cfg:          opts.Config,
		defaultModel: opts.DefaultModel,
		logger:       opts.Logger,
	}
}

// Spawn creates a queued worker job and starts it in the background
func (s *Supervisor) Spawn(ctx context.Context, ownerID uuid.UUID, task, model string) (*models.WorkerJob, error) {
	if task == "" {
		return nil, fmt.Errorf("worker task must not be empty")
	}
	if model == "" {
		model = s.defaultModel
	}

	now := time.Now().UTC()
	workerID := models.NewWorkerID(now, task)
	job := &models.WorkerJob{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Task:      task,
		Model:     model,
		Status:    models.WorkerQueued,
		WorkerID:  &workerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create worker job: %w", err)
	}

	if err := s.artifacts.WriteMetadata(s.metadataFor(job)); err != nil {
		s.logger.Error("failed to write worker metadata", "worker_id", workerID, "error", err)
	}

	s.metrics.WorkerJobsActive.Inc()
	go s.runWorker(context.WithoutCancel(ctx), job)

	s.logger.Info("worker spawned", "worker_id", workerID, "job_id", job.ID, "owner_id", ownerID)
	return job, nil
}

// SpawnAndMonitor spawns a worker and runs the roundabout on its behalf
// until a decision is reached, at most the monitor timeout.
func (s *Supervisor) SpawnAndMonitor(ctx context.Context, ownerID uuid.UUID, task, model string) (*models.WorkerJob, *MonitorResult, error) {
	job, err := s.Spawn(ctx, ownerID, task, model)
	if err != nil {
		return nil, nil, err
	}
	result := s.roundabout.Watch(ctx, job.ID, *job.WorkerID)
	return job, result, nil
}

func (s *Supervisor) runWorker(ctx context.Context, job *models.WorkerJob) {
	defer s.metrics.WorkerJobsActive.Dec()

	workerID := *job.WorkerID
	started := time.Now().UTC()
	job.Status = models.WorkerRunning
	job.StartedAt = &started
	job.UpdatedAt = started
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("failed to mark worker running", "worker_id", workerID, "error", err)
	}
	if err := s.artifacts.WriteMetadata(s.metadataFor(job)); err != nil {
		s.logger.Error("failed to write worker metadata", "worker_id", workerID, "error", err)
	}

	wc := runner.NewWorkerContext(workerID)
	messages, runErr := s.runner.RunWorkerTask(runner.WithWorkerContext(ctx, wc), job.OwnerID, job.Task, job.Model)

	s.persistArtifacts(workerID, messages)

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.UpdatedAt = finished

	// The roundabout may have cancelled the job mid-run; never overwrite
	// a cancellation with a completion status.
	if current, err := s.jobs.GetByID(ctx, job.ID); err == nil && current.Status == models.WorkerCancelled {
		job.Status = models.WorkerCancelled
		job.Error = current.Error
	} else if critical := wc.CriticalError(); critical != "" {
		job.Status = models.WorkerFailed
		job.Error = &critical
	} else if runErr != nil {
		errMsg := runErr.Error()
		job.Status = models.WorkerFailed
		job.Error = &errMsg
	} else {
		job.Status = models.WorkerSuccess
	}

	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("failed to persist worker outcome", "worker_id", workerID, "error", err)
	}
	if err := s.artifacts.WriteMetadata(s.metadataFor(job)); err != nil {
		s.logger.Error("failed to write worker metadata", "worker_id", workerID, "error", err)
	}

	s.logger.Info("worker finished",
		"worker_id", workerID,
		"status", string(job.Status),
		"duration", finished.Sub(started).String())
}

// persistArtifacts writes the conversation log, per-call tool outputs,
// and the canonical result.txt from the finished run.
func (s *Supervisor) persistArtifacts(workerID string, messages []*models.ThreadMessage) {
	if len(messages) == 0 {
		return
	}
	if err := s.artifacts.AppendThread(workerID, messages); err != nil {
		s.logger.Error("failed to append worker thread log", "worker_id", workerID, "error", err)
	}

	seq := 0
	for _, msg := range messages {
		if msg.Role != models.RoleTool {
			continue
		}
		seq++
		name := "tool"
		if msg.Name != nil {
			name = *msg.Name
		}
		if err := s.artifacts.WriteToolCall(workerID, seq, name, msg.Content); err != nil {
			s.logger.Error("failed to write worker tool call", "worker_id", workerID, "error", err)
		}
	}

	result := finalAssistantContent(messages)
	if result == "" {
		return
	}
	if err := s.artifacts.WriteResult(workerID, result); err != nil {
		s.logger.Error("failed to write worker result", "worker_id", workerID, "error", err)
	}
}

// metadataFor mirrors the job row into artifact metadata, deriving the
// best-effort summary from result.txt when present.
func (s *Supervisor) metadataFor(job *models.WorkerJob) *Metadata {
	meta := &Metadata{
		WorkerID:   *job.WorkerID,
		OwnerID:    job.OwnerID,
		Task:       job.Task,
		Model:      job.Model,
		Status:     job.Status,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Error != nil {
		meta.Error = *job.Error
	}

	if result, err := s.artifacts.ReadResult(*job.WorkerID, job.OwnerID); err == nil && result != "" {
		runes := []rune(result)
		truncated := len(runes) > summaryMaxChars
		if truncated {
			meta.Summary = string(runes[:summaryMaxChars]) + "…"
		} else {
			meta.Summary = result
		}
		meta.SummaryMeta = map[string]interface{}{
			"derived_from": "result.txt",
			"truncated":    truncated,
		}
	}
	return meta
}

// ToolsFor returns the supervisor tool set bound to one owner
func (s *Supervisor) ToolsFor(ownerID uuid.UUID) []tools.Tool {
	spawn := tools.NewFuncTool(
		"spawn_worker",
		"Spawn a background worker to perform a task, monitor it, and return the outcome.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task":  map[string]interface{}{"type": "string", "description": "Natural-language task for the worker"},
				"model": map[string]interface{}{"type": "string", "description": "Model override, optional"},
			},
			"required": []interface{}{"task"},
		},
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			task, _ := args["task"].(string)
			model, _ := args["model"].(string)
			job, result, err := s.SpawnAndMonitor(ctx, ownerID, task, model)
			if err != nil {
				return nil, err
			}
			out := result.AsMap()
			out["worker_id"] = *job.WorkerID
			out["job_id"] = job.ID.String()
			return out, nil
		})

	list := tools.NewFuncTool(
		"list_workers",
		"List this user's worker jobs, optionally filtered by status.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"status": map[string]interface{}{"type": "string", "description": "Filter: queued, running, success, failed, or cancelled"},
			},
		},
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			jobs, err := s.jobs.ListByOwner(ctx, ownerID)
			if err != nil {
				return nil, fmt.Errorf("list workers: %w", err)
			}
			statusFilter, _ := args["status"].(string)
			out := make([]map[string]interface{}, 0, len(jobs))
			for _, job := range jobs {
				if statusFilter != "" && string(job.Status) != statusFilter {
					continue
				}
				entry := map[string]interface{}{
					"job_id":     job.ID.String(),
					"task":       job.Task,
					"status":     string(job.Status),
					"created_at": job.CreatedAt.Format(time.RFC3339),
				}
				if job.WorkerID != nil {
					entry["worker_id"] = *job.WorkerID
				}
				if job.Error != nil {
					entry["error"] = *job.Error
				}
				out = append(out, entry)
			}
			return out, nil
		})

	read := tools.NewFuncTool(
		"read_worker_result",
		"Read a worker's result.txt, or another artifact file via path (metadata.json, tool_calls/<name>).",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"worker_id": map[string]interface{}{"type": "string"},
				"path":      map[string]interface{}{"type": "string", "description": "Artifact file, defaults to result.txt"},
			},
			"required": []interface{}{"worker_id"},
		},
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			workerID, _ := args["worker_id"].(string)
			path, _ := args["path"].(string)
			if path == "" {
				path = "result.txt"
			}
			content, err := s.artifacts.ReadFile(workerID, ownerID, path)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"worker_id": workerID,
				"path":      path,
				"result":    content,
			}, nil
		})

	return []tools.Tool{spawn, list, read}
}

// ContextTools returns the supervisor tool set for registry-wide
// registration. Each call resolves the owner tagged on the invocation
// context, so one registration serves every user.
func (s *Supervisor) ContextTools() []tools.Tool {
	templates := s.ToolsFor(uuid.Nil)
	out := make([]tools.Tool, 0, len(templates))
	for _, tmpl := range templates {
		name := tmpl.Name()
		out = append(out, tools.NewFuncTool(name, tmpl.Description(), tmpl.Schema(),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				ownerID, ok := tools.OwnerFrom(ctx)
				if !ok {
					return nil, fmt.Errorf("tool %s requires an owner on the context", name)
				}
				for _, tool := range s.ToolsFor(ownerID) {
					if tool.Name() == name {
						return tool.Run(ctx, args)
					}
				}
				return nil, fmt.Errorf("unknown tool %s", name)
			}))
	}
	return out
}

// finalAssistantContent returns the content of the last text-bearing
// assistant message, which is the worker's canonical result.
func finalAssistantContent(messages []*models.ThreadMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == models.RoleAssistant && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}
