package worker

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/cmd/agentd/runner"
	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/models"
)

// Roundabout result statuses. StatusPeek is reserved for a future
// monitor policy; the current heuristic never produces it.
const (
	StatusComplete       = "complete"
	StatusFailed         = "failed"
	StatusMonitorTimeout = "monitor_timeout"
	StatusEarlyExit      = "early_exit"
	StatusCancelled      = "cancelled"
	StatusPeek           = "peek"
)

// finalAnswerPatterns detect a conclusive tool output worth exiting early for
var finalAnswerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^result:`),
	regexp.MustCompile(`(?i)^summary:`),
	regexp.MustCompile(`(?i)completed successfully`),
	regexp.MustCompile(`(?i)task complete`),
	regexp.MustCompile(`(?i)done\.`),
}

// Activity counts the worker's tool events seen by the monitor
type Activity struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// MonitorResult is the roundabout's decision, returned to the supervisor
type MonitorResult struct {
	Status               string   `json:"status"`
	WorkerStillRunning   bool     `json:"worker_still_running"`
	ExitReason           string   `json:"exit_reason,omitempty"`
	PollsWithoutProgress int      `json:"polls_without_progress"`
	Activity             Activity `json:"activity"`
	Result               string   `json:"result,omitempty"`
	Note                 string   `json:"note,omitempty"`
}

// AsMap renders the result as a tool-output payload
func (r *MonitorResult) AsMap() map[string]interface{} {
	out := map[string]interface{}{
		"status":                 r.Status,
		"worker_still_running":   r.WorkerStillRunning,
		"polls_without_progress": r.PollsWithoutProgress,
		"activity": map[string]interface{}{
			"started":   r.Activity.Started,
			"completed": r.Activity.Completed,
			"failed":    r.Activity.Failed,
		},
	}
	if r.ExitReason != "" {
		out["exit_reason"] = r.ExitReason
	}
	if r.Result != "" {
		out["result"] = r.Result
	}
	if r.Note != "" {
		out["note"] = r.Note
	}
	return out
}

// Roundabout is the bounded polling loop run on behalf of the supervisor
// while a worker executes. Its timeout ends the monitor only; it never
// cancels the job by itself. Cancellation happens only through the stuck
// and no-progress heuristics.
type Roundabout struct {
	jobs      JobStore
	artifacts *ArtifactStore
	bus       *bus.Bus
	cfg       config.WorkerConfig
	logger    Logger
}

// NewRoundabout creates a monitor bound to the worker event stream
func NewRoundabout(jobs JobStore, artifacts *ArtifactStore, eventBus *bus.Bus, cfg config.WorkerConfig, logger Logger) *Roundabout {
	return &Roundabout{
		jobs:      jobs,
		artifacts: artifacts,
		bus:       eventBus,
		cfg:       cfg,
		logger:    logger,
	}
}

// watchState accumulates tool events for one monitored worker
type watchState struct {
	mu             sync.Mutex
	activity       Activity
	lastOutput     string
	currentOpName  string
	currentOpStart time.Time
	sawEvents      bool
}

// Watch polls the job until a decision is reached. It subscribes to the
// worker's tool events for progress detection and writes a monitoring
// snapshot on every tick.
func (r *Roundabout) Watch(ctx context.Context, jobID uuid.UUID, workerID string) *MonitorResult {
	state := &watchState{}

	forWorker := func(fn func(payload map[string]interface{})) bus.Handler {
		return func(ctx context.Context, e bus.Event) {
			if id, _ := e.Payload["worker_id"].(string); id != workerID {
				return
			}
			state.mu.Lock()
			defer state.mu.Unlock()
			state.sawEvents = true
			fn(e.Payload)
		}
	}

	subs := []bus.Subscription{
		r.bus.Subscribe(bus.WorkerToolStarted, forWorker(func(payload map[string]interface{}) {
			state.activity.Started++
			state.currentOpName, _ = payload["tool_name"].(string)
			state.currentOpStart = time.Now()
		})),
		r.bus.Subscribe(bus.WorkerToolCompleted, forWorker(func(payload map[string]interface{}) {
			state.activity.Completed++
			state.lastOutput, _ = payload["output"].(string)
			state.currentOpStart = time.Time{}
		})),
		r.bus.Subscribe(bus.WorkerToolFailed, forWorker(func(payload map[string]interface{}) {
			state.activity.Failed++
			state.currentOpStart = time.Time{}
		})),
	}
	defer func() {
		for _, sub := range subs {
			r.bus.Unsubscribe(sub)
		}
	}()

	start := time.Now()
	polls := 0
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.finishResult(state, polls, &MonitorResult{
				Status:             StatusMonitorTimeout,
				WorkerStillRunning: true,
				Note:               "monitor stopped; the worker may still be running",
			})
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		job, err := r.jobs.GetByID(ctx, jobID)
		if err != nil {
			r.logger.Error("roundabout failed to refresh job", "job_id", jobID, "error", err)
			continue
		}

		state.mu.Lock()
		activity := state.activity
		lastOutput := state.lastOutput
		opName := state.currentOpName
		opStart := state.currentOpStart
		progressed := state.sawEvents
		state.sawEvents = false
		state.mu.Unlock()

		if progressed {
			polls = 0
		} else {
			polls++
		}

		slow := !opStart.IsZero() && time.Since(opStart) > r.cfg.SlowThreshold
		r.writeSnapshot(workerID, elapsed, job, activity, polls, slow)

		// 1. Terminal job status wins over everything
		if job.Status.Terminal() {
			return r.terminalResult(ctx, job, workerID, activity, polls)
		}

		// 2. Conclusive tool output exits early with a partial result
		if reason, ok := matchFinalAnswer(lastOutput); ok {
			return &MonitorResult{
				Status:               StatusEarlyExit,
				WorkerStillRunning:   true,
				ExitReason:           reason,
				PollsWithoutProgress: polls,
				Activity:             activity,
				Result:               lastOutput,
			}
		}

		// 3. A single operation stuck past the threshold cancels the job
		if !opStart.IsZero() && time.Since(opStart) > r.cfg.CancelStuckAfter {
			reason := fmt.Sprintf("tool %s stuck for %s", opName, time.Since(opStart).Round(time.Second))
			r.cancelJob(ctx, job, reason)
			return &MonitorResult{
				Status:               StatusCancelled,
				ExitReason:           reason,
				PollsWithoutProgress: polls,
				Activity:             activity,
			}
		}

		// 4. Sustained silence cancels the job
		if polls >= r.cfg.NoProgressPolls {
			reason := fmt.Sprintf("no progress for %d polls", polls)
			r.cancelJob(ctx, job, reason)
			return &MonitorResult{
				Status:               StatusCancelled,
				ExitReason:           reason,
				PollsWithoutProgress: polls,
				Activity:             activity,
			}
		}

		// Monitor timeout ends the watch without touching the job
		if elapsed >= r.cfg.MonitorTimeout {
			return &MonitorResult{
				Status:               StatusMonitorTimeout,
				WorkerStillRunning:   true,
				PollsWithoutProgress: polls,
				Activity:             activity,
				Note:                 "monitor timeout reached; the worker may still be running",
			}
		}
	}
}

// terminalResult maps a finished job onto the monitor outcome. A failure
// caused by a critical tool error surfaces as early_exit so the
// supervisor sees why the worker bailed.
func (r *Roundabout) terminalResult(ctx context.Context, job *models.WorkerJob, workerID string, activity Activity, polls int) *MonitorResult {
	result := &MonitorResult{
		PollsWithoutProgress: polls,
		Activity:             activity,
	}

	switch job.Status {
	case models.WorkerSuccess:
		result.Status = StatusComplete
		if final, err := r.artifacts.ReadResult(workerID, job.OwnerID); err == nil {
			result.Result = final
		}
	case models.WorkerFailed:
		if job.Error != nil && runner.IsCriticalToolError(*job.Error) {
			result.Status = StatusEarlyExit
			result.ExitReason = "critical tool error: " + *job.Error
		} else {
			result.Status = StatusFailed
			if job.Error != nil {
				result.ExitReason = *job.Error
			}
		}
	case models.WorkerCancelled:
		result.Status = StatusCancelled
		if job.Error != nil {
			result.ExitReason = *job.Error
		}
	}
	return result
}

func (r *Roundabout) finishResult(state *watchState, polls int, result *MonitorResult) *MonitorResult {
	state.mu.Lock()
	result.Activity = state.activity
	state.mu.Unlock()
	result.PollsWithoutProgress = polls
	return result
}

func (r *Roundabout) cancelJob(ctx context.Context, job *models.WorkerJob, reason string) {
	now := time.Now().UTC()
	errMsg := "Cancelled by roundabout: " + reason
	job.Status = models.WorkerCancelled
	job.Error = &errMsg
	job.FinishedAt = &now
	job.UpdatedAt = now
	if err := r.jobs.Update(ctx, job); err != nil {
		r.logger.Error("roundabout failed to cancel job", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Warn("worker cancelled by roundabout", "job_id", job.ID, "reason", reason)
}

func (r *Roundabout) writeSnapshot(workerID string, elapsed time.Duration, job *models.WorkerJob, activity Activity, polls int, slow bool) {
	snapshot := map[string]interface{}{
		"status":                 string(job.Status),
		"elapsed_s":              int(elapsed.Seconds()),
		"polls_without_progress": polls,
		"slow":                   slow,
		"activity": map[string]interface{}{
			"started":   activity.Started,
			"completed": activity.Completed,
			"failed":    activity.Failed,
		},
	}
	if err := r.artifacts.WriteMonitorSnapshot(workerID, elapsed, snapshot); err != nil {
		r.logger.Error("roundabout failed to write snapshot", "worker_id", workerID, "error", err)
	}
}

func matchFinalAnswer(output string) (string, bool) {
	if output == "" {
		return "", false
	}
	for _, pattern := range finalAnswerPatterns {
		if pattern.MatchString(output) {
			return fmt.Sprintf("final answer detected in tool output (%s)", pattern.String()), true
		}
	}
	return "", false
}
