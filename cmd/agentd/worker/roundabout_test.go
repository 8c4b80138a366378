package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/models"
)

func newRoundaboutFixture(t *testing.T, mutate func(*config.WorkerConfig)) (*Roundabout, *memJobStore, *ArtifactStore, *bus.Bus) {
	log := &testLogger{t: t}
	jobs := newMemJobStore()
	artifacts := NewArtifactStore(t.TempDir())
	eventBus := bus.New(log)

	cfg := testWorkerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRoundabout(jobs, artifacts, eventBus, cfg, log), jobs, artifacts, eventBus
}

func seedRunningJob(t *testing.T, jobs *memJobStore, workerID string) *models.WorkerJob {
	job := &models.WorkerJob{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Task:      "long task",
		Model:     "gpt-4o-mini",
		Status:    models.WorkerRunning,
		WorkerID:  &workerID,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func TestRoundaboutCompletesOnSuccess(t *testing.T) {
	monitor, jobs, artifacts, _ := newRoundaboutFixture(t, nil)
	job := seedRunningJob(t, jobs, "w-success")

	require.NoError(t, artifacts.WriteMetadata(&Metadata{
		WorkerID:  "w-success",
		OwnerID:   job.OwnerID,
		Status:    models.WorkerSuccess,
		CreatedAt: job.CreatedAt,
	}))
	require.NoError(t, artifacts.WriteResult("w-success", "Converted everything."))

	job.Status = models.WorkerSuccess
	require.NoError(t, jobs.Update(context.Background(), job))

	result := monitor.Watch(context.Background(), job.ID, "w-success")
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, "Converted everything.", result.Result)
	assert.False(t, result.WorkerStillRunning)
}

func TestRoundaboutCancelsOnNoProgress(t *testing.T) {
	monitor, jobs, _, _ := newRoundaboutFixture(t, nil)
	job := seedRunningJob(t, jobs, "w-silent")

	result := monitor.Watch(context.Background(), job.ID, "w-silent")

	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, 6, result.PollsWithoutProgress)
	assert.Equal(t, Activity{}, result.Activity)

	stored, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerCancelled, stored.Status)
	require.NotNil(t, stored.Error)
	assert.True(t, strings.HasPrefix(*stored.Error, "Cancelled by roundabout"))
}

func TestRoundaboutEarlyExitOnFinalAnswer(t *testing.T) {
	monitor, jobs, _, eventBus := newRoundaboutFixture(t, nil)
	job := seedRunningJob(t, jobs, "w-final")

	done := make(chan *MonitorResult, 1)
	go func() {
		done <- monitor.Watch(context.Background(), job.ID, "w-final")
	}()

	time.Sleep(5 * time.Millisecond)
	eventBus.Publish(context.Background(), bus.WorkerToolCompleted, map[string]interface{}{
		"worker_id": "w-final",
		"tool_name": "analyze",
		"output":    "Result: 42 items processed",
	})

	result := <-done
	assert.Equal(t, StatusEarlyExit, result.Status)
	assert.True(t, result.WorkerStillRunning)
	assert.Equal(t, "Result: 42 items processed", result.Result)
	assert.Contains(t, result.ExitReason, "final answer")

	// Early exit never cancels the job
	stored, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerRunning, stored.Status)
}

func TestRoundaboutCancelsStuckOperation(t *testing.T) {
	monitor, jobs, _, eventBus := newRoundaboutFixture(t, func(c *config.WorkerConfig) {
		c.CancelStuckAfter = 10 * time.Millisecond
		c.NoProgressPolls = 1000
	})
	job := seedRunningJob(t, jobs, "w-stuck")

	eventBus.Publish(context.Background(), bus.WorkerToolStarted, map[string]interface{}{
		"worker_id": "w-stuck",
		"tool_name": "slow_scan",
	})

	result := monitor.Watch(context.Background(), job.ID, "w-stuck")
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Contains(t, result.ExitReason, "slow_scan")
	assert.Contains(t, result.ExitReason, "stuck")

	stored, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerCancelled, stored.Status)
}

func TestRoundaboutMonitorTimeoutLeavesJobRunning(t *testing.T) {
	monitor, jobs, _, eventBus := newRoundaboutFixture(t, func(c *config.WorkerConfig) {
		c.MonitorTimeout = 20 * time.Millisecond
		c.NoProgressPolls = 1000
	})
	job := seedRunningJob(t, jobs, "w-slowburn")

	// Keep publishing non-conclusive progress so no cancel heuristic fires
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				eventBus.Publish(context.Background(), bus.WorkerToolCompleted, map[string]interface{}{
					"worker_id": "w-slowburn",
					"tool_name": "step",
					"output":    "still working on it",
				})
			}
		}
	}()

	result := monitor.Watch(context.Background(), job.ID, "w-slowburn")
	close(stop)

	assert.Equal(t, StatusMonitorTimeout, result.Status)
	assert.True(t, result.WorkerStillRunning)
	assert.Contains(t, result.Note, "may still be running")

	stored, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerRunning, stored.Status)
}

func TestRoundaboutIgnoresOtherWorkersEvents(t *testing.T) {
	monitor, jobs, _, eventBus := newRoundaboutFixture(t, nil)
	job := seedRunningJob(t, jobs, "w-mine")

	done := make(chan *MonitorResult, 1)
	go func() {
		done <- monitor.Watch(context.Background(), job.ID, "w-mine")
	}()

	// A noisy sibling worker must not count as progress
	for i := 0; i < 20; i++ {
		eventBus.Publish(context.Background(), bus.WorkerToolCompleted, map[string]interface{}{
			"worker_id": "w-other",
			"tool_name": "noise",
			"output":    "Result: not yours",
		})
		time.Sleep(time.Millisecond)
	}

	result := <-done
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, Activity{}, result.Activity)
}

func TestRoundaboutFailureFromTerminalJob(t *testing.T) {
	monitor, jobs, _, _ := newRoundaboutFixture(t, nil)
	job := seedRunningJob(t, jobs, "w-broken")

	errMsg := "connection refused talking to backend"
	job.Status = models.WorkerFailed
	job.Error = &errMsg
	require.NoError(t, jobs.Update(context.Background(), job))

	result := monitor.Watch(context.Background(), job.ID, "w-broken")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, errMsg, result.ExitReason)
}
