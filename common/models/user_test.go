package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeContextDeepMerge(t *testing.T) {
	u := &User{
		Context: map[string]interface{}{
			"editor": map[string]interface{}{
				"theme":    "dark",
				"fontSize": float64(14),
			},
			"tags": []interface{}{"a", "b"},
		},
	}

	err := u.MergeContext(map[string]interface{}{
		"editor": map[string]interface{}{
			"theme": "light",
		},
		"tags": []interface{}{"c"},
	})
	require.NoError(t, err)

	editor := u.Context["editor"].(map[string]interface{})
	assert.Equal(t, "light", editor["theme"])
	assert.Equal(t, float64(14), editor["fontSize"], "untouched nested keys survive")
	assert.Equal(t, []interface{}{"c"}, u.Context["tags"], "sequences are replaced wholesale")
}

func TestMergeContextNullRemovesKey(t *testing.T) {
	u := &User{Context: map[string]interface{}{"a": "x", "b": "y"}}

	err := u.MergeContext(map[string]interface{}{"a": nil})
	require.NoError(t, err)

	_, exists := u.Context["a"]
	assert.False(t, exists)
	assert.Equal(t, "y", u.Context["b"])
}

func TestMergeContextSizeCap(t *testing.T) {
	u := &User{}
	err := u.MergeContext(map[string]interface{}{
		"blob": strings.Repeat("x", MaxUserContextBytes),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestClampSentAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now, ClampSentAt(time.Time{}, now), "zero value uses server time")

	within := now.Add(-4 * time.Minute)
	assert.Equal(t, within, ClampSentAt(within, now))

	tooOld := now.Add(-6 * time.Minute)
	assert.Equal(t, now, ClampSentAt(tooOld, now))

	tooNew := now.Add(10 * time.Minute)
	assert.Equal(t, now, ClampSentAt(tooNew, now))
}

func TestRunStatusTransitions(t *testing.T) {
	assert.True(t, RunQueued.CanTransitionTo(RunRunning))
	assert.True(t, RunRunning.CanTransitionTo(RunSuccess))
	assert.True(t, RunRunning.CanTransitionTo(RunFailed))

	assert.False(t, RunQueued.CanTransitionTo(RunSuccess))
	assert.False(t, RunSuccess.CanTransitionTo(RunRunning))
	assert.False(t, RunFailed.CanTransitionTo(RunQueued))
}

func TestExecutionPhaseResultConstraint(t *testing.T) {
	res := ResultSuccess

	e := &WorkflowExecution{Phase: PhaseFinished, Result: &res}
	assert.NoError(t, e.Validate())

	e = &WorkflowExecution{Phase: PhaseFinished}
	assert.Error(t, e.Validate())

	e = &WorkflowExecution{Phase: PhaseRunning, Result: &res}
	assert.Error(t, e.Validate())

	n := &NodeExecutionState{Phase: PhaseRunning}
	assert.NoError(t, n.Validate())
}

func TestNewWorkerID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC)
	id := NewWorkerID(ts, "Summarize Q3 earnings reports!")
	assert.Equal(t, "2026-03-01T09-30-15_summarize-q3-earnings-reports", id)

	id = NewWorkerID(ts, "!!!")
	assert.Equal(t, "2026-03-01T09-30-15_worker", id)
}
