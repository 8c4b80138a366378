package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisline/agentd/common/models"
)

func TestArtifactRoundTrip(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	owner := uuid.New()

	meta := &Metadata{
		WorkerID:  "2026-01-02T10-00-00_convert-files",
		OwnerID:   owner,
		Task:      "convert files",
		Model:     "gpt-4o-mini",
		Status:    models.WorkerRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.WriteMetadata(meta))
	require.NoError(t, store.WriteResult(meta.WorkerID, "All 12 files converted."))
	require.NoError(t, store.WriteToolCall(meta.WorkerID, 1, "convert_file", "converted a.txt"))
	require.NoError(t, store.AppendThread(meta.WorkerID, []*models.ThreadMessage{
		{Role: models.RoleAssistant, Content: "working"},
	}))

	result, err := store.ReadResult(meta.WorkerID, owner)
	require.NoError(t, err)
	assert.Equal(t, "All 12 files converted.", result)

	entries, err := store.Index()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, meta.WorkerID, entries[0].WorkerID)
	assert.Equal(t, models.WorkerRunning, entries[0].Status)
}

func TestReadRejectsWrongOwner(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	owner := uuid.New()

	require.NoError(t, store.WriteMetadata(&Metadata{
		WorkerID:  "2026-01-02T10-00-00_secret-task",
		OwnerID:   owner,
		Status:    models.WorkerSuccess,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.WriteResult("2026-01-02T10-00-00_secret-task", "classified"))

	_, err := store.ReadResult("2026-01-02T10-00-00_secret-task", uuid.New())
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	_, err = store.ReadResult("2026-01-02T10-00-00_secret-task", owner)
	assert.NoError(t, err)
}

func TestRejectsEscapingWorkerIDs(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	owner := uuid.New()

	for _, workerID := range []string{
		"",
		"..",
		"../other",
		"a/../../b",
		"/etc/passwd",
		`..\windows`,
		"nested/worker",
	} {
		_, err := store.ReadResult(workerID, owner)
		assert.ErrorIs(t, err, ErrInvalidWorkerID, "worker id %q", workerID)
		assert.ErrorIs(t, store.WriteResult(workerID, "x"), ErrInvalidWorkerID, "worker id %q", workerID)
	}
}

func TestResultNeverTruncated(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	owner := uuid.New()
	long := strings.Repeat("z", 20_000)

	require.NoError(t, store.WriteMetadata(&Metadata{
		WorkerID:  "2026-01-02T10-00-00_long",
		OwnerID:   owner,
		Status:    models.WorkerSuccess,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.WriteResult("2026-01-02T10-00-00_long", long))

	result, err := store.ReadResult("2026-01-02T10-00-00_long", owner)
	require.NoError(t, err)
	assert.Len(t, result, 20_000)
}

func TestReadFileAllowsKnownArtifactsOnly(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	owner := uuid.New()
	workerID := "2026-01-02T10-00-00_files"

	require.NoError(t, store.WriteMetadata(&Metadata{
		WorkerID:  workerID,
		OwnerID:   owner,
		Status:    models.WorkerSuccess,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.WriteResult(workerID, "ok"))
	require.NoError(t, store.WriteToolCall(workerID, 1, "fetch", "fetched"))

	content, err := store.ReadFile(workerID, owner, "tool_calls/001_fetch.txt")
	require.NoError(t, err)
	assert.Equal(t, "fetched", content)

	_, err = store.ReadFile(workerID, owner, "metadata.json")
	assert.NoError(t, err)

	for _, path := range []string{
		"../other/result.txt",
		"tool_calls/../metadata.json",
		"thread.jsonl",
		"monitoring/check_5s.json",
		"tool_calls/nested/x.txt",
	} {
		_, err := store.ReadFile(workerID, owner, path)
		assert.Error(t, err, "path %q", path)
	}
}

func TestMonitorSnapshotFiles(t *testing.T) {
	base := t.TempDir()
	store := NewArtifactStore(base)

	require.NoError(t, store.WriteMonitorSnapshot("2026-01-02T10-00-00_snap", 5*time.Second, map[string]interface{}{
		"status": "running",
	}))

	path := filepath.Join(base, "2026-01-02T10-00-00_snap", "monitoring", "check_5s.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"running"`)
}
