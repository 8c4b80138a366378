package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/common/models"
)

var (
	// ErrInvalidWorkerID rejects worker ids that would escape the artifact root
	ErrInvalidWorkerID = errors.New("invalid worker id")
	// ErrOwnerMismatch rejects reads by a user who does not own the worker
	ErrOwnerMismatch = errors.New("worker belongs to another owner")
)

// Metadata is the persisted description of one worker run. Status here
// mirrors the WorkerJob row; summary is derived from result.txt and is
// never used for decisions.
type Metadata struct {
	WorkerID    string                 `json:"worker_id"`
	OwnerID     uuid.UUID              `json:"owner_id"`
	Task        string                 `json:"task"`
	Model       string                 `json:"model"`
	Status      models.WorkerStatus    `json:"status"`
	Summary     string                 `json:"summary,omitempty"`
	SummaryMeta map[string]interface{} `json:"summary_meta,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// IndexEntry is one row of the base index.json listing
type IndexEntry struct {
	WorkerID  string              `json:"worker_id"`
	OwnerID   uuid.UUID           `json:"owner_id"`
	Status    models.WorkerStatus `json:"status"`
	Task      string              `json:"task"`
	CreatedAt time.Time           `json:"created_at"`
}

// ArtifactStore persists worker run artifacts under <base>/<worker_id>/.
// Every read path enforces owner_id via metadata.json; result.txt is the
// canonical output and is never truncated.
type ArtifactStore struct {
	base string

	// guards index.json rewrites
	indexMu sync.Mutex
}

// NewArtifactStore creates a store rooted at base
func NewArtifactStore(base string) *ArtifactStore {
	return &ArtifactStore{base: base}
}

// dir resolves a worker's directory, rejecting ids with path separators,
// "..", or anything else that would resolve outside the artifact root.
func (s *ArtifactStore) dir(workerID string) (string, error) {
	if workerID == "" || strings.Contains(workerID, "..") || strings.ContainsAny(workerID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkerID, workerID)
	}
	path := filepath.Join(s.base, workerID)
	root := filepath.Clean(s.base)
	if filepath.Dir(filepath.Clean(path)) != root {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkerID, workerID)
	}
	return path, nil
}

// WriteMetadata writes metadata.json and refreshes the base index
func (s *ArtifactStore) WriteMetadata(meta *Metadata) error {
	dir, err := s.dir(meta.WorkerID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return err
	}
	return s.updateIndex(IndexEntry{
		WorkerID:  meta.WorkerID,
		OwnerID:   meta.OwnerID,
		Status:    meta.Status,
		Task:      meta.Task,
		CreatedAt: meta.CreatedAt,
	})
}

// WriteResult writes the canonical result.txt
func (s *ArtifactStore) WriteResult(workerID, result string) error {
	dir, err := s.dir(workerID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result.txt"), []byte(result), 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// AppendThread appends messages to thread.jsonl, one JSON object per line
func (s *ArtifactStore) AppendThread(workerID string, messages []*models.ThreadMessage) error {
	dir, err := s.dir(workerID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "thread.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open thread log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, msg := range messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("append thread message: %w", err)
		}
	}
	return nil
}

// WriteToolCall writes tool_calls/<NNN>_<tool>.txt for the seq-th call
func (s *ArtifactStore) WriteToolCall(workerID string, seq int, toolName, content string) error {
	dir, err := s.dir(workerID)
	if err != nil {
		return err
	}
	callsDir := filepath.Join(dir, "tool_calls")
	if err := os.MkdirAll(callsDir, 0o755); err != nil {
		return fmt.Errorf("create tool_calls dir: %w", err)
	}
	name := fmt.Sprintf("%03d_%s.txt", seq, sanitizeFilename(toolName))
	if err := os.WriteFile(filepath.Join(callsDir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write tool call: %w", err)
	}
	return nil
}

// WriteMonitorSnapshot writes monitoring/check_<elapsed>s.json
func (s *ArtifactStore) WriteMonitorSnapshot(workerID string, elapsed time.Duration, snapshot map[string]interface{}) error {
	dir, err := s.dir(workerID)
	if err != nil {
		return err
	}
	monDir := filepath.Join(dir, "monitoring")
	if err := os.MkdirAll(monDir, 0o755); err != nil {
		return fmt.Errorf("create monitoring dir: %w", err)
	}
	name := fmt.Sprintf("check_%ds.json", int(elapsed.Seconds()))
	return writeJSON(filepath.Join(monDir, name), snapshot)
}

// ReadMetadata loads metadata.json, enforcing ownership
func (s *ArtifactStore) ReadMetadata(workerID string, ownerID uuid.UUID) (*Metadata, error) {
	dir, err := s.dir(workerID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if meta.OwnerID != ownerID {
		return nil, ErrOwnerMismatch
	}
	return &meta, nil
}

// ReadResult returns the canonical result.txt, enforcing ownership
func (s *ArtifactStore) ReadResult(workerID string, ownerID uuid.UUID) (string, error) {
	if _, err := s.ReadMetadata(workerID, ownerID); err != nil {
		return "", err
	}
	dir, err := s.dir(workerID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, "result.txt"))
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	return string(data), nil
}

// ReadFile returns one artifact file by relative path, enforcing
// ownership. Only result.txt, metadata.json, and files directly under
// tool_calls/ are readable.
func (s *ArtifactStore) ReadFile(workerID string, ownerID uuid.UUID, relPath string) (string, error) {
	if _, err := s.ReadMetadata(workerID, ownerID); err != nil {
		return "", err
	}
	if !allowedArtifactPath(relPath) {
		return "", fmt.Errorf("%w: artifact path %q", ErrInvalidWorkerID, relPath)
	}
	dir, err := s.dir(workerID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(relPath)))
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

func allowedArtifactPath(relPath string) bool {
	if strings.Contains(relPath, "..") || strings.Contains(relPath, `\`) {
		return false
	}
	switch relPath {
	case "result.txt", "metadata.json":
		return true
	}
	rest, ok := strings.CutPrefix(relPath, "tool_calls/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

// Index returns the base index.json listing, newest first
func (s *ArtifactStore) Index() ([]IndexEntry, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.readIndexLocked()
}

func (s *ArtifactStore) updateIndex(entry IndexEntry) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndexLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].WorkerID == entry.WorkerID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return fmt.Errorf("create artifact root: %w", err)
	}
	return writeJSON(filepath.Join(s.base, "index.json"), entries)
}

func (s *ArtifactStore) readIndexLocked() ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.base, "index.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return entries, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}
