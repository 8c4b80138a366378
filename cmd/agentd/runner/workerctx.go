package runner

import (
	"context"
	"sync"
)

// WorkerContext marks a run as executing on behalf of the worker
// supervisor. Critical tool errors recorded here make the runner break
// its loop instead of letting the LLM attempt recovery.
type WorkerContext struct {
	workerID      string
	mu            sync.Mutex
	criticalError string
}

// NewWorkerContext creates a worker context tagged with the artifact
// directory name of the worker run
func NewWorkerContext(workerID string) *WorkerContext {
	return &WorkerContext{workerID: workerID}
}

// WorkerID returns the worker's artifact directory name, empty for the
// zero value
func (w *WorkerContext) WorkerID() string {
	return w.workerID
}

// RecordCriticalError stores the first critical error; later ones are ignored
func (w *WorkerContext) RecordCriticalError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.criticalError == "" {
		w.criticalError = msg
	}
}

// CriticalError returns the recorded critical error, empty if none
func (w *WorkerContext) CriticalError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.criticalError
}

type workerCtxKey struct{}

// WithWorkerContext attaches a worker context to ctx
func WithWorkerContext(ctx context.Context, wc *WorkerContext) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, wc)
}

// WorkerContextFrom extracts the worker context, nil outside worker runs
func WorkerContextFrom(ctx context.Context) *WorkerContext {
	wc, _ := ctx.Value(workerCtxKey{}).(*WorkerContext)
	return wc
}
