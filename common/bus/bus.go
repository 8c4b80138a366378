package bus

import (
	"context"
	"sync"
)

// EventKind identifies an event type on the bus
type EventKind string

// Event kinds published by the core components
const (
	AgentCreated        EventKind = "AGENT_CREATED"
	AgentUpdated        EventKind = "AGENT_UPDATED"
	AgentDeleted        EventKind = "AGENT_DELETED"
	ThreadCreated       EventKind = "THREAD_CREATED"
	ThreadUpdated       EventKind = "THREAD_UPDATED"
	ThreadDeleted       EventKind = "THREAD_DELETED"
	ThreadMessageCreated EventKind = "THREAD_MESSAGE_CREATED"
	ThreadToken         EventKind = "THREAD_TOKEN"
	RunCreated          EventKind = "RUN_CREATED"
	RunUpdated          EventKind = "RUN_UPDATED"
	NodeStateChanged    EventKind = "NODE_STATE_CHANGED"
	ExecutionFinished   EventKind = "EXECUTION_FINISHED"
	WorkflowProgress    EventKind = "WORKFLOW_PROGRESS"
	WorkerToolStarted   EventKind = "WORKER_TOOL_STARTED"
	WorkerToolCompleted EventKind = "WORKER_TOOL_COMPLETED"
	WorkerToolFailed    EventKind = "WORKER_TOOL_FAILED"
	TriggerFired        EventKind = "TRIGGER_FIRED"
)

// Event carries a kind plus an arbitrary payload map
type Event struct {
	Kind    EventKind
	Payload map[string]interface{}
}

// Handler processes a published event. Handlers run serially per publish
// call, in subscription order.
type Handler func(ctx context.Context, event Event)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Subscription identifies a registered handler so it can be removed.
// Go functions are not comparable, so unsubscribe works by token.
type Subscription struct {
	kind EventKind
	id   uint64
}

type registration struct {
	id      uint64
	handler Handler
}

// Bus is a process-wide typed pub/sub dispatcher. A panic in one handler
// never prevents the remaining handlers from running and never propagates
// to the publisher. Re-entrant publishes from inside a handler are allowed.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind][]registration
	logger   Logger
}

// New creates a new event bus
func New(logger Logger) *Bus {
	return &Bus{
		handlers: make(map[EventKind][]registration),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event kind and returns its subscription token
func (b *Bus) Subscribe(kind EventKind, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], registration{
		id:      b.nextID,
		handler: handler,
	})
	return Subscription{kind: kind, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unknown tokens are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[sub.kind]
	for i, reg := range regs {
		if reg.id == sub.id {
			b.handlers[sub.kind] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler subscribed to kind, in subscription order.
// The handler list is snapshotted before dispatch so re-entrant subscribes
// take effect on the next publish, not the current one.
func (b *Bus) Publish(ctx context.Context, kind EventKind, payload map[string]interface{}) {
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[kind]))
	copy(regs, b.handlers[kind])
	b.mu.RUnlock()

	event := Event{Kind: kind, Payload: payload}
	for _, reg := range regs {
		b.dispatch(ctx, reg, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, reg registration, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", string(event.Kind),
				"panic", r)
		}
	}()
	reg.handler(ctx, event)
}

// SubscriberCount returns the number of handlers registered for kind
func (b *Bus) SubscriberCount(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Reset removes all subscriptions. Intended for tests that need a clean bus.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventKind][]registration)
}
