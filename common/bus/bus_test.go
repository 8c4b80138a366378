package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  { l.t.Logf("[INFO] %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, keysAndValues) }

func TestPublishInvokesHandlersInSubscriptionOrder(t *testing.T) {
	b := New(&testLogger{t: t})

	var order []int
	b.Subscribe(AgentUpdated, func(ctx context.Context, e Event) {
		order = append(order, 1)
	})
	b.Subscribe(AgentUpdated, func(ctx context.Context, e Event) {
		order = append(order, 2)
	})
	b.Subscribe(AgentUpdated, func(ctx context.Context, e Event) {
		order = append(order, 3)
	})

	b.Publish(context.Background(), AgentUpdated, map[string]interface{}{"agent_id": "a1"})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanicInHandlerDoesNotStopOthers(t *testing.T) {
	b := New(&testLogger{t: t})

	var secondRan bool
	b.Subscribe(RunUpdated, func(ctx context.Context, e Event) {
		panic("boom")
	})
	b.Subscribe(RunUpdated, func(ctx context.Context, e Event) {
		secondRan = true
	})

	require.NotPanics(t, func() {
		b.Publish(context.Background(), RunUpdated, nil)
	})
	assert.True(t, secondRan)
}

func TestUnsubscribeRemovesOnlyTargetHandler(t *testing.T) {
	b := New(&testLogger{t: t})

	var calls []string
	subA := b.Subscribe(TriggerFired, func(ctx context.Context, e Event) {
		calls = append(calls, "a")
	})
	b.Subscribe(TriggerFired, func(ctx context.Context, e Event) {
		calls = append(calls, "b")
	})

	b.Unsubscribe(subA)
	b.Publish(context.Background(), TriggerFired, nil)

	assert.Equal(t, []string{"b"}, calls)
	assert.Equal(t, 1, b.SubscriberCount(TriggerFired))

	// Unsubscribing twice is a no-op
	b.Unsubscribe(subA)
	assert.Equal(t, 1, b.SubscriberCount(TriggerFired))
}

func TestReentrantPublishAllowed(t *testing.T) {
	b := New(&testLogger{t: t})

	var nested bool
	b.Subscribe(ExecutionFinished, func(ctx context.Context, e Event) {
		nested = true
	})
	b.Subscribe(NodeStateChanged, func(ctx context.Context, e Event) {
		b.Publish(ctx, ExecutionFinished, nil)
	})

	b.Publish(context.Background(), NodeStateChanged, nil)
	assert.True(t, nested)
}

func TestPayloadDelivered(t *testing.T) {
	b := New(&testLogger{t: t})

	var got map[string]interface{}
	b.Subscribe(WorkerToolStarted, func(ctx context.Context, e Event) {
		got = e.Payload
	})

	b.Publish(context.Background(), WorkerToolStarted, map[string]interface{}{
		"tool_name":    "search",
		"tool_call_id": "tc-1",
	})

	require.NotNil(t, got)
	assert.Equal(t, "search", got["tool_name"])
	assert.Equal(t, "tc-1", got["tool_call_id"])
}
