package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/crypto"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
	"github.com/praxisline/agentd/common/redis"
	"github.com/praxisline/agentd/common/repository"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{})  { l.t.Logf("[INFO] %s %v", msg, keysAndValues) }
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, keysAndValues) }
func (l *testLogger) Warn(msg string, keysAndValues ...interface{})  { l.t.Logf("[WARN] %s %v", msg, keysAndValues) }
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, keysAndValues) }

type memTriggerStore struct {
	mu       sync.Mutex
	triggers map[uuid.UUID]*models.Trigger
}

func newMemTriggerStore() *memTriggerStore {
	return &memTriggerStore{triggers: make(map[uuid.UUID]*models.Trigger)}
}

func (s *memTriggerStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.triggers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *trig
	return &copied, nil
}

func (s *memTriggerStore) ListByType(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Trigger
	for _, trig := range s.triggers {
		if trig.Type == triggerType {
			copied := *trig
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memTriggerStore) UpdateConfig(ctx context.Context, id uuid.UUID, config map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.triggers[id]
	if !ok {
		return repository.ErrNotFound
	}
	trig.Config = config
	return nil
}

func (s *memTriggerStore) add(trig *models.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trig.ID] = trig
}

func testBox() *crypto.Box {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	return crypto.New(key)
}

// memTokenCache satisfies TokenCache without a redis server
type memTokenCache struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
}

func newMemTokenCache() *memTokenCache {
	return &memTokenCache{values: make(map[string]string)}
}

func (c *memTokenCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return value, nil
}

func (c *memTokenCache) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	c.sets++
	return nil
}

func newWebhookTrigger(t *testing.T, box *crypto.Box, secret string) *models.Trigger {
	sealed, err := box.SealString(secret)
	require.NoError(t, err)
	return &models.Trigger{
		ID:      uuid.New(),
		AgentID: uuid.New(),
		Type:    models.TriggerTypeWebhook,
		Secret:  sealed,
		Config:  map[string]interface{}{},
	}
}

func TestWebhookFiresTriggerEvent(t *testing.T) {
	log := &testLogger{t: t}
	store := newMemTriggerStore()
	box := testBox()
	eventBus := bus.New(log)
	ingestor := NewIngestor(store, box, eventBus, metrics.NewForTest(), log)

	trig := newWebhookTrigger(t, box, "s3cret")
	store.add(trig)

	var fired map[string]interface{}
	eventBus.Subscribe(bus.TriggerFired, func(ctx context.Context, e bus.Event) {
		fired = e.Payload
	})

	err := ingestor.HandleWebhook(context.Background(), trig.ID, "s3cret", map[string]interface{}{"order_id": "42"})
	require.NoError(t, err)

	require.NotNil(t, fired)
	assert.Equal(t, trig.AgentID.String(), fired["agent_id"])
	assert.Equal(t, "webhook", fired["trigger_type"])
	payload := fired["payload"].(map[string]interface{})
	assert.Equal(t, "42", payload["order_id"])
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	log := &testLogger{t: t}
	store := newMemTriggerStore()
	box := testBox()
	eventBus := bus.New(log)
	ingestor := NewIngestor(store, box, eventBus, metrics.NewForTest(), log)

	trig := newWebhookTrigger(t, box, "s3cret")
	store.add(trig)

	firedCount := 0
	eventBus.Subscribe(bus.TriggerFired, func(ctx context.Context, e bus.Event) {
		firedCount++
	})

	err := ingestor.HandleWebhook(context.Background(), trig.ID, "wrong", nil)
	assert.ErrorIs(t, err, ErrBadSecret)
	assert.Zero(t, firedCount)
}

func TestWebhookUnknownTrigger(t *testing.T) {
	log := &testLogger{t: t}
	ingestor := NewIngestor(newMemTriggerStore(), testBox(), bus.New(log), metrics.NewForTest(), log)

	err := ingestor.HandleWebhook(context.Background(), uuid.New(), "s3cret", nil)
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestWebhookRejectsNonWebhookTrigger(t *testing.T) {
	log := &testLogger{t: t}
	store := newMemTriggerStore()
	box := testBox()
	ingestor := NewIngestor(store, box, bus.New(log), metrics.NewForTest(), log)

	trig := newWebhookTrigger(t, box, "s3cret")
	trig.Type = models.TriggerTypeEmail
	store.add(trig)

	err := ingestor.HandleWebhook(context.Background(), trig.ID, "s3cret", nil)
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}
