package trigger

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/crypto"
	"github.com/praxisline/agentd/common/metrics"
	"github.com/praxisline/agentd/common/models"
	"github.com/praxisline/agentd/common/repository"
)

var (
	// ErrUnknownTrigger means the trigger does not exist or is not a webhook
	ErrUnknownTrigger = errors.New("unknown trigger")
	// ErrBadSecret means the presented secret did not match
	ErrBadSecret = errors.New("trigger secret mismatch")
)

// TriggerStore loads and updates trigger rows
type TriggerStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trigger, error)
	ListByType(ctx context.Context, triggerType models.TriggerType) ([]*models.Trigger, error)
	UpdateConfig(ctx context.Context, id uuid.UUID, config map[string]interface{}) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Ingestor verifies webhook deliveries and turns them into TRIGGER_FIRED
// events. Secrets are stored encrypted and compared in constant time.
type Ingestor struct {
	triggers TriggerStore
	box      *crypto.Box
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   Logger
}

// NewIngestor creates a webhook ingestor
func NewIngestor(triggers TriggerStore, box *crypto.Box, eventBus *bus.Bus, m *metrics.Metrics, logger Logger) *Ingestor {
	return &Ingestor{
		triggers: triggers,
		box:      box,
		bus:      eventBus,
		metrics:  m,
		logger:   logger,
	}
}

// HandleWebhook verifies one delivery and publishes TRIGGER_FIRED.
// Returns ErrUnknownTrigger or ErrBadSecret; the HTTP layer maps those
// to 404 and 401 and everything else to 500.
func (i *Ingestor) HandleWebhook(ctx context.Context, triggerID uuid.UUID, secret string, payload map[string]interface{}) error {
	trig, err := i.triggers.GetByID(ctx, triggerID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUnknownTrigger
	}
	if err != nil {
		return fmt.Errorf("load trigger: %w", err)
	}
	if trig.Type != models.TriggerTypeWebhook {
		return ErrUnknownTrigger
	}

	stored, err := i.box.OpenString(trig.Secret)
	if err != nil {
		return fmt.Errorf("decrypt trigger secret: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		i.logger.Warn("webhook secret mismatch", "trigger_id", triggerID)
		return ErrBadSecret
	}

	i.bus.Publish(ctx, bus.TriggerFired, map[string]interface{}{
		"agent_id":     trig.AgentID.String(),
		"trigger_id":   trig.ID.String(),
		"trigger_type": string(models.TriggerTypeWebhook),
		"payload":      payload,
	})
	i.metrics.TriggerFiredTotal.WithLabelValues(string(models.TriggerTypeWebhook)).Inc()
	i.logger.Info("webhook trigger fired", "trigger_id", triggerID, "agent_id", trig.AgentID)
	return nil
}
