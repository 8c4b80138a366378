package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/trigger"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB
const maxWebhookBody = 1 << 20

// WebhookHandler ingests external webhook deliveries
type WebhookHandler struct {
	c *container.Container
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(c *container.Container) *WebhookHandler {
	return &WebhookHandler{c: c}
}

// Handle accepts one webhook delivery for a trigger.
// POST /api/v1/triggers/:id/webhook
// The secret arrives in the X-Trigger-Secret header or a top-level
// "secret" body field. Responses: 202 accepted, 401 bad secret,
// 404 unknown trigger.
func (h *WebhookHandler) Handle(ec echo.Context) error {
	triggerID, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return ec.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "unknown trigger",
		})
	}

	payload := map[string]interface{}{}
	body, err := io.ReadAll(io.LimitReader(ec.Request().Body, maxWebhookBody))
	if err != nil {
		return ec.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read body",
		})
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return ec.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "body must be a JSON object",
			})
		}
	}

	secret := ec.Request().Header.Get("X-Trigger-Secret")
	if secret == "" {
		if fromBody, ok := payload["secret"].(string); ok {
			secret = fromBody
			delete(payload, "secret")
		}
	}

	err = h.c.Ingestor.HandleWebhook(ec.Request().Context(), triggerID, secret, payload)
	switch {
	case errors.Is(err, trigger.ErrUnknownTrigger):
		return ec.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "unknown trigger",
		})
	case errors.Is(err, trigger.ErrBadSecret):
		return ec.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error": "bad secret",
		})
	case err != nil:
		return ec.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "ingest failed",
		})
	}

	return ec.JSON(http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"trigger_id": triggerID.String(),
	})
}
