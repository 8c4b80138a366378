package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/handlers"
)

// RegisterTriggerRoutes registers webhook ingestion routes
func RegisterTriggerRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c)

	e.POST("/api/v1/triggers/:id/webhook", h.Handle)
}
