package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/handlers"
)

// RegisterWSRoutes registers the websocket upgrade endpoint
func RegisterWSRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWSHandler(c)

	e.GET("/ws", h.Handle, handlers.ExtractUser(c))
}
