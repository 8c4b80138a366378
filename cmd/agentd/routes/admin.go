package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/handlers"
)

// RegisterAdminRoutes registers the DB-reset surface
func RegisterAdminRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAdminHandler(c)

	admin := e.Group("/api/v1/admin")
	admin.Use(handlers.ExtractUser(c))
	{
		admin.POST("/clear_data", h.ClearData)
		admin.POST("/full_rebuild", h.FullRebuild)
	}
}
