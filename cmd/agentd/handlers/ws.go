package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/praxisline/agentd/cmd/agentd/container"
	"github.com/praxisline/agentd/cmd/agentd/ws"
)

// WSHandler upgrades connections into the topic manager
type WSHandler struct {
	c        *container.Container
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(c *container.Container) *WSHandler {
	return &WSHandler{
		c: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from the app frontend
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and runs the connection pumps until the
// client goes away. Unauthenticated connections are allowed; topic
// authorization happens per subscribe.
// GET /ws
func (h *WSHandler) Handle(ec echo.Context) error {
	user := CurrentUser(ec)

	conn, err := h.upgrader.Upgrade(ec.Response(), ec.Request(), nil)
	if err != nil {
		h.c.Components.Logger.Debug("ws upgrade failed", "error", err)
		return nil
	}

	ws.HandleConnection(ec.Request().Context(), h.c.WS, conn, user,
		h.c.Components.Config.WebSocket, h.c.Components.Logger)
	return nil
}
