package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/praxisline/agentd/common/config"
)

const sendBufferSize = 64

// Client is one live WebSocket connection with its read and write pumps
type Client struct {
	id      string
	conn    *websocket.Conn
	manager *Manager
	cfg     config.WebSocketConfig
	logger  Logger

	send      chan Envelope
	closeOnce sync.Once
	done      chan struct{}
}

// HandleConnection registers an upgraded connection and runs its pumps.
// It blocks until the connection is gone.
func HandleConnection(ctx context.Context, manager *Manager, conn *websocket.Conn, user *ClientUser, cfg config.WebSocketConfig, logger Logger) {
	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		send:    make(chan Envelope, sendBufferSize),
		done:    make(chan struct{}),
	}

	manager.Register(client.id, client, user)

	go client.writePump()
	client.readPump(ctx)
}

// Send queues an envelope for delivery. A full buffer counts as a failed
// send so slow consumers get dropped instead of blocking broadcasts.
func (c *Client) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close writes a close frame and tears the connection down
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("ws close frame write failed", "client_id", c.id, "error", err)
		}
		c.conn.Close()
		close(c.done)
	})
}

// readPump consumes inbound frames until the connection dies. The read
// deadline doubles as the heartbeat watchdog: it resets on every frame
// and on pong control messages, so a silent client times out.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.manager.Unregister(c.id)
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ws read error", "client_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if env.Type == "" {
			c.manager.HandleInvalidPayload(c.id, "envelope type is required")
			return
		}
		if env.Type == TypePong {
			continue
		}
		c.manager.HandleEnvelope(ctx, c.id, env)
	}
}

// writePump flushes queued envelopes and emits the heartbeat ping
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Debug("ws write error", "client_id", c.id, "error", err)
				c.manager.Unregister(c.id)
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			ping := NewEnvelope(c.manager.cfg.WebSocket.EnvelopeVersion, TypePing, SystemTopic, "", nil)
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(ping); err != nil {
				c.manager.Unregister(c.id)
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.manager.Unregister(c.id)
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
