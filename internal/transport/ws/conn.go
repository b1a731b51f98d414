package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/relay"
)

type conn struct {
	id     string
	ws     *websocket.Conn
	outbox *Outbox
	hub    *Hub
	logger *zap.Logger
}

// readPump decodes inbound frames and submits them to the relay in arrival
// order. It owns the disconnect path.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()

	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.logger.Debug("setting read deadline", zap.Error(err))
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}

		evt := relay.DecodeInbound(frame)
		if err := c.hub.relay.Submit(c.hub.ctx, c.id, evt); err != nil {
			if !errors.Is(err, relay.ErrClosed) {
				c.logger.Warn("submitting event", zap.String("event", evt.EventName()), zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the outbox and keeps the connection alive with pings.
func (c *conn) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.outbox.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
