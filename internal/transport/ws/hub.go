package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relay"
)

// Relay is the part of the relay core the transport feeds.
type Relay interface {
	Connect(ctx context.Context, connID string) error
	Submit(ctx context.Context, connID string, evt relay.Inbound) error
	Disconnect(ctx context.Context, connID string) error
}

// Hub upgrades HTTP requests to websocket connections, feeds their frames to
// the relay and delivers the relay's outbound events.
type Hub struct {
	cfg    config.WebSocketConfig
	relay  Relay
	logger *zap.Logger

	upgrader websocket.Upgrader
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	conns  map[string]*conn
	wg     sync.WaitGroup
}

// NewHub creates a Hub.
//
// Precondition: rl and logger must be non-nil; cfg must have passed validation.
func NewHub(cfg config.WebSocketConfig, rl Relay, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:    cfg,
		relay:  rl,
		logger: logger,
		newID:  uuid.NewString,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	id := h.newID()
	c := &conn{
		id:     id,
		ws:     ws,
		outbox: NewOutbox(id, h.cfg.SendBuffer),
		hub:    h,
		logger: observability.ConnLogger(h.logger, id),
	}

	if err := h.relay.Connect(h.ctx, id); err != nil {
		c.logger.Warn("relay refused connection", zap.Error(err))
		_ = ws.Close()
		return
	}
	if !h.register(c) {
		c.logger.Info("hub stopped during upgrade, closing connection")
		c.outbox.Close()
		_ = ws.Close()
		if err := h.relay.Disconnect(context.Background(), id); err != nil && !errors.Is(err, relay.ErrClosed) {
			c.logger.Warn("relay disconnect failed", zap.Error(err))
		}
		return
	}

	c.logger.Info("websocket connected", zap.String("remote_addr", r.RemoteAddr))

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// register adds c and reserves its pumps in the wait group. It reports false
// once Stop has begun.
func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	return true
}

// unregister drops c and tells the relay it is gone.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if actual, ok := h.conns[c.id]; ok && actual == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()

	c.outbox.Close()
	if err := h.relay.Disconnect(context.Background(), c.id); err != nil && !errors.Is(err, relay.ErrClosed) {
		c.logger.Warn("relay disconnect failed", zap.Error(err))
	}
}

// Send encodes evt and queues it for connID. It never blocks.
//
// Postcondition: Returns nil when queued, or an error wrapping
// ErrUnknownConnection, ErrOutboxFull or ErrOutboxClosed.
func (h *Hub) Send(connID string, evt relay.Outbound) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	frame, err := relay.Encode(evt)
	if err != nil {
		return err
	}
	if err := c.outbox.Push(frame); err != nil {
		if errors.Is(err, ErrOutboxFull) {
			c.logger.Warn("outbox full, dropping event",
				zap.String("event", evt.EventName()),
				zap.Int("queued", c.outbox.pending()),
			)
		}
		return err
	}
	return nil
}

// ConnectionCount returns the number of open websocket connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop closes every connection and waits for their pumps to exit.
//
// Postcondition: No connection goroutines remain; later upgrades are refused.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	h.closed = true
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.outbox.Close()
		_ = c.ws.Close()
	}
	h.wg.Wait()
	h.logger.Info("websocket hub stopped", zap.Int("closed", len(open)))
}
