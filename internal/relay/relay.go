package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by submissions after the relay loop has exited.
var ErrClosed = errors.New("relay closed")

// Sender delivers an outbound event to one connection.
type Sender interface {
	Send(connID string, evt Outbound) error
}

// SenderFunc adapts a function into a Sender.
type SenderFunc func(connID string, evt Outbound) error

// Send calls f.
func (f SenderFunc) Send(connID string, evt Outbound) error { return f(connID, evt) }

// ChatRecord describes one accepted chat line for observers outside the relay.
type ChatRecord struct {
	RoomID       string
	ConnectionID string
	UserID       string
	Username     string
	Message      string
	Position     Vec3
	At           time.Time
}

// ChatObserver is notified of every accepted chat line. ObserveChat runs on the
// relay loop and must not block.
type ChatObserver interface {
	ObserveChat(ChatRecord)
}

// PhysicsHook is invoked once per room on every physics tick with a copy of
// the room's members.
type PhysicsHook func(roomID string, members []Member)

// NopPhysics is the default PhysicsHook.
func NopPhysics(string, []Member) {}

// Options tunes a Relay. Zero values select defaults.
type Options struct {
	// QueueSize bounds the event queue. Defaults to 1024.
	QueueSize int
	// DefaultModelID is assigned to joins that carry no model. Defaults to DefaultModelID.
	DefaultModelID string
	Now            func() time.Time
	Chat           ChatObserver
	Physics        PhysicsHook
}

type task struct {
	name   string
	connID string
	fn     func()
}

// Relay owns the registry and applies every event on a single goroutine.
//
// Invariant: only the Run goroutine mutates the registry and the
// connection table.
type Relay struct {
	registry *Registry
	sender   Sender
	logger   *zap.Logger

	now            func() time.Time
	defaultModelID string
	chat           ChatObserver
	physics        PhysicsHook

	queue   chan task
	done    chan struct{}
	running atomic.Bool

	// conns maps connection id to the joined room ("" while CONNECTED).
	// Owned by the Run goroutine.
	conns map[string]string
	open  atomic.Int64
}

// New creates a Relay.
//
// Precondition: registry, sender and logger must be non-nil.
// Postcondition: Returns a Relay that accepts submissions; call Run to process them.
func New(registry *Registry, sender Sender, logger *zap.Logger, opts Options) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.DefaultModelID == "" {
		opts.DefaultModelID = DefaultModelID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Physics == nil {
		opts.Physics = NopPhysics
	}
	return &Relay{
		registry:       registry,
		sender:         sender,
		logger:         logger,
		now:            opts.Now,
		defaultModelID: opts.DefaultModelID,
		chat:           opts.Chat,
		physics:        opts.Physics,
		queue:          make(chan task, opts.QueueSize),
		done:           make(chan struct{}),
		conns:          make(map[string]string),
	}
}

// Registry returns the registry the relay mutates, for read-only use.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Connections returns the number of connections currently known to the relay.
func (r *Relay) Connections() int {
	return int(r.open.Load())
}

// Run processes queued events until ctx is cancelled.
//
// Precondition: Run must be called at most once.
// Postcondition: Returns nil after ctx is cancelled; later submissions fail with ErrClosed.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("relay: Run called twice")
	}
	defer close(r.done)

	r.logger.Info("relay loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay loop stopped",
				zap.Int("rooms", r.registry.RoomCount()),
				zap.Int("members", r.registry.MemberCount()),
			)
			return nil
		case t := <-r.queue:
			r.process(t)
		}
	}
}

// Done is closed once Run has returned.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) process(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("relay event panicked",
				zap.String("event", t.name),
				zap.String("conn_id", t.connID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			if t.name == EventJoinRoom {
				r.send(t.connID, ErrorNotice{Message: JoinFailedMessage})
			}
		}
	}()
	t.fn()
}

func (r *Relay) enqueue(ctx context.Context, t task) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.queue <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submitting %s: %w", t.name, ctx.Err())
	case <-r.done:
		return ErrClosed
	}
}

// tryEnqueue is used by periodic jobs, which skip a beat rather than block.
func (r *Relay) tryEnqueue(t task) bool {
	select {
	case <-r.done:
		return false
	case r.queue <- t:
		return true
	default:
		return false
	}
}

// Connect registers a new transport connection in the CONNECTED state.
func (r *Relay) Connect(ctx context.Context, connID string) error {
	return r.enqueue(ctx, task{name: "connect", connID: connID, fn: func() {
		if _, ok := r.conns[connID]; ok {
			return
		}
		r.conns[connID] = ""
		r.open.Add(1)
		r.logger.Info("connection opened", zap.String("conn_id", connID))
	}})
}

// Submit queues an inbound event from connID.
//
// Postcondition: Returns nil once queued, ErrClosed after Run has exited,
// or the context error if ctx ends first.
func (r *Relay) Submit(ctx context.Context, connID string, evt Inbound) error {
	return r.enqueue(ctx, task{name: evt.EventName(), connID: connID, fn: func() {
		r.dispatch(connID, evt)
	}})
}

// Disconnect queues the terminal cleanup for connID.
func (r *Relay) Disconnect(ctx context.Context, connID string) error {
	return r.enqueue(ctx, task{name: "disconnect", connID: connID, fn: func() {
		r.handleDisconnect(connID)
	}})
}

// Do runs fn on the relay loop and waits for it to finish. fn may read the
// registry knowing every previously submitted event has been applied.
func (r *Relay) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := r.enqueue(ctx, task{name: "do", fn: func() {
		defer close(finished)
		fn()
	}})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Sweep queues a pass that deletes rooms with no members. It is skipped when
// the queue is full.
func (r *Relay) Sweep() {
	r.tryEnqueue(task{name: "sweep", fn: r.sweep})
}

// Tick queues one physics tick. It is skipped when the queue is full.
func (r *Relay) Tick() {
	r.tryEnqueue(task{name: "tick", fn: r.tick})
}

func (r *Relay) sweep() {
	removed := r.registry.SweepEmpty()
	for _, id := range removed {
		r.logger.Info("swept empty room", zap.String("room", id))
	}
	r.logger.Debug("sweep complete",
		zap.Int("removed", len(removed)),
		zap.Int("rooms", r.registry.RoomCount()),
	)
}

func (r *Relay) tick() {
	for _, id := range r.registry.RoomIDs() {
		r.physics(id, r.registry.Members(id, ""))
	}
}

func (r *Relay) dispatch(connID string, evt Inbound) {
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = ""
		r.open.Add(1)
	}

	switch e := evt.(type) {
	case JoinRoom:
		r.handleJoin(connID, e)
	case PlayerMove:
		r.handleMove(connID, e)
	case ChatMessage:
		r.handleChat(connID, e)
	case Ping:
		r.send(connID, Pong{Timestamp: r.now().UnixMilli()})
	case Malformed:
		r.handleMalformed(connID, e)
	default:
		r.logger.Debug("ignoring unsupported event",
			zap.String("conn_id", connID),
			zap.String("event", evt.EventName()),
		)
	}
}

func (r *Relay) handleMalformed(connID string, e Malformed) {
	if errors.Is(e.Err, ErrUnknownEvent) {
		r.logger.Debug("ignoring unknown event",
			zap.String("conn_id", connID),
			zap.String("event", e.Event),
		)
		return
	}
	if e.Event == EventJoinRoom {
		r.logger.Warn("rejected join",
			zap.String("conn_id", connID),
			zap.Error(e.Err),
		)
		r.send(connID, ErrorNotice{Message: JoinFailedMessage})
		return
	}
	r.logger.Debug("dropping malformed event",
		zap.String("conn_id", connID),
		zap.String("event", e.Event),
		zap.Error(e.Err),
	)
}

// joinUndo records how far a join got so a failure can put the connection
// back where it was.
type joinUndo struct {
	connID    string
	prevRoom  string
	prev      Member
	hadPrev   bool
	left      bool
	room      string
	inserted  bool
	announced bool
}

func (r *Relay) handleJoin(connID string, e JoinRoom) {
	u := joinUndo{connID: connID, prevRoom: r.conns[connID], room: e.RoomID}
	if u.prevRoom != "" {
		u.prev, u.hadPrev = r.registry.Get(u.prevRoom, connID)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.rollbackJoin(u)
			panic(rec)
		}
	}()

	if u.prevRoom != "" {
		u.left = true
		r.leave(connID, u.prevRoom)
	}

	m := Member{
		ID:         connID,
		Username:   DefaultUsername,
		UserID:     e.UserID,
		ModelID:    r.defaultModelID,
		LastUpdate: r.now().UnixMilli(),
	}
	if e.Position != nil {
		m.Position = *e.Position
	}
	if e.Username != "" {
		m.Username = e.Username
	}
	if e.ModelID != "" {
		m.ModelID = e.ModelID
	}

	if !r.registry.HasRoom(e.RoomID) {
		r.logger.Info("room created", zap.String("room", e.RoomID))
	}
	u.inserted = true
	r.registry.Insert(e.RoomID, m)
	r.conns[connID] = e.RoomID

	r.send(connID, RoomState(r.registry.Members(e.RoomID, connID)))
	u.announced = true
	r.broadcast(e.RoomID, connID, PlayerJoined{Member: m})

	r.logger.Info("player joined",
		zap.String("conn_id", connID),
		zap.String("room", e.RoomID),
		zap.String("username", m.Username),
		zap.String("user_id", m.UserID),
		zap.Int("room_size", len(r.registry.ConnIDs(e.RoomID))),
	)
}

// rollbackJoin restores the membership held before a failed join. Registry
// state is restored before any compensating notification is sent.
func (r *Relay) rollbackJoin(u joinUndo) {
	if u.inserted {
		r.registry.Remove(u.room, u.connID)
	}
	r.conns[u.connID] = ""
	if u.hadPrev {
		r.registry.Insert(u.prevRoom, u.prev)
		r.conns[u.connID] = u.prevRoom
	}
	r.logger.Warn("join rolled back",
		zap.String("conn_id", u.connID),
		zap.String("room", u.room),
		zap.String("prev_room", u.prevRoom),
	)

	if u.announced {
		r.broadcast(u.room, u.connID, PlayerLeft(u.connID))
	}
	if u.hadPrev && u.left {
		r.broadcast(u.prevRoom, u.connID, PlayerJoined{Member: u.prev})
	}
}

func (r *Relay) handleMove(connID string, e PlayerMove) {
	roomID := r.conns[connID]
	if roomID == "" {
		return
	}
	now := r.now().UnixMilli()
	updated, ok := r.registry.Update(roomID, connID, func(m *Member) {
		m.Position = e.Position
		m.Rotation = e.Rotation
		m.IsMoving = e.IsMoving
		m.LastUpdate = now
	})
	if !ok {
		return
	}
	r.broadcast(roomID, connID, PlayerMoved{
		ID:        connID,
		Position:  updated.Position,
		Rotation:  updated.Rotation,
		IsMoving:  updated.IsMoving,
		Timestamp: now,
	})
}

func (r *Relay) handleChat(connID string, e ChatMessage) {
	roomID := r.conns[connID]
	if roomID == "" {
		return
	}
	at := r.now()
	updated, ok := r.registry.Update(roomID, connID, func(m *Member) {
		m.ChatMessage = e.Message
		m.ChatMessageTime = at.UnixMilli()
	})
	if !ok {
		return
	}
	r.broadcast(roomID, "", PlayerChat{
		ID:        connID,
		Username:  updated.Username,
		Message:   e.Message,
		Timestamp: at.UnixMilli(),
	})
	r.logger.Debug("chat relayed",
		zap.String("conn_id", connID),
		zap.String("room", roomID),
		zap.Int("length", len(e.Message)),
	)

	if r.chat != nil {
		r.chat.ObserveChat(ChatRecord{
			RoomID:       roomID,
			ConnectionID: connID,
			UserID:       updated.UserID,
			Username:     updated.Username,
			Message:      e.Message,
			Position:     updated.Position,
			At:           at,
		})
	}
}

func (r *Relay) handleDisconnect(connID string) {
	roomID, known := r.conns[connID]
	if !known {
		return
	}
	if roomID != "" {
		r.leave(connID, roomID)
	}
	delete(r.conns, connID)
	r.open.Add(-1)
	r.logger.Info("connection closed", zap.String("conn_id", connID))
}

// leave removes connID from roomID and notifies the remaining members.
func (r *Relay) leave(connID, roomID string) {
	removed, roomDeleted, ok := r.registry.Remove(roomID, connID)
	r.conns[connID] = ""
	if !ok {
		return
	}
	r.broadcast(roomID, connID, PlayerLeft(connID))
	r.logger.Info("player left",
		zap.String("conn_id", connID),
		zap.String("room", roomID),
		zap.String("username", removed.Username),
	)
	if roomDeleted {
		r.logger.Info("room deleted", zap.String("room", roomID))
	}
}

func (r *Relay) broadcast(roomID, excludeID string, evt Outbound) {
	for _, id := range r.registry.ConnIDs(roomID) {
		if id == excludeID {
			continue
		}
		r.send(id, evt)
	}
}

func (r *Relay) send(connID string, evt Outbound) {
	if err := r.sender.Send(connID, evt); err != nil {
		r.logger.Debug("send failed",
			zap.String("conn_id", connID),
			zap.String("event", evt.EventName()),
			zap.Error(err),
		)
	}
}
