// Package ws carries relay events over websocket connections.
package ws

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownConnection is returned when sending to a connection id the hub does not hold.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrOutboxFull is returned when a connection's outbound queue is saturated.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed is returned when pushing to a connection that is shutting down.
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox is the bounded queue of encoded frames waiting for a connection's
// write pump.
type Outbox struct {
	connID string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for connID holding up to size frames.
//
// Postcondition: Returns an open Outbox; size <= 0 selects 64.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, size),
	}
}

// ConnID returns the connection the outbox belongs to.
func (o *Outbox) ConnID() string {
	return o.connID
}

// Push enqueues frame without blocking.
//
// Postcondition: Returns nil when queued, or an error wrapping ErrOutboxClosed
// or ErrOutboxFull.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxFull)
	}
}

// Frames returns the channel drained by the write pump. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// pending returns the number of queued frames.
func (o *Outbox) pending() int {
	return len(o.frames)
}

// Close stops accepting frames and closes the channel. Safe to call repeatedly.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// isClosed reports whether Close has been called.
func (o *Outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
