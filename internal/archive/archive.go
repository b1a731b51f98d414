// Package archive persists accepted chat lines off the relay loop.
package archive

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/relay"
)

// Entry is one archived chat line.
type Entry struct {
	ID           int64      `json:"id"`
	RoomID       string     `json:"roomId"`
	ConnectionID string     `json:"playerId"`
	UserID       string     `json:"userId"`
	Username     string     `json:"username"`
	Message      string     `json:"message"`
	Position     relay.Vec3 `json:"position"`
	// Timestamp is unix milliseconds of when the relay accepted the line.
	Timestamp int64     `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store writes chat records durably.
type Store interface {
	InsertChat(ctx context.Context, rec relay.ChatRecord) error
}

// Archiver queues chat records from the relay and writes them on its own
// goroutine. ObserveChat never blocks; records are dropped when the queue is full.
type Archiver struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	queue   chan relay.ChatRecord

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates an Archiver writing to store.
//
// Precondition: store and logger must be non-nil.
func New(store Store, cfg config.ArchiveConfig, logger *zap.Logger) *Archiver {
	size := cfg.QueueSize
	if size <= 0 {
		size = 512
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Archiver{
		store:   store,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan relay.ChatRecord, size),
	}
}

// ObserveChat implements relay.ChatObserver.
func (a *Archiver) ObserveChat(rec relay.ChatRecord) {
	select {
	case a.queue <- rec:
	default:
		a.dropped.Add(1)
		a.logger.Warn("chat archive queue full, dropping record",
			zap.String("room", rec.RoomID),
			zap.String("conn_id", rec.ConnectionID),
		)
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// already queued.
//
// Postcondition: Returns nil once the queue has been drained after cancellation.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("chat archiver started", zap.Int("queue_size", cap(a.queue)))
	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
		case <-ctx.Done():
			n := a.drain()
			a.logger.Info("chat archiver stopped",
				zap.Int("flushed", n),
				zap.Int64("written", a.written.Load()),
				zap.Int64("dropped", a.dropped.Load()),
				zap.Int64("failed", a.failed.Load()),
			)
			return nil
		}
	}
}

func (a *Archiver) drain() int {
	n := 0
	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
			n++
		default:
			return n
		}
	}
}

func (a *Archiver) write(rec relay.ChatRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.store.InsertChat(ctx, rec); err != nil {
		a.failed.Add(1)
		a.logger.Error("archiving chat",
			zap.String("room", rec.RoomID),
			zap.String("conn_id", rec.ConnectionID),
			zap.Error(err),
		)
		return
	}
	a.written.Add(1)
}

// Stats reports how many records were written, dropped at the queue, and
// rejected by the store.
func (a *Archiver) Stats() (written, dropped, failed int64) {
	return a.written.Load(), a.dropped.Load(), a.failed.Load()
}
