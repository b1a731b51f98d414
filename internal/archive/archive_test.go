package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/relay"
)

type memStore struct {
	mu      sync.Mutex
	records []relay.ChatRecord
	fail    bool
	block   chan struct{}
}

func (m *memStore) InsertChat(ctx context.Context, rec relay.ChatRecord) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func chat(msg string) relay.ChatRecord {
	return relay.ChatRecord{RoomID: "town", ConnectionID: "c1", Username: "Alice", Message: msg, At: time.UnixMilli(1)}
}

func TestArchiver_WritesRecords(t *testing.T) {
	store := &memStore{}
	a := New(store, config.ArchiveConfig{QueueSize: 8, WriteTimeout: time.Second}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.ObserveChat(chat("one"))
	a.ObserveChat(chat("two"))
	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	written, dropped, failed := a.Stats()
	assert.Equal(t, int64(2), written)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
	assert.Equal(t, "one", store.records[0].Message)
}

func TestArchiver_DropsWhenFull(t *testing.T) {
	store := &memStore{}
	a := New(store, config.ArchiveConfig{QueueSize: 1, WriteTimeout: time.Second}, zaptest.NewLogger(t))

	a.ObserveChat(chat("kept"))
	a.ObserveChat(chat("dropped"))

	_, dropped, _ := a.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestArchiver_FlushesOnStop(t *testing.T) {
	store := &memStore{}
	a := New(store, config.ArchiveConfig{QueueSize: 4, WriteTimeout: time.Second}, zaptest.NewLogger(t))
	a.ObserveChat(chat("a"))
	a.ObserveChat(chat("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Equal(t, 2, store.count())
}

func TestArchiver_StoreFailureCounted(t *testing.T) {
	store := &memStore{fail: true}
	a := New(store, config.ArchiveConfig{QueueSize: 4, WriteTimeout: time.Second}, zaptest.NewLogger(t))
	a.ObserveChat(chat("lost"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	_, _, failed := a.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestArchiver_WriteTimeout(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	a := New(store, config.ArchiveConfig{QueueSize: 4, WriteTimeout: 10 * time.Millisecond}, zaptest.NewLogger(t))
	a.ObserveChat(chat("slow"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))

	_, _, failed := a.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestArchiver_DefaultsApplied(t *testing.T) {
	a := New(&memStore{}, config.ArchiveConfig{}, zaptest.NewLogger(t))
	assert.Equal(t, 512, cap(a.queue))
	assert.Equal(t, 5*time.Second, a.timeout)
}
