package relay

import (
	"context"
	"sync"
	"time"
)

// TickManager runs named periodic jobs, each on its own ticker goroutine.
// Jobs registered after Start begin ticking immediately.
//
// Invariant: a job's callback is invoked at most once per its interval and
// never again after Unregister returns plus one in-flight tick.
type TickManager struct {
	mu   sync.Mutex
	jobs map[string]*tickJob
	ctx  context.Context
	wg   sync.WaitGroup
}

type tickJob struct {
	interval time.Duration
	fn       func()
	stop     chan struct{}
}

// NewTickManager returns an idle TickManager.
func NewTickManager() *TickManager {
	return &TickManager{jobs: make(map[string]*tickJob)}
}

// Register schedules fn every interval under name, replacing any existing job
// with that name.
//
// Precondition: interval must be > 0; fn must be non-nil.
func (m *TickManager) Register(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		panic("relay.TickManager.Register: interval must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.jobs[name]; ok {
		close(old.stop)
	}
	j := &tickJob{interval: interval, fn: fn, stop: make(chan struct{})}
	m.jobs[name] = j
	if m.ctx != nil {
		m.launchLocked(j)
	}
}

// Unregister stops and removes the job registered under name.
func (m *TickManager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[name]; ok {
		close(j.stop)
		delete(m.jobs, name)
	}
}

// Jobs returns the number of registered jobs.
func (m *TickManager) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Start launches every registered job. Jobs run until ctx is cancelled.
// Calling Start more than once has no additional effect.
//
// Postcondition: each registered callback fires once per its interval.
func (m *TickManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return
	}
	m.ctx = ctx
	for _, j := range m.jobs {
		m.launchLocked(j)
	}
}

// Wait blocks until every job goroutine has exited.
func (m *TickManager) Wait() {
	m.wg.Wait()
}

func (m *TickManager) launchLocked(j *tickJob) {
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stop:
				return
			case <-ticker.C:
				j.fn()
			}
		}
	}()
}
