package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

// Journal is a write-behind persister for the registry and tracker. Saves
// only record the latest snapshot per id and wake a single writer, so they
// never block on I/O. Failed writes stay pending and are retried unless a
// newer snapshot replaced them.
type Journal struct {
	backend Backend
	retry   time.Duration
	writeMu sync.Mutex

	mu     sync.Mutex
	agents map[string]registry.Agent
	tasks  map[string]tracker.Task

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

// NewJournal starts the writer goroutine. Close flushes and stops it.
func NewJournal(b Backend, logger *zap.Logger) *Journal {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{
		backend: b,
		retry:   time.Second,
		agents:  make(map[string]registry.Agent),
		tasks:   make(map[string]tracker.Task),
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go j.run(ctx)
	return j
}

// SaveAgent implements registry.Persister.
func (j *Journal) SaveAgent(a registry.Agent) {
	j.mu.Lock()
	j.agents[a.ID] = a
	j.mu.Unlock()
	j.signal()
}

// SaveTask implements tracker.Persister.
func (j *Journal) SaveTask(t tracker.Task) {
	j.mu.Lock()
	j.tasks[t.ID] = t
	j.mu.Unlock()
	j.signal()
}

// Pending returns the number of snapshots not yet written.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.agents) + len(j.tasks)
}

func (j *Journal) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.wake:
		case <-ticker.C:
		}
		if err := j.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.logger.Warn("journal flush failed", zap.Error(err), zap.Int("pending", j.Pending()))
		}
	}
}

// Flush writes every pending snapshot now. Flushes are serialized so an
// older snapshot never overwrites a newer one.
func (j *Journal) Flush(ctx context.Context) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	j.mu.Lock()
	agents, tasks := j.agents, j.tasks
	j.agents = make(map[string]registry.Agent)
	j.tasks = make(map[string]tracker.Task)
	j.mu.Unlock()

	var errs []error
	for id, a := range agents {
		if err := j.backend.SaveAgent(ctx, a); err != nil {
			errs = append(errs, err)
			j.requeueAgent(id, a)
		}
	}
	for id, t := range tasks {
		if err := j.backend.SaveTask(ctx, t); err != nil {
			errs = append(errs, err)
			j.requeueTask(id, t)
		}
	}
	return errors.Join(errs...)
}

func (j *Journal) requeueAgent(id string, a registry.Agent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, newer := j.agents[id]; !newer {
		j.agents[id] = a
	}
}

func (j *Journal) requeueTask(id string, t tracker.Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, newer := j.tasks[id]; !newer {
		j.tasks[id] = t
	}
}

// Close stops the writer, makes a final flush and closes the backend.
func (j *Journal) Close(ctx context.Context) error {
	j.cancel()
	<-j.done
	err := j.Flush(ctx)
	if cerr := j.backend.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if n := j.Pending(); n > 0 {
		j.logger.Error("journal closed with unwritten snapshots", zap.Int("pending", n))
	}
	return err
}
