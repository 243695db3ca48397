// Package store persists agent and task snapshots so a restarted server
// can rebuild its registry and tracker.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

// Backend is a durable snapshot store. Saves are upserts keyed by id.
type Backend interface {
	SaveAgent(ctx context.Context, a registry.Agent) error
	SaveTask(ctx context.Context, t tracker.Task) error
	ListAgents(ctx context.Context) ([]registry.Agent, error)
	ListTasks(ctx context.Context) ([]tracker.Task, error)
	Close() error
}

// AgentRestorer accepts agents loaded at startup.
type AgentRestorer interface {
	Restore(agents []registry.Agent)
}

// TaskRestorer accepts tasks loaded at startup.
type TaskRestorer interface {
	Restore(tasks []tracker.Task)
}

// Restore loads every snapshot from b into the in-memory stores. Call it
// before persisters are attached so restored records are not written back.
func Restore(ctx context.Context, b Backend, agents AgentRestorer, tasks TaskRestorer, logger *zap.Logger) error {
	as, err := b.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}
	ts, err := b.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	agents.Restore(as)
	tasks.Restore(ts)
	logger.Info("state restored", zap.Int("agents", len(as)), zap.Int("tasks", len(ts)))
	return nil
}

// taskColumns holds the JSON-encoded fields shared by both backends.
type taskColumns struct {
	labels   string
	metadata string
	history  string
	result   any
}

func encodeTask(t tracker.Task) (taskColumns, error) {
	labels := t.Labels
	if labels == nil {
		labels = []string{}
	}
	history := t.History
	if history == nil {
		history = []tracker.Change{}
	}
	var c taskColumns
	b, err := json.Marshal(labels)
	if err != nil {
		return c, err
	}
	c.labels = string(b)
	if b, err = json.Marshal(t.Metadata); err != nil {
		return c, err
	}
	c.metadata = string(b)
	if b, err = json.Marshal(history); err != nil {
		return c, err
	}
	c.history = string(b)
	if len(t.Result) > 0 {
		c.result = string(t.Result)
	}
	return c, nil
}

func decodeTask(t *tracker.Task, labels, metadata, history, result []byte) error {
	if err := json.Unmarshal(labels, &t.Labels); err != nil {
		return fmt.Errorf("task %s labels: %w", t.ID, err)
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return fmt.Errorf("task %s metadata: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal(history, &t.History); err != nil {
		return fmt.Errorf("task %s history: %w", t.ID, err)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(append([]byte(nil), result...))
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
