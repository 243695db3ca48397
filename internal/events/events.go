// Package events carries lifecycle notifications out of the dispatcher:
// assignment notices for agent runtimes and a fleet-wide feed for the
// dashboard.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

const (
	TaskCreated      Type = "task.created"
	TaskAssigned     Type = "task.assigned"
	TaskStarted      Type = "task.started"
	TaskCompleted    Type = "task.completed"
	TaskFailed       Type = "task.failed"
	TaskRequeued     Type = "task.requeued"
	TaskUnassignable Type = "task.unassignable"
	TaskCancelled    Type = "task.cancelled"
	AgentRegistered  Type = "agent.registered"
	AgentOffline     Type = "agent.offline"
	AgentOnline      Type = "agent.online"
)

// Event is one entry on a stream.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New stamps an event with an id and the current time.
func New(t Type, taskID, agentID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		TaskID:    taskID,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers events. Publish must not hold caller locks.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event. Used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
