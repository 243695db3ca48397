// Package tracker owns the task lifecycle state machine.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/fleet/internal/taxonomy"
)

// State is the lifecycle state of a task.
type State string

const (
	Created      State = "created"
	Assigned     State = "assigned"
	InProgress   State = "in_progress"
	Completed    State = "completed"
	Failed       State = "failed"
	Unassignable State = "unassignable"
)

// Terminal reports whether no further transition is permitted. A Failed
// task with retry budget left is re-queued in the same call, so a stored
// Failed task is always terminal.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Unassignable
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Created, Assigned, InProgress, Completed, Failed, Unassignable:
		return st, nil
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

var (
	ErrInvalidTransition = errors.New("tracker: invalid transition")
	ErrTaskNotFound      = errors.New("tracker: task not found")
	ErrDuplicateTask     = errors.New("tracker: duplicate task")
	ErrMissingResult     = errors.New("tracker: result payload is required")
	ErrMissingReason     = errors.New("tracker: failure reason is required")
)

// ReasonCancelled is the failure reason recorded by Cancel.
const ReasonCancelled = "cancelled"

// validTransitions lists the allowed edges of the state machine.
var validTransitions = map[State][]State{
	Created:    {Assigned, Unassignable},
	Assigned:   {InProgress, Failed},
	InProgress: {Completed, Failed},
	Failed:     {Created},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to State) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// Change is one entry of a task's audit trail.
type Change struct {
	From    State     `json:"from,omitempty"`
	To      State     `json:"to"`
	AgentID string    `json:"agent_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Task is a unit of work routed by its labels.
//
// AssignedAgentID is set while the task is Assigned or InProgress and kept
// on terminal tasks for audit. Result and FailureReason are only set on
// terminal tasks, never both.
type Task struct {
	ID              string            `json:"id"`
	Title           string            `json:"title,omitempty"`
	Labels          []string          `json:"labels"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Priority        taxonomy.Priority `json:"priority"`
	State           State             `json:"state"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	AssignedAt      *time.Time        `json:"assigned_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Failures        int               `json:"failures"`
	History         []Change          `json:"history"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// clone returns a deep copy safe to hand out of the tracker.
func (t *Task) clone() Task {
	c := *t
	c.Labels = append([]string(nil), t.Labels...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	c.History = append([]Change(nil), t.History...)
	c.AssignedAt = copyTime(t.AssignedAt)
	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Outcome describes a lifecycle report that may release an agent.
type Outcome struct {
	Task Task `json:"task"`
	// AgentID is the agent that owned the task before the report, if any.
	AgentID string `json:"agent_id,omitempty"`
	// Requeued is set when a failure was absorbed by the retry budget.
	Requeued bool `json:"requeued"`
}

// Filter narrows List results.
type Filter struct {
	State   State
	AgentID string
	Limit   int
}
