// Package resolver picks the agent a task should be dispatched to. It reads
// registry snapshots and never mutates state, so its answer is advisory.
package resolver

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"github.com/nidhogg/fleet/internal/tracker"
)

var (
	ErrNoEligibleAgent = errors.New("resolver: no eligible agent")
	// ErrNoIdleAgent is the reason attached when the class is known but
	// every agent of it is busy or offline.
	ErrNoIdleAgent = errors.New("no idle agent for class")
)

// NoEligibleAgentError carries the reason a task could not be resolved.
// errors.Is matches both ErrNoEligibleAgent and the underlying reason.
type NoEligibleAgentError struct {
	TaskID string
	Class  taxonomy.Class
	Reason error
}

func (e *NoEligibleAgentError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%v: task %s (%s): %v", ErrNoEligibleAgent, e.TaskID, e.Class, e.Reason)
	}
	return fmt.Sprintf("%v: task %s: %v", ErrNoEligibleAgent, e.TaskID, e.Reason)
}

func (e *NoEligibleAgentError) Is(target error) bool { return target == ErrNoEligibleAgent }

func (e *NoEligibleAgentError) Unwrap() error { return e.Reason }

// Configuration reports whether the failure comes from the taxonomy rather
// than from agent availability. Such tasks will never resolve.
func (e *NoEligibleAgentError) Configuration() bool {
	return errors.Is(e.Reason, taxonomy.ErrAmbiguousClassification)
}

// Classifier routes labels to a capability class.
type Classifier interface {
	Classify(labels []string) (taxonomy.Classification, error)
}

// AgentSource lists idle agents of a class.
type AgentSource interface {
	FindEligible(class taxonomy.Class) []registry.Agent
}

// Resolution is the advisory answer of Resolve.
type Resolution struct {
	AgentID  string            `json:"agent_id"`
	Class    taxonomy.Class    `json:"class"`
	Priority taxonomy.Priority `json:"priority"`
}

// Resolver combines the taxonomy with a registry snapshot.
type Resolver struct {
	classifier Classifier
	agents     AgentSource
}

// New creates a resolver.
func New(classifier Classifier, agents AgentSource) *Resolver {
	return &Resolver{classifier: classifier, agents: agents}
}

// Resolve returns the idle agent with the lowest id in the task's class.
// Failures are always a *NoEligibleAgentError.
func (r *Resolver) Resolve(task tracker.Task) (Resolution, error) {
	c, err := r.classifier.Classify(task.Labels)
	if err != nil {
		return Resolution{}, &NoEligibleAgentError{TaskID: task.ID, Reason: err}
	}

	eligible := r.agents.FindEligible(c.Class)
	if len(eligible) == 0 {
		return Resolution{}, &NoEligibleAgentError{TaskID: task.ID, Class: c.Class, Reason: ErrNoIdleAgent}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	return Resolution{AgentID: eligible[0].ID, Class: c.Class, Priority: c.Priority}, nil
}
