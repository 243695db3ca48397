// Package registry tracks the worker agents of the fleet and their
// availability. It never touches task state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/fleet/internal/taxonomy"
	"go.uber.org/zap"
)

// Availability is the dispatch state of an agent.
type Availability string

const (
	Idle    Availability = "idle"
	Busy    Availability = "busy"
	Offline Availability = "offline"
)

var (
	ErrDuplicateAgent  = errors.New("registry: duplicate agent")
	ErrAgentNotFound   = errors.New("registry: agent not found")
	ErrAgentNotIdle    = errors.New("registry: agent not idle")
	ErrAgentNotBusy    = errors.New("registry: agent not busy")
	ErrAgentNotOffline = errors.New("registry: agent not offline")
	ErrInvalidAgent    = errors.New("registry: invalid agent")
)

// Agent is a worker that executes one task at a time.
// CurrentTaskID is set if and only if Availability is Busy.
type Agent struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Class         taxonomy.Class `json:"class"`
	Availability  Availability   `json:"availability"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time      `json:"registered_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Persister receives a snapshot after every mutation. Implementations
// must not block.
type Persister interface {
	SaveAgent(a Agent)
}

// Registry is the shared store of agents. Every mutation is a
// compare-and-set on a single agent under the registry lock.
type Registry struct {
	agents    map[string]*Agent
	persister Persister
	now       func() time.Time
	mu        sync.RWMutex
	logger    *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		now:    time.Now,
		logger: logger,
	}
}

// SetPersister wires a snapshot sink. Call before the registry is shared.
func (r *Registry) SetPersister(p Persister) { r.persister = p }

// Register adds a new agent in the Idle state.
func (r *Registry) Register(a Agent) (Agent, error) {
	if a.ID == "" {
		return Agent{}, fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	class, err := taxonomy.ParseClass(string(a.Class))
	if err != nil {
		return Agent{}, fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	now := r.now()
	stored := &Agent{
		ID:           a.ID,
		Name:         a.Name,
		Class:        class,
		Availability: Idle,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.agents[a.ID] = stored
	r.persist(stored)
	r.logger.Info("registered agent",
		zap.String("agent", a.ID),
		zap.String("class", string(class)))
	return *stored, nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// List returns a snapshot of all agents ordered by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindEligible returns every Idle agent of the given class. Order is
// unspecified.
func (r *Registry) FindEligible(class taxonomy.Class) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		if a.Class == class && a.Availability == Idle {
			out = append(out, *a)
		}
	}
	return out
}

// MarkBusy moves an Idle agent to Busy on taskID.
func (r *Registry) MarkBusy(agentID, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidAgent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Availability != Idle {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotIdle, agentID, a.Availability)
	}
	a.Availability = Busy
	a.CurrentTaskID = taskID
	a.UpdatedAt = r.now()
	r.persist(a)
	return nil
}

// MarkIdle releases a Busy agent.
func (r *Registry) MarkIdle(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Availability != Busy {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotBusy, agentID, a.Availability)
	}
	a.Availability = Idle
	a.CurrentTaskID = ""
	a.UpdatedAt = r.now()
	r.persist(a)
	return nil
}

// MarkOffline forces an agent Offline from any state and returns the task
// it owned, if any. Failing that task is the caller's decision.
func (r *Registry) MarkOffline(agentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	owned := a.CurrentTaskID
	if a.Availability == Offline {
		return "", nil
	}
	a.Availability = Offline
	a.CurrentTaskID = ""
	a.UpdatedAt = r.now()
	r.persist(a)
	r.logger.Info("agent offline",
		zap.String("agent", agentID),
		zap.String("owned_task", owned))
	return owned, nil
}

// MarkOnline returns an Offline agent to Idle.
func (r *Registry) MarkOnline(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Availability != Offline {
		return fmt.Errorf("%w: %s is %s", ErrAgentNotOffline, agentID, a.Availability)
	}
	a.Availability = Idle
	a.UpdatedAt = r.now()
	r.persist(a)
	r.logger.Info("agent online", zap.String("agent", agentID))
	return nil
}

// Restore loads persisted agents, replacing any with the same id. Records
// that break the Busy/CurrentTaskID invariant are repaired.
func (r *Registry) Restore(agents []Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		a := a
		switch {
		case a.Availability == Busy && a.CurrentTaskID == "":
			a.Availability = Idle
		case a.Availability != Busy && a.CurrentTaskID != "":
			a.CurrentTaskID = ""
		}
		if a.Availability != Idle && a.Availability != Busy && a.Availability != Offline {
			a.Availability = Offline
		}
		r.agents[a.ID] = &a
	}
	r.logger.Info("restored agents", zap.Int("count", len(agents)))
}

// Counts returns the number of agents per availability.
func (r *Registry) Counts() map[Availability]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Availability]int{Idle: 0, Busy: 0, Offline: 0}
	for _, a := range r.agents {
		out[a.Availability]++
	}
	return out
}

// persist must be called with r.mu held so snapshots reach the sink in
// mutation order.
func (r *Registry) persist(a *Agent) {
	if r.persister != nil {
		r.persister.SaveAgent(*a)
	}
}
