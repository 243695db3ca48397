package tracker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"go.uber.org/zap"
)

// Prioritizer derives a task priority from its labels.
type Prioritizer interface {
	Priority(labels []string) taxonomy.Priority
}

// Persister receives a snapshot after every mutation. Implementations
// must not block.
type Persister interface {
	SaveTask(t Task)
}

// Tracker is the shared store of tasks. All transitions go through it and
// each one is atomic for the task it touches.
type Tracker struct {
	tasks       map[string]*Task
	prioritizer Prioritizer
	retryBudget int
	persister   Persister
	now         func() time.Time
	mu          sync.RWMutex
	logger      *zap.Logger
}

// New creates a tracker. retryBudget is the number of times a failed task
// is re-queued before its failure becomes terminal.
func New(prioritizer Prioritizer, retryBudget int, logger *zap.Logger) *Tracker {
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &Tracker{
		tasks:       make(map[string]*Task),
		prioritizer: prioritizer,
		retryBudget: retryBudget,
		now:         time.Now,
		logger:      logger,
	}
}

// SetPersister wires a snapshot sink. Call before the tracker is shared.
func (tr *Tracker) SetPersister(p Persister) { tr.persister = p }

// RetryBudget returns the configured number of re-queues per task.
func (tr *Tracker) RetryBudget() int { return tr.retryBudget }

// Create stores a new task in the Created state and returns its id. An
// empty id is replaced with a fresh UUID.
func (tr *Tracker) Create(t Task) (string, error) {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		id = uuid.New().String()
	}
	labels := normalizeLabels(t.Labels)
	now := tr.now()

	stored := &Task{
		ID:        id,
		Title:     t.Title,
		Labels:    labels,
		Priority:  tr.prioritizer.Priority(labels),
		State:     Created,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []Change{{To: Created, Reason: "submitted", At: now}},
	}
	if len(t.Metadata) > 0 {
		stored.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			stored.Metadata[k] = v
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.tasks[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	tr.tasks[id] = stored
	tr.persist(stored)
	tr.logger.Info("task created",
		zap.String("task", id),
		zap.Strings("labels", labels),
		zap.Stringer("priority", stored.Priority))
	return id, nil
}

// Get returns a snapshot of one task.
func (tr *Tracker) Get(id string) (Task, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// List returns snapshots matching the filter, oldest first.
func (tr *Tracker) List(f Filter) []Task {
	tr.mu.RLock()
	out := make([]Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.AgentID != "" && t.AssignedAgentID != f.AgentID {
			continue
		}
		out = append(out, t.clone())
	}
	tr.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Pending returns Created tasks in dispatch order: priority first, then
// oldest first within a priority tier.
func (tr *Tracker) Pending() []Task {
	out := tr.List(Filter{State: Created})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// RecordAssignment moves a Created task to Assigned on agentID.
func (tr *Tracker) RecordAssignment(taskID, agentID string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, err := tr.lookup(taskID)
	if err != nil {
		return err
	}
	if err := Transition(t.State, Assigned); err != nil {
		return fmt.Errorf("assign %s: %w", taskID, err)
	}
	now := tr.now()
	tr.move(t, Assigned, agentID, "", now)
	t.AssignedAgentID = agentID
	t.AssignedAt = &now
	tr.persist(t)
	tr.logger.Info("task assigned", zap.String("task", taskID), zap.String("agent", agentID))
	return nil
}

// RecordStart moves an Assigned task to InProgress. The reporting agent
// must be the one the task is assigned to.
func (tr *Tracker) RecordStart(taskID, agentID string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, err := tr.lookup(taskID)
	if err != nil {
		return err
	}
	if err := Transition(t.State, InProgress); err != nil {
		return fmt.Errorf("start %s: %w", taskID, err)
	}
	if t.AssignedAgentID != agentID {
		return fmt.Errorf("start %s: %w: assigned to %q, reported by %q",
			taskID, ErrInvalidTransition, t.AssignedAgentID, agentID)
	}
	now := tr.now()
	tr.move(t, InProgress, agentID, "", now)
	t.StartedAt = &now
	tr.persist(t)
	tr.logger.Info("task started", zap.String("task", taskID), zap.String("agent", agentID))
	return nil
}

// RecordCompletion moves an InProgress task to Completed with its result.
// A non-empty agentID must match the assignment.
func (tr *Tracker) RecordCompletion(taskID, agentID string, result json.RawMessage) (Outcome, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, err := tr.lookup(taskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := Transition(t.State, Completed); err != nil {
		return Outcome{}, fmt.Errorf("complete %s: %w", taskID, err)
	}
	if err := checkOwner("complete", t, agentID); err != nil {
		return Outcome{}, err
	}
	if len(result) == 0 {
		return Outcome{}, ErrMissingResult
	}
	if !json.Valid(result) {
		return Outcome{}, fmt.Errorf("%w: result is not valid JSON", ErrMissingResult)
	}
	now := tr.now()
	tr.move(t, Completed, t.AssignedAgentID, "", now)
	t.Result = append(json.RawMessage(nil), result...)
	t.CompletedAt = &now
	tr.persist(t)
	tr.logger.Info("task completed", zap.String("task", taskID), zap.String("agent", t.AssignedAgentID))
	return Outcome{Task: t.clone(), AgentID: t.AssignedAgentID}, nil
}

// RecordFailure fails an Assigned or InProgress task. While the retry
// budget lasts the task is re-queued to Created with its assignment
// cleared; otherwise the failure is terminal. A non-empty agentID must
// match the assignment.
func (tr *Tracker) RecordFailure(taskID, agentID, reason string) (Outcome, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, err := tr.lookup(taskID)
	if err != nil {
		return Outcome{}, err
	}
	if err := Transition(t.State, Failed); err != nil {
		return Outcome{}, fmt.Errorf("fail %s: %w", taskID, err)
	}
	if err := checkOwner("fail", t, agentID); err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return Outcome{}, ErrMissingReason
	}

	owner := t.AssignedAgentID
	now := tr.now()
	tr.move(t, Failed, owner, reason, now)
	t.Failures++

	if t.Failures <= tr.retryBudget {
		tr.move(t, Created, "", fmt.Sprintf("retry %d/%d", t.Failures, tr.retryBudget), now)
		t.AssignedAgentID = ""
		t.AssignedAt = nil
		t.StartedAt = nil
		tr.persist(t)
		tr.logger.Info("task failed, re-queued",
			zap.String("task", taskID),
			zap.String("agent", owner),
			zap.String("reason", reason),
			zap.Int("failures", t.Failures))
		return Outcome{Task: t.clone(), AgentID: owner, Requeued: true}, nil
	}

	t.FailureReason = reason
	t.CompletedAt = &now
	tr.persist(t)
	tr.logger.Info("task failed",
		zap.String("task", taskID),
		zap.String("agent", owner),
		zap.String("reason", reason),
		zap.Int("failures", t.Failures))
	return Outcome{Task: t.clone(), AgentID: owner}, nil
}

// RecordUnassignable terminates a Created task that could not be routed.
func (tr *Tracker) RecordUnassignable(taskID, reason string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, err := tr.lookup(taskID)
	if err != nil {
		return err
	}
	if err := Transition(t.State, Unassignable); err != nil {
		return fmt.Errorf("unassignable %s: %w", taskID, err)
	}
	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	now := tr.now()
	tr.move(t, Unassignable, "", reason, now)
	t.FailureReason = reason
	t.CompletedAt = &now
	tr.persist(t)
	tr.logger.Warn("task unassignable", zap.String("task", taskID), zap.String("reason", reason))
	return nil
}

// Cancel fails any non-terminal task with ReasonCancelled. Cancellation
// is never retried. A Created task goes straight to Failed, which is the
// one edge outside the transition table.
func (tr *Tracker) Cancel(taskID string) (Outcome, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, err := tr.lookup(taskID)
	if err != nil {
		return Outcome{}, err
	}
	if t.State.Terminal() {
		return Outcome{}, fmt.Errorf("cancel %s: %w: task is %s", taskID, ErrInvalidTransition, t.State)
	}
	owner := t.AssignedAgentID
	now := tr.now()
	tr.move(t, Failed, owner, ReasonCancelled, now)
	t.FailureReason = ReasonCancelled
	t.CompletedAt = &now
	tr.persist(t)
	tr.logger.Info("task cancelled", zap.String("task", taskID), zap.String("agent", owner))
	return Outcome{Task: t.clone(), AgentID: owner}, nil
}

// checkOwner rejects a report from an agent the task is not assigned to.
// An empty agentID skips the check.
func checkOwner(op string, t *Task, agentID string) error {
	if agentID == "" || t.AssignedAgentID == agentID {
		return nil
	}
	return fmt.Errorf("%s %s: %w: assigned to %q, reported by %q",
		op, t.ID, ErrInvalidTransition, t.AssignedAgentID, agentID)
}

// Restore loads persisted tasks, replacing any with the same id.
func (tr *Tracker) Restore(tasks []Task) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, t := range tasks {
		c := t.clone()
		tr.tasks[c.ID] = &c
	}
	tr.logger.Info("restored tasks", zap.Int("count", len(tasks)))
}

// Counts returns the number of tasks per state.
func (tr *Tracker) Counts() map[State]int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := map[State]int{
		Created: 0, Assigned: 0, InProgress: 0,
		Completed: 0, Failed: 0, Unassignable: 0,
	}
	for _, t := range tr.tasks {
		out[t.State]++
	}
	return out
}

func (tr *Tracker) lookup(id string) (*Task, error) {
	t, ok := tr.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// move records a state change in the audit trail. Callers hold tr.mu.
func (tr *Tracker) move(t *Task, to State, agentID, reason string, at time.Time) {
	t.History = append(t.History, Change{From: t.State, To: to, AgentID: agentID, Reason: reason, At: at})
	t.State = to
	t.UpdatedAt = at
}

// persist must be called with tr.mu held so snapshots reach the sink in
// mutation order.
func (tr *Tracker) persist(t *Task) {
	if tr.persister != nil {
		tr.persister.SaveTask(t.clone())
	}
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
