// Package dispatch pairs Created tasks with Idle agents and relays agent
// reports into the registry and tracker.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/fleet/internal/events"
	"github.com/nidhogg/fleet/internal/notify"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/resolver"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

// ErrDispatchInconsistency means the registry accepted an assignment the
// tracker then refused. It is never retried.
var ErrDispatchInconsistency = errors.New("dispatch: registry and tracker disagree")

// AgentStore is the subset of the registry the dispatcher mutates.
type AgentStore interface {
	resolver.AgentSource
	Register(a registry.Agent) (registry.Agent, error)
	Get(id string) (registry.Agent, bool)
	List() []registry.Agent
	MarkBusy(agentID, taskID string) error
	MarkIdle(agentID string) error
	MarkOffline(agentID string) (string, error)
	MarkOnline(agentID string) error
}

// TaskStore is the subset of the tracker the dispatcher mutates.
type TaskStore interface {
	Create(t tracker.Task) (string, error)
	Get(id string) (tracker.Task, error)
	List(f tracker.Filter) []tracker.Task
	Pending() []tracker.Task
	RecordAssignment(taskID, agentID string) error
	RecordStart(taskID, agentID string) error
	RecordCompletion(taskID, agentID string, result json.RawMessage) (tracker.Outcome, error)
	RecordFailure(taskID, agentID, reason string) (tracker.Outcome, error)
	RecordUnassignable(taskID, reason string) error
	Cancel(taskID string) (tracker.Outcome, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Send(ctx context.Context, a notify.Alert) error
}

// Options tunes the dispatch loop.
type Options struct {
	// Interval between passes of the polling loop.
	Interval time.Duration
	// MaxAttempts is how many passes a task may go without an eligible
	// agent before it becomes Unassignable.
	MaxAttempts int
	// DeliveryTimeout bounds each event publish and alert send.
	DeliveryTimeout time.Duration
	// OutboxSize is how many deliveries may wait before new ones are dropped.
	OutboxSize int
}

// DefaultOptions matches the shipped config.
var DefaultOptions = Options{
	Interval:        5 * time.Second,
	MaxAttempts:     3,
	DeliveryTimeout: 10 * time.Second,
	OutboxSize:      1024,
}

// Outcome describes what one dispatch attempt did to a task.
type Outcome string

const (
	Assigned     Outcome = "assigned"
	Deferred     Outcome = "deferred"
	Contended    Outcome = "contended"
	Unassignable Outcome = "unassignable"
	Skipped      Outcome = "skipped"
	Empty        Outcome = "empty"
	Inconsistent Outcome = "inconsistent"
)

// Result is the record of one dispatch attempt.
type Result struct {
	TaskID   string  `json:"task_id,omitempty"`
	AgentID  string  `json:"agent_id,omitempty"`
	Outcome  Outcome `json:"outcome"`
	Attempts int     `json:"attempts,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Report summarizes a full pass.
type Report struct {
	Results []Result        `json:"results"`
	Counts  map[Outcome]int `json:"counts"`
}

// Dispatcher runs the polling loop. Several dispatchers may share one
// registry and tracker; per-record compare-and-set keeps them safe.
type Dispatcher struct {
	agents    AgentStore
	tasks     TaskStore
	resolver  *resolver.Resolver
	opts      Options
	publisher events.Publisher
	alerter   Alerter
	outbox    *outbox

	attempts map[string]int
	passMu   sync.Mutex
	mu       sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

// New creates a dispatcher. Zero option fields take DefaultOptions values.
func New(classifier resolver.Classifier, agents AgentStore, tasks TaskStore, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions.Interval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultOptions.DeliveryTimeout
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOptions.OutboxSize
	}
	return &Dispatcher{
		agents:    agents,
		tasks:     tasks,
		resolver:  resolver.New(classifier, agents),
		opts:      opts,
		publisher: events.Nop{},
		outbox:    newOutbox(opts.OutboxSize, opts.DeliveryTimeout, logger),
		attempts:  make(map[string]int),
		logger:    logger,
	}
}

// SetPublisher wires an event publisher. Call before Start.
func (d *Dispatcher) SetPublisher(p events.Publisher) { d.publisher = p }

// SetAlerter wires operator alerts. Call before Start.
func (d *Dispatcher) SetAlerter(a Alerter) { d.alerter = a }

// Options returns the effective options.
func (d *Dispatcher) Options() Options { return d.opts }

// Start begins the polling loop in a background goroutine.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx)
	d.logger.Info("dispatcher started",
		zap.Duration("interval", d.opts.Interval),
		zap.Int("max_attempts", d.opts.MaxAttempts))
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.logger.Info("dispatcher stopped")
}

// Flush waits until every queued event and alert has been handed to its
// publisher or alerter.
func (d *Dispatcher) Flush() { d.outbox.flush() }

// Close delivers what is still queued and stops the sender. Call after Stop.
func (d *Dispatcher) Close() { d.outbox.close() }

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Pass(ctx); err != nil {
				d.logger.Error("dispatch pass finished with errors", zap.Error(err))
			}
		}
	}
}

// Pass gives every Created task one dispatch attempt, in priority order.
// Errors for individual tasks are joined; they never stop the pass.
func (d *Dispatcher) Pass(ctx context.Context) (Report, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	rep := Report{Counts: make(map[Outcome]int)}
	var errs []error
	for _, t := range d.tasks.Pending() {
		if ctx.Err() != nil {
			break
		}
		res, err := d.dispatch(ctx, t)
		if err != nil {
			errs = append(errs, err)
		}
		rep.Results = append(rep.Results, res)
		rep.Counts[res.Outcome]++
	}
	if n := len(rep.Results); n > 0 {
		d.logger.Debug("dispatch pass",
			zap.Int("tasks", n),
			zap.Int("assigned", rep.Counts[Assigned]),
			zap.Int("deferred", rep.Counts[Deferred]),
			zap.Int("unassignable", rep.Counts[Unassignable]))
	}
	return rep, errors.Join(errs...)
}

// DispatchNext runs one loop iteration for the most urgent Created task.
func (d *Dispatcher) DispatchNext(ctx context.Context) (Result, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	pending := d.tasks.Pending()
	if len(pending) == 0 {
		return Result{Outcome: Empty}, nil
	}
	return d.dispatch(ctx, pending[0])
}

// Attempts returns how many passes found no agent for a task.
func (d *Dispatcher) Attempts(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[taskID]
}

func (d *Dispatcher) dispatch(ctx context.Context, t tracker.Task) (Result, error) {
	res, err := d.resolver.Resolve(t)
	if err != nil {
		return d.noCandidate(ctx, t, err)
	}

	// The snapshot from Pending may be stale if another dispatcher or a
	// cancel got there first.
	if cur, err := d.tasks.Get(t.ID); err != nil || cur.State != tracker.Created {
		return Result{TaskID: t.ID, Outcome: Skipped}, nil
	}

	agentID := res.AgentID
	err = d.agents.MarkBusy(agentID, t.ID)
	if errors.Is(err, registry.ErrAgentNotIdle) {
		d.logger.Debug("lost agent race, resolving again",
			zap.String("task", t.ID), zap.String("agent", agentID))
		res, err = d.resolver.Resolve(t)
		if err != nil {
			return Result{TaskID: t.ID, Outcome: Contended, Reason: err.Error()}, nil
		}
		agentID = res.AgentID
		err = d.agents.MarkBusy(agentID, t.ID)
		if errors.Is(err, registry.ErrAgentNotIdle) {
			return Result{TaskID: t.ID, Outcome: Contended, Reason: err.Error()}, nil
		}
	}
	if err != nil {
		return Result{TaskID: t.ID, Outcome: Skipped, Reason: err.Error()},
			fmt.Errorf("dispatch %s: %w", t.ID, err)
	}

	if err := d.tasks.RecordAssignment(t.ID, agentID); err != nil {
		return d.rollback(ctx, t, agentID, err)
	}
	d.clearAttempts(t.ID)

	// MarkOffline may have dropped the agent between MarkBusy and
	// RecordAssignment. The task must not stay with an agent that does not
	// hold it.
	if a, ok := d.agents.Get(agentID); !ok || a.Availability != registry.Busy || a.CurrentTaskID != t.ID {
		d.logger.Warn("agent lost during assignment",
			zap.String("task", t.ID), zap.String("agent", agentID))
		lost := Result{TaskID: t.ID, AgentID: agentID, Outcome: Contended, Reason: ReasonAgentOffline}
		_, err := d.fail(ctx, t.ID, agentID, ReasonAgentOffline, false)
		if err != nil && !errors.Is(err, tracker.ErrInvalidTransition) {
			return lost, fmt.Errorf("dispatch %s: %w", t.ID, err)
		}
		return lost, nil
	}

	e := events.New(events.TaskAssigned, t.ID, agentID)
	e.State = string(tracker.Assigned)
	e.Labels = t.Labels
	d.publish(ctx, e)
	return Result{TaskID: t.ID, AgentID: agentID, Outcome: Assigned}, nil
}

// noCandidate handles a failed resolution. Taxonomy conflicts end the task
// at once; anything else consumes one attempt.
func (d *Dispatcher) noCandidate(ctx context.Context, t tracker.Task, cause error) (Result, error) {
	var ne *resolver.NoEligibleAgentError
	if errors.As(cause, &ne) && ne.Configuration() {
		d.logger.Warn("ambiguous task labels",
			zap.String("task", t.ID), zap.Strings("labels", t.Labels), zap.Error(cause))
		return d.giveUp(ctx, t, 0, cause.Error())
	}

	d.mu.Lock()
	d.attempts[t.ID]++
	n := d.attempts[t.ID]
	d.mu.Unlock()

	if n >= d.opts.MaxAttempts {
		return d.giveUp(ctx, t, n, fmt.Sprintf("no eligible agent after %d attempts: %v", n, cause))
	}
	d.logger.Debug("no eligible agent, deferring",
		zap.String("task", t.ID), zap.Int("attempt", n), zap.Error(cause))
	return Result{TaskID: t.ID, Outcome: Deferred, Attempts: n, Reason: cause.Error()}, nil
}

func (d *Dispatcher) giveUp(ctx context.Context, t tracker.Task, attempts int, reason string) (Result, error) {
	d.clearAttempts(t.ID)
	if err := d.tasks.RecordUnassignable(t.ID, reason); err != nil {
		if errors.Is(err, tracker.ErrInvalidTransition) {
			return Result{TaskID: t.ID, Outcome: Skipped, Reason: err.Error()}, nil
		}
		return Result{TaskID: t.ID, Outcome: Skipped, Reason: err.Error()}, err
	}

	e := events.New(events.TaskUnassignable, t.ID, "")
	e.State = string(tracker.Unassignable)
	e.Reason = reason
	d.publish(ctx, e)
	d.alert(ctx, notify.Alert{
		Level:  notify.Warning,
		Title:  "task unassignable",
		Detail: reason,
		TaskID: t.ID,
	})
	return Result{TaskID: t.ID, Outcome: Unassignable, Attempts: attempts, Reason: reason}, nil
}

// rollback releases an agent after the tracker refused the assignment.
// A task that left Created in the meantime (another dispatcher, a cancel)
// is contention; anything else is an inconsistency.
func (d *Dispatcher) rollback(ctx context.Context, t tracker.Task, agentID string, cause error) (Result, error) {
	var rbErr error
	if a, ok := d.agents.Get(agentID); ok && a.Availability == registry.Busy && a.CurrentTaskID == t.ID {
		rbErr = d.agents.MarkIdle(agentID)
	}

	if cur, err := d.tasks.Get(t.ID); err == nil && cur.State != tracker.Created && rbErr == nil {
		d.logger.Debug("task moved on before assignment",
			zap.String("task", t.ID), zap.String("state", string(cur.State)))
		return Result{TaskID: t.ID, Outcome: Contended, Reason: cause.Error()}, nil
	}

	err := fmt.Errorf("%w: task %s agent %s: %v", ErrDispatchInconsistency, t.ID, agentID, cause)
	if rbErr != nil {
		err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
	}
	d.logger.Error("dispatch inconsistency",
		zap.String("task", t.ID),
		zap.String("agent", agentID),
		zap.NamedError("cause", cause),
		zap.NamedError("rollback", rbErr))
	d.alert(ctx, notify.Alert{
		Level:   notify.Critical,
		Title:   "dispatch inconsistency",
		Detail:  err.Error(),
		TaskID:  t.ID,
		AgentID: agentID,
	})
	return Result{TaskID: t.ID, AgentID: agentID, Outcome: Inconsistent, Reason: err.Error()}, err
}

// Reconcile repairs pairings after a restart: active tasks whose agent no
// longer holds them are failed, and Busy agents holding no active task are
// released.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	var errs []error

	for _, state := range []tracker.State{tracker.Assigned, tracker.InProgress} {
		for _, t := range d.tasks.List(tracker.Filter{State: state}) {
			a, ok := d.agents.Get(t.AssignedAgentID)
			if ok && a.Availability == registry.Busy && a.CurrentTaskID == t.ID {
				continue
			}
			d.logger.Warn("orphaned task", zap.String("task", t.ID), zap.String("agent", t.AssignedAgentID))
			if _, err := d.fail(ctx, t.ID, t.AssignedAgentID, "agent lost during restart", false); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, a := range d.agents.List() {
		if a.Availability != registry.Busy {
			continue
		}
		t, err := d.tasks.Get(a.CurrentTaskID)
		if err == nil && t.AssignedAgentID == a.ID && (t.State == tracker.Assigned || t.State == tracker.InProgress) {
			continue
		}
		d.logger.Warn("releasing stale agent", zap.String("agent", a.ID), zap.String("task", a.CurrentTaskID))
		if err := d.agents.MarkIdle(a.ID); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) clearAttempts(taskID string) {
	d.mu.Lock()
	delete(d.attempts, taskID)
	d.mu.Unlock()
}

// publish queues e on the outbox. Delivery never blocks the caller.
func (d *Dispatcher) publish(_ context.Context, e events.Event) {
	p := d.publisher
	d.outbox.enqueue(delivery{
		kind: "event publish",
		send: func(ctx context.Context) error { return p.Publish(ctx, e) },
		fields: []zap.Field{
			zap.String("type", string(e.Type)),
			zap.String("task", e.TaskID),
		},
	})
}

func (d *Dispatcher) alert(_ context.Context, a notify.Alert) {
	al := d.alerter
	if al == nil {
		return
	}
	d.outbox.enqueue(delivery{
		kind:   "alert",
		send:   func(ctx context.Context) error { return al.Send(ctx, a) },
		fields: []zap.Field{zap.String("title", a.Title), zap.String("task", a.TaskID)},
	})
}
