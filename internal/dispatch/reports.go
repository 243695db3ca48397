package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nidhogg/fleet/internal/events"
	"github.com/nidhogg/fleet/internal/notify"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

// ReasonAgentOffline is recorded when an operator takes an agent offline
// while it owns a task.
const ReasonAgentOffline = "agent offline"

// Submit creates a task from an external source.
func (d *Dispatcher) Submit(ctx context.Context, t tracker.Task) (tracker.Task, error) {
	id, err := d.tasks.Create(t)
	if err != nil {
		return tracker.Task{}, err
	}
	created, err := d.tasks.Get(id)
	if err != nil {
		return tracker.Task{}, err
	}
	e := events.New(events.TaskCreated, id, "")
	e.State = string(created.State)
	e.Labels = created.Labels
	d.publish(ctx, e)
	return created, nil
}

// RegisterAgent adds an agent to the fleet.
func (d *Dispatcher) RegisterAgent(ctx context.Context, a registry.Agent) (registry.Agent, error) {
	stored, err := d.agents.Register(a)
	if err != nil {
		return registry.Agent{}, err
	}
	e := events.New(events.AgentRegistered, "", stored.ID)
	e.State = string(stored.Availability)
	d.publish(ctx, e)
	return stored, nil
}

// ReportStart records that agentID began work on taskID.
func (d *Dispatcher) ReportStart(ctx context.Context, taskID, agentID string) (tracker.Task, error) {
	if err := d.tasks.RecordStart(taskID, agentID); err != nil {
		return tracker.Task{}, err
	}
	e := events.New(events.TaskStarted, taskID, agentID)
	e.State = string(tracker.InProgress)
	d.publish(ctx, e)
	return d.tasks.Get(taskID)
}

// ReportCompletion records a successful result and releases the agent.
// agentID may be empty; when set it must own the task.
func (d *Dispatcher) ReportCompletion(ctx context.Context, taskID, agentID string, result json.RawMessage) (tracker.Task, error) {
	out, err := d.tasks.RecordCompletion(taskID, agentID, result)
	if err != nil {
		return tracker.Task{}, err
	}
	d.release(out.AgentID, taskID)

	e := events.New(events.TaskCompleted, taskID, out.AgentID)
	e.State = string(out.Task.State)
	d.publish(ctx, e)
	return out.Task, nil
}

// ReportFailure records a failure from the agent runtime, releases the
// agent and re-queues the task if its retry budget allows. agentID may be
// empty; when set it must own the task.
func (d *Dispatcher) ReportFailure(ctx context.Context, taskID, agentID, reason string) (tracker.Outcome, error) {
	return d.fail(ctx, taskID, agentID, reason, true)
}

// MarkOffline takes an agent offline. A task it owned is failed with
// ReasonAgentOffline and follows the normal retry policy. If the task was
// still being assigned, the dispatcher fails it once the assignment lands.
func (d *Dispatcher) MarkOffline(ctx context.Context, agentID string) (string, error) {
	owned, err := d.agents.MarkOffline(agentID)
	if err != nil {
		return "", err
	}
	d.publish(ctx, events.New(events.AgentOffline, owned, agentID))
	if owned == "" {
		return "", nil
	}
	// The registry already dropped the pairing; there is no agent to release.
	_, err = d.fail(ctx, owned, agentID, ReasonAgentOffline, false)
	switch {
	case err == nil:
	case errors.Is(err, tracker.ErrInvalidTransition):
		d.logger.Debug("task of offline agent already moved on",
			zap.String("agent", agentID), zap.String("task", owned), zap.Error(err))
	default:
		return owned, fmt.Errorf("fail task %s of offline agent %s: %w", owned, agentID, err)
	}
	return owned, nil
}

// MarkOnline returns an offline agent to service.
func (d *Dispatcher) MarkOnline(ctx context.Context, agentID string) error {
	if err := d.agents.MarkOnline(agentID); err != nil {
		return err
	}
	d.publish(ctx, events.New(events.AgentOnline, "", agentID))
	return nil
}

// Cancel fails a non-terminal task with tracker.ReasonCancelled. The task is
// never re-queued and its agent, if any, is released.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (tracker.Task, error) {
	out, err := d.tasks.Cancel(taskID)
	if err != nil {
		return tracker.Task{}, err
	}
	d.clearAttempts(taskID)
	d.release(out.AgentID, taskID)

	e := events.New(events.TaskCancelled, taskID, out.AgentID)
	e.State = string(out.Task.State)
	e.Reason = tracker.ReasonCancelled
	d.publish(ctx, e)
	return out.Task, nil
}

// fail records a failure and emits the matching event. release controls
// whether the owning agent goes back to Idle.
func (d *Dispatcher) fail(ctx context.Context, taskID, agentID, reason string, release bool) (tracker.Outcome, error) {
	out, err := d.tasks.RecordFailure(taskID, agentID, reason)
	if err != nil {
		return tracker.Outcome{}, err
	}
	if release {
		d.release(out.AgentID, taskID)
	}

	typ := events.TaskFailed
	if out.Requeued {
		typ = events.TaskRequeued
	}
	e := events.New(typ, taskID, out.AgentID)
	e.State = string(out.Task.State)
	e.Reason = reason
	d.publish(ctx, e)

	if !out.Requeued {
		d.alert(ctx, notify.Alert{
			Level:   notify.Warning,
			Title:   "task failed",
			Detail:  fmt.Sprintf("%s (after %d failure(s))", reason, out.Task.Failures),
			TaskID:  taskID,
			AgentID: out.AgentID,
		})
	}
	return out, nil
}

// release idles agentID if it still holds taskID. A mismatch means the
// pairing was already broken elsewhere (for example by MarkOffline).
func (d *Dispatcher) release(agentID, taskID string) {
	if agentID == "" {
		return
	}
	a, ok := d.agents.Get(agentID)
	if !ok || a.Availability != registry.Busy || a.CurrentTaskID != taskID {
		return
	}
	if err := d.agents.MarkIdle(agentID); err != nil {
		d.logger.Warn("release agent failed",
			zap.String("agent", agentID),
			zap.String("task", taskID),
			zap.Error(err))
	}
}
