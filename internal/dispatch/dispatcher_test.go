package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/fleet/internal/events"
	"github.com/nidhogg/fleet/internal/notify"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

type fixture struct {
	reg       *registry.Registry
	tr        *tracker.Tracker
	d         *Dispatcher
	publisher *recordingPublisher
	alerter   *recordingAlerter
}

func testTaxonomy(t *testing.T) *taxonomy.Taxonomy {
	t.Helper()
	tax, err := taxonomy.New([]taxonomy.Entry{
		{Label: "bug", Class: taxonomy.Developer, Weight: 5},
		{Label: "urgent", Class: taxonomy.QA, Weight: 5},
		{Label: "incident", Class: taxonomy.Operations, Weight: 9},
	}, taxonomy.DefaultBands)
	if err != nil {
		t.Fatal(err)
	}
	return tax
}

func newFixture(t *testing.T, retryBudget int) *fixture {
	t.Helper()
	tax := testTaxonomy(t)
	reg := registry.New(zap.NewNop())
	tr := tracker.New(tax, retryBudget, zap.NewNop())
	d := New(tax, reg, tr, Options{Interval: 10 * time.Millisecond, MaxAttempts: 3}, zap.NewNop())
	f := &fixture{reg: reg, tr: tr, d: d, publisher: &recordingPublisher{}, alerter: &recordingAlerter{}}
	d.SetPublisher(f.publisher)
	d.SetAlerter(f.alerter)
	t.Cleanup(d.Close)
	return f
}

func (f *fixture) agent(t *testing.T, id string, class taxonomy.Class) {
	t.Helper()
	if _, err := f.d.RegisterAgent(context.Background(), registry.Agent{ID: id, Class: class}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) submit(t *testing.T, id string, labels ...string) {
	t.Helper()
	if _, err := f.d.Submit(context.Background(), tracker.Task{ID: id, Labels: labels}); err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
}

func (f *fixture) task(t *testing.T, id string) tracker.Task {
	t.Helper()
	task, err := f.tr.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task
}

func (f *fixture) agentState(t *testing.T, id string) registry.Agent {
	t.Helper()
	a, ok := f.reg.Get(id)
	if !ok {
		t.Fatalf("agent %s missing", id)
	}
	return a
}

// checkInvariants asserts the cross-store properties that must hold at any
// quiescent point.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	for _, a := range f.reg.List() {
		if (a.Availability == registry.Busy) != (a.CurrentTaskID != "") {
			t.Errorf("agent %s: availability=%s current_task=%q", a.ID, a.Availability, a.CurrentTaskID)
		}
	}
	owners := map[string]string{}
	for _, task := range f.tr.List(tracker.Filter{}) {
		if task.State.Terminal() {
			if (len(task.Result) > 0) == (task.FailureReason != "") {
				t.Errorf("terminal task %s: result=%s failure_reason=%q", task.ID, task.Result, task.FailureReason)
			}
			continue
		}
		if task.AssignedAgentID == "" {
			continue
		}
		if other, dup := owners[task.AssignedAgentID]; dup {
			t.Errorf("agent %s assigned to both %s and %s", task.AssignedAgentID, other, task.ID)
		}
		owners[task.AssignedAgentID] = task.ID
	}
}

func dispatchOnce(t *testing.T, d *Dispatcher) Result {
	t.Helper()
	res, err := d.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	return res
}

func TestScenarioAssign(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "T1", "bug")

	res := dispatchOnce(t, f.d)
	if res.Outcome != Assigned || res.AgentID != "A1" {
		t.Fatalf("result = %+v", res)
	}
	task := f.task(t, "T1")
	if task.State != tracker.Assigned || task.AssignedAgentID != "A1" || task.AssignedAt == nil {
		t.Errorf("task = %+v", task)
	}
	a := f.agentState(t, "A1")
	if a.Availability != registry.Busy || a.CurrentTaskID != "T1" {
		t.Errorf("agent = %+v", a)
	}
	f.checkInvariants(t)

	f.d.Flush()
	types := f.publisher.types()
	if len(types) != 3 || types[2] != events.TaskAssigned {
		t.Errorf("events = %v", types)
	}
}

func TestScenarioUnclassifiableBecomesUnassignable(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "T2", "unknown-label")

	for i := 1; i <= 2; i++ {
		res := dispatchOnce(t, f.d)
		if res.Outcome != Deferred || res.Attempts != i {
			t.Fatalf("pass %d: %+v", i, res)
		}
		if got := f.task(t, "T2").State; got != tracker.Created {
			t.Fatalf("pass %d: state = %s", i, got)
		}
	}
	res := dispatchOnce(t, f.d)
	if res.Outcome != Unassignable || res.Attempts != 3 {
		t.Fatalf("pass 3: %+v", res)
	}
	task := f.task(t, "T2")
	if task.State != tracker.Unassignable || task.FailureReason == "" {
		t.Errorf("task = %+v", task)
	}
	if f.d.Attempts("T2") != 0 {
		t.Errorf("attempt counter not cleared")
	}
	f.d.Flush()
	if len(f.alerter.alerts) != 1 || f.alerter.alerts[0].TaskID != "T2" {
		t.Errorf("alerts = %+v", f.alerter.alerts)
	}
	f.checkInvariants(t)
}

func TestRetryBoundIsExact(t *testing.T) {
	for _, max := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			f := newFixture(t, 0)
			f.d.opts.MaxAttempts = max
			f.submit(t, "T", "bug")

			for i := 1; i < max; i++ {
				if _, err := f.d.Pass(context.Background()); err != nil {
					t.Fatal(err)
				}
				if got := f.task(t, "T").State; got != tracker.Created {
					t.Fatalf("pass %d: state = %s", i, got)
				}
			}
			if _, err := f.d.Pass(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := f.task(t, "T").State; got != tracker.Unassignable {
				t.Fatalf("after %d passes state = %s", max, got)
			}
		})
	}
}

func TestScenarioBusyAgentDefers(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "T1", "bug")
	dispatchOnce(t, f.d)

	f.submit(t, "T3", "bug")
	res := dispatchOnce(t, f.d)
	if res.TaskID != "T3" || res.Outcome != Deferred {
		t.Fatalf("result = %+v", res)
	}
	if f.task(t, "T3").State != tracker.Created || f.d.Attempts("T3") != 1 {
		t.Errorf("T3 state=%s attempts=%d", f.task(t, "T3").State, f.d.Attempts("T3"))
	}
	f.checkInvariants(t)
}

func TestScenarioCompletionFreesAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "T1", "bug")
	dispatchOnce(t, f.d)
	f.submit(t, "T3", "bug")
	dispatchOnce(t, f.d)

	if _, err := f.d.ReportStart(ctx, "T1", "A1"); err != nil {
		t.Fatalf("ReportStart: %v", err)
	}
	if _, err := f.d.ReportCompletion(ctx, "T1", "A2", json.RawMessage(`{}`)); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Errorf("completion from another agent: err = %v", err)
	}
	done, err := f.d.ReportCompletion(ctx, "T1", "A1", json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}
	if done.State != tracker.Completed || string(done.Result) != `{"ok":true}` {
		t.Errorf("T1 = %+v", done)
	}
	if a := f.agentState(t, "A1"); a.Availability != registry.Idle {
		t.Errorf("A1 = %+v", a)
	}

	res := dispatchOnce(t, f.d)
	if res.TaskID != "T3" || res.AgentID != "A1" || res.Outcome != Assigned {
		t.Fatalf("result = %+v", res)
	}
	if f.d.Attempts("T3") != 0 {
		t.Error("attempts not cleared on assignment")
	}
	f.checkInvariants(t)
}

func TestScenarioAmbiguousIsImmediate(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.agent(t, "Q1", taxonomy.QA)
	f.submit(t, "T", "bug", "urgent")

	res := dispatchOnce(t, f.d)
	if res.Outcome != Unassignable || res.Attempts != 0 {
		t.Fatalf("result = %+v", res)
	}
	task := f.task(t, "T")
	if task.State != tracker.Unassignable {
		t.Errorf("state = %s", task.State)
	}
	if !strings.Contains(task.FailureReason, "different capability classes") {
		t.Errorf("failure reason = %q", task.FailureReason)
	}
	for _, id := range []string{"A1", "Q1"} {
		if a := f.agentState(t, id); a.Availability != registry.Idle {
			t.Errorf("%s touched: %+v", id, a)
		}
	}
}

func TestScenarioOfflineFailsOwnedTask(t *testing.T) {
	ctx := context.Background()

	t.Run("re-queued while budget remains", func(t *testing.T) {
		f := newFixture(t, 1)
		f.agent(t, "A1", taxonomy.Developer)
		f.submit(t, "T4", "bug")
		dispatchOnce(t, f.d)
		if _, err := f.d.ReportStart(ctx, "T4", "A1"); err != nil {
			t.Fatal(err)
		}

		owned, err := f.d.MarkOffline(ctx, "A1")
		if err != nil {
			t.Fatalf("MarkOffline: %v", err)
		}
		if owned != "T4" {
			t.Errorf("owned = %q", owned)
		}
		task := f.task(t, "T4")
		if task.State != tracker.Created || task.AssignedAgentID != "" || task.Failures != 1 {
			t.Errorf("task = %+v", task)
		}
		last := task.History[len(task.History)-2]
		if last.To != tracker.Failed || last.Reason != ReasonAgentOffline {
			t.Errorf("history = %+v", task.History)
		}
		if a := f.agentState(t, "A1"); a.Availability != registry.Offline {
			t.Errorf("agent = %+v", a)
		}
		f.checkInvariants(t)
	})

	t.Run("terminal when budget is spent", func(t *testing.T) {
		f := newFixture(t, 0)
		f.agent(t, "A1", taxonomy.Developer)
		f.submit(t, "T4", "bug")
		dispatchOnce(t, f.d)
		_, _ = f.d.ReportStart(ctx, "T4", "A1")

		if _, err := f.d.MarkOffline(ctx, "A1"); err != nil {
			t.Fatal(err)
		}
		task := f.task(t, "T4")
		if task.State != tracker.Failed || task.FailureReason != ReasonAgentOffline {
			t.Errorf("task = %+v", task)
		}
		f.checkInvariants(t)
	})
}

func TestReportFailureReleasesAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "T", "bug")
	dispatchOnce(t, f.d)

	if _, err := f.d.ReportFailure(ctx, "T", "A2", "tests failed"); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Errorf("failure from another agent: err = %v", err)
	}
	if a := f.agentState(t, "A1"); a.Availability != registry.Busy {
		t.Errorf("agent released by a foreign report: %+v", a)
	}
	out, err := f.d.ReportFailure(ctx, "T", "A1", "tests failed")
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if !out.Requeued || out.AgentID != "A1" {
		t.Errorf("outcome = %+v", out)
	}
	if a := f.agentState(t, "A1"); a.Availability != registry.Idle {
		t.Errorf("agent = %+v", a)
	}

	res := dispatchOnce(t, f.d)
	if res.Outcome != Assigned {
		t.Fatalf("redispatch = %+v", res)
	}
	out, err = f.d.ReportFailure(ctx, "T", "", "tests failed")
	if err != nil {
		t.Fatal(err)
	}
	if out.Requeued || out.Task.State != tracker.Failed {
		t.Errorf("outcome = %+v", out)
	}
	f.d.Flush()
	if len(f.alerter.alerts) != 1 {
		t.Errorf("alerts = %+v", f.alerter.alerts)
	}
	f.checkInvariants(t)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "running", "bug")
	dispatchOnce(t, f.d)
	f.submit(t, "queued", "bug")
	dispatchOnce(t, f.d)

	for _, id := range []string{"running", "queued"} {
		task, err := f.d.Cancel(ctx, id)
		if err != nil {
			t.Fatalf("Cancel %s: %v", id, err)
		}
		if task.State != tracker.Failed || task.FailureReason != tracker.ReasonCancelled {
			t.Errorf("%s = %+v", id, task)
		}
	}
	if a := f.agentState(t, "A1"); a.Availability != registry.Idle {
		t.Errorf("agent not released: %+v", a)
	}
	if f.d.Attempts("queued") != 0 {
		t.Error("attempts kept for cancelled task")
	}
	if _, err := f.d.Cancel(ctx, "running"); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Errorf("second cancel: err = %v", err)
	}
	f.checkInvariants(t)
}

func TestPriorityOrder(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "O1", taxonomy.Operations)
	f.agent(t, "D1", taxonomy.Developer)
	f.submit(t, "bug-1", "bug")
	f.submit(t, "bug-2", "bug")
	f.submit(t, "incident", "incident")

	rep, err := f.d.Pass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, r := range rep.Results {
		order = append(order, r.TaskID)
	}
	if len(order) != 3 || order[0] != "incident" || order[1] != "bug-1" || order[2] != "bug-2" {
		t.Fatalf("order = %v", order)
	}
	if f.task(t, "bug-1").AssignedAgentID != "D1" || f.task(t, "bug-2").State != tracker.Created {
		t.Errorf("fairness within tier broken")
	}
	if rep.Counts[Assigned] != 2 || rep.Counts[Deferred] != 1 {
		t.Errorf("counts = %v", rep.Counts)
	}
}

func TestEmptyQueue(t *testing.T) {
	f := newFixture(t, 0)
	if res := dispatchOnce(t, f.d); res.Outcome != Empty {
		t.Errorf("result = %+v", res)
	}
}

// refusingTasks wraps a tracker and refuses every assignment.
type refusingTasks struct {
	*tracker.Tracker
}

func (refusingTasks) RecordAssignment(string, string) error {
	return errors.New("storage glitch")
}

func TestInconsistencyRollsBack(t *testing.T) {
	tax := testTaxonomy(t)
	reg := registry.New(zap.NewNop())
	tr := tracker.New(tax, 0, zap.NewNop())
	alerts := &recordingAlerter{}
	d := New(tax, reg, refusingTasks{tr}, Options{MaxAttempts: 3}, zap.NewNop())
	d.SetAlerter(alerts)
	t.Cleanup(d.Close)

	_, _ = reg.Register(registry.Agent{ID: "A1", Class: taxonomy.Developer})
	_, _ = tr.Create(tracker.Task{ID: "T", Labels: []string{"bug"}})

	res, err := d.DispatchNext(context.Background())
	if !errors.Is(err, ErrDispatchInconsistency) {
		t.Fatalf("err = %v", err)
	}
	if res.Outcome != Inconsistent {
		t.Errorf("result = %+v", res)
	}
	if a, _ := reg.Get("A1"); a.Availability != registry.Idle || a.CurrentTaskID != "" {
		t.Errorf("agent not rolled back: %+v", a)
	}
	if task, _ := tr.Get("T"); task.State != tracker.Created {
		t.Errorf("task = %+v", task)
	}
	d.Flush()
	if len(alerts.alerts) != 1 || alerts.alerts[0].Level != notify.Critical {
		t.Errorf("alerts = %+v", alerts.alerts)
	}

	// One bad task must not stop the rest of a pass.
	_, _ = tr.Create(tracker.Task{ID: "U", Labels: []string{"nothing"}})
	rep, err := d.Pass(context.Background())
	if !errors.Is(err, ErrDispatchInconsistency) {
		t.Errorf("pass err = %v", err)
	}
	if rep.Counts[Deferred] != 1 || rep.Counts[Inconsistent] != 1 {
		t.Errorf("counts = %v", rep.Counts)
	}
}

// stealingAgents marks the chosen agent busy elsewhere just before the
// dispatcher claims it, once.
type stealingAgents struct {
	*registry.Registry
	once sync.Once
}

func (s *stealingAgents) MarkBusy(agentID, taskID string) error {
	s.once.Do(func() { _ = s.Registry.MarkBusy(agentID, "stolen") })
	return s.Registry.MarkBusy(agentID, taskID)
}

func TestContentionRetriesOnce(t *testing.T) {
	tax := testTaxonomy(t)
	reg := registry.New(zap.NewNop())
	tr := tracker.New(tax, 0, zap.NewNop())
	agents := &stealingAgents{Registry: reg}
	d := New(tax, agents, tr, Options{MaxAttempts: 3}, zap.NewNop())

	_, _ = reg.Register(registry.Agent{ID: "A1", Class: taxonomy.Developer})
	_, _ = reg.Register(registry.Agent{ID: "A2", Class: taxonomy.Developer})
	_, _ = tr.Create(tracker.Task{ID: "T", Labels: []string{"bug"}})

	res := dispatchOnce(t, d)
	if res.Outcome != Assigned || res.AgentID != "A2" {
		t.Fatalf("result = %+v", res)
	}

	// With a single agent the second resolution finds nobody: the task
	// stays Created and no attempt is consumed.
	reg2 := registry.New(zap.NewNop())
	tr2 := tracker.New(tax, 0, zap.NewNop())
	d2 := New(tax, &stealingAgents{Registry: reg2}, tr2, Options{MaxAttempts: 3}, zap.NewNop())
	_, _ = reg2.Register(registry.Agent{ID: "A1", Class: taxonomy.Developer})
	_, _ = tr2.Create(tracker.Task{ID: "T", Labels: []string{"bug"}})

	res = dispatchOnce(t, d2)
	if res.Outcome != Contended {
		t.Fatalf("result = %+v", res)
	}
	if task, _ := tr2.Get("T"); task.State != tracker.Created {
		t.Errorf("state = %s", task.State)
	}
	if d2.Attempts("T") != 0 {
		t.Errorf("attempts = %d, contention must not count", d2.Attempts("T"))
	}
}

func TestConcurrentDispatchersNeverDoubleAssign(t *testing.T) {
	tax := testTaxonomy(t)
	reg := registry.New(zap.NewNop())
	tr := tracker.New(tax, 0, zap.NewNop())
	for i := 0; i < 4; i++ {
		_, _ = reg.Register(registry.Agent{ID: fmt.Sprintf("A%d", i), Class: taxonomy.Developer})
	}
	for i := 0; i < 20; i++ {
		_, _ = tr.Create(tracker.Task{ID: fmt.Sprintf("T%02d", i), Labels: []string{"bug"}})
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		d := New(tax, reg, tr, Options{MaxAttempts: 100}, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := d.Pass(context.Background()); err != nil {
					t.Errorf("pass: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	f := &fixture{reg: reg, tr: tr}
	f.checkInvariants(t)
	if n := len(tr.List(tracker.Filter{State: tracker.Assigned})); n != 4 {
		t.Errorf("assigned = %d, want 4", n)
	}
	if c := reg.Counts(); c[registry.Busy] != 4 {
		t.Errorf("busy = %d, want 4", c[registry.Busy])
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.agent(t, "A2", taxonomy.Developer)
	f.submit(t, "T1", "bug")
	dispatchOnce(t, f.d)

	// Simulate a restart where A1's record was lost and A2 restored Busy on
	// a task that never reached the tracker.
	f.reg.Restore([]registry.Agent{
		{ID: "A1", Class: taxonomy.Developer, Availability: registry.Idle},
		{ID: "A2", Class: taxonomy.Developer, Availability: registry.Busy, CurrentTaskID: "ghost"},
	})

	if err := f.d.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if task := f.task(t, "T1"); task.State != tracker.Failed {
		t.Errorf("T1 = %+v", task)
	}
	if a := f.agentState(t, "A2"); a.Availability != registry.Idle {
		t.Errorf("A2 = %+v", a)
	}
	f.checkInvariants(t)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 0)
	f.agent(t, "A1", taxonomy.Developer)
	f.submit(t, "T1", "bug")

	f.d.Start()
	deadline := time.Now().Add(2 * time.Second)
	for f.task(t, "T1").State != tracker.Assigned {
		if time.Now().After(deadline) {
			f.d.Stop()
			t.Fatal("loop never assigned T1")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.d.Stop()
	f.d.Stop()
}

// offliningAgents takes the agent offline right after the dispatcher
// claims it, once, as an operator racing the assignment would.
type offliningAgents struct {
	*registry.Registry
	d     *Dispatcher
	once  sync.Once
	owned string
	err   error
}

func (o *offliningAgents) MarkBusy(agentID, taskID string) error {
	if err := o.Registry.MarkBusy(agentID, taskID); err != nil {
		return err
	}
	o.once.Do(func() { o.owned, o.err = o.d.MarkOffline(context.Background(), agentID) })
	return nil
}

func TestOfflineDuringAssignment(t *testing.T) {
	for _, budget := range []int{0, 1} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			tax := testTaxonomy(t)
			reg := registry.New(zap.NewNop())
			tr := tracker.New(tax, budget, zap.NewNop())
			agents := &offliningAgents{Registry: reg}
			alerts := &recordingAlerter{}
			d := New(tax, agents, tr, Options{MaxAttempts: 3}, zap.NewNop())
			d.SetAlerter(alerts)
			t.Cleanup(d.Close)
			agents.d = d

			_, _ = reg.Register(registry.Agent{ID: "A1", Class: taxonomy.Developer})
			_, _ = tr.Create(tracker.Task{ID: "T", Labels: []string{"bug"}})

			res := dispatchOnce(t, d)
			if res.Outcome != Contended || res.Reason != ReasonAgentOffline {
				t.Fatalf("result = %+v", res)
			}
			if agents.err != nil || agents.owned != "T" {
				t.Errorf("MarkOffline = %q, %v", agents.owned, agents.err)
			}

			a, _ := reg.Get("A1")
			if a.Availability != registry.Offline || a.CurrentTaskID != "" {
				t.Errorf("agent = %+v", a)
			}
			task, _ := tr.Get("T")
			if task.Failures != 1 {
				t.Errorf("failures = %d, want 1", task.Failures)
			}
			if budget > 0 {
				if task.State != tracker.Created || task.AssignedAgentID != "" {
					t.Errorf("task = %+v", task)
				}
			} else if task.State != tracker.Failed || task.FailureReason != ReasonAgentOffline {
				t.Errorf("task = %+v", task)
			}
			f := &fixture{reg: reg, tr: tr}
			f.checkInvariants(t)

			d.Flush()
			wantAlerts := 0
			if budget == 0 {
				wantAlerts = 1
			}
			if len(alerts.alerts) != wantAlerts {
				t.Errorf("alerts = %+v", alerts.alerts)
			}
		})
	}
}

// stallingAlerter blocks every send until its context expires.
type stallingAlerter struct {
	mu   sync.Mutex
	errs []error
}

func (s *stallingAlerter) Send(ctx context.Context, _ notify.Alert) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ctx.Err())
	return ctx.Err()
}

func TestSlowAlerterDoesNotStallPass(t *testing.T) {
	tax := testTaxonomy(t)
	reg := registry.New(zap.NewNop())
	tr := tracker.New(tax, 0, zap.NewNop())
	alerts := &stallingAlerter{}
	d := New(tax, reg, tr, Options{MaxAttempts: 3, DeliveryTimeout: 20 * time.Millisecond}, zap.NewNop())
	d.SetAlerter(alerts)
	t.Cleanup(d.Close)

	_, _ = reg.Register(registry.Agent{ID: "A1", Class: taxonomy.Developer})
	_, _ = reg.Register(registry.Agent{ID: "Q1", Class: taxonomy.QA})
	for i := 0; i < 3; i++ {
		_, _ = tr.Create(tracker.Task{ID: fmt.Sprintf("T%d", i), Labels: []string{"bug", "urgent"}})
	}

	passed := make(chan Report, 1)
	go func() {
		rep, _ := d.Pass(context.Background())
		passed <- rep
	}()
	select {
	case rep := <-passed:
		if rep.Counts[Unassignable] != 3 {
			t.Errorf("counts = %v", rep.Counts)
		}
	case <-time.After(time.Second):
		t.Fatal("pass blocked on alert delivery")
	}

	d.Flush()
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.errs) != 3 {
		t.Fatalf("sends = %d, want 3", len(alerts.errs))
	}
	for _, err := range alerts.errs {
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("send ended with %v, want deadline", err)
		}
	}
}
