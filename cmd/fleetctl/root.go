package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/nidhogg/fleet/internal/api"
	"github.com/nidhogg/fleet/internal/dispatch"
	"github.com/nidhogg/fleet/internal/events"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/tracker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL string
	redisURL  string

	taskState  string
	taskAgent  string
	submitID   string
	submitName string
	labels     []string
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operate a fleet task dispatcher",
	Long: `fleetctl inspects and steers a running fleet server.

It lists agents and tasks, submits labelled work, takes agents offline
and back online, cancels tasks, forces a dispatch pass and tails the
event stream.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FLEET_SERVER", "http://localhost:8080"), "fleet server base URL")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", os.Getenv("REDIS_URL"), "Redis URL for watch")

	tasksCmd.Flags().StringVar(&taskState, "state", "", "only tasks in this state")
	tasksCmd.Flags().StringVar(&taskAgent, "agent", "", "only tasks assigned to this agent")

	submitCmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "task label (repeatable)")
	submitCmd.Flags().StringVar(&submitID, "id", "", "task id (generated when empty)")
	submitCmd.Flags().StringVar(&submitName, "title", "", "task title")

	rootCmd.AddCommand(statusCmd, agentsCmd, tasksCmd, submitCmd,
		offlineCmd, onlineCmd, cancelCmd, dispatchCmd, watchCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task and agent counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var s api.StatusResponse
		if err := newClient(serverURL).get(cmd.Context(), "/api/status", &s); err != nil {
			return err
		}
		fmt.Printf("dispatch every %s, max attempts %d, retry budget %d\n\n",
			s.Interval, s.MaxAttempts, s.RetryBudget)

		fmt.Println(color.New(color.Bold).Sprint("Tasks"))
		for _, st := range []tracker.State{tracker.Created, tracker.Assigned, tracker.InProgress,
			tracker.Completed, tracker.Failed, tracker.Unassignable} {
			fmt.Printf("  %-24s %d\n", stateColor(st).Sprint(st), s.Tasks[st])
		}
		fmt.Println(color.New(color.Bold).Sprint("Agents"))
		for _, av := range []registry.Availability{registry.Idle, registry.Busy, registry.Offline} {
			fmt.Printf("  %-24s %d\n", availabilityColor(av).Sprint(av), s.Agents[av])
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		var agents []registry.Agent
		if err := newClient(serverURL).get(cmd.Context(), "/api/agents", &agents); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCLASS\tSTATE\tTASK")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Class,
				availabilityColor(a.Availability).Sprint(a.Availability), dash(a.CurrentTaskID))
		}
		return w.Flush()
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/tasks"
		var q []string
		if taskState != "" {
			if _, err := tracker.ParseState(taskState); err != nil {
				return err
			}
			q = append(q, "state="+taskState)
		}
		if taskAgent != "" {
			q = append(q, "agent="+taskAgent)
		}
		if len(q) > 0 {
			path += "?" + strings.Join(q, "&")
		}

		var tasks []tracker.Task
		if err := newClient(serverURL).get(cmd.Context(), path, &tasks); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIO\tSTATE\tAGENT\tLABELS\tREASON")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Priority,
				stateColor(t.State).Sprint(t.State), dash(t.AssignedAgentID),
				strings.Join(t.Labels, ","), t.FailureReason)
		}
		return w.Flush()
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a labelled task",
	RunE: func(cmd *cobra.Command, args []string) error {
		var t tracker.Task
		err := newClient(serverURL).post(cmd.Context(), "/api/tasks", map[string]interface{}{
			"id":     submitID,
			"title":  submitName,
			"labels": labels,
		}, &t)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("submitted %s (%s, labels %s)", t.ID, t.Priority, strings.Join(t.Labels, ",")), color.FgGreen)
		return nil
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline <agent>",
	Short: "Take an agent offline, failing any task it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]string
		if err := newClient(serverURL).post(cmd.Context(), "/api/agents/"+args[0]+"/offline", nil, &resp); err != nil {
			return err
		}
		printStatus("✓", args[0]+" is offline", color.FgGreen)
		if id := resp["failed_task_id"]; id != "" {
			printStatus("⚠", "task "+id+" failed: "+dispatch.ReasonAgentOffline, color.FgYellow)
		}
		if w := resp["warning"]; w != "" {
			printStatus("⚠", w, color.FgYellow)
		}
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online <agent>",
	Short: "Return an offline agent to service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(serverURL).post(cmd.Context(), "/api/agents/"+args[0]+"/online", nil, nil); err != nil {
			return err
		}
		printStatus("✓", args[0]+" is idle", color.FgGreen)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task>",
	Short: "Cancel a task that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t tracker.Task
		if err := newClient(serverURL).post(cmd.Context(), "/api/tasks/"+args[0]+"/cancel", nil, &t); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("%s is %s", t.ID, t.State), color.FgGreen)
		return nil
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Force a dispatch pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var rep dispatch.Report
		if err := newClient(serverURL).post(cmd.Context(), "/api/dispatch", nil, &rep); err != nil {
			return err
		}
		outcomes := make([]string, 0, len(rep.Counts))
		for o := range rep.Counts {
			outcomes = append(outcomes, string(o))
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Printf("  %-14s %d\n", o, rep.Counts[dispatch.Outcome(o)])
		}
		for _, r := range rep.Results {
			if r.Outcome == dispatch.Assigned {
				printStatus("→", r.TaskID+" assigned to "+r.AgentID, color.FgGreen)
			} else if r.Reason != "" {
				printStatus("·", fmt.Sprintf("%s %s: %s", r.TaskID, r.Outcome, r.Reason), color.FgYellow)
			}
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [agent]",
	Short: "Tail the fleet event stream, or one agent's stream",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if redisURL == "" {
			return fmt.Errorf("--redis or REDIS_URL is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		bus, err := events.NewRedisBus(connectCtx, redisURL, zap.NewNop())
		cancel()
		if err != nil {
			return err
		}
		defer bus.Close()

		stream := events.FleetStream
		if len(args) == 1 {
			stream = events.AgentStream(args[0])
		}
		fmt.Printf("watching %s (ctrl-c to stop)\n", stream)
		for e := range bus.Subscribe(ctx, stream) {
			fmt.Printf("%s %-20s task=%s agent=%s %s\n",
				e.Timestamp.Local().Format("15:04:05"),
				eventColor(e.Type).Sprint(e.Type),
				dash(e.TaskID), dash(e.AgentID), e.Reason)
		}
		return nil
	},
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stateColor(s tracker.State) *color.Color {
	switch s {
	case tracker.Completed:
		return color.New(color.FgGreen)
	case tracker.Failed, tracker.Unassignable:
		return color.New(color.FgRed)
	case tracker.Assigned, tracker.InProgress:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

func availabilityColor(a registry.Availability) *color.Color {
	switch a {
	case registry.Idle:
		return color.New(color.FgGreen)
	case registry.Busy:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

func eventColor(t events.Type) *color.Color {
	switch t {
	case events.TaskCompleted, events.AgentOnline:
		return color.New(color.FgGreen)
	case events.TaskFailed, events.TaskUnassignable, events.AgentOffline:
		return color.New(color.FgRed)
	case events.TaskRequeued, events.TaskCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
