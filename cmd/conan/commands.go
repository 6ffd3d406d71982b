package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/Conan/internal/log"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/service"
	"github.com/CZERTAINLY/Conan/internal/task"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and serves submitted and daemon tasks until interrupted",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var submitCmd = &cobra.Command{
	Use:   "submit <pipeline> <name=value>...",
	Short: "submit creates a task and runs it in the foreground, with --queue a running service executes it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doSubmit,
}

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "pipelines lists the pipelines in display order",
	Args:  cobra.NoArgs,
	RunE:  doPipelines,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "tasks lists stored tasks",
	Args:  cobra.NoArgs,
	RunE:  doTasks,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "daemon shows the daemon user, --email changes where its notifications go",
	Args:  cobra.NoArgs,
	RunE:  doDaemon,
}

func addSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().String("user", "", "submitting user, the built in administrator by default")
	cmd.Flags().String("priority", task.Medium.String(), "task priority: lowest, low, medium, high or highest")
	cmd.Flags().Int("start", 0, "index of the first process to run")
	cmd.Flags().Bool("queue", false, "leave the task to a running conan service instead of running it")
}

func addTasksFlags(cmd *cobra.Command) {
	cmd.Flags().String("sort", task.SortByCreation.String(), "sort key: creation, name, priority, state or submitter")
	cmd.Flags().StringSlice("state", nil, "list tasks in the given states only")
	cmd.Flags().String("pipeline", "", "list tasks of the pipeline only")
	cmd.Flags().String("submitter", "", "list tasks of the submitter only")
}

func supervisor(ctx context.Context, name string) (*service.Supervisor, context.Context, error) {
	ctx = log.ContextAttrs(ctx, slog.Group("conan",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
	s, err := service.NewSupervisor(ctx, config)
	if err != nil {
		return nil, ctx, err
	}
	return s, ctx, nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	s, ctx, err := supervisor(cmd.Context(), "run")
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	return s.Do(ctx)
}

func doSubmit(cmd *cobra.Command, args []string) error {
	values, err := parseValues(args[1:])
	if err != nil {
		return err
	}
	prio, err := cmd.Flags().GetString("priority")
	if err != nil {
		return err
	}
	priority, err := task.ParsePriority(prio)
	if err != nil {
		return err
	}
	first, err := cmd.Flags().GetInt("start")
	if err != nil {
		return err
	}
	userName, err := cmd.Flags().GetString("user")
	if err != nil {
		return err
	}
	queue, err := cmd.Flags().GetBool("queue")
	if err != nil {
		return err
	}

	s, ctx, err := supervisor(cmd.Context(), "submit")
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	user, err := s.User(ctx, userName)
	if err != nil {
		return err
	}
	run := s.RunTask
	if queue {
		run = s.Queue
	}
	t, err := run(ctx, user, args[0], first, values, priority)
	if t != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID(), t.State(), t.StatusMessage())
	}
	return err
}

// parseValues reads name=value arguments.
func parseValues(args []string) (pipeline.Values, error) {
	values := make(pipeline.Values, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		values[name] = value
	}
	return values, nil
}

func doPipelines(cmd *cobra.Command, _ []string) error {
	s, ctx, err := supervisor(cmd.Context(), "pipelines")
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	user, err := s.User(ctx, "")
	if err != nil {
		return err
	}
	pipelines, err := s.Pipelines(ctx, user)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATOR\tPRIVATE\tDAEMONIZED\tPROCESSES\tPARAMETERS")
	for _, p := range pipelines {
		procs := make([]string, 0, p.Len())
		for _, proc := range p.Processes() {
			procs = append(procs, proc.Name())
		}
		params := make([]string, 0)
		for _, param := range p.AllRequiredParameters() {
			params = append(params, param.Name)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n", p.Name(), p.Creator().Name, p.IsPrivate(), p.IsDaemonized(),
			strings.Join(procs, ","), strings.Join(params, ","))
	}
	return w.Flush()
}

func doTasks(cmd *cobra.Command, _ []string) error {
	sort, err := cmd.Flags().GetString("sort")
	if err != nil {
		return err
	}
	key, err := task.ParseSortKey(sort)
	if err != nil {
		return err
	}
	var f task.Filter
	states, err := cmd.Flags().GetStringSlice("state")
	if err != nil {
		return err
	}
	for _, s := range states {
		state, err := task.ParseState(s)
		if err != nil {
			return err
		}
		f.States = append(f.States, state)
	}
	if f.Pipeline, err = cmd.Flags().GetString("pipeline"); err != nil {
		return err
	}
	if f.Submitter, err = cmd.Flags().GetString("submitter"); err != nil {
		return err
	}

	s, ctx, err := supervisor(cmd.Context(), "tasks")
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	tasks, err := s.Tasks(ctx, f, key)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPIPELINE\tSTATE\tPRIORITY\tSUBMITTER\tCREATED\tSTATUS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", t.ID(), t.Name(), t.Pipeline().Name(), t.State(),
			t.Priority(), t.Submitter().Name, t.CreationDate().Format(time.DateTime), t.StatusMessage())
	}
	return w.Flush()
}

func doDaemon(cmd *cobra.Command, _ []string) error {
	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}
	s, ctx, err := supervisor(cmd.Context(), "daemon")
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	if email != "" {
		if err := s.Daemon().SetNotificationEmailAddress(ctx, email); err != nil {
			return err
		}
	}
	u, err := s.Daemon().DaemonUser(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nemail: %s\npermission: %s\n", u.Name, u.Email, u.Permission)
	return nil
}
