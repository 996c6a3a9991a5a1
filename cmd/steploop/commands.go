package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/steploop/internal/agentloop"
	"github.com/nugget/steploop/internal/config"
	"github.com/nugget/steploop/internal/report"
	"github.com/nugget/steploop/internal/runner"
	"github.com/nugget/steploop/internal/store"
)

// shutdownTimeout bounds releasing resources after a command finishes.
const shutdownTimeout = 10 * time.Second

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// runTask handles "steploop run". The first interrupt sets the stop
// signal for the task's session so it winds down at the next step
// boundary; a second interrupt cancels the context.
func runTask(ctx context.Context, stdout, stderr io.Writer, g globalFlags, args []string) error {
	fs := newFlagSet("run", stderr)
	session := fs.String("session", "", "session ID (default: random)")
	maxSteps := fs.Int("max-steps", 0, "override loop.max_steps")
	stream := fs.Bool("stream", false, "print model tokens as they arrive (text output only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" {
		return errors.New("usage: steploop run [-session id] [-max-steps n] <goal...>")
	}
	if *maxSteps < 0 {
		return fmt.Errorf("-max-steps must not be negative, got %d", *maxSteps)
	}

	cfg, logger, err := loadConfig(g.configPath, stderr)
	if err != nil {
		return err
	}

	sessionID := *session
	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdout = &syncWriter{w: stdout}
	opts := appOptions{maxSteps: *maxSteps}
	if *stream && g.outputFmt == "text" {
		opts.stream = tokenPrinter(stdout)
	}
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if g.outputFmt == "text" {
		stopProgress := followProgress(a.bus, stdout)
		defer stopProgress()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go watchInterrupts(ctx, sigCh,
		func() {
			a.stops.Set(sessionID)
			fmt.Fprintln(stderr, "stopping after the current step (interrupt again to cancel)")
		},
		cancel,
	)

	res, err := a.orch.Execute(ctx, goal, agentloop.Session{ID: sessionID})
	if err != nil {
		return err
	}
	saveHistory(ctx, a, logger, res)

	if g.outputFmt == "json" {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else {
		printResult(stdout, res)
	}
	if res.Status != agentloop.StatusCompleted {
		return fmt.Errorf("task %s %s", res.TaskID, res.Status)
	}
	return nil
}

// watchInterrupts calls first on the first signal and second on the
// next one. It returns after the second signal or when ctx ends.
func watchInterrupts(ctx context.Context, sigs <-chan os.Signal, first, second func()) {
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			seen++
			if seen == 1 {
				first()
				continue
			}
			second()
			return
		}
	}
}

// runBatch handles "steploop batch". Interrupting cancels the batch:
// running tasks end as cancelled and unstarted goals are skipped.
func runBatch(ctx context.Context, stdout, stderr io.Writer, g globalFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: steploop batch <goals.yaml>")
	}
	goals, err := runner.LoadGoals(args[0])
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(g.configPath, stderr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer closeApp(a)

	sum, runErr := runner.New(a.orch, cfg.Batch.Concurrency, a.bus, logger).Run(ctx, goals)
	for _, o := range sum.Outcomes {
		if o.Result != nil {
			saveHistory(ctx, a, logger, o.Result)
		}
	}

	if g.outputFmt == "json" {
		if err := writeJSON(stdout, batchJSON(sum)); err != nil {
			return err
		}
	} else {
		printBatch(stdout, sum)
	}
	if runErr != nil {
		return runErr
	}
	if sum.Failed > 0 || sum.Cancelled > 0 {
		return fmt.Errorf("%d of %d goals did not complete", sum.Failed+sum.Cancelled, len(goals))
	}
	return nil
}

// runTasks handles "steploop tasks".
func runTasks(ctx context.Context, stdout, stderr io.Writer, g globalFlags, args []string) error {
	fs := newFlagSet("tasks", stderr)
	limit := fs.Int("limit", 20, "maximum tasks to list (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ts, _, err := openStore(g.configPath, stderr)
	if err != nil {
		return err
	}
	defer ts.Close()

	tasks, err := ts.List(ctx, *limit)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if g.outputFmt == "json" {
		if tasks == nil {
			tasks = []*store.Record{}
		}
		return writeJSON(stdout, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(stdout, "No tasks.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTEPS\tCREATED\tGOAL")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Status, t.CurrentStep, t.MaxSteps,
			t.CreatedAt.Local().Format(time.DateTime), clip(t.Goal, 60))
	}
	return tw.Flush()
}

// runSteps handles "steploop steps <task-id>".
func runSteps(ctx context.Context, stdout, stderr io.Writer, g globalFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: steploop steps <task-id>")
	}
	ts, _, err := openStore(g.configPath, stderr)
	if err != nil {
		return err
	}
	defer ts.Close()

	if _, err := ts.Get(ctx, args[0]); err != nil {
		return fmt.Errorf("task %s: %w", args[0], err)
	}
	steps, err := ts.Steps(ctx, args[0])
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	if g.outputFmt == "json" {
		if steps == nil {
			steps = []*store.StepRecord{}
		}
		return writeJSON(stdout, steps)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tDURATION\tRESPONSE")
	for _, s := range steps {
		action := s.ToolName
		switch {
		case s.IsFinal:
			action = "final"
		case action == "":
			action = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Number, action, s.Duration.Round(time.Millisecond), clip(s.Response, 70))
	}
	return tw.Flush()
}

// runReport handles "steploop report [-html] <task-id>".
func runReport(ctx context.Context, stdout, stderr io.Writer, g globalFlags, args []string) error {
	fs := newFlagSet("report", stderr)
	asHTML := fs.Bool("html", false, "render HTML instead of Markdown")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: steploop report [-html] <task-id>")
	}
	id := fs.Arg(0)

	ts, _, err := openStore(g.configPath, stderr)
	if err != nil {
		return err
	}
	defer ts.Close()

	task, err := ts.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	steps, err := ts.Steps(ctx, id)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	if !*asHTML {
		_, err := io.WriteString(stdout, report.Markdown(task, steps))
		return err
	}
	html, err := report.HTML(task, steps)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, html)
	return err
}

func openStore(configPath string, stderr io.Writer) (*store.TaskStore, *config.Config, error) {
	cfg, _, err := loadConfig(configPath, stderr)
	if err != nil {
		return nil, nil, err
	}
	ts, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return ts, cfg, nil
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}

// saveHistory stores the final blackboard history next to the task.
func saveHistory(ctx context.Context, a *app, logger *slog.Logger, res *agentloop.TaskResult) {
	if err := a.store.SaveHistory(context.WithoutCancel(ctx), res.TaskID, res.History); err != nil {
		logger.Warn("failed to save task history", "task_id", res.TaskID, "error", err)
	}
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
