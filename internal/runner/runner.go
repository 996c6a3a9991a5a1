// Package runner executes many goals with bounded concurrency. Each
// goal is an independent task with its own session; a failing task
// never stops the others.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/nugget/steploop/internal/agentloop"
	"github.com/nugget/steploop/internal/events"
)

// Executor runs one task. *agentloop.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, goal string, sess agentloop.Session) (*agentloop.TaskResult, error)
}

// Goal is one entry of a batch file.
type Goal struct {
	Goal    string         `yaml:"goal"`
	Session string         `yaml:"session,omitempty"`
	State   map[string]any `yaml:"state,omitempty"`
	Context map[string]any `yaml:"context,omitempty"`
}

type goalsFile struct {
	Goals []Goal `yaml:"goals"`
}

// LoadGoals reads a YAML batch file with a top-level goals list.
// Environment variables are expanded before decoding.
func LoadGoals(path string) ([]Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f goalsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Goals) == 0 {
		return nil, fmt.Errorf("%s: no goals", path)
	}
	for i, g := range f.Goals {
		if strings.TrimSpace(g.Goal) == "" {
			return nil, fmt.Errorf("%s: goal %d is empty", path, i+1)
		}
	}
	return f.Goals, nil
}

// Outcome is the result of one goal. Result is nil when the goal never
// ran, because the batch was cancelled first or Execute rejected it.
type Outcome struct {
	Goal   Goal
	Result *agentloop.TaskResult
	Err    error
}

// Summary collects every outcome in input order.
type Summary struct {
	Outcomes  []Outcome
	Completed int
	Failed    int
	Cancelled int
	Elapsed   time.Duration
}

// Runner bounds how many tasks execute at once.
type Runner struct {
	exec   Executor
	sem    *semaphore.Weighted
	limit  int
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a runner allowing concurrency simultaneous tasks. Values
// below 1 are treated as 1.
func New(exec Executor, concurrency int, bus *events.Bus, logger *slog.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		exec:   exec,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		limit:  concurrency,
		bus:    bus,
		logger: logger.With("component", "runner"),
	}
}

// Run executes goals and waits for all started tasks to finish. Goals
// not yet started when ctx ends are reported as cancelled and Run
// returns ctx's error alongside the partial summary.
func (r *Runner) Run(ctx context.Context, goals []Goal) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Outcomes: make([]Outcome, len(goals))}
	for i, g := range goals {
		sum.Outcomes[i].Goal = g
	}

	r.logger.Info("batch started", "goals", len(goals), "concurrency", r.limit)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	next := 0
	for ; next < len(goals); next++ {
		if err := r.sem.Acquire(gctx, 1); err != nil {
			break
		}
		i := next
		goal := goals[i]
		g.Go(func() error {
			defer r.sem.Release(1)
			res, err := r.exec.Execute(gctx, goal.Goal, agentloop.Session{
				ID:               sessionFor(goal, i),
				InitialState:     goal.State,
				ContextVariables: goal.Context,
			})
			mu.Lock()
			sum.Outcomes[i].Result = res
			sum.Outcomes[i].Err = err
			mu.Unlock()
			if err != nil {
				r.logger.Warn("batch goal rejected", "index", i+1, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	skipped := ctx.Err()
	for i := next; i < len(goals); i++ {
		sum.Outcomes[i].Err = skipped
	}
	sum.Elapsed = time.Since(start)
	sum.tally()

	r.logger.Info("batch finished",
		"goals", len(goals),
		"completed", sum.Completed,
		"failed", sum.Failed,
		"cancelled", sum.Cancelled,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	)
	r.bus.Emit(events.SourceRunner, events.KindBatchDone, map[string]any{
		"total":      len(goals),
		"completed":  sum.Completed,
		"failed":     sum.Failed,
		"cancelled":  sum.Cancelled,
		"elapsed_ms": sum.Elapsed.Milliseconds(),
	})

	if skipped != nil && next < len(goals) {
		return sum, fmt.Errorf("batch interrupted after %d of %d goals: %w", next, len(goals), skipped)
	}
	return sum, nil
}

func (s *Summary) tally() {
	for _, o := range s.Outcomes {
		switch {
		case o.Result != nil && o.Result.Status == agentloop.StatusCompleted:
			s.Completed++
		case o.Result != nil && o.Result.Status == agentloop.StatusCancelled,
			o.Result == nil && (errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded)):
			s.Cancelled++
		default:
			s.Failed++
		}
	}
}

func sessionFor(g Goal, i int) string {
	if g.Session != "" {
		return g.Session
	}
	return fmt.Sprintf("batch-%d", i+1)
}
