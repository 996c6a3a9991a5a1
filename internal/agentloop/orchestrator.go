// Package agentloop drives a multi-step task to completion. Each step is
// an independent model call: the model sees the goal, a short window of
// step summaries from the blackboard, and the current state, never the
// raw output of earlier tool calls. The model either requests tools,
// whose results are summarized back onto the blackboard, or answers,
// which ends the task.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nugget/steploop/internal/blackboard"
	"github.com/nugget/steploop/internal/events"
	"github.com/nugget/steploop/internal/llm"
	"github.com/nugget/steploop/internal/observability"
	"github.com/nugget/steploop/internal/stopsignal"
	"github.com/nugget/steploop/internal/tools"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxSteps                    = 500
	DefaultHistoryWindow               = 10
	DefaultMaxConsecutiveModelFailures = 3
)

// Config holds the loop parameters.
type Config struct {
	// Model is passed to the client on every step.
	Model string

	// MaxSteps bounds iterations. Zero means DefaultMaxSteps.
	MaxSteps int

	// HistoryWindow is the number of recent history entries shown to
	// the model. Zero means DefaultHistoryWindow.
	HistoryWindow int

	// MaxConsecutiveModelFailures fails the task after this many model
	// calls in a row have failed. Zero disables escalation, leaving the
	// step budget as the only bound.
	MaxConsecutiveModelFailures int

	// MaxHistory bounds each task's blackboard history. Zero means
	// blackboard.DefaultMaxHistory.
	MaxHistory int
}

// DefaultConfig returns the standard loop parameters.
func DefaultConfig(model string) Config {
	return Config{
		Model:                       model,
		MaxSteps:                    DefaultMaxSteps,
		HistoryWindow:               DefaultHistoryWindow,
		MaxConsecutiveModelFailures: DefaultMaxConsecutiveModelFailures,
		MaxHistory:                  blackboard.DefaultMaxHistory,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPersister sets the receiver of task and step records.
func WithPersister(p Persister) Option {
	return func(o *Orchestrator) { o.persister = p }
}

// WithStopSignals sets the registry polled before every iteration.
func WithStopSignals(r *stopsignal.Registry) Option {
	return func(o *Orchestrator) { o.stops = r }
}

// WithEventBus sets the bus lifecycle events are published on.
func WithEventBus(b *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer for task and step spans.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithToolTimeout bounds each tool call. Zero, the default, leaves
// timeouts to the tools themselves.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.toolTimeout = d }
}

// WithCompression checks each task's history after every step and
// compresses it when the estimate nears contextLimit tokens.
func WithCompression(m *blackboard.Monitor, contextLimit int, summaryModel string) Option {
	return func(o *Orchestrator) {
		o.monitor = m
		o.contextLimit = contextLimit
		o.summaryModel = summaryModel
	}
}

// WithStream delivers model output incrementally to cb.
func WithStream(cb llm.StreamCallback) Option {
	return func(o *Orchestrator) { o.stream = cb }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs tasks. One Orchestrator may run many tasks
// concurrently; each task's loop is sequential.
type Orchestrator struct {
	cfg      Config
	client   llm.Client
	registry *tools.Registry

	logger       *slog.Logger
	persister    Persister
	stops        *stopsignal.Registry
	bus          *events.Bus
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	toolTimeout  time.Duration
	monitor      *blackboard.Monitor
	contextLimit int
	summaryModel string
	stream       llm.StreamCallback
	now          func() time.Time

	mu     sync.Mutex
	active map[string]*run
}

// run is the live state of one executing task.
type run struct {
	mu   sync.Mutex
	task Task
	bb   *blackboard.Blackboard
	sess Session
}

func (r *run) snapshot() Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

func (r *run) update(fn func(t *Task)) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.task)
	return r.task
}

// New creates an orchestrator. It panics if cfg.MaxSteps is negative or
// client is nil; both are programming errors.
func New(cfg Config, client llm.Client, reg *tools.Registry, opts ...Option) *Orchestrator {
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxSteps < 1 {
		panic(fmt.Sprintf("agentloop: max steps must be at least 1, got %d", cfg.MaxSteps))
	}
	if client == nil {
		panic("agentloop: nil model client")
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxConsecutiveModelFailures < 0 {
		cfg.MaxConsecutiveModelFailures = 0
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}

	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		registry: reg,
		logger:   slog.Default(),
		tracer:   observability.NoopTracer(),
		now:      time.Now,
		active:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Progress returns a snapshot of a running task. Finished tasks are no
// longer tracked; their final state is in the TaskResult and the
// persister.
func (o *Orchestrator) Progress(taskID string) (Task, bool) {
	o.mu.Lock()
	r, ok := o.active[taskID]
	o.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	return r.snapshot(), true
}

// ActiveTasks returns snapshots of every running task.
func (o *Orchestrator) ActiveTasks() []Task {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	out := make([]Task, len(runs))
	for i, r := range runs {
		out[i] = r.snapshot()
	}
	return out
}

// Blackboard returns the live blackboard of a running task, for an
// external compression monitor.
func (o *Orchestrator) Blackboard(taskID string) (*blackboard.Blackboard, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.active[taskID]
	if !ok {
		return nil, false
	}
	return r.bb, true
}

// Execute runs goal to completion and returns the outcome. The returned
// error is non-nil only when no task could be created; every other
// outcome, including failure and cancellation, is reported in the
// TaskResult.
func (o *Orchestrator) Execute(ctx context.Context, goal string, sess Session) (*TaskResult, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, ErrEmptyGoal
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	now := o.now()
	r := &run{
		task: Task{
			ID:        id.String(),
			SessionID: sess.ID,
			Goal:      goal,
			Status:    StatusPending,
			MaxSteps:  o.cfg.MaxSteps,
			CreatedAt: now,
			UpdatedAt: now,
		},
		bb: blackboard.New(blackboard.Options{
			MaxHistory:       o.cfg.MaxHistory,
			InitialState:     sess.InitialState,
			ContextVariables: sess.ContextVariables,
		}),
		sess: sess,
	}

	o.mu.Lock()
	o.active[r.task.ID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, r.task.ID)
		o.mu.Unlock()
	}()

	log := o.logger.With("task_id", r.task.ID, "session_id", sess.ID)
	ctx, span := o.tracer.Start(ctx, "agentloop.execute",
		attribute.String("task_id", r.task.ID),
		attribute.String("session_id", sess.ID),
		attribute.Int("max_steps", o.cfg.MaxSteps),
	)
	defer span.End()

	log.Info("task started",
		"goal", truncate(goal, 200),
		"model", o.cfg.Model,
		"max_steps", o.cfg.MaxSteps,
		"tools", o.registry.Len(),
	)
	o.metrics.TaskStarted()
	o.bus.Emit(events.SourceLoop, events.KindTaskStart, map[string]any{
		"task_id":    r.task.ID,
		"session_id": sess.ID,
		"goal":       goal,
		"max_steps":  o.cfg.MaxSteps,
	})
	o.persistTask(ctx, log, r.snapshot())

	start := time.Now()
	res := o.loop(ctx, r, log)
	elapsed := time.Since(start)

	o.metrics.TaskFinished(string(res.Status))
	observability.RecordError(span, res.Err)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("steps", res.Steps),
	)

	data := map[string]any{
		"task_id":    res.TaskID,
		"session_id": sess.ID,
		"status":     string(res.Status),
		"steps":      res.Steps,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	o.bus.Emit(events.SourceLoop, events.KindTaskComplete, data)

	return res, nil
}

// loop is the iteration loop. It recovers any panic that escapes a step
// and turns it into a failed result.
func (o *Orchestrator) loop(ctx context.Context, r *run, log *slog.Logger) (res *TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("task panicked", "panic", p, "stack", string(debug.Stack()))
			res = o.finish(ctx, r, log, StatusFailed, "", fmt.Errorf("panic: %v", p))
		}
	}()

	failures := 0
	for r.snapshot().CurrentStep < o.cfg.MaxSteps {
		if err := o.checkStop(ctx, r.sess.ID); err != nil {
			return o.finish(ctx, r, log, StatusCancelled, "", err)
		}

		t := r.update(func(t *Task) {
			t.CurrentStep++
			t.Status = StatusRunning
			t.UpdatedAt = o.now()
		})
		o.persistTask(ctx, log, t)

		out := o.step(ctx, r, t.CurrentStep, log)

		switch {
		case out.fatal != nil:
			return o.finish(ctx, r, log, StatusFailed, "", out.fatal)

		case !out.final && ctx.Err() != nil:
			// Tool and model errors caused by the cancellation are not
			// failures of the task.
			return o.finish(ctx, r, log, StatusCancelled, "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))

		case out.modelErr != nil:
			failures++
			if limit := o.cfg.MaxConsecutiveModelFailures; limit > 0 && failures >= limit {
				return o.finish(ctx, r, log, StatusFailed, "",
					fmt.Errorf("%w (%d): %w", ErrModelFailures, failures, out.modelErr))
			}
			continue
		}
		failures = 0

		if out.final {
			return o.finish(ctx, r, log, StatusCompleted, out.response, nil)
		}
		if out.toolErr != nil {
			return o.finish(ctx, r, log, StatusFailed, "", out.toolErr)
		}
	}

	return o.finish(ctx, r, log, StatusFailed, "", &StepBudgetError{MaxSteps: o.cfg.MaxSteps})
}

// checkStop is the pre-iteration cancellation check. An observed stop
// signal is cleared so it does not also stop the session's next task.
func (o *Orchestrator) checkStop(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if o.stops.ShouldStop(sessionID) {
		o.stops.Clear(sessionID)
		return fmt.Errorf("%w: stop requested for session %q", ErrCancelled, sessionID)
	}
	return nil
}

// finish moves the task to a terminal status and builds its result.
func (o *Orchestrator) finish(ctx context.Context, r *run, log *slog.Logger, status Status, response string, err error) *TaskResult {
	t := r.update(func(t *Task) {
		now := o.now()
		t.Status = status
		t.UpdatedAt = now
		t.CompletedAt = now
		if status == StatusCompleted {
			t.FinalResponse = response
		}
		if err != nil {
			t.Error = err.Error()
		}
	})
	o.persistTask(ctx, log, t)

	switch status {
	case StatusCompleted:
		log.Info("task completed", "steps", t.CurrentStep)
	case StatusCancelled:
		log.Info("task cancelled", "steps", t.CurrentStep, "reason", t.Error)
	default:
		log.Warn("task failed", "steps", t.CurrentStep, "error", err)
	}

	return &TaskResult{
		TaskID:   t.ID,
		Status:   t.Status,
		Response: t.FinalResponse,
		Error:    t.Error,
		Steps:    t.CurrentStep,
		History:  r.bb.History(),
		Err:      err,
	}
}

// persistTask and persistStep detach from cancellation so the final
// status of a cancelled task is still recorded.
func (o *Orchestrator) persistTask(ctx context.Context, log *slog.Logger, t Task) {
	if o.persister == nil {
		return
	}
	if err := o.persister.OnTaskStatusChanged(context.WithoutCancel(ctx), t); err != nil {
		log.Warn("failed to persist task", "status", t.Status, "error", err)
	}
}

func (o *Orchestrator) persistStep(ctx context.Context, log *slog.Logger, s Step) {
	if o.persister == nil {
		return
	}
	if err := o.persister.OnStepRecorded(context.WithoutCancel(ctx), s); err != nil {
		log.Warn("failed to persist step", "step", s.Number, "error", err)
	}
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
