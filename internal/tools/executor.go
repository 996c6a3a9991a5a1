package tools

import (
	"context"
	"log/slog"
	"time"
)

// Result is the outcome of one tool call. Exactly one of Output and Err
// is meaningful.
type Result struct {
	CallID   string
	ToolName string
	Input    map[string]any
	Output   any
	Err      error
	Duration time.Duration
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Hooks observe individual calls. Either field may be nil.
type Hooks struct {
	BeforeCall func(ctx context.Context, c Call)
	AfterCall  func(ctx context.Context, r Result)
}

// Executor runs normalized calls against a registry.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
	hooks    Hooks
}

// NewExecutor creates an executor over reg.
func NewExecutor(reg *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Executor{registry: reg, logger: logger}
}

// SetTimeout bounds each call. Zero, the default, means no bound.
func (e *Executor) SetTimeout(d time.Duration) { e.timeout = d }

// SetHooks installs per-call observers.
func (e *Executor) SetHooks(h Hooks) { e.hooks = h }

// Run executes calls one after another in order and returns one result
// per call. It never returns an error and never panics: every failure
// is captured in its Result.
func (e *Executor) Run(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, c := range calls {
		if e.hooks.BeforeCall != nil {
			e.hooks.BeforeCall(ctx, c)
		}
		r := e.runOne(ctx, c)
		if e.hooks.AfterCall != nil {
			e.hooks.AfterCall(ctx, r)
		}
		results = append(results, r)
	}
	return results
}

func (e *Executor) runOne(ctx context.Context, c Call) (res Result) {
	start := time.Now()
	res = Result{CallID: c.ID, ToolName: c.Name, Input: c.Args}
	defer func() {
		if r := recover(); r != nil {
			res.Output = nil
			res.Err = &PanicError{Value: r}
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			e.logger.Warn("tool call failed",
				"tool", c.Name,
				"elapsed", res.Duration.Round(time.Millisecond),
				"error", res.Err,
			)
		} else {
			e.logger.Debug("tool call done",
				"tool", c.Name,
				"elapsed", res.Duration.Round(time.Millisecond),
			)
		}
	}()

	if c.Name == "" {
		res.Err = ErrMissingName
		return res
	}
	tool := e.registry.Find(c.Name)
	if tool == nil {
		res.Err = &ErrToolUnavailable{ToolName: c.Name}
		return res
	}
	if tool.Invoker == nil {
		res.Err = ErrNoInvoker
		return res
	}
	if err := tool.Validate(c.Args); err != nil {
		res.Err = err
		return res
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res.Output, res.Err = tool.Invoker.Invoke(callCtx, c.Args)
	return res
}
