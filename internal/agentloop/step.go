package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nugget/steploop/internal/blackboard"
	"github.com/nugget/steploop/internal/events"
	"github.com/nugget/steploop/internal/llm"
	"github.com/nugget/steploop/internal/observability"
	"github.com/nugget/steploop/internal/prompts"
	"github.com/nugget/steploop/internal/tools"
)

// ConversationHistoryKey is the state key holding prior conversation.
// It is shown to the model in its own section and left out of the
// serialized state.
const ConversationHistoryKey = "conversation_history"

// stepOutcome is what the loop needs from one step. At most one error
// field is set.
type stepOutcome struct {
	final    bool
	response string

	modelErr error // the model call failed; counted toward escalation
	toolErr  error // every tool call failed
	fatal    error // the step panicked
}

// step runs one iteration: build context, call the model, run any
// requested tools, fold the result onto the blackboard, and record the
// step.
func (o *Orchestrator) step(ctx context.Context, r *run, num int, log *slog.Logger) (out stepOutcome) {
	start := o.now()
	wall := time.Now()
	log = log.With("step", num)

	ctx, span := o.tracer.Start(ctx, "agentloop.step", attribute.Int("step", num))
	defer span.End()

	sc := o.buildContext(r, goalOf(r))
	rec := Step{
		TaskID:    r.task.ID,
		Number:    num,
		Context:   sc,
		CreatedAt: start,
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("step panicked", "panic", p, "stack", string(debug.Stack()))
			out = stepOutcome{fatal: fmt.Errorf("panic in step %d: %v", num, p)}
			rec.Response = "Error: " + out.fatal.Error()
			rec.IsFinal = false
		}
		rec.Duration = time.Since(wall)
		o.persistStep(ctx, log, rec)
		o.metrics.StepDone(rec.IsFinal, rec.Duration)
		observability.RecordError(span, out.fatal)
		o.bus.Emit(events.SourceLoop, events.KindStepDone, map[string]any{
			"task_id":    rec.TaskID,
			"step":       num,
			"is_final":   rec.IsFinal,
			"elapsed_ms": rec.Duration.Milliseconds(),
		})
	}()

	o.bus.Emit(events.SourceLoop, events.KindStepStart, map[string]any{
		"task_id": rec.TaskID,
		"step":    num,
	})

	resp, err := o.callModel(ctx, rec.TaskID, num, sc, log)
	if err != nil {
		rec.Response = "Error: " + err.Error()
		observability.RecordError(span, err)
		return stepOutcome{modelErr: err}
	}

	rec.Response = resp.Message.Content
	rec.InputTokens = resp.InputTokens
	rec.OutputTokens = resp.OutputTokens

	calls := tools.NormalizeAll(tools.FromResponse(resp))
	rec.ToolCalls = len(calls)
	rec.IsFinal = len(calls) == 0
	if len(calls) > 0 {
		rec.ToolName = calls[0].Name
		rec.ToolInput = calls[0].Args
	}

	var toolErr error
	if len(calls) > 0 {
		results := o.runTools(ctx, r, num, calls, log)
		rec.ToolOutputSummary = tools.Summarize(results)
		toolErr = tools.AggregateError(results)
	}

	if entry := historyEntry(rec.ToolOutputSummary, rec.Response, rec.IsFinal); entry != "" {
		r.bb.AddHistory(entry)
	}
	if !rec.IsFinal {
		o.maybeCompress(ctx, r.bb, log)
	}

	return stepOutcome{final: rec.IsFinal, response: rec.Response, toolErr: toolErr}
}

func goalOf(r *run) string { return r.snapshot().Goal }

// callModel makes the step's model call with a fresh two-message
// conversation.
func (o *Orchestrator) callModel(ctx context.Context, taskID string, num int, sc StepContext, log *slog.Logger) (*llm.ChatResponse, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.StepSystemPrompt(sc.prompt())},
		{Role: llm.RoleUser, Content: prompts.NextActionInstruction},
	}
	defs := o.registry.Definitions()

	log.Debug("model call", "model", o.cfg.Model, "tools", len(defs), "history", sc.HistoryLength())

	start := time.Now()
	var (
		resp *llm.ChatResponse
		err  error
	)
	if o.stream != nil {
		resp, err = o.client.ChatStream(ctx, o.cfg.Model, messages, defs, o.stream)
	} else {
		resp, err = o.client.Chat(ctx, o.cfg.Model, messages, defs)
	}
	if err == nil && resp == nil {
		err = errors.New("model returned no response")
	}
	elapsed := time.Since(start)

	data := map[string]any{
		"task_id":    taskID,
		"step":       num,
		"model":      o.cfg.Model,
		"elapsed_ms": elapsed.Milliseconds(),
	}

	if err != nil {
		o.metrics.ModelRequest(o.cfg.Model, err, elapsed, 0, 0)
		log.Warn("model call failed",
			"model", o.cfg.Model,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		data["tokens_in"], data["tokens_out"], data["tool_calls"] = 0, 0, 0
		data["error"] = err.Error()
		o.bus.Emit(events.SourceLoop, events.KindLLMResponse, data)
		return nil, err
	}

	o.metrics.ModelRequest(o.cfg.Model, nil, elapsed, resp.InputTokens, resp.OutputTokens)
	log.Info("model responded",
		"model", o.cfg.Model,
		"elapsed", elapsed.Round(time.Millisecond),
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"tool_calls", resp.ToolCallCount(),
	)
	data["tokens_in"] = resp.InputTokens
	data["tokens_out"] = resp.OutputTokens
	data["tool_calls"] = resp.ToolCallCount()
	o.bus.Emit(events.SourceLoop, events.KindLLMResponse, data)
	return resp, nil
}

// runTools executes calls in order. Tools see the session, the task,
// and the blackboard's context variables through ctx.
func (o *Orchestrator) runTools(ctx context.Context, r *run, num int, calls []tools.Call, log *slog.Logger) []tools.Result {
	taskID := r.task.ID
	ctx = tools.WithSessionID(ctx, r.sess.ID)
	ctx = tools.WithTaskID(ctx, taskID)
	ctx = tools.WithContextVariables(ctx, r.bb.ContextVariables())

	exec := tools.NewExecutor(o.registry, log)
	exec.SetTimeout(o.toolTimeout)
	exec.SetHooks(tools.Hooks{
		BeforeCall: func(_ context.Context, c tools.Call) {
			o.bus.Emit(events.SourceLoop, events.KindToolCall, map[string]any{
				"task_id": taskID,
				"step":    num,
				"tool":    c.Name,
			})
		},
		AfterCall: func(_ context.Context, res tools.Result) {
			o.metrics.ToolExecution(res.ToolName, res.Err, res.Duration)
			o.bus.Emit(events.SourceLoop, events.KindToolDone, map[string]any{
				"task_id":     taskID,
				"step":        num,
				"tool":        res.ToolName,
				"ok":          res.OK(),
				"duration_ms": res.Duration.Milliseconds(),
			})
		},
	})
	return exec.Run(ctx, calls)
}

// buildContext assembles what the model sees this step.
func (o *Orchestrator) buildContext(r *run, goal string) StepContext {
	snap := r.bb.Snapshot()
	state := snap.State

	var conversation string
	if v, ok := state[ConversationHistoryKey]; ok {
		conversation = tools.FormatOutput(v)
		delete(state, ConversationHistoryKey)
	}

	var stateText string
	if len(state) > 0 {
		b, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			stateText = fmt.Sprintf("%v", state)
		} else {
			stateText = string(b)
		}
	}

	return StepContext{
		Goal:                goal,
		ConversationHistory: conversation,
		History:             r.bb.RecentHistory(o.cfg.HistoryWindow),
		State:               stateText,
		StateKeys:           slices.Sorted(maps.Keys(state)),
	}
}

// historyEntry folds one step into a single blackboard entry: the tool
// summary and, for a non-final step, the model's own text.
func historyEntry(toolSummary, response string, final bool) string {
	var parts []string
	if toolSummary != "" {
		parts = append(parts, toolSummary)
	}
	if response != "" && !final {
		parts = append(parts, "AI: "+response)
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return parts[0] + " | " + parts[1]
}

func (o *Orchestrator) maybeCompress(ctx context.Context, bb *blackboard.Blackboard, log *slog.Logger) {
	if o.monitor == nil || !o.monitor.NeedsCompression(bb, o.contextLimit) {
		return
	}
	ok := o.monitor.CompressHistory(ctx, bb, o.contextLimit, o.summaryModel)
	o.metrics.Compression(ok)
	log.Debug("history compression", "compressed", ok, "entries", bb.Len())
}
