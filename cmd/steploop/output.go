package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nugget/steploop/internal/agentloop"
	"github.com/nugget/steploop/internal/events"
	"github.com/nugget/steploop/internal/llm"
	"github.com/nugget/steploop/internal/runner"
)

// followProgress prints loop events to w until the returned stop
// function is called. stop waits for pending lines to be written.
func followProgress(bus *events.Bus, w io.Writer) (stop func()) {
	ch := bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if line := progressLine(e); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			bus.Unsubscribe(ch)
			<-done
		})
	}
}

// progressLine renders one event, or "" for events not worth a line.
func progressLine(e events.Event) string {
	d := e.Data
	switch e.Kind {
	case events.KindTaskStart:
		return fmt.Sprintf("task %v started: %v", d["task_id"], d["goal"])
	case events.KindLLMResponse:
		if errMsg, ok := d["error"]; ok {
			return fmt.Sprintf("  step %v: model error: %v", d["step"], errMsg)
		}
	case events.KindToolDone:
		status := "ok"
		if ok, _ := d["ok"].(bool); !ok {
			status = "failed"
		}
		return fmt.Sprintf("  step %v: %v %s (%vms)", d["step"], d["tool"], status, d["duration_ms"])
	case events.KindStepDone:
		if final, _ := d["is_final"].(bool); final {
			return fmt.Sprintf("step %v: final answer (%vms)", d["step"], d["elapsed_ms"])
		}
		return fmt.Sprintf("step %v done (%vms)", d["step"], d["elapsed_ms"])
	case events.KindStopRequested:
		return fmt.Sprintf("stop requested for session %v via %v", d["session_id"], d["origin"])
	}
	return ""
}

// tokenPrinter streams model tokens to w.
func tokenPrinter(w io.Writer) llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(w, ev.Token)
		case llm.KindDone:
			fmt.Fprintln(w)
		}
	}
}

func printResult(w io.Writer, res *agentloop.TaskResult) {
	fmt.Fprintln(w)
	switch res.Status {
	case agentloop.StatusCompleted:
		fmt.Fprintf(w, "Task %s completed in %d steps.\n\n%s\n", res.TaskID, res.Steps, res.Response)
	default:
		fmt.Fprintf(w, "Task %s %s after %d steps: %s\n", res.TaskID, res.Status, res.Steps, res.Error)
	}
}

type batchOutcome struct {
	Goal   string                `json:"goal"`
	Result *agentloop.TaskResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

type batchSummary struct {
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Outcomes  []batchOutcome `json:"outcomes"`
}

func batchJSON(sum *runner.Summary) batchSummary {
	out := batchSummary{
		Completed: sum.Completed,
		Failed:    sum.Failed,
		Cancelled: sum.Cancelled,
		ElapsedMS: sum.Elapsed.Milliseconds(),
		Outcomes:  make([]batchOutcome, len(sum.Outcomes)),
	}
	for i, o := range sum.Outcomes {
		out.Outcomes[i] = batchOutcome{Goal: o.Goal.Goal, Result: o.Result}
		if o.Err != nil {
			out.Outcomes[i].Error = o.Err.Error()
		}
	}
	return out
}

func printBatch(w io.Writer, sum *runner.Summary) {
	for i, o := range sum.Outcomes {
		switch {
		case o.Result != nil:
			fmt.Fprintf(w, "%d. [%s] %s (task %s, %d steps)\n", i+1, o.Result.Status, clip(o.Goal.Goal, 60), o.Result.TaskID, o.Result.Steps)
		case o.Err != nil:
			fmt.Fprintf(w, "%d. [skipped] %s: %v\n", i+1, clip(o.Goal.Goal, 60), o.Err)
		}
	}
	fmt.Fprintf(w, "\n%d completed, %d failed, %d cancelled in %s\n",
		sum.Completed, sum.Failed, sum.Cancelled, sum.Elapsed.Round(time.Millisecond))
}

// syncWriter serializes writes from the progress printer, the token
// stream, and the final result.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
