package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/steploop/internal/prompts"
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses. StatusPaused is reserved: nothing transitions into or
// out of it yet.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Task is one goal being driven to completion.
type Task struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Goal          string    `json:"goal"`
	Status        Status    `json:"status"`
	CurrentStep   int       `json:"current_step"`
	MaxSteps      int       `json:"max_steps"`
	FinalResponse string    `json:"final_response,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}

// StepContext is what one step showed the model. It never holds the
// full raw history, only the trimmed window.
type StepContext struct {
	Goal                string   `json:"goal"`
	ConversationHistory string   `json:"conversation_history,omitempty"`
	History             []string `json:"history"`
	State               string   `json:"state,omitempty"`
	StateKeys           []string `json:"state_keys,omitempty"`
}

// HistoryLength is the number of history entries the step saw.
func (c StepContext) HistoryLength() int { return len(c.History) }

func (c StepContext) prompt() prompts.StepContext {
	return prompts.StepContext{
		Goal:                c.Goal,
		ConversationHistory: c.ConversationHistory,
		History:             prompts.HistoryBullets(c.History),
		State:               c.State,
	}
}

// Step is the audit record of one iteration. Steps are immutable once
// recorded.
type Step struct {
	TaskID            string         `json:"task_id"`
	Number            int            `json:"number"`
	Context           StepContext    `json:"context"`
	Response          string         `json:"response"`
	ToolName          string         `json:"tool_name,omitempty"`
	ToolInput         map[string]any `json:"tool_input,omitempty"`
	ToolOutputSummary string         `json:"tool_output_summary,omitempty"`
	ToolCalls         int            `json:"tool_calls"`
	IsFinal           bool           `json:"is_final"`
	Duration          time.Duration  `json:"duration"`
	InputTokens       int            `json:"input_tokens,omitempty"`
	OutputTokens      int            `json:"output_tokens,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Session is the caller-side context of a task.
type Session struct {
	// ID keys the stop signal. Tasks in the same session share it.
	ID string

	// InitialState seeds the blackboard state. A conversation_history
	// key is shown to the model as prior conversation rather than state.
	InitialState map[string]any

	// ContextVariables are visible to tools, never to the model.
	ContextVariables map[string]any
}

// TaskResult is what Execute always returns once a task exists.
type TaskResult struct {
	TaskID   string   `json:"task_id"`
	Status   Status   `json:"status"`
	Response string   `json:"response,omitempty"`
	Error    string   `json:"error,omitempty"`
	Steps    int      `json:"steps"`
	History  []string `json:"history"`

	// Err is the typed terminal error for failed and cancelled tasks.
	Err error `json:"-"`
}

// Persister receives task and step records as the loop produces them.
// Calls are synchronous; errors are logged and never stop the loop.
type Persister interface {
	OnStepRecorded(ctx context.Context, step Step) error
	OnTaskStatusChanged(ctx context.Context, task Task) error
}

// ErrEmptyGoal is returned by Execute for a blank goal. No task is
// created.
var ErrEmptyGoal = errors.New("goal is required")

// ErrCancelled is the terminal error of a task stopped by its stop
// signal or by context cancellation.
var ErrCancelled = errors.New("task cancelled")

// ErrModelFailures is the terminal error after too many consecutive
// failed model calls.
var ErrModelFailures = errors.New("too many consecutive model failures")

// ErrStepBudgetExceeded matches any [StepBudgetError] with errors.Is.
var ErrStepBudgetExceeded = errors.New("step budget exceeded")

// StepBudgetError is the terminal error of a task that used every step
// without producing a final answer.
type StepBudgetError struct {
	MaxSteps int
}

func (e *StepBudgetError) Error() string {
	return fmt.Sprintf("exceeded maximum steps (%d)", e.MaxSteps)
}

// Is makes errors.Is(err, ErrStepBudgetExceeded) hold.
func (e *StepBudgetError) Is(target error) bool {
	return target == ErrStepBudgetExceeded
}
