// Package events carries step, tool, and task lifecycle events from the
// orchestrator to whoever is watching: the MQTT bridge, the CLI progress
// printer, tests. A nil *Bus is valid and discards everything, so
// publishers never need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources identify the publishing component.
const (
	SourceLoop       = "loop"
	SourceStopSignal = "stop_signal"
	SourceRunner     = "runner"
)

// Kinds published by the loop. The Data keys listed are always present.
const (
	// KindTaskStart: task_id, session_id, goal, max_steps.
	KindTaskStart = "task_start"
	// KindStepStart: task_id, step.
	KindStepStart = "step_start"
	// KindLLMResponse: task_id, step, model, tokens_in, tokens_out,
	// tool_calls, elapsed_ms. A failed call also carries error.
	KindLLMResponse = "llm_response"
	// KindToolCall: task_id, step, tool.
	KindToolCall = "tool_call"
	// KindToolDone: task_id, step, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindStepDone: task_id, step, is_final, elapsed_ms.
	KindStepDone = "step_done"
	// KindTaskComplete: task_id, session_id, status, steps, elapsed_ms.
	// Failed tasks also carry error.
	KindTaskComplete = "task_complete"
)

// Kinds published by other components.
const (
	// KindStopRequested: session_id, origin.
	KindStopRequested = "stop_requested"
	// KindStopCleared: session_id, origin.
	KindStopCleared = "stop_cleared"
	// KindBatchDone: total, completed, failed, elapsed_ms.
	KindBatchDone = "batch_done"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber owns a buffered
// channel; when it fills, further events for that subscriber are dropped
// and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
	now     func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
		now:  time.Now,
	}
}

// Publish delivers e to every subscriber without blocking. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving every event published from now
// on. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
