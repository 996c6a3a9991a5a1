// Package blackboard holds the bounded state one task carries from step
// to step: a rolling list of short history entries, a free-form state
// map, and caller-supplied context variables.
//
// The model never sees raw tool output from earlier steps. It sees the
// most recent history entries, each a compact summary of one step, and
// when those grow too large they are folded into a single summary entry
// by [Compressor].
package blackboard

import (
	"maps"
	"strings"
	"sync"
)

// SummaryPrefix marks a history entry produced by compression. Such an
// entry replaces the entries it summarizes and is never expanded again.
const SummaryPrefix = "[history-summary]"

// DefaultMaxHistory bounds the history when Options.MaxHistory is unset.
const DefaultMaxHistory = 100

// Options configures a new Blackboard.
type Options struct {
	MaxHistory       int
	InitialState     map[string]any
	ContextVariables map[string]any
}

// Blackboard is the shared state of one task. The owning loop is the
// only writer; reads are safe from any goroutine.
type Blackboard struct {
	mu         sync.RWMutex
	history    []string
	state      map[string]any
	vars       map[string]any
	maxHistory int

	// appended counts every AddHistory call, so compression can tell
	// which entries arrived while it was waiting on the summarizer.
	appended uint64
}

// New creates a blackboard. The initial maps are copied.
func New(opts Options) *Blackboard {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	bb := &Blackboard{
		state:      make(map[string]any, len(opts.InitialState)),
		vars:       make(map[string]any, len(opts.ContextVariables)),
		maxHistory: opts.MaxHistory,
	}
	maps.Copy(bb.state, opts.InitialState)
	maps.Copy(bb.vars, opts.ContextVariables)
	return bb
}

// AddHistory appends entry, dropping the oldest entries beyond the
// history bound.
func (b *Blackboard) AddHistory(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, entry)
	b.appended++
	b.trimLocked()
}

func (b *Blackboard) trimLocked() {
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = append([]string(nil), b.history[over:]...)
	}
}

// RecentHistory returns up to the last n entries, oldest first.
func (b *Blackboard) RecentHistory(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(b.history)-n, 0)
	return append([]string(nil), b.history[start:]...)
}

// History returns a copy of every entry.
func (b *Blackboard) History() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.history...)
}

// Len returns the number of history entries.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// MaxHistory returns the history bound.
func (b *Blackboard) MaxHistory() int { return b.maxHistory }

// SetState sets a state key. The last write wins.
func (b *Blackboard) SetState(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state[key] = value
}

// State returns a shallow copy of the state map.
func (b *Blackboard) State() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.state)
}

// StateValue returns one state value.
func (b *Blackboard) StateValue(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.state[key]
	return v, ok
}

// SetContextVariable sets a context variable.
func (b *Blackboard) SetContextVariable(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vars[key] = value
}

// ContextVariables returns a shallow copy of the context variables.
func (b *Blackboard) ContextVariables() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.vars)
}

// Snapshot is a point-in-time copy of a blackboard.
type Snapshot struct {
	History          []string       `json:"history"`
	State            map[string]any `json:"state"`
	ContextVariables map[string]any `json:"context_variables"`
}

// Snapshot copies the whole blackboard under one lock.
func (b *Blackboard) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		History:          append([]string(nil), b.history...),
		State:            maps.Clone(b.state),
		ContextVariables: maps.Clone(b.vars),
	}
}

// IsSummary reports whether entry was produced by compression.
func IsSummary(entry string) bool {
	return strings.HasPrefix(entry, SummaryPrefix)
}

// historyMark captures the history and append counter together.
func (b *Blackboard) historyMark() ([]string, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.history...), b.appended
}

// replaceHistory installs entries as the new history, keeping anything
// appended after mark was taken.
func (b *Blackboard) replaceHistory(entries []string, mark uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if added := int(b.appended - mark); added > 0 {
		added = min(added, len(b.history))
		entries = append(entries, b.history[len(b.history)-added:]...)
	}
	b.history = entries
	b.trimLocked()
}
