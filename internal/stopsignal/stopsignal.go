// Package stopsignal is an in-process store of cooperative stop requests
// keyed by session ID. A caller sets a signal; the step loop polls it
// once per iteration boundary and winds down when it is present.
//
// Signals expire after a TTL so a stop that nobody consumed (the task
// already finished, the session was never started) cannot linger and
// abort a later task that reuses the session ID. Expired signals are
// dropped lazily on read and in bulk by [Registry.SweepExpired].
package stopsignal

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is used when New is given a non-positive TTL.
const DefaultTTL = 300 * time.Second

// Registry stores stop signals. The zero value is not usable; call New.
type Registry struct {
	mu      sync.Mutex
	signals map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(ttl time.Duration, logger *slog.Logger, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		signals: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "stop_signal"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TTL returns how long a signal stays valid.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Set records a stop request for sessionID, refreshing its timestamp if
// one already exists.
func (r *Registry) Set(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[sessionID] = r.now()
	r.logger.Info("stop signal set", "session_id", sessionID)
}

// ShouldStop reports whether an unexpired signal exists for sessionID.
// An expired signal is removed and reported as absent. A nil registry
// never signals.
func (r *Registry) ShouldStop(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	setAt, ok := r.signals[sessionID]
	if !ok {
		return false
	}
	if r.expired(setAt) {
		delete(r.signals, sessionID)
		r.logger.Debug("stop signal expired", "session_id", sessionID)
		return false
	}
	return true
}

// Clear removes the signal for sessionID and reports whether one was
// present, expired or not.
func (r *Registry) Clear(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.signals[sessionID]
	if ok {
		delete(r.signals, sessionID)
		r.logger.Debug("stop signal cleared", "session_id", sessionID)
	}
	return ok
}

// SweepExpired removes every expired signal and returns how many were
// removed.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, setAt := range r.signals {
		if r.expired(setAt) {
			delete(r.signals, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("swept expired stop signals", "count", n)
	}
	return n
}

// Active returns a copy of the unexpired signals and when each was set.
func (r *Registry) Active() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.signals))
	for id, setAt := range r.signals {
		if !r.expired(setAt) {
			out[id] = setAt
		}
	}
	return out
}

// expired requires r.mu held.
func (r *Registry) expired(setAt time.Time) bool {
	return r.now().Sub(setAt) > r.ttl
}
