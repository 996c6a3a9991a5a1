package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/steploop/internal/events"
)

// OriginMQTT marks stop events that arrived over MQTT.
const OriginMQTT = "mqtt"

// handleMessage applies one inbound stop topic message. Payloads are
// case-insensitive "stop" or "clear"; anything else is logged and
// ignored.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	if !b.limiter.allow() {
		return
	}
	session, ok := b.topics.stopSession(topic)
	if !ok {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return
	}
	if b.stops == nil {
		return
	}

	data := map[string]any{"session_id": session, "origin": OriginMQTT}
	switch cmd := strings.ToLower(strings.TrimSpace(string(payload))); cmd {
	case "stop":
		b.stops.Set(session)
		b.bus.Emit(events.SourceStopSignal, events.KindStopRequested, data)
	case "clear":
		b.stops.Clear(session)
		b.bus.Emit(events.SourceStopSignal, events.KindStopCleared, data)
	default:
		b.logger.Warn("mqtt stop message ignored",
			"session_id", session,
			"payload", truncatePayload(cmd, 64),
		)
	}
}

func truncatePayload(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// messageRateLimiter drops inbound messages once more than limit arrive
// within one interval. Counters are atomic so the hot path takes no
// lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// warns when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
