package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// DefaultTriggerRatio is the share of the context window at which
// compression is triggered.
const DefaultTriggerRatio = 0.9

// charsPerToken is the rough conversion used for estimates. Exact token
// counts depend on the model's tokenizer.
const charsPerToken = 4

// Monitor decides when a blackboard has grown close enough to the model
// context window to be compressed, and compresses it.
type Monitor struct {
	compressor *Compressor
	ratio      float64
	logger     *slog.Logger
}

// NewMonitor creates a monitor. A ratio outside (0, 1] uses
// [DefaultTriggerRatio].
func NewMonitor(c *Compressor, ratio float64, logger *slog.Logger) *Monitor {
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultTriggerRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{compressor: c, ratio: ratio, logger: logger}
}

// EstimateTokens approximates the tokens the blackboard contributes to a
// step prompt: every history entry plus the serialized state.
func (m *Monitor) EstimateTokens(bb *Blackboard) int {
	snap := bb.Snapshot()
	chars := 0
	for _, e := range snap.History {
		chars += len(e) + 3 // "- " prefix and newline
	}
	if len(snap.State) > 0 {
		if data, err := json.Marshal(snap.State); err == nil {
			chars += len(data)
		}
	}
	return chars / charsPerToken
}

// NeedsCompression reports whether the estimate has reached the trigger
// ratio of contextLimit. A non-positive limit never triggers.
func (m *Monitor) NeedsCompression(bb *Blackboard, contextLimit int) bool {
	if contextLimit <= 0 {
		return false
	}
	return float64(m.EstimateTokens(bb)) >= m.ratio*float64(contextLimit)
}

// CompressHistory compresses bb unconditionally, summarizing with model
// (empty for the summarizer's default). It reports whether the history
// was replaced by a summary.
func (m *Monitor) CompressHistory(ctx context.Context, bb *Blackboard, contextLimit int, model string) bool {
	m.logger.Info("compressing history",
		"estimated_tokens", m.EstimateTokens(bb),
		"context_limit", contextLimit,
		"entries", bb.Len(),
	)
	ok, err := m.compressor.CompressWithModel(ctx, bb, model)
	if err != nil && !errors.Is(err, ErrNothingToCompress) {
		m.logger.Warn("history compression error", "error", err)
	}
	return ok
}

// Check compresses bb only when [Monitor.NeedsCompression] holds.
func (m *Monitor) Check(ctx context.Context, bb *Blackboard, contextLimit int, model string) bool {
	if !m.NeedsCompression(bb, contextLimit) {
		return false
	}
	return m.CompressHistory(ctx, bb, contextLimit, model)
}
