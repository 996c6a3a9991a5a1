package blackboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/steploop/internal/llm"
	"github.com/nugget/steploop/internal/prompts"
)

// ErrNothingToCompress is returned when the history holds no raw
// entries to summarize.
var ErrNothingToCompress = errors.New("blackboard: nothing to compress")

// CompressOptions controls how history is folded. Zero fields take the
// defaults, so KeepRecent is at least 1: the newest raw entry always
// survives a fold unless it is the only one.
type CompressOptions struct {
	KeepRecent   int // raw entries kept after the summary, minimum 1
	DisplayLimit int // characters of each entry shown to the summarizer
	FallbackKeep int // raw entries kept when summarization fails
}

// DefaultCompressOptions returns the standard folding parameters.
func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		KeepRecent:   1,
		DisplayLimit: 200,
		FallbackKeep: 10,
	}
}

func (o CompressOptions) withDefaults() CompressOptions {
	d := DefaultCompressOptions()
	if o.KeepRecent <= 0 {
		o.KeepRecent = d.KeepRecent
	}
	if o.DisplayLimit <= 0 {
		o.DisplayLimit = d.DisplayLimit
	}
	if o.FallbackKeep <= 0 {
		o.FallbackKeep = d.FallbackKeep
	}
	return o
}

// SummaryRequest is the input to one summarization.
type SummaryRequest struct {
	Entries      []string
	DisplayLimit int
	Model        string // empty means the summarizer's own default
}

// Summarizer turns history entries into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// Compressor folds blackboard history into a summary entry.
type Compressor struct {
	summarizer Summarizer
	opts       CompressOptions
	logger     *slog.Logger
}

// NewCompressor creates a compressor. Zero option fields take the
// defaults from [DefaultCompressOptions].
func NewCompressor(s Summarizer, opts CompressOptions, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		summarizer: s,
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Compress folds the history of bb using the summarizer's default model.
func (c *Compressor) Compress(ctx context.Context, bb *Blackboard) (bool, error) {
	return c.CompressWithModel(ctx, bb, "")
}

// CompressWithModel summarizes every raw entry of bb and replaces them
// with one summary entry followed by the most recent raw entries. A
// previous summary entry is detached first and not fed back to the
// summarizer.
//
// It reports true when the history was replaced by a summary. When the
// summarizer fails the history is cut to the last FallbackKeep raw
// entries and Compress reports false with a nil error, so a failed
// compression never fails the task.
func (c *Compressor) CompressWithModel(ctx context.Context, bb *Blackboard, model string) (bool, error) {
	history, mark := bb.historyMark()
	if len(history) == 0 {
		c.logger.Warn("compression skipped: history empty")
		return false, ErrNothingToCompress
	}

	raw := history
	if IsSummary(raw[0]) {
		raw = raw[1:]
		c.logger.Debug("detached previous summary", "remaining", len(raw))
	}
	if len(raw) == 0 {
		return false, ErrNothingToCompress
	}

	summary, err := c.summarize(ctx, raw, model)
	if err != nil {
		keep := raw[max(len(raw)-c.opts.FallbackKeep, 0):]
		bb.replaceHistory(append([]string(nil), keep...), mark)
		c.logger.Error("history compression failed",
			"entries", len(raw),
			"kept", len(keep),
			"error", err,
		)
		return false, nil
	}

	entry := SummaryPrefix + " " + summary
	next := []string{entry}
	if len(raw) > 1 {
		next = append(next, raw[max(len(raw)-c.opts.KeepRecent, 0):]...)
	}
	bb.replaceHistory(next, mark)

	c.logger.Info("history compressed",
		"entries", len(raw),
		"kept_recent", len(next)-1,
		"summary_len", len(summary),
	)
	return true, nil
}

func (c *Compressor) summarize(ctx context.Context, raw []string, model string) (summary string, err error) {
	if c.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("summarizer panicked: %v", r)
		}
	}()
	summary, err = c.summarizer.Summarize(ctx, SummaryRequest{
		Entries:      raw,
		DisplayLimit: c.opts.DisplayLimit,
		Model:        model,
	})
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	return summary, nil
}

// LLMSummarizer summarizes history with a dedicated model call, separate
// from the step conversation.
type LLMSummarizer struct {
	client llm.Client
	model  string
}

// NewLLMSummarizer creates a summarizer that calls model on client.
func NewLLMSummarizer(client llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model}
}

// Summarize implements [Summarizer].
func (s *LLMSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.CompressionSystem},
		{Role: llm.RoleUser, Content: prompts.CompressionPrompt(req.Entries, req.DisplayLimit)},
	}
	resp, err := s.client.Chat(ctx, model, messages, nil)
	if err != nil {
		return "", fmt.Errorf("summary call: %w", err)
	}
	return resp.Message.Content, nil
}
