package blackboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/steploop/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSummarizer records its input and returns a canned result.
type stubSummarizer struct {
	summary string
	err     error
	during  func() // runs inside Summarize
	got     []SummaryRequest
}

func (s *stubSummarizer) Summarize(_ context.Context, req SummaryRequest) (string, error) {
	s.got = append(s.got, req)
	if s.during != nil {
		s.during()
	}
	return s.summary, s.err
}

func fill(bb *Blackboard, n int) {
	for i := 1; i <= n; i++ {
		bb.AddHistory(fmt.Sprintf("e%d", i))
	}
}

func TestCompress_EmptyHistory(t *testing.T) {
	sum := &stubSummarizer{summary: "x"}
	c := NewCompressor(sum, CompressOptions{}, discardLogger())

	ok, err := c.Compress(context.Background(), New(Options{}))
	if ok || !errors.Is(err, ErrNothingToCompress) {
		t.Errorf("Compress() = %v, %v; want false, ErrNothingToCompress", ok, err)
	}
	if len(sum.got) != 0 {
		t.Error("summarizer should not be called for empty history")
	}
}

func TestCompress_SummaryPlusRecent(t *testing.T) {
	sum := &stubSummarizer{summary: "  did things  "}
	c := NewCompressor(sum, CompressOptions{}, discardLogger())
	bb := New(Options{})
	fill(bb, 5)

	ok, err := c.Compress(context.Background(), bb)
	if !ok || err != nil {
		t.Fatalf("Compress() = %v, %v", ok, err)
	}

	got := bb.History()
	want := []string{SummaryPrefix + " did things", "e5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("History() = %q, want %q", got, want)
	}
	if n := len(sum.got[0].Entries); n != 5 {
		t.Errorf("summarizer saw %d entries, want 5", n)
	}
	if sum.got[0].DisplayLimit != 200 {
		t.Errorf("DisplayLimit = %d, want 200", sum.got[0].DisplayLimit)
	}
}

func TestCompress_SingleEntryFoldedEntirely(t *testing.T) {
	c := NewCompressor(&stubSummarizer{summary: "one"}, CompressOptions{}, discardLogger())
	bb := New(Options{})
	bb.AddHistory(strings.Repeat("long ", 1000))

	ok, _ := c.Compress(context.Background(), bb)
	if !ok {
		t.Fatal("expected compression")
	}
	if got := bb.History(); len(got) != 1 || got[0] != SummaryPrefix+" one" {
		t.Errorf("History() = %q", got)
	}
}

func TestCompress_DetachesPreviousSummary(t *testing.T) {
	sum := &stubSummarizer{summary: "second"}
	c := NewCompressor(sum, CompressOptions{}, discardLogger())
	bb := New(Options{})
	bb.AddHistory(SummaryPrefix + " first")
	fill(bb, 3)

	ok, _ := c.Compress(context.Background(), bb)
	if !ok {
		t.Fatal("expected compression")
	}

	for _, e := range sum.got[0].Entries {
		if IsSummary(e) {
			t.Errorf("previous summary fed to summarizer: %q", e)
		}
	}
	got := bb.History()
	if len(got) != 2 || got[0] != SummaryPrefix+" second" || got[1] != "e3" {
		t.Errorf("History() = %q", got)
	}
}

func TestCompress_OnlySummaryPresent(t *testing.T) {
	sum := &stubSummarizer{summary: "x"}
	c := NewCompressor(sum, CompressOptions{}, discardLogger())
	bb := New(Options{})
	bb.AddHistory(SummaryPrefix + " old")

	ok, err := c.Compress(context.Background(), bb)
	if ok || !errors.Is(err, ErrNothingToCompress) {
		t.Errorf("Compress() = %v, %v", ok, err)
	}
	if got := bb.History(); len(got) != 1 {
		t.Errorf("history should be unchanged, got %q", got)
	}
}

func TestCompress_FailureKeepsRecentRaw(t *testing.T) {
	tests := []struct {
		name string
		sum  *stubSummarizer
	}{
		{"error", &stubSummarizer{err: errors.New("model down")}},
		{"empty summary", &stubSummarizer{summary: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCompressor(tt.sum, CompressOptions{}, discardLogger())
			bb := New(Options{})
			bb.AddHistory(SummaryPrefix + " old")
			fill(bb, 15)

			ok, err := c.Compress(context.Background(), bb)
			if ok || err != nil {
				t.Fatalf("Compress() = %v, %v; want false, nil", ok, err)
			}
			got := bb.History()
			if len(got) != 10 || got[0] != "e6" || got[9] != "e15" {
				t.Errorf("History() = %q, want e6..e15", got)
			}
		})
	}
}

func TestCompress_NilSummarizerFallsBack(t *testing.T) {
	c := NewCompressor(nil, CompressOptions{FallbackKeep: 2}, discardLogger())
	bb := New(Options{})
	fill(bb, 4)

	ok, err := c.Compress(context.Background(), bb)
	if ok || err != nil {
		t.Fatalf("Compress() = %v, %v", ok, err)
	}
	if got := bb.History(); fmt.Sprint(got) != "[e3 e4]" {
		t.Errorf("History() = %q", got)
	}
}

func TestCompress_PreservesEntriesAddedDuringSummary(t *testing.T) {
	bb := New(Options{})
	fill(bb, 3)
	sum := &stubSummarizer{summary: "s", during: func() { bb.AddHistory("late") }}
	c := NewCompressor(sum, CompressOptions{}, discardLogger())

	if ok, _ := c.Compress(context.Background(), bb); !ok {
		t.Fatal("expected compression")
	}
	want := []string{SummaryPrefix + " s", "e3", "late"}
	if got := bb.History(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("History() = %q, want %q", got, want)
	}
}

func TestCompress_KeepRecentOption(t *testing.T) {
	c := NewCompressor(&stubSummarizer{summary: "s"}, CompressOptions{KeepRecent: 3}, discardLogger())
	bb := New(Options{})
	fill(bb, 6)

	c.Compress(context.Background(), bb)
	if got := bb.History(); len(got) != 4 || got[1] != "e4" {
		t.Errorf("History() = %q", got)
	}
}

// chatStub is an llm.Client returning one canned reply.
type chatStub struct {
	content  string
	err      error
	model    string
	messages []llm.Message
}

func (c *chatStub) Chat(_ context.Context, model string, msgs []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	c.model = model
	c.messages = msgs
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: c.content}}, nil
}

func (c *chatStub) ChatStream(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.Chat(ctx, model, msgs, tools)
}

func (c *chatStub) Ping(context.Context) error { return nil }

func TestLLMSummarizer(t *testing.T) {
	client := &chatStub{content: "summary text"}
	s := NewLLMSummarizer(client, "default-model")

	got, err := s.Summarize(context.Background(), SummaryRequest{
		Entries:      []string{strings.Repeat("y", 250)},
		DisplayLimit: 200,
	})
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if got != "summary text" {
		t.Errorf("Summarize() = %q", got)
	}
	if client.model != "default-model" {
		t.Errorf("model = %q, want default-model", client.model)
	}
	if len(client.messages) != 2 || client.messages[0].Role != llm.RoleSystem {
		t.Fatalf("messages = %+v", client.messages)
	}
	if strings.Contains(client.messages[1].Content, strings.Repeat("y", 201)) {
		t.Error("entries should be cut to the display limit")
	}

	if _, err := s.Summarize(context.Background(), SummaryRequest{Model: "other"}); err != nil {
		t.Fatal(err)
	}
	if client.model != "other" {
		t.Errorf("request model should override default, got %q", client.model)
	}
}

func TestLLMSummarizer_Error(t *testing.T) {
	s := NewLLMSummarizer(&chatStub{err: errors.New("boom")}, "m")
	if _, err := s.Summarize(context.Background(), SummaryRequest{}); err == nil {
		t.Error("expected error")
	}
}

func TestCompress_KeepRecentFloor(t *testing.T) {
	for _, keep := range []int{0, -2} {
		t.Run(fmt.Sprint(keep), func(t *testing.T) {
			c := NewCompressor(&stubSummarizer{summary: "s"}, CompressOptions{KeepRecent: keep}, discardLogger())
			bb := New(Options{})
			fill(bb, 5)

			ok, err := c.Compress(context.Background(), bb)
			if !ok || err != nil {
				t.Fatalf("Compress() = %v, %v", ok, err)
			}
			want := []string{SummaryPrefix + " s", "e5"}
			if got := bb.History(); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("History() = %q, want %q", got, want)
			}
		})
	}
}
