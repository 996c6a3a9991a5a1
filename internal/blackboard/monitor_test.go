package blackboard

import (
	"context"
	"strings"
	"testing"
)

func TestMonitor_EstimateTokens(t *testing.T) {
	m := NewMonitor(nil, 0, discardLogger())
	bb := New(Options{})
	if got := m.EstimateTokens(bb); got != 0 {
		t.Errorf("empty estimate = %d, want 0", got)
	}

	bb.AddHistory(strings.Repeat("a", 397)) // 400 chars with bullet overhead
	if got := m.EstimateTokens(bb); got != 100 {
		t.Errorf("estimate = %d, want 100", got)
	}
}

func TestMonitor_NeedsCompression(t *testing.T) {
	m := NewMonitor(nil, 0.9, discardLogger())
	bb := New(Options{})
	bb.AddHistory(strings.Repeat("a", 397)) // ~100 tokens

	tests := []struct {
		limit int
		want  bool
	}{
		{0, false},
		{-5, false},
		{111, true},  // 99.9 threshold
		{112, false}, // 100.8 threshold
		{1000, false},
	}
	for _, tt := range tests {
		if got := m.NeedsCompression(bb, tt.limit); got != tt.want {
			t.Errorf("NeedsCompression(limit=%d) = %v, want %v", tt.limit, got, tt.want)
		}
	}
}

func TestMonitor_DefaultRatio(t *testing.T) {
	if m := NewMonitor(nil, 1.5, nil); m.ratio != DefaultTriggerRatio {
		t.Errorf("ratio = %v, want %v", m.ratio, DefaultTriggerRatio)
	}
}

func TestMonitor_CompressHistory(t *testing.T) {
	sum := &stubSummarizer{summary: "s"}
	m := NewMonitor(NewCompressor(sum, CompressOptions{}, discardLogger()), 0.9, discardLogger())
	bb := New(Options{})
	fill(bb, 3)

	if !m.CompressHistory(context.Background(), bb, 128000, "summary-model") {
		t.Fatal("CompressHistory should compress unconditionally")
	}
	if sum.got[0].Model != "summary-model" {
		t.Errorf("model = %q", sum.got[0].Model)
	}
	if bb.Len() != 2 {
		t.Errorf("Len() = %d, want 2", bb.Len())
	}

	if m.CompressHistory(context.Background(), New(Options{}), 100, "") {
		t.Error("empty history should report false")
	}
}

func TestMonitor_Check(t *testing.T) {
	sum := &stubSummarizer{summary: "s"}
	m := NewMonitor(NewCompressor(sum, CompressOptions{}, discardLogger()), 0.9, discardLogger())
	bb := New(Options{})
	fill(bb, 3)

	if m.Check(context.Background(), bb, 100000, "") {
		t.Error("small history should not compress")
	}
	if len(sum.got) != 0 {
		t.Error("summarizer called below threshold")
	}

	if !m.Check(context.Background(), bb, 1, "") {
		t.Error("history over threshold should compress")
	}
}
