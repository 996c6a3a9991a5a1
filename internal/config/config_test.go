package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "loop:\n  max_steps: 20\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want config.yaml", got)
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Loop.MaxSteps != 500 {
		t.Errorf("MaxSteps = %d, want 500", cfg.Loop.MaxSteps)
	}
	if cfg.Loop.HistoryWindow != 10 {
		t.Errorf("HistoryWindow = %d, want 10", cfg.Loop.HistoryWindow)
	}
	if cfg.Blackboard.MaxHistory != 100 {
		t.Errorf("MaxHistory = %d, want 100", cfg.Blackboard.MaxHistory)
	}
	if cfg.StopSignal.TTL != 300*time.Second {
		t.Errorf("TTL = %v, want 5m", cfg.StopSignal.TTL)
	}
}

func TestLoad_KeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "loop:\n  max_steps: 25\nstop_signal:\n  ttl: 90s\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Loop.MaxSteps != 25 {
		t.Errorf("MaxSteps = %d, want 25", cfg.Loop.MaxSteps)
	}
	if cfg.Loop.HistoryWindow != 10 {
		t.Errorf("HistoryWindow = %d, want default 10", cfg.Loop.HistoryWindow)
	}
	if cfg.StopSignal.TTL != 90*time.Second {
		t.Errorf("TTL = %v, want 90s", cfg.StopSignal.TTL)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("STEPLOOP_TEST_KEY", "secret123")
	path := writeConfig(t, "openai:\n  api_key: ${STEPLOOP_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "secret123" {
		t.Errorf("api_key = %q, want secret123", cfg.OpenAI.APIKey)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero steps", "loop:\n  max_steps: 0\n", "max_steps"},
		{"bad provider", "models:\n  available:\n    - name: x\n      provider: bogus\n", "unknown provider"},
		{"bad level", "log_level: loud\n", "unknown log level"},
		{"bad ratio", "blackboard:\n  compress_trigger_ratio: 1.5\n", "compress_trigger_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestContextWindowAndSummaryModel(t *testing.T) {
	cfg := Default()
	if got := cfg.ContextWindow("qwen3:4b"); got != 32768 {
		t.Errorf("ContextWindow = %d, want 32768", got)
	}
	if got := cfg.ContextWindow("unknown"); got != 0 {
		t.Errorf("ContextWindow(unknown) = %d, want 0", got)
	}
	if cfg.SummaryModel() != cfg.Models.Default {
		t.Errorf("SummaryModel should fall back to default")
	}
	cfg.Models.Summary = "small"
	if cfg.SummaryModel() != "small" {
		t.Errorf("SummaryModel = %q, want small", cfg.SummaryModel())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("got %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level should pass through")
	}
}
