// Package config handles steploop configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/steploop/config.yaml, /etc/steploop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steploop", "config.yaml"))
	}

	paths = append(paths, "/etc/steploop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all steploop configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Loop       LoopConfig       `yaml:"loop"`
	Blackboard BlackboardConfig `yaml:"blackboard"`
	StopSignal StopSignalConfig `yaml:"stop_signal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Batch      BatchConfig      `yaml:"batch"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Summary   string        `yaml:"summary"` // model used for history compression; empty = Default
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig describes one model the loop may be pointed at.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic, openai
	ContextWindow int    `yaml:"context_window"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for OpenAI and compatible endpoints.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LoopConfig bounds a single task execution.
type LoopConfig struct {
	MaxSteps      int `yaml:"max_steps"`
	HistoryWindow int `yaml:"history_window"`

	// MaxConsecutiveModelFailures fails the task after this many model
	// errors in a row. Zero disables escalation.
	MaxConsecutiveModelFailures int `yaml:"max_consecutive_model_failures"`

	// ToolTimeout is an optional per-call limit. Zero means no limit.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// BlackboardConfig controls history retention and compression.
type BlackboardConfig struct {
	MaxHistory           int     `yaml:"max_history"`
	KeepRecent           int     `yaml:"keep_recent"`
	DisplayLimit         int     `yaml:"display_limit"`
	FallbackKeep         int     `yaml:"fallback_keep"`
	CompressTriggerRatio float64 `yaml:"compress_trigger_ratio"`
}

// StopSignalConfig controls the cooperative cancellation registry.
type StopSignalConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"` // cron spec, e.g. "@every 1m"
}

// MetricsConfig enables the Prometheus endpoint. Empty Address disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// TracingConfig configures OTLP trace export. Empty Endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MQTTConfig configures the progress and remote-stop bridge. Empty
// Broker disables it.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// BatchConfig bounds the batch runner.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Load reads configuration from a YAML file. Values missing from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama", ContextWindow: 32768},
			},
		},
		Loop: LoopConfig{
			MaxSteps:                    500,
			HistoryWindow:               10,
			MaxConsecutiveModelFailures: 3,
		},
		Blackboard: BlackboardConfig{
			MaxHistory:           100,
			KeepRecent:           1,
			DisplayLimit:         200,
			FallbackKeep:         10,
			CompressTriggerRatio: 0.9,
		},
		StopSignal: StopSignalConfig{
			TTL:           300 * time.Second,
			SweepSchedule: "@every 1m",
		},
		Tracing: TracingConfig{SamplingRate: 1.0},
		MQTT:    MQTTConfig{DeviceName: "steploop"},
		Batch:   BatchConfig{Concurrency: 4},
	}
}

// Validate checks the configuration for values the loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Loop.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("loop.max_steps must be >= 1, got %d", c.Loop.MaxSteps))
	}
	if c.Loop.HistoryWindow < 1 {
		errs = append(errs, fmt.Errorf("loop.history_window must be >= 1, got %d", c.Loop.HistoryWindow))
	}
	if c.Loop.MaxConsecutiveModelFailures < 0 {
		errs = append(errs, errors.New("loop.max_consecutive_model_failures must not be negative"))
	}
	if c.Blackboard.MaxHistory < 1 {
		errs = append(errs, fmt.Errorf("blackboard.max_history must be >= 1, got %d", c.Blackboard.MaxHistory))
	}
	if r := c.Blackboard.CompressTriggerRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("blackboard.compress_trigger_ratio must be in (0, 1], got %g", r))
	}
	if c.Batch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("batch.concurrency must be >= 1, got %d", c.Batch.Concurrency))
	}
	return errors.Join(errs...)
}

// ContextWindow returns the configured context window for model, or 0
// when the model is not listed.
func (c *Config) ContextWindow(model string) int {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.ContextWindow
		}
	}
	return 0
}

// SummaryModel returns the model used for history compression.
func (c *Config) SummaryModel() string {
	if c.Models.Summary != "" {
		return c.Models.Summary
	}
	return c.Models.Default
}

// DBPath returns the SQLite database location under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "steploop.db")
}
