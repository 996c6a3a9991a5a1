package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/steploop/internal/config"
	"github.com/nugget/steploop/internal/runner"
)

func TestConfigYAML_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	def := config.Default()
	if cfg.Loop != def.Loop {
		t.Errorf("Loop = %+v, want defaults %+v", cfg.Loop, def.Loop)
	}
	if cfg.Blackboard != def.Blackboard {
		t.Errorf("Blackboard = %+v, want defaults %+v", cfg.Blackboard, def.Blackboard)
	}
	if cfg.StopSignal != def.StopSignal {
		t.Errorf("StopSignal = %+v, want defaults %+v", cfg.StopSignal, def.StopSignal)
	}
	if cfg.ContextWindow(cfg.Models.Default) != 32768 {
		t.Errorf("default model context window = %d", cfg.ContextWindow(cfg.Models.Default))
	}
}

func TestGoalsYAML_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goals.yaml")
	if err := os.WriteFile(path, GoalsYAML, 0o644); err != nil {
		t.Fatal(err)
	}
	goals, err := runner.LoadGoals(path)
	if err != nil {
		t.Fatalf("example goals do not load: %v", err)
	}
	if len(goals) != 3 {
		t.Fatalf("len(goals) = %d, want 3", len(goals))
	}
	if goals[1].Context["user_name"] != "Ada" {
		t.Errorf("goal 2 context = %v", goals[1].Context)
	}
}
