package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/steploop/internal/agentloop"
)

// fakeOllama answers /api/chat from a script. Once the script runs out
// the last reply repeats.
type fakeOllama struct {
	replies []string
	calls   atomic.Int32
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}
	n := int(f.calls.Add(1)) - 1
	reply := f.replies[min(n, len(f.replies)-1)]
	if reply == "" {
		http.Error(w, "model unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, reply)
}

const (
	echoReply  = `{"model":"test-model","message":{"role":"assistant","content":"noting it","tool_calls":[{"function":{"name":"echo","arguments":{"text":"hello"}}}]},"done":true,"prompt_eval_count":12,"eval_count":3}`
	finalReply = `{"model":"test-model","message":{"role":"assistant","content":"all done"},"done":true,"prompt_eval_count":20,"eval_count":2}`
)

// writeConfig creates a config file whose data lives in a temp dir and
// whose only model is served by srv.
func writeConfig(t *testing.T, srv *httptest.Server, extra string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`data_dir: %s
log_level: error
models:
  default: test-model
  ollama_url: %s
  available:
    - name: test-model
      provider: ollama
loop:
  max_steps: 5
  max_consecutive_model_failures: 1
%s`, filepath.Join(dir, "data"), srv.URL, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out, "Usage: steploop") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x", "run"}, "unknown flag: -x"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"run without goal", []string{"run"}, "usage: steploop run"},
		{"batch without file", []string{"batch"}, "usage: steploop batch"},
		{"steps without id", []string{"steps"}, "usage: steploop steps"},
		{"report without id", []string{"report"}, "usage: steploop report"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "tasks"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("text version missing fields:\n%s", out)
	}

	out, _, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("json version error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("version json = %v", info)
	}
}

func TestRun_TaskLifecycle(t *testing.T) {
	model := &fakeOllama{replies: []string{echoReply, finalReply}}
	srv := httptest.NewServer(model)
	defer srv.Close()
	cfgPath := writeConfig(t, srv, "")

	out, _, err := runCmd(t, "-config", cfgPath, "-o", "json", "run", "-session", "s1", "say", "hello")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	var res agentloop.TaskResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("result json: %v\n%s", err, out)
	}
	if res.Status != agentloop.StatusCompleted || res.Response != "all done" || res.Steps != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.History) != 1 || !strings.Contains(res.History[0], "echo:\nhello") {
		t.Errorf("history = %q", res.History)
	}

	out, _, err = runCmd(t, "-config", cfgPath, "tasks")
	if err != nil {
		t.Fatalf("tasks error = %v", err)
	}
	if !strings.Contains(out, res.TaskID) || !strings.Contains(out, "completed") || !strings.Contains(out, "say hello") {
		t.Errorf("tasks output:\n%s", out)
	}

	out, _, err = runCmd(t, "-config", cfgPath, "steps", res.TaskID)
	if err != nil {
		t.Fatalf("steps error = %v", err)
	}
	if !strings.Contains(out, "echo") || !strings.Contains(out, "final") {
		t.Errorf("steps output:\n%s", out)
	}

	out, _, err = runCmd(t, "-config", cfgPath, "report", res.TaskID)
	if err != nil {
		t.Fatalf("report error = %v", err)
	}
	for _, want := range []string{"# Task " + res.TaskID, "### Step 1 (echo)", "## History", "| Tokens | 32 in / 5 out |"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	out, _, err = runCmd(t, "-config", cfgPath, "report", "-html", res.TaskID)
	if err != nil {
		t.Fatalf("html report error = %v", err)
	}
	if !strings.Contains(out, "<h1>Task "+res.TaskID+"</h1>") {
		t.Errorf("html report:\n%s", out)
	}
}

func TestRun_TaskTextOutput(t *testing.T) {
	srv := httptest.NewServer(&fakeOllama{replies: []string{echoReply, finalReply}})
	defer srv.Close()
	cfgPath := writeConfig(t, srv, "")

	out, _, err := runCmd(t, "-config", cfgPath, "run", "say hello")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	for _, want := range []string{"started: say hello", "step 1: echo ok", "step 2: final answer", "completed in 2 steps", "all done"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_TaskFails(t *testing.T) {
	srv := httptest.NewServer(&fakeOllama{replies: []string{""}})
	defer srv.Close()
	cfgPath := writeConfig(t, srv, "")

	out, _, err := runCmd(t, "-config", cfgPath, "run", "anything")
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("run error = %v, want task failure", err)
	}
	if !strings.Contains(out, "model error") || !strings.Contains(out, "consecutive model failures") {
		t.Errorf("output:\n%s", out)
	}
}

func TestRun_Batch(t *testing.T) {
	srv := httptest.NewServer(&fakeOllama{replies: []string{finalReply}})
	defer srv.Close()
	cfgPath := writeConfig(t, srv, "batch:\n  concurrency: 2\n")

	goals := filepath.Join(t.TempDir(), "goals.yaml")
	if err := os.WriteFile(goals, []byte("goals:\n  - goal: one\n  - goal: two\n  - goal: three\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCmd(t, "-config", cfgPath, "-o", "json", "batch", goals)
	if err != nil {
		t.Fatalf("batch error = %v", err)
	}
	var sum batchSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("batch json: %v\n%s", err, out)
	}
	if sum.Completed != 3 || len(sum.Outcomes) != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Outcomes[1].Goal != "two" || sum.Outcomes[1].Result.Response != "all done" {
		t.Errorf("outcome 2 = %+v", sum.Outcomes[1])
	}

	out, _, err = runCmd(t, "-config", cfgPath, "-o", "json", "tasks", "-limit", "0")
	if err != nil {
		t.Fatalf("tasks error = %v", err)
	}
	var tasks []map[string]any
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("tasks json: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("stored tasks = %d, want 3", len(tasks))
	}
}

func TestRun_StepsUnknownTask(t *testing.T) {
	srv := httptest.NewServer(&fakeOllama{replies: []string{finalReply}})
	defer srv.Close()
	cfgPath := writeConfig(t, srv, "")

	_, _, err := runCmd(t, "-config", cfgPath, "steps", "nope")
	if err == nil || !strings.Contains(err.Error(), "task not found") {
		t.Errorf("error = %v, want task not found", err)
	}
}

func TestRun_MetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(&fakeOllama{replies: []string{finalReply}})
	defer srv.Close()
	cfgPath := writeConfig(t, srv, "metrics:\n  address: 127.0.0.1:0\n")

	cfg, logger, err := loadConfig(cfgPath, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	a, err := newApp(context.Background(), cfg, logger, appOptions{})
	if err != nil {
		t.Fatalf("newApp error = %v", err)
	}
	defer closeApp(a)

	if _, err := a.orch.Execute(context.Background(), "hi", agentloop.Session{ID: "m"}); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + a.metricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	for _, want := range []string{"steploop_steps_total", "steploop_tasks_total", "go_goroutines"} {
		if !strings.Contains(body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
