package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/steploop/internal/config"
	"github.com/nugget/steploop/internal/events"
	"github.com/nugget/steploop/internal/stopsignal"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakePublisher) published() []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paho.Publish(nil), f.msgs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(bus *events.Bus, stops *stopsignal.Registry) (*Bridge, *fakePublisher) {
	cfg := config.MQTTConfig{Broker: "mqtt://localhost:1883", DeviceName: "lab"}
	b := New(cfg, "instance-1", bus, stops, discardLogger())
	pub := &fakePublisher{}
	b.pub = pub
	return b, pub
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

func TestNewInfo(t *testing.T) {
	info := NewInfo("abc", "lab")
	if info.InstanceID != "abc" || info.Device != "lab" {
		t.Errorf("info = %+v", info)
	}
	if info.AvailabilityTopic != "steploop/lab/availability" {
		t.Errorf("AvailabilityTopic = %q", info.AvailabilityTopic)
	}
	if info.EventsTopic != "steploop/lab/events/#" {
		t.Errorf("EventsTopic = %q", info.EventsTopic)
	}
	if info.StopTopic != "steploop/lab/stop/+" {
		t.Errorf("StopTopic = %q", info.StopTopic)
	}
}

func TestStopSession(t *testing.T) {
	tp := newTopics("lab")
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"steploop/lab/stop/sess-1", "sess-1", true},
		{"steploop/lab/stop/", "", false},
		{"steploop/lab/stop/a/b", "", false},
		{"steploop/other/stop/sess-1", "", false},
		{"steploop/lab/events/step_done", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := tp.stopSession(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("stopSession(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestHandleMessage_StopAndClear(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)
	stops := stopsignal.New(time.Minute, discardLogger())
	b, _ := newTestBridge(bus, stops)

	b.handleMessage("steploop/lab/stop/sess-1", []byte(" STOP\n"))
	if !stops.ShouldStop("sess-1") {
		t.Fatal("stop payload should set the signal")
	}
	e := <-ch
	if e.Kind != events.KindStopRequested || e.Data["session_id"] != "sess-1" || e.Data["origin"] != OriginMQTT {
		t.Errorf("event = %+v", e)
	}

	b.handleMessage("steploop/lab/stop/sess-1", []byte("clear"))
	if stops.ShouldStop("sess-1") {
		t.Fatal("clear payload should remove the signal")
	}
	if e := <-ch; e.Kind != events.KindStopCleared {
		t.Errorf("event kind = %q, want %q", e.Kind, events.KindStopCleared)
	}
}

func TestHandleMessage_Ignored(t *testing.T) {
	var buf bytes.Buffer
	stops := stopsignal.New(time.Minute, discardLogger())
	b, _ := newTestBridge(nil, stops)
	b.logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	b.handleMessage("steploop/lab/stop/sess-1", []byte("pause"))
	b.handleMessage("steploop/other/stop/sess-2", []byte("stop"))

	if len(stops.Active()) != 0 {
		t.Errorf("no signal should be set, got %v", stops.Active())
	}
	out := buf.String()
	if !strings.Contains(out, "mqtt stop message ignored") {
		t.Errorf("expected ignored payload warning, got: %s", out)
	}
	if !strings.Contains(out, "topic=steploop/other/stop/sess-2") {
		t.Errorf("expected unexpected topic log, got: %s", out)
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	stops := stopsignal.New(time.Minute, discardLogger())
	b, _ := newTestBridge(nil, stops)
	b.limiter = newMessageRateLimiter(1, time.Hour, discardLogger())

	b.handleMessage("steploop/lab/stop/a", []byte("stop"))
	b.handleMessage("steploop/lab/stop/b", []byte("stop"))

	if !stops.ShouldStop("a") {
		t.Error("first message should be applied")
	}
	if stops.ShouldStop("b") {
		t.Error("second message should be dropped by the rate limit")
	}
}

func TestForward_PublishesEvents(t *testing.T) {
	b, pub := newTestBridge(nil, nil)
	ch := make(chan events.Event, 2)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ch <- events.Event{Timestamp: ts, Source: events.SourceLoop, Kind: events.KindStepDone, Data: map[string]any{"step": 2}}
	ch <- events.Event{Timestamp: ts, Source: events.SourceLoop, Kind: events.KindTaskComplete}
	close(ch)

	b.forward(context.Background(), ch)

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "steploop/lab/events/step_done" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if msgs[1].Topic != "steploop/lab/events/task_complete" {
		t.Errorf("topic = %q", msgs[1].Topic)
	}

	var got events.Event
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Kind != events.KindStepDone || got.Data["step"] != float64(2) || !got.Timestamp.Equal(ts) {
		t.Errorf("payload = %+v", got)
	}
}

func TestForward_StopsOnContext(t *testing.T) {
	b, _ := newTestBridge(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		b.forward(ctx, make(chan events.Event))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after cancel")
	}
}

func TestPublishEvent_ErrorIsNotFatal(t *testing.T) {
	b, pub := newTestBridge(nil, nil)
	pub.err = errors.New("not connected")
	b.publishEvent(context.Background(), events.Event{Kind: events.KindStepStart})
	if len(pub.published()) != 0 {
		t.Error("nothing should be recorded on error")
	}
}

func TestStopAndAwait_NotStarted(t *testing.T) {
	b, _ := newTestBridge(nil, nil)
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on unstarted bridge = %v, want nil", err)
	}
	if err := b.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() on unstarted bridge should fail")
	}
}

func TestMessageRateLimiter_Reset(t *testing.T) {
	var buf bytes.Buffer
	r := newMessageRateLimiter(2, time.Hour, slog.New(slog.NewTextHandler(&buf, nil)))
	for range 3 {
		r.allow()
	}
	if r.allow() {
		t.Fatal("allow() over the limit should be false")
	}
	r.reset()
	if !strings.Contains(buf.String(), "dropped=2") {
		t.Errorf("expected dropped count in warning, got: %s", buf.String())
	}
	if !r.allow() {
		t.Error("allow() after reset should be true")
	}
}
