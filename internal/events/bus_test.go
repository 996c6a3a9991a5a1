package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceLoop, Kind: KindTaskStart})
	b.Emit(SourceLoop, KindStepStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceLoop, KindStepDone, map[string]any{"task_id": "t1", "step": 3})

	select {
	case got := <-ch:
		if !got.Timestamp.Equal(fixed) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, fixed)
		}
		if got.Kind != KindStepDone || got.Data["step"] != 3 {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ts := time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{Timestamp: ts, Source: SourceRunner, Kind: KindBatchDone})
	if got := <-ch; !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Emit(SourceLoop, KindTaskComplete, nil)
	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Kind != KindTaskComplete {
				t.Errorf("subscriber %d got kind %q", i, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestFullSubscriberDropsAndCounts(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceLoop, KindStepStart, nil)
	b.Emit(SourceLoop, KindStepStart, nil)
	b.Emit(SourceLoop, KindStepStart, nil)

	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(1000)
	defer b.Unsubscribe(ch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(SourceLoop, KindToolDone, nil)
			}
		}()
	}
	wg.Wait()

	if got := len(ch) + int(b.Dropped()); got != 500 {
		t.Errorf("delivered+dropped = %d, want 500", got)
	}
}
