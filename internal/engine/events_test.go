package engine

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	got := make(chan Event, 1)

	eb.On("test", EventDeviceAdded, func(e Event) {
		got <- e
	})

	eb.Emit(Event{Type: EventDeviceAdded, Data: "test"})

	select {
	case received := <-got:
		if received.Type != EventDeviceAdded {
			t.Errorf("type = %q, want %q", received.Type, EventDeviceAdded)
		}
		if received.Data != "test" {
			t.Errorf("data = %v, want %q", received.Data, "test")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Bool

	eb.On("test", EventDeviceAdded, func(e Event) {
		called.Store(true)
	})

	eb.Emit(Event{Type: EventDeviceRemoved, Data: "test"})
	eb.Close()

	if called.Load() {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll("test", func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAdded})
	eb.Emit(Event{Type: EventDeviceRemoved})
	eb.Emit(Event{Type: EventDeviceChanged})
	eb.Close()

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On("test", EventDeviceAdded, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAdded})
	unsub()
	eb.Emit(Event{Type: EventDeviceAdded})
	eb.Close()

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
	if eb.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", eb.Subscribers())
	}
	// unsubscribing after Close must not panic
	unsub()
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On("panics", EventDeviceAdded, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On("counts", EventDeviceAdded, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventDeviceAdded})
	eb.Emit(Event{Type: EventDeviceAdded})
	eb.Close()

	// the panicking subscriber keeps receiving after a panic
	if c := called.Load(); c != 4 {
		t.Errorf("expected 4 handler calls, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll("test", func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventDeviceChanged})
		}()
	}
	wg.Wait()
	eb.Close()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestEventBusPreservesOrderPerSubscriber(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got []int

	eb.OnAll("ordered", func(e Event) {
		got = append(got, e.Data.(int))
	})
	for i := 0; i < 200; i++ {
		eb.Emit(Event{Type: EventDeviceChanged, Data: i})
	}
	eb.Close()

	if len(got) != 200 {
		t.Fatalf("received %d events, want 200", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, out of order", i, v)
		}
	}
}

func TestEventBusSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	eb := NewEventBus(newTestLogger(), WithQueueSize(2))
	release := make(chan struct{})
	var slow, fast atomic.Int32

	eb.OnAll("slow", func(e Event) {
		<-release
		slow.Add(1)
	})
	eb.OnAll("fast", func(e Event) {
		fast.Add(1)
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			eb.Emit(Event{Type: EventDeviceChanged})
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	close(release)
	eb.Close()

	if fast.Load() != 10 {
		t.Errorf("fast subscriber got %d, want 10", fast.Load())
	}
	// one in the handler plus a full queue of 2
	if s := slow.Load(); s > 3 {
		t.Errorf("slow subscriber got %d, expected drops", s)
	}
}

func TestDeviceChangeFields(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := DeviceChange{DeviceID: 7, Status: "offline", Latency: 3, ObservedAt: ts}

	m := c.Fields()
	if m["device_id"] != uint64(7) || m["status"] != "offline" || m["latency"] != 3 {
		t.Errorf("fields = %v", m)
	}
	if _, ok := m["downtime_start"]; ok {
		t.Error("downtime_start should be absent when nil")
	}

	c.DowntimeStart = &ts
	if got := c.Fields()["downtime_start"]; got != "2024-05-01T10:00:00Z" {
		t.Errorf("downtime_start = %v", got)
	}
}
