package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()

	ok := bus.Emit(TypeResourceStateChanged, map[string]any{"resource_id": "state", "state": "initialized"})
	if !ok {
		t.Fatal("Emit() = false on open bus")
	}

	select {
	case received := <-ch:
		if received.EventType() != TypeResourceStateChanged {
			t.Errorf("expected %s, got %s", TypeResourceStateChanged, received.EventType())
		}
		if received.Source() != "state" {
			t.Errorf("expected source state, got %s", received.Source())
		}
		pe, ok := received.(PayloadEvent)
		if !ok {
			t.Fatalf("expected PayloadEvent, got %T", received)
		}
		if pe.Payload["state"] != "initialized" {
			t.Errorf("payload state = %v", pe.Payload["state"])
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	healthCh := bus.Subscribe(TypeSystemHealthChanged)
	allCh := bus.Subscribe()

	bus.Emit(TypeResourceStateChanged, map[string]any{"component": "coordinator"})
	bus.Emit(TypeSystemHealthChanged, map[string]any{"component": "circuit_breaker"})

	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("allCh should receive event %d", i)
		}
	}

	select {
	case received := <-healthCh:
		if received.EventType() != TypeSystemHealthChanged {
			t.Errorf("expected system_health_changed, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("healthCh should receive health event")
	}

	select {
	case extra := <-healthCh:
		t.Errorf("healthCh received unexpected %s", extra.EventType())
	default:
	}
}

func TestEventBus_PriorityNeverDrops(t *testing.T) {
	bus := New(5)
	defer bus.Close()

	priorityCh := bus.SubscribePriority()

	for i := 0; i < 100; i++ {
		bus.Emit(TypeMetricRecorded, map[string]any{"i": i})
	}

	bus.EmitPriority(TypeResourceErrorOccurred, map[string]any{"severity": "FATAL"})

	select {
	case received := <-priorityCh:
		if received.EventType() != TypeResourceErrorOccurred {
			t.Errorf("expected resource_error_occurred, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("priority event should never be dropped")
	}
}

func TestEventBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(3)
	defer bus.Close()

	ch := bus.Subscribe()
	for i := 0; i < 10; i++ {
		bus.Emit(TypeMetricRecorded, map[string]any{"i": i})
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected dropped events with a full buffer")
	}
	if bus.PublishedCount() != 10 {
		t.Errorf("PublishedCount() = %d, want 10", bus.PublishedCount())
	}

	// The newest event must still be present.
	var last int
	for i := 0; i < 3; i++ {
		ev := (<-ch).(PayloadEvent)
		last = ev.Payload["i"].(int)
	}
	if last != 9 {
		t.Errorf("last event = %d, want 9", last)
	}
}

func TestEventBus_EmitAfterClose(t *testing.T) {
	bus := New(10)
	ch := bus.Subscribe()
	bus.Close()

	if bus.Emit(TypeCoordination, nil) {
		t.Error("Emit() after Close should return false")
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	// Double close is safe.
	bus.Close()

	late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
	bus.Emit(TypeCoordination, nil)
}

func TestEventBus_ConcurrentEmit(t *testing.T) {
	bus := New(1000)
	defer bus.Close()
	ch := bus.Subscribe()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Emit(TypeCoordination, map[string]any{"id": fmt.Sprintf("%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()

	if got := len(ch); got != 500 {
		t.Errorf("buffered events = %d, want 500", got)
	}
}

func TestEmitImportant(t *testing.T) {
	bus := New(10)
	defer bus.Close()
	pch := bus.SubscribePriority()

	EmitImportant(bus, TypeResourceErrorOccurred, map[string]any{"severity": "FATAL"})

	select {
	case <-pch:
	case <-time.After(100 * time.Millisecond):
		t.Error("EmitImportant should use the priority path")
	}

	if !EmitImportant(Nop{}, TypeCoordination, nil) {
		t.Error("Nop should accept events")
	}
}
