package notify

import (
	"sync"
	"sync/atomic"
	"testing"
)

type testEvent struct {
	Value int
}

func TestEmitter_OnEvent(t *testing.T) {
	var e Emitter[testEvent]

	var received []testEvent
	e.OnEvent(func(ev testEvent) {
		received = append(received, ev)
	})

	e.Emit(testEvent{Value: 42})

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Value != 42 {
		t.Errorf("expected value 42, got %d", received[0].Value)
	}
}

func TestEmitter_OrderAndCancel(t *testing.T) {
	var e Emitter[testEvent]

	var calls []string
	e.OnEvent(func(testEvent) { calls = append(calls, "a") })
	cancelB := e.OnEvent(func(testEvent) { calls = append(calls, "b") })
	e.OnEvent(func(testEvent) { calls = append(calls, "c") })

	e.Emit(testEvent{})
	cancelB()
	cancelB()
	e.Emit(testEvent{})

	want := []string{"a", "b", "c", "a", "c"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
	if e.Len() != 2 {
		t.Errorf("expected 2 handlers, got %d", e.Len())
	}
}

func TestEmitter_ConcurrentEmit(t *testing.T) {
	var e Emitter[testEvent]

	var total atomic.Int64
	e.OnEvent(func(ev testEvent) {
		total.Add(int64(ev.Value))
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(testEvent{Value: 1})
		}()
	}
	wg.Wait()

	if total.Load() != 50 {
		t.Errorf("expected 50, got %d", total.Load())
	}
}

func TestEmitter_RegisterDuringEmit(t *testing.T) {
	var e Emitter[testEvent]

	var late atomic.Int32
	e.OnEvent(func(testEvent) {
		e.OnEvent(func(testEvent) { late.Add(1) })
	})

	e.Emit(testEvent{})
	if late.Load() != 0 {
		t.Fatalf("handler registered during emit must not see that event")
	}
	e.Emit(testEvent{})
	if late.Load() != 1 {
		t.Errorf("expected 1 late call, got %d", late.Load())
	}
}
