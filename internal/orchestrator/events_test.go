package orchestrator

import (
	"testing"
)

func TestEventBusOn(t *testing.T) {
	eb := NewEventBus(testLogger())

	var got []Event
	eb.On(EventStateTransition, func(evt Event) {
		got = append(got, evt)
	})

	eb.Emit(Event{Type: EventStateTransition, Data: "a"})
	eb.Emit(Event{Type: EventAttemptStarted, Data: "ignored"})
	eb.Emit(Event{Type: EventStateTransition, Data: "b"})

	if len(got) != 2 {
		t.Fatalf("handler called %d times, want 2", len(got))
	}
	if got[0].Data != "a" || got[1].Data != "b" {
		t.Errorf("got %v", got)
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(testLogger())

	count := 0
	eb.OnAll(func(Event) { count++ })

	eb.Emit(Event{Type: EventStateTransition})
	eb.Emit(Event{Type: EventAttemptFinished})
	eb.Emit(Event{Type: EventHotspotUp})

	if count != 3 {
		t.Errorf("handler called %d times, want 3", count)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(testLogger())

	count := 0
	unsub := eb.On(EventStateTransition, func(Event) { count++ })

	eb.Emit(Event{Type: EventStateTransition})
	unsub()
	eb.Emit(Event{Type: EventStateTransition})

	if count != 1 {
		t.Errorf("handler called %d times after unsubscribe, want 1", count)
	}
}

func TestEventBusRecoversPanickingHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.On(EventStateTransition, func(Event) {
		panic("handler bug")
	})
	called := false
	eb.On(EventStateTransition, func(Event) {
		called = true
	})

	eb.Emit(Event{Type: EventStateTransition})
	if !called {
		t.Error("panicking handler prevented others from running")
	}
}
