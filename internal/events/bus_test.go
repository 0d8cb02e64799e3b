package events

import (
	"fmt"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("received unexpected event %s", e.EventType())
		}
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskStartedEvent{Run: "r1", ID: "task-1", AgentID: "ui", Timestamp: time.Now()})

	received := receive(t, ch)
	if received.TaskID() != "task-1" || received.RunID() != "r1" {
		t.Errorf("received %s/%s", received.RunID(), received.TaskID())
	}
	if received.EventType() != EventTypeTaskStarted {
		t.Errorf("expected event type %q, got %q", EventTypeTaskStarted, received.EventType())
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "task-2", Result: "success"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		if got := receive(t, ch).TaskID(); got != "task-2" {
			t.Errorf("subscriber %d: expected task-2, got %q", i+1, got)
		}
	}
}

func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskStartedEvent{ID: fmt.Sprintf("task-%d", i)})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	if got := receive(t, ch).TaskID(); got != "task-0" {
		t.Errorf("first buffered event = %q, want task-0", got)
	}
	if bus.Dropped() != 9 {
		t.Errorf("Dropped() = %d, want 9", bus.Dropped())
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		received := 0
		for range c {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}

	// Subscribing to a closed bus yields a closed channel.
	if _, ok := <-bus.Subscribe(TopicRun, 1); ok {
		t.Error("subscription on closed bus is open")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1"})

	if _, ok := <-ch; ok {
		t.Error("received event after bus was closed")
	}
}

func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	runCh := bus.Subscribe(TopicRun, 10)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1"})
	bus.Publish(TopicRun, DAGProgressEvent{Run: "r1", Total: 10, Completed: 5})

	if got := receive(t, taskCh).EventType(); got != EventTypeTaskStarted {
		t.Errorf("task channel: got %s", got)
	}
	if got := receive(t, runCh).EventType(); got != EventTypeDAGProgress {
		t.Errorf("run channel: got %s", got)
	}
	expectNone(t, taskCh)
	expectNone(t, runCh)
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "task-1"})
	bus.Publish(TopicDecision, DecisionEvent{Type: EventTypeDecisionEscalated, DecisionID: "d1", GateTaskID: "gate"})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		receivedTypes[receive(t, allCh).EventType()] = true
	}
	if !receivedTypes[EventTypeTaskStarted] || !receivedTypes[EventTypeDecisionEscalated] {
		t.Errorf("SubscribeAll received %v", receivedTypes)
	}
	expectNone(t, allCh)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicTask, 10)
	drop := bus.Subscribe(TopicTask, 10)
	dropAll := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(dropAll)
	bus.Unsubscribe(make(chan Event))

	if _, ok := <-drop; ok {
		t.Error("unsubscribed channel still open")
	}
	if _, ok := <-dropAll; ok {
		t.Error("unsubscribed all-topics channel still open")
	}

	bus.Publish(TopicTask, TaskCancelledEvent{ID: "t"})
	if got := receive(t, keep).TaskID(); got != "t" {
		t.Errorf("remaining subscriber got %q", got)
	}
}
