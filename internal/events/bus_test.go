package events

import (
	"sync"
	"testing"
	"time"

	"github.com/mpieniak01/venom/pkg/types"
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

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TaskEvent{Type: EventTypeTaskStarted, ID: "task-1", Status: types.StatusProcessing, Timestamp: time.Now()})

	received := receive(t, ch)
	if received.EventType() != EventTypeTaskStarted {
		t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
	}
	if te, ok := received.(TaskEvent); !ok || te.ID != "task-1" {
		t.Errorf("expected TaskEvent for task-1, got %#v", received)
	}
}

// TestTopicIsolation verifies subscribers only see their topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	nodeCh := bus.Subscribe(TopicNode, 10)

	bus.Publish(NodeEvent{Type: EventTypeNodeHealth, NodeID: "n1", Health: types.HealthDegraded})

	if e := receive(t, nodeCh); e.EventType() != EventTypeNodeHealth {
		t.Errorf("unexpected event %s", e.EventType())
	}
	select {
	case e := <-taskCh:
		t.Errorf("task subscriber received node event %s", e.EventType())
	default:
	}
}

// TestSubscribeAll verifies all-topic subscribers receive every event.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(AutonomyChangedEvent{Old: types.LevelIsolated, New: types.LevelConnected})
	bus.Publish(PaidModeEvent{Old: false, New: true})
	bus.Publish(QueueEvent{Type: EventTypeQueuePaused})

	want := []string{EventTypeAutonomyChanged, EventTypePaidMode, EventTypeQueuePaused}
	for _, w := range want {
		if got := receive(t, all).EventType(); got != w {
			t.Errorf("expected %s, got %s", w, got)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskEvent{Type: EventTypeTaskCreated})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if bus.Dropped() != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", bus.Dropped())
	}
}

// TestUnsubscribe verifies the channel is closed and no longer receives events.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicQueue, 10)
	all := bus.SubscribeAll(10)
	bus.Unsubscribe(ch)
	bus.Unsubscribe(all)

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Unsubscribe")
	}
	if _, ok := <-all; ok {
		t.Error("expected closed all-topic channel after Unsubscribe")
	}
	bus.Publish(QueueEvent{Type: EventTypeQueueResumed})
}

// TestCloseIdempotent verifies Close closes subscribers and can be called twice.
func TestCloseIdempotent(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Close")
	}

	late := bus.SubscribeAll(1)
	if _, ok := <-late; ok {
		t.Error("expected closed channel when subscribing after Close")
	}
	bus.Publish(TaskEvent{Type: EventTypeTaskFailed})
}

// TestConcurrentPublish verifies concurrent publishers with unsubscribes do not race.
func TestConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(1000)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(TaskEvent{Type: EventTypeTaskCompleted})
			}
		}()
	}
	for i := 0; i < 10; i++ {
		bus.Unsubscribe(bus.Subscribe(TopicTask, 1))
	}
	wg.Wait()

	if len(all) != 500 {
		t.Errorf("expected 500 buffered events, got %d", len(all))
	}
}
