package event_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anaya-ai/watchtower/event"
	"github.com/anaya-ai/watchtower/id"
)

func drain(t *testing.T, sub *event.Subscriber, n int) []*event.Event {
	t.Helper()
	out := make([]*event.Event, 0, n)
	for len(out) < n {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(out), n)
			}
			out = append(out, evt)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestBus_AssignsIncreasingSequence(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("viewer")

	runID := id.NewRun()
	for range 5 {
		bus.Publish(event.Event{Type: event.TypeStepCompleted, RunID: runID})
	}

	got := drain(t, sub, 5)
	for i, evt := range got {
		want := uint64(i + 1)
		if evt.Seq != want {
			t.Errorf("event %d: Seq = %d, want %d", i, evt.Seq, want)
		}
	}
}

func TestBus_SameRunOrderPreserved(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("viewer")

	runID := id.NewRun()
	steps := []event.Type{
		event.TypeStepCompleted,
		event.TypeStepCompleted,
		event.TypeAlertRaised,
		event.TypeRunSucceeded,
	}
	for _, typ := range steps {
		bus.Publish(event.Event{Type: typ, RunID: runID})
	}

	got := drain(t, sub, len(steps))
	var last uint64
	for i, evt := range got {
		if evt.Type != steps[i] {
			t.Errorf("event %d: Type = %q, want %q", i, evt.Type, steps[i])
		}
		if evt.Seq <= last {
			t.Errorf("event %d: Seq %d not strictly increasing after %d", i, evt.Seq, last)
		}
		last = evt.Seq
	}
}

func TestBus_NoHistoryReplay(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	bus.Publish(event.Event{Type: event.TypeStepCompleted, RunID: id.NewRun()})

	sub := bus.Subscribe("late")
	published := bus.Publish(event.Event{Type: event.TypeRunSucceeded, RunID: id.NewRun()})

	got := drain(t, sub, 1)
	if got[0].Seq != published.Seq {
		t.Errorf("late subscriber saw Seq %d, want only %d", got[0].Seq, published.Seq)
	}
	select {
	case evt := <-sub.C():
		t.Errorf("unexpected extra event: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("alerts-only", event.WithTypes(event.TypeAlertRaised))

	runID := id.NewRun()
	bus.Publish(event.Event{Type: event.TypeStepCompleted, RunID: runID})
	bus.Publish(event.Event{Type: event.TypeAlertRaised, RunID: runID})
	bus.Publish(event.Event{Type: event.TypeRunSucceeded, RunID: runID})

	got := drain(t, sub, 1)
	if got[0].Type != event.TypeAlertRaised {
		t.Errorf("Type = %q, want alert_raised", got[0].Type)
	}
	select {
	case evt := <-sub.C():
		t.Errorf("filter leaked event: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := event.NewBus(event.WithBufferSize(1))
	defer bus.Close()

	slow := bus.Subscribe("slow") // never drained
	fast := bus.Subscribe("fast")

	runID := id.NewRun()
	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(event.Event{Type: event.TypeStepCompleted, RunID: runID})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	if got := drain(t, fast, 10); len(got) != 10 {
		t.Errorf("fast subscriber received %d events, want 10", len(got))
	}
	if stats := bus.Stats(); stats.Dropped == 0 {
		t.Error("expected drops for the slow subscriber")
	}
	_ = slow
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("gone")

	bus.Unsubscribe("gone")

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}

	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

// Sessions detach from the bus while runs are still publishing, so
// Unsubscribe must never race a concurrent Publish onto a closed
// channel. Run with -race.
func TestBus_PublishDuringUnsubscribeChurn(t *testing.T) {
	bus := event.NewBus(event.WithBufferSize(1))
	defer bus.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish(event.Event{Type: event.TypeStepCompleted, RunID: id.NewRun()})
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		subID := fmt.Sprintf("churn-%d", i)
		bus.Subscribe(subID)
		bus.Unsubscribe(subID)
	}

	close(stop)
	wg.Wait()

	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}
