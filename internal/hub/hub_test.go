package hub

import (
	"sync"
	"testing"
	"time"
)

func receiveEvent(t *testing.T, observer *Observer) Event {
	t.Helper()
	select {
	case event := <-observer.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, observer *Observer) {
	t.Helper()
	select {
	case event := <-observer.Events():
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesOnlySubscribedTopic(t *testing.T) {
	t.Parallel()

	h := New(nil)
	jobsObserver := NewObserver(4)
	alertsObserver := NewObserver(4)
	h.Subscribe(TopicJobs, jobsObserver)
	h.Subscribe(TopicAlerts, alertsObserver)

	h.Publish(TopicJobs, Event{Event: EventJobsUpdate, Data: "payload"})

	got := receiveEvent(t, jobsObserver)
	if got.Event != EventJobsUpdate || got.Data != "payload" {
		t.Fatalf("unexpected event: %+v", got)
	}
	assertNoEvent(t, alertsObserver)
}

func TestSubscribeIsIdempotentPerObserver(t *testing.T) {
	t.Parallel()

	h := New(nil)
	observer := NewObserver(4)
	h.Subscribe(TopicJobs, observer)
	h.Subscribe(TopicJobs, observer)

	h.Publish(TopicJobs, Event{Event: EventJobsUpdate})

	receiveEvent(t, observer)
	assertNoEvent(t, observer)

	counts := h.SubscriberCounts()
	if counts[TopicJobs] != 1 {
		t.Fatalf("subscriber count = %d, want 1", counts[TopicJobs])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	h := New(nil)
	observer := NewObserver(4)
	h.Subscribe(TopicJobs, observer)
	h.Unsubscribe(TopicJobs, observer)

	h.Publish(TopicJobs, Event{Event: EventJobsUpdate})
	assertNoEvent(t, observer)

	if counts := h.SubscriberCounts(); len(counts) != 0 {
		t.Fatalf("expected no topics, got %v", counts)
	}
}

func TestObserverSubscribesToMultipleTopics(t *testing.T) {
	t.Parallel()

	h := New(nil)
	observer := NewObserver(4)
	h.Subscribe(TopicJobs, observer)
	h.Subscribe(TopicDashboard, observer)

	h.Publish(TopicJobs, Event{Event: EventJobsUpdate})
	h.Publish(TopicDashboard, Event{Event: EventDashboardStats})

	first := receiveEvent(t, observer)
	second := receiveEvent(t, observer)
	if first.Event != EventJobsUpdate || second.Event != EventDashboardStats {
		t.Fatalf("unexpected event order: %s then %s", first.Event, second.Event)
	}
}

func TestPublishBeforeSubscribeIsMissed(t *testing.T) {
	t.Parallel()

	h := New(nil)
	h.Publish(TopicJobs, Event{Event: EventJobsUpdate})

	observer := NewObserver(4)
	h.Subscribe(TopicJobs, observer)
	assertNoEvent(t, observer)
}

func TestSlowObserverDropsEventOthersStillDelivered(t *testing.T) {
	t.Parallel()

	h := New(nil)
	slow := NewObserver(1)
	fast := NewObserver(4)
	h.Subscribe(TopicMetrics, slow)
	h.Subscribe(TopicMetrics, fast)

	h.Publish(TopicMetrics, Event{Event: EventSystemMetrics, Data: 1})
	h.Publish(TopicMetrics, Event{Event: EventSystemMetrics, Data: 2})

	// The slow observer's buffer held only the first event.
	if got := receiveEvent(t, slow); got.Data != 1 {
		t.Fatalf("slow observer got %v, want 1", got.Data)
	}
	assertNoEvent(t, slow)

	if got := receiveEvent(t, fast); got.Data != 1 {
		t.Fatalf("fast observer got %v, want 1", got.Data)
	}
	if got := receiveEvent(t, fast); got.Data != 2 {
		t.Fatalf("fast observer got %v, want 2", got.Data)
	}
}

func TestRemoveObserverClosesStream(t *testing.T) {
	t.Parallel()

	h := New(nil)
	observer := NewObserver(4)
	h.Subscribe(TopicJobs, observer)
	h.Subscribe(TopicAlerts, observer)

	h.RemoveObserver(observer)

	if _, ok := <-observer.Events(); ok {
		t.Fatal("event stream should be closed after removal")
	}
	if counts := h.SubscriberCounts(); len(counts) != 0 {
		t.Fatalf("expected no topics after removal, got %v", counts)
	}

	// Removing twice must not panic.
	h.RemoveObserver(observer)
}

func TestShutdownNotifiesObserversAndRejectsFurtherUse(t *testing.T) {
	t.Parallel()

	h := New(nil)
	observer := NewObserver(4)
	h.Subscribe(TopicJobs, observer)

	h.Shutdown()

	got := receiveEvent(t, observer)
	if got.Event != EventShutdown {
		t.Fatalf("event = %s, want %s", got.Event, EventShutdown)
	}
	if _, ok := <-observer.Events(); ok {
		t.Fatal("event stream should be closed after shutdown")
	}

	if h.Healthy() {
		t.Fatal("hub should report unhealthy after shutdown")
	}

	late := NewObserver(4)
	h.Subscribe(TopicJobs, late)
	h.Publish(TopicJobs, Event{Event: EventJobsUpdate})
	assertNoEvent(t, late)

	// Shutdown is idempotent.
	h.Shutdown()
}

func TestPublishDuringObserverRemoval(t *testing.T) {
	t.Parallel()

	h := New(nil)

	// A publisher racing an observer disconnect must never send on the
	// closed event stream. Exercised under -race.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		observer := NewObserver(1)
		h.Subscribe(TopicJobs, observer)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(TopicJobs, Event{Event: EventJobsUpdate})
			}
		}()
		go func() {
			defer wg.Done()
			h.RemoveObserver(observer)
		}()
	}
	wg.Wait()
}

func TestPublishDuringShutdown(t *testing.T) {
	t.Parallel()

	h := New(nil)
	for i := 0; i < 20; i++ {
		observer := NewObserver(1)
		h.Subscribe(TopicJobs, observer)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			h.Publish(TopicJobs, Event{Event: EventJobsUpdate})
		}
	}()
	go func() {
		defer wg.Done()
		h.Shutdown()
	}()
	wg.Wait()

	if h.Healthy() {
		t.Fatal("hub should report unhealthy after shutdown")
	}
}

func TestObserverIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		observer := NewObserver(1)
		if _, ok := seen[observer.ID()]; ok {
			t.Fatalf("duplicate observer id %s", observer.ID())
		}
		seen[observer.ID()] = struct{}{}
	}
}
