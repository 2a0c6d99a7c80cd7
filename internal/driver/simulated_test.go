package driver

import (
	"testing"
	"time"
)

func TestQueueInitIdempotent(t *testing.T) {
	s := NewSim(4)
	if err := s.QueueInit(1); err != nil {
		t.Fatalf("first QueueInit: %v", err)
	}
	if err := s.QueueInit(1); err != nil {
		t.Fatalf("second QueueInit should be idempotent success, got %v", err)
	}
}

func TestQueueAttachRequiresInit(t *testing.T) {
	s := NewSim(4)
	if err := s.QueueAttach(1, 0, time.Second); err == nil {
		t.Fatal("expected QueueAttach to fail before QueueInit")
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	s := NewSim(4)
	if err := s.QueueInit(1); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueAttach(1, 0, time.Second); err != nil {
		t.Fatal(err)
	}

	m := &Mbuf{Data: []byte("hello")}
	if err := s.QueueEnqueue(1, 0, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.QueueDequeue(1, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Errorf("got %q, want %q", got.Data, "hello")
	}

	if _, err := s.QueueDequeue(1, 0); err != ErrQueueEmpty {
		t.Errorf("expected ErrQueueEmpty on drained queue, got %v", err)
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	// Subscribe/unsubscribe an arbitrary number of times leaves the
	// queue's externally observable (enqueue/dequeue) behavior unchanged.
	s := NewSim(4)
	if err := s.QueueInit(1); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueAttach(1, 0, time.Second); err != nil {
		t.Fatal(err)
	}
	info := QueueDevInfo{DeviceID: 1, QueueID: 0}

	for i := 0; i < 3; i++ {
		if err := s.QueueSubscribe(info, GroupMain, ModePull); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		if err := s.QueueUnsubscribe(info); err != nil {
			t.Fatalf("unsubscribe %d: %v", i, err)
		}
	}

	m := &Mbuf{Data: []byte("x")}
	if err := s.QueueEnqueue(1, 0, m); err != nil {
		t.Fatalf("enqueue after subscribe round-trips: %v", err)
	}
	if _, err := s.QueueDequeue(1, 0); err != nil {
		t.Fatalf("dequeue after subscribe round-trips: %v", err)
	}
}

func TestWaitEventTimeout(t *testing.T) {
	s := NewSim(4)
	if err := s.SubscribeEvent(GroupMain, 0, []EventID{EventTimer}); err != nil {
		t.Fatal(err)
	}
	_, err := s.WaitEvent(GroupMain, 0, 10*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestEnqueueNotifiesSubscribedGroup(t *testing.T) {
	s := NewSim(4)
	if err := s.QueueInit(1); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueAttach(1, 0, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueSubscribe(QueueDevInfo{DeviceID: 1, QueueID: 0}, GroupMain, ModePull); err != nil {
		t.Fatal(err)
	}
	if err := s.SubscribeEvent(GroupMain, 0, []EventID{EventEmptyToNotEmpty}); err != nil {
		t.Fatal(err)
	}

	if err := s.QueueEnqueue(1, 0, &Mbuf{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	ev, err := s.WaitEvent(GroupMain, 0, time.Second)
	if err != nil {
		t.Fatalf("expected empty-to-not-empty event, got error %v", err)
	}
	if ev.ID != EventEmptyToNotEmpty || ev.QueueID != 0 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestProxyQueueDoesNotNotify(t *testing.T) {
	s := NewSim(4)
	if err := s.QueueInit(1); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueAttach(1, 0, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.QueueSubscribe(QueueDevInfo{DeviceID: 1, QueueID: 0, IsProxy: true}, GroupMain, ModePull); err != nil {
		t.Fatal(err)
	}
	if err := s.SubscribeEvent(GroupMain, 0, []EventID{EventEmptyToNotEmpty}); err != nil {
		t.Fatal(err)
	}

	if err := s.QueueEnqueue(1, 0, &Mbuf{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.WaitEvent(GroupMain, 0, 20*time.Millisecond); err != ErrTimeout {
		t.Errorf("expected no event delivered for a proxy queue, got err=%v", err)
	}
}
