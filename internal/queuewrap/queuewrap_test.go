package queuewrap

import (
	"testing"
	"time"

	"github.com/hicann/flowexec/internal/driver"
)

func setupQueue(t *testing.T) (*driver.Sim, *Queue) {
	t.Helper()
	sim := driver.NewSim(4)
	if err := sim.QueueInit(1); err != nil {
		t.Fatal(err)
	}
	info := driver.QueueDevInfo{DeviceID: 1, QueueID: 0}
	q := New(sim, info)
	if err := q.Attach(time.Second); err != nil {
		t.Fatal(err)
	}
	return sim, q
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	_, q := setupQueue(t)

	for i := 0; i < 5; i++ {
		if err := q.Subscribe(driver.GroupMain); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		if err := q.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe %d: %v", i, err)
		}
	}

	// Unsubscribing an already-unsubscribed queue is a no-op success.
	if err := q.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe on unsubscribed queue: %v", err)
	}
}

func TestEnqueueDequeue(t *testing.T) {
	_, q := setupQueue(t)

	if err := q.Enqueue(&driver.Mbuf{Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	m, err := q.Dequeue()
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "x" {
		t.Errorf("got %q", m.Data)
	}
}

func TestProxyQueueNotSubscribedLocally(t *testing.T) {
	sim := driver.NewSim(4)
	if err := sim.QueueInit(1); err != nil {
		t.Fatal(err)
	}
	info := driver.QueueDevInfo{DeviceID: 1, QueueID: 2, IsProxy: true}
	q := New(sim, info)
	if err := q.Attach(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.Subscribe(driver.GroupMain); err != nil {
		t.Fatal(err)
	}
	if !q.IsProxy() {
		t.Error("expected IsProxy to be true")
	}
	if q.subscribed {
		t.Error("expected proxy queue not to be subscribed locally")
	}
}
