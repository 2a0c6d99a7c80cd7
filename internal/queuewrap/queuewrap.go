// Package queuewrap is the thin binding between a (device-id, queue-id)
// and the driver façade: it configures pull mode at
// subscription time and distinguishes proxy queues (cross-device, no local
// event delivery) from local queues. Status queues are wrapped as well,
// but they are only attached and written through Enqueue, never
// subscribed.
package queuewrap

import (
	"time"

	"github.com/hicann/flowexec/internal/driver"
)

// Queue binds one QueueDevInfo to the façade for enqueue/dequeue and
// subscribe/unsubscribe, tracking whether it is currently subscribed so
// Unsubscribe is a no-op on a queue that was never subscribed.
type Queue struct {
	facade     driver.Facade
	info       driver.QueueDevInfo
	group      driver.Group
	subscribed bool
}

// New binds a Queue without attaching or subscribing it yet.
func New(facade driver.Facade, info driver.QueueDevInfo) *Queue {
	return &Queue{facade: facade, info: info}
}

// Info returns the bound QueueDevInfo.
func (q *Queue) Info() driver.QueueDevInfo { return q.info }

// IsProxy reports whether this queue is hosted on another device. Proxy
// queues are read/write-only: no local event subscription is established.
func (q *Queue) IsProxy() bool { return q.info.IsProxy }

// Attach resolves the queue binding with a bounded wait. Proxy queues use
// a longer timeout than local queues; callers should pass the appropriate
// constant.
func (q *Queue) Attach(timeout time.Duration) error {
	return q.facade.QueueAttach(q.info.DeviceID, q.info.QueueID, timeout)
}

// Subscribe configures the queue to pull mode and, for non-proxy queues,
// arms local empty/full event delivery on group.
func (q *Queue) Subscribe(group driver.Group) error {
	if q.info.IsProxy {
		// Proxy queues are bound but never locally subscribed: their
		// transitions are handled by whichever device actually hosts them.
		q.group = group
		return nil
	}
	if err := q.facade.QueueSubscribe(q.info, group, driver.ModePull); err != nil {
		return err
	}
	q.group = group
	q.subscribed = true
	return nil
}

// Unsubscribe reverses Subscribe. Calling it on an unsubscribed queue, or
// any number of times in a row, is a no-op success.
func (q *Queue) Unsubscribe() error {
	if !q.subscribed {
		return nil
	}
	if err := q.facade.QueueUnsubscribe(q.info); err != nil {
		return err
	}
	q.subscribed = false
	return nil
}

// Enqueue publishes msg on this queue.
func (q *Queue) Enqueue(msg *driver.Mbuf) error {
	return q.facade.QueueEnqueue(q.info.DeviceID, q.info.QueueID, msg)
}

// Dequeue attempts a non-blocking read. Returns driver.ErrQueueEmpty
// immediately when nothing is pending.
func (q *Queue) Dequeue() (*driver.Mbuf, error) {
	return q.facade.QueueDequeue(q.info.DeviceID, q.info.QueueID)
}
