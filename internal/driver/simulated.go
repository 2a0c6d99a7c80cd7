package driver

import (
	"sort"
	"sync"
	"time"
)

// Sim is the in-process simulated driver façade. It is the only Facade
// implementation in this repository: there is no real device backing these
// queues, so QueueEnqueue/QueueDequeue operate on plain Go channels and
// event delivery is a per-(group,thread) channel instead of a hardware
// completion queue.
type Sim struct {
	mu sync.Mutex

	initialised map[uint32]bool
	queues      map[queueKey]*simQueue
	groups      map[groupKey]*simThread
	// rr is the per-group round-robin cursor: the broker delivers each
	// event to exactly one subscribed thread, except notify-thread-exit
	// which broadcasts.
	rr map[Group]int

	depth int
}

// simThread is one (group, thread) subscription: its delivery channel and
// the event mask it registered. An empty mask accepts every event.
type simThread struct {
	ch   chan Event
	mask map[EventID]bool
}

func (t *simThread) accepts(id EventID) bool {
	return len(t.mask) == 0 || t.mask[id]
}

type queueKey struct {
	deviceID uint32
	queueID  uint32
}

type groupKey struct {
	group  Group
	thread int
}

type simQueue struct {
	mu      sync.Mutex
	buf     chan *Mbuf
	info    QueueDevInfo
	group   Group
	mode    Mode
}

// NewSim constructs a simulated driver with the given per-queue channel
// depth (mirrors the manifest's queue depth configuration).
func NewSim(depth int) *Sim {
	if depth <= 0 {
		depth = 1
	}
	return &Sim{
		initialised: make(map[uint32]bool),
		queues:      make(map[queueKey]*simQueue),
		groups:      make(map[groupKey]*simThread),
		rr:          make(map[Group]int),
		depth:       depth,
	}
}

func (s *Sim) QueueInit(deviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Idempotent: a second Init on an already-initialised device is success.
	s.initialised[deviceID] = true
	return nil
}

func (s *Sim) QueueAttach(deviceID, queueID uint32, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialised[deviceID] {
		return ErrQueueError
	}
	key := queueKey{deviceID, queueID}
	if _, ok := s.queues[key]; !ok {
		s.queues[key] = &simQueue{
			buf:  make(chan *Mbuf, s.depth),
			info: QueueDevInfo{DeviceID: deviceID, QueueID: queueID},
		}
	}
	return nil
}

func (s *Sim) QueueSubscribe(info QueueDevInfo, group Group, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := queueKey{info.DeviceID, info.QueueID}
	q, ok := s.queues[key]
	if !ok {
		q = &simQueue{buf: make(chan *Mbuf, s.depth)}
		s.queues[key] = q
	}
	q.mu.Lock()
	q.info = info
	q.group = group
	q.mode = mode
	q.mu.Unlock()
	return nil
}

func (s *Sim) QueueUnsubscribe(info QueueDevInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := queueKey{info.DeviceID, info.QueueID}
	if q, ok := s.queues[key]; ok {
		q.mu.Lock()
		q.group = ""
		q.mu.Unlock()
	}
	return nil
}

func (s *Sim) queueFor(deviceID, queueID uint32) *simQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[queueKey{deviceID, queueID}]
}

func (s *Sim) QueueEnqueue(deviceID, queueID uint32, msg *Mbuf) error {
	q := s.queueFor(deviceID, queueID)
	if q == nil {
		return ErrQueueError
	}
	select {
	case q.buf <- msg:
		s.notifyGroup(q, EventEmptyToNotEmpty)
		return nil
	default:
		return ErrQueueError
	}
}

func (s *Sim) QueueDequeue(deviceID, queueID uint32) (*Mbuf, error) {
	q := s.queueFor(deviceID, queueID)
	if q == nil {
		return nil, ErrQueueError
	}
	select {
	case m := <-q.buf:
		s.notifyGroup(q, EventFullToNotFull)
		return m, nil
	default:
		return nil, ErrQueueEmpty
	}
}

// notifyGroup delivers a queue-transition event to this queue's subscribed
// group. Proxy queues never deliver locally.
func (s *Sim) notifyGroup(q *simQueue, id EventID) {
	q.mu.Lock()
	group := q.group
	info := q.info
	q.mu.Unlock()
	if group == "" || info.IsProxy {
		return
	}
	s.deliver(group, Event{ID: id, Processor: -1, QueueID: info.QueueID})
}

func (s *Sim) SubscribeEvent(group Group, thread int, mask []EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey{group, thread}
	t, ok := s.groups[key]
	if !ok {
		t = &simThread{ch: make(chan Event, 256)}
		s.groups[key] = t
	}
	t.mask = make(map[EventID]bool, len(mask))
	for _, id := range mask {
		t.mask[id] = true
	}
	return nil
}

func (s *Sim) WaitEvent(group Group, thread int, timeout time.Duration) (Event, error) {
	s.mu.Lock()
	t, ok := s.groups[groupKey{group, thread}]
	s.mu.Unlock()
	if !ok {
		return Event{}, ErrDrvError
	}
	select {
	case ev, ok := <-t.ch:
		if !ok {
			return Event{}, ErrDrvError
		}
		return ev, nil
	case <-time.After(timeout):
		return Event{}, ErrTimeout
	}
}

func (s *Sim) SubmitEvent(group Group, ev Event) error {
	if !s.deliver(group, ev) {
		return ErrDrvError
	}
	return nil
}

// deliver routes one event within a group. notify-thread-exit broadcasts
// to every subscribed thread; everything else goes to exactly one thread
// whose mask accepts it. A flow-function-execute event for processor p
// first tries thread p modulo the accepting-thread count; other events
// start from a round-robin position. If the first choice's channel is
// full, the next accepting thread in order takes it.
func (s *Sim) deliver(group Group, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	type subscriber struct {
		thread int
		t      *simThread
	}
	var subs []subscriber
	for gk, t := range s.groups {
		if gk.group == group && t.accepts(ev.ID) {
			subs = append(subs, subscriber{gk.thread, t})
		}
	}
	if len(subs) == 0 {
		return false
	}
	// Map iteration order is random; deliver in stable thread order so
	// per-processor pinning below actually pins.
	sort.Slice(subs, func(i, j int) bool { return subs[i].thread < subs[j].thread })
	threads := make([]*simThread, len(subs))
	for i, sub := range subs {
		threads[i] = sub.t
	}

	if ev.ID == EventNotifyThreadExit {
		delivered := false
		for _, t := range threads {
			select {
			case t.ch <- ev:
				delivered = true
			default:
			}
		}
		return delivered
	}

	// Per-processor execute events pin to one thread so a processor's
	// schedule steps never run concurrently; everything else round-robins.
	var start int
	if ev.ID == EventFlowFunctionExecute && ev.Processor >= 0 {
		start = ev.Processor
	} else {
		start = s.rr[group]
		s.rr[group] = start + 1
	}
	for i := 0; i < len(threads); i++ {
		t := threads[(start+i)%len(threads)]
		select {
		case t.ch <- ev:
			return true
		default:
		}
	}
	return false
}

func (s *Sim) MbufAlloc(size int64) (*Mbuf, error) {
	if size < 0 {
		return nil, ErrMemBufError
	}
	return &Mbuf{Data: make([]byte, size)}, nil
}

func (s *Sim) MbufFree(m *Mbuf) error {
	if m == nil {
		return ErrMemBufError
	}
	m.Data = nil
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.groups {
		close(t.ch)
	}
	s.groups = make(map[groupKey]*simThread)
	return nil
}

var _ Facade = (*Sim)(nil)
