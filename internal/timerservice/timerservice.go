// Package timerservice implements the process-global timer service:
// opaque handles, periodic or one-shot callbacks, delivered either inline
// (on the timer goroutine) or worker-dispatched (submitted as a driver
// event for a worker to pick up).
package timerservice

import (
	"sync"
	"time"

	"github.com/hicann/flowexec/internal/driver"
)

// InvokeMode selects how a timer's callback is delivered.
type InvokeMode int

const (
	// Inline executes the callback directly on the timer goroutine. Used
	// for supervision/shutdown paths that must run even after workers have
	// exited.
	Inline InvokeMode = iota
	// WorkerDispatched submits a driver.EventTimer event to a group instead
	// of calling the callback directly; a worker thread runs it.
	WorkerDispatched
)

// Handle is the opaque timer handle returned by Create.
type Handle uint64

// Callback is invoked on timer fire. For WorkerDispatched timers this is
// wrapped into a driver.Event and delivered via the façade; for Inline
// timers it is called directly.
type Callback func()

type timer struct {
	mu       sync.Mutex
	callback Callback
	mode     InvokeMode
	oneshot  bool
	running  bool
	stopped  bool
	t        *time.Timer
	period   time.Duration
	invokes  uint64
}

// Service is the process-wide timer singleton. One Service instance is
// constructed by the executor and handed to every processor that needs a
// timer (e.g. count-batch's timeout).
type Service struct {
	mu     sync.Mutex
	timers map[Handle]*timer
	next   Handle

	facade     driver.Facade
	timerGroup driver.Group
}

// NewService constructs a timer service. facade/timerGroup are used only by
// WorkerDispatched timers to submit driver.EventTimer events; Inline timers
// never touch the façade.
func NewService(facade driver.Facade, timerGroup driver.Group) *Service {
	return &Service{
		timers:     make(map[Handle]*timer),
		facade:     facade,
		timerGroup: timerGroup,
	}
}

// Create registers a new timer with the given callback and delivery mode.
// The timer is not armed until Start is called.
func (s *Service) Create(callback Callback, mode InvokeMode) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.timers[h] = &timer{callback: callback, mode: mode}
	return h
}

// Start arms the timer for the given handle. periodMs of 0 with oneshot
// false is invalid and is treated as a 1ms minimum period, the service's
// stated millisecond resolution.
func (s *Service) Start(h Handle, periodMs int64, oneshot bool) {
	s.mu.Lock()
	t, ok := s.timers[h]
	s.mu.Unlock()
	if !ok {
		return
	}

	period := time.Duration(periodMs) * time.Millisecond
	if period <= 0 {
		period = time.Millisecond
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.oneshot = oneshot
	t.period = period
	t.running = true
	t.t = time.AfterFunc(period, func() { s.fire(h, oneshot, period) })
	t.mu.Unlock()
}

func (s *Service) fire(h Handle, oneshot bool, period time.Duration) {
	s.mu.Lock()
	t, ok := s.timers[h]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.stopped || !t.running {
		t.mu.Unlock()
		return
	}
	t.invokes++
	mode := t.mode
	cb := t.callback
	if !oneshot {
		t.t = time.AfterFunc(period, func() { s.fire(h, oneshot, period) })
	} else {
		t.running = false
	}
	t.mu.Unlock()

	switch mode {
	case Inline:
		cb()
	case WorkerDispatched:
		if s.facade != nil {
			s.facade.SubmitEvent(s.timerGroup, driverTimerEvent(h))
		} else {
			cb()
		}
	}
}

func driverTimerEvent(h Handle) driver.Event {
	return driver.Event{ID: driver.EventTimer, Processor: int(h)}
}

// Invoke runs the callback stored for h on the caller's goroutine. The
// executor's timer-event handler calls this when a WorkerDispatched
// timer's driver.EventTimer arrives on a worker thread. Invoking a
// deleted handle is a no-op, preserving the after-Delete guarantee.
func (s *Service) Invoke(h Handle) {
	s.mu.Lock()
	t, ok := s.timers[h]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	stopped := t.stopped
	cb := t.callback
	t.mu.Unlock()
	if stopped || cb == nil {
		return
	}
	cb()
}

// Stop disarms the timer without invoking the callback again. Stop is
// atomic with respect to invocation counting: once Stop returns, no
// in-flight fire() call started before Stop will schedule another fire.
func (s *Service) Stop(h Handle) {
	s.mu.Lock()
	t, ok := s.timers[h]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.t != nil {
		t.t.Stop()
	}
}

// Delete stops and removes the timer. After Delete returns, the callback
// will never be invoked again.
func (s *Service) Delete(h Handle) {
	s.Stop(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[h]; ok {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
	}
	delete(s.timers, h)
}

// Invocations returns how many times the timer at h has fired, for tests.
func (s *Service) Invocations(h Handle) uint64 {
	s.mu.Lock()
	t, ok := s.timers[h]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invokes
}

// Close stops and deletes every outstanding timer, for executor shutdown.
func (s *Service) Close() {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.timers))
	for h := range s.timers {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.Delete(h)
	}
}
