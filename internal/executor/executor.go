// Package executor implements the on-device scheduler: it owns the worker
// pool, subscribes each thread to an event mask derived from its role,
// dispatches events to handlers, and drives the global lifecycle (init,
// suspend, recover, exception, shutdown). Each worker runs a blocking
// timed wait on the driver's event bus and dispatches what arrives; many
// processors are multiplexed over a small pool.
package executor

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hicann/flowexec/internal/constants"
	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/logging"
	"github.com/hicann/flowexec/internal/manifest"
	"github.com/hicann/flowexec/internal/processor"
	"github.com/hicann/flowexec/internal/queuewrap"
	"github.com/hicann/flowexec/internal/registry"
	"github.com/hicann/flowexec/internal/scope"
	"github.com/hicann/flowexec/internal/telemetry"
	"github.com/hicann/flowexec/internal/timerservice"
)

// ErrQueueBindingConflict is returned from Init when two sub-operators of
// this executor bind the same input queue. Callers at the package boundary
// map it to the root package's structured error.
var ErrQueueBindingConflict = errors.New("executor: queue-binding-conflict")

// Config is everything the executor needs, constructed once and never
// mutated after Init.
type Config struct {
	DeviceID uint32
	Manifest *manifest.Manifest
	Facade   driver.Facade
	Registry *registry.Registry
	Timers   *timerservice.Service
	Logger   *logging.Logger
	Observer telemetry.Observer

	// NumCPU is the configured worker count; the pool is sized
	// max(NumCPU, num-processors+1).
	NumCPU int

	// OnDevice merges the main-thread and worker event masks on every
	// worker, for on-device deployments.
	OnDevice bool

	// RequestQueue/ResponseQueue carry lifecycle commands from the host
	// and the paired responses. Nil disables the control plane.
	RequestQueue  *driver.QueueDevInfo
	ResponseQueue *driver.QueueDevInfo

	// ScopePrefix is the configured DataFlowScope prefix for exception
	// scope matching.
	ScopePrefix string

	// DumpAttrs are process-level dump attributes (ge.exec.*) merged into
	// every sub-operator's attribute bag without overriding per-operator
	// values.
	DumpAttrs map[string]string

	// CPUAffinity optionally pins worker threads round-robin across the
	// listed CPUs.
	CPUAffinity []int

	// StatusReportPeriod enables a periodic report-status event per
	// processor when > 0.
	StatusReportPeriod time.Duration

	// WaitNotifyOnBoot makes Start wait for a kNotify control message
	// before submitting processor-init (the NPU-scheduler handoff latch).
	WaitNotifyOnBoot bool

	// DisableSupervisors turns off the parent-PID/term-signal/metrics
	// supervisor timers; used by tests that run many executors in one
	// process.
	DisableSupervisors bool

	// DumpMetrics, when set, is invoked by the supervisor metrics timer
	// and once more during WaitForStop.
	DumpMetrics func()
}

type queueKey struct {
	dev uint32
	qid uint32
}

// Executor multiplexes every configured processor across a worker pool
// driven by the driver's event bus.
type Executor struct {
	cfg    Config
	logger *logging.Logger

	procs         []*processor.Processor
	inputOwner    map[queueKey]int
	outputWriters map[queueKey][]int

	requestQ  *queuewrap.Queue
	responseQ *queuewrap.Queue

	suspendMu      sync.Mutex
	suspendPending map[int]struct{}
	recoverMu      sync.Mutex
	recoverPending map[int]struct{}

	abnormal atomic.Bool
	exit     atomic.Bool

	stopErrMu sync.Mutex
	stopErr   error

	workers int
	wg      sync.WaitGroup

	bootLatch  chan struct{}
	notifyOnce sync.Once

	parentPID   int
	politeStops int

	supervisorHandles []timerservice.Handle
	retryTimers       []timerservice.Handle
	retryMu           sync.Mutex

	initDone bool
	started  bool
}

// New constructs an executor bound to cfg. Init must be called before
// Start.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = telemetry.NoOp{}
	}
	return &Executor{
		cfg:            cfg,
		logger:         cfg.Logger.WithDevice(cfg.DeviceID),
		inputOwner:     make(map[queueKey]int),
		outputWriters:  make(map[queueKey][]int),
		suspendPending: make(map[int]struct{}),
		recoverPending: make(map[int]struct{}),
		bootLatch:      make(chan struct{}),
	}
}

// Init validates the manifest, allocates every processor object, and wires
// the queue-index maps. Manifests are never mutated after Init completes.
func (e *Executor) Init() error {
	if e.initDone {
		return nil
	}
	m := e.cfg.Manifest
	if m == nil {
		return fmt.Errorf("executor: nil manifest")
	}
	if err := m.Validate(); err != nil {
		var ve *manifest.ValidationError
		if errors.As(err, &ve) && ve.Code == "queue-binding-conflict" {
			return fmt.Errorf("%w: %s", ErrQueueBindingConflict, ve.Msg)
		}
		return err
	}

	if err := e.cfg.Facade.QueueInit(e.cfg.DeviceID); err != nil {
		return fmt.Errorf("executor: queue-init: %w", err)
	}

	sc := scope.New(e.cfg.ScopePrefix)
	for mi := range m.Models {
		model := &m.Models[mi]
		var statusQ *queuewrap.Queue
		if model.StatusOutputQueue != nil {
			statusQ = queuewrap.New(e.cfg.Facade, refToInfo(*model.StatusOutputQueue))
		}
		for si := range model.SubOperators {
			sub := &model.SubOperators[si]
			idx := len(e.procs)

			var ins []*queuewrap.Queue
			for _, qi := range sub.InputIndices {
				info := refToInfo(model.InputQueues[qi])
				key := queueKey{info.DeviceID, info.QueueID}
				if owner, dup := e.inputOwner[key]; dup {
					return fmt.Errorf("%w: input queue %d bound to processors %d and %d",
						ErrQueueBindingConflict, info.QueueID, owner, idx)
				}
				e.inputOwner[key] = idx
				ins = append(ins, queuewrap.New(e.cfg.Facade, info))
			}
			var outs []*queuewrap.Queue
			for _, qi := range sub.OutputIndices {
				info := refToInfo(model.OutputQueues[qi])
				key := queueKey{info.DeviceID, info.QueueID}
				e.outputWriters[key] = append(e.outputWriters[key], idx)
				outs = append(outs, queuewrap.New(e.cfg.Facade, info))
			}

			e.procs = append(e.procs, processor.New(processor.Config{
				Index:        idx,
				InstanceID:   model.Name + "/" + sub.Name,
				TypeName:     sub.Type,
				ModelUUID:    model.UUID,
				InputQueues:  ins,
				OutputQueues: outs,
				StatusQueue:  statusQ,
				Alignment:    sub.Alignment,
				CacheUpToN:   sub.CacheUpToN,
				Attrs:        mergeAttrs(e.cfg.DumpAttrs, sub.Attrs),
				Registry:     e.cfg.Registry,
				Facade:       e.cfg.Facade,
				EventGroup:   driver.GroupMain,
				Scope:        sc,
				Observer:     e.cfg.Observer,
				Timers:       e.cfg.Timers,
			}))
		}
	}

	if e.cfg.RequestQueue != nil {
		e.requestQ = queuewrap.New(e.cfg.Facade, *e.cfg.RequestQueue)
		if err := e.requestQ.Attach(constants.DefaultQueueAttachTimeout); err != nil {
			return fmt.Errorf("executor: request queue attach: %w", err)
		}
		if err := e.requestQ.Subscribe(driver.GroupMain); err != nil {
			return fmt.Errorf("executor: request queue subscribe: %w", err)
		}
	}
	if e.cfg.ResponseQueue != nil {
		e.responseQ = queuewrap.New(e.cfg.Facade, *e.cfg.ResponseQueue)
		if err := e.responseQ.Attach(constants.DefaultQueueAttachTimeout); err != nil {
			return fmt.Errorf("executor: response queue attach: %w", err)
		}
	}

	e.initDone = true
	return nil
}

// Start sizes and spins up the worker pool, subscribes each thread's event
// mask, and submits the one-shot processor-init event.
func (e *Executor) Start() error {
	if !e.initDone {
		return fmt.Errorf("executor: Start before Init")
	}
	if e.started {
		return nil
	}

	if prio := e.cfg.Manifest.MinEventQueuePriority(); prio > 0 {
		// The numerically smallest positive event-queue priority across
		// co-hosted models is logged here, before subscribing. The façade
		// has no priority call, so the value is not applied, and the
		// models' Priority field is not read.
		e.logger.Info("applying event-queue priority", "priority", prio)
	}

	e.workers = e.cfg.NumCPU
	if min := len(e.procs) + 1; e.workers < min {
		e.workers = min
	}

	fullMask := []driver.EventID{
		driver.EventProcessorInit,
		driver.EventFlowFunctionInit,
		driver.EventSingleFlowFunctionInit,
		driver.EventFlowFunctionExecute,
		driver.EventEmptyToNotEmpty,
		driver.EventFullToNotFull,
		driver.EventTimer,
		driver.EventReportStatus,
		driver.EventSuspendFinished,
		driver.EventRecoverFinished,
		driver.EventRaiseException,
		driver.EventNotifyThreadExit,
		driver.EventSwitchToSoftSched,
	}
	workerMask := []driver.EventID{
		driver.EventFlowFunctionExecute,
		driver.EventNotifyThreadExit,
	}

	for thread := 0; thread < e.workers; thread++ {
		mask := workerMask
		if thread == 0 || e.cfg.OnDevice {
			mask = fullMask
		}
		if err := e.cfg.Facade.SubscribeEvent(driver.GroupMain, thread, mask); err != nil {
			return fmt.Errorf("executor: subscribe events thread %d: %w", thread, err)
		}
	}

	e.parentPID = os.Getppid()
	for thread := 0; thread < e.workers; thread++ {
		e.wg.Add(1)
		go e.run(thread, thread == 0 || e.cfg.OnDevice)
	}

	if e.cfg.WaitNotifyOnBoot {
		// The workers are already draining the request queue, so the
		// kNotify that releases this latch can arrive while we block.
		select {
		case <-e.bootLatch:
		case <-time.After(constants.DefaultQueueAttachTimeout):
			e.Stop(false)
			return fmt.Errorf("executor: timed out waiting for boot notify")
		}
	}

	if err := e.cfg.Facade.SubmitEvent(driver.GroupMain, driver.Event{ID: driver.EventProcessorInit, Processor: -1}); err != nil {
		return fmt.Errorf("executor: submit processor-init: %w", err)
	}
	e.cfg.Facade.SubmitEvent(driver.GroupMain, driver.Event{ID: driver.EventSwitchToSoftSched, Processor: -1})

	if !e.cfg.DisableSupervisors {
		e.startSupervisors()
	}
	if e.cfg.StatusReportPeriod > 0 {
		e.startStatusReporter()
	}

	e.started = true
	return nil
}

// run is one worker thread's loop: a blocking timed wait-event followed by
// dispatch. On timeout the main thread runs a replenish-schedule sweep.
func (e *Executor) run(thread int, isMain bool) {
	defer e.wg.Done()

	if len(e.cfg.CPUAffinity) > 0 {
		runtime.LockOSThread()
		var set unix.CPUSet
		set.Zero()
		set.Set(e.cfg.CPUAffinity[thread%len(e.cfg.CPUAffinity)])
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			e.logger.Warn("failed to set worker CPU affinity", "thread", thread, "error", err)
		}
	}

	for !e.exit.Load() {
		ev, err := e.cfg.Facade.WaitEvent(driver.GroupMain, thread, constants.DefaultEventWaitTimeout)
		if err != nil {
			if errors.Is(err, driver.ErrTimeout) {
				if isMain {
					e.replenish()
				}
				continue
			}
			return
		}
		if ev.ID == driver.EventNotifyThreadExit {
			return
		}
		e.dispatch(ev, thread)
	}
}

// dispatch is the event dispatch table: one handler per event id.
func (e *Executor) dispatch(ev driver.Event, thread int) {
	switch ev.ID {
	case driver.EventProcessorInit:
		e.handleProcessorInit()
	case driver.EventFlowFunctionInit:
		e.handleFlowFuncInit(-1)
	case driver.EventSingleFlowFunctionInit:
		e.handleFlowFuncInit(ev.Processor)
	case driver.EventFlowFunctionExecute:
		e.handleExecute(ev.Processor, thread)
	case driver.EventEmptyToNotEmpty:
		e.handleEmptyToNotEmpty(ev.QueueID)
	case driver.EventFullToNotFull:
		e.handleFullToNotFull(ev.QueueID)
	case driver.EventTimer:
		e.cfg.Timers.Invoke(timerservice.Handle(ev.Processor))
	case driver.EventReportStatus:
		e.handleReportStatus(ev.Processor)
	case driver.EventSuspendFinished:
		e.handleSuspendFinished(ev.Processor)
	case driver.EventRecoverFinished:
		e.handleRecoverFinished(ev.Processor)
	case driver.EventRaiseException:
		e.handleRaiseException(ev.Processor)
	case driver.EventSwitchToSoftSched:
		e.logger.Info("soft-sched switch requested, continuing with event scheduling")
	default:
		e.logger.Warn("unhandled event", "event", ev.ID.String())
	}
}

// handleProcessorInit resolves every processor's queue bindings and chains
// into flow-function-init.
func (e *Executor) handleProcessorInit() {
	for _, p := range e.procs {
		if err := p.Init(e.cfg.DeviceID); err != nil {
			e.logger.Error("processor init failed", "error", err)
			e.stopWithError(err)
			return
		}
	}
	e.submit(driver.Event{ID: driver.EventFlowFunctionInit, Processor: -1})
}

// handleFlowFuncInit instantiates operators and calls their Init. idx < 0
// targets every processor. retry-later re-submits a single-flow-function
// init after a backoff; success submits one execute per processor.
func (e *Executor) handleFlowFuncInit(idx int) {
	targets := e.procs
	if idx >= 0 && idx < len(e.procs) {
		targets = e.procs[idx : idx+1]
	}
	for _, p := range targets {
		outcome, err := p.InitFlowFunc()
		switch outcome {
		case flowfunc.OutcomeOK:
			e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: p.Index()})
		case flowfunc.OutcomeRetryLater:
			e.scheduleInitRetry(p.Index())
		default:
			e.logger.Error("flow function init failed", "processor", p.Index(), "error", err)
			e.stopWithError(err)
			return
		}
	}
}

// scheduleInitRetry arms a one-shot inline timer that re-submits
// single-flow-function-init for idx after the backoff.
func (e *Executor) scheduleInitRetry(idx int) {
	h := e.cfg.Timers.Create(func() {
		e.submit(driver.Event{ID: driver.EventSingleFlowFunctionInit, Processor: idx})
	}, timerservice.Inline)
	e.retryMu.Lock()
	e.retryTimers = append(e.retryTimers, h)
	e.retryMu.Unlock()
	e.cfg.Timers.Start(h, constants.InitRetryBackoff.Milliseconds(), true)
}

// handleExecute runs one schedule step and re-submits while the processor
// reports more work. An unhealthy processor stops the executor.
func (e *Executor) handleExecute(idx, thread int) {
	if idx < 0 || idx >= len(e.procs) {
		return
	}
	p := e.procs[idx]
	again, err := p.Schedule(thread)
	if err != nil {
		e.logger.Error("schedule failed", "processor", idx, "error", err)
	}
	if !p.IsOk() {
		e.logger.Error("processor unhealthy, stopping executor", "processor", idx)
		e.stopWithError(fmt.Errorf("executor: processor %d unhealthy", idx))
		return
	}
	if again {
		e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: idx})
	}
}

func (e *Executor) handleEmptyToNotEmpty(qid uint32) {
	if e.requestQ != nil && e.requestQ.Info().QueueID == qid {
		e.handleControlQueue()
		return
	}
	idx, ok := e.inputOwner[queueKey{e.cfg.DeviceID, qid}]
	if !ok {
		return
	}
	if e.procs[idx].EmptyToNotEmpty(qid) {
		e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: idx})
	}
}

func (e *Executor) handleFullToNotFull(qid uint32) {
	for _, idx := range e.outputWriters[queueKey{e.cfg.DeviceID, qid}] {
		if e.procs[idx].FullToNotFull(qid) {
			e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: idx})
		}
	}
}

func (e *Executor) handleReportStatus(idx int) {
	if idx < 0 || idx >= len(e.procs) {
		return
	}
	if err := e.procs[idx].ReportStatus(0); err != nil {
		e.logger.Warn("status report failed", "processor", idx, "error", err)
	}
}

// handleSuspendFinished removes idx from the suspend-pending set; when the
// set empties the registry resets operator state in place (releasing every
// live operator when any cannot), then exactly one success response goes
// out.
func (e *Executor) handleSuspendFinished(idx int) {
	e.suspendMu.Lock()
	delete(e.suspendPending, idx)
	empty := len(e.suspendPending) == 0
	e.suspendMu.Unlock()
	if !empty {
		return
	}

	if failed := e.cfg.Registry.ResetStateAll(); len(failed) > 0 {
		// Partial reset support falls back to full re-instantiation for
		// every operator, not just the failed ones.
		for _, p := range e.procs {
			p.ReleaseOperator()
		}
	}
	e.respond(0, "Execute suspend success.")
	e.redrainControlQueue()
}

// handleRecoverFinished removes idx from the recover-pending set; when it
// empties the abnormal flag clears, the processors are rescheduled, and one
// success response goes out.
func (e *Executor) handleRecoverFinished(idx int) {
	e.recoverMu.Lock()
	delete(e.recoverPending, idx)
	empty := len(e.recoverPending) == 0
	e.recoverMu.Unlock()
	if !empty {
		return
	}

	e.abnormal.Store(false)
	e.respond(0, "Execute recover success.")
	for _, p := range e.procs {
		e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: p.Index()})
	}
	e.redrainControlQueue()
}

func (e *Executor) handleRaiseException(idx int) {
	if idx < 0 || idx >= len(e.procs) {
		return
	}
	e.procs[idx].ForwardPendingExceptions()
}

// replenish re-submits execute events for processors with a provable
// missed wake-up (more enqueue notifications than schedule attempts).
func (e *Executor) replenish() {
	for idx, p := range e.procs {
		if p.NeedReplenishSchedule() {
			e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: idx})
		}
	}
}

func (e *Executor) submit(ev driver.Event) {
	if e.exit.Load() {
		return
	}
	if err := e.cfg.Facade.SubmitEvent(driver.GroupMain, ev); err != nil {
		e.logger.Warn("event submit failed", "event", ev.ID.String(), "error", err)
	}
}

// Stop flips the exit flag and broadcasts notify-thread-exit so every
// worker wakes and observes it.
func (e *Executor) Stop(recvTermSignal bool) {
	if e.exit.Swap(true) {
		return
	}
	if recvTermSignal {
		e.logger.Info("stopping on termination signal")
	}
	e.cfg.Facade.SubmitEvent(driver.GroupMain, driver.Event{ID: driver.EventNotifyThreadExit, Processor: -1})
}

func (e *Executor) stopWithError(err error) {
	if err != nil {
		e.stopErrMu.Lock()
		if e.stopErr == nil {
			e.stopErr = err
		}
		e.stopErrMu.Unlock()
	}
	e.Stop(false)
}

// WaitForStop joins the workers, finalises the timers, and flushes one
// last metrics dump.
func (e *Executor) WaitForStop() error {
	e.wg.Wait()
	for _, h := range e.supervisorHandles {
		e.cfg.Timers.Delete(h)
	}
	e.retryMu.Lock()
	for _, h := range e.retryTimers {
		e.cfg.Timers.Delete(h)
	}
	e.retryTimers = nil
	e.retryMu.Unlock()
	e.cfg.Timers.Close()
	if e.cfg.DumpMetrics != nil {
		e.cfg.DumpMetrics()
	}
	e.stopErrMu.Lock()
	defer e.stopErrMu.Unlock()
	return e.stopErr
}

// Abnormal reports whether a suspend is in effect.
func (e *Executor) Abnormal() bool { return e.abnormal.Load() }

// Exiting reports whether Stop has been called.
func (e *Executor) Exiting() bool { return e.exit.Load() }

// Processors returns the executor's processor count.
func (e *Executor) Processors() int { return len(e.procs) }

// ReleaseBootLatch releases the one-shot NPU-scheduler handoff latch.
func (e *Executor) ReleaseBootLatch() {
	e.notifyOnce.Do(func() { close(e.bootLatch) })
}

func refToInfo(r manifest.QueueRef) driver.QueueDevInfo {
	return driver.QueueDevInfo{
		DeviceID:   r.DeviceID,
		QueueID:    r.QueueID,
		IsProxy:    r.IsProxy,
		LogicalID:  r.LogicalID,
		DeviceType: r.DeviceType,
	}
}

func mergeAttrs(global, own map[string]string) map[string]string {
	merged := make(map[string]string, len(global)+len(own))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}
