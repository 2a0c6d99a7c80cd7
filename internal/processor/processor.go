// Package processor implements the flow-function processor: the
// per-operator driver that owns a set of bound input/output queues,
// invokes the operator's Init and Proc, tracks schedulability, and reports
// status/exceptions. A single state mutex guards the fields the executor's
// control-message handler mutates from a different goroutine than
// whichever worker is inside Schedule.
package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/manifest"
	"github.com/hicann/flowexec/internal/message"
	"github.com/hicann/flowexec/internal/queuewrap"
	"github.com/hicann/flowexec/internal/registry"
	"github.com/hicann/flowexec/internal/scope"
	"github.com/hicann/flowexec/internal/telemetry"
	"github.com/hicann/flowexec/internal/timerservice"
)

// ExceptionRecord is one kException(add) entry the control-message handler
// has routed to this processor. Fatal records cause the
// processor to stop accepting further schedule calls after being forwarded
// (IsOk becomes false); non-fatal records are forwarded and the processor
// continues.
type ExceptionRecord struct {
	TransactionID string
	UserContextID string
	ExceptionCode int
	Scope         string
	Context       []byte
	Fatal         bool
}

// statusPayload is the internal status/exception report shape written to
// the status-output queue. The wire schema itself belongs to an external
// serialization layer with no reader behind the simulated façade, so a
// plain JSON encoding stands in for it.
type statusPayload struct {
	Kind          string `json:"kind"` // "report-status" or "raise-exception"
	ProcessorIdx  int    `json:"processor_index"`
	ModelUUID     string `json:"model_uuid,omitempty"`
	QueueDepth    int    `json:"queue_depth,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	UserContextID string `json:"user_context_id,omitempty"`
	ExceptionCode int    `json:"exception_code,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// Config is everything a Processor needs, constructed once by the executor
// at its processor-init step and never mutated afterward.
type Config struct {
	Index        int
	InstanceID   string
	TypeName     string
	ModelUUID    string
	InputQueues  []*queuewrap.Queue
	OutputQueues []*queuewrap.Queue
	StatusQueue  *queuewrap.Queue // optional; nil means no status reporting
	Alignment    manifest.AlignmentPolicy
	CacheUpToN   int
	Attrs        map[string]string
	Registry     *registry.Registry
	Facade       driver.Facade
	EventGroup   driver.Group
	Scope        scope.Matcher
	Observer     telemetry.Observer
	Timers       *timerservice.Service
}

// Processor is the executor's per-operator adapter. One Processor drives
// one flow-function instance.
type Processor struct {
	cfg Config

	mu              sync.Mutex
	op              flowfunc.Operator
	initDone        bool
	clearAndSuspend bool
	clearAndRecover bool
	suspended       bool
	exceptions      []ExceptionRecord
	runningOK       bool

	// holdback caches dequeued-but-not-yet-aligned messages per input
	// index, used by the strict and cache-up-to-N alignment policies.
	holdback [][]*message.FlowMsg

	// pendingOutputs holds outputs Proc already produced but that a
	// queue-full enqueue couldn't publish yet; they are retried before any
	// new input is dequeued.
	pendingOutputs map[int]*message.FlowMsg

	// Missed-wakeup detection for the replenish sweep: counting
	// notifications against schedule attempts lets the sweep target only
	// processors with a provable lost wake-up instead of re-submitting
	// unconditionally on every timeout.
	enqueueNotifications uint64
	scheduleAttempts     uint64
}

// New constructs a Processor bound to cfg. The operator instance is not
// created yet; InitFlowFunc does that lazily.
func New(cfg Config) *Processor {
	if cfg.Observer == nil {
		cfg.Observer = telemetry.NoOp{}
	}
	return &Processor{
		cfg:            cfg,
		holdback:       make([][]*message.FlowMsg, len(cfg.InputQueues)),
		pendingOutputs: make(map[int]*message.FlowMsg),
		runningOK:      true,
	}
}

// Init resolves queue bindings: attaches and subscribes every input and
// output queue, and attaches (but does not subscribe; status reports are
// only ever written) the optional status queue.
//
// Input queues must not be shared with another processor of the same
// executor. That is checked by the executor before any Processor.Init
// runs, since only the executor sees every processor's bindings at once.
func (p *Processor) Init(device uint32) error {
	if err := p.cfg.Facade.QueueInit(device); err != nil {
		return fmt.Errorf("processor %d: queue-init: %w", p.cfg.Index, err)
	}
	for _, q := range p.cfg.InputQueues {
		if err := p.attachSubscribe(q); err != nil {
			return err
		}
	}
	for _, q := range p.cfg.OutputQueues {
		if err := p.attachSubscribe(q); err != nil {
			return err
		}
	}
	if p.cfg.StatusQueue != nil {
		timeout := attachTimeout(p.cfg.StatusQueue)
		if err := p.cfg.StatusQueue.Attach(timeout); err != nil {
			return fmt.Errorf("processor %d: status queue attach: %w", p.cfg.Index, err)
		}
	}
	return nil
}

func (p *Processor) attachSubscribe(q *queuewrap.Queue) error {
	if err := q.Attach(attachTimeout(q)); err != nil {
		return fmt.Errorf("processor %d: queue attach: %w", p.cfg.Index, err)
	}
	if err := q.Subscribe(p.cfg.EventGroup); err != nil {
		return fmt.Errorf("processor %d: queue subscribe: %w", p.cfg.Index, err)
	}
	return nil
}

func attachTimeout(q *queuewrap.Queue) time.Duration {
	if q.IsProxy() {
		return 60 * time.Second
	}
	return 10 * time.Second
}

// Index returns this processor's index in the executor's table.
func (p *Processor) Index() int { return p.cfg.Index }

// ReleaseOperator destroys the live operator instance; the next schedule
// or flow-function-init re-instantiates it.
func (p *Processor) ReleaseOperator() {
	p.cfg.Registry.Release(p.cfg.InstanceID)
	p.mu.Lock()
	p.op = nil
	p.initDone = false
	p.mu.Unlock()
}

// InitFlowFunc instantiates the operator (if not already live) and calls
// its Init. A retry-later outcome is propagated unchanged so the executor
// re-submits flow-function-init after a backoff. Calling it
// on an already-initialised operator is a no-op success, which makes the
// executor's whole-table flow-function-init retry idempotent.
func (p *Processor) InitFlowFunc() (flowfunc.Outcome, error) {
	p.mu.Lock()
	op := p.op
	done := p.initDone
	p.mu.Unlock()
	if op != nil && done {
		return flowfunc.OutcomeOK, nil
	}

	if op == nil {
		var err error
		op, err = p.cfg.Registry.New(p.cfg.InstanceID, p.cfg.TypeName)
		if err != nil {
			return flowfunc.OutcomeFatal, err
		}
		p.mu.Lock()
		p.op = op
		p.mu.Unlock()
	}

	ctx := flowfunc.InitContext{
		NumInputs:  len(p.cfg.InputQueues),
		NumOutputs: len(p.cfg.OutputQueues),
		Attrs:      p.cfg.Attrs,
		SetOutput:  p.publish,
		Timers:     p.cfg.Timers,
		Observer:   p.cfg.Observer,
	}
	outcome, err := op.Init(ctx)
	if outcome == flowfunc.OutcomeOK {
		p.mu.Lock()
		p.initDone = true
		p.mu.Unlock()
	}
	return outcome, err
}

// MarkSuspend arms clear-and-suspend, checked at the top of the next
// Schedule call.
func (p *Processor) MarkSuspend() {
	p.mu.Lock()
	p.clearAndSuspend = true
	p.mu.Unlock()
}

// MarkRecover arms clear-and-recover, consumed by the next Schedule call.
func (p *Processor) MarkRecover() {
	p.mu.Lock()
	p.clearAndRecover = true
	p.mu.Unlock()
}

// AddException records an exception for forwarding on the next Schedule
// call, if it applies to this processor's configured scope.
func (p *Processor) AddException(rec ExceptionRecord) {
	if !p.cfg.Scope.Matches(rec.Scope) {
		return
	}
	p.mu.Lock()
	p.exceptions = append(p.exceptions, rec)
	p.mu.Unlock()
}

// ClearExceptions removes pending exception records matching
// transactionID.
func (p *Processor) ClearExceptions(transactionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.exceptions[:0]
	for _, e := range p.exceptions {
		if e.TransactionID != transactionID {
			kept = append(kept, e)
		}
	}
	p.exceptions = kept
}

// IsOk reports the processor's running state.
func (p *Processor) IsOk() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningOK
}

// NeedReplenishSchedule detects a missed wake-up: more empty-to-not-empty
// notifications have arrived than schedule attempts have been made, which
// means an execute event was lost somewhere and a replenish sweep should
// re-submit one.
func (p *Processor) NeedReplenishSchedule() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueueNotifications > p.scheduleAttempts
}

// EmptyToNotEmpty handles the driver's empty-to-not-empty transition for
// one of this processor's input queues. Returns whether the executor
// should submit a flow-function-execute event.
func (p *Processor) EmptyToNotEmpty(queueID uint32) bool {
	p.mu.Lock()
	p.enqueueNotifications++
	blocked := p.clearAndSuspend || p.suspended
	p.mu.Unlock()
	return !blocked
}

// FullToNotFull handles the driver's full-to-not-full transition for one of
// this processor's output queues: there may be pending output to retry.
func (p *Processor) FullToNotFull(queueID uint32) bool {
	p.mu.Lock()
	hasPending := len(p.pendingOutputs) > 0
	blocked := p.clearAndSuspend || p.suspended
	p.mu.Unlock()
	return hasPending && !blocked
}

// Schedule is the hot path. It returns true iff another schedule should
// be dispatched immediately.
func (p *Processor) Schedule(workerID int) (bool, error) {
	p.mu.Lock()
	p.scheduleAttempts++
	suspend := p.clearAndSuspend
	recoverPending := p.clearAndRecover
	suspended := p.suspended
	p.mu.Unlock()

	if suspend {
		return false, p.doSuspend()
	}

	if recoverPending {
		p.doRecover()
	} else if suspended {
		// Suspended and no recover pending: stay parked.
		return false, nil
	}

	p.mu.Lock()
	opReady := p.op != nil && p.initDone
	p.mu.Unlock()
	if !opReady {
		// Operator was released (recover without in-place reset, or a
		// registry-wide fallback): re-instantiate on next use.
		outcome, err := p.InitFlowFunc()
		if outcome != flowfunc.OutcomeOK {
			return false, err
		}
	}

	if !p.ForwardPendingExceptions() {
		return false, nil
	}

	if !p.flushPending() {
		return false, nil
	}

	inputs, ready, err := p.dequeueAligned()
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	for _, m := range inputs {
		if m != nil && m.Tensor != nil {
			p.cfg.Observer.ObserveIn(uint64(m.Tensor.DataSize()))
		}
	}

	blocked := p.runProc(inputs)
	return !blocked && p.schedulableNow(), nil
}

// ForwardPendingExceptions drains the exception records routed to this
// processor and forwards each on the status queue. A fatal record flips
// the running-OK flag; the false return tells the caller to stop
// scheduling this processor.
func (p *Processor) ForwardPendingExceptions() bool {
	for _, rec := range p.popExceptions() {
		p.forwardException(rec)
		if rec.Fatal {
			p.mu.Lock()
			p.runningOK = false
			p.mu.Unlock()
			return false
		}
	}
	return true
}

func (p *Processor) popExceptions() []ExceptionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.exceptions) == 0 {
		return nil
	}
	out := p.exceptions
	p.exceptions = nil
	return out
}

func (p *Processor) forwardException(rec ExceptionRecord) {
	_ = p.WriteStatusOutputQueue(func() []byte {
		b, _ := json.Marshal(statusPayload{
			Kind:          "raise-exception",
			ProcessorIdx:  p.cfg.Index,
			ModelUUID:     p.cfg.ModelUUID,
			TransactionID: rec.TransactionID,
			UserContextID: rec.UserContextID,
			ExceptionCode: rec.ExceptionCode,
			Scope:         p.cfg.Scope.Strip(rec.Scope),
		})
		return b
	})
}

// doSuspend drains in-flight state to a consistent point, flips the
// suspend flag, and emits suspend-finished.
func (p *Processor) doSuspend() error {
	p.mu.Lock()
	for i := range p.holdback {
		for _, m := range p.holdback[i] {
			m.Release()
		}
		p.holdback[i] = nil
	}
	for idx, m := range p.pendingOutputs {
		m.Release()
		delete(p.pendingOutputs, idx)
	}
	p.clearAndSuspend = false
	p.suspended = true
	idx := p.cfg.Index
	p.mu.Unlock()

	return p.cfg.Facade.SubmitEvent(p.cfg.EventGroup, driver.Event{ID: driver.EventSuspendFinished, Processor: idx})
}

// doRecover resets the operator's state in place if it supports
// flowfunc.StateResetter, else releases and lets the next InitFlowFunc
// call re-instantiate it.
func (p *Processor) doRecover() {
	p.mu.Lock()
	op := p.op
	p.mu.Unlock()

	resetOK := false
	if op != nil {
		if resetter, ok := op.(flowfunc.StateResetter); ok {
			resetOK = resetter.ResetState()
		}
	}
	if !resetOK {
		p.cfg.Registry.Release(p.cfg.InstanceID)
		p.mu.Lock()
		p.op = nil
		p.initDone = false
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.clearAndRecover = false
	p.suspended = false
	idx := p.cfg.Index
	p.mu.Unlock()

	p.cfg.Facade.SubmitEvent(p.cfg.EventGroup, driver.Event{ID: driver.EventRecoverFinished, Processor: idx})
}

// flushPending retries publishing anything left over from a prior
// queue-full. Returns true once pendingOutputs is empty.
func (p *Processor) flushPending() bool {
	p.mu.Lock()
	if len(p.pendingOutputs) == 0 {
		p.mu.Unlock()
		return true
	}
	pending := p.pendingOutputs
	p.mu.Unlock()

	for i := 0; i < len(p.cfg.OutputQueues); i++ {
		msg, ok := pending[i]
		if !ok {
			continue
		}
		if err := p.publish(i, msg); err != nil {
			return false
		}
		p.mu.Lock()
		delete(p.pendingOutputs, i)
		p.mu.Unlock()
	}
	return true
}

// runProc calls the operator's Proc and publishes its outputs in strictly
// increasing index order. It reports whether the processor is now blocked
// on output backpressure.
func (p *Processor) runProc(inputs []*message.FlowMsg) (blocked bool) {
	start := time.Now()
	outputs, err := p.op.Proc(inputs)
	latency := uint64(time.Since(start).Nanoseconds())
	p.cfg.Observer.ObserveProc(latency, err == nil)

	if err != nil {
		p.publishErrorFrom(0)
		return false
	}

	for i, msg := range outputs {
		if msg == nil {
			continue
		}
		if perr := p.publish(i, msg); perr != nil {
			// Queue-full: stop here. publish() has staged output i in
			// pendingOutputs; stage the remaining outputs behind it. The
			// processor is re-scheduled on full-to-not-full.
			for j := i + 1; j < len(outputs); j++ {
				if outputs[j] != nil {
					p.mu.Lock()
					p.pendingOutputs[j] = outputs[j]
					p.mu.Unlock()
				}
			}
			return true
		}
	}
	return false
}

// publishErrorFrom writes a size-1 error-tagged message to every output
// index >= fromIdx that has not yet been published for this Proc
// invocation, then clears any in-flight state.
func (p *Processor) publishErrorFrom(fromIdx int) {
	for i := fromIdx; i < len(p.cfg.OutputQueues); i++ {
		errMsg := message.NewErrorMessage(1, 0)
		_ = p.publish(i, errMsg)
	}
	p.mu.Lock()
	for i := range p.holdback {
		for _, m := range p.holdback[i] {
			m.Release()
		}
		p.holdback[i] = nil
	}
	p.mu.Unlock()
}

func (p *Processor) publish(i int, msg *message.FlowMsg) error {
	if i < 0 || i >= len(p.cfg.OutputQueues) {
		return fmt.Errorf("processor %d: output index %d out of range", p.cfg.Index, i)
	}
	var size uint64
	if msg != nil && msg.Tensor != nil {
		size = uint64(msg.Tensor.DataSize())
	}
	mb := msgToMbuf(msg)
	if err := p.cfg.OutputQueues[i].Enqueue(mb); err != nil {
		p.cfg.Observer.ObserveOut(size, false)
		p.mu.Lock()
		p.pendingOutputs[i] = msg
		p.mu.Unlock()
		return err
	}
	p.cfg.Observer.ObserveOut(size, true)
	return nil
}

// schedulableNow approximates the schedulability invariant (all required
// inputs have at least one pending message, all required outputs have
// room, no suspend is pending) using only
// what this processor already knows locally: whether every input stream
// already has a cached message ready to pair up. The driver façade exposes
// no queue-depth peek, so a stream with no cached holdback relies on its
// own next empty-to-not-empty event rather than an immediate re-dispatch.
func (p *Processor) schedulableNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clearAndSuspend || len(p.pendingOutputs) > 0 {
		return false
	}
	for i := range p.holdback {
		if len(p.holdback[i]) == 0 {
			return false
		}
	}
	return len(p.holdback) > 0
}

// WriteStatusOutputQueue builds a payload via gen and writes it to the
// status output queue. A processor with no configured status queue
// silently drops the report.
func (p *Processor) WriteStatusOutputQueue(gen func() []byte) error {
	if p.cfg.StatusQueue == nil {
		return nil
	}
	payload := gen()
	return p.cfg.StatusQueue.Enqueue(&driver.Mbuf{Data: payload})
}

// ReportStatus builds and writes a steady-state status report.
func (p *Processor) ReportStatus(queueDepth int) error {
	return p.WriteStatusOutputQueue(func() []byte {
		b, _ := json.Marshal(statusPayload{
			Kind:         "report-status",
			ProcessorIdx: p.cfg.Index,
			ModelUUID:    p.cfg.ModelUUID,
			QueueDepth:   queueDepth,
		})
		return b
	})
}

// dequeueAligned dequeues one message from each input queue that
// participates in input alignment, per the processor's configured
// AlignmentPolicy. ready is false when the
// configured policy could not assemble a complete set this call.
func (p *Processor) dequeueAligned() (inputs []*message.FlowMsg, ready bool, err error) {
	n := len(p.cfg.InputQueues)
	if n == 0 {
		return nil, false, nil
	}

	switch p.cfg.Alignment {
	case manifest.AlignDropWhenMisaligned:
		return p.dequeueDropMisaligned()
	case manifest.AlignCacheUpToN:
		return p.dequeueCacheUpToN()
	default:
		return p.dequeueStrict()
	}
}

func (p *Processor) dequeueDropMisaligned() ([]*message.FlowMsg, bool, error) {
	n := len(p.cfg.InputQueues)
	out := make([]*message.FlowMsg, n)
	any := false
	for i, q := range p.cfg.InputQueues {
		msg, err := p.tryDequeue(q)
		if err != nil {
			continue
		}
		out[i] = msg
		any = true
	}
	if !any {
		return nil, false, nil
	}
	for _, m := range out {
		if m == nil {
			for _, mm := range out {
				mm.Release()
			}
			return nil, false, nil
		}
	}
	return out, true, nil
}

func (p *Processor) dequeueCacheUpToN() ([]*message.FlowMsg, bool, error) {
	limit := p.cfg.CacheUpToN
	if limit <= 0 {
		limit = 1
	}
	for i, q := range p.cfg.InputQueues {
		for len(p.holdback[i]) < limit {
			msg, err := p.tryDequeue(q)
			if err != nil {
				break
			}
			p.holdback[i] = append(p.holdback[i], msg)
		}
	}
	n := len(p.cfg.InputQueues)
	out := make([]*message.FlowMsg, n)
	for i := range out {
		if len(p.holdback[i]) == 0 {
			return nil, false, nil
		}
	}
	for i := range out {
		out[i] = p.holdback[i][0]
		p.holdback[i] = p.holdback[i][1:]
	}
	return out, true, nil
}

func (p *Processor) dequeueStrict() ([]*message.FlowMsg, bool, error) {
	n := len(p.cfg.InputQueues)
	out := make([]*message.FlowMsg, n)
	for i, q := range p.cfg.InputQueues {
		if len(p.holdback[i]) > 0 {
			out[i] = p.holdback[i][0]
			p.holdback[i] = p.holdback[i][1:]
			continue
		}
		msg, err := p.tryDequeue(q)
		if err == nil {
			out[i] = msg
		}
	}
	for i, m := range out {
		if m == nil {
			// Not every stream had data this round: push whatever we did
			// get back to the front of its holdback so the next call
			// doesn't lose it.
			for j, mm := range out {
				if j != i && mm != nil {
					p.holdback[j] = append([]*message.FlowMsg{mm}, p.holdback[j]...)
				}
			}
			return nil, false, nil
		}
	}
	return out, true, nil
}

// tryDequeue dequeues one message, retrying once on a non-empty queue
// error.
func (p *Processor) tryDequeue(q *queuewrap.Queue) (*message.FlowMsg, error) {
	mb, err := q.Dequeue()
	if err != nil {
		if errors.Is(err, driver.ErrQueueEmpty) {
			return nil, err
		}
		mb, err = q.Dequeue()
		if err != nil {
			return nil, err
		}
	}
	return mbufToMsg(mb), nil
}
