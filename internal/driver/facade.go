// Package driver is the façade over the HAL's queue, event, timer, and
// mbuf primitives. The HAL itself, the kernel-style event bus,
// device-resident queues, and driver-allocated buffers, is an opaque
// external service; this package defines the narrow interface the executor
// needs and ships exactly one implementation, an in-process simulation
// (Sim) used when no real device is available.
package driver

import (
	"errors"
	"time"
)

// Sentinel errors returned by Facade methods. Callers translate these into
// the executor's structured *flowexec.Error at the package boundary; the
// façade itself stays free of that dependency to avoid an import cycle.
var (
	ErrQueueError   = errors.New("driver: queue operation failed")
	ErrDrvError     = errors.New("driver: generic failure")
	ErrMemBufError  = errors.New("driver: mbuf allocation failed")
	ErrQueueEmpty   = errors.New("driver: queue empty")
	ErrAlreadyInit  = errors.New("driver: already initialised")
	ErrTimeout      = errors.New("driver: timed out")
)

// EventID is the fixed set of event identifiers submitted to or received
// from the driver's event bus.
type EventID int

const (
	EventProcessorInit EventID = iota
	EventFlowFunctionInit
	EventSingleFlowFunctionInit
	EventFlowFunctionExecute
	EventTimer
	EventReportStatus
	EventNotifyThreadExit
	EventSuspendFinished
	EventRecoverFinished
	EventSwitchToSoftSched
	EventRaiseException
	// EventEmptyToNotEmpty and EventFullToNotFull are driver-originated
	// queue transitions, not part of the executor-submitted set, but they
	// travel the same event bus so they share this enum.
	EventEmptyToNotEmpty
	EventFullToNotFull
)

func (e EventID) String() string {
	switch e {
	case EventProcessorInit:
		return "processor-init"
	case EventFlowFunctionInit:
		return "flow-function-init"
	case EventSingleFlowFunctionInit:
		return "single-flow-function-init"
	case EventFlowFunctionExecute:
		return "flow-function-execute"
	case EventTimer:
		return "timer"
	case EventReportStatus:
		return "report-status"
	case EventNotifyThreadExit:
		return "notify-thread-exit"
	case EventSuspendFinished:
		return "suspend-finished"
	case EventRecoverFinished:
		return "recover-finished"
	case EventSwitchToSoftSched:
		return "switch-to-soft-sched"
	case EventRaiseException:
		return "raise-exception"
	case EventEmptyToNotEmpty:
		return "empty-to-not-empty"
	case EventFullToNotFull:
		return "full-to-not-full"
	default:
		return "unknown-event"
	}
}

// Group names a scheduling group; which groups exist is configuration.
type Group string

const (
	GroupMain          Group = "main"
	GroupWorker        Group = "worker"
	GroupInvokeModel   Group = "invoke-model"
	GroupFlowMsgQueue  Group = "flow-msg-queue"
)

// Mode is the queue work mode configured at subscription time.
type Mode int

const (
	ModePull Mode = iota
	ModePush
)

// Event is one item delivered by wait-event, carrying enough identity for
// the executor's dispatch table to route it: a processor index for
// per-processor events, a queue id for queue transitions, nothing extra for
// global events.
type Event struct {
	ID        EventID
	Processor int    // -1 if not applicable
	QueueID   uint32 // 0 if not applicable
}

// QueueDevInfo identifies a queue. Two QueueDevInfo values name "the same
// queue" iff DeviceID and QueueID match.
type QueueDevInfo struct {
	DeviceID      uint32
	QueueID       uint32
	IsProxy       bool
	LogicalID     uint32
	DeviceType    string
}

// Same reports whether two QueueDevInfo values refer to the same queue.
func (q QueueDevInfo) Same(other QueueDevInfo) bool {
	return q.DeviceID == other.DeviceID && q.QueueID == other.QueueID
}

// Mbuf is an opaque, reference-counted driver buffer handle. Data is the
// contiguous byte payload a real HAL would hand back from mbuf-alloc; Aux
// lets the in-process simulation carry the already-structured FlowMsg
// alongside it instead of round-tripping through a wire encoding that has
// no reader in this process.
type Mbuf struct {
	Data []byte
	Aux  any
}

// Facade is the thin wrapper over HAL queue/event/mbuf/timer primitives.
// Implementations return the uniform error set above;
// callers never see raw driver codes.
type Facade interface {
	// QueueInit initialises device-wide queue state. Idempotent: a second
	// call on an already-initialised device returns nil, not ErrAlreadyInit.
	QueueInit(deviceID uint32) error

	// QueueAttach binds to (deviceID, queueID), retrying until timeout.
	QueueAttach(deviceID uint32, queueID uint32, timeout time.Duration) error

	// QueueSubscribe configures the queue to the given mode and associates
	// it with an event group for empty/full transition delivery. Proxy
	// queues (info.IsProxy) are bound but never deliver local events.
	QueueSubscribe(info QueueDevInfo, group Group, mode Mode) error

	// QueueUnsubscribe reverses QueueSubscribe. Round-trip subscribe then
	// unsubscribe any number of times must leave the queue state unchanged.
	QueueUnsubscribe(info QueueDevInfo) error

	// QueueEnqueue publishes msg on the queue. Returns ErrQueueError wrapping
	// "queue-full" semantics when the queue has no free slot.
	QueueEnqueue(deviceID uint32, queueID uint32, msg *Mbuf) error

	// QueueDequeue is non-blocking: it returns ErrQueueEmpty immediately
	// when there is nothing to read, never blocking the caller.
	QueueDequeue(deviceID uint32, queueID uint32) (*Mbuf, error)

	// SubscribeEvent arms a (group, thread) pair to receive the events in
	// mask.
	SubscribeEvent(group Group, thread int, mask []EventID) error

	// WaitEvent blocks up to timeout for the next event destined for
	// (group, thread). A timeout returns (Event{}, ErrTimeout), which the
	// executor's main thread treats as a cue to run a replenish sweep, not
	// as a fatal condition.
	WaitEvent(group Group, thread int, timeout time.Duration) (Event, error)

	// SubmitEvent pushes ev onto the bus for delivery to its target group.
	SubmitEvent(group Group, ev Event) error

	// MbufAlloc allocates a reference-counted buffer of size bytes.
	MbufAlloc(size int64) (*Mbuf, error)

	// MbufFree releases a buffer obtained from MbufAlloc or QueueDequeue.
	MbufFree(m *Mbuf) error

	// Close releases all driver-held resources for this façade instance.
	Close() error
}
