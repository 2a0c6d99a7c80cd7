// Package constants holds process-wide defaults for the executor.
package constants

import "time"

// Default manifest/processor configuration.
const (
	// DefaultWorkerMultiplier is a worker-pool multiplier default. The
	// executor does not read it: it sizes the pool as
	// max(NumCPU, processors+1).
	DefaultWorkerMultiplier = 1

	// AutoAssignPriority means "no e-sched priority requested".
	AutoAssignPriority = -1

	// DefaultEventWaitTimeout bounds each worker's blocking wait-event call.
	// A timeout here triggers a replenish-schedule sweep, never cancellation.
	DefaultEventWaitTimeout = 200 * time.Millisecond

	// DefaultQueueAttachTimeout is the bounded wait for queue-attach on a
	// local queue.
	DefaultQueueAttachTimeout = 10 * time.Second

	// ProxyQueueAttachTimeout is the bounded wait for queue-attach on a
	// cross-device proxy queue.
	ProxyQueueAttachTimeout = 60 * time.Second

	// InitRetryBackoff is the delay before re-submitting flow-function-init
	// after an operator returns retry-later.
	InitRetryBackoff = 50 * time.Millisecond
)

// Built-in batcher defaults.
const (
	// DefaultCountBatchTimeout disables the timeout trigger (0 = disabled).
	DefaultCountBatchTimeout = 0 * time.Millisecond
)

// Supervisor timer periods.
const (
	// ParentMonitorPeriod is how often the parent-PID monitor polls.
	ParentMonitorPeriod = 1 * time.Second

	// ParentMonitorMaxPoliteStops bounds the polite-stop attempts before the
	// parent-PID monitor force-kills the process.
	ParentMonitorMaxPoliteStops = 5

	// MetricsDumpPeriod is the supervisor metrics dumper's period.
	MetricsDumpPeriod = 80 * time.Second
)

// Mbuf allocation constants.
const (
	// InlineMbufSize is a small-tensor size threshold. No allocator in this
	// module reads it: tensor buffers of every size come from the
	// size-bucketed pools in internal/message.
	InlineMbufSize = 64 * 1024
)
