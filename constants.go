package flowexec

import "github.com/hicann/flowexec/internal/constants"

// Re-export the executor's process-wide defaults for public API consumers.
const (
	DefaultWorkerMultiplier   = constants.DefaultWorkerMultiplier
	AutoAssignPriority        = constants.AutoAssignPriority
	DefaultEventWaitTimeout   = constants.DefaultEventWaitTimeout
	DefaultQueueAttachTimeout = constants.DefaultQueueAttachTimeout
	ProxyQueueAttachTimeout   = constants.ProxyQueueAttachTimeout
	InitRetryBackoff          = constants.InitRetryBackoff
	DefaultCountBatchTimeout  = constants.DefaultCountBatchTimeout
	InlineMbufSize            = constants.InlineMbufSize
)
