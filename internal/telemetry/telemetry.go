// Package telemetry defines the Observer capability the processor and
// built-in batchers report through. The root flowexec package owns the
// concrete Metrics/Observer implementation and type-aliases these
// definitions so external callers still see flowexec.Observer, while
// internal packages depend only on this leaf package instead of importing
// the root module.
package telemetry

// BatchTriggerReason identifies why a batcher flushed its window.
type BatchTriggerReason int

const (
	BatchTriggerCount BatchTriggerReason = iota
	BatchTriggerTimeout
	BatchTriggerEOS
)

// Observer allows pluggable metrics collection per processor.
type Observer interface {
	ObserveIn(bytes uint64)
	ObserveOut(bytes uint64, success bool)
	ObserveProc(latencyNs uint64, success bool)
	ObserveBatchTrigger(reason BatchTriggerReason, padded bool)
	ObserveQueueDepth(depth uint32)
}

// NoOp is a no-op Observer, used where no metrics collection is configured.
type NoOp struct{}

func (NoOp) ObserveIn(uint64)                             {}
func (NoOp) ObserveOut(uint64, bool)                      {}
func (NoOp) ObserveProc(uint64, bool)                     {}
func (NoOp) ObserveBatchTrigger(BatchTriggerReason, bool) {}
func (NoOp) ObserveQueueDepth(uint32)                     {}

var _ Observer = NoOp{}
