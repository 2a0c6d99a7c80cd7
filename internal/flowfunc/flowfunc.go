// Package flowfunc defines the flow-function operator contract: a
// required core (Init, Proc, Destroy) plus optional capability interfaces
// probed with a type assertion, implemented by the two built-in batchers
// and by user plugin operators alike.
package flowfunc

import (
	"github.com/hicann/flowexec/internal/message"
	"github.com/hicann/flowexec/internal/telemetry"
	"github.com/hicann/flowexec/internal/timerservice"
)

// Outcome is the tagged result used everywhere Init/Proc cross the
// operator trust boundary: ok, retry-later, or fatal.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetryLater
	OutcomeFatal
)

// InitContext carries everything an operator's Init needs: its declared
// input/output counts, an attribute bag sourced from the manifest (e.g.
// count-batch's batch-size, time-batch's window-us), and the processor's
// publication/timer services.
//
// SetOutput publishes directly on the processor's output queue for the
// given index. Operators that emit synchronously can simply return outputs
// from Proc; operators whose publication is decoupled from Proc (the
// built-in batchers, whose timeout path fires on a timer goroutine) call
// SetOutput instead and return nil from Proc.
type InitContext struct {
	NumInputs  int
	NumOutputs int
	Attrs      map[string]string

	SetOutput func(index int, msg *message.FlowMsg) error
	Timers    *timerservice.Service
	Observer  telemetry.Observer
}

// ObserverOrNoOp returns the configured Observer, or a no-op one.
func (c *InitContext) ObserverOrNoOp() telemetry.Observer {
	if c == nil || c.Observer == nil {
		return telemetry.NoOp{}
	}
	return c.Observer
}

// Attr returns the named attribute, or "" if absent.
func (c *InitContext) Attr(name string) string {
	if c == nil || c.Attrs == nil {
		return ""
	}
	return c.Attrs[name]
}

// Operator is the required capability every flow function implements: user
// code, count-batch, and time-batch alike.
type Operator interface {
	// Init prepares the operator for Proc calls. A retry-later Outcome is
	// propagated so the executor re-submits the init event after a
	// backoff; a fatal Outcome aborts the processor's startup.
	Init(ctx InitContext) (Outcome, error)

	// Proc consumes one aligned set of input messages (one per bound input
	// queue) and returns one message per output index it wants to publish.
	// A returned error never propagates out of the processor's Schedule
	// loop; the caller is responsible for the error-tagged-output fallback.
	Proc(inputs []*message.FlowMsg) ([]*message.FlowMsg, error)

	// Destroy releases any resources held by the operator instance.
	Destroy()
}

// StateResetter is an optional capability: operators that can clear their
// internal state in place (without being destroyed and recreated)
// implement it so recover can avoid a full re-instantiation.
type StateResetter interface {
	// ResetState clears in-flight state and reports whether it succeeded.
	// A false return tells the registry this operator must be released and
	// re-instantiated instead.
	ResetState() bool
}

// Factory constructs a new Operator instance. Registered per type-name in
// the flow-function registry.
type Factory func() Operator
