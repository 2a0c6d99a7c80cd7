package flowexec

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of error kinds a flow-function operator, the
// driver façade, or the executor can report. Every *Error carries exactly
// one of these, plus an integer Code for wire propagation over the response
// queue or a message's return-code field.
type ErrorCode string

const (
	// CodeParamInvalid marks a validation failure (bad manifest field, bad
	// attribute value, malformed control message).
	CodeParamInvalid ErrorCode = "param-invalid"
	// CodeQueueError marks a driver-façade queue operation failure (attach,
	// subscribe, enqueue, dequeue).
	CodeQueueError ErrorCode = "queue-error"
	// CodeDrvError marks a generic driver-façade failure not specific to a
	// queue (event wait/submit, timer registration).
	CodeDrvError ErrorCode = "drv-error"
	// CodeMemBufError marks an mbuf allocation or access failure.
	CodeMemBufError ErrorCode = "mem-buf-error"
	// CodeInitAgain is a first-class retry signal for lazy-loaded operators;
	// not a failure, the processor re-submits Init after a backoff.
	CodeInitAgain ErrorCode = "init-again"
	// CodeQueueEmpty is a non-error control signal meaning "nothing to
	// dequeue right now".
	CodeQueueEmpty ErrorCode = "queue-empty"
	// CodeQueueBindingConflict marks two sub-operators bound to the same
	// input queue within one executor.
	CodeQueueBindingConflict ErrorCode = "queue-binding-conflict"
	// CodeInternal marks a defect in the executor itself, not attributable
	// to manifest input or driver state.
	CodeInternal ErrorCode = "internal"
)

// numericCode assigns the integer code propagated alongside every error
// kind. The mapping is stable across a process
// lifetime but is not part of any external wire contract beyond "propagate
// whatever Error.IntCode() returns".
var numericCode = map[ErrorCode]int{
	CodeParamInvalid:         1,
	CodeQueueError:           2,
	CodeDrvError:             3,
	CodeMemBufError:          4,
	CodeInitAgain:            5,
	CodeQueueEmpty:           6,
	CodeQueueBindingConflict: 7,
	CodeInternal:             8,
}

// Error is a structured executor error with enough context to log and to
// propagate over the control-response queue without losing the offending
// processor/queue identity.
type Error struct {
	Op        string    // operation that failed (e.g. "Init", "Schedule", "QueueAttach")
	Processor int       // processor index (-1 if not applicable)
	QueueID   uint32    // queue id (0 if not applicable)
	Code      ErrorCode // error kind
	Msg       string    // human-readable message
	Inner     error     // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Processor >= 0 {
		parts = append(parts, fmt.Sprintf("processor=%d", e.Processor))
	}
	if e.QueueID != 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.QueueID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("flowexec: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("flowexec: %s", msg)
}

// Unwrap gives errors.Is/As access to the wrapped error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports comparing against both a bare ErrorCode sentinel and another
// *Error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ec, ok := target.(codeSentinel); ok {
		return e.Code == ErrorCode(ec)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// IntCode returns the wire-level integer for this error's Code, as
// propagated on the response queue or a message's return-code field.
func (e *Error) IntCode() int {
	return numericCode[e.Code]
}

// codeSentinel lets callers write errors.Is(err, flowexec.ParamInvalid)
// without constructing a full *Error.
type codeSentinel ErrorCode

func (c codeSentinel) Error() string { return string(c) }

// Sentinel errors usable with errors.Is, one per ErrorCode.
const (
	ParamInvalid         = codeSentinel(CodeParamInvalid)
	QueueError           = codeSentinel(CodeQueueError)
	DrvError             = codeSentinel(CodeDrvError)
	MemBufError          = codeSentinel(CodeMemBufError)
	InitAgain            = codeSentinel(CodeInitAgain)
	QueueEmpty           = codeSentinel(CodeQueueEmpty)
	QueueBindingConflict = codeSentinel(CodeQueueBindingConflict)
	Internal             = codeSentinel(CodeInternal)
)

// NewError creates a structured error with no processor/queue context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Processor: -1, Code: code, Msg: msg}
}

// NewProcessorError creates an error scoped to one processor.
func NewProcessorError(op string, processor int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Processor: processor, Code: code, Msg: msg}
}

// NewQueueError creates an error scoped to one queue on one processor.
func NewQueueError(op string, processor int, queueID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Processor: processor, QueueID: queueID, Code: code, Msg: msg}
}

// Wrap wraps an existing error with executor context, preserving the inner
// error's Code/Processor/QueueID when it is already a structured *Error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if fe, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Processor: fe.Processor,
			QueueID:   fe.QueueID,
			Code:      fe.Code,
			Msg:       fe.Msg,
			Inner:     fe.Inner,
		}
	}
	return &Error{
		Op:        op,
		Processor: -1,
		Code:      CodeInternal,
		Msg:       inner.Error(),
		Inner:     inner,
	}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}
