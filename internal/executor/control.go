package executor

// Control-message handling: parse request-queue messages, orchestrate
// suspend/recover/exception across all processors, emit responses on the
// paired response queue.

import (
	"encoding/json"

	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/processor"
)

// Control-message variants on the request queue.
const (
	msgTypeClearModel      = "clear-model"
	msgTypeExceptionNotify = "exception-notify"
	msgTypeNotify          = "notify"

	clearKindSuspend = "suspend"
	clearKindRecover = "recover"

	exceptionKindAdd    = "add"
	exceptionKindDelete = "delete"
)

// controlRequest is one serialized tagged union consumed from the request
// queue. The wire schema itself belongs to an external serialization
// layer; JSON stands in for it here the way the processor's status
// payloads do.
type controlRequest struct {
	Type          string `json:"type"`
	Kind          string `json:"kind,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	UserContextID string `json:"user_context_id,omitempty"`
	ExceptionCode int    `json:"exception_code,omitempty"`
	Scope         string `json:"scope,omitempty"`
	Context       []byte `json:"context,omitempty"`
}

// controlResponse is the paired response-queue message. Status-code 0 means
// success.
type controlResponse struct {
	StatusCode   int    `json:"status_code"`
	ErrorMessage string `json:"error_message"`
}

// handleControlQueue drains the request queue. Within one drain at most one
// control message (suspend or recover) is processed; exception and notify
// messages are all drained.
func (e *Executor) handleControlQueue() {
	for {
		mb, err := e.requestQ.Dequeue()
		if err != nil {
			return
		}

		var req controlRequest
		parseErr := json.Unmarshal(mb.Data, &req)
		e.cfg.Facade.MbufFree(mb)
		if parseErr != nil {
			// Unrecoverable parse failure: failed response, then stop.
			e.logger.Error("control message parse failed", "error", parseErr)
			e.respond(1, "Parse control message failed.")
			e.stopWithError(parseErr)
			return
		}

		switch req.Type {
		case msgTypeClearModel:
			e.execClearModel(req)
			// One control message per drain; the pending-set handlers
			// re-trigger the drain once the command completes.
			return
		case msgTypeExceptionNotify:
			e.execException(req)
		case msgTypeNotify:
			e.ReleaseBootLatch()
			e.respond(0, "Parse control message success.")
		default:
			// Unknown variant is a soft error: failed response, continue.
			e.logger.Warn("unknown control message type", "type", req.Type)
			e.respond(1, "Parse control message failed.")
		}
	}
}

// redrainControlQueue re-runs the drain after a suspend/recover command
// completes, picking up any control messages queued behind the one just
// processed.
func (e *Executor) redrainControlQueue() {
	if e.requestQ == nil {
		return
	}
	e.submit(driver.Event{ID: driver.EventEmptyToNotEmpty, Processor: -1, QueueID: e.requestQ.Info().QueueID})
}

// execClearModel runs kSuspend/kRecover: mark every processor, submit one
// execute per processor, and track the acks in the pending set. The
// response goes out from the suspend/recover-finished handler once the set
// empties.
func (e *Executor) execClearModel(req controlRequest) {
	switch req.Kind {
	case clearKindSuspend:
		e.abnormal.Store(true)
		if len(e.procs) == 0 {
			e.respond(0, "Execute suspend success.")
			return
		}
		e.suspendMu.Lock()
		for idx := range e.procs {
			e.suspendPending[idx] = struct{}{}
		}
		e.suspendMu.Unlock()
		for idx, p := range e.procs {
			p.MarkSuspend()
			e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: idx})
		}
	case clearKindRecover:
		if len(e.procs) == 0 {
			e.abnormal.Store(false)
			e.respond(0, "Execute recover success.")
			return
		}
		e.recoverMu.Lock()
		for idx := range e.procs {
			e.recoverPending[idx] = struct{}{}
		}
		e.recoverMu.Unlock()
		for idx, p := range e.procs {
			p.MarkRecover()
			e.submit(driver.Event{ID: driver.EventFlowFunctionExecute, Processor: idx})
		}
	default:
		e.logger.Warn("unknown clear-model kind", "kind", req.Kind)
		e.respond(1, "Execute clear model failed.")
	}
}

// execException records or clears exception entries on every processor
// whose scope matches, and schedules the matched processors to forward
// them on their status queues.
func (e *Executor) execException(req controlRequest) {
	switch req.Kind {
	case exceptionKindAdd:
		rec := processor.ExceptionRecord{
			TransactionID: req.TransactionID,
			UserContextID: req.UserContextID,
			ExceptionCode: req.ExceptionCode,
			Scope:         req.Scope,
			Context:       req.Context,
		}
		for idx, p := range e.procs {
			p.AddException(rec)
			e.submit(driver.Event{ID: driver.EventRaiseException, Processor: idx})
		}
		e.respond(0, "Execute exception notify success.")
	case exceptionKindDelete:
		for _, p := range e.procs {
			p.ClearExceptions(req.TransactionID)
		}
		e.respond(0, "Execute exception notify success.")
	default:
		e.logger.Warn("unknown exception-notify kind", "kind", req.Kind)
		e.respond(1, "Execute exception notify failed.")
	}
}

// respond emits one response-queue message. Emission failures downgrade
// to executor stop.
func (e *Executor) respond(statusCode int, msg string) {
	if e.responseQ == nil {
		return
	}
	payload, err := json.Marshal(controlResponse{StatusCode: statusCode, ErrorMessage: msg})
	if err != nil {
		e.stopWithError(err)
		return
	}
	if err := e.responseQ.Enqueue(&driver.Mbuf{Data: payload}); err != nil {
		e.logger.Error("response emission failed", "error", err)
		e.stopWithError(err)
	}
}
