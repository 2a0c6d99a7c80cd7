// Package countbatch implements the built-in count-batch operator: it
// buffers incoming tensor messages per input stream and
// emits one concatenated output per stream once batch-size messages have
// accumulated, or earlier on a timeout with optional zero padding.
package countbatch

import (
	"strconv"
	"sync"
	"time"

	"github.com/hicann/flowexec/internal/dumpspec"
	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/message"
	"github.com/hicann/flowexec/internal/telemetry"
	"github.com/hicann/flowexec/internal/timerservice"
)

// TypeName is the registry key for this built-in.
const TypeName = "_BuiltIn_CountBatch"

// AttrDumpStep is the attribute carrying the dump-step grammar consulted
// when picking the output step-id.
const AttrDumpStep = "ge.exec.dumpStep"

const errCodeParamInvalid = 1

// entry is one cached message and whether it is real user data (false for
// synthesized padding).
type entry struct {
	msg    *message.FlowMsg
	isReal bool
}

// Operator is the count-batch flow function. Proc and the timeout callback
// contend on a single mutex; only one of them runs at a time.
type Operator struct {
	mu sync.Mutex

	batchSize   int64
	timeoutMs   int64
	padding     bool
	slideStride int64
	dump        *dumpspec.Spec

	setOutput func(int, *message.FlowMsg) error
	timers    *timerservice.Service
	observer  telemetry.Observer

	cache     [][]entry
	timerFlag bool
	lastReset time.Time

	timerHandle timerservice.Handle
	hasTimer    bool

	publishedOutputs int
	totalOutputs     int
}

// New constructs an uninitialised count-batch operator. It is the factory
// registered under TypeName.
func New() flowfunc.Operator {
	return &Operator{}
}

// Init reads the batch attributes and arms the timeout timer when one is
// configured. batch_size is required; timeout, padding, and slide_stride
// default to disabled.
func (o *Operator) Init(ctx flowfunc.InitContext) (flowfunc.Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	o.batchSize, err = attrInt(ctx, "batch_size", 0)
	if err != nil || o.batchSize <= 0 {
		return flowfunc.OutcomeFatal, &AttrError{Name: "batch_size", Value: ctx.Attr("batch_size")}
	}
	o.timeoutMs, err = attrInt(ctx, "timeout", 0)
	if err != nil || o.timeoutMs < 0 {
		return flowfunc.OutcomeFatal, &AttrError{Name: "timeout", Value: ctx.Attr("timeout")}
	}
	o.padding = ctx.Attr("padding") == "true"
	o.slideStride, err = attrInt(ctx, "slide_stride", 0)
	if err != nil || o.slideStride < 0 {
		return flowfunc.OutcomeFatal, &AttrError{Name: "slide_stride", Value: ctx.Attr("slide_stride")}
	}

	o.dump = dumpspec.Parse(ctx.Attr(AttrDumpStep))
	o.setOutput = ctx.SetOutput
	o.timers = ctx.Timers
	o.observer = ctx.ObserverOrNoOp()
	o.cache = nil
	o.timerFlag = false

	if o.timeoutMs != 0 && o.timers != nil {
		o.timerHandle = o.timers.Create(o.onTimeout, timerservice.Inline)
		o.hasTimer = true
	}
	return flowfunc.OutcomeOK, nil
}

// Proc appends the aligned inputs to their stream caches and publishes any
// stream that has reached batch-size. Outputs go through SetOutput; the
// return value is always empty.
func (o *Operator) Proc(inputs []*message.FlowMsg) ([]*message.FlowMsg, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cacheEmpty() {
		o.totalOutputs = len(inputs)
	}
	o.publishedOutputs = 0

	if code := o.checkInput(inputs); code != 0 {
		o.abnormal(code)
		return nil, nil
	}

	if !o.timerFlag {
		o.timerFlag = true
		if len(o.cache) != len(inputs) {
			o.cache = make([][]entry, len(inputs))
		}
		if o.hasTimer {
			o.timers.Start(o.timerHandle, o.timeoutMs, true)
			o.lastReset = time.Now()
		}
	}

	for i, in := range inputs {
		o.cache[i] = append(o.cache[i], entry{msg: in, isReal: true})
		if int64(len(o.cache[i])) >= o.batchSize {
			out, ok := o.constructOutput(i)
			if !ok {
				o.abnormal(errCodeParamInvalid)
				return nil, nil
			}
			if err := o.setOutput(i, out); err != nil {
				o.abnormal(errCodeParamInvalid)
				return nil, nil
			}
			o.observer.ObserveBatchTrigger(telemetry.BatchTriggerCount, false)
			o.timerFlag = false
		}
		o.publishedOutputs++
	}
	return nil, nil
}

// onTimeout is the timeout path: it pads each stream to batch-size when
// padding is enabled, publishes whatever is cached, and restarts the timer.
func (o *Operator) onTimeout() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.timerFlag && time.Since(o.lastReset) < time.Duration(o.timeoutMs)*time.Millisecond {
		return
	}
	o.publishedOutputs = 0
	o.totalOutputs = len(o.cache)

	for i := range o.cache {
		if len(o.cache[i]) == 0 {
			o.timerFlag = false
			return
		}
		padded := false
		if o.padding && int64(len(o.cache[i])) < o.batchSize {
			if !o.padStream(i) {
				o.abnormal(errCodeParamInvalid)
				return
			}
			padded = true
		}
		out, ok := o.constructOutput(i)
		if !ok {
			o.abnormal(errCodeParamInvalid)
			return
		}
		if err := o.setOutput(i, out); err != nil {
			o.abnormal(errCodeParamInvalid)
			return
		}
		o.observer.ObserveBatchTrigger(telemetry.BatchTriggerTimeout, padded)
		o.publishedOutputs++
	}

	if o.hasTimer {
		o.timers.Start(o.timerHandle, o.timeoutMs, true)
		o.lastReset = time.Now()
	}
}

// padStream appends zero-filled tensors of the stream's element shape until
// the stream holds batch-size entries, marked as non-real data.
func (o *Operator) padStream(i int) bool {
	front := o.cache[i][0].msg.Tensor
	need := o.batchSize - int64(len(o.cache[i]))
	for j := int64(0); j < need; j++ {
		pad := message.AllocTensor(append([]int64(nil), front.Shape...), front.Type, 0)
		if pad == nil || pad.Tensor == nil {
			return false
		}
		data := pad.Tensor.Data
		for k := range data {
			data[k] = 0
		}
		o.cache[i] = append(o.cache[i], entry{msg: pad, isReal: false})
	}
	return true
}

// checkInput validates the aligned input set against the cache: no nils, no
// error-tagged messages, stable stream count, and per-stream shape/dtype
// agreement. Returns 0 on success or the error code to report.
func (o *Operator) checkInput(inputs []*message.FlowMsg) int {
	if len(inputs) == 0 {
		return errCodeParamInvalid
	}
	for _, in := range inputs {
		if in == nil {
			return errCodeParamInvalid
		}
		if in.ReturnCode != 0 {
			return in.ReturnCode
		}
	}
	if !o.cacheEmpty() && len(inputs) != len(o.cache) {
		return errCodeParamInvalid
	}
	for i, in := range inputs {
		if in.Tensor == nil {
			return errCodeParamInvalid
		}
		if o.cacheEmpty() || i >= len(o.cache) || len(o.cache[i]) == 0 {
			continue
		}
		cached := o.cache[i][0].msg.Tensor
		if !cached.SameShapeType(in.Tensor) {
			return errCodeParamInvalid
		}
	}
	return 0
}

// constructOutput concatenates the stream's first batch-size cached tensors
// along a new leading dimension and advances the stream per slide-stride.
func (o *Operator) constructOutput(i int) (*message.FlowMsg, bool) {
	stream := o.cache[i]
	take := len(stream)
	if int64(take) > o.batchSize {
		take = int(o.batchSize)
	}

	front := stream[0].msg.Tensor
	outShape := append([]int64{int64(take)}, front.Shape...)
	out := message.AllocTensor(outShape, front.Type, 0)
	if out == nil || out.Tensor == nil {
		return nil, false
	}

	data := out.Tensor.Data
	offset := int64(0)
	maxStep := int64(0)
	for j := 0; j < take; j++ {
		t := stream[j].msg.Tensor
		sz := t.DataSize()
		if offset+sz > int64(len(data)) {
			return nil, false
		}
		copy(data[offset:offset+sz], t.Data[:sz])
		offset += sz
		// With no dump-step configured every step participates; otherwise
		// only dump-enabled steps compete for the published step-id.
		step := stream[j].msg.StepID
		if (!o.dump.Enabled() || o.dump.IsInDumpStep(uint32(step))) && step > maxStep {
			maxStep = step
		}
	}
	out.StepID = maxStep

	if o.slideStride != 0 {
		drop := o.slideStride
		if drop > int64(len(stream)) {
			drop = int64(len(stream))
		}
		for j := int64(0); j < drop; j++ {
			stream[j].msg.Release()
		}
		rest := stream[drop:]
		// Trailing padding entries never participate in a later batch.
		for len(rest) > 0 && !rest[len(rest)-1].isReal {
			rest[len(rest)-1].msg.Release()
			rest = rest[:len(rest)-1]
		}
		o.cache[i] = append([]entry(nil), rest...)
	} else {
		for _, e := range stream {
			e.msg.Release()
		}
		o.cache[i] = nil
	}
	return out, true
}

// abnormal publishes a size-1 error-tagged message on every output index
// not yet published for this invocation, then clears all cached state.
func (o *Operator) abnormal(code int) {
	for i := o.publishedOutputs; i < o.totalOutputs; i++ {
		o.setOutput(i, message.NewErrorMessage(code, 0))
	}
	o.clearLocked()
}

func (o *Operator) clearLocked() {
	for i := range o.cache {
		for _, e := range o.cache[i] {
			e.msg.Release()
		}
		o.cache[i] = nil
	}
	o.timerFlag = false
}

func (o *Operator) cacheEmpty() bool {
	for i := range o.cache {
		if len(o.cache[i]) > 0 {
			return false
		}
	}
	return true
}

// ResetState clears the cached streams in place for recover.
func (o *Operator) ResetState() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearLocked()
	return true
}

// Destroy stops and deletes the timeout timer and drops cached state.
func (o *Operator) Destroy() {
	o.mu.Lock()
	hasTimer := o.hasTimer
	h := o.timerHandle
	timers := o.timers
	o.hasTimer = false
	o.clearLocked()
	o.mu.Unlock()

	if hasTimer && timers != nil {
		timers.Delete(h)
	}
}

// AttrError reports an invalid or missing operator attribute.
type AttrError struct {
	Name  string
	Value string
}

func (e *AttrError) Error() string {
	return "countbatch: invalid attr " + e.Name + "=" + e.Value
}

func attrInt(ctx flowfunc.InitContext, name string, def int64) (int64, error) {
	v := ctx.Attr(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

var (
	_ flowfunc.Operator      = (*Operator)(nil)
	_ flowfunc.StateResetter = (*Operator)(nil)
)
