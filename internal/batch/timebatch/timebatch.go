// Package timebatch implements the built-in time-batch operator: it
// accumulates tensor messages per stream until the
// configured time window closes (exactly, or early on an EOS or segment
// flag) and emits one concatenated output per stream.
package timebatch

import (
	"strconv"
	"sync"

	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/message"
	"github.com/hicann/flowexec/internal/telemetry"
)

// TypeName is the registry key for this built-in.
const TypeName = "_BuiltIn_TimeBatch"

const (
	// DynamicWindow means window closing is driven only by EOS/SEG flags.
	DynamicWindow = -1
	// AddDimMode means concatenation adds a new leading dimension instead
	// of extending an existing one.
	AddDimMode = -1
)

const errCodeParamInvalid = 1

// Operator is the time-batch flow function.
type Operator struct {
	mu sync.Mutex

	windowUs      int64
	batchDim      int64
	dropRemainder bool
	outputNum     int

	setOutput func(int, *message.FlowMsg) error
	observer  telemetry.Observer

	cache        [][]*message.FlowMsg
	startTime    int64
	endTime      int64
	batchOK      bool
	publishedOut int
	emptyMsgs    bool
	eos          bool
}

// New constructs an uninitialised time-batch operator. It is the factory
// registered under TypeName.
func New() flowfunc.Operator {
	return &Operator{}
}

// Init reads the window attributes. window must be positive or
// DynamicWindow; batch_dim must be >= AddDimMode; the operator must have at
// least one output.
func (o *Operator) Init(ctx flowfunc.InitContext) (flowfunc.Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var err error
	o.windowUs, err = attrInt(ctx, "window", DynamicWindow)
	if err != nil || (o.windowUs != DynamicWindow && o.windowUs <= 0) {
		return flowfunc.OutcomeFatal, &AttrError{Name: "window", Value: ctx.Attr("window")}
	}
	o.batchDim, err = attrInt(ctx, "batch_dim", AddDimMode)
	if err != nil || o.batchDim < AddDimMode {
		return flowfunc.OutcomeFatal, &AttrError{Name: "batch_dim", Value: ctx.Attr("batch_dim")}
	}
	o.dropRemainder = ctx.Attr("drop_remainder") == "true"

	o.outputNum = ctx.NumOutputs
	if o.outputNum == 0 {
		return flowfunc.OutcomeFatal, &AttrError{Name: "outputs", Value: "0"}
	}
	o.setOutput = ctx.SetOutput
	o.observer = ctx.ObserverOrNoOp()
	o.resetLocked()
	return flowfunc.OutcomeOK, nil
}

// Proc validates and caches the aligned inputs, then flushes when the
// window condition is met. All publication goes through SetOutput.
func (o *Operator) Proc(inputs []*message.FlowMsg) ([]*message.FlowMsg, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if code := o.checkInput(inputs); code != 0 {
		o.publishErrorOut(code)
		o.resetLocked()
		return nil, nil
	}
	if code := o.updateState(inputs); code != 0 {
		o.publishErrorOut(code)
		o.resetLocked()
		return nil, nil
	}

	if !o.batchOK {
		// Window still open, keep accumulating.
		return nil, nil
	}

	if o.emptyMsgs && len(o.cache) == 0 {
		o.publishEmptyEOS()
		o.resetLocked()
		return nil, nil
	}

	currentWindow := o.endTime - o.startTime
	if o.windowUs > 0 && currentWindow < o.windowUs && o.dropRemainder {
		// Partial window with drop-remainder: no data output.
		wasEOS := o.eos
		if wasEOS {
			o.publishEmptyEOS()
		}
		o.resetLocked()
		return nil, nil
	}

	if !o.timeBatchAll() {
		o.publishErrorOut(errCodeParamInvalid)
		o.resetLocked()
		return nil, nil
	}
	if o.eos {
		o.observer.ObserveBatchTrigger(telemetry.BatchTriggerEOS, false)
		o.publishEmptyEOS()
	} else {
		o.observer.ObserveBatchTrigger(telemetry.BatchTriggerTimeout, false)
	}
	o.resetLocked()
	return nil, nil
}

// checkInput validates the input set against the cache. Returns 0 on
// success or the error code to report.
func (o *Operator) checkInput(inputs []*message.FlowMsg) int {
	if len(inputs) != o.outputNum {
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
	empty := inputs[0].Tensor == nil
	for _, in := range inputs[1:] {
		if (in.Tensor == nil) != empty {
			return errCodeParamInvalid
		}
	}
	o.emptyMsgs = empty
	if empty {
		return 0
	}
	if len(o.cache) != 0 && len(inputs) != len(o.cache) {
		return errCodeParamInvalid
	}
	if code := o.checkFlowInfo(inputs); code != 0 {
		return code
	}
	return o.checkTensorInfo(inputs)
}

// checkFlowInfo asserts all inputs agree on start-time, end-time, and flow
// flags, and that time advances monotonically against the cached window.
func (o *Operator) checkFlowInfo(inputs []*message.FlowMsg) int {
	first := inputs[0]
	if first.StartTime > first.EndTime {
		return errCodeParamInvalid
	}
	if len(o.cache) != 0 && first.StartTime < o.endTime {
		return errCodeParamInvalid
	}
	for _, in := range inputs[1:] {
		if in.StartTime != first.StartTime || in.EndTime != first.EndTime || in.Flags != first.Flags {
			return errCodeParamInvalid
		}
	}
	return 0
}

// checkTensorInfo validates shape/type consistency with the cache: in
// batch-dim mode only the batch dim may differ, in add-dim mode all dims
// must be equal.
func (o *Operator) checkTensorInfo(inputs []*message.FlowMsg) int {
	for i, in := range inputs {
		t := in.Tensor
		if t.ElementCount() <= 0 {
			return errCodeParamInvalid
		}
		if len(o.cache) != 0 {
			base := o.cache[i][0].Tensor
			if t.Type != base.Type {
				return errCodeParamInvalid
			}
			if !shapeOK(base.Shape, t.Shape, o.batchDim) {
				return errCodeParamInvalid
			}
		} else if o.batchDim >= int64(len(t.Shape)) {
			return errCodeParamInvalid
		}
	}
	return 0
}

func shapeOK(base, shape []int64, batchDim int64) bool {
	if len(shape) != len(base) {
		return false
	}
	for i := range shape {
		if batchDim != AddDimMode && int64(i) == batchDim {
			continue
		}
		if shape[i] != base[i] {
			return false
		}
	}
	return true
}

// updateState folds the inputs into the window state and decides whether
// the window has closed.
func (o *Operator) updateState(inputs []*message.FlowMsg) int {
	first := inputs[0]
	if o.emptyMsgs {
		if !first.Flags.Has(message.FlagEOS) {
			// An empty message without EOS has no meaning here.
			return errCodeParamInvalid
		}
		o.batchOK = true
		o.eos = true
		return 0
	}

	if len(o.cache) == 0 {
		o.startTime = first.StartTime
	}
	o.endTime = first.EndTime
	currentWindow := o.endTime - o.startTime
	if o.windowUs > 0 && currentWindow > o.windowUs {
		// Over-window is an error, not a flush.
		return errCodeParamInvalid
	}
	if o.windowUs > 0 && currentWindow == o.windowUs {
		o.batchOK = true
	} else {
		if first.Flags.Has(message.FlagEOS) {
			o.eos = true
			o.batchOK = true
		}
		if first.Flags.Has(message.FlagSEG) {
			o.batchOK = true
		}
	}

	if len(o.cache) == 0 {
		o.cache = make([][]*message.FlowMsg, len(inputs))
	}
	for i, in := range inputs {
		o.cache[i] = append(o.cache[i], in)
	}
	return 0
}

// timeBatchAll flushes every stream's cache as one concatenated output.
func (o *Operator) timeBatchAll() bool {
	for i := range o.cache {
		if !o.timeBatch(o.cache[i], i) {
			return false
		}
	}
	return true
}

// timeBatch concatenates one stream's cached tensors into a single output
// published on outIndex. In add-dim mode the cached tensors are stacked
// along a new leading dimension; in batch-dim mode their batch-dim slices
// are interleaved so the output stays contiguous in row-major order.
func (o *Operator) timeBatch(stream []*message.FlowMsg, outIndex int) bool {
	copySizes, outShape, flatDim0, stepID := o.calcCopyParams(stream)

	out := message.AllocTensor(outShape, stream[0].Tensor.Type, stepID)
	if out == nil || out.Tensor == nil {
		return false
	}
	data := out.Tensor.Data
	copied := make([]int64, len(stream))
	outOffset := int64(0)
	for dim := int64(0); dim < flatDim0; dim++ {
		for i, m := range stream {
			sz := copySizes[i]
			if outOffset+sz > int64(len(data)) {
				return false
			}
			copy(data[outOffset:outOffset+sz], m.Tensor.Data[copied[i]:copied[i]+sz])
			copied[i] += sz
			outOffset += sz
		}
	}
	out.StartTime = o.startTime
	out.EndTime = o.endTime

	if err := o.setOutput(outIndex, out); err != nil {
		return false
	}
	o.publishedOut++
	return true
}

// calcCopyParams derives the per-message copy size, the output shape, and
// the number of interleave rounds for one stream.
func (o *Operator) calcCopyParams(stream []*message.FlowMsg) (copySizes []int64, outShape []int64, flatDim0 int64, stepID int64) {
	first := stream[0].Tensor
	outShape = append([]int64(nil), first.Shape...)
	stepID = stream[0].StepID

	if o.batchDim == AddDimMode {
		flatDim0 = 1
		outShape = append([]int64{int64(len(stream))}, outShape...)
		for _, m := range stream {
			copySizes = append(copySizes, m.Tensor.DataSize())
			stepID = maxDumpStep(stepID, m.StepID)
		}
		return copySizes, outShape, flatDim0, stepID
	}

	elemSize := int64(first.Type.Size())
	copyNum := int64(1)
	for i := o.batchDim; i < int64(len(first.Shape)); i++ {
		copyNum *= first.Shape[i]
	}
	flatDim0 = first.ElementCount() / copyNum
	copySizes = append(copySizes, elemSize*copyNum)
	for _, m := range stream[1:] {
		shape := m.Tensor.Shape
		outShape[o.batchDim] += shape[o.batchDim]
		n := int64(1)
		for i := o.batchDim; i < int64(len(shape)); i++ {
			n *= shape[i]
		}
		copySizes = append(copySizes, elemSize*n)
		stepID = maxDumpStep(stepID, m.StepID)
	}
	return copySizes, outShape, flatDim0, stepID
}

func maxDumpStep(current, step int64) int64 {
	if step > current {
		return step
	}
	return current
}

// publishErrorOut writes a size-1 error-tagged message on every output
// index not yet published for this invocation.
func (o *Operator) publishErrorOut(code int) {
	for i := o.publishedOut; i < o.outputNum; i++ {
		o.setOutput(i, message.NewErrorMessage(code, 0))
	}
}

// publishEmptyEOS writes one empty EOS message on every output index.
func (o *Operator) publishEmptyEOS() {
	for i := 0; i < o.outputNum; i++ {
		if err := o.setOutput(i, message.NewEOSMessage(0)); err != nil {
			o.publishErrorOut(errCodeParamInvalid)
			return
		}
		o.publishedOut++
	}
}

func (o *Operator) resetLocked() {
	for i := range o.cache {
		for _, m := range o.cache[i] {
			m.Release()
		}
	}
	o.cache = nil
	o.startTime = 0
	o.endTime = 0
	o.batchOK = false
	o.publishedOut = 0
	o.emptyMsgs = false
	o.eos = false
}

// ResetState clears the window state in place for recover.
func (o *Operator) ResetState() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
	return true
}

// Destroy drops cached state.
func (o *Operator) Destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
}

// AttrError reports an invalid or missing operator attribute.
type AttrError struct {
	Name  string
	Value string
}

func (e *AttrError) Error() string {
	return "timebatch: invalid attr " + e.Name + "=" + e.Value
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
