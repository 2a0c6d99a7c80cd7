// Package message defines the executor's in-memory wire types: the tensor
// payload shape, the FlowMsg envelope that carries it between queues, and
// the pooled byte-buffer allocator standing in for the driver's mbuf arena.
package message

import (
	"fmt"
)

// ElementType enumerates the primitive numeric types a Tensor's buffer can
// hold. Only the type-size is needed by the executor; the actual numeric
// interpretation belongs to user operator code.
type ElementType int

const (
	Int8 ElementType = iota
	Int32
	Int64
	Float32
	Float64
)

// Size returns the byte size of one element of this type.
func (t ElementType) Size() int {
	switch t {
	case Int8:
		return 1
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Tensor is a shaped, typed, contiguous buffer of numeric data.
type Tensor struct {
	Shape   []int64
	Type    ElementType
	Data    []byte
}

// ElementCount returns the product of Shape, 0 for an empty (EOS-carrier)
// tensor.
func (t *Tensor) ElementCount() int64 {
	if t == nil || len(t.Shape) == 0 {
		return 0
	}
	count := int64(1)
	for _, d := range t.Shape {
		count *= d
	}
	return count
}

// DataSize returns ElementCount * Type.Size().
func (t *Tensor) DataSize() int64 {
	return t.ElementCount() * int64(t.Type.Size())
}

// SameShapeType reports whether two tensors agree on element type and shape.
func (t *Tensor) SameShapeType(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Type != other.Type {
		return false
	}
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// Flag is a bitset of flow flags carried on every FlowMsg.
type Flag uint32

const (
	// FlagEOS marks the final message on a stream.
	FlagEOS Flag = 1 << iota
	// FlagSEG marks a segment boundary, used to force an early batcher flush.
	FlagSEG
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// FlowMsg is the opaque, driver-allocated message envelope. The tensor
// payload is optional: an "empty marker" message has Tensor == nil and is
// legal as an EOS/SEG carrier; an "error marker" message has a non-zero
// ReturnCode and a dummy-shape tensor.
type FlowMsg struct {
	Tensor     *Tensor
	ReturnCode int
	Flags      Flag
	StartTime  int64
	EndTime    int64
	StepID     int64

	// refcount mirrors the driver's reference-counted mbuf ownership: the
	// executor holds a strong reference while the message is in-flight and
	// releases it through Release, which returns the backing buffer to the
	// pool once the last reference drops.
	refs *int32
	buf  []byte
}

// IsEmpty reports whether this message carries no tensor payload.
func (m *FlowMsg) IsEmpty() bool {
	return m == nil || m.Tensor == nil
}

// IsError reports whether this message is an error-tagged marker.
func (m *FlowMsg) IsError() bool {
	return m != nil && m.ReturnCode != 0
}

func (m *FlowMsg) String() string {
	if m == nil {
		return "<nil FlowMsg>"
	}
	if m.IsError() {
		return fmt.Sprintf("FlowMsg{error rc=%d step=%d}", m.ReturnCode, m.StepID)
	}
	if m.IsEmpty() {
		return fmt.Sprintf("FlowMsg{empty flags=%d step=%d}", m.Flags, m.StepID)
	}
	return fmt.Sprintf("FlowMsg{shape=%v type=%v step=%d}", m.Tensor.Shape, m.Tensor.Type, m.StepID)
}

// AddRef increments the reference count, mirroring the driver's refcounted
// mbuf ownership model when a message is fanned out to multiple consumers.
func (m *FlowMsg) AddRef() {
	if m == nil || m.refs == nil {
		return
	}
	*m.refs++
}

// Release decrements the reference count and returns the backing buffer to
// the pool once it reaches zero. Safe to call on a nil message or one with
// no pooled buffer.
func (m *FlowMsg) Release() {
	if m == nil || m.refs == nil {
		return
	}
	*m.refs--
	if *m.refs <= 0 && m.buf != nil {
		PutBuffer(m.buf)
		m.buf = nil
	}
}

// NewErrorMessage builds a size-1, error-tagged, dummy-shape message, the
// shape every processor writes to an output index it cannot otherwise
// satisfy after an operator or validation failure.
func NewErrorMessage(returnCode int, stepID int64) *FlowMsg {
	one := int32(1)
	return &FlowMsg{
		Tensor: &Tensor{
			Shape: []int64{1},
			Type:  Int8,
			Data:  []byte{0},
		},
		ReturnCode: returnCode,
		StepID:     stepID,
		refs:       &one,
	}
}

// NewEOSMessage builds an empty message carrying only the EOS flag.
func NewEOSMessage(stepID int64) *FlowMsg {
	one := int32(1)
	return &FlowMsg{Flags: FlagEOS, StepID: stepID, refs: &one}
}
