package message

import "sync"

// Pooled buffers stand in for the driver's mbuf arena: size-bucketed
// sync.Pools avoid a hot-path allocation per tensor payload.
//
// Every size up to size1m is served from these pools (the smallest bucket
// covers all payloads up to 128 KiB); larger sizes are allocated fresh.
const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
)

var globalPool = struct {
	pool128k sync.Pool
	pool256k sync.Pool
	pool512k sync.Pool
	pool1m   sync.Pool
}{
	pool128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a pooled buffer of at least the requested size. For
// sizes above size1m a fresh slice is allocated and not returned to any
// pool on PutBuffer.
func GetBuffer(size int64) []byte {
	switch {
	case size <= size128k:
		return (*globalPool.pool128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*globalPool.pool512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool matching its capacity. Buffers
// with a non-standard capacity (oversized allocations) are dropped for GC.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size128k:
		globalPool.pool128k.Put(&buf)
	case size256k:
		globalPool.pool256k.Put(&buf)
	case size512k:
		globalPool.pool512k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
	}
}

// AllocTensor allocates a FlowMsg carrying a fresh tensor of the given
// shape/type, backed by a pooled buffer — the Go-level equivalent of the
// driver's mbuf-alloc(size) primitive.
func AllocTensor(shape []int64, elemType ElementType, stepID int64) *FlowMsg {
	t := &Tensor{Shape: shape, Type: elemType}
	size := t.DataSize()
	buf := GetBuffer(size)
	t.Data = buf
	one := int32(1)
	return &FlowMsg{Tensor: t, StepID: stepID, refs: &one, buf: buf}
}
