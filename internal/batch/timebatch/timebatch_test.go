package timebatch

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/message"
)

type outputSink struct {
	mu   sync.Mutex
	outs map[int][]*message.FlowMsg
}

func newSink() *outputSink {
	return &outputSink{outs: make(map[int][]*message.FlowMsg)}
}

func (s *outputSink) set(i int, m *message.FlowMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs[i] = append(s.outs[i], m)
	return nil
}

func (s *outputSink) get(i int) []*message.FlowMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.FlowMsg(nil), s.outs[i]...)
}

func initOp(t *testing.T, attrs map[string]string, sink *outputSink, numOutputs int) *Operator {
	t.Helper()
	op := New().(*Operator)
	outcome, err := op.Init(flowfunc.InitContext{
		NumInputs:  numOutputs,
		NumOutputs: numOutputs,
		Attrs:      attrs,
		SetOutput:  sink.set,
	})
	if outcome != flowfunc.OutcomeOK {
		t.Fatalf("Init outcome=%v err=%v", outcome, err)
	}
	return op
}

func fp32Tensor(shape []int64, values []float32, start, end int64) *message.FlowMsg {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return &message.FlowMsg{
		Tensor:    &message.Tensor{Shape: shape, Type: message.Float32, Data: buf},
		StartTime: start,
		EndTime:   end,
	}
}

func TestWindowCloseByTime(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{
		"window":    "1000",
		"batch_dim": "0",
	}, sink, 1)

	windows := [][2]int64{{0, 300}, {300, 600}, {600, 1000}}
	for i, w := range windows {
		op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{float32(i)}, w[0], w[1])})
	}

	outs := sink.get(0)
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	out := outs[0]
	if len(out.Tensor.Shape) != 1 || out.Tensor.Shape[0] != 3 {
		t.Fatalf("output shape %v, want [3]", out.Tensor.Shape)
	}
	if out.StartTime != 0 || out.EndTime != 1000 {
		t.Errorf("output window (%d,%d), want (0,1000)", out.StartTime, out.EndTime)
	}
	if out.EndTime-out.StartTime > 1000 {
		t.Errorf("window span %d exceeds configured 1000", out.EndTime-out.StartTime)
	}
}

func TestEOSEarlyWithDropRemainder(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{
		"window":         "1000",
		"drop_remainder": "true",
	}, sink, 1)

	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{1}, 0, 500)})

	eos := &message.FlowMsg{Flags: message.FlagEOS}
	op.Proc([]*message.FlowMsg{eos})

	outs := sink.get(0)
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want only the empty EOS message", len(outs))
	}
	if !outs[0].IsEmpty() || !outs[0].Flags.Has(message.FlagEOS) {
		t.Errorf("expected empty EOS message, got %v", outs[0])
	}
}

func TestEOSFlushesPartialWindowWithoutDrop(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{"window": "1000"}, sink, 1)

	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{1}, 0, 500)})
	op.Proc([]*message.FlowMsg{&message.FlowMsg{Flags: message.FlagEOS}})

	outs := sink.get(0)
	if len(outs) != 2 {
		t.Fatalf("got %d outputs, want data + empty EOS", len(outs))
	}
	if outs[0].IsEmpty() {
		t.Errorf("first output should carry the partial window's data")
	}
	if !outs[1].IsEmpty() || !outs[1].Flags.Has(message.FlagEOS) {
		t.Errorf("second output should be the empty EOS marker, got %v", outs[1])
	}
}

func TestSegmentBoundaryFlushes(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{"window": "-1"}, sink, 1)

	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{1}, 0, 100)})
	seg := fp32Tensor([]int64{1}, []float32{2}, 100, 200)
	seg.Flags = message.FlagSEG
	op.Proc([]*message.FlowMsg{seg})

	outs := sink.get(0)
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	if outs[0].Tensor.Shape[0] != 2 {
		t.Errorf("output dim0 = %d, want 2", outs[0].Tensor.Shape[0])
	}
}

func TestOverWindowIsError(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{"window": "1000"}, sink, 1)

	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{1}, 0, 600)})
	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{2}, 600, 1200)})

	outs := sink.get(0)
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1 error output", len(outs))
	}
	if !outs[0].IsError() {
		t.Errorf("expected error-tagged output for over-window, got %v", outs[0])
	}
}

func TestAddDimModeStacksLeadingDim(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{"window": "200"}, sink, 1)

	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{2}, []float32{1, 2}, 0, 100)})
	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{2}, []float32{3, 4}, 100, 200)})

	outs := sink.get(0)
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	shape := outs[0].Tensor.Shape
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("output shape %v, want [2 2]", shape)
	}
	got := make([]float32, 4)
	for i := range got {
		got[i] = math.Float32frombits(binary.LittleEndian.Uint32(outs[0].Tensor.Data[i*4:]))
	}
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("contents %v, want %v", got, want)
		}
	}
}

func TestBatchDimModeExtendsDim(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{
		"window":    "200",
		"batch_dim": "1",
	}, sink, 1)

	// Two [2,1] tensors concatenated along dim 1 must interleave rows:
	// [[1],[2]] + [[3],[4]] -> [[1,3],[2,4]].
	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{2, 1}, []float32{1, 2}, 0, 100)})
	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{2, 1}, []float32{3, 4}, 100, 200)})

	outs := sink.get(0)
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	shape := outs[0].Tensor.Shape
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("output shape %v, want [2 2]", shape)
	}
	got := make([]float32, 4)
	for i := range got {
		got[i] = math.Float32frombits(binary.LittleEndian.Uint32(outs[0].Tensor.Data[i*4:]))
	}
	want := []float32{1, 3, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("contents %v, want %v", got, want)
		}
	}
}

func TestTimeRegressionIsError(t *testing.T) {
	sink := newSink()
	op := initOp(t, map[string]string{"window": "1000"}, sink, 1)

	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{1}, 0, 300)})
	// Start time moves backwards relative to the cached end time.
	op.Proc([]*message.FlowMsg{fp32Tensor([]int64{1}, []float32{2}, 100, 400)})

	outs := sink.get(0)
	if len(outs) != 1 || !outs[0].IsError() {
		t.Fatalf("expected one error output for time regression, got %v", outs)
	}
}

func TestInitRejectsBadAttrs(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		outs  int
	}{
		{"zero window", map[string]string{"window": "0"}, 1},
		{"batch_dim below add-dim", map[string]string{"window": "100", "batch_dim": "-2"}, 1},
		{"no outputs", map[string]string{"window": "100"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := New().(*Operator)
			outcome, err := op.Init(flowfunc.InitContext{
				NumOutputs: tt.outs,
				Attrs:      tt.attrs,
				SetOutput:  newSink().set,
			})
			if outcome != flowfunc.OutcomeFatal || err == nil {
				t.Errorf("Init outcome=%v err=%v, want fatal with error", outcome, err)
			}
		})
	}
}
