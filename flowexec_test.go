package flowexec

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/manifest"
	"github.com/hicann/flowexec/internal/message"
	"github.com/hicann/flowexec/internal/registry"
)

const testDevice = uint32(1)

func queueRef(qid uint32) manifest.QueueRef {
	return manifest.QueueRef{DeviceID: testDevice, QueueID: qid}
}

// enqueueMsg publishes a FlowMsg on a simulated input queue the way an
// external producer would, retrying until the queue exists (processor
// init runs asynchronously on the event loop).
func enqueueMsg(t *testing.T, sim *driver.Sim, qid uint32, msg *message.FlowMsg) {
	t.Helper()
	var data []byte
	if msg.Tensor != nil {
		data = msg.Tensor.Data
	}
	mb := &driver.Mbuf{Data: data, Aux: msg}
	require.Eventually(t, func() bool {
		return sim.QueueEnqueue(testDevice, qid, mb) == nil
	}, 5*time.Second, 5*time.Millisecond, "enqueue on queue %d", qid)
}

// dequeueMsg drains one FlowMsg from a simulated output queue.
func dequeueMsg(t *testing.T, sim *driver.Sim, qid uint32) *message.FlowMsg {
	t.Helper()
	var out *message.FlowMsg
	require.Eventually(t, func() bool {
		mb, err := sim.QueueDequeue(testDevice, qid)
		if err != nil {
			return false
		}
		out = mb.Aux.(*message.FlowMsg)
		return true
	}, 5*time.Second, 5*time.Millisecond, "dequeue from queue %d", qid)
	return out
}

func int32Msg(shape []int64, values []int32, stepID int64) *message.FlowMsg {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return &message.FlowMsg{
		Tensor: &message.Tensor{Shape: shape, Type: message.Int32, Data: buf},
		StepID: stepID,
	}
}

func startRuntime(t *testing.T, m *manifest.Manifest, reg *registry.Registry, params Params) (*Runtime, *driver.Sim) {
	t.Helper()
	sim := driver.NewSim(64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rt, err := CreateAndServe(ctx, params, &Options{
		Manifest:           m,
		Registry:           reg,
		Facade:             sim,
		DisableSupervisors: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.Stop(false)
		rt.WaitForStop()
	})
	return rt, sim
}

func TestCountBatchEndToEnd(t *testing.T) {
	m := &manifest.Manifest{Models: []manifest.Model{{
		Name:         "batcher",
		InputQueues:  []manifest.QueueRef{queueRef(10)},
		OutputQueues: []manifest.QueueRef{queueRef(20)},
		SubOperators: []manifest.SubOperator{{
			Name:          "count",
			Type:          "_BuiltIn_CountBatch",
			InputIndices:  []int{0},
			OutputIndices: []int{0},
			Attrs:         map[string]string{"batch_size": "4"},
		}},
	}}}

	_, sim := startRuntime(t, m, nil, Params{DeviceID: testDevice, QueueDepth: 64})

	for step := 0; step < 4; step++ {
		vals := make([]int32, 6)
		for i := range vals {
			vals[i] = int32(step*6 + i + 1)
		}
		enqueueMsg(t, sim, 10, int32Msg([]int64{2, 3}, vals, int64(step)))
	}

	out := dequeueMsg(t, sim, 20)
	require.NotNil(t, out.Tensor)
	assert.Equal(t, []int64{4, 2, 3}, out.Tensor.Shape)
	assert.EqualValues(t, 3, out.StepID)
	assert.Zero(t, out.ReturnCode)
	for i := 0; i < 24; i++ {
		got := int32(binary.LittleEndian.Uint32(out.Tensor.Data[i*4:]))
		require.EqualValues(t, i+1, got, "flat element %d", i)
	}
}

func TestSuspendRecoverRoundTrip(t *testing.T) {
	m := &manifest.Manifest{Models: []manifest.Model{{
		Name:         "pair",
		InputQueues:  []manifest.QueueRef{queueRef(30), queueRef(31)},
		OutputQueues: []manifest.QueueRef{queueRef(40), queueRef(41)},
		SubOperators: []manifest.SubOperator{
			{Name: "a", Type: "mock", InputIndices: []int{0}, OutputIndices: []int{0}},
			{Name: "b", Type: "mock", InputIndices: []int{1}, OutputIndices: []int{1}},
		},
	}}}
	reg := registry.New()
	reg.Register("mock", func() flowfunc.Operator { return NewMockFlowFunc() })

	reqQID, respQID := uint32(100), uint32(101)
	rt, sim := startRuntime(t, m, reg, Params{
		DeviceID:        testDevice,
		QueueDepth:      64,
		RequestQueueID:  &reqQID,
		ResponseQueueID: &respQID,
	})
	require.Equal(t, 2, rt.Processors())

	postControl := func(payload string) {
		require.Eventually(t, func() bool {
			return sim.QueueEnqueue(testDevice, reqQID, &driver.Mbuf{Data: []byte(payload)}) == nil
		}, 2*time.Second, 5*time.Millisecond)
	}
	readResponse := func() (int, string) {
		mb, err := awaitDequeue(sim, respQID, 5*time.Second)
		require.NoError(t, err)
		var resp struct {
			StatusCode   int    `json:"status_code"`
			ErrorMessage string `json:"error_message"`
		}
		require.NoError(t, json.Unmarshal(mb.Data, &resp))
		return resp.StatusCode, resp.ErrorMessage
	}

	postControl(`{"type":"clear-model","kind":"suspend"}`)
	code, msg := readResponse()
	assert.Zero(t, code)
	assert.Contains(t, msg, "suspend")
	assert.True(t, rt.Abnormal())

	postControl(`{"type":"clear-model","kind":"recover"}`)
	code, msg = readResponse()
	assert.Zero(t, code)
	assert.Contains(t, msg, "recover")
	assert.False(t, rt.Abnormal())

	// After the round-trip the processors resume normal scheduling.
	enqueueMsg(t, sim, 30, int32Msg([]int64{1}, []int32{7}, 0))
	out := dequeueMsg(t, sim, 40)
	require.NotNil(t, out.Tensor)
	assert.EqualValues(t, 7, int32(binary.LittleEndian.Uint32(out.Tensor.Data)))
}

func TestExceptionNotifyForwardedOnStatusQueue(t *testing.T) {
	statusQ := queueRef(60)
	m := &manifest.Manifest{Models: []manifest.Model{{
		Name:              "scoped",
		InputQueues:       []manifest.QueueRef{queueRef(50)},
		OutputQueues:      []manifest.QueueRef{queueRef(51)},
		StatusOutputQueue: &statusQ,
		SubOperators: []manifest.SubOperator{
			{Name: "a", Type: "mock", InputIndices: []int{0}, OutputIndices: []int{0}},
		},
	}}}
	reg := registry.New()
	reg.Register("mock", func() flowfunc.Operator { return NewMockFlowFunc() })

	reqQID, respQID := uint32(110), uint32(111)
	_, sim := startRuntime(t, m, reg, Params{
		DeviceID:        testDevice,
		QueueDepth:      64,
		RequestQueueID:  &reqQID,
		ResponseQueueID: &respQID,
		ScopePrefix:     "df/",
	})

	require.Eventually(t, func() bool {
		return sim.QueueEnqueue(testDevice, reqQID, &driver.Mbuf{
			Data: []byte(`{"type":"exception-notify","kind":"add","transaction_id":"tx1","exception_code":7,"scope":"df/modelA"}`),
		}) == nil
	}, 2*time.Second, 5*time.Millisecond)

	mb, err := awaitDequeue(sim, 60, 5*time.Second)
	require.NoError(t, err)
	var payload struct {
		Kind          string `json:"kind"`
		TransactionID string `json:"transaction_id"`
		ExceptionCode int    `json:"exception_code"`
		Scope         string `json:"scope"`
	}
	require.NoError(t, json.Unmarshal(mb.Data, &payload))
	assert.Equal(t, "raise-exception", payload.Kind)
	assert.Equal(t, "tx1", payload.TransactionID)
	assert.Equal(t, 7, payload.ExceptionCode)
	// The configured scope prefix is stripped mechanically.
	assert.Equal(t, "modelA", payload.Scope)
}

func TestQueueBindingConflictFailsInit(t *testing.T) {
	m := &manifest.Manifest{Models: []manifest.Model{{
		Name:         "conflicted",
		InputQueues:  []manifest.QueueRef{queueRef(7)},
		OutputQueues: []manifest.QueueRef{queueRef(8), queueRef(9)},
		SubOperators: []manifest.SubOperator{
			{Name: "a", Type: "mock", InputIndices: []int{0}, OutputIndices: []int{0}},
			{Name: "b", Type: "mock", InputIndices: []int{0}, OutputIndices: []int{1}},
		},
	}}}
	reg := registry.New()
	reg.Register("mock", func() flowfunc.Operator { return NewMockFlowFunc() })

	_, err := CreateAndServe(context.Background(), Params{DeviceID: testDevice}, &Options{
		Manifest:           m,
		Registry:           reg,
		Facade:             driver.NewSim(8),
		DisableSupervisors: true,
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeQueueBindingConflict), "got %v", err)
}

func TestDumpModeValidation(t *testing.T) {
	params := DefaultParams("nonexistent.yaml")
	params.DumpMode = "sideways"
	_, err := CreateAndServe(context.Background(), params, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeParamInvalid))
}

// awaitDequeue polls a simulated queue until a message arrives.
func awaitDequeue(sim *driver.Sim, qid uint32, timeout time.Duration) (*driver.Mbuf, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		mb, err := sim.QueueDequeue(testDevice, qid)
		if err == nil {
			return mb, nil
		}
		if !errors.Is(err, driver.ErrQueueEmpty) && !errors.Is(err, driver.ErrQueueError) {
			return nil, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, driver.ErrTimeout
}
