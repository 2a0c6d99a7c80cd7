package flowexec

import (
	"sync"

	"github.com/hicann/flowexec/internal/flowfunc"
	"github.com/hicann/flowexec/internal/message"
)

// MockFlowFunc provides a mock implementation of the flow-function
// operator contract for testing. It implements the optional StateResetter
// capability and tracks method calls for verification.
type MockFlowFunc struct {
	mu sync.RWMutex

	initCalls    int
	procCalls    int
	resetCalls   int
	destroyCalls int
	resetOK      bool
	destroyed    bool

	initOutcome flowfunc.Outcome
	initErr     error
	procErr     error

	// ProcFunc, when set, replaces the default echo behavior.
	ProcFunc func(inputs []*message.FlowMsg) ([]*message.FlowMsg, error)

	lastInputs []*message.FlowMsg
	ctx        flowfunc.InitContext
}

// NewMockFlowFunc creates a mock operator that succeeds Init and echoes
// its inputs to the matching output indices from Proc.
func NewMockFlowFunc() *MockFlowFunc {
	return &MockFlowFunc{resetOK: true}
}

// SetInitResult overrides the outcome of the next Init calls, e.g. to
// exercise the retry-later path.
func (m *MockFlowFunc) SetInitResult(outcome flowfunc.Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initOutcome = outcome
	m.initErr = err
}

// SetProcError makes every Proc call return err.
func (m *MockFlowFunc) SetProcError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procErr = err
}

// SetResetOK controls what ResetState reports.
func (m *MockFlowFunc) SetResetOK(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetOK = ok
}

// Init implements the Operator interface.
func (m *MockFlowFunc) Init(ctx flowfunc.InitContext) (flowfunc.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	m.ctx = ctx
	return m.initOutcome, m.initErr
}

// Proc implements the Operator interface. By default inputs pass through
// unchanged to the matching output indices.
func (m *MockFlowFunc) Proc(inputs []*message.FlowMsg) ([]*message.FlowMsg, error) {
	m.mu.Lock()
	m.procCalls++
	m.lastInputs = inputs
	procErr := m.procErr
	procFunc := m.ProcFunc
	m.mu.Unlock()

	if procFunc != nil {
		return procFunc(inputs)
	}
	if procErr != nil {
		return nil, procErr
	}
	out := make([]*message.FlowMsg, len(inputs))
	copy(out, inputs)
	return out, nil
}

// ResetState implements the StateResetter interface.
func (m *MockFlowFunc) ResetState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	return m.resetOK
}

// Destroy implements the Operator interface.
func (m *MockFlowFunc) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls++
	m.destroyed = true
}

// Testing utility methods

// InitCalls returns how many times Init has been called.
func (m *MockFlowFunc) InitCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initCalls
}

// ProcCalls returns how many times Proc has been called.
func (m *MockFlowFunc) ProcCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.procCalls
}

// ResetCalls returns how many times ResetState has been called.
func (m *MockFlowFunc) ResetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resetCalls
}

// IsDestroyed reports whether Destroy has been called.
func (m *MockFlowFunc) IsDestroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

// LastInputs returns the input set passed to the most recent Proc call.
func (m *MockFlowFunc) LastInputs() []*message.FlowMsg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastInputs
}

// InitContext returns the context the operator was initialised with.
func (m *MockFlowFunc) InitContext() flowfunc.InitContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx
}

// Compile-time interface checks
var (
	_ flowfunc.Operator      = (*MockFlowFunc)(nil)
	_ flowfunc.StateResetter = (*MockFlowFunc)(nil)
)
