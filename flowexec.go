// Package flowexec provides the main API for hosting a dataflow
// flow-function executor process: it loads a model manifest, constructs
// the driver façade, timer service, and registry, and runs the executor's
// worker pool until stopped.
package flowexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hicann/flowexec/internal/batch/countbatch"
	"github.com/hicann/flowexec/internal/batch/timebatch"
	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/executor"
	"github.com/hicann/flowexec/internal/logging"
	"github.com/hicann/flowexec/internal/manifest"
	"github.com/hicann/flowexec/internal/registry"
	"github.com/hicann/flowexec/internal/timerservice"
)

// Params contains parameters for creating an executor runtime: the CLI
// surface plus deployment knobs.
type Params struct {
	// DeviceID is the compute device this process is bound to.
	DeviceID uint32

	// LoadPath is the model manifest file (YAML).
	LoadPath string

	// GroupName names the scheduling group configuration; empty uses the
	// default main group.
	GroupName string

	// NumCPU is the configured worker count; the pool is sized
	// max(NumCPU, num-processors+1).
	NumCPU int

	// OnDevice merges main and worker event masks on every worker.
	OnDevice bool

	// QueueDepth is the per-queue depth for the in-process driver.
	QueueDepth int

	// CPUAffinity optionally pins worker threads round-robin across the
	// listed CPUs.
	CPUAffinity []int

	// RequestQueueID/ResponseQueueID enable the host control plane when
	// both are non-nil.
	RequestQueueID  *uint32
	ResponseQueueID *uint32

	// ScopePrefix is the configured DataFlowScope for exception routing.
	ScopePrefix string

	// Dump attributes (ge.exec.*).
	EnableDump bool
	DumpPath   string
	DumpStep   string
	DumpMode   string // "input", "output", or "all"

	// StatusReportPeriod enables periodic status reports when > 0.
	StatusReportPeriod time.Duration
}

// DefaultParams returns default runtime parameters for the given manifest
// path.
func DefaultParams(loadPath string) Params {
	return Params{
		LoadPath:   loadPath,
		QueueDepth: 128,
	}
}

// Options contains additional options for runtime creation.
type Options struct {
	// Context for cancellation (if nil, uses context.Background()).
	Context context.Context

	// Logger for debug/info messages (if nil, the process default).
	Logger *logging.Logger

	// Observer for metrics collection (if nil, a metrics observer backed
	// by the runtime's own Metrics).
	Observer Observer

	// Facade overrides the driver façade (tests inject doubles); nil uses
	// the in-process simulated driver.
	Facade driver.Facade

	// Registry overrides the flow-function registry; nil uses
	// NewDefaultRegistry.
	Registry *registry.Registry

	// Manifest overrides manifest loading from Params.LoadPath.
	Manifest *manifest.Manifest

	// DisableSupervisors turns off the parent-PID/signal/metrics
	// supervisor timers (tests).
	DisableSupervisors bool

	// WaitNotifyOnBoot holds Start until a kNotify control message
	// arrives.
	WaitNotifyOnBoot bool
}

// NewDefaultRegistry returns a registry with the two built-in batch
// operators registered.
func NewDefaultRegistry() *registry.Registry {
	r := registry.New()
	r.Register(countbatch.TypeName, countbatch.New)
	r.Register(timebatch.TypeName, timebatch.New)
	return r
}

// Runtime is a running executor process: its worker pool, driver façade,
// timer service, and metrics.
type Runtime struct {
	exec    *executor.Executor
	facade  driver.Facade
	timers  *timerservice.Service
	metrics *Metrics
	logger  *logging.Logger

	ownsFacade bool
}

// CreateAndServe loads the manifest, wires every service, and starts the
// executor's worker pool. This is the main entry point.
//
// The executor keeps serving until the context is cancelled, Stop is
// called, or an unrecoverable error stops it from inside.
//
// Example:
//
//	rt, err := flowexec.CreateAndServe(context.Background(),
//	    flowexec.DefaultParams("model.yaml"), nil)
func CreateAndServe(ctx context.Context, params Params, options *Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	if err := validateDumpParams(params); err != nil {
		return nil, err
	}

	m := options.Manifest
	if m == nil {
		data, err := os.ReadFile(params.LoadPath)
		if err != nil {
			return nil, NewError("CreateAndServe", CodeParamInvalid, fmt.Sprintf("read manifest: %v", err))
		}
		m, err = manifest.Parse(data)
		if err != nil {
			return nil, NewError("CreateAndServe", CodeParamInvalid, err.Error())
		}
	}

	facade := options.Facade
	ownsFacade := false
	if facade == nil {
		depth := params.QueueDepth
		if depth <= 0 {
			depth = 128
		}
		facade = driver.NewSim(depth)
		ownsFacade = true
	}

	reg := options.Registry
	if reg == nil {
		reg = NewDefaultRegistry()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	timers := timerservice.NewService(facade, driver.GroupMain)

	cfg := executor.Config{
		DeviceID:           params.DeviceID,
		Manifest:           m,
		Facade:             facade,
		Registry:           reg,
		Timers:             timers,
		Logger:             logger,
		Observer:           observer,
		NumCPU:             params.NumCPU,
		OnDevice:           params.OnDevice,
		ScopePrefix:        params.ScopePrefix,
		DumpAttrs:          dumpAttrs(params),
		CPUAffinity:        params.CPUAffinity,
		StatusReportPeriod: params.StatusReportPeriod,
		WaitNotifyOnBoot:   options.WaitNotifyOnBoot,
		DisableSupervisors: options.DisableSupervisors,
	}
	if params.RequestQueueID != nil && params.ResponseQueueID != nil {
		cfg.RequestQueue = &driver.QueueDevInfo{DeviceID: params.DeviceID, QueueID: *params.RequestQueueID}
		cfg.ResponseQueue = &driver.QueueDevInfo{DeviceID: params.DeviceID, QueueID: *params.ResponseQueueID}
	}
	cfg.DumpMetrics = func() {
		snap := metrics.Snapshot()
		logger.Info("metrics",
			"msg_in", snap.MsgIn, "msg_out", snap.MsgOut,
			"proc_errors", snap.ProcErrors, "avg_latency_ns", snap.AvgLatencyNs)
	}

	exec := executor.New(cfg)
	if err := exec.Init(); err != nil {
		if errors.Is(err, executor.ErrQueueBindingConflict) {
			return nil, NewError("Init", CodeQueueBindingConflict, err.Error())
		}
		var ve *manifest.ValidationError
		if errors.As(err, &ve) && ve.Code == string(CodeParamInvalid) {
			return nil, NewError("Init", CodeParamInvalid, err.Error())
		}
		return nil, Wrap("Init", err)
	}
	if err := exec.Start(); err != nil {
		return nil, Wrap("Start", err)
	}

	rt := &Runtime{
		exec:       exec,
		facade:     facade,
		timers:     timers,
		metrics:    metrics,
		logger:     logger,
		ownsFacade: ownsFacade,
	}

	go func() {
		<-ctx.Done()
		exec.Stop(false)
	}()

	logger.Info("executor started", "device_id", params.DeviceID, "group", params.GroupName)
	return rt, nil
}

// Stop requests a graceful shutdown. recvTermSignal marks the stop as
// signal-driven for logging.
func (r *Runtime) Stop(recvTermSignal bool) {
	r.exec.Stop(recvTermSignal)
	r.metrics.Stop()
}

// WaitForStop joins the worker pool, finalises timers, and flushes one
// last metrics dump. It returns the error that stopped the executor, if
// any.
func (r *Runtime) WaitForStop() error {
	err := r.exec.WaitForStop()
	if r.ownsFacade {
		r.facade.Close()
	}
	return err
}

// Metrics returns the runtime's metrics instance.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

// MetricsSnapshot returns a point-in-time snapshot of runtime metrics.
func (r *Runtime) MetricsSnapshot() MetricsSnapshot { return r.metrics.Snapshot() }

// Abnormal reports whether a host-commanded suspend is in effect.
func (r *Runtime) Abnormal() bool { return r.exec.Abnormal() }

// Processors returns the number of flow-function processors hosted.
func (r *Runtime) Processors() int { return r.exec.Processors() }

func validateDumpParams(params Params) error {
	switch params.DumpMode {
	case "", "input", "output", "all":
	default:
		return NewError("CreateAndServe", CodeParamInvalid,
			fmt.Sprintf("dump mode %q not in {input, output, all}", params.DumpMode))
	}
	return nil
}

// dumpAttrs flattens the dump parameters into the ge.exec.* attribute bag
// merged into every sub-operator.
func dumpAttrs(params Params) map[string]string {
	if !params.EnableDump && params.DumpStep == "" {
		return nil
	}
	attrs := make(map[string]string)
	if params.EnableDump {
		attrs["ge.exec.enableDump"] = "1"
	}
	if params.DumpPath != "" {
		attrs["ge.exec.dumpPath"] = params.DumpPath
	}
	if params.DumpStep != "" {
		attrs["ge.exec.dumpStep"] = params.DumpStep
	}
	if params.DumpMode != "" {
		attrs["ge.exec.dumpMode"] = params.DumpMode
	}
	return attrs
}
