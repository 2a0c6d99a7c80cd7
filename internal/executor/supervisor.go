package executor

// Supervisor timers run in inline mode on the timer goroutine so they
// keep working even after the workers have exited: a parent-PID monitor,
// a term-signal monitor, and a periodic metrics dump.

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hicann/flowexec/internal/constants"
	"github.com/hicann/flowexec/internal/driver"
	"github.com/hicann/flowexec/internal/timerservice"
)

func (e *Executor) startSupervisors() {
	// Parent-PID monitor: when the parent process vanishes, stop politely
	// a bounded number of times, then force-kill.
	parent := e.cfg.Timers.Create(e.superviseParent, timerservice.Inline)
	e.cfg.Timers.Start(parent, constants.ParentMonitorPeriod.Milliseconds(), false)
	e.supervisorHandles = append(e.supervisorHandles, parent)

	// Term-signal monitor: translate SIGTERM/SIGINT into a broadcast
	// notify-thread-exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := e.cfg.Timers.Create(func() {
		select {
		case <-sigCh:
			signal.Stop(sigCh)
			e.Stop(true)
		default:
		}
	}, timerservice.Inline)
	e.cfg.Timers.Start(sig, constants.DefaultEventWaitTimeout.Milliseconds(), false)
	e.supervisorHandles = append(e.supervisorHandles, sig)

	// Periodic metrics dump.
	if e.cfg.DumpMetrics != nil {
		dump := e.cfg.Timers.Create(e.cfg.DumpMetrics, timerservice.Inline)
		e.cfg.Timers.Start(dump, constants.MetricsDumpPeriod.Milliseconds(), false)
		e.supervisorHandles = append(e.supervisorHandles, dump)
	}
}

func (e *Executor) superviseParent() {
	if os.Getppid() == e.parentPID {
		return
	}
	e.politeStops++
	if e.politeStops <= constants.ParentMonitorMaxPoliteStops {
		e.logger.Warn("parent process vanished, stopping", "attempt", e.politeStops)
		e.Stop(false)
		return
	}
	e.logger.Error("parent process vanished and polite stops exhausted, force killing")
	unix.Kill(os.Getpid(), unix.SIGKILL)
}

// startStatusReporter arms a worker-dispatched timer that submits one
// report-status event per processor each period.
func (e *Executor) startStatusReporter() {
	h := e.cfg.Timers.Create(func() {
		for idx := range e.procs {
			e.submit(driver.Event{ID: driver.EventReportStatus, Processor: idx})
		}
	}, timerservice.WorkerDispatched)
	e.cfg.Timers.Start(h, e.cfg.StatusReportPeriod.Milliseconds(), false)
	e.supervisorHandles = append(e.supervisorHandles, h)
}
