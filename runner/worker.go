package runner

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/hive/comm"
)

// worker owns one probe channel for the whole run. It processes one
// assignment per wave, meeting both barriers whether it has work or not.
type worker struct {
	slot    uint8
	probeID hive.ProbeIdentity
	backend Backend
	defines map[string]interface{}
	timeout time.Duration

	beforeFlash *barrier
	beforeTest  *barrier
	assignments chan *assignment
	results     chan *comm.TestResult
	log         *zap.Logger

	probe      Probe
	dead       bool
	deadReason string
	lastSocket *hive.TargetSocket
	bug        error
}

func (w *worker) loop(init *comm.InitPayload) {
	probe, err := w.backend.OpenProbe(w.probeID)
	if err != nil {
		w.markDead(fmt.Sprintf("open probe: %v", err))
	} else {
		w.probe = probe
	}

	for a := range w.assignments {
		w.results <- w.runWave(a, init)
	}

	// Teardown: drop the probe, power the last target off.
	if w.lastSocket != nil {
		if err := w.backend.PowerOff(*w.lastSocket); err != nil {
			w.log.Warn("power off failed", zap.Error(err))
		}
	}
	if w.probe != nil {
		if err := w.probe.Close(); err != nil {
			w.log.Warn("probe close failed", zap.Error(err))
		}
	}
}

func (w *worker) markDead(reason string) {
	w.dead = true
	w.deadReason = reason
	w.log.Warn("probe dead for remainder of run", zap.String("reason", reason))
}

// runWave processes one assignment: route, power-cycle, flash, rendezvous,
// invoke, rendezvous. An idle worker just meets the barriers.
func (w *worker) runWave(a *assignment, init *comm.InitPayload) *comm.TestResult {
	if a == nil {
		w.beforeFlash.wait()
		w.beforeTest.wait()
		return nil
	}

	skip := w.prepare(a, init)
	// All workers finish flashing before anyone starts testing:
	// programming one target can perturb the shared bus.
	w.beforeFlash.wait()

	var res *comm.TestResult
	if skip != "" {
		res = w.skipResult(a, skip)
	} else {
		res = w.invoke(a)
	}

	w.beforeTest.wait()
	return res
}

// prepare routes, powers and flashes for one assignment. A non-empty
// return is the skip reason for this pair.
func (w *worker) prepare(a *assignment, init *comm.InitPayload) string {
	if w.dead {
		return "probe dead: " + w.deadReason
	}

	if err := w.backend.Route(w.slot, a.socket); err != nil {
		return w.classify("route", err)
	}
	socket := a.socket
	w.lastSocket = &socket

	if err := w.backend.PowerCycle(a.socket); err != nil {
		return w.classify("power-cycle", err)
	}

	key := hive.BinaryKey{Arch: a.target.Arch, RAMOrigin: a.target.RAMOrigin}
	elf, ok := init.Binary(key)
	if !ok {
		return fmt.Sprintf("flash failed: no linked binary for (%s, %#x)", key.Arch, key.RAMOrigin)
	}
	if err := w.backend.Flash(w.probe, a.target, elf); err != nil {
		return w.classify("flash", fmt.Errorf("flash failed: %w", err))
	}
	return ""
}

// classify turns a hardware error into a skip reason, updating the
// worker's fate for probe faults and recording dispatcher bugs.
func (w *worker) classify(step string, err error) string {
	var pe *ProbeError
	if errors.As(err, &pe) {
		w.markDead(pe.Error())
		return fmt.Sprintf("%s: %s", step, pe.Error())
	}
	var be *BugError
	if errors.As(err, &be) {
		if w.bug == nil {
			w.bug = be
		}
		return fmt.Sprintf("%s: %s", step, be.Error())
	}
	// Anything else is confined to this socket.
	return fmt.Sprintf("%s: %v", step, err)
}

func (w *worker) skipResult(a *assignment, message string) *comm.TestResult {
	return &comm.TestResult{
		TestName:  a.test.Name,
		ProbeSlot: w.slot,
		Socket:    a.socket,
		Outcome:   comm.OutcomeSkip,
		Message:   message,
	}
}

type invocation struct {
	err       error
	panicked  bool
	panicMsg  string
	backtrace string
}

// invoke runs the user's test with its wall-clock timeout, capturing panics
// with a trimmed backtrace. A timed-out test goroutine is abandoned; the
// wave moves on without it.
func (w *worker) invoke(a *assignment) *comm.TestResult {
	ch := &TestChannel{
		ProbeSlot: w.slot,
		ProbeID:   w.probeID,
		Probe:     w.probe,
		Socket:    a.socket,
		Target:    a.target,
		defines:   w.defines,
	}

	timeout := a.test.Timeout
	if timeout == 0 {
		timeout = w.timeout
	}

	outcome := make(chan invocation, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- invocation{
					panicked:  true,
					panicMsg:  fmt.Sprintf("%v", r),
					backtrace: filterBacktrace(debug.Stack()),
				}
			}
		}()
		outcome <- invocation{err: a.test.Fn(ch)}
	}()

	res := &comm.TestResult{
		TestName:  a.test.Name,
		ProbeSlot: w.slot,
		Socket:    a.socket,
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-outcome:
		res.DurationUS = uint64(time.Since(start).Microseconds())
		switch {
		case o.panicked:
			res.Outcome = comm.OutcomeFail
			res.Message = o.panicMsg
			res.Backtrace = o.backtrace
		case o.err != nil:
			w.resolveTestError(res, o.err)
		default:
			res.Outcome = comm.OutcomePass
		}
	case <-timer.C:
		res.DurationUS = uint64(timeout.Microseconds())
		res.Outcome = comm.OutcomeFail
		res.Message = fmt.Sprintf("test timed out after %s", timeout)
	}
	return res
}

// resolveTestError applies the failure taxonomy to a test's error return.
func (w *worker) resolveTestError(res *comm.TestResult, err error) {
	var te *TargetError
	if errors.As(err, &te) {
		res.Outcome = comm.OutcomeSkip
		res.Message = te.Error()
		return
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		w.markDead(pe.Error())
		res.Outcome = comm.OutcomeSkip
		res.Message = pe.Error()
		return
	}
	var be *BugError
	if errors.As(err, &be) {
		if w.bug == nil {
			w.bug = be
		}
		res.Outcome = comm.OutcomeFail
		res.Message = be.Error()
		return
	}
	res.Outcome = comm.OutcomeFail
	res.Message = err.Error()
}
