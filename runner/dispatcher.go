package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive/comm"
)

// errRunCancelled ends a run after the supervisor closed the IPC write
// half. No terminal frame is sent; the supervisor already knows.
var errRunCancelled = errors.New("runner: cancelled by supervisor")

// dispatcher drives the full test matrix for one run.
type dispatcher struct {
	conn    *comm.Conn
	backend Backend
	tests   []Test
	timeout time.Duration
	log     *zap.Logger

	init      comm.InitPayload
	cancelled chan struct{}
	sent      uint32
}

func newDispatcher(conn *comm.Conn, backend Backend, tests []Test, timeout time.Duration, log *zap.Logger) *dispatcher {
	return &dispatcher{
		conn:      conn,
		backend:   backend,
		tests:     tests,
		timeout:   timeout,
		log:       log.Named("dispatcher"),
		cancelled: make(chan struct{}),
	}
}

func (d *dispatcher) isCancelled() bool {
	select {
	case <-d.cancelled:
		return true
	default:
		return false
	}
}

func (d *dispatcher) send(m comm.Message) error {
	if m.Kind == comm.KindTestResult {
		d.sent++
	}
	return d.conn.Send(m)
}

// run executes the whole conversation: receive Init, dispatch every wave,
// send the terminal frame.
func (d *dispatcher) run() error {
	first, err := d.conn.Recv()
	if err != nil {
		return fmt.Errorf("runner: read init: %w", err)
	}
	if first.Kind != comm.KindInit {
		d.send(comm.NewFatal("expected init frame, got %s", first.Kind))
		return fmt.Errorf("runner: expected init frame, got %s", first.Kind)
	}
	d.init = *first.Init

	// The supervisor sends nothing after Init; the next read returning
	// is the cancellation signal (EOF on a closed write half).
	go func() {
		d.conn.Recv()
		close(d.cancelled)
	}()

	if err := d.send(comm.NewStatus(comm.PhaseStarting, "")); err != nil {
		return err
	}

	err = d.dispatch()
	switch {
	case errors.Is(err, errRunCancelled):
		d.teardownLog("run cancelled")
		return err
	case err != nil:
		var bug *BugError
		if errors.As(err, &bug) {
			d.send(comm.NewFatal("%s", bug.Error()))
		} else {
			d.send(comm.NewFatal("%v", err))
		}
		return err
	}

	return d.send(comm.NewResults(d.sent))
}

func (d *dispatcher) teardownLog(msg string) {
	d.log.Info(msg, zap.Uint32("results_sent", d.sent))
}

// dispatch runs every wave with one worker goroutine per Known probe.
func (d *dispatcher) dispatch() error {
	slots := d.init.KnownProbeSlots()
	if len(slots) == 0 {
		d.log.Info("no probes assigned, nothing to run")
		return nil
	}

	waves := buildWaves(d.tests, &d.init, slots)
	d.log.Info("schedule computed",
		zap.Int("tests", len(d.tests)),
		zap.Int("workers", len(slots)),
		zap.Int("waves", len(waves)))

	// The last worker through the before-flash barrier flips the run
	// into the testing phase.
	testing := make(chan struct{}, 1)
	beforeFlash := newBarrier(len(slots), func() {
		select {
		case testing <- struct{}{}:
		default:
		}
	})
	beforeTest := newBarrier(len(slots), nil)

	workers := make([]*worker, len(slots))
	for i, slot := range slots {
		workers[i] = &worker{
			slot:        slot,
			probeID:     d.init.Probes[slot].Probe,
			backend:     d.backend,
			defines:     d.init.Defines,
			timeout:     d.timeout,
			beforeFlash: beforeFlash,
			beforeTest:  beforeTest,
			assignments: make(chan *assignment),
			results:     make(chan *comm.TestResult, 1),
			log:         d.log.With(zap.Uint8("probe", slot)),
		}
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.loop(&d.init)
		}(w)
	}
	stop := func() {
		for _, w := range workers {
			close(w.assignments)
		}
		wg.Wait()
	}

	for _, w := range waves {
		// Cancellation is observed between waves only, so every
		// worker always meets both barriers of a started wave.
		if d.isCancelled() {
			stop()
			return errRunCancelled
		}

		if err := d.send(comm.NewStatus(comm.PhaseFlashing, w.describe())); err != nil {
			stop()
			return err
		}
		for i, worker := range workers {
			worker.assignments <- w[i]
		}

		<-testing
		if err := d.send(comm.NewStatus(comm.PhaseTesting, w.describe())); err != nil {
			stop()
			return err
		}

		// Collect in worker order; a worker sends exactly one value
		// (possibly nil) per wave after the end-of-wave barrier.
		for _, worker := range workers {
			res := <-worker.results
			if res == nil {
				continue
			}
			if err := d.send(comm.NewTestResult(*res)); err != nil {
				stop()
				return err
			}
		}
	}

	stop()
	for _, w := range workers {
		if w.bug != nil {
			return w.bug
		}
	}
	return nil
}

// describe names the wave's test for status details.
func (w wave) describe() string {
	for _, a := range w {
		if a != nil {
			return a.test.Name
		}
	}
	return ""
}
