// Package monitor wires the controller's subsystems together: the
// persistent store, the switch matrix, the hardware state manager, the
// testprogram cache, the task manager and the runner supervisor. The HTTP
// layer talks to the core exclusively through the Monitor facade.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/hive/comm"
	"github.com/probe-rs/hive-software/internal/config"
	"github.com/probe-rs/hive-software/internal/hardware"
	"github.com/probe-rs/hive-software/internal/store"
	"github.com/probe-rs/hive-software/internal/supervisor"
	"github.com/probe-rs/hive-software/internal/tasks"
	"github.com/probe-rs/hive-software/internal/testprogram"
	"github.com/probe-rs/hive-software/internal/utils"
)

// State is the monitor's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

var stateNames = map[State]string{
	StateUninitialized: "UNINITIALIZED",
	StateStarting:      "STARTING",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
}

func (s State) String() string { return stateNames[s] }

// Deps are the external collaborators injected at construction: the bus
// driver, the probe library and the assembler pipeline.
type Deps struct {
	Bus       hardware.Bus
	Lister    hardware.ProbeLister
	Opener    hardware.ProbeOpener
	Assembler testprogram.Assembler

	// LauncherFor overrides the production sandbox launcher, keyed by
	// the staged runner binary. Tests substitute in-process runners.
	LauncherFor func(runnerPath string) supervisor.Launcher

	// Clock overrides the wall clock for deadline handling.
	Clock clock.Clock
}

// Monitor is the root object of the controller process.
type Monitor struct {
	cfg   config.Config
	log   *zap.Logger
	state atomic.Int32

	store  *store.Store
	matrix *hardware.Matrix
	cache  *testprogram.Cache
	hw     *hardware.StateManager
	tasks  *tasks.Manager
	clock  clock.Clock

	launcherFor func(runnerPath string) supervisor.Launcher

	shutdown *GracefulShutdown
	cancel   context.CancelFunc
}

// New builds a monitor from its configuration and collaborators.
func New(cfg config.Config, deps Deps, log *zap.Logger) (*Monitor, error) {
	for _, dir := range []string{cfg.DataDir, cfg.RunnerDir(), cfg.WorkDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, utils.WrapError(err, "create data directory")
		}
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := &Monitor{
		cfg:      cfg,
		log:      log.Named("monitor"),
		store:    st,
		clock:    clk,
		shutdown: NewGracefulShutdown(log),
	}
	m.matrix = hardware.NewMatrix(deps.Bus, log)
	m.cache = testprogram.NewCache(deps.Assembler, st)
	m.hw = hardware.NewStateManager(st, m.matrix, deps.Lister, deps.Opener, m.cache, log)
	m.tasks = tasks.NewManager(cfg.TaskQueueDepth, log)

	m.launcherFor = deps.LauncherFor
	if m.launcherFor == nil {
		m.launcherFor = func(runnerPath string) supervisor.Launcher {
			return &supervisor.SandboxLauncher{
				Profile: supervisor.SandboxProfile{
					SandboxerPath:   cfg.SandboxerPath,
					RunnerPath:      runnerPath,
					WorkDir:         cfg.WorkDir(),
					DataDir:         cfg.DataDir,
					SeccompListPath: cfg.SeccompListPath(),
				},
				Log: log,
			}
		}
	}

	m.state.Store(int32(StateUninitialized))
	return m, nil
}

// Start brings the monitor up: the task dispatcher starts and an initial
// reinitialisation is queued so the runtime state reflects the rack before
// the first user request.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateUninitialized), int32(StateStarting)) {
		return fmt.Errorf("monitor: invalid start transition from %s", m.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.tasks.Start(runCtx)
	m.shutdown.Register(m.store.Close)
	m.shutdown.Register(func() error {
		m.cancel()
		m.tasks.Wait()
		return nil
	})

	if _, err := m.SubmitReinit(); err != nil {
		return utils.WrapError(err, "queue initial reinit")
	}

	m.state.Store(int32(StateRunning))
	m.log.Info("monitor running", zap.String("data_dir", m.cfg.DataDir))
	return nil
}

// Stop shuts the monitor down, honouring ctx as the overall deadline.
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("monitor: invalid stop transition from %s", m.State())
	}
	err := m.shutdown.Shutdown(ctx)
	m.state.Store(int32(StateStopped))
	m.log.Info("monitor stopped")
	return err
}

// State returns the lifecycle state.
func (m *Monitor) State() State { return State(m.state.Load()) }

// taskContext derives a context that cancels when the task's token fires.
func taskContext(ctx context.Context, task *tasks.Task) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-task.Cancelled():
			cancel()
		case <-tctx.Done():
		}
	}()
	return tctx, cancel
}

// SubmitReinit queues a hardware reinitialisation. Back-to-back queued
// reinits coalesce into one task.
func (m *Monitor) SubmitReinit() (*tasks.Handle, error) {
	return m.tasks.Submit(tasks.KindReinit, func(ctx context.Context, task *tasks.Task) error {
		tctx, cancel := taskContext(ctx, task)
		defer cancel()

		task.Publish(comm.NewStatus(comm.PhaseStarting, "reinitialising hardware"))
		m.cache.InvalidateAll()
		if _, err := m.hw.Reinitialise(tctx); err != nil {
			if tctx.Err() != nil {
				return utils.ErrCancelled
			}
			return err
		}
		return nil
	})
}

// SubmitTest stages the uploaded runner binary and queues a test run
// against the current hardware state.
func (m *Monitor) SubmitTest(runnerBinary []byte, defines map[string]interface{}) (*tasks.Handle, error) {
	path := filepath.Join(m.cfg.RunnerDir(), utils.GenerateID())
	if err := os.WriteFile(path, runnerBinary, 0o755); err != nil {
		return nil, utils.WrapError(err, "stage runner binary")
	}

	handle, err := m.tasks.Submit(tasks.KindTest, func(ctx context.Context, task *tasks.Task) error {
		defer os.Remove(path)

		snapshot := m.hw.Snapshot()
		init := buildInit(&snapshot, defines)

		sup := supervisor.New(m.launcherFor(path), m.clock, m.cfg.RunnerDeadline.Std(), m.cfg.CancelGrace.Std(), m.log)
		_, err := sup.Run(ctx, init, task.Publish, task.Cancelled())
		return err
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return handle, nil
}

// Subscribe attaches to a task's progress stream.
func (m *Monitor) Subscribe(id string) (<-chan comm.Message, func(), error) {
	return m.tasks.Subscribe(id)
}

// Cancel cancels a queued or running task.
func (m *Monitor) Cancel(id string) error {
	return m.tasks.Cancel(id)
}

// TaskResult returns a task's terminal outcome, if complete.
func (m *Monitor) TaskResult(id string) (tasks.Result, bool, error) {
	task, err := m.tasks.Task(id)
	if err != nil {
		return tasks.Result{}, false, err
	}
	result, ok := task.Result()
	return result, ok, nil
}

// HardwareSnapshot returns the last completed hardware state.
func (m *Monitor) HardwareSnapshot() hive.HardwareState {
	return m.hw.Snapshot()
}

// SetProbeAssignment persists a probe slot binding. It takes physical
// effect at the next reinitialisation.
func (m *Monitor) SetProbeAssignment(slot uint8, a hive.ProbeAssignment) error {
	if slot >= hive.NumProbes {
		return fmt.Errorf("monitor: probe slot %d out of range", slot)
	}
	return m.tasks.AssignmentWrite(func() error {
		return m.store.UpdateProbeAssignments(func(probes *[hive.NumProbes]hive.ProbeAssignment) {
			probes[slot] = a
		})
	})
}

// SetTargetAssignment persists a target socket binding. It takes physical
// effect at the next reinitialisation.
func (m *Monitor) SetTargetAssignment(socket hive.TargetSocket, a hive.TargetAssignment) error {
	if !socket.Valid() {
		return fmt.Errorf("monitor: socket (%d,%d) out of range", socket.TSS, socket.Pos)
	}
	return m.tasks.AssignmentWrite(func() error {
		return m.store.UpdateTargetAssignments(func(targets *[hive.NumTSS][hive.NumPositions]hive.TargetAssignment) {
			targets[socket.TSS][socket.Pos] = a
		})
	})
}

// PutTestprogram creates or replaces a testprogram and drops its cached
// binaries.
func (m *Monitor) PutTestprogram(tp hive.Testprogram) error {
	if err := m.store.PutTestprogram(tp); err != nil {
		return err
	}
	m.cache.Invalidate(tp.Name)
	return nil
}

// DeleteTestprogram removes a testprogram.
func (m *Monitor) DeleteTestprogram(name string) error {
	if err := m.store.DeleteTestprogram(name); err != nil {
		return err
	}
	m.cache.Invalidate(name)
	return nil
}

// ActivateTestprogram switches the active testprogram; a reinitialisation
// is required for the change to reach the targets.
func (m *Monitor) ActivateTestprogram(name string) error {
	return m.store.SetActiveTestprogram(name)
}

// Testprogram reads one testprogram.
func (m *Monitor) Testprogram(name string) (hive.Testprogram, error) {
	return m.store.Testprogram(name)
}

// buildInit projects a hardware state into the runner's Init frame.
func buildInit(state *hive.HardwareState, defines map[string]interface{}) comm.InitPayload {
	init := comm.InitPayload{
		Probes:            state.Probes,
		Targets:           state.Targets,
		ActiveTestprogram: state.ActiveTestprogram,
		Defines:           defines,
	}
	for _, key := range state.BinaryKeys() {
		bin, ok := state.Binaries[key]
		if !ok {
			continue
		}
		init.Binaries = append(init.Binaries, comm.BinaryEntry{Key: key, ELF: bin.ELF})
	}
	return init
}
