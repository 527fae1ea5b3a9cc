// Package supervisor spawns the user-supplied test runner inside its
// sandbox, feeds it the hardware state over IPC and streams its progress
// back to the task's broadcast channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/probe-rs/hive-software/hive/comm"
	"github.com/probe-rs/hive-software/internal/utils"
)

// Child is a spawned runner process.
type Child interface {
	// Wait blocks until the process exits. A non-nil error describes the
	// signal or exit code.
	Wait() error
	// Kill delivers SIGKILL.
	Kill() error
}

// Launcher spawns the runner with the IPC socket inherited. The production
// launcher execs the sandboxer; tests substitute an in-process runner.
type Launcher interface {
	Launch(ctx context.Context, ipc *os.File) (Child, error)
}

// SandboxLauncher launches the runner through the sandboxer tool.
type SandboxLauncher struct {
	Profile SandboxProfile
	Log     *zap.Logger
}

// Launch writes the seccomp list, then execs the sandboxer with the IPC
// socket as the first inherited file and HIVE_IPC_FD in the child's
// environment.
func (l *SandboxLauncher) Launch(ctx context.Context, ipc *os.File) (Child, error) {
	if err := os.WriteFile(l.Profile.SeccompListPath, []byte(SeccompListContents()), 0o644); err != nil {
		return nil, utils.WrapError(err, "write seccomp allow-list")
	}

	cmd := exec.CommandContext(ctx, l.Profile.SandboxerPath, l.Profile.Args()...)
	cmd.Env = []string{fmt.Sprintf("%s=%d", IPCFDEnv, ipcChildFD)}
	cmd.ExtraFiles = []*os.File{ipc}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, utils.WrapError(err, "start sandboxer")
	}
	l.Log.Info("runner spawned", zap.Int("pid", cmd.Process.Pid), zap.String("runner", l.Profile.RunnerPath))
	return &execChild{cmd: cmd}, nil
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Wait() error { return c.cmd.Wait() }

func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Supervisor drives one runner process per test task.
type Supervisor struct {
	launcher Launcher
	clock    clock.Clock
	log      *zap.Logger

	// runDeadline bounds the whole run wall-clock; cancelGrace bounds
	// the window between closing the write half and SIGKILL.
	runDeadline time.Duration
	cancelGrace time.Duration
}

// New creates a supervisor.
func New(launcher Launcher, clk clock.Clock, runDeadline, cancelGrace time.Duration, log *zap.Logger) *Supervisor {
	return &Supervisor{
		launcher:    launcher,
		clock:       clk,
		log:         log.Named("supervisor"),
		runDeadline: runDeadline,
		cancelGrace: cancelGrace,
	}
}

// Run spawns the runner, sends Init, forwards every frame to publish and
// collects the results. It returns the collected results on a clean
// Results terminal, utils.ErrCancelled when cancellation was requested, and
// a terminal error otherwise. Frames are forwarded in the order the runner
// sent them.
func (s *Supervisor) Run(ctx context.Context, init comm.InitPayload, publish func(comm.Message), cancelled <-chan struct{}) ([]comm.TestResult, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, utils.WrapError(err, "socketpair")
	}
	parent := os.NewFile(uintptr(fds[0]), "runner-ipc")
	childEnd := os.NewFile(uintptr(fds[1]), "runner-ipc-child")
	defer parent.Close()

	child, err := s.launcher.Launch(ctx, childEnd)
	childEnd.Close()
	if err != nil {
		return nil, err
	}

	// One Wait for the whole lifetime; every exit path selects on it.
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	conn := comm.NewConn(parent)
	if err := conn.Send(comm.NewInit(init)); err != nil {
		child.Kill()
		<-exited
		return nil, utils.WrapError(err, "send init")
	}

	type recv struct {
		msg comm.Message
		err error
	}
	frames := make(chan recv)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			msg, err := conn.Recv()
			select {
			case frames <- recv{msg: msg, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	deadline := s.clock.Timer(s.runDeadline)
	defer deadline.Stop()

	var results []comm.TestResult
	for {
		select {
		case f := <-frames:
			if f.err != nil {
				// Stream ended without a terminal frame: the
				// runner crashed or violated the protocol.
				exitErr := s.reap(child, exited)
				if errors.Is(f.err, io.EOF) && exitErr != nil {
					return nil, fmt.Errorf("runner crashed: %v", exitErr)
				}
				if errors.Is(f.err, io.EOF) {
					return nil, utils.Kinded(utils.ErrIpcProtocol,
						errors.New("runner exited without terminal frame"))
				}
				child.Kill()
				<-exited
				return nil, utils.Kinded(utils.ErrIpcProtocol, f.err)
			}

			switch f.msg.Kind {
			case comm.KindRunnerStatus:
				publish(f.msg)
			case comm.KindTestResult:
				results = append(results, *f.msg.Result)
				publish(f.msg)
			case comm.KindResults:
				if int(f.msg.Results.Count) != len(results) {
					child.Kill()
					<-exited
					return nil, utils.Kinded(utils.ErrIpcProtocol,
						fmt.Errorf("results count %d, saw %d test results", f.msg.Results.Count, len(results)))
				}
				publish(f.msg)
				if err := s.reap(child, exited); err != nil {
					s.log.Warn("runner exited uncleanly after results", zap.Error(err))
				}
				return results, nil
			case comm.KindFatalError:
				publish(f.msg)
				s.reap(child, exited)
				return nil, fmt.Errorf("runner fatal: %s", f.msg.Fatal.Message)
			default:
				// Init from the runner side or an unknown kind.
				child.Kill()
				<-exited
				return nil, utils.Kinded(utils.ErrIpcProtocol,
					fmt.Errorf("unexpected %s frame from runner", f.msg.Kind))
			}

		case <-cancelled:
			// Close the write half; the runner observes EOF at its
			// next barrier boundary and exits on its own.
			unix.Shutdown(int(parent.Fd()), unix.SHUT_WR)
			if err := s.reapGrace(child, exited, s.cancelGrace); err != nil {
				s.log.Warn("runner killed after cancel grace", zap.Error(err))
			}
			return nil, utils.ErrCancelled

		case <-ctx.Done():
			unix.Shutdown(int(parent.Fd()), unix.SHUT_WR)
			s.reapGrace(child, exited, s.cancelGrace)
			return nil, ctx.Err()

		case <-deadline.C:
			child.Kill()
			<-exited
			return nil, utils.Kinded(utils.ErrRunnerTimeout, errors.New("runner timeout"))
		}
	}
}

// reap waits for the child with the cancel grace, escalating to SIGKILL.
func (s *Supervisor) reap(child Child, exited <-chan error) error {
	return s.reapGrace(child, exited, s.cancelGrace)
}

func (s *Supervisor) reapGrace(child Child, exited <-chan error, grace time.Duration) error {
	timer := s.clock.Timer(grace)
	defer timer.Stop()
	select {
	case err := <-exited:
		return err
	case <-timer.C:
		child.Kill()
		return <-exited
	}
}
