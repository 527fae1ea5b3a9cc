package runner

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive/comm"
)

// ipcFDEnv names the inherited IPC socket fd. It is the runner's entire
// environment.
const ipcFDEnv = "HIVE_IPC_FD"

// Run connects to the supervisor over the inherited socket and dispatches
// every registered test. It returns nil after a clean Results terminal and
// errRunCancelled-wrapped context when the supervisor withdrew the run.
func Run(backend Backend) error {
	log, err := newRunnerLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	raw := os.Getenv(ipcFDEnv)
	if raw == "" {
		return fmt.Errorf("runner: %s not set; not started by the monitor?", ipcFDEnv)
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 0 {
		return fmt.Errorf("runner: invalid %s value %q", ipcFDEnv, raw)
	}
	sock := os.NewFile(uintptr(fd), "hive-ipc")
	if sock == nil {
		return fmt.Errorf("runner: fd %d is not open", fd)
	}
	defer sock.Close()

	d := newDispatcher(comm.NewConn(sock), backend, registeredTests(), DefaultTestTimeout, log)
	return d.run()
}

// Main is the entry point generated test binaries call from main: it runs
// the dispatch and maps the outcome to the process exit status. A
// cancelled run exits cleanly; the supervisor initiated it.
func Main(backend Backend) {
	err := Run(backend)
	if err == nil || errors.Is(err, errRunCancelled) {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func newRunnerLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
