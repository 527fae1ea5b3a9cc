package supervisor

import (
	"fmt"
	"strings"
)

// IPCFDEnv names the inherited IPC socket fd inside the runner. The runner
// is started with exactly this one environment variable.
const IPCFDEnv = "HIVE_IPC_FD"

// ipcChildFD is where the socket lands in the child. The launcher passes it
// as the first inherited file, which the sandboxer maps to fd 3.
const ipcChildFD = 3

// SandboxProfile describes the confinement of the runner process. The
// filesystem view is the host root read-only minus the secrets the runner
// must not see, plus the USB device nodes the probes live on.
type SandboxProfile struct {
	// SandboxerPath is the bubblewrap-compatible sandboxer binary.
	SandboxerPath string
	// RunnerPath is the user-supplied test binary.
	RunnerPath string
	// WorkDir is mounted as a fresh tmpfs and becomes the runner's
	// working directory.
	WorkDir string
	// DataDir is the monitor's data directory, hidden from the runner.
	DataDir string
	// SeccompListPath is the file the allow-list is written to before
	// launch.
	SeccompListPath string
}

// Args builds the sandboxer argv. The argv is a pure function of the
// profile so two releases with the same profile confine identically.
func (p *SandboxProfile) Args() []string {
	return []string{
		"--die-with-parent",
		"--unshare-pid",
		"--unshare-net",
		"--unshare-ipc",
		"--unshare-uts",
		"--ro-bind", "/", "/",
		"--tmpfs", "/home",
		"--ro-bind", "/dev/null", "/etc/shadow",
		"--tmpfs", p.DataDir,
		"--dev-bind", "/dev/bus/usb", "/dev/bus/usb",
		"--bind", "/sys/bus/usb", "/sys/bus/usb",
		"--tmpfs", p.WorkDir,
		"--chdir", p.WorkDir,
		"--cap-drop", "ALL",
		"--seccomp-allow", p.SeccompListPath,
		"--setenv", IPCFDEnv, fmt.Sprintf("%d", ipcChildFD),
		"--",
		p.RunnerPath,
	}
}

// SeccompAllowList is the complete set of syscalls a dynamically linked
// runner needs: IPC socket I/O, USB ioctls, /sys reads, threads, mmap,
// futex and exit. Anything else kills the process with SIGSYS. The list is
// part of the build artifact and must stay bit-identical across releases;
// extend it only with a matching release note.
var SeccompAllowList = []string{
	"access",
	"brk",
	"clock_gettime",
	"clock_nanosleep",
	"clone",
	"clone3",
	"close",
	"epoll_create1",
	"epoll_ctl",
	"epoll_pwait",
	"eventfd2",
	"exit",
	"exit_group",
	"fcntl",
	"fstat",
	"futex",
	"getdents64",
	"getpid",
	"getrandom",
	"gettid",
	"ioctl",
	"lseek",
	"madvise",
	"mmap",
	"mprotect",
	"munmap",
	"nanosleep",
	"newfstatat",
	"openat",
	"pipe2",
	"pread64",
	"read",
	"readlinkat",
	"recvmsg",
	"rseq",
	"rt_sigaction",
	"rt_sigprocmask",
	"rt_sigreturn",
	"sched_getaffinity",
	"sched_yield",
	"sendmsg",
	"set_robust_list",
	"set_tid_address",
	"sigaltstack",
	"tgkill",
	"timer_create",
	"timer_delete",
	"timer_settime",
	"write",
}

// SeccompListContents renders the allow-list file, one syscall per line.
func SeccompListContents() string {
	return strings.Join(SeccompAllowList, "\n") + "\n"
}
