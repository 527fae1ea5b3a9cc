package runner

import (
	"strings"
)

// dispatcherPkg is the import path whose frames are trimmed from captured
// backtraces: the dispatcher's invocation machinery is noise to the test
// author.
const dispatcherPkg = "github.com/probe-rs/hive-software/runner"

func isPlumbingFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "runtime/debug.") ||
		strings.HasPrefix(fn, "panic(") ||
		strings.HasPrefix(fn, dispatcherPkg+".")
}

// filterBacktrace reduces a debug.Stack dump to the frames between the
// user's test entry and the dispatcher. The dump is innermost-first: the
// capture and panic plumbing (and the dispatcher's recover wrapper) lead,
// the user frames follow, and the dispatcher's invocation frames trail.
func filterBacktrace(stack []byte) string {
	lines := strings.Split(strings.TrimRight(string(stack), "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}

	// A goroutine dump is the header line followed by frame pairs
	// (function, tab-indented location).
	var frames [][2]string
	for i := 1; i+1 < len(lines); i += 2 {
		frames = append(frames, [2]string{lines[i], lines[i+1]})
	}

	var kept []string
	inUser := false
	for _, f := range frames {
		plumbing := isPlumbingFrame(f[0])
		if !inUser {
			if plumbing {
				continue
			}
			inUser = true
		} else if plumbing {
			// First frame below the user's entry point; done.
			break
		}
		kept = append(kept, f[0], f[1])
	}
	if len(kept) > 0 {
		return strings.Join(kept, "\n")
	}

	// Nothing outside the plumbing: keep everything but the runtime
	// frames rather than reporting an empty trace.
	for _, f := range frames {
		if strings.HasPrefix(f[0], "runtime.") || strings.HasPrefix(f[0], "runtime/debug.") {
			continue
		}
		kept = append(kept, f[0], f[1])
	}
	return strings.Join(kept, "\n")
}
