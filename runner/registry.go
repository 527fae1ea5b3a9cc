// Package runner is the library user test binaries link against. Tests
// register themselves at process start; Run connects back to the monitor
// over the inherited IPC socket and dispatches every registered test across
// the assigned (probe, target) matrix.
package runner

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/probe-rs/hive-software/hive"
)

// DefaultTestTimeout bounds a single test invocation unless the test
// overrides it.
const DefaultTestTimeout = 30 * time.Second

// TestFunc is a user test. A nil return is a pass, a non-nil return a
// failure; panics are captured and reported with a backtrace.
type TestFunc func(ch *TestChannel) error

// Test is one registered test function with its dispatch constraints.
type Test struct {
	Name string
	Fn   TestFunc

	// Architectures the test supports; empty means all.
	Architectures []hive.Architecture
	// TargetGlob restricts the target names the test runs on,
	// shell-style; empty means all.
	TargetGlob string
	// Timeout overrides DefaultTestTimeout when non-zero.
	Timeout time.Duration

	order   int
	matcher glob.Glob
}

func (t *Test) supportsArch(arch hive.Architecture) bool {
	if len(t.Architectures) == 0 {
		return true
	}
	for _, a := range t.Architectures {
		if a == arch {
			return true
		}
	}
	return false
}

func (t *Test) matchesTarget(name string) bool {
	if t.matcher == nil {
		return true
	}
	return t.matcher.Match(name)
}

// Option configures a registration.
type Option func(*Test)

// WithArchitectures restricts the test to the given architectures.
func WithArchitectures(archs ...hive.Architecture) Option {
	return func(t *Test) { t.Architectures = archs }
}

// WithTargets restricts the test to targets whose name matches the
// shell-style pattern.
func WithTargets(pattern string) Option {
	return func(t *Test) { t.TargetGlob = pattern }
}

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Test) { t.Timeout = d }
}

var (
	registryMu sync.Mutex
	registry   []Test
	registered = map[string]bool{}
)

// Register records a test. Called from init funcs in the user's test
// packages, before main runs; registration problems panic so a broken suite
// fails at startup instead of mid-run.
func Register(name string, fn TestFunc, opts ...Option) {
	if name == "" {
		panic("runner: test name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("runner: test %q has no function", name))
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if registered[name] {
		panic(fmt.Sprintf("runner: test %q registered twice", name))
	}

	t := Test{Name: name, Fn: fn, order: len(registry)}
	for _, opt := range opts {
		opt(&t)
	}
	if t.TargetGlob != "" {
		m, err := glob.Compile(t.TargetGlob)
		if err != nil {
			panic(fmt.Sprintf("runner: test %q has invalid target pattern %q: %v", name, t.TargetGlob, err))
		}
		t.matcher = m
	}

	registered[name] = true
	registry = append(registry, t)
}

// registeredTests returns the registry sorted by (declared order, name).
func registeredTests() []Test {
	registryMu.Lock()
	defer registryMu.Unlock()

	tests := make([]Test, len(registry))
	copy(tests, registry)
	sort.SliceStable(tests, func(i, j int) bool {
		if tests[i].order != tests[j].order {
			return tests[i].order < tests[j].order
		}
		return tests[i].Name < tests[j].Name
	})
	return tests
}

// resetRegistry clears the registry between tests of this package.
func resetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = nil
	registered = map[string]bool{}
}
