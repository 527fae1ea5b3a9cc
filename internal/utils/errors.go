// Package utils carries small helpers shared across the monitor internals.
package utils

import (
	"errors"
	"fmt"
)

// Error kinds used to classify failures across the monitor. Callers branch
// with errors.Is; the wrapped context carries the detail.
var (
	// ErrBus marks a persistent hardware bus failure after retries.
	ErrBus = errors.New("hardware bus error")
	// ErrProbeEnumeration marks a failure to enumerate debug probes.
	ErrProbeEnumeration = errors.New("probe enumeration error")
	// ErrBuild marks a testprogram build failure.
	ErrBuild = errors.New("testprogram build failure")
	// ErrFlash marks a failure to flash a target.
	ErrFlash = errors.New("flash failure")
	// ErrIpcProtocol marks a protocol violation on the runner socket.
	ErrIpcProtocol = errors.New("ipc protocol violation")
	// ErrRunnerTimeout marks a runner exceeding its wall-clock deadline.
	ErrRunnerTimeout = errors.New("runner timeout")
	// ErrCancelled marks a task cancelled by the user.
	ErrCancelled = errors.New("cancelled")
	// ErrQueueFull marks a submission rejected by the queue depth bound.
	ErrQueueFull = errors.New("task queue full")
)

// WrapError wraps an error with additional context.
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Kinded attaches a kind sentinel to an underlying error so that both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
func Kinded(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}
