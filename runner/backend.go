package runner

import (
	"fmt"

	"github.com/probe-rs/hive-software/hive"
)

// Probe is an open debug-probe handle. The concrete type comes from the
// library under test; user tests downcast it through the channel.
type Probe interface {
	Close() error
}

// Backend is the hardware access contract inside the sandbox: routing,
// target power, probe acquisition and flashing. The monitor hands the
// physical resources over for the duration of the run, so the runner is the
// sole hardware user while it lives.
type Backend interface {
	// Route connects a probe channel to a target socket, tearing down
	// the channel's previous path.
	Route(slot uint8, socket hive.TargetSocket) error
	// PowerCycle cuts and restores target VCC.
	PowerCycle(socket hive.TargetSocket) error
	// PowerOff cuts target VCC.
	PowerOff(socket hive.TargetSocket) error
	// OpenProbe acquires the probe with the given identity.
	OpenProbe(id hive.ProbeIdentity) (Probe, error)
	// Flash writes a linked testprogram image onto the routed target.
	Flash(p Probe, target hive.TargetState, elf []byte) error
}

// TestChannel is the per-worker context handed to a test function: the open
// probe, the target under test and the testprogram's defines.
type TestChannel struct {
	ProbeSlot uint8
	ProbeID   hive.ProbeIdentity
	Probe     Probe
	Socket    hive.TargetSocket
	Target    hive.TargetState

	defines map[string]interface{}
}

// Define returns a named constant injected into the testprogram build.
func (c *TestChannel) Define(name string) (interface{}, bool) {
	v, ok := c.defines[name]
	return v, ok
}

// TargetError marks a hardware fault confined to a single target socket.
// The affected pair is skipped; the run continues.
type TargetError struct {
	Err error
}

func (e *TargetError) Error() string { return fmt.Sprintf("target error: %v", e.Err) }
func (e *TargetError) Unwrap() error { return e.Err }

// ProbeError marks a probe fault. The probe is considered dead for the
// remainder of the run; its worker skips all remaining pairs.
type ProbeError struct {
	Err error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("probe error: %v", e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// BugError marks an invariant violation inside the dispatcher. It aborts
// the whole run with a FatalError terminal frame.
type BugError struct {
	Err error
}

func (e *BugError) Error() string { return fmt.Sprintf("dispatcher bug: %v", e.Err) }
func (e *BugError) Unwrap() error { return e.Err }
