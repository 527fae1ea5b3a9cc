package hardware

import (
	"github.com/probe-rs/hive-software/hive"
)

// ProbeLister enumerates the debug probes attached to the controller. The
// probe library behaves inconsistently while a probe is in use, so the state
// manager enumerates exactly once, before any probe is opened, and never
// again while the hardware lock is held.
type ProbeLister interface {
	List() ([]hive.ProbeIdentity, error)
}

// ProbeOpener acquires a probe by identity.
type ProbeOpener interface {
	Open(id hive.ProbeIdentity) (Probe, error)
}

// Probe is the debug-probe contract consumed by the flasher. Implemented by
// the probe library under test.
type Probe interface {
	// Attach establishes the debug connection to the routed target.
	Attach() error
	// ResetHalt resets the target and halts it at the reset vector,
	// optionally asserting reset during connect.
	ResetHalt(connectUnderReset bool) error
	// EraseAndProgram erases the target flash and writes the image.
	EraseAndProgram(elf []byte) error
	// ReadMemory reads target memory at addr into buf.
	ReadMemory(addr uint32, buf []byte) error
	// Detach releases the debug connection.
	Detach() error
	// Close releases the probe handle.
	Close() error
}
