// Package comm implements the IPC protocol spoken between the runner
// supervisor and the sandboxed test runner: length-prefixed CBOR frames on a
// local stream socket.
package comm

import (
	"fmt"

	"github.com/probe-rs/hive-software/hive"
)

// Kind tags a protocol message. It is the first map key of every encoded
// frame.
type Kind string

const (
	// KindInit is the first and only supervisor-to-runner frame.
	KindInit Kind = "init"
	// KindRunnerStatus is a coarse progress report from the runner.
	KindRunnerStatus Kind = "runner_status"
	// KindTestResult reports the outcome of one (probe, target) pair.
	KindTestResult Kind = "test_result"
	// KindResults terminates a successful conversation.
	KindResults Kind = "results"
	// KindFatalError terminates a failed conversation.
	KindFatalError Kind = "fatal_error"
)

// Phase values carried by RunnerStatus frames.
const (
	PhaseStarting = "starting"
	PhaseFlashing = "flashing"
	PhaseTesting  = "testing"
)

// Outcome of a single test invocation.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)

// BinaryEntry is one linked testprogram image in the Init frame.
type BinaryEntry struct {
	Key hive.BinaryKey `cbor:"key"`
	ELF []byte         `cbor:"elf"`
}

// InitPayload seeds the runner with the hardware view it must dispatch over.
type InitPayload struct {
	Probes            [hive.NumProbes]hive.ProbeAssignment                  `cbor:"probes"`
	Targets           [hive.NumTSS][hive.NumPositions]hive.TargetAssignment `cbor:"targets"`
	ActiveTestprogram string                                                `cbor:"active_testprogram"`
	Binaries          []BinaryEntry                                         `cbor:"binaries"`
	Defines           map[string]interface{}                                `cbor:"defines,omitempty"`
}

// KnownProbeSlots returns the probe slots bound to hardware, in slot order.
func (p *InitPayload) KnownProbeSlots() []uint8 {
	var slots []uint8
	for i := range p.Probes {
		if p.Probes[i].State == hive.StateKnown {
			slots = append(slots, uint8(i))
		}
	}
	return slots
}

// Binary returns the image for key, if present.
func (p *InitPayload) Binary(key hive.BinaryKey) ([]byte, bool) {
	for _, e := range p.Binaries {
		if e.Key == key {
			return e.ELF, true
		}
	}
	return nil, false
}

// StatusPayload is a RunnerStatus frame body.
type StatusPayload struct {
	Phase  string `cbor:"phase"`
	Detail string `cbor:"detail,omitempty"`
}

// TestResult is the outcome of one test function on one (probe, target)
// pair.
type TestResult struct {
	TestName   string            `cbor:"test_name"`
	ProbeSlot  uint8             `cbor:"probe_slot"`
	Socket     hive.TargetSocket `cbor:"target_socket"`
	Outcome    Outcome           `cbor:"outcome"`
	DurationUS uint64            `cbor:"duration_us"`
	Message    string            `cbor:"message,omitempty"`
	Backtrace  string            `cbor:"backtrace,omitempty"`
}

// ResultsPayload is the successful terminal marker. Count must equal the
// number of TestResult frames that preceded it in the same conversation.
type ResultsPayload struct {
	Count uint32 `cbor:"count"`
}

// FatalPayload is the failed terminal marker.
type FatalPayload struct {
	Message string `cbor:"message"`
}

// Message is the protocol envelope. Exactly the payload matching Kind is
// non-nil.
type Message struct {
	Kind Kind `cbor:"kind"`
	// Payload keys are all longer than "kind", so the deterministic
	// (bytewise) key order always encodes "kind" first.
	Init    *InitPayload    `cbor:"init_payload,omitempty"`
	Status  *StatusPayload  `cbor:"status,omitempty"`
	Result  *TestResult     `cbor:"result,omitempty"`
	Results *ResultsPayload `cbor:"results,omitempty"`
	Fatal   *FatalPayload   `cbor:"fatal,omitempty"`
}

// Terminal reports whether m ends the conversation.
func (m *Message) Terminal() bool {
	return m.Kind == KindResults || m.Kind == KindFatalError
}

// Validate checks that the envelope carries exactly the payload its kind
// requires.
func (m *Message) Validate() error {
	var want, got int
	count := func(present bool) {
		if present {
			got++
		}
	}
	count(m.Init != nil)
	count(m.Status != nil)
	count(m.Result != nil)
	count(m.Results != nil)
	count(m.Fatal != nil)
	want = 1

	var matched bool
	switch m.Kind {
	case KindInit:
		matched = m.Init != nil
	case KindRunnerStatus:
		matched = m.Status != nil
	case KindTestResult:
		matched = m.Result != nil
	case KindResults:
		matched = m.Results != nil
	case KindFatalError:
		matched = m.Fatal != nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if !matched || got != want {
		return fmt.Errorf("malformed %s message: payload mismatch", m.Kind)
	}
	return nil
}

// Convenience constructors used on both ends of the socket.

func NewInit(p InitPayload) Message {
	return Message{Kind: KindInit, Init: &p}
}

func NewStatus(phase, detail string) Message {
	return Message{Kind: KindRunnerStatus, Status: &StatusPayload{Phase: phase, Detail: detail}}
}

func NewTestResult(r TestResult) Message {
	return Message{Kind: KindTestResult, Result: &r}
}

func NewResults(count uint32) Message {
	return Message{Kind: KindResults, Results: &ResultsPayload{Count: count}}
}

func NewFatal(format string, args ...interface{}) Message {
	return Message{Kind: KindFatalError, Fatal: &FatalPayload{Message: fmt.Sprintf(format, args...)}}
}
