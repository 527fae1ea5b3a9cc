package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/probe-rs/hive-software/hive"
)

// fakeBus is an in-memory switching fabric. Failures can be injected per
// operation name, once per remaining count.
type fakeBus struct {
	mu sync.Mutex

	routes        map[uint8]hive.TargetSocket
	tss           [hive.NumTSS]bool
	daughterboard [hive.NumTSS]bool
	power         map[hive.TargetSocket]bool

	failures map[string]int
	calls    map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		routes:   make(map[uint8]hive.TargetSocket),
		power:    make(map[hive.TargetSocket]bool),
		failures: map[string]int{},
		calls:    map[string]int{},
	}
}

func (b *fakeBus) failNext(op string, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = times
}

func (b *fakeBus) maybeFail(op string) error {
	b.calls[op]++
	if b.failures[op] > 0 {
		b.failures[op]--
		return fmt.Errorf("%s: bus glitch", op)
	}
	return nil
}

func (b *fakeBus) SetRoute(probe uint8, socket hive.TargetSocket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail("set"); err != nil {
		return err
	}
	b.routes[probe] = socket
	return nil
}

func (b *fakeBus) ClearRoute(probe uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail("clear"); err != nil {
		return err
	}
	delete(b.routes, probe)
	return nil
}

func (b *fakeBus) ClearRoutesTSS(tss uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail("clear_tss"); err != nil {
		return err
	}
	for probe, socket := range b.routes {
		if socket.TSS == tss {
			delete(b.routes, probe)
		}
	}
	return nil
}

func (b *fakeBus) DetectTSS() ([hive.NumTSS]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail("detect_tss"); err != nil {
		return [hive.NumTSS]bool{}, err
	}
	return b.tss, nil
}

func (b *fakeBus) DetectDaughterboard(tss uint8) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail("detect_db"); err != nil {
		return false, err
	}
	return b.daughterboard[tss], nil
}

func (b *fakeBus) SetTargetPower(socket hive.TargetSocket, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.maybeFail("power"); err != nil {
		return err
	}
	b.power[socket] = on
	return nil
}

// fakeProbe records flash operations and plays back injected errors. Memory
// written by EraseAndProgram is readable back for the verify step.
type fakeProbe struct {
	mu sync.Mutex

	attached bool
	memory   []byte
	origin   uint32

	attachErr      error
	resetErrNormal error
	resetErrUnder  error
	programErr     error
	readErr        error

	resetCalls []bool
}

func (p *fakeProbe) Attach() error {
	if p.attachErr != nil {
		return p.attachErr
	}
	p.attached = true
	return nil
}

func (p *fakeProbe) ResetHalt(connectUnderReset bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetCalls = append(p.resetCalls, connectUnderReset)
	if connectUnderReset {
		return p.resetErrUnder
	}
	return p.resetErrNormal
}

func (p *fakeProbe) EraseAndProgram(elf []byte) error {
	if p.programErr != nil {
		return p.programErr
	}
	p.memory = append([]byte(nil), elf...)
	return nil
}

func (p *fakeProbe) ReadMemory(addr uint32, buf []byte) error {
	if p.readErr != nil {
		return p.readErr
	}
	offset := int(addr - p.origin)
	if offset < 0 || offset+len(buf) > len(p.memory) {
		return errors.New("read out of range")
	}
	copy(buf, p.memory[offset:])
	return nil
}

func (p *fakeProbe) Detach() error { p.attached = false; return nil }
func (p *fakeProbe) Close() error  { return nil }

// fakeLister enumerates a fixed probe set, optionally failing.
type fakeLister struct {
	probes []hive.ProbeIdentity
	err    error
}

func (l *fakeLister) List() ([]hive.ProbeIdentity, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.probes, nil
}

// fakeOpener hands out one fakeProbe per identity.
type fakeOpener struct {
	probes map[hive.ProbeIdentity]*fakeProbe
	err    error
}

func (o *fakeOpener) Open(id hive.ProbeIdentity) (Probe, error) {
	if o.err != nil {
		return nil, o.err
	}
	p, ok := o.probes[id]
	if !ok {
		return nil, fmt.Errorf("probe %s not attached", id.String())
	}
	return p, nil
}

// fakeBuilder produces deterministic images, with injectable failures per
// key.
type fakeBuilder struct {
	mu     sync.Mutex
	builds int
	fail   map[hive.BinaryKey]error
}

func (b *fakeBuilder) Linked(_ context.Context, name string, key hive.BinaryKey) (hive.LinkedBinary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds++
	if err, ok := b.fail[key]; ok {
		return hive.LinkedBinary{}, err
	}
	return hive.LinkedBinary{ELF: []byte(fmt.Sprintf("elf:%s:%s:%#x", name, key.Arch, key.RAMOrigin))}, nil
}
