package hardware

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/store"
	"github.com/probe-rs/hive-software/internal/utils"
)

// BinaryBuilder produces linked testprogram images. Implemented by the
// testprogram cache.
type BinaryBuilder interface {
	Linked(ctx context.Context, name string, key hive.BinaryKey) (hive.LinkedBinary, error)
}

// StateManager rebuilds and owns the runtime view of the rack. Reinitialise
// must only be called by the task dispatcher while it holds the
// hardware-exclusive lock; Snapshot is cheap and safe from anywhere.
type StateManager struct {
	mu      sync.RWMutex
	current hive.HardwareState

	store   *store.Store
	matrix  *Matrix
	lister  ProbeLister
	opener  ProbeOpener
	builder BinaryBuilder
	log     *zap.Logger
}

// NewStateManager wires the state manager to its collaborators.
func NewStateManager(st *store.Store, matrix *Matrix, lister ProbeLister, opener ProbeOpener, builder BinaryBuilder, log *zap.Logger) *StateManager {
	return &StateManager{
		store:   st,
		matrix:  matrix,
		lister:  lister,
		opener:  opener,
		builder: builder,
		log:     log.Named("state"),
	}
}

// Snapshot returns the last completed hardware state.
func (m *StateManager) Snapshot() hive.HardwareState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Reinitialise rebuilds the hardware state: enumerate the rack, reconcile
// the persisted assignments against it, build the linked binaries for the
// active testprogram and pre-flash every Known target.
//
// Persistent state is never rewritten here; demotions live only in the
// rebuilt state so the user's intent survives a partial hardware failure
// and a later re-run. Build errors and flash errors are recorded on the
// affected sockets and do not fail the reinitialisation; bus errors do.
func (m *StateManager) Reinitialise(ctx context.Context) (hive.HardwareState, error) {
	var state hive.HardwareState
	state.Binaries = make(map[hive.BinaryKey]hive.LinkedBinary)

	// 1. Enumerate shields and daughterboards, starting from open routes.
	for tss := uint8(0); tss < hive.NumTSS; tss++ {
		if err := m.matrix.DisconnectAll(tss); err != nil {
			return hive.HardwareState{}, err
		}
	}
	tssPresent, err := m.matrix.TSSPresent()
	if err != nil {
		return hive.HardwareState{}, err
	}
	state.TSSConnected = tssPresent
	for tss := uint8(0); tss < hive.NumTSS; tss++ {
		if !tssPresent[tss] {
			continue
		}
		present, err := m.matrix.DaughterboardPresent(tss)
		if err != nil {
			return hive.HardwareState{}, err
		}
		state.DaughterboardConnected[tss] = present
	}

	// 2. Read the persisted assignments.
	probes, err := m.store.ProbeAssignments()
	if err != nil {
		return hive.HardwareState{}, utils.WrapError(err, "read probe assignments")
	}
	targets, err := m.store.TargetAssignments()
	if err != nil {
		return hive.HardwareState{}, utils.WrapError(err, "read target assignments")
	}
	state.Probes = probes
	state.Targets = targets

	// 3. Demote Known targets whose physical socket is absent.
	for tss := range state.Targets {
		physical := state.TSSConnected[tss] && state.DaughterboardConnected[tss]
		for pos := range state.Targets[tss] {
			if state.Targets[tss][pos].State == hive.StateKnown && !physical {
				m.log.Info("demoting target on absent socket",
					zap.Int("tss", tss), zap.Int("pos", pos),
					zap.String("target", state.Targets[tss][pos].Target.Name))
				state.Targets[tss][pos] = hive.TargetAssignment{State: hive.StateNotConnected}
			}
		}
	}

	// 4. Enumerate live probes once, before any probe is opened.
	live, err := m.lister.List()
	if err != nil {
		m.log.Error("probe enumeration failed", zap.Error(err))
		for i := range state.Probes {
			if state.Probes[i].State == hive.StateKnown {
				state.Probes[i] = hive.ProbeAssignment{State: hive.StateUnknown}
			}
		}
	} else {
		seen := make(map[hive.ProbeIdentity]bool)
		for i := range state.Probes {
			if state.Probes[i].State != hive.StateKnown {
				continue
			}
			id := state.Probes[i].Probe
			if seen[id] {
				state.Probes[i] = hive.ProbeAssignment{State: hive.StateUnknown}
				continue
			}
			found := false
			for _, l := range live {
				if l.Equal(id) {
					found = true
					break
				}
			}
			if !found {
				m.log.Info("demoting absent probe", zap.Int("slot", i), zap.String("probe", id.String()))
				state.Probes[i] = hive.ProbeAssignment{State: hive.StateNotConnected}
				continue
			}
			seen[id] = true
		}
	}

	if err := ctx.Err(); err != nil {
		return hive.HardwareState{}, err
	}

	// 5. Build the linked binaries for the active testprogram before
	// flashing, so flash failures are never mistaken for build failures.
	active, err := m.store.ActiveTestprogram()
	if err != nil {
		return hive.HardwareState{}, utils.WrapError(err, "read active testprogram")
	}
	state.ActiveTestprogram = active

	buildErrs := make(map[hive.BinaryKey]error)
	for _, key := range state.BinaryKeys() {
		bin, err := m.builder.Linked(ctx, active, key)
		if err != nil {
			m.log.Error("testprogram build failed",
				zap.String("testprogram", active),
				zap.String("arch", string(key.Arch)),
				zap.Uint32("ram_origin", key.RAMOrigin),
				zap.Error(err))
			buildErrs[key] = err
			continue
		}
		state.Binaries[key] = bin
	}
	for _, sock := range state.KnownTargets() {
		t := &state.Targets[sock.TSS][sock.Pos].Target
		if err, ok := buildErrs[hive.BinaryKey{Arch: t.Arch, RAMOrigin: t.RAMOrigin}]; ok {
			t.FlashStatus = hive.FlashError
			t.FlashMessage = err.Error()
		}
	}

	// 6. Pre-flash every Known target that has a binary.
	m.flashAll(&state)

	if err := checkInvariants(&state); err != nil {
		return hive.HardwareState{}, err
	}

	m.mu.Lock()
	m.current = state
	m.mu.Unlock()
	return state.Clone(), nil
}

// flashAll routes the first Known probe to each Known target in turn and
// flashes the matching image. Failures are recorded per socket.
func (m *StateManager) flashAll(state *hive.HardwareState) {
	knownProbes := state.KnownProbes()
	if len(knownProbes) == 0 {
		m.log.Warn("no probe available, skipping pre-flash")
		return
	}
	slot := knownProbes[0]

	probe, err := m.opener.Open(state.Probes[slot].Probe)
	if err != nil {
		m.log.Error("opening probe for pre-flash failed",
			zap.Uint8("slot", slot), zap.Error(err))
		for _, sock := range state.KnownTargets() {
			t := &state.Targets[sock.TSS][sock.Pos].Target
			if t.FlashStatus == hive.FlashUnknown {
				t.FlashStatus = hive.FlashError
				t.FlashMessage = fmt.Sprintf("open probe: %v", err)
			}
		}
		return
	}
	defer probe.Close()

	for _, sock := range state.KnownTargets() {
		t := &state.Targets[sock.TSS][sock.Pos].Target
		if t.FlashStatus == hive.FlashError {
			// Build already failed for this socket.
			continue
		}
		bin, ok := state.Binaries[hive.BinaryKey{Arch: t.Arch, RAMOrigin: t.RAMOrigin}]
		if !ok {
			t.FlashStatus = hive.FlashError
			t.FlashMessage = "no linked binary"
			continue
		}

		err := m.flashOne(slot, sock, probe, *t, bin.ELF)
		if err != nil {
			t.FlashStatus = hive.FlashError
			t.FlashMessage = fmt.Sprintf("flash failed: %v", err)
			continue
		}
		t.FlashStatus = hive.FlashOk
		t.FlashMessage = ""
	}
}

func (m *StateManager) flashOne(slot uint8, sock hive.TargetSocket, probe Probe, target hive.TargetState, elf []byte) error {
	if err := m.matrix.Connect(slot, sock); err != nil {
		return err
	}
	if err := m.matrix.TargetVccOn(sock); err != nil {
		return err
	}
	defer func() {
		if err := m.matrix.TargetVccOff(sock); err != nil {
			m.log.Warn("power off failed",
				zap.Uint8("tss", sock.TSS), zap.Uint8("pos", sock.Pos), zap.Error(err))
		}
	}()
	return Flash(probe, target, elf, m.log)
}

// checkInvariants verifies the state the reinitialisation is about to
// publish. A violation here is a bug, not a hardware condition.
func checkInvariants(state *hive.HardwareState) error {
	for _, sock := range state.KnownTargets() {
		if !state.TSSConnected[sock.TSS] || !state.DaughterboardConnected[sock.TSS] {
			return fmt.Errorf("invariant violation: known target (%d,%d) on absent socket", sock.TSS, sock.Pos)
		}
		t := state.Targets[sock.TSS][sock.Pos].Target
		key := hive.BinaryKey{Arch: t.Arch, RAMOrigin: t.RAMOrigin}
		if _, ok := state.Binaries[key]; !ok && t.FlashMessage == "" {
			return fmt.Errorf("invariant violation: known target %s has neither binary nor flash message", t.Name)
		}
	}
	seen := make(map[hive.ProbeIdentity]int)
	for i := range state.Probes {
		if state.Probes[i].State != hive.StateKnown {
			continue
		}
		if prev, dup := seen[state.Probes[i].Probe]; dup {
			return fmt.Errorf("invariant violation: probe %s known in slots %d and %d",
				state.Probes[i].Probe.String(), prev, i)
		}
		seen[state.Probes[i].Probe] = i
	}
	return nil
}
