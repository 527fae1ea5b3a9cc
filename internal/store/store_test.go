package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-rs/hive-software/hive"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SeedsDefaults(t *testing.T) {
	s := openTestStore(t)

	// 1. Assignment arrays exist and are all NotConnected.
	probes, err := s.ProbeAssignments()
	require.NoError(t, err)
	for _, p := range probes {
		assert.Equal(t, hive.StateNotConnected, p.State)
	}

	targets, err := s.TargetAssignments()
	require.NoError(t, err)
	assert.Equal(t, hive.StateNotConnected, targets[7][3].State)

	// 2. The default testprogram exists and is active.
	active, err := s.ActiveTestprogram()
	require.NoError(t, err)
	assert.Equal(t, hive.DefaultTestprogramName, active)

	tp, err := s.Testprogram(hive.DefaultTestprogramName)
	require.NoError(t, err)
	assert.Equal(t, hive.TPNotInitialized, tp.ARM.Status)
	assert.Equal(t, hive.TPNotInitialized, tp.RISCV.Status)
}

func TestStore_AssignmentsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateProbeAssignments(func(probes *[hive.NumProbes]hive.ProbeAssignment) {
		probes[0] = hive.KnownProbe(hive.ProbeIdentity{Identifier: "J-Link", Serial: "S1"})
	})
	require.NoError(t, err)

	probes, err := s.ProbeAssignments()
	require.NoError(t, err)
	assert.Equal(t, hive.StateKnown, probes[0].State)
	assert.Equal(t, "S1", probes[0].Probe.Serial)
}

func TestStore_StripsRuntimeFlashState(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateTargetAssignments(func(targets *[hive.NumTSS][hive.NumPositions]hive.TargetAssignment) {
		targets[2][0] = hive.KnownTarget(hive.TargetState{
			Name:         "stm32f103",
			Arch:         hive.ArchARM,
			RAMOrigin:    0x20000000,
			FlashStatus:  hive.FlashError,
			FlashMessage: "flash failed: no power",
		})
	})
	require.NoError(t, err)

	targets, err := s.TargetAssignments()
	require.NoError(t, err)
	got := targets[2][0].Target
	assert.Equal(t, "stm32f103", got.Name)
	assert.Equal(t, hive.FlashUnknown, got.FlashStatus)
	assert.Empty(t, got.FlashMessage)
}

func TestStore_TestprogramLifecycle(t *testing.T) {
	s := openTestStore(t)

	tp := hive.Testprogram{
		Name:  "blinky",
		ARM:   hive.TestprogramArch{Arch: hive.ArchARM, Status: hive.TPOk, Source: []byte("mov r0, r0")},
		RISCV: hive.TestprogramArch{Arch: hive.ArchRISCV, Status: hive.TPNotInitialized},
	}
	require.NoError(t, s.PutTestprogram(tp))

	src, err := s.TestprogramSource("blinky", hive.ArchARM)
	require.NoError(t, err)
	assert.Equal(t, []byte("mov r0, r0"), src)

	// 1. Default cannot be deleted.
	assert.ErrorIs(t, s.DeleteTestprogram(hive.DefaultTestprogramName), ErrProtectedTestprogram)

	// 2. The active program cannot be deleted.
	require.NoError(t, s.SetActiveTestprogram("blinky"))
	assert.ErrorIs(t, s.DeleteTestprogram("blinky"), ErrProtectedTestprogram)

	// 3. A deactivated program can.
	require.NoError(t, s.SetActiveTestprogram(hive.DefaultTestprogramName))
	require.NoError(t, s.DeleteTestprogram("blinky"))
	_, err = s.Testprogram("blinky")
	assert.ErrorIs(t, err, ErrNotFound)

	// 4. Activating a missing program is rejected.
	assert.ErrorIs(t, s.SetActiveTestprogram("blinky"), ErrNotFound)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpdateProbeAssignments(func(probes *[hive.NumProbes]hive.ProbeAssignment) {
		probes[2] = hive.KnownProbe(hive.ProbeIdentity{Identifier: "ST-Link"})
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	probes, err := s.ProbeAssignments()
	require.NoError(t, err)
	assert.Equal(t, "ST-Link", probes[2].Probe.Identifier)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_ = s.UpdateProbeAssignments(func(probes *[hive.NumProbes]hive.ProbeAssignment) {
				probes[slot%hive.NumProbes] = hive.KnownProbe(hive.ProbeIdentity{Identifier: "P"})
			})
		}(i)
	}
	wg.Wait()

	probes, err := s.ProbeAssignments()
	require.NoError(t, err)
	for _, p := range probes {
		assert.Equal(t, hive.StateKnown, p.State)
	}
}
