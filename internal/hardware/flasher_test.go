package hardware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/utils"
)

var flashTarget = hive.TargetState{Name: "stm32f103", Arch: hive.ArchARM, RAMOrigin: 0x20000000}

func TestFlash_HappyPath(t *testing.T) {
	p := &fakeProbe{origin: flashTarget.RAMOrigin}
	elf := []byte("elf:default:arm:0x20000000")

	err := Flash(p, flashTarget, elf, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, elf, p.memory)
	assert.Equal(t, []bool{false}, p.resetCalls, "no connect-under-reset needed")
	assert.False(t, p.attached, "probe detached after flashing")
}

func TestFlash_RetriesResetUnderReset(t *testing.T) {
	p := &fakeProbe{origin: flashTarget.RAMOrigin, resetErrNormal: errors.New("core not halted")}

	err := Flash(p, flashTarget, []byte("image"), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, p.resetCalls)
}

func TestFlash_BothResetsFailing(t *testing.T) {
	p := &fakeProbe{
		origin:         flashTarget.RAMOrigin,
		resetErrNormal: errors.New("core not halted"),
		resetErrUnder:  errors.New("still not halted"),
	}

	err := Flash(p, flashTarget, []byte("image"), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFlash)
	assert.Contains(t, err.Error(), "reset-halt")
}

func TestFlash_VerifyMismatch(t *testing.T) {
	// A probe whose program step silently drops the write leaves stale
	// memory behind for the sentinel read.
	p := &fakeProbe{origin: flashTarget.RAMOrigin, memory: []byte("stale memory contents!!")}

	err := Flash(&verifyOnlyProbe{p}, flashTarget, []byte("written image bytes!"), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFlash)
	assert.Contains(t, err.Error(), "sentinel mismatch")
}

// verifyOnlyProbe skips programming so the sentinel check sees stale memory.
type verifyOnlyProbe struct {
	*fakeProbe
}

func (p *verifyOnlyProbe) EraseAndProgram([]byte) error { return nil }

func TestFlash_AttachFailure(t *testing.T) {
	p := &fakeProbe{attachErr: errors.New("target has no power")}

	err := Flash(p, flashTarget, []byte("image"), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFlash)
	assert.Contains(t, err.Error(), "attach")
}

func TestFlash_EmptyImageSkipsVerify(t *testing.T) {
	p := &fakeProbe{origin: flashTarget.RAMOrigin}
	err := Flash(p, flashTarget, nil, zaptest.NewLogger(t))
	assert.NoError(t, err)
}
