package hardware

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/utils"
)

// sentinelLen is the size of the verify-read after programming. The image is
// linked to the target's RAM origin, so the first bytes there must match the
// written image.
const sentinelLen = 16

// Flash writes a linked testprogram image onto the routed target and
// verifies a sentinel region. Preconditions: the matrix routes the probe to
// exactly the desired socket and the target is powered.
//
// A failure at any step is returned as a flash error and is not retried
// here; the caller decides whether the socket is skipped or the run fails.
func Flash(p Probe, target hive.TargetState, elf []byte, log *zap.Logger) error {
	fail := func(step string, err error) error {
		return utils.Kinded(utils.ErrFlash, fmt.Errorf("%s %s: %w", step, target.Name, err))
	}

	if err := p.Attach(); err != nil {
		return fail("attach to", err)
	}
	defer func() {
		if err := p.Detach(); err != nil {
			log.Warn("detach failed", zap.String("target", target.Name), zap.Error(err))
		}
	}()

	// Reset-halt once without connect-under-reset, once with. Some cores
	// only come up halted when reset is held during connect.
	if err := p.ResetHalt(false); err != nil {
		log.Debug("reset-halt failed, retrying under reset",
			zap.String("target", target.Name), zap.Error(err))
		if err := p.ResetHalt(true); err != nil {
			return fail("reset-halt", err)
		}
	}

	if err := p.EraseAndProgram(elf); err != nil {
		return fail("program", err)
	}

	n := sentinelLen
	if len(elf) < n {
		n = len(elf)
	}
	if n > 0 {
		sentinel := make([]byte, n)
		if err := p.ReadMemory(target.RAMOrigin, sentinel); err != nil {
			return fail("verify-read", err)
		}
		if !bytes.Equal(sentinel, elf[:n]) {
			return fail("verify", fmt.Errorf("sentinel mismatch at %#x", target.RAMOrigin))
		}
	}
	return nil
}
