// Package drivers adapts the external hardware collaborators to the core's
// contracts: the I2C switching fabric, the probe library CLI and the
// assembler toolchain.
package drivers

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/utils"
)

// i2cSlaveIoctl selects the addressed peripheral on the adapter.
const i2cSlaveIoctl = 0x0703

// Expander register map (PCA9535-class GPIO expanders on the probe carrier
// and each TSS).
const (
	regInput0  = 0x00
	regOutput0 = 0x02
	regOutput1 = 0x03
	regConfig0 = 0x06
)

// Carrier bus addresses: one expander per probe channel drives its
// analogue switches, one expander per TSS drives presence detect and
// target power.
var (
	probeExpanderAddr = [hive.NumProbes]uint16{0x20, 0x21, 0x22, 0x23}
	tssExpanderAddr   = [hive.NumTSS]uint16{0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x2b}
)

// I2CBus implements the switching primitives over a /dev/i2c adapter.
type I2CBus struct {
	mu   sync.Mutex
	file *os.File
}

// OpenI2CBus opens the adapter device, e.g. /dev/i2c-1.
func OpenI2CBus(device string) (*I2CBus, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, utils.WrapError(err, "open i2c adapter")
	}
	return &I2CBus{file: f}, nil
}

// Close releases the adapter.
func (b *I2CBus) Close() error {
	return b.file.Close()
}

func (b *I2CBus) writeReg(addr uint16, reg, value uint8) error {
	if err := unix.IoctlSetInt(int(b.file.Fd()), i2cSlaveIoctl, int(addr)); err != nil {
		return fmt.Errorf("select %#x: %w", addr, err)
	}
	if _, err := b.file.Write([]byte{reg, value}); err != nil {
		return fmt.Errorf("write %#x reg %#x: %w", addr, reg, err)
	}
	return nil
}

func (b *I2CBus) readReg(addr uint16, reg uint8) (uint8, error) {
	if err := unix.IoctlSetInt(int(b.file.Fd()), i2cSlaveIoctl, int(addr)); err != nil {
		return 0, fmt.Errorf("select %#x: %w", addr, err)
	}
	if _, err := b.file.Write([]byte{reg}); err != nil {
		return 0, fmt.Errorf("address %#x reg %#x: %w", addr, reg, err)
	}
	var buf [1]byte
	if _, err := b.file.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read %#x reg %#x: %w", addr, reg, err)
	}
	return buf[0], nil
}

// SetRoute closes the analogue path from a probe channel to a socket. The
// low five bits of the probe channel's expander output encode (tss, pos);
// bit 7 enables the path.
func (b *I2CBus) SetRoute(probe uint8, socket hive.TargetSocket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	value := uint8(1<<7) | socket.TSS<<2 | socket.Pos
	return b.writeReg(probeExpanderAddr[probe], regOutput0, value)
}

// ClearRoute opens every path from a probe channel.
func (b *I2CBus) ClearRoute(probe uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeReg(probeExpanderAddr[probe], regOutput0, 0)
}

// ClearRoutesTSS opens every path terminating on a TSS by dropping the
// shield's switch enable line.
func (b *I2CBus) ClearRoutesTSS(tss uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeReg(tssExpanderAddr[tss], regOutput1, 0)
}

// DetectTSS probes each shield expander; a responding expander means the
// shield is plugged.
func (b *I2CBus) DetectTSS() ([hive.NumTSS]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var present [hive.NumTSS]bool
	for tss := range tssExpanderAddr {
		if _, err := b.readReg(tssExpanderAddr[tss], regConfig0); err == nil {
			present[tss] = true
		}
	}
	return present, nil
}

// DetectDaughterboard reads the shield's presence-detect input.
func (b *I2CBus) DetectDaughterboard(tss uint8) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	value, err := b.readReg(tssExpanderAddr[tss], regInput0)
	if err != nil {
		return false, err
	}
	return value&0x01 != 0, nil
}

// SetTargetPower drives the socket's VCC switch on the shield expander.
func (b *I2CBus) SetTargetPower(socket hive.TargetSocket, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.readReg(tssExpanderAddr[socket.TSS], regOutput1)
	if err != nil {
		return err
	}
	bit := uint8(1) << (4 + socket.Pos)
	if on {
		current |= bit
	} else {
		current &^= bit
	}
	return b.writeReg(tssExpanderAddr[socket.TSS], regOutput1, current)
}
