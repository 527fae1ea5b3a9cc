// Package hardware owns the physical side of the testrack: the switch
// matrix routing probes to target sockets, the probe library contract, the
// flasher and the hardware state manager.
package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/utils"
)

// busRetries is the number of retries after the first failed bus operation.
const busRetries = 3

// Bus is the low-level switching primitive contract, implemented by the
// GPIO/I2C driver layer.
type Bus interface {
	// SetRoute closes the electrical path from a probe channel to a
	// target socket.
	SetRoute(probe uint8, socket hive.TargetSocket) error
	// ClearRoute opens every path originating at a probe channel.
	ClearRoute(probe uint8) error
	// ClearRoutesTSS opens every path terminating on a TSS.
	ClearRoutesTSS(tss uint8) error
	// DetectTSS reports which TSS slots have a shield connected.
	DetectTSS() ([hive.NumTSS]bool, error)
	// DetectDaughterboard reports whether a shield carries a
	// daughterboard.
	DetectDaughterboard(tss uint8) (bool, error)
	// SetTargetPower switches target VCC for one socket.
	SetTargetPower(socket hive.TargetSocket, on bool) error
}

// Matrix serialises access to the shared switching hardware and keeps the
// current probe routes so that connecting a probe elsewhere tears down its
// prior path first.
type Matrix struct {
	mu     sync.Mutex
	bus    Bus
	routes map[uint8]hive.TargetSocket
	log    *zap.Logger
}

// NewMatrix wraps a bus driver.
func NewMatrix(bus Bus, log *zap.Logger) *Matrix {
	return &Matrix{
		bus:    bus,
		routes: make(map[uint8]hive.TargetSocket),
		log:    log.Named("matrix"),
	}
}

// retry runs op up to busRetries+1 times with bounded exponential backoff.
// Persistent failure is reported as a bus error, fatal for the enclosing
// reinitialisation.
func (m *Matrix) retry(what string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 50 * time.Millisecond

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && attempt <= busRetries {
			m.log.Warn("bus operation failed, retrying",
				zap.String("op", what),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, backoff.WithMaxRetries(policy, busRetries))
	if err != nil {
		return utils.Kinded(utils.ErrBus, fmt.Errorf("%s: %w", what, err))
	}
	return nil
}

// Connect routes a probe channel to a target socket. Idempotent; any prior
// path from the same probe is opened first.
func (m *Matrix) Connect(probe uint8, socket hive.TargetSocket) error {
	if probe >= hive.NumProbes {
		return fmt.Errorf("probe channel %d out of range", probe)
	}
	if !socket.Valid() {
		return fmt.Errorf("socket (%d,%d) out of range", socket.TSS, socket.Pos)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.routes[probe]; ok {
		if current == socket {
			return nil
		}
		if err := m.retry("clear route", func() error { return m.bus.ClearRoute(probe) }); err != nil {
			return err
		}
		delete(m.routes, probe)
	}

	if err := m.retry("set route", func() error { return m.bus.SetRoute(probe, socket) }); err != nil {
		return err
	}
	m.routes[probe] = socket
	return nil
}

// DisconnectAll opens every path terminating on a TSS.
func (m *Matrix) DisconnectAll(tss uint8) error {
	if tss >= hive.NumTSS {
		return fmt.Errorf("tss %d out of range", tss)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.retry("clear tss routes", func() error { return m.bus.ClearRoutesTSS(tss) }); err != nil {
		return err
	}
	for probe, socket := range m.routes {
		if socket.TSS == tss {
			delete(m.routes, probe)
		}
	}
	return nil
}

// TSSPresent enumerates connected target stack shields.
func (m *Matrix) TSSPresent() ([hive.NumTSS]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var present [hive.NumTSS]bool
	err := m.retry("detect tss", func() error {
		var err error
		present, err = m.bus.DetectTSS()
		return err
	})
	return present, err
}

// DaughterboardPresent reports whether a TSS carries a daughterboard.
func (m *Matrix) DaughterboardPresent(tss uint8) (bool, error) {
	if tss >= hive.NumTSS {
		return false, fmt.Errorf("tss %d out of range", tss)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var present bool
	err := m.retry("detect daughterboard", func() error {
		var err error
		present, err = m.bus.DetectDaughterboard(tss)
		return err
	})
	return present, err
}

// TargetVccOn powers one target socket.
func (m *Matrix) TargetVccOn(socket hive.TargetSocket) error {
	return m.setPower(socket, true)
}

// TargetVccOff cuts power to one target socket.
func (m *Matrix) TargetVccOff(socket hive.TargetSocket) error {
	return m.setPower(socket, false)
}

func (m *Matrix) setPower(socket hive.TargetSocket, on bool) error {
	if !socket.Valid() {
		return fmt.Errorf("socket (%d,%d) out of range", socket.TSS, socket.Pos)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.retry("set target power", func() error { return m.bus.SetTargetPower(socket, on) })
}

// Route returns the socket a probe is currently connected to.
func (m *Matrix) Route(probe uint8) (hive.TargetSocket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	socket, ok := m.routes[probe]
	return socket, ok
}
