package drivers

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/hardware"
	"github.com/probe-rs/hive-software/internal/utils"
)

// CLIProbeLib drives the probe library through its command line tool for
// the monitor-side duties (enumeration and the pre-flash pass). Inside the
// runner the library under test is linked directly; the monitor stays
// decoupled from its version.
type CLIProbeLib struct {
	// Path of the probe CLI binary.
	Path string
	// ScratchDir holds temporary images for download commands.
	ScratchDir string
}

type cliProbeEntry struct {
	Identifier string `json:"identifier"`
	Serial     string `json:"serial_number"`
}

// List enumerates attached probes.
func (c *CLIProbeLib) List() ([]hive.ProbeIdentity, error) {
	out, err := exec.Command(c.Path, "list", "--format", "json").Output()
	if err != nil {
		return nil, utils.Kinded(utils.ErrProbeEnumeration, err)
	}
	var entries []cliProbeEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, utils.Kinded(utils.ErrProbeEnumeration, fmt.Errorf("parse probe list: %w", err))
	}
	ids := make([]hive.ProbeIdentity, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, hive.ProbeIdentity{Identifier: e.Identifier, Serial: e.Serial})
	}
	return ids, nil
}

// Open returns a handle bound to one probe by its selector.
func (c *CLIProbeLib) Open(id hive.ProbeIdentity) (hardware.Probe, error) {
	return &cliProbe{lib: c, id: id}, nil
}

// cliProbe implements the flasher contract with one CLI invocation per
// step. The selector pins every command to the same physical probe.
type cliProbe struct {
	lib *CLIProbeLib
	id  hive.ProbeIdentity
}

func (p *cliProbe) selector() string {
	if p.id.Serial == "" {
		return p.id.Identifier
	}
	return p.id.Identifier + ":" + p.id.Serial
}

func (p *cliProbe) run(args ...string) error {
	args = append([]string{args[0], "--probe", p.selector()}, args[1:]...)
	var stderr bytes.Buffer
	cmd := exec.Command(p.lib.Path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %s", args[0], bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (p *cliProbe) Attach() error { return p.run("info") }

func (p *cliProbe) ResetHalt(connectUnderReset bool) error {
	args := []string{"reset", "--halt"}
	if connectUnderReset {
		args = append(args, "--connect-under-reset")
	}
	return p.run(args...)
}

func (p *cliProbe) EraseAndProgram(elf []byte) error {
	img := filepath.Join(p.lib.ScratchDir, "preflash.elf")
	if err := os.WriteFile(img, elf, 0o644); err != nil {
		return utils.WrapError(err, "stage image")
	}
	defer os.Remove(img)
	return p.run("download", "--chip-erase", img)
}

func (p *cliProbe) ReadMemory(addr uint32, buf []byte) error {
	words := (len(buf) + 3) / 4
	out, err := exec.Command(p.lib.Path,
		"read", "--probe", p.selector(), "b32",
		fmt.Sprintf("%#x", addr), fmt.Sprintf("%d", words)).Output()
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}
	var raw []uint32
	if err := json.Unmarshal(out, &raw); err != nil {
		return fmt.Errorf("parse memory dump: %w", err)
	}
	if len(raw) < words {
		return fmt.Errorf("short memory dump: %d of %d words", len(raw), words)
	}
	packed := make([]byte, words*4)
	for i, w := range raw[:words] {
		binary.LittleEndian.PutUint32(packed[i*4:], w)
	}
	copy(buf, packed)
	return nil
}

func (p *cliProbe) Detach() error { return nil }
func (p *cliProbe) Close() error  { return nil }
