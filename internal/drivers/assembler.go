package drivers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/testprogram"
	"github.com/probe-rs/hive-software/internal/utils"
)

// ToolchainAssembler delegates testprogram builds to external toolchain
// commands, one template per architecture. Templates expand {src}, {out}
// and {origin}; the command must leave a linked ELF at {out}.
type ToolchainAssembler struct {
	// Commands maps architecture to an argv template.
	Commands map[hive.Architecture][]string
	// ScratchDir holds per-build source and output files.
	ScratchDir string
}

// DefaultToolchains is the stock GNU toolchain invocation per
// architecture.
func DefaultToolchains() map[hive.Architecture][]string {
	return map[hive.Architecture][]string{
		hive.ArchARM: {
			"arm-none-eabi-gcc", "-nostdlib", "-x", "assembler", "{src}",
			"-Wl,-Ttext={origin}", "-o", "{out}",
		},
		hive.ArchRISCV: {
			"riscv32-unknown-elf-gcc", "-nostdlib", "-x", "assembler", "{src}",
			"-Wl,-Ttext={origin}", "-o", "{out}",
		},
	}
}

// Assemble builds one linked image. Assembler stderr is preserved in the
// returned BuildError so the UI can surface it verbatim.
func (a *ToolchainAssembler) Assemble(ctx context.Context, arch hive.Architecture, source []byte, ramOrigin uint32) ([]byte, error) {
	tmpl, ok := a.Commands[arch]
	if !ok {
		return nil, fmt.Errorf("no toolchain configured for %s", arch)
	}
	if len(source) == 0 {
		return nil, &testprogram.BuildError{Stderr: []byte("empty testprogram source")}
	}

	dir, err := os.MkdirTemp(a.ScratchDir, "build-")
	if err != nil {
		return nil, utils.WrapError(err, "create build directory")
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "testprogram.S")
	out := filepath.Join(dir, "testprogram.elf")
	if err := os.WriteFile(src, source, 0o644); err != nil {
		return nil, utils.WrapError(err, "write source")
	}

	args := make([]string, len(tmpl))
	for i, arg := range tmpl {
		arg = strings.ReplaceAll(arg, "{src}", src)
		arg = strings.ReplaceAll(arg, "{out}", out)
		arg = strings.ReplaceAll(arg, "{origin}", fmt.Sprintf("%#x", ramOrigin))
		args[i] = arg
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &testprogram.BuildError{Stderr: stderr.Bytes()}
	}

	elf, err := os.ReadFile(out)
	if err != nil {
		return nil, utils.WrapError(err, "read linked image")
	}
	return elf, nil
}
