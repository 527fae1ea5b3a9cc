// Package testprogram caches linked testprogram images. Builds are delegated
// to the external assembler/linker pipeline; the cache guarantees at most one
// concurrent build per key and memoises completed builds until the program is
// mutated or a new reinitialisation cycle invalidates them.
package testprogram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/utils"
)

// Assembler is the external pipeline producing a linked ELF from source
// bytes and a RAM origin.
type Assembler interface {
	Assemble(ctx context.Context, arch hive.Architecture, source []byte, ramOrigin uint32) ([]byte, error)
}

// SourceReader resolves a testprogram's source bytes per architecture.
// Implemented by the persistent store.
type SourceReader interface {
	TestprogramSource(name string, arch hive.Architecture) ([]byte, error)
}

// BuildError carries the assembler's stderr for a failed build.
type BuildError struct {
	Stderr []byte
}

func (e *BuildError) Error() string {
	return strings.TrimSpace(string(e.Stderr))
}

type cacheKey struct {
	name string
	key  hive.BinaryKey
}

// Cache memoises linked binaries per (testprogram, arch, ram origin).
type Cache struct {
	asm     Assembler
	sources SourceReader

	group singleflight.Group
	mu    sync.Mutex
	built map[cacheKey]hive.LinkedBinary
}

// NewCache creates an empty cache.
func NewCache(asm Assembler, sources SourceReader) *Cache {
	return &Cache{
		asm:     asm,
		sources: sources,
		built:   make(map[cacheKey]hive.LinkedBinary),
	}
}

// Linked returns the image for (name, key), building it if necessary.
// Concurrent requests for the same key join the in-flight build. Building
// the same key twice yields byte-identical images as long as the source is
// unchanged.
func (c *Cache) Linked(ctx context.Context, name string, key hive.BinaryKey) (hive.LinkedBinary, error) {
	ck := cacheKey{name: name, key: key}

	c.mu.Lock()
	if bin, ok := c.built[ck]; ok {
		c.mu.Unlock()
		return bin, nil
	}
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%s/%s/%#x", name, key.Arch, key.RAMOrigin)
	v, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		c.mu.Lock()
		if bin, ok := c.built[ck]; ok {
			c.mu.Unlock()
			return bin, nil
		}
		c.mu.Unlock()

		source, err := c.sources.TestprogramSource(name, key.Arch)
		if err != nil {
			return nil, utils.WrapError(err, "read testprogram source")
		}
		elf, err := c.asm.Assemble(ctx, key.Arch, source, key.RAMOrigin)
		if err != nil {
			return nil, utils.Kinded(utils.ErrBuild, err)
		}

		bin := hive.LinkedBinary{ELF: elf}
		c.mu.Lock()
		c.built[ck] = bin
		c.mu.Unlock()
		return bin, nil
	})
	if err != nil {
		return hive.LinkedBinary{}, err
	}
	return v.(hive.LinkedBinary), nil
}

// Invalidate drops every cached image of one testprogram. Called when the
// program is mutated.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ck := range c.built {
		if ck.name == name {
			delete(c.built, ck)
		}
	}
}

// InvalidateAll drops the whole cache. Called at the start of each
// reinitialisation cycle.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.built = make(map[cacheKey]hive.LinkedBinary)
}
