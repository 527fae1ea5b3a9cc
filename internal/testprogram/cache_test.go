package testprogram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-rs/hive-software/hive"
	"github.com/probe-rs/hive-software/internal/utils"
)

type fakeAssembler struct {
	mu     sync.Mutex
	builds int32
	block  chan struct{}
	fail   map[hive.Architecture][]byte
}

func (a *fakeAssembler) Assemble(_ context.Context, arch hive.Architecture, source []byte, ramOrigin uint32) ([]byte, error) {
	atomic.AddInt32(&a.builds, 1)
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	stderr, failing := a.fail[arch]
	a.mu.Unlock()
	if failing {
		return nil, &BuildError{Stderr: stderr}
	}
	// Deterministic output: a function of the inputs only.
	return []byte(fmt.Sprintf("elf:%s:%#x:%s", arch, ramOrigin, source)), nil
}

type fakeSources map[string]map[hive.Architecture][]byte

func (s fakeSources) TestprogramSource(name string, arch hive.Architecture) ([]byte, error) {
	byArch, ok := s[name]
	if !ok {
		return nil, errors.New("no such testprogram")
	}
	return byArch[arch], nil
}

func defaultSources() fakeSources {
	return fakeSources{
		"default": {
			hive.ArchARM:   []byte("mov r0, r0"),
			hive.ArchRISCV: []byte("nop"),
		},
	}
}

func TestCache_BuildsAreDeterministicAndMemoised(t *testing.T) {
	asm := &fakeAssembler{}
	cache := NewCache(asm, defaultSources())
	key := hive.BinaryKey{Arch: hive.ArchARM, RAMOrigin: 0x20000000}

	first, err := cache.Linked(context.Background(), "default", key)
	require.NoError(t, err)
	second, err := cache.Linked(context.Background(), "default", key)
	require.NoError(t, err)

	assert.Equal(t, first.ELF, second.ELF)
	assert.Equal(t, int32(1), atomic.LoadInt32(&asm.builds), "second request must hit the cache")

	// A rebuild after invalidation is byte-identical.
	cache.Invalidate("default")
	third, err := cache.Linked(context.Background(), "default", key)
	require.NoError(t, err)
	assert.Equal(t, first.ELF, third.ELF)
	assert.Equal(t, int32(2), atomic.LoadInt32(&asm.builds))
}

func TestCache_ConcurrentRequestsJoinOneBuild(t *testing.T) {
	asm := &fakeAssembler{block: make(chan struct{})}
	cache := NewCache(asm, defaultSources())
	key := hive.BinaryKey{Arch: hive.ArchARM, RAMOrigin: 0x20000000}

	const callers = 8
	results := make(chan hive.LinkedBinary, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bin, err := cache.Linked(context.Background(), "default", key)
			assert.NoError(t, err)
			results <- bin
		}()
	}

	// Let every caller pile onto the in-flight build, then release it.
	close(asm.block)
	wg.Wait()
	close(results)

	var want []byte
	for bin := range results {
		if want == nil {
			want = bin.ELF
		}
		assert.Equal(t, want, bin.ELF)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&asm.builds))
}

func TestCache_DistinctKeysBuildSeparately(t *testing.T) {
	asm := &fakeAssembler{}
	cache := NewCache(asm, defaultSources())

	arm, err := cache.Linked(context.Background(), "default", hive.BinaryKey{Arch: hive.ArchARM, RAMOrigin: 0x20000000})
	require.NoError(t, err)
	riscv, err := cache.Linked(context.Background(), "default", hive.BinaryKey{Arch: hive.ArchRISCV, RAMOrigin: 0x3fc80000})
	require.NoError(t, err)
	otherOrigin, err := cache.Linked(context.Background(), "default", hive.BinaryKey{Arch: hive.ArchARM, RAMOrigin: 0x10000000})
	require.NoError(t, err)

	assert.NotEqual(t, arm.ELF, riscv.ELF)
	assert.NotEqual(t, arm.ELF, otherOrigin.ELF)
	assert.Equal(t, int32(3), atomic.LoadInt32(&asm.builds))
}

func TestCache_BuildFailureCarriesStderr(t *testing.T) {
	asm := &fakeAssembler{fail: map[hive.Architecture][]byte{
		hive.ArchARM: []byte("error: unknown mnemonic `movv'\n"),
	}}
	cache := NewCache(asm, defaultSources())

	_, err := cache.Linked(context.Background(), "default", hive.BinaryKey{Arch: hive.ArchARM, RAMOrigin: 0x20000000})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrBuild)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Contains(t, buildErr.Error(), "unknown mnemonic")

	// Failures are not memoised; a fixed source builds on retry.
	asm.mu.Lock()
	delete(asm.fail, hive.ArchARM)
	asm.mu.Unlock()
	_, err = cache.Linked(context.Background(), "default", hive.BinaryKey{Arch: hive.ArchARM, RAMOrigin: 0x20000000})
	assert.NoError(t, err)
}

func TestCache_InvalidateAll(t *testing.T) {
	asm := &fakeAssembler{}
	cache := NewCache(asm, defaultSources())
	key := hive.BinaryKey{Arch: hive.ArchRISCV, RAMOrigin: 0x3fc80000}

	_, err := cache.Linked(context.Background(), "default", key)
	require.NoError(t, err)
	cache.InvalidateAll()
	_, err = cache.Linked(context.Background(), "default", key)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&asm.builds))
}
