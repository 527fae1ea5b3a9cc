package runner

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarrier_ReleasesAllParties(t *testing.T) {
	const parties = 4
	var released int32
	b := newBarrier(parties, nil)

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.wait()
			atomic.AddInt32(&released, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(parties), atomic.LoadInt32(&released))
}

func TestBarrier_ReusableAcrossGenerations(t *testing.T) {
	const parties = 3
	const rounds = 5
	var releases int32
	b := newBarrier(parties, func() { atomic.AddInt32(&releases, 1) })

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				b.wait()
			}
		}()
	}
	wg.Wait()

	// onRelease runs exactly once per generation.
	assert.Equal(t, int32(rounds), atomic.LoadInt32(&releases))
}

func TestBarrier_SingleParty(t *testing.T) {
	fired := false
	b := newBarrier(1, func() { fired = true })
	b.wait()
	assert.True(t, fired)
}
