// ABOUTME: Tests for the dedup key cache
// ABOUTME: Validates TTL expiry, size-bounded eviction, release, sweeping and concurrent claims

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey_DistinguishesParts(t *testing.T) {
	assert.Equal(t, Key("acc", "chat", "1"), Key("acc", "chat", "1"))
	assert.NotEqual(t, Key("acc", "chat", "1"), Key("acc", "chat", "2"))
	// Naive concatenation would collide here.
	assert.NotEqual(t, Key("a", "bc", "1"), Key("ab", "c", "1"))
}

func TestCache_Claim(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	key := Key("acc", "chat", "42")
	assert.False(t, cache.Seen(key))
	assert.True(t, cache.Claim(key), "first claim wins")
	assert.True(t, cache.Seen(key))
	assert.False(t, cache.Claim(key), "second claim is a duplicate")
}

func TestCache_Expiry(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.True(t, cache.Claim("k"))
	assert.False(t, cache.Claim("k"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Seen("k"))
	assert.True(t, cache.Claim("k"), "expired key can be claimed again")
}

func TestCache_Release(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.True(t, cache.Claim("k"))
	cache.Release("k")
	assert.False(t, cache.Seen("k"))
	assert.True(t, cache.Claim("k"))

	// Releasing an unknown key is harmless.
	cache.Release("never")
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Claim("first")
	cache.Claim("second")
	cache.Claim("third")
	cache.Claim("fourth")

	assert.False(t, cache.Seen("first"), "first should be evicted")
	assert.True(t, cache.Seen("second"))
	assert.True(t, cache.Seen("third"))
	assert.True(t, cache.Seen("fourth"))
	assert.Equal(t, 3, cache.Len())

	cache.Claim("fifth")
	assert.False(t, cache.Seen("second"), "second should be evicted")
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Claim("a")
	cache.Claim("b")
	time.Sleep(20 * time.Millisecond)
	cache.Claim("fresh")

	cache.sweep()

	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("fresh"))
}

func TestCache_ConcurrentClaimsOneWinner(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Claim("contested") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestCache_ConcurrentMixedOps(t *testing.T) {
	cache := New(5*time.Minute, 500)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", id%10, j%20)
				cache.Claim(key)
				cache.Seen(key)
				if j%7 == 0 {
					cache.Release(key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 500)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
