package ftpfs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortCache(timeout time.Duration) *Cache {
	// Bypasses the [5s, 300s] clamp applied by NewCache so expiry is
	// testable without sleeping for real.
	return &Cache{
		entries: make(map[string]cacheEntry),
		timeout: timeout,
	}
}

func TestCacheLastPutWins(t *testing.T) {
	c := NewCache(30 * time.Second)

	c.Put("/a", []Item{{Name: "one", Kind: KindFile}})
	c.Put("/a", []Item{{Name: "two", Kind: KindFile}, {Name: "three", Kind: KindDir}})

	items, ok := c.Get("/a")
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "two", items[0].Name)
	assert.Equal(t, "three", items[1].Name)
	assert.Equal(t, 1, c.Len())
}

func TestCacheExpiry(t *testing.T) {
	c := shortCache(50 * time.Millisecond)

	c.Put("/a", []Item{{Name: "x"}})
	_, ok := c.Get("/a")
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)

	_, ok = c.Get("/a")
	assert.False(t, ok)
	// An expired entry is evicted, not merely hidden.
	assert.Equal(t, 0, c.Len())
}

func TestCacheGetReturnsCopy(t *testing.T) {
	c := NewCache(30 * time.Second)
	c.Put("/a", []Item{{Name: "orig"}})

	items, ok := c.Get("/a")
	require.True(t, ok)
	items[0].Name = "mutated"

	again, ok := c.Get("/a")
	require.True(t, ok)
	assert.Equal(t, "orig", again[0].Name)
}

func TestCacheInvalidateMatchesComponents(t *testing.T) {
	c := NewCache(30 * time.Second)
	c.Put("/a", []Item{{Name: "x"}})
	c.Put("/a/b", []Item{{Name: "x"}})
	c.Put("/a/b/c", []Item{{Name: "x"}})
	c.Put("/ab", []Item{{Name: "x"}})

	c.Invalidate("/a")

	_, ok := c.Get("/a")
	assert.False(t, ok)
	_, ok = c.Get("/a/b")
	assert.False(t, ok)
	_, ok = c.Get("/a/b/c")
	assert.False(t, ok)
	// Sibling with a shared string prefix survives.
	_, ok = c.Get("/ab")
	assert.True(t, ok)
}

func TestCacheInvalidateRoot(t *testing.T) {
	c := NewCache(30 * time.Second)
	c.Put("/", []Item{{Name: "x"}})
	c.Put("/sub", []Item{{Name: "x"}})

	c.Invalidate("/")

	assert.Equal(t, 0, c.Len())
}

func TestCacheMissWithoutPut(t *testing.T) {
	c := NewCache(30 * time.Second)
	_, ok := c.Get("/nothing")
	assert.False(t, ok)
}

func TestCacheClampTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, ClampCacheTimeout(1*time.Second))
	assert.Equal(t, 300*time.Second, ClampCacheTimeout(1000*time.Second))
	assert.Equal(t, 42*time.Second, ClampCacheTimeout(42*time.Second))
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(30 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			path := fmt.Sprintf("/dir%d", n%2)
			for j := 0; j < 200; j++ {
				c.Put(path, []Item{{Name: "a"}, {Name: "b"}})
				if items, ok := c.Get(path); ok {
					// A snapshot is never torn: both entries or miss.
					assert.Len(t, items, 2)
				}
				c.Invalidate(path)
			}
		}(i)
	}
	wg.Wait()
}
