package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

func TestMemoryStrategyExpires(t *testing.T) {
	c, err := New(StrategyMemory, Options{TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	c.Set("view:bylaw/noise", []byte("rendered"))
	got, ok := c.Get("view:bylaw/noise")
	require.True(t, ok)
	assert.Equal(t, []byte("rendered"), got)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("view:bylaw/noise")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStrategyEvictsAtCapacity(t *testing.T) {
	c, err := New(StrategyMemory, Options{MaxEntries: 2, TTL: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestManualStrategyOnlyExplicitInvalidation(t *testing.T) {
	c, err := New(StrategyManual, Options{})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestNeverStrategyAlwaysMisses(t *testing.T) {
	c, err := New(StrategyNever, Options{})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", []byte("1"))
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestUnknownStrategyIsConfigError(t *testing.T) {
	_, err := New("redis", Options{})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConfig, ferrors.GetCategory(err))
}

func TestFileWatcherClearsOnChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bylaw"), 0o750))

	c, err := New(StrategyFileWatcher, Options{WatchDir: dir, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	c.Set("list:bylaw", []byte("cached"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bylaw", "noise.md"), []byte("x"), 0o640))

	assert.Eventually(t, func() bool {
		_, ok := c.Get("list:bylaw")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcherNeedsDirectory(t *testing.T) {
	_, err := New(StrategyFileWatcher, Options{})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConfig, ferrors.GetCategory(err))
}
