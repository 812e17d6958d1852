package blockcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c := New(opts...)
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStoreAndRetrieveBlockRoundTrip(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("hello")))

	buf := make([]byte, 64)
	n, ok, err := c.RetrieveBlock("a.txt", 0, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestRetrieveBlockMissReturnsNotFound(t *testing.T) {
	c := newTestCache(t)
	buf := make([]byte, 64)
	_, ok, err := c.RetrieveBlock("missing.txt", 0, buf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloseRefusesWhileBusy(t *testing.T) {
	c := New()
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "cache.db")))
	c.AddRef()
	require.ErrorIs(t, c.Close(), ErrBusy)
	c.RemoveRef()
	require.NoError(t, c.Close())
}

func TestClearRefusesWhileBusy(t *testing.T) {
	c := newTestCache(t)
	c.AddRef()
	require.ErrorIs(t, c.Clear(), ErrBusy)
	c.RemoveRef()
}

func TestClearDropsAllBlocks(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("hello")))
	require.NoError(t, c.Clear())

	buf := make([]byte, 64)
	_, ok, err := c.RetrieveBlock("a.txt", 0, buf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvictDropsOnlyNamedFile(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("a")))
	require.NoError(t, c.StoreBlock("b.txt", 0, []byte("b")))
	require.NoError(t, c.Evict("a.txt"))

	buf := make([]byte, 64)
	_, ok, err := c.RetrieveBlock("a.txt", 0, buf)
	require.NoError(t, err)
	require.False(t, ok)

	n, ok, err := c.RetrieveBlock("b.txt", 0, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(buf[:n]))
}

func TestFlushAndReopenPreservesBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c := New()
	require.NoError(t, c.Open(path))
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("persisted")))
	require.NoError(t, c.Close())

	reopened := New()
	require.NoError(t, reopened.Open(path))
	defer reopened.Close()

	buf := make([]byte, 64)
	n, ok, err := reopened.RetrieveBlock("a.txt", 0, buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", string(buf[:n]))
}

func TestStoreBlockRejectsOversizePayload(t *testing.T) {
	c := newTestCache(t, WithBlockSize(32))
	capacity := 32 - cachedBlockHeaderSize
	tooBig := make([]byte, capacity+1)
	require.ErrorIs(t, c.StoreBlock("a.txt", 0, tooBig), ErrInvalidArgument)
}

func TestOpenOnAlreadyOpenCacheIsNoop(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("hello")))
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "other.db")))

	buf := make([]byte, 64)
	n, ok, err := c.RetrieveBlock("a.txt", 0, buf)
	require.NoError(t, err)
	require.True(t, ok, "second Open call must not have reset the already-open cache")
	require.Equal(t, "hello", string(buf[:n]))
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	c := New(WithCachePath(""))
	require.ErrorIs(t, c.Open(""), ErrInvalidArgument)
}

func TestOpenAfterClearSucceeds(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("hello")))
	require.NoError(t, c.Clear())
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "cache.db")))
}

func TestSetCachePathClosesAndReopensAtNewLocation(t *testing.T) {
	first := filepath.Join(t.TempDir(), "first.db")
	second := filepath.Join(t.TempDir(), "second.db")

	c := New()
	require.NoError(t, c.Open(first))
	require.NoError(t, c.StoreBlock("a.txt", 0, []byte("hello")))

	require.NoError(t, c.SetCachePath(second))
	defer c.Close()

	require.Equal(t, second, c.CachePath())
	buf := make([]byte, 64)
	_, ok, err := c.RetrieveBlock("a.txt", 0, buf)
	require.NoError(t, err)
	require.False(t, ok, "reopening at a different path starts from an empty index")
}

func TestSetCachePathRefusesWhileBusy(t *testing.T) {
	c := newTestCache(t)
	c.AddRef()
	require.ErrorIs(t, c.SetCachePath(filepath.Join(t.TempDir(), "other.db")), ErrBusy)
	c.RemoveRef()
}

func TestSetCachePathOnUnopenedCacheOnlyRecordsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c := New()
	require.NoError(t, c.SetCachePath(path))
	require.False(t, c.IsOpen())
	require.Equal(t, path, c.CachePath())
}

func TestCacheEnabledDefaultsTrueAndCanBeToggled(t *testing.T) {
	c := newTestCache(t)
	require.True(t, c.CacheEnabled())
	c.SetCacheEnabled(false)
	require.False(t, c.CacheEnabled())
}

func TestFileMetadataRoundTrip(t *testing.T) {
	c := newTestCache(t)
	c.StoreFileSize("a.txt", 4096)
	c.StoreFileLastModified("a.txt", 123)

	fm, ok := c.RetrieveFileMetadata("a.txt")
	require.True(t, ok)
	require.Equal(t, int64(4096), fm.Size)
	require.Equal(t, int64(123), fm.LastModified)
}
