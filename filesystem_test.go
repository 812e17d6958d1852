package blockcache

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFile struct {
	data         []byte
	lastModified time.Time
	reads        int
	sizeCalls    int
	lastModCalls int
}

func (f *fakeFile) ReadAt(p []byte, off int64) (int, error) {
	f.reads++
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fakeFile) Size() (int64, error) {
	f.sizeCalls++
	return int64(len(f.data)), nil
}

func (f *fakeFile) LastModified() (time.Time, error) {
	f.lastModCalls++
	return f.lastModified, nil
}

func (f *fakeFile) Close() error { return nil }

type fakeFS struct {
	files map[string]*fakeFile
}

func (fs *fakeFS) Open(ctx context.Context, name string) (UnderlyingFile, error) {
	f, ok := fs.files[name]
	if !ok {
		return nil, ErrInvalidArgument
	}
	return f, nil
}

func newTestFileSystem(t *testing.T, blockSize uint64, files map[string]*fakeFile) (*FileSystem, *Cache) {
	t.Helper()
	c := New(WithBlockSize(blockSize))
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { c.Close() })
	return NewFileSystem(c, &fakeFS{files: files}), c
}

func TestFileSystemReadAtServesFromUnderlyingOnMiss(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	underlying := &fakeFile{data: want, lastModified: time.Unix(1000, 0)}
	fs, _ := newTestFileSystem(t, 64, map[string]*fakeFile{"a.txt": underlying})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f.Close()

	got := make([]byte, len(want))
	n, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got[:n])
}

func TestFileSystemSecondReadIsServedFromCache(t *testing.T) {
	want := []byte("cached content spanning more than one block across the file")
	underlying := &fakeFile{data: want, lastModified: time.Unix(1000, 0)}
	fs, _ := newTestFileSystem(t, 64, map[string]*fakeFile{"a.txt": underlying})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, len(want))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	readsAfterFirst := underlying.reads

	f2, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f2.Close()
	_, err = f2.ReadAt(buf, 0)
	require.NoError(t, err)

	require.Equal(t, readsAfterFirst, underlying.reads, "second read should be served entirely from cache")
}

func TestFileSystemRejectsUnscopedPath(t *testing.T) {
	fs, _ := newTestFileSystem(t, 64, map[string]*fakeFile{})
	_, err := fs.Open(context.Background(), "a.txt")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFileSystemSkipsFreshnessCheckWhenDataImmutable(t *testing.T) {
	underlying := &fakeFile{data: []byte("version one data"), lastModified: time.Unix(1000, 0)}
	c := New(WithBlockSize(64), WithDataMutable(false))
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { c.Close() })
	fs := NewFileSystem(c, &fakeFS{files: map[string]*fakeFile{"a.txt": underlying}})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	buf := make([]byte, len(underlying.data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	underlying.data = []byte("version two data!")
	underlying.lastModified = time.Unix(2000, 0)
	sizeCallsBeforeReopen := underlying.sizeCalls
	lastModCallsBeforeReopen := underlying.lastModCalls

	f2, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f2.Close()
	got := make([]byte, len("version one data"))
	n, err := f2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "version one data", string(got[:n]), "stale cached content must survive when data is marked immutable")
	require.Equal(t, sizeCallsBeforeReopen, underlying.sizeCalls, "immutable data with known metadata must not probe the underlying size")
	require.Equal(t, lastModCallsBeforeReopen, underlying.lastModCalls, "immutable data with known metadata must not probe the underlying modification time")
}

func TestFileSystemInvalidatesWhenUnderlyingGainsAKnownModificationTime(t *testing.T) {
	// The underlying source starts out unable to report a modification
	// time at all (time.Time{}), so nothing gets recorded for it.
	underlying := &fakeFile{data: []byte("version one data"), lastModified: time.Time{}}
	fs, _ := newTestFileSystem(t, 64, map[string]*fakeFile{"a.txt": underlying})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	buf := make([]byte, len(underlying.data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Same size, different content, but now the underlying source can
	// report a real timestamp. The cached record still says "unknown",
	// which must be treated as changed rather than falling back to a
	// size comparison that would otherwise see no difference.
	underlying.data = []byte("version two data")
	underlying.lastModified = time.Unix(500, 0)

	f2, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f2.Close()
	got := make([]byte, len(underlying.data))
	n, err := f2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "version two data", string(got[:n]))
}

func TestFileSystemFallsBackToSizeWhenNeitherSideHasAModificationTime(t *testing.T) {
	underlying := &fakeFile{data: []byte("version one data"), lastModified: time.Time{}}
	fs, _ := newTestFileSystem(t, 64, map[string]*fakeFile{"a.txt": underlying})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	buf := make([]byte, len(underlying.data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Still no usable timestamp on either side, but the size changed, so
	// the size-comparison fallback must still catch it.
	underlying.data = []byte("a longer version two data")

	f2, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f2.Close()
	got := make([]byte, len(underlying.data))
	n, err := f2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "a longer version two data", string(got[:n]))
}

func TestFileSystemBypassesCacheWhenDisabled(t *testing.T) {
	underlying := &fakeFile{data: []byte("version one data"), lastModified: time.Unix(1000, 0)}
	c := New(WithBlockSize(64), WithCacheEnabled(false))
	require.NoError(t, c.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { c.Close() })
	fs := NewFileSystem(c, &fakeFS{files: map[string]*fakeFile{"a.txt": underlying}})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	buf := make([]byte, len(underlying.data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Nothing should have been registered in the cache: a direct
	// RetrieveBlock must come back as a miss.
	_, ok, err := c.RetrieveBlock(Scheme+"a.txt", 0, buf)
	require.NoError(t, err)
	require.False(t, ok, "disabled cache should not have stored anything")

	// Re-enabling picks the cache back up for new opens.
	c.SetCacheEnabled(true)
	f2, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f2.Close()
	_, err = f2.ReadAt(buf, 0)
	require.NoError(t, err)
	_, ok, err = c.RetrieveBlock(Scheme+"a.txt", 0, buf)
	require.NoError(t, err)
	require.True(t, ok, "re-enabled cache should store on next read")
}

func TestFileSystemInvalidatesOnModificationTimeChange(t *testing.T) {
	underlying := &fakeFile{data: []byte("version one data"), lastModified: time.Unix(1000, 0)}
	fs, _ := newTestFileSystem(t, 64, map[string]*fakeFile{"a.txt": underlying})

	f, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	buf := make([]byte, len(underlying.data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	underlying.data = []byte("version two data") // same length, different content
	underlying.lastModified = time.Unix(2000, 0)

	f2, err := fs.Open(context.Background(), Scheme+"a.txt")
	require.NoError(t, err)
	defer f2.Close()
	got := make([]byte, len(underlying.data))
	n, err := f2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "version two data", string(got[:n]))
}
