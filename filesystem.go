package blockcache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coldtier/blockcache/meta"
)

// Scheme is the path prefix FileSystem strips before delegating to the
// underlying file source, and that it expects ReadAt-style callers to
// have already stripped.
const Scheme = "blockcache://"

// UnderlyingFS is the slower file source a FileSystem caches reads from.
type UnderlyingFS interface {
	// Open returns a handle to name, which has had Scheme's prefix
	// already removed.
	Open(ctx context.Context, name string) (UnderlyingFile, error)
}

// UnderlyingFile is the minimal surface FileSystem needs from an
// underlying file: positioned reads plus the attributes needed for
// freshness checks.
type UnderlyingFile interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	LastModified() (time.Time, error)
	Close() error
}

// FileSystem serves reads from a Cache, falling back to an UnderlyingFS
// on a miss and storing whatever it fetches for next time.
type FileSystem struct {
	cache      *Cache
	underlying UnderlyingFS
	fetch      singleflight.Group
}

// NewFileSystem returns a FileSystem that caches reads from underlying
// into cache, which must already be open.
func NewFileSystem(cache *Cache, underlying UnderlyingFS) *FileSystem {
	return &FileSystem{cache: cache, underlying: underlying}
}

// CanHandle reports whether name carries this FileSystem's scheme
// prefix.
func CanHandle(name string) bool {
	return strings.HasPrefix(name, Scheme)
}

func stripScheme(name string) string {
	return strings.TrimPrefix(name, Scheme)
}

// Open returns a File serving cached reads of name, a blockcache://
// path. The underlying file is opened lazily on the first access that
// needs it; Open itself needs it to probe size and modification time,
// except when the cache is immutable and already holds metadata for
// name.
func (fs *FileSystem) Open(ctx context.Context, name string) (*File, error) {
	if !CanHandle(name) {
		return nil, fmt.Errorf("%w: %q does not carry the %s scheme", ErrInvalidArgument, name, Scheme)
	}
	key := stripScheme(name)
	fs.cache.AddRef()
	f := &File{
		fs:     fs,
		key:    key,
		name:   name,
		bypass: !fs.cache.CacheEnabled(),
	}
	if err := f.populateFreshness(ctx); err != nil {
		fs.cache.RemoveRef()
		return nil, err
	}
	return f, nil
}

// File is a cached handle to one underlying file, opened through a
// FileSystem.
type File struct {
	fs   *FileSystem
	key  string // underlying path, scheme stripped
	name string // original blockcache:// path, used as the cache's file key

	underlying UnderlyingFile
	size       int64
	closed     bool

	// bypass is set when the cache was disabled (SettingsSource /
	// WithCacheEnabled) at the moment this File was opened. Reads go
	// straight to the underlying source without consulting or
	// populating the cache, and nothing already cached is disturbed.
	bypass bool
}

// populateFreshness compares the underlying file's current size and
// modification time against what the cache last recorded for it. A
// mismatch (or nothing recorded yet) evicts whatever was cached so
// stale blocks are never served.
//
// When the cache is configured immutable and metadata is already on
// record for this file, the underlying probe is skipped entirely:
// immutable data can never go stale, so there is nothing to check.
func (f *File) populateFreshness(ctx context.Context) error {
	if f.bypass {
		u, err := f.underlyingHandle(ctx)
		if err != nil {
			return err
		}
		size, err := u.Size()
		if err != nil {
			return err
		}
		f.size = size
		return nil
	}

	known, ok := f.fs.cache.RetrieveFileMetadata(f.name)
	if ok && !f.fs.cache.DataMutable() {
		f.size = known.Size
		return nil
	}

	u, err := f.underlyingHandle(ctx)
	if err != nil {
		return err
	}
	size, err := u.Size()
	if err != nil {
		return err
	}
	f.size = size

	lastModified, err := u.LastModified()
	if err != nil {
		return err
	}

	underlyingTS := meta.UnknownLastModified
	if !lastModified.IsZero() {
		underlyingTS = lastModified.UnixNano()
	}

	stale := !ok
	if ok {
		switch {
		case known.LastModified != underlyingTS:
			// Cached and underlying disagree, including the case where
			// only one side has a usable timestamp: treat as changed.
			stale = true
		case underlyingTS == meta.UnknownLastModified:
			// Neither side has a usable timestamp; fall back to size.
			stale = known.Size != size || known.Size == 0
		}
	}
	if stale {
		if err := f.fs.cache.Evict(f.name); err != nil {
			return err
		}
	}
	f.fs.cache.StoreFileSize(f.name, size)
	if underlyingTS != meta.UnknownLastModified {
		f.fs.cache.StoreFileLastModified(f.name, underlyingTS)
	}
	return nil
}

func (f *File) underlyingHandle(ctx context.Context) (UnderlyingFile, error) {
	if f.underlying != nil {
		return f.underlying, nil
	}
	u, err := f.fs.underlying.Open(ctx, f.key)
	if err != nil {
		return nil, err
	}
	f.underlying = u
	return u, nil
}

// Size returns the file's size as last observed.
func (f *File) Size() int64 {
	return f.size
}

// Close releases the File's reference on the cache, closes the
// underlying handle if one was opened, and flushes the cache.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	defer f.fs.cache.RemoveRef()
	var err error
	if f.underlying != nil {
		err = f.underlying.Close()
	}
	if flushErr := f.fs.cache.Flush(); err == nil {
		err = flushErr
	}
	return err
}

// ReadAt reads len(p) bytes starting at off, serving whatever blocks are
// cached and fetching the rest from the underlying file. It is
// equivalent to ReadAtContext(context.Background(), ...).
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext is ReadAt with a context that is checked before each
// block is served; once it is done, the read stops and returns ctx's
// error. A fetch from the underlying file already under way is not
// interrupted.
func (f *File) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, off)
	}
	if off >= f.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > f.size {
		end = f.size
	}
	want := end - off
	if want <= 0 {
		return 0, io.EOF
	}

	blockSize := int64(f.fs.cache.BlockSize()) - cachedBlockHeaderSize
	total := 0
	for total < int(want) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		pos := off + int64(total)
		index := uint64(pos / blockSize)
		within := pos % blockSize

		block, err := f.getBlock(ctx, index)
		if err != nil {
			return total, err
		}
		if within >= int64(len(block)) {
			break // short underlying read; nothing more to serve
		}
		n := copy(p[total:int(want)], block[within:])
		total += n
		if int64(len(block)) < blockSize {
			break // last, short block: underlying file ended here
		}
	}
	if total < int(want) {
		return total, io.EOF
	}
	return total, nil
}

// getBlock returns the cached block at index, fetching it from the
// underlying file on a miss. Concurrent requests for the same block are
// deduplicated so only one underlying read happens at a time.
func (f *File) getBlock(ctx context.Context, index uint64) ([]byte, error) {
	blockSize := int64(f.fs.cache.BlockSize()) - cachedBlockHeaderSize
	if f.bypass {
		return f.readUnderlyingBlock(ctx, index, blockSize)
	}

	buf := make([]byte, blockSize)
	n, ok, err := f.fs.cache.RetrieveBlock(f.name, index, buf)
	if err != nil {
		return nil, err
	}
	if ok {
		return buf[:n], nil
	}

	sfKey := fmt.Sprintf("%s#%d", f.name, index)
	v, err, _ := f.fs.fetch.Do(sfKey, func() (interface{}, error) {
		return f.fetchAndStore(ctx, index, blockSize)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (f *File) fetchAndStore(ctx context.Context, index uint64, blockSize int64) ([]byte, error) {
	data, err := f.readUnderlyingBlock(ctx, index, blockSize)
	if err != nil {
		return nil, err
	}
	if storeErr := f.fs.cache.StoreBlock(f.name, index, data); storeErr != nil {
		return nil, storeErr
	}
	return data, nil
}

// readUnderlyingBlock reads one block's worth of data directly from the
// underlying source, with no cache interaction.
func (f *File) readUnderlyingBlock(ctx context.Context, index uint64, blockSize int64) ([]byte, error) {
	u, err := f.underlyingHandle(ctx)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, blockSize)
	n, err := u.ReadAt(buf, int64(index)*blockSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
