package blockcache

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/coldtier/blockcache/meta"
	"github.com/coldtier/blockcache/store"
)

// cachedBlockHeaderSize is the size, in bytes, of the checksum+length
// prefix Cache writes in front of every block's payload. A block's
// usable payload capacity is therefore blockSize - cachedBlockHeaderSize.
const cachedBlockHeaderSize = 8 + 4

// backend is everything Cache needs from its block store, beyond the
// raw block operations already named by store.BlockBackend: anchoring
// a metadata chain, and the file-level lifecycle operations (flush,
// clear, close). *store.Store satisfies this; tests can substitute
// another implementation via WithBlockBackend to inject a backend that
// fails on a chosen call.
type backend interface {
	store.BlockBackend
	MetaBlock() store.BlockID
	SetMetaBlock(store.BlockID)
	Flush() error
	Clear() error
	Close() error
}

// Cache is the coordinator between the on-disk block store and the
// in-memory block index: the single point through which every cached
// byte is stored or retrieved.
//
// A Cache is safe for concurrent use. Its public methods take a single
// non-reentrant lock; none of them call back into another exported
// method while holding it (internal helpers suffixed Locked assume the
// lock is already held), so there is no need for a recursive mutex.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	path string
	st   backend
	idx  *meta.Manager

	open  bool
	dirty atomic.Int64
	refs  atomic.Int64
}

// New returns an unopened Cache configured by opts. Call Open before
// using it.
func New(opts ...Option) *Cache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{cfg: cfg, logger: cfg.log()}
}

// Open loads the backing store at path, creating it if it doesn't
// exist, and reconstructs the in-memory block index from whatever
// metadata chain it finds. Calling Open on an already open Cache is a
// no-op that returns nil. An empty path falls back to the configured
// cache path.
func (c *Cache) Open(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	if path == "" {
		path = c.cfg.cachePath
	}
	if path == "" {
		return fmt.Errorf("%w: empty cache path", ErrInvalidArgument)
	}

	var st backend
	if c.cfg.blockBackend != nil {
		st = c.cfg.blockBackend
	} else {
		s, err := store.LoadOrCreate(path, c.cfg.blockSize)
		if err != nil {
			return err
		}
		st = s
	}

	idx := c.cfg.metaManager
	if idx == nil {
		idx = meta.NewManager(c.cfg.maxBlocks())
		if anchor := st.MetaBlock(); anchor != store.InvalidBlockID {
			r := store.NewChainReader(st, anchor)
			if err := idx.Read(r); err != nil {
				st.Close()
				return fmt.Errorf("%w: reading metadata chain: %v", ErrIO, err)
			}
		}
	}

	c.path = path
	c.cfg.cachePath = path
	c.st = st
	c.idx = idx
	c.open = true
	c.dirty.Store(0)
	c.logger.Debug("cache opened", "path", path, "blocks", idx.BlockCount())
	return nil
}

// CachePath returns the path the cache is currently open against, or
// last opened against if closed, or the configured default if it has
// never been opened.
func (c *Cache) CachePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return c.path
	}
	return c.cfg.cachePath
}

// SetCachePath closes the cache, if open, and reopens it against path.
// It fails with ErrBusy without making any change if a reader is
// currently active. If the cache was not open, it only records path as
// the configured default for the next Open.
func (c *Cache) SetCachePath(path string) error {
	c.mu.Lock()
	wasOpen := c.open
	c.mu.Unlock()

	if !wasOpen {
		c.mu.Lock()
		c.cfg.cachePath = path
		c.mu.Unlock()
		return nil
	}
	if err := c.Close(); err != nil {
		return err
	}
	return c.Open(path)
}

// CacheEnabled reports whether a FileSystem built on this Cache should
// consult it for new opens.
func (c *Cache) CacheEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.cacheEnabled
}

// SetCacheEnabled flips whether a FileSystem built on this Cache
// consults it for new opens, without touching anything already stored.
// Disabling it bypasses the cache for subsequent opens; re-enabling it
// picks back up with whatever is still cached.
func (c *Cache) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cfg.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsOpen reports whether Open has succeeded without a matching Close.
func (c *Cache) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// AddRef registers an active reader, preventing Close and Clear from
// proceeding until a matching RemoveRef is called. Callers that hand out
// a cached file handle should AddRef when it's opened and RemoveRef when
// it's closed.
func (c *Cache) AddRef() {
	c.refs.Add(1)
}

// RemoveRef releases a reference taken by AddRef.
func (c *Cache) RemoveRef() {
	c.refs.Add(-1)
}

// IsDirty reports whether the cache has unflushed changes.
func (c *Cache) IsDirty() bool {
	return c.dirty.Load() != 0
}

// SetDirty marks the cache as having (or not having) unflushed changes.
// Setting true increments an internal counter so concurrent writers
// don't race to clear each other's dirty flag; setting false resets it.
func (c *Cache) SetDirty(dirty bool) {
	if dirty {
		c.dirty.Add(1)
		return
	}
	c.dirty.Store(0)
}

// Close flushes the metadata chain, closes the backing store and clears
// the in-memory block index. It fails with ErrBusy if any reader is
// still active.
func (c *Cache) Close() error {
	if c.refs.Load() != 0 {
		return ErrBusy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	if err := c.flushLocked(); err != nil {
		return err
	}
	if err := c.st.Close(); err != nil {
		return err
	}
	c.open = false
	c.idx = meta.NewManager(c.cfg.maxBlocks())
	return nil
}

// Clear discards all cached blocks and metadata, returning the backing
// store to an empty state. It fails with ErrBusy if any reader is still
// active.
func (c *Cache) Clear() error {
	if c.refs.Load() != 0 {
		return ErrBusy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("%w: cache not open", ErrInvalidArgument)
	}
	if err := c.st.Clear(); err != nil {
		return err
	}
	c.idx = meta.NewManager(c.cfg.maxBlocks())
	c.dirty.Store(0)
	return nil
}

// Evict drops every cached block belonging to file, freeing their store
// blocks. It is a no-op if file has nothing cached.
func (c *Cache) Evict(file string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("%w: cache not open", ErrInvalidArgument)
	}
	fm, ok := c.idx.GetFileMetadata(file)
	if !ok {
		return nil
	}
	for _, id := range fm.Blocks {
		if err := c.st.MarkFree(id); err != nil {
			return err
		}
		c.idx.UnregisterBlock(id)
	}
	c.dirty.Add(1)
	return nil
}

// SetMaxCacheSize updates the cache's capacity in bytes and immediately
// evicts least-recently-used blocks until it's within the new limit.
func (c *Cache) SetMaxCacheSize(bytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("%w: cache not open", ErrInvalidArgument)
	}
	c.cfg.maxCacheSize = bytes
	c.idx.SetMaxCacheSize(c.cfg.maxBlocks())
	_, err := c.idx.EvictWhileOverCapacity(c.freeBlockLocked)
	return err
}

func (c *Cache) freeBlockLocked(id store.BlockID) error {
	if err := c.st.MarkFree(id); err != nil {
		return err
	}
	c.dirty.Add(1)
	return nil
}

// StoreFileSize records file's last-known size.
func (c *Cache) StoreFileSize(file string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx.SetFileSize(file, size)
	c.dirty.Add(1)
}

// StoreFileLastModified records file's last-known modification time, as
// UnixNano.
func (c *Cache) StoreFileLastModified(file string, unixNano int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idx.SetFileLastModified(file, unixNano)
	c.dirty.Add(1)
}

// RetrieveFileMetadata returns whatever is tracked about file's size and
// modification time.
func (c *Cache) RetrieveFileMetadata(file string) (meta.FileMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.GetFileMetadata(file)
}

// BlockSize returns the fixed size of every block in the backing store.
func (c *Cache) BlockSize() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.GetBlockSize()
}

// DataMutable reports whether the cache validates freshness of cached
// files against their underlying source at open time.
func (c *Cache) DataMutable() bool {
	return c.cfg.dataMutable
}

// BlockCount returns how many blocks are currently cached.
func (c *Cache) BlockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.BlockCount()
}

// AllBlocks returns every currently cached block and the file range it
// holds, for diagnostics.
func (c *Cache) AllBlocks() []meta.BlockInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.AllBlocks()
}

// LRUOrder returns every currently cached block id from most to least
// recently used, for tests and diagnostics asserting eviction order.
func (c *Cache) LRUOrder() []store.BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx.LRUOrder()
}

// StoreBlock caches data as the block at index within file, evicting
// least-recently-used blocks if doing so exceeds capacity.
func (c *Cache) StoreBlock(file string, index uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("%w: cache not open", ErrInvalidArgument)
	}
	capacity := int(c.st.GetBlockSize()) - cachedBlockHeaderSize
	if len(data) > capacity {
		return fmt.Errorf("%w: block payload %d exceeds capacity %d", ErrInvalidArgument, len(data), capacity)
	}

	key := meta.BlockKey{File: file, Index: index}
	id, existing := c.idx.GetBlockID(key)
	if !existing {
		id = c.st.AllocBlock()
		if err := c.idx.RegisterBlock(key, id); err != nil {
			return err
		}
	}

	if err := c.st.StoreBlock(id, encodeCachedBlock(data)); err != nil {
		return err
	}
	c.idx.UpdateLRU(id)
	c.dirty.Add(1)

	_, err := c.idx.EvictWhileOverCapacity(c.freeBlockLocked)
	return err
}

// RetrieveBlock copies the cached block at index within file into buf,
// which must be at least as large as the block's stored payload. It
// returns the number of bytes copied and whether the block was found. A
// checksum mismatch is reported the same as a miss: the corrupted block
// is dropped from the cache rather than returned.
func (c *Cache) RetrieveBlock(file string, index uint64, buf []byte) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return 0, false, fmt.Errorf("%w: cache not open", ErrInvalidArgument)
	}

	key := meta.BlockKey{File: file, Index: index}
	id, ok := c.idx.GetBlockID(key)
	if !ok {
		return 0, false, nil
	}

	raw := make([]byte, c.st.GetBlockSize())
	if err := c.st.RetrieveBlock(id, raw); err != nil {
		return 0, false, err
	}

	payload, ok := decodeCachedBlock(raw)
	if !ok {
		c.logger.Warn("checksum mismatch, evicting block", "file", file, "index", index, "block", id)
		if err := c.st.MarkFree(id); err != nil {
			return 0, false, err
		}
		c.idx.UnregisterBlock(id)
		c.dirty.Add(1)
		return 0, false, nil
	}

	n := copy(buf, payload)
	c.idx.UpdateLRU(id)
	return n, true, nil
}

// Flush persists the in-memory block index to the backing store as a
// fresh metadata chain, discarding whatever chain was previously
// persisted so it doesn't leak.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Cache) flushLocked() error {
	if !c.open {
		return nil
	}
	if old := c.st.MetaBlock(); old != store.InvalidBlockID {
		if _, err := c.st.MarkChainFree(old); err != nil {
			return err
		}
	}

	w, err := store.NewChainWriter(c.st)
	if err != nil {
		return err
	}
	if err := c.idx.Write(w); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	c.st.SetMetaBlock(w.FirstBlock())

	if err := c.st.Flush(); err != nil {
		return err
	}
	c.dirty.Store(0)
	return nil
}

func encodeCachedBlock(data []byte) []byte {
	out := make([]byte, cachedBlockHeaderSize+len(data))
	binary.LittleEndian.PutUint64(out, xxhash.Sum64(data))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(data)))
	copy(out[cachedBlockHeaderSize:], data)
	return out
}

// decodeCachedBlock validates raw's checksum and returns its payload. ok
// is false if the length is implausible or the checksum doesn't match.
func decodeCachedBlock(raw []byte) ([]byte, bool) {
	if len(raw) < cachedBlockHeaderSize {
		return nil, false
	}
	sum := binary.LittleEndian.Uint64(raw)
	length := binary.LittleEndian.Uint32(raw[8:])
	if cachedBlockHeaderSize+int(length) > len(raw) {
		return nil, false
	}
	payload := raw[cachedBlockHeaderSize : cachedBlockHeaderSize+int(length)]
	if xxhash.Sum64(payload) != sum {
		return nil, false
	}
	return payload, true
}
