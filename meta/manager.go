package meta

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/coldtier/blockcache/store"
)

// Manager is the in-memory index of everything currently cached: which
// block holds which file range, and the order in which blocks were last
// touched. It does not itself allocate or free store blocks; callers
// drive eviction by asking EvictWhileOverCapacity for victims and are
// responsible for freeing the corresponding store blocks.
type Manager struct {
	mu sync.Mutex

	maxBlocks uint64

	blockMapping   map[BlockKey]store.BlockID
	reverseMapping map[store.BlockID]BlockKey
	files          map[string]*FileMetadata

	lru      *list.List // front = most recently used
	lruIndex map[store.BlockID]*list.Element
}

// NewManager returns an empty index with the given block capacity. A
// maxBlocks of 0 means unbounded.
func NewManager(maxBlocks uint64) *Manager {
	return &Manager{
		maxBlocks:      maxBlocks,
		blockMapping:   make(map[BlockKey]store.BlockID),
		reverseMapping: make(map[store.BlockID]BlockKey),
		files:          make(map[string]*FileMetadata),
		lru:            list.New(),
		lruIndex:       make(map[store.BlockID]*list.Element),
	}
}

// SetMaxCacheSize updates the block capacity. It does not evict; callers
// should follow up with EvictWhileOverCapacity.
func (m *Manager) SetMaxCacheSize(maxBlocks uint64) {
	m.mu.Lock()
	m.maxBlocks = maxBlocks
	m.mu.Unlock()
}

// GetBlockID looks up the store block currently holding key, if any.
func (m *Manager) GetBlockID(key BlockKey) (store.BlockID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.blockMapping[key]
	return id, ok
}

// RegisterBlock records that id now holds key, marking it most recently
// used. It is an error to register a key or id that's already mapped;
// callers must UnregisterBlock first if they're replacing a mapping.
func (m *Manager) RegisterBlock(key BlockKey, id store.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.blockMapping[key]; ok {
		return fmt.Errorf("meta: %s[%d] already mapped to block %d", key.File, key.Index, existing)
	}
	if _, ok := m.reverseMapping[id]; ok {
		return fmt.Errorf("meta: block %d already registered", id)
	}

	m.blockMapping[key] = id
	m.reverseMapping[id] = key

	fm, ok := m.files[key.File]
	if !ok {
		fm = newFileMetadata()
		m.files[key.File] = fm
	}
	fm.Blocks[key.Index] = id

	m.touchLocked(id)
	return nil
}

// UnregisterBlock removes id from every index, including the LRU order,
// and drops its file's entry entirely once that file has no blocks left.
func (m *Manager) UnregisterBlock(id store.BlockID) (BlockKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(id)
}

func (m *Manager) unregisterLocked(id store.BlockID) (BlockKey, bool) {
	key, ok := m.reverseMapping[id]
	if !ok {
		return BlockKey{}, false
	}
	delete(m.reverseMapping, id)
	delete(m.blockMapping, key)
	if fm, ok := m.files[key.File]; ok {
		delete(fm.Blocks, key.Index)
		if len(fm.Blocks) == 0 {
			delete(m.files, key.File)
		}
	}
	if elem, ok := m.lruIndex[id]; ok {
		m.lru.Remove(elem)
		delete(m.lruIndex, id)
	}
	return key, true
}

// UpdateLRU marks id as just used, moving it to the front of the
// eviction order. An id that isn't currently in the LRU order is
// inserted at the front.
func (m *Manager) UpdateLRU(id store.BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(id)
}

func (m *Manager) touchLocked(id store.BlockID) {
	if elem, ok := m.lruIndex[id]; ok {
		m.lru.MoveToFront(elem)
		return
	}
	m.lruIndex[id] = m.lru.PushFront(id)
}

// SetFileSize records file's last-known size.
func (m *Manager) SetFileSize(file string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileLocked(file).Size = size
}

// SetFileLastModified records file's last-known modification time.
func (m *Manager) SetFileLastModified(file string, t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileLocked(file).LastModified = t
}

func (m *Manager) fileLocked(file string) *FileMetadata {
	fm, ok := m.files[file]
	if !ok {
		fm = newFileMetadata()
		m.files[file] = fm
	}
	return fm
}

// GetFileMetadata returns what's tracked about file, if anything.
func (m *Manager) GetFileMetadata(file string) (FileMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fm, ok := m.files[file]
	if !ok {
		return FileMetadata{}, false
	}
	blocks := make(map[uint64]store.BlockID, len(fm.Blocks))
	for k, v := range fm.Blocks {
		blocks[k] = v
	}
	return FileMetadata{Size: fm.Size, LastModified: fm.LastModified, Blocks: blocks}, true
}

// EvictWhileOverCapacity pops the least recently used blocks and calls
// free on each until the index is at or under capacity (or the LRU is
// exhausted). It stops and returns the first error free reports,
// leaving that block still registered so it isn't silently dropped from
// the index without its store block actually being freed.
func (m *Manager) EvictWhileOverCapacity(free func(store.BlockID) error) (int, error) {
	evicted := 0
	for {
		m.mu.Lock()
		if m.maxBlocks == 0 || uint64(len(m.blockMapping)) <= m.maxBlocks {
			m.mu.Unlock()
			return evicted, nil
		}
		back := m.lru.Back()
		if back == nil {
			m.mu.Unlock()
			return evicted, nil
		}
		id := back.Value.(store.BlockID)
		m.mu.Unlock()

		if err := free(id); err != nil {
			return evicted, err
		}
		m.mu.Lock()
		m.unregisterLocked(id)
		m.mu.Unlock()
		evicted++
	}
}

// BlockCount returns how many blocks are currently tracked.
func (m *Manager) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blockMapping)
}

// GetBlockInfo returns the file range a given store block currently
// holds, if any. It exists for introspection tools (stat commands,
// diagnostics) rather than anything on the hot read/write path.
func (m *Manager) GetBlockInfo(id store.BlockID) (BlockInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.reverseMapping[id]
	if !ok {
		return BlockInfo{}, false
	}
	return BlockInfo{Key: key, BlockID: id}, true
}

// AllBlocks returns every currently tracked block, in no particular
// order. It exists for introspection tools that need the full index
// rather than a single lookup.
func (m *Manager) AllBlocks() []BlockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BlockInfo, 0, len(m.reverseMapping))
	for id, key := range m.reverseMapping {
		out = append(out, BlockInfo{Key: key, BlockID: id})
	}
	return out
}

// LRUOrder returns tracked block ids from most to least recently used.
// It exists for tests asserting eviction order; callers driving eviction
// should use EvictWhileOverCapacity instead.
func (m *Manager) LRUOrder() []store.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lruOrderLocked()
}

func (m *Manager) lruOrderLocked() []store.BlockID {
	out := make([]store.BlockID, 0, m.lru.Len())
	for e := m.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(store.BlockID))
	}
	return out
}

// resetLRULocked replaces the LRU order with ids, given most to least
// recently used. It is used when reconstructing state from serialized
// metadata, where the persisted order is authoritative.
func (m *Manager) resetLRULocked(ids []store.BlockID) {
	m.lru = list.New()
	m.lruIndex = make(map[store.BlockID]*list.Element)
	for _, id := range ids {
		m.lruIndex[id] = m.lru.PushBack(id)
	}
}
