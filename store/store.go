package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Store is a single backing file holding a fixed header followed by a
// dense array of fixed-size blocks. It is the concrete BlockBackend used
// by the cache coordinator; block allocation, freeing, and the on-disk
// free-list chain all live here.
//
// Store is safe for concurrent use; callers needing atomicity across
// multiple calls (e.g. "free this chain, then allocate a new one") must
// still serialize at a higher level, since Store only guarantees each
// individual call is internally consistent.
type Store struct {
	mu sync.Mutex

	f    *os.File
	path string

	version    uint32
	blockSize  uint64
	blockCount uint64
	metaBlock  BlockID
	freeListID BlockID // anchor block of the persisted free-list chain, or InvalidBlockID

	free *freeList
}

// CreateNew creates a fresh backing file at path, truncating any
// existing contents, and initializes an empty store with the given
// block size.
func CreateNew(path string, blockSize uint64) (*Store, error) {
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("%w: block size %d below minimum %d", ErrInvalidArgument, blockSize, MinBlockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrIO, path, err)
	}
	s := &Store{
		f:          f,
		path:       path,
		version:    currentVersion,
		blockSize:  blockSize,
		blockCount: 0,
		metaBlock:  InvalidBlockID,
		freeListID: InvalidBlockID,
		free:       newFreeList(),
	}
	if err := s.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// LoadExisting opens path, which must already contain a valid header and
// (if non-empty) a persisted free-list chain, and reconstructs in-memory
// state from it. blockSize is the caller's configured block size; it
// must match the persisted header's block size, since blocks are
// addressed by a fixed offset computed from it.
func LoadExisting(path string, blockSize uint64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	raw := make([]byte, HeaderSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: reading header of %s: %v", ErrIO, path, err)
	}
	hdr, err := decodeHeader(raw)
	if err != nil {
		f.Close()
		return nil, err
	}
	if blockSize != 0 && hdr.BlockSize != blockSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s has block size %d, requested %d", ErrIO, path, hdr.BlockSize, blockSize)
	}
	s := &Store{
		f:          f,
		path:       path,
		version:    hdr.Version,
		blockSize:  hdr.BlockSize,
		blockCount: hdr.BlockCount,
		metaBlock:  hdr.MetaBlock,
		freeListID: hdr.FreeList,
		free:       newFreeList(),
	}
	if hdr.FreeList != InvalidBlockID {
		ids, err := s.loadFreeList(hdr.FreeList)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.free.ResetFrom(ids)
	}
	return s, nil
}

// LoadOrCreate opens path if it exists and is non-empty, otherwise
// creates it fresh with the given block size.
func LoadOrCreate(path string, blockSize uint64) (*Store, error) {
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return LoadExisting(path, blockSize)
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: statting %s: %v", ErrIO, path, err)
	}
	return CreateNew(path, blockSize)
}

// GetBlockSize implements BlockBackend.
func (s *Store) GetBlockSize() uint64 {
	return s.blockSize
}

// MetaBlock returns the anchor block of the current metadata chain, or
// InvalidBlockID if none has ever been written.
func (s *Store) MetaBlock() BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaBlock
}

// SetMetaBlock overwrites the anchor block of the metadata chain. It is
// used after writing a fresh metadata chain during Flush.
func (s *Store) SetMetaBlock(id BlockID) {
	s.mu.Lock()
	s.metaBlock = id
	s.mu.Unlock()
}

// AllocBlock implements BlockBackend. It returns the smallest free block
// id, extending the backing file with a new block if none is free.
func (s *Store) AllocBlock() BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked()
}

func (s *Store) allocLocked() BlockID {
	if id, ok := s.free.PopMin(); ok {
		return id
	}
	id := BlockID(s.blockCount)
	s.blockCount++
	return id
}

// StoreBlock implements BlockBackend, writing data (zero-padded to the
// block size) at id's offset. Data longer than a block is rejected with
// ErrInvalidArgument.
func (s *Store) StoreBlock(id BlockID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateBlockID(id); err != nil {
		return err
	}
	if uint64(len(data)) > s.blockSize {
		return fmt.Errorf("%w: payload %d exceeds block size %d", ErrInvalidArgument, len(data), s.blockSize)
	}
	buf := data
	if uint64(len(data)) < s.blockSize {
		buf = make([]byte, s.blockSize)
		copy(buf, data)
	}
	if _, err := s.f.WriteAt(buf, s.blockOffset(id)); err != nil {
		return fmt.Errorf("%w: writing block %d: %v", ErrIO, id, err)
	}
	return nil
}

// RetrieveBlock implements BlockBackend, reading exactly len(buf) bytes
// (which must not exceed the block size) starting at id's offset.
func (s *Store) RetrieveBlock(id BlockID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateBlockID(id); err != nil {
		return err
	}
	if uint64(len(buf)) > s.blockSize {
		return fmt.Errorf("%w: requested %d bytes exceeds block size %d", ErrInvalidArgument, len(buf), s.blockSize)
	}
	if _, err := s.f.ReadAt(buf, s.blockOffset(id)); err != nil {
		return fmt.Errorf("%w: reading block %d: %v", ErrIO, id, err)
	}
	return nil
}

// MarkFree implements BlockBackend, returning a single block to the free
// list. Freeing an already-free block is a no-op, not an error.
func (s *Store) MarkFree(id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateBlockID(id); err != nil {
		return err
	}
	s.free.Add(id)
	return nil
}

// MarkChainFree implements BlockBackend, walking the chain starting at
// start and freeing every block it visits. It returns the number of
// blocks freed. start == InvalidBlockID is a valid no-op.
func (s *Store) MarkChainFree(start BlockID) (int, error) {
	if start == InvalidBlockID {
		return 0, nil
	}
	ids, err := ReadAllBlockIDs(s, start)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, id := range ids {
		s.free.Add(id)
	}
	s.mu.Unlock()
	return len(ids), nil
}

func (s *Store) validateBlockID(id BlockID) error {
	if id < 0 || uint64(id) >= s.blockCount {
		return fmt.Errorf("%w: block id %d out of range [0, %d)", ErrInvalidArgument, id, s.blockCount)
	}
	return nil
}

func (s *Store) blockOffset(id BlockID) int64 {
	return int64(HeaderSize) + int64(id)*int64(s.blockSize)
}

// loadFreeList reads the persisted free-list chain anchored at start and
// decodes it into a slice of block ids. The chain's own blocks are not
// implicitly included; callers that are about to replace the chain must
// free its blocks separately.
func (s *Store) loadFreeList(start BlockID) ([]BlockID, error) {
	r := NewChainReader(s, start)
	var all []byte
	buf := make([]byte, s.blockSize)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		all = append(all, buf[:n]...)
	}
	return decodeBlockIDList(all)
}

// saveFreeList persists the current in-memory free set as a fresh chain,
// first freeing whatever chain was previously persisted so its blocks
// don't leak.
//
// The chain's own blocks must come from somewhere, and wherever they
// come from must not also appear in the list as still-free — otherwise
// a later AllocBlock could hand out a block that is in fact part of the
// live free-list chain and corrupt it. Since the chain is built by the
// same AllocBlock that always takes the smallest free id first, the
// blocks it will consume are exactly the K smallest ids currently in
// the free set, where K is however many blocks the serialized remainder
// needs. That remainder depends on K, so it is found by iterating to a
// fixed point before a single byte is written.
func (s *Store) saveFreeList() error {
	s.mu.Lock()
	oldChain := s.freeListID
	s.mu.Unlock()

	if oldChain != InvalidBlockID {
		if _, err := s.MarkChainFree(oldChain); err != nil {
			return err
		}
	}

	s.mu.Lock()
	ids := s.free.Sorted()
	payloadPerBlock := int(s.blockSize) - chainHeaderSize
	s.mu.Unlock()

	k := 1
	for i := 0; i < len(ids)+2; i++ {
		remaining := len(ids) - k
		if remaining < 0 {
			remaining = 0
		}
		payloadLen := 8 + 8*remaining
		next := ceilDiv(payloadLen, payloadPerBlock)
		if next < 1 {
			next = 1
		}
		if next == k {
			break
		}
		k = next
	}

	var remainingIDs []BlockID
	if k < len(ids) {
		remainingIDs = ids[k:]
	}
	payload := encodeBlockIDList(remainingIDs)

	w, err := NewChainWriter(s)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	s.freeListID = w.FirstBlock()
	s.mu.Unlock()
	return nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Flush writes the current free set as a fresh free-list chain (see
// saveFreeList), then persists the header (block count, block size, meta
// block, and free list anchor) and syncs the file. Callers are
// responsible for having already written any metadata chain.
func (s *Store) Flush() error {
	if err := s.saveFreeList(); err != nil {
		return err
	}
	if err := s.writeHeader(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *Store) writeHeader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeHeaderLocked()
}

func (s *Store) writeHeaderLocked() error {
	hdr := Header{
		Version:    s.version,
		MetaBlock:  s.metaBlock,
		FreeList:   s.freeListID,
		BlockCount: s.blockCount,
		BlockSize:  s.blockSize,
	}
	if _, err := s.f.WriteAt(hdr.encode(), 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return nil
}

// Clear discards all allocated blocks and removes the backing file from
// disk entirely, then recreates it empty at the same path so the Store
// remains immediately usable under its original identity (path, block
// size).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("%w: closing before clear: %v", ErrIO, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", ErrIO, s.path, err)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: recreating %s: %v", ErrIO, s.path, err)
	}
	s.f = f
	s.blockCount = 0
	s.metaBlock = InvalidBlockID
	s.freeListID = InvalidBlockID
	s.free = newFreeList()
	if err := s.writeHeaderLocked(); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the backing file handle. The handle is closed
// even if the flush fails; the flush error is returned in that case.
func (s *Store) Close() error {
	flushErr := s.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
