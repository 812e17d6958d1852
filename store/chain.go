package store

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ChainWriter serializes an arbitrary-length byte stream across blocks
// allocated one at a time from a BlockBackend, writing an 8-byte
// little-endian next-block-id header in front of each block's payload.
// The chain is terminated by a block whose next id is InvalidBlockID.
//
// ChainWriter is used for both the metadata chain and the persisted
// free-list chain; both need "allocate as I go, fix up the previous
// block's next pointer once the new one exists" semantics.
type ChainWriter struct {
	backend     BlockBackend
	payloadSize int
	first       BlockID
	cur         BlockID
	buf         []byte // payload accumulated for the current block
	closed      bool
}

// NewChainWriter allocates the first block of a new chain and returns a
// writer positioned at its payload.
func NewChainWriter(backend BlockBackend) (*ChainWriter, error) {
	blockSize := backend.GetBlockSize()
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("%w: block size %d below minimum", ErrInvalidArgument, blockSize)
	}
	first := backend.AllocBlock()
	return &ChainWriter{
		backend:     backend,
		payloadSize: int(blockSize) - chainHeaderSize,
		first:       first,
		cur:         first,
		buf:         make([]byte, 0, int(blockSize)-chainHeaderSize),
	}, nil
}

// FirstBlock returns the id of the chain's first block.
func (w *ChainWriter) FirstBlock() BlockID {
	return w.first
}

func (w *ChainWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("%w: write to closed chain", ErrInvalidArgument)
	}
	written := 0
	for len(p) > 0 {
		room := w.payloadSize - len(w.buf)
		n := copy(w.buf[len(w.buf):len(w.buf)+room], p[:min(room, len(p))])
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
		if len(w.buf) == w.payloadSize && len(p) > 0 {
			if err := w.advance(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// advance flushes the current block with a freshly allocated next block
// linked after it, then makes that block current.
func (w *ChainWriter) advance() error {
	next := w.backend.AllocBlock()
	if err := w.flush(next); err != nil {
		return err
	}
	w.cur = next
	w.buf = w.buf[:0]
	return nil
}

func (w *ChainWriter) flush(next BlockID) error {
	blockSize := w.payloadSize + chainHeaderSize
	out := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(out, uint64(next))
	copy(out[chainHeaderSize:], w.buf)
	return w.backend.StoreBlock(w.cur, out)
}

// Close flushes the final block of the chain, terminating it with
// InvalidBlockID. It is safe to call Close exactly once.
func (w *ChainWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush(InvalidBlockID)
}

// ChainReader walks a chain of blocks written by ChainWriter, yielding
// the concatenated payload as a plain byte stream. The chain records no
// payload length, so the stream includes the zero padding that follows
// the last written byte in the final block; consumers rely on their own
// framing (count prefixes, fixed-width fields) to know where data ends.
type ChainReader struct {
	backend  BlockBackend
	blockBuf []byte
	payload  []byte // unread payload remaining in blockBuf
	next     BlockID
	visited  []BlockID
	done     bool
}

// NewChainReader returns a reader over the chain starting at start. If
// start is InvalidBlockID the chain is treated as empty.
func NewChainReader(backend BlockBackend, start BlockID) *ChainReader {
	r := &ChainReader{
		backend:  backend,
		blockBuf: make([]byte, backend.GetBlockSize()),
		next:     start,
	}
	if start == InvalidBlockID {
		r.done = true
	}
	return r
}

func (r *ChainReader) Read(p []byte) (int, error) {
	for len(r.payload) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.loadNext(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.payload)
	r.payload = r.payload[n:]
	return n, nil
}

func (r *ChainReader) loadNext() error {
	id := r.next
	if err := r.backend.RetrieveBlock(id, r.blockBuf); err != nil {
		return fmt.Errorf("chain: reading block %d: %w", id, err)
	}
	r.visited = append(r.visited, id)
	r.next = BlockID(binary.LittleEndian.Uint64(r.blockBuf))
	r.payload = r.blockBuf[chainHeaderSize:]
	if r.next == InvalidBlockID {
		r.done = true
	}
	return nil
}

// BlockIDs returns every block visited so far, in chain order. Call it
// after draining the reader to learn the full set of blocks to free.
func (r *ChainReader) BlockIDs() []BlockID {
	return r.visited
}

// ReadAllBlockIDs walks the remainder of the chain purely to discover
// which blocks it occupies, discarding payload bytes. It is used when
// freeing a chain without caring about its contents.
func ReadAllBlockIDs(backend BlockBackend, start BlockID) ([]BlockID, error) {
	r := NewChainReader(backend, start)
	buf := make([]byte, backend.GetBlockSize())
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			return r.BlockIDs(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
