package store

import (
	"encoding/binary"
	"fmt"
)

// encodeBlockIDList serializes a list of block ids as a count followed
// by 8-byte little-endian ids. This is the wire format of the persisted
// free-list chain.
func encodeBlockIDList(ids []BlockID) []byte {
	buf := make([]byte, 8+8*len(ids))
	binary.LittleEndian.PutUint64(buf, uint64(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[8+8*i:], uint64(id))
	}
	return buf
}

func decodeBlockIDList(buf []byte) ([]BlockID, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: truncated free list (%d bytes)", ErrIO, len(buf))
	}
	count := binary.LittleEndian.Uint64(buf)
	want := 8 + 8*count
	if uint64(len(buf)) < want {
		return nil, fmt.Errorf("%w: free list declares %d ids but has %d bytes", ErrIO, count, len(buf))
	}
	ids := make([]BlockID, count)
	for i := range ids {
		ids[i] = BlockID(binary.LittleEndian.Uint64(buf[8+8*i:]))
	}
	return ids, nil
}
