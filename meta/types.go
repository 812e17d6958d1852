package meta

import "github.com/coldtier/blockcache/store"

// BlockKey identifies one fixed-size range of a source file: the range
// starting at Index*blockSize within File.
type BlockKey struct {
	File  string
	Index uint64
}

// UnknownLastModified is stored for files whose modification time has
// never been observed, either because they predate version 2 of the
// wire format or because the underlying filesystem didn't report one.
const UnknownLastModified int64 = 0

// FileMetadata is everything tracked about a source file: its size and
// modification time as last observed (used for freshness checks), and
// which of its block ranges are currently cached.
type FileMetadata struct {
	Size         int64
	LastModified int64 // UnixNano, or UnknownLastModified
	Blocks       map[uint64]store.BlockID
}

func newFileMetadata() *FileMetadata {
	return &FileMetadata{Blocks: make(map[uint64]store.BlockID)}
}

// BlockInfo pairs a cache block with the file range it holds, the shape
// callers iterating over the full index want back.
type BlockInfo struct {
	Key     BlockKey
	BlockID store.BlockID
}
