// Package meta tracks which cache blocks hold which byte ranges of which
// source files, and which blocks are least recently used.
//
// It owns three indexes that must stay mutually consistent: a block
// mapping from (file, block index) to the store block holding that
// range, its inverse, and an LRU order over allocated blocks. The whole
// index is periodically serialized to a versioned wire format so it can
// be reloaded without re-reading every cached block.
package meta
