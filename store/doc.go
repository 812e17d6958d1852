// Package store implements the single-file, block-addressed backing store
// used by the cache coordinator.
//
// A store is one file on disk: a fixed-size header followed by a dense
// array of fixed-size blocks. Blocks are allocated from a persistent free
// list that is itself serialized as a chain of blocks inside the same
// file, so the whole structure is self-describing and survives process
// restarts without any side-channel state.
package store
