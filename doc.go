// Package blockcache implements a persistent, block-addressed,
// LRU-evicted read-through cache in front of a slower underlying file
// source.
//
// A Cache owns one backing store file on disk (see the store package)
// and an in-memory index of which cached block holds which byte range
// of which underlying file (see the meta package). FileSystem wraps an
// underlying file source so that reads are transparently served from
// the cache, fetching and storing whatever blocks are missing.
package blockcache
