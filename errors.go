package blockcache

import (
	"errors"

	"github.com/coldtier/blockcache/store"
)

// Errors re-exported from store.
var (
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = store.ErrInvalidArgument

	// ErrIO wraps failures performing I/O against the backing store file.
	ErrIO = store.ErrIO
)

var (
	// ErrBusy is returned by Close and Clear when the cache still has
	// active readers.
	ErrBusy = errors.New("blockcache: cache is busy")

	// ErrCorruption names a stored block whose checksum doesn't match its
	// contents. RetrieveBlock does not return it: a corrupt block is
	// dropped and reported as a cache miss, so callers refetch it.
	ErrCorruption = errors.New("blockcache: stored block failed checksum")

	// ErrClosed denotes an operation on a closed cache. No function in this
	// package returns it; operations on a Cache that is not open fail with
	// ErrInvalidArgument.
	ErrClosed = errors.New("blockcache: cache is closed")
)
