package blockcache

// ClearCache discards everything cached, opening the cache against its
// configured path first if it isn't already open. It never returns an
// error for individual failures; instead it reports overall success so
// that administrative callers (a management command, an HTTP handler)
// get a simple boolean rather than having to interpret cache internals.
// A panic anywhere in the call is recovered and reported as failure,
// matching the catch-all boundary the original management functions use.
func ClearCache(cache *Cache) (success bool) {
	defer func() {
		if recover() != nil {
			success = false
		}
	}()
	if cache == nil {
		return false
	}
	if !cache.IsOpen() {
		if err := cache.Open(cache.CachePath()); err != nil {
			return false
		}
	}
	return cache.Clear() == nil
}

// EvictFiles drops every cached block belonging to each of files. A nil
// files is rejected outright; an empty, non-nil slice is a valid no-op.
// It keeps going even if one file's eviction fails, and reports whether
// every one of them succeeded. A panic anywhere in the call is recovered
// and reported as failure.
func EvictFiles(cache *Cache, files []string) (success bool) {
	defer func() {
		if recover() != nil {
			success = false
		}
	}()
	if cache == nil || !cache.IsOpen() || files == nil {
		return false
	}
	ok := true
	for _, file := range files {
		if err := cache.Evict(file); err != nil {
			ok = false
		}
	}
	return ok
}
