package blockcache

import (
	"log/slog"

	"github.com/coldtier/blockcache/meta"
)

// DefaultBlockSize is the block size used when no WithBlockSize option is
// given.
const DefaultBlockSize = 1 << 20

// DefaultMaxCacheSize is the cache capacity used when no WithMaxCacheSize
// option is given: 2 GiB.
const DefaultMaxCacheSize = 2 << 30

// DefaultCachePath is the backing file path used when neither Open nor
// WithCachePath supplies one.
const DefaultCachePath = "/tmp/blockcache.bin"

// Config holds the settings a Cache is constructed with.
type Config struct {
	blockSize    uint64
	maxCacheSize uint64
	dataMutable  bool
	cacheEnabled bool
	cachePath    string
	logger       *slog.Logger

	// blockBackend and metaManager, when set, are used in place of the
	// real on-disk store and a freshly rebuilt index on the next Open
	// call. They exist so tests can substitute a backend that fails on a
	// chosen call without going through an actual backing file.
	blockBackend backend
	metaManager  *meta.Manager
}

func defaultConfig() Config {
	return Config{
		blockSize:    DefaultBlockSize,
		maxCacheSize: DefaultMaxCacheSize,
		dataMutable:  true,
		cacheEnabled: true,
		cachePath:    DefaultCachePath,
	}
}

func (c Config) maxBlocks() uint64 {
	return numBlocksFromSize(c.maxCacheSize, c.blockSize)
}

func (c Config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// numBlocksFromSize returns how many blocks of blockSize fit within a
// budget of maxBytes, rounding up so the cache never holds fewer blocks
// than the requested byte budget implies.
func numBlocksFromSize(maxBytes, blockSize uint64) uint64 {
	if blockSize == 0 {
		return 0
	}
	return (maxBytes + blockSize - 1) / blockSize
}

// Option configures a Cache at construction time.
type Option func(*Config)

// WithBlockSize sets the fixed size of every block in the backing store.
// Opening an existing backing file whose header records a different
// block size fails with ErrIO.
func WithBlockSize(n uint64) Option {
	return func(c *Config) { c.blockSize = n }
}

// WithMaxCacheSize sets the cache's capacity in bytes. It is converted
// to a block count by rounding up.
func WithMaxCacheSize(bytes uint64) Option {
	return func(c *Config) { c.maxCacheSize = bytes }
}

// WithLogger sets the logger used for cache diagnostics. The default
// discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithDataMutable controls whether opening a cached file validates it
// against the underlying source's current size and modification time.
// Leave it at the default (true) for sources that can change out from
// under the cache; set it false for sources known to be immutable, to
// skip that check entirely.
func WithDataMutable(mutable bool) Option {
	return func(c *Config) { c.dataMutable = mutable }
}

// WithCachePath sets the path Cache.Open uses when the caller doesn't
// supply one of its own, and the path ClearCache and similar
// administrative helpers reopen against when given an unopened Cache.
func WithCachePath(path string) Option {
	return func(c *Config) { c.cachePath = path }
}

// WithCacheEnabled controls whether a FileSystem built on this Cache
// actually consults the cache for new opens. Disabling it bypasses the
// cache without discarding anything already stored, so re-enabling it
// picks back up where it left off. Defaults to true.
func WithCacheEnabled(enabled bool) Option {
	return func(c *Config) { c.cacheEnabled = enabled }
}

// WithBlockBackend overrides the block store Open would otherwise load
// from disk. It exists for tests that need to inject a backend failing
// on a chosen call (crash injection) without a real backing file.
func WithBlockBackend(b backend) Option {
	return func(c *Config) { c.blockBackend = b }
}

// WithMetaManager overrides the in-memory block index Open would
// otherwise rebuild from the backing store's metadata chain. It exists
// for tests that want to start from a known index without going
// through a real metadata chain.
func WithMetaManager(m *meta.Manager) Option {
	return func(c *Config) { c.metaManager = m }
}

// SettingsSource is an external collaborator that can supply cache
// settings dynamically, e.g. from a query engine's session configuration.
// It lets callers change the cache path or size at runtime without
// restarting the process that owns the Cache.
type SettingsSource interface {
	// CacheEnabled reports whether caching should be active at all.
	CacheEnabled() bool
	// CacheSizeBytes is the desired cache capacity in bytes.
	CacheSizeBytes() uint64
	// CachePath is the backing file path caching should use.
	CachePath() string
}

// OptionsFromSettings builds Options from a SettingsSource, for callers
// that want to construct a Cache directly from dynamic configuration
// rather than hardcoded Options.
func OptionsFromSettings(s SettingsSource) []Option {
	return []Option{
		WithMaxCacheSize(s.CacheSizeBytes()),
		WithCachePath(s.CachePath()),
		WithCacheEnabled(s.CacheEnabled()),
	}
}
