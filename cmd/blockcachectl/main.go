// Command blockcachectl inspects and manages a block cache backing file
// without going through the library's normal read-through path.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	blockcache "github.com/coldtier/blockcache"
)

type config struct {
	mode      string
	cachePath string
	maxBytes  uint64
	blockSize uint64
	files     string
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("blockcachectl: %v", err)
	}
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "", "one of: stat, clear, evict")
	flag.StringVar(&cfg.cachePath, "cache", "", "path to the cache backing file")
	flag.Uint64Var(&cfg.maxBytes, "max-bytes", blockcache.DefaultMaxCacheSize, "cache capacity in bytes")
	flag.Uint64Var(&cfg.blockSize, "block-size", blockcache.DefaultBlockSize, "block size in bytes; must match the block size of an existing backing file")
	flag.StringVar(&cfg.files, "files", "", "comma-separated file keys, for -mode=evict")
	flag.Parse()
	return cfg
}

func run(cfg config) error {
	if cfg.cachePath == "" {
		return errors.New("-cache is required")
	}

	c := blockcache.New(
		blockcache.WithMaxCacheSize(cfg.maxBytes),
		blockcache.WithBlockSize(cfg.blockSize),
	)
	if err := c.Open(cfg.cachePath); err != nil {
		return fmt.Errorf("opening %s: %w", cfg.cachePath, err)
	}
	defer c.Close()

	switch cfg.mode {
	case "stat":
		return runStat(c)
	case "clear":
		return runClear(c)
	case "evict":
		return runEvict(c, cfg.files)
	default:
		return fmt.Errorf("unknown -mode %q, want one of stat, clear, evict", cfg.mode)
	}
}

func runStat(c *blockcache.Cache) error {
	fmt.Printf("open: %v\n", c.IsOpen())
	fmt.Printf("dirty: %v\n", c.IsDirty())
	fmt.Printf("blocks: %d\n", c.BlockCount())
	byFile := map[string]int{}
	for _, b := range c.AllBlocks() {
		byFile[b.Key.File]++
	}
	for file, n := range byFile {
		fmt.Printf("  %s: %d block(s)\n", file, n)
	}
	return nil
}

func runClear(c *blockcache.Cache) error {
	if !blockcache.ClearCache(c) {
		return errors.New("clear failed")
	}
	fmt.Println("cache cleared")
	return nil
}

func runEvict(c *blockcache.Cache, files string) error {
	if files == "" {
		return errors.New("-files is required for -mode=evict")
	}
	list := strings.Split(files, ",")
	if !blockcache.EvictFiles(c, list) {
		return fmt.Errorf("one or more of %v failed to evict", list)
	}
	fmt.Printf("evicted %d file(s)\n", len(list))
	return nil
}
