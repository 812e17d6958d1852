package meta

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coldtier/blockcache/store"
)

// wireVersion is the metadata serialization format Write produces.
// Versions 1 through wireVersion are accepted by Read.
//
//   - v1: no last-modified field at all; files are tracked by size and
//     block set only.
//   - v2: adds a 4-byte legacy seconds-since-epoch last-modified field.
//   - v3 (current): widens last-modified to a native 8-byte
//     nanoseconds-since-epoch field.
//
// Every version is followed by the LRU list: a uint64 length, then that
// many int64 block ids ordered from most to least recently used.
const wireVersion uint32 = 3

// Write serializes the current index (file sizes, modification times,
// and block mappings) in the current wire format.
func (m *Manager) Write(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := writeUint32(w, wireVersion); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(m.files))); err != nil {
		return err
	}
	for name, fm := range m.files {
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := writeInt64(w, fm.Size); err != nil {
			return err
		}
		if err := writeInt64(w, fm.LastModified); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(fm.Blocks))); err != nil {
			return err
		}
		for index, id := range fm.Blocks {
			if err := writeUint64(w, index); err != nil {
				return err
			}
			if err := writeInt64(w, int64(id)); err != nil {
				return err
			}
		}
	}

	lruOrder := m.lruOrderLocked()
	if err := writeUint64(w, uint64(len(lruOrder))); err != nil {
		return err
	}
	for _, id := range lruOrder {
		if err := writeInt64(w, int64(id)); err != nil {
			return err
		}
	}
	return nil
}

// Read replaces the current index with the contents of r, which may
// have been written by any version from 1 through wireVersion. The LRU
// order is restored exactly as persisted, most to least recently used.
func (m *Manager) Read(r io.Reader) error {
	version, err := readUint32(r)
	if err != nil {
		return fmt.Errorf("meta: reading version: %w", err)
	}
	if version == 0 || version > wireVersion {
		return fmt.Errorf("meta: unsupported metadata version %d", version)
	}

	fileCount, err := readUint64(r)
	if err != nil {
		return fmt.Errorf("meta: reading file count: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blockMapping = make(map[BlockKey]store.BlockID)
	m.reverseMapping = make(map[store.BlockID]BlockKey)
	m.files = make(map[string]*FileMetadata)

	for i := uint64(0); i < fileCount; i++ {
		name, err := readString(r)
		if err != nil {
			return fmt.Errorf("meta: reading file name: %w", err)
		}
		fm := newFileMetadata()

		size, err := readInt64(r)
		if err != nil {
			return fmt.Errorf("meta: reading size for %s: %w", name, err)
		}
		fm.Size = size

		switch {
		case version >= 3:
			lm, err := readInt64(r)
			if err != nil {
				return fmt.Errorf("meta: reading last-modified for %s: %w", name, err)
			}
			fm.LastModified = lm
		case version == 2:
			legacy, err := readInt32(r)
			if err != nil {
				return fmt.Errorf("meta: reading legacy last-modified for %s: %w", name, err)
			}
			fm.LastModified = int64(legacy) * 1_000_000_000
		default: // v1
			fm.LastModified = UnknownLastModified
		}

		blockCount, err := readUint64(r)
		if err != nil {
			return fmt.Errorf("meta: reading block count for %s: %w", name, err)
		}
		for j := uint64(0); j < blockCount; j++ {
			index, err := readUint64(r)
			if err != nil {
				return fmt.Errorf("meta: reading block index for %s: %w", name, err)
			}
			rawID, err := readInt64(r)
			if err != nil {
				return fmt.Errorf("meta: reading block id for %s: %w", name, err)
			}
			id := store.BlockID(rawID)
			fm.Blocks[index] = id

			key := BlockKey{File: name, Index: index}
			m.blockMapping[key] = id
			m.reverseMapping[id] = key
		}

		m.files[name] = fm
	}

	lruLen, err := readUint64(r)
	if err != nil {
		return fmt.Errorf("meta: reading LRU list length: %w", err)
	}
	lruOrder := make([]store.BlockID, 0, lruLen)
	for i := uint64(0); i < lruLen; i++ {
		rawID, err := readInt64(r)
		if err != nil {
			return fmt.Errorf("meta: reading LRU entry %d: %w", i, err)
		}
		lruOrder = append(lruOrder, store.BlockID(rawID))
	}
	m.resetLRULocked(lruOrder)
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	return writeUint64(w, uint64(v))
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
